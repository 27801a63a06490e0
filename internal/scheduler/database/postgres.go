package database

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

var (
	psql = goqu.Dialect("postgres")

	// Tables
	jobTable     = goqu.T("job")
	requestTable = goqu.T("request")

	// Columns: job table
	job_jobId         = goqu.I("job.job_id")
	job_requester     = goqu.I("job.requester")
	job_jobType       = goqu.I("job.job_type")
	job_description   = goqu.I("job.description")
	job_state         = goqu.I("job.state")
	job_priority      = goqu.I("job.priority")
	job_notBefore     = goqu.I("job.not_before")
	job_timeoutSecs   = goqu.I("job.timeout_secs")
	job_parameters    = goqu.I("job.parameters")
	job_resources     = goqu.I("job.resources")
	job_owner         = goqu.I("job.owner")
	job_runId         = goqu.I("job.run_id")
	job_pid           = goqu.I("job.pid")
	job_pidStartTicks = goqu.I("job.pid_start_ticks")
	job_resultCode    = goqu.I("job.result_code")
	job_detail        = goqu.I("job.detail")
	job_submitted     = goqu.I("job.submitted")
	job_started       = goqu.I("job.started")
	job_finished      = goqu.I("job.finished")

	// Columns: request table
	request_requestId = goqu.I("request.request_id")
	request_action    = goqu.I("request.action")
	request_jobId     = goqu.I("request.job_id")
	request_spec      = goqu.I("request.spec")
	request_requester = goqu.I("request.requester")
	request_state     = goqu.I("request.state")
	request_message   = goqu.I("request.message")
	request_submitted = goqu.I("request.submitted")
)

var jobColumns = []interface{}{
	job_jobId,
	job_requester,
	job_jobType,
	job_description,
	job_state,
	job_priority,
	job_notBefore,
	job_timeoutSecs,
	job_parameters,
	job_resources,
	job_owner,
	job_runId,
	job_pid,
	job_pidStartTicks,
	job_resultCode,
	job_detail,
	job_submitted,
	job_started,
	job_finished,
}

var requestColumns = []interface{}{
	request_requestId,
	request_action,
	request_jobId,
	request_spec,
	request_requester,
	request_state,
	request_message,
	request_submitted,
}

// errRequestResolved aborts the CreateJobFromRequest transaction when the
// request turns out to be resolved already.
var errRequestResolved = errors.New("request already resolved")

// PostgresJobRepository is the JobRepository implementation shared by
// concurrent scheduler instances. All CAS operations are single UPDATE
// statements guarded on the expected state; multi-statement operations run
// in a repeatable read transaction.
type PostgresJobRepository struct {
	db *pgxpool.Pool
}

func NewPostgresJobRepository(db *pgxpool.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{db: db}
}

func (r *PostgresJobRepository) CreateJob(ctx context.Context, job *Job) (int64, error) {
	id, err := insertJob(ctx, r.db, job)
	return id, storeErr("CreateJob", err)
}

func (r *PostgresJobRepository) CreateJobFromRequest(ctx context.Context, requestID string, job *Job) (int64, error) {
	var jobID int64
	err := r.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadWrite,
	}, func(tx pgx.Tx) error {
		id, err := insertJob(ctx, tx, job)
		if err != nil {
			return err
		}
		resolved, err := resolveRequest(ctx, tx, requestID, RequestCompleted, fmt.Sprintf("created job %d", id))
		if err != nil {
			return err
		}
		if !resolved {
			return errRequestResolved
		}
		jobID = id
		return nil
	})
	// Losing the race against another instance is not an error: the whole
	// transaction rolled back and the request is in someone else's hands.
	if errors.Is(err, errRequestResolved) || isSerializationFailure(err) {
		return 0, nil
	}
	return jobID, storeErr("CreateJobFromRequest", err)
}

func (r *PostgresJobRepository) GetJob(ctx context.Context, jobID int64) (*Job, error) {
	query, args, err := psql.From(jobTable).
		Select(jobColumns...).
		Where(job_jobId.Eq(jobID)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, storeErr("GetJob", err)
	}
	job, err := scanJob(r.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, storeErr("GetJob", err)
}

func (r *PostgresJobRepository) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	ds := psql.From(jobTable).Select(jobColumns...)
	if len(filter.States) > 0 {
		ds = ds.Where(job_state.In(stateStrings(filter.States)))
	}
	if filter.Requester != "" {
		ds = ds.Where(job_requester.Eq(filter.Requester))
	}
	ds = ds.Order(job_jobId.Desc())
	if filter.Limit > 0 {
		ds = ds.Limit(filter.Limit)
	}
	jobs, err := r.queryJobs(ctx, ds)
	return jobs, storeErr("ListJobs", err)
}

func (r *PostgresJobRepository) ListPending(ctx context.Context, now time.Time) ([]*Job, error) {
	ds := psql.From(jobTable).
		Select(jobColumns...).
		Where(
			job_state.Eq(string(JobWaiting)),
			goqu.Or(job_notBefore.IsNull(), job_notBefore.Lte(now)),
		).
		Order(job_priority.Desc(), job_submitted.Asc(), job_jobId.Asc())
	jobs, err := r.queryJobs(ctx, ds)
	return jobs, storeErr("ListPending", err)
}

func (r *PostgresJobRepository) ListExecuting(ctx context.Context) ([]*Job, error) {
	ds := psql.From(jobTable).
		Select(jobColumns...).
		Where(job_state.Eq(string(JobExecuting))).
		Order(job_jobId.Asc())
	jobs, err := r.queryJobs(ctx, ds)
	return jobs, storeErr("ListExecuting", err)
}

func (r *PostgresJobRepository) ListExecutingOwnedBy(ctx context.Context, owner string) ([]*Job, error) {
	ds := psql.From(jobTable).
		Select(jobColumns...).
		Where(job_state.Eq(string(JobExecuting)), job_owner.Eq(owner)).
		Order(job_jobId.Asc())
	jobs, err := r.queryJobs(ctx, ds)
	return jobs, storeErr("ListExecutingOwnedBy", err)
}

func (r *PostgresJobRepository) MarkExecuting(ctx context.Context, jobID int64, owner string, runID string, started time.Time) (bool, error) {
	query, args, err := psql.Update(jobTable).
		Set(goqu.Record{
			"state":   string(JobExecuting),
			"owner":   owner,
			"run_id":  runID,
			"started": started,
		}).
		Where(job_jobId.Eq(jobID), job_state.Eq(string(JobWaiting))).
		Prepared(true).ToSQL()
	if err != nil {
		return false, storeErr("MarkExecuting", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, storeErr("MarkExecuting", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresJobRepository) RecordWorker(ctx context.Context, jobID int64, pid int64, startTicks int64) error {
	query, args, err := psql.Update(jobTable).
		Set(goqu.Record{
			"pid":             pid,
			"pid_start_ticks": startTicks,
		}).
		Where(job_jobId.Eq(jobID), job_state.Eq(string(JobExecuting))).
		Prepared(true).ToSQL()
	if err != nil {
		return storeErr("RecordWorker", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return storeErr("RecordWorker", err)
	}
	if tag.RowsAffected() != 1 {
		return storeErr("RecordWorker", errors.Errorf("job %d is not executing", jobID))
	}
	return nil
}

func (r *PostgresJobRepository) FinishExecuting(ctx context.Context, jobID int64, state JobState, resultCode *int64, detail string, finished time.Time) (bool, error) {
	if !state.Terminal() {
		return false, storeErr("FinishExecuting", errors.Errorf("state %s is not terminal", state))
	}
	query, args, err := psql.Update(jobTable).
		Set(goqu.Record{
			"state":       string(state),
			"result_code": resultCode,
			"detail":      detail,
			"finished":    finished,
		}).
		Where(job_jobId.Eq(jobID), job_state.Eq(string(JobExecuting))).
		Prepared(true).ToSQL()
	if err != nil {
		return false, storeErr("FinishExecuting", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, storeErr("FinishExecuting", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresJobRepository) CancelWaiting(ctx context.Context, jobID int64, detail string, finished time.Time) (bool, error) {
	query, args, err := psql.Update(jobTable).
		Set(goqu.Record{
			"state":    string(JobCanceled),
			"detail":   detail,
			"finished": finished,
		}).
		Where(job_jobId.Eq(jobID), job_state.Eq(string(JobWaiting))).
		Prepared(true).ToSQL()
	if err != nil {
		return false, storeErr("CancelWaiting", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, storeErr("CancelWaiting", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresJobRepository) EnqueueRequest(ctx context.Context, request *Request) error {
	query, args, err := psql.Insert(requestTable).
		Rows(goqu.Record{
			"request_id": request.RequestID,
			"action":     string(request.Action),
			"job_id":     request.JobID,
			"spec":       request.Spec,
			"requester":  request.Requester,
			"state":      string(request.State),
			"message":    request.Message,
			"submitted":  request.Submitted,
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return storeErr("EnqueueRequest", err)
	}
	_, err = r.db.Exec(ctx, query, args...)
	return storeErr("EnqueueRequest", err)
}

func (r *PostgresJobRepository) PendingRequests(ctx context.Context) ([]*Request, error) {
	query, args, err := psql.From(requestTable).
		Select(requestColumns...).
		Where(request_state.Eq(string(RequestPending))).
		Order(request_requestId.Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, storeErr("PendingRequests", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("PendingRequests", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		request := &Request{}
		var action, state string
		err := rows.Scan(
			&request.RequestID,
			&action,
			&request.JobID,
			&request.Spec,
			&request.Requester,
			&state,
			&request.Message,
			&request.Submitted,
		)
		if err != nil {
			return nil, storeErr("PendingRequests", err)
		}
		request.Action = RequestAction(action)
		request.State = RequestState(state)
		requests = append(requests, request)
	}
	return requests, storeErr("PendingRequests", rows.Err())
}

func (r *PostgresJobRepository) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	query, args, err := psql.From(requestTable).
		Select(requestColumns...).
		Where(request_requestId.Eq(requestID)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, storeErr("GetRequest", err)
	}

	request := &Request{}
	var action, state string
	err = r.db.QueryRow(ctx, query, args...).Scan(
		&request.RequestID,
		&action,
		&request.JobID,
		&request.Spec,
		&request.Requester,
		&state,
		&request.Message,
		&request.Submitted,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("GetRequest", err)
	}
	request.Action = RequestAction(action)
	request.State = RequestState(state)
	return request, nil
}

func (r *PostgresJobRepository) ResolveRequest(ctx context.Context, requestID string, state RequestState, message string) (bool, error) {
	resolved, err := resolveRequest(ctx, r.db, requestID, state, message)
	return resolved, storeErr("ResolveRequest", err)
}

func (r *PostgresJobRepository) PruneRequests(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psql.Delete(requestTable).
		Where(request_state.Neq(string(RequestPending)), request_submitted.Lt(cutoff)).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, storeErr("PruneRequests", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, storeErr("PruneRequests", err)
	}
	return tag.RowsAffected(), nil
}

func insertJob(ctx context.Context, db pgxtype.Querier, job *Job) (int64, error) {
	resources, err := encodeResources(job.Resources)
	if err != nil {
		return 0, err
	}
	query, args, err := psql.Insert(jobTable).
		Rows(goqu.Record{
			"requester":    job.Requester,
			"job_type":     job.JobType,
			"description":  job.Description,
			"state":        string(JobWaiting),
			"priority":     job.Priority,
			"not_before":   job.NotBefore,
			"timeout_secs": job.TimeoutSecs,
			"parameters":   job.Parameters,
			"resources":    resources,
			"submitted":    job.Submitted,
		}).
		Returning(job_jobId).
		Prepared(true).ToSQL()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var id int64
	if err := db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func resolveRequest(ctx context.Context, db pgxtype.Querier, requestID string, state RequestState, message string) (bool, error) {
	query, args, err := psql.Update(requestTable).
		Set(goqu.Record{
			"state":   string(state),
			"message": message,
		}).
		Where(request_requestId.Eq(requestID), request_state.Eq(string(RequestPending))).
		Prepared(true).ToSQL()
	if err != nil {
		return false, errors.WithStack(err)
	}
	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresJobRepository) queryJobs(ctx context.Context, ds *goqu.SelectDataset) ([]*Job, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// scanJob reads one job row in jobColumns order.
func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	var state, resources string
	err := row.Scan(
		&job.JobID,
		&job.Requester,
		&job.JobType,
		&job.Description,
		&state,
		&job.Priority,
		&job.NotBefore,
		&job.TimeoutSecs,
		&job.Parameters,
		&resources,
		&job.Owner,
		&job.RunID,
		&job.Pid,
		&job.PidStartTicks,
		&job.ResultCode,
		&job.Detail,
		&job.Submitted,
		&job.Started,
		&job.Finished,
	)
	if err != nil {
		return nil, err
	}
	job.State = JobState(state)
	job.Resources, err = decodeResources(resources)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func stateStrings(states []JobState) []string {
	out := make([]string, len(states))
	for i, state := range states {
		out[i] = string(state)
	}
	return out
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.SerializationFailure
}
