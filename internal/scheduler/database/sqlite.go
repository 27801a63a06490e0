package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/stokerproject/stoker/internal/scheduler/configuration"
)

const sqliteJobColumns = `job_id, requester, job_type, description, state, priority,
	not_before, timeout_secs, parameters, resources, owner, run_id, pid,
	pid_start_ticks, result_code, detail, submitted, started, finished`

const sqliteRequestColumns = `request_id, action, job_id, spec, requester, state, message, submitted`

// SqliteJobRepository is the single-node JobRepository backend. Timestamps
// are stored as unix seconds. SQLite allows one writer at a time, so all
// writes are serialized behind a mutex to avoid SQLITE_BUSY errors.
type SqliteJobRepository struct {
	db        *sql.DB
	writeLock sync.Mutex
}

// NewSqliteJobRepository opens (creating if necessary) the database file at
// config.Path and returns the repository together with a close function.
func NewSqliteJobRepository(config configuration.DatabaseConfig) (*SqliteJobRepository, func(), error) {
	dbDir := filepath.Dir(config.Path)
	if _, err := os.Stat(dbDir); os.IsNotExist(err) {
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return nil, func() {}, errors.Wrapf(err, "could not make directory %s for sqlite db", dbDir)
		}
	}
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, func() {}, errors.Wrapf(err, "error opening sqlite db at %s", config.Path)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	repo := &SqliteJobRepository{db: db}
	return repo, func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("error closing sqlite database")
		}
	}, nil
}

// Setup prepares the database for use: WAL journaling and schema creation.
// It is idempotent.
func (r *SqliteJobRepository) Setup(ctx context.Context) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS job (
			job_id INTEGER PRIMARY KEY AUTOINCREMENT,
			requester TEXT NOT NULL,
			job_type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'WAITING',
			priority INTEGER NOT NULL DEFAULT 0,
			not_before INTEGER,
			timeout_secs INTEGER NOT NULL DEFAULT 0,
			parameters TEXT NOT NULL DEFAULT '',
			resources TEXT NOT NULL DEFAULT '[]',
			owner TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			pid INTEGER,
			pid_start_ticks INTEGER,
			result_code INTEGER,
			detail TEXT NOT NULL DEFAULT '',
			submitted INTEGER NOT NULL,
			started INTEGER,
			finished INTEGER)`,
		`CREATE INDEX IF NOT EXISTS idx_job_state ON job (state)`,
		`CREATE TABLE IF NOT EXISTS request (
			request_id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			job_id INTEGER NOT NULL DEFAULT 0,
			spec TEXT NOT NULL DEFAULT '',
			requester TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'PENDING',
			message TEXT NOT NULL DEFAULT '',
			submitted INTEGER NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_request_state ON request (state)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return storeErr("Setup", err)
		}
	}
	return nil
}

func (r *SqliteJobRepository) CreateJob(ctx context.Context, job *Job) (int64, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	id, err := r.insertJob(ctx, r.db, job)
	return id, storeErr("CreateJob", err)
}

func (r *SqliteJobRepository) CreateJobFromRequest(ctx context.Context, requestID string, job *Job) (int64, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("CreateJobFromRequest", err)
	}
	defer tx.Rollback()

	id, err := r.insertJob(ctx, tx, job)
	if err != nil {
		return 0, storeErr("CreateJobFromRequest", err)
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE request SET state = ?, message = ? WHERE request_id = ? AND state = ?`,
		string(RequestCompleted), fmt.Sprintf("created job %d", id), requestID, string(RequestPending))
	if err != nil {
		return 0, storeErr("CreateJobFromRequest", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("CreateJobFromRequest", err)
	}
	if affected != 1 {
		// Already resolved; roll the job insert back.
		return 0, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("CreateJobFromRequest", err)
	}
	return id, nil
}

type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *SqliteJobRepository) insertJob(ctx context.Context, db sqliteExecer, job *Job) (int64, error) {
	resources, err := encodeResources(job.Resources)
	if err != nil {
		return 0, err
	}
	result, err := db.ExecContext(ctx,
		`INSERT INTO job (requester, job_type, description, state, priority, not_before,
			timeout_secs, parameters, resources, submitted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Requester, job.JobType, job.Description, string(JobWaiting), job.Priority,
		unixOrNil(job.NotBefore), job.TimeoutSecs, job.Parameters, resources, job.Submitted.Unix())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (r *SqliteJobRepository) GetJob(ctx context.Context, jobID int64) (*Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM job WHERE job_id = ?`, jobID)
	job, err := scanSqliteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, storeErr("GetJob", err)
}

func (r *SqliteJobRepository) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM job`
	var wheres []string
	var args []interface{}
	if len(filter.States) > 0 {
		placeholders := ""
		for i, state := range filter.States {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(state))
		}
		wheres = append(wheres, "state IN ("+placeholders+")")
	}
	if filter.Requester != "" {
		wheres = append(wheres, "requester = ?")
		args = append(args, filter.Requester)
	}
	for i, where := range wheres {
		if i == 0 {
			query += " WHERE " + where
		} else {
			query += " AND " + where
		}
	}
	query += " ORDER BY job_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	jobs, err := r.queryJobs(ctx, query, args...)
	return jobs, storeErr("ListJobs", err)
}

func (r *SqliteJobRepository) ListPending(ctx context.Context, now time.Time) ([]*Job, error) {
	jobs, err := r.queryJobs(ctx,
		`SELECT `+sqliteJobColumns+` FROM job
		WHERE state = ? AND (not_before IS NULL OR not_before <= ?)
		ORDER BY priority DESC, submitted ASC, job_id ASC`,
		string(JobWaiting), now.Unix())
	return jobs, storeErr("ListPending", err)
}

func (r *SqliteJobRepository) ListExecuting(ctx context.Context) ([]*Job, error) {
	jobs, err := r.queryJobs(ctx,
		`SELECT `+sqliteJobColumns+` FROM job WHERE state = ? ORDER BY job_id ASC`,
		string(JobExecuting))
	return jobs, storeErr("ListExecuting", err)
}

func (r *SqliteJobRepository) ListExecutingOwnedBy(ctx context.Context, owner string) ([]*Job, error) {
	jobs, err := r.queryJobs(ctx,
		`SELECT `+sqliteJobColumns+` FROM job WHERE state = ? AND owner = ? ORDER BY job_id ASC`,
		string(JobExecuting), owner)
	return jobs, storeErr("ListExecutingOwnedBy", err)
}

func (r *SqliteJobRepository) MarkExecuting(ctx context.Context, jobID int64, owner string, runID string, started time.Time) (bool, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	result, err := r.db.ExecContext(ctx,
		`UPDATE job SET state = ?, owner = ?, run_id = ?, started = ? WHERE job_id = ? AND state = ?`,
		string(JobExecuting), owner, runID, started.Unix(), jobID, string(JobWaiting))
	if err != nil {
		return false, storeErr("MarkExecuting", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, storeErr("MarkExecuting", err)
	}
	return affected == 1, nil
}

func (r *SqliteJobRepository) RecordWorker(ctx context.Context, jobID int64, pid int64, startTicks int64) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	result, err := r.db.ExecContext(ctx,
		`UPDATE job SET pid = ?, pid_start_ticks = ? WHERE job_id = ? AND state = ?`,
		pid, startTicks, jobID, string(JobExecuting))
	if err != nil {
		return storeErr("RecordWorker", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storeErr("RecordWorker", err)
	}
	if affected != 1 {
		return storeErr("RecordWorker", errors.Errorf("job %d is not executing", jobID))
	}
	return nil
}

func (r *SqliteJobRepository) FinishExecuting(ctx context.Context, jobID int64, state JobState, resultCode *int64, detail string, finished time.Time) (bool, error) {
	if !state.Terminal() {
		return false, storeErr("FinishExecuting", errors.Errorf("state %s is not terminal", state))
	}
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	result, err := r.db.ExecContext(ctx,
		`UPDATE job SET state = ?, result_code = ?, detail = ?, finished = ? WHERE job_id = ? AND state = ?`,
		string(state), int64OrNil(resultCode), detail, finished.Unix(), jobID, string(JobExecuting))
	if err != nil {
		return false, storeErr("FinishExecuting", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, storeErr("FinishExecuting", err)
	}
	return affected == 1, nil
}

func (r *SqliteJobRepository) CancelWaiting(ctx context.Context, jobID int64, detail string, finished time.Time) (bool, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	result, err := r.db.ExecContext(ctx,
		`UPDATE job SET state = ?, detail = ?, finished = ? WHERE job_id = ? AND state = ?`,
		string(JobCanceled), detail, finished.Unix(), jobID, string(JobWaiting))
	if err != nil {
		return false, storeErr("CancelWaiting", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, storeErr("CancelWaiting", err)
	}
	return affected == 1, nil
}

func (r *SqliteJobRepository) EnqueueRequest(ctx context.Context, request *Request) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO request (`+sqliteRequestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		request.RequestID, string(request.Action), request.JobID, request.Spec,
		request.Requester, string(request.State), request.Message, request.Submitted.Unix())
	return storeErr("EnqueueRequest", err)
}

func (r *SqliteJobRepository) PendingRequests(ctx context.Context) ([]*Request, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteRequestColumns+` FROM request WHERE state = ? ORDER BY request_id ASC`,
		string(RequestPending))
	if err != nil {
		return nil, storeErr("PendingRequests", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		request := &Request{}
		var action, state string
		var submitted int64
		err := rows.Scan(&request.RequestID, &action, &request.JobID, &request.Spec,
			&request.Requester, &state, &request.Message, &submitted)
		if err != nil {
			return nil, storeErr("PendingRequests", err)
		}
		request.Action = RequestAction(action)
		request.State = RequestState(state)
		request.Submitted = time.Unix(submitted, 0).UTC()
		requests = append(requests, request)
	}
	return requests, storeErr("PendingRequests", rows.Err())
}

func (r *SqliteJobRepository) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteRequestColumns+` FROM request WHERE request_id = ?`, requestID)

	request := &Request{}
	var action, state string
	var submitted int64
	err := row.Scan(&request.RequestID, &action, &request.JobID, &request.Spec,
		&request.Requester, &state, &request.Message, &submitted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("GetRequest", err)
	}
	request.Action = RequestAction(action)
	request.State = RequestState(state)
	request.Submitted = time.Unix(submitted, 0).UTC()
	return request, nil
}

func (r *SqliteJobRepository) ResolveRequest(ctx context.Context, requestID string, state RequestState, message string) (bool, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	result, err := r.db.ExecContext(ctx,
		`UPDATE request SET state = ?, message = ? WHERE request_id = ? AND state = ?`,
		string(state), message, requestID, string(RequestPending))
	if err != nil {
		return false, storeErr("ResolveRequest", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, storeErr("ResolveRequest", err)
	}
	return affected == 1, nil
}

func (r *SqliteJobRepository) PruneRequests(ctx context.Context, cutoff time.Time) (int64, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM request WHERE state != ? AND submitted < ?`,
		string(RequestPending), cutoff.Unix())
	if err != nil {
		return 0, storeErr("PruneRequests", err)
	}
	deleted, err := result.RowsAffected()
	return deleted, storeErr("PruneRequests", err)
}

func (r *SqliteJobRepository) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanSqliteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSqliteJob reads one job row in sqliteJobColumns order.
func scanSqliteJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var state, resources string
	var notBefore, pid, pidStartTicks, resultCode, started, finished sql.NullInt64
	var submitted int64
	err := row.Scan(
		&job.JobID,
		&job.Requester,
		&job.JobType,
		&job.Description,
		&state,
		&job.Priority,
		&notBefore,
		&job.TimeoutSecs,
		&job.Parameters,
		&resources,
		&job.Owner,
		&job.RunID,
		&pid,
		&pidStartTicks,
		&resultCode,
		&job.Detail,
		&submitted,
		&started,
		&finished,
	)
	if err != nil {
		return nil, err
	}
	job.State = JobState(state)
	job.Resources, err = decodeResources(resources)
	if err != nil {
		return nil, err
	}
	job.NotBefore = timeFromUnix(notBefore)
	job.Pid = nullableInt64(pid)
	job.PidStartTicks = nullableInt64(pidStartTicks)
	job.ResultCode = nullableInt64(resultCode)
	job.Submitted = time.Unix(submitted, 0).UTC()
	job.Started = timeFromUnix(started)
	job.Finished = timeFromUnix(finished)
	return job, nil
}

func timeFromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func nullableInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	value := v.Int64
	return &value
}

func unixOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func int64OrNil(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
