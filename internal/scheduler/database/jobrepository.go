package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/stokerproject/stoker/internal/common/stokererrors"
	"github.com/stokerproject/stoker/internal/scheduler/lockdb"
)

// JobState is the lifecycle state of a job. WAITING jobs may move to EXECUTE
// or CANCELED; EXECUTE jobs may only move to a terminal state together with a
// recorded exit (recovery being the one exception, where the exit is the
// orphan verdict itself).
type JobState string

const (
	JobWaiting   JobState = "WAITING"
	JobExecuting JobState = "EXECUTE"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCanceled  JobState = "CANCELED"
)

var AllJobStates = []JobState{
	JobWaiting,
	JobExecuting,
	JobCompleted,
	JobFailed,
	JobCanceled,
}

// Terminal reports whether no further transition out of s is allowed.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// Job is one row of the job table. Job rows are never deleted by the
// scheduler; terminal rows are the execution history.
type Job struct {
	JobID       int64
	Requester   string
	JobType     string
	Description string
	State       JobState
	// Higher priority is admitted first.
	Priority int64
	// Earliest admission time. Nil means immediately eligible.
	NotBefore *time.Time
	// Maximum runtime in seconds once executing. Zero means unlimited.
	TimeoutSecs int64
	// Opaque parameter blob handed to the worker via the params file.
	Parameters string
	Resources  []lockdb.Request
	// Name of the scheduler instance that admitted the job.
	Owner string
	// Identifies one admission of the job, stamped when the job moves to
	// EXECUTE and carried as a log field by everything the run touches.
	RunID string
	Pid   *int64
	// Start time of the worker process in clock ticks since boot, taken
	// from /proc/<pid>/stat. Together with Pid this identifies a process
	// across scheduler restarts.
	PidStartTicks *int64
	ResultCode    *int64
	Detail        string
	Submitted     time.Time
	Started       *time.Time
	Finished      *time.Time
}

// RequestAction is what a queued request asks the scheduler to do.
type RequestAction string

const (
	RequestSubmit RequestAction = "SUBMIT"
	RequestCancel RequestAction = "CANCEL"
)

// RequestState is the lifecycle state of a queued request.
type RequestState string

const (
	RequestPending   RequestState = "PENDING"
	RequestCompleted RequestState = "COMPLETED"
	RequestFailed    RequestState = "FAILED"
)

// Request is one row of the request table: the durable intake queue. Any
// scheduler instance may pick up a PENDING request; resolution is a CAS so
// exactly one instance acts on it.
type Request struct {
	// ULID; lexicographic order is submission order.
	RequestID string
	Action    RequestAction
	// Target job for CANCEL requests.
	JobID int64
	// JSON-encoded job spec for SUBMIT requests.
	Spec      string
	Requester string
	State     RequestState
	Message   string
	Submitted time.Time
}

// JobFilter restricts ListJobs. Zero values leave the dimension open.
type JobFilter struct {
	States    []JobState
	Requester string
	Limit     uint
}

// JobRepository is the durable job record store. Two implementations exist,
// postgres and sqlite, chosen by configuration; both provide the same CAS
// semantics so that several scheduler instances can share the postgres
// backend safely.
//
// Callers pass timestamps in explicitly so the owning component's clock
// stays injectable.
type JobRepository interface {
	// CreateJob inserts a new WAITING job and returns its id.
	CreateJob(ctx context.Context, job *Job) (int64, error)

	// CreateJobFromRequest inserts the job and resolves the SUBMIT request
	// that carried it in a single transaction. If the request is no longer
	// PENDING (another instance won the race) it returns (0, nil) and the
	// job is not created.
	CreateJobFromRequest(ctx context.Context, requestID string, job *Job) (int64, error)

	// GetJob returns the job with the given id, or nil if no such job exists.
	GetJob(ctx context.Context, jobID int64) (*Job, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// ListPending returns the WAITING jobs eligible at the given time, in
	// admission order: priority descending, then submit time ascending,
	// then job id ascending.
	ListPending(ctx context.Context, now time.Time) ([]*Job, error)

	// ListExecuting returns every EXECUTE job regardless of owner. Used to
	// rebuild the lock table at startup.
	ListExecuting(ctx context.Context) ([]*Job, error)

	// ListExecutingOwnedBy returns the EXECUTE jobs admitted by the given
	// instance. Used by the recovery sweep.
	ListExecutingOwnedBy(ctx context.Context, owner string) ([]*Job, error)

	// MarkExecuting is the WAITING -> EXECUTE CAS. It durably records the
	// admission (owner, run id, start time) and must complete before any
	// worker process is spawned. Returns false if the job was not WAITING.
	MarkExecuting(ctx context.Context, jobID int64, owner string, runID string, started time.Time) (bool, error)

	// RecordWorker stores the spawned process identity on the job row.
	RecordWorker(ctx context.Context, jobID int64, pid int64, startTicks int64) error

	// FinishExecuting is the EXECUTE -> terminal CAS. It durably records
	// the exit and must complete before the job's locks are released.
	// Returns false if the job was not EXECUTE.
	FinishExecuting(ctx context.Context, jobID int64, state JobState, resultCode *int64, detail string, finished time.Time) (bool, error)

	// CancelWaiting is the WAITING -> CANCELED CAS. Returns false if the
	// job was not WAITING.
	CancelWaiting(ctx context.Context, jobID int64, detail string, finished time.Time) (bool, error)

	// EnqueueRequest appends a request to the durable intake queue.
	EnqueueRequest(ctx context.Context, request *Request) error

	// PendingRequests returns PENDING requests in submission order.
	PendingRequests(ctx context.Context) ([]*Request, error)

	// GetRequest returns one request, or nil if no such request exists.
	GetRequest(ctx context.Context, requestID string) (*Request, error)

	// ResolveRequest is the PENDING -> COMPLETED/FAILED CAS on a request.
	// Returns false if the request was not PENDING.
	ResolveRequest(ctx context.Context, requestID string, state RequestState, message string) (bool, error)

	// PruneRequests deletes resolved requests submitted before the cutoff
	// and returns how many were removed.
	PruneRequests(ctx context.Context, cutoff time.Time) (int64, error)
}

// encodeResources renders a job's resource requests for the resources column.
func encodeResources(requests []lockdb.Request) (string, error) {
	if len(requests) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(requests)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(data), nil
}

func decodeResources(data string) ([]lockdb.Request, error) {
	if data == "" {
		return nil, nil
	}
	var requests []lockdb.Request
	if err := json.Unmarshal([]byte(data), &requests); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(requests) == 0 {
		return nil, nil
	}
	return requests, nil
}

// storeErr wraps a backend failure in the store error type so callers can
// classify it with stokererrors.IsStoreError.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &stokererrors.ErrStore{Op: op, Cause: errors.WithStack(err)}
}
