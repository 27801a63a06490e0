// Package stokererrors contains the error types shared between the scheduler
// components. Callers classify errors with errors.As rather than by matching
// message strings, so every distinct failure mode the scheduler reacts to has
// its own type here.
//
// If several errors occur in one operation (e.g., several jobs fail during the
// recovery sweep), the operation should return an error of type
// multierror.Error from github.com/hashicorp/go-multierror wrapping the
// individual errors.
package stokererrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrValidation is returned synchronously when a submission is malformed:
// unknown job type, unknown resource, bad lock mode, empty parameters where
// the plugin requires them. A job is never created for a submission that
// fails validation.
type ErrValidation struct {
	Field   string      // name of the offending field, e.g. "resources"
	Value   interface{} // the rejected value
	Message string      // optional explanation appended to the error message
}

func (err *ErrValidation) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value '%v' is invalid for field %q", err.Value, err.Field)
	}
	return fmt.Sprintf("value '%v' is invalid for field %q; %s", err.Value, err.Field, err.Message)
}

// ErrAdmissionConflict indicates a requested lock is currently held in an
// incompatible mode. It is transient: the job stays WAITING and is retried on
// every scheduling pass, and it is never recorded on the job as a failure.
type ErrAdmissionConflict struct {
	JobID     int64  // job that requested the lock
	Resource  string // resource that could not be locked
	Requested string // mode requested by JobID
	HolderID  int64  // job currently holding the conflicting lock
	Held      string // mode held by HolderID
}

func (err *ErrAdmissionConflict) Error() string {
	return fmt.Sprintf(
		"job %d cannot lock resource %q for %s: held for %s by job %d",
		err.JobID, err.Resource, err.Requested, err.Held, err.HolderID,
	)
}

// ErrWorkerSpawn indicates the worker process for an admitted job could not
// be created. The job transitions directly to FAILED and its locks are
// released.
type ErrWorkerSpawn struct {
	JobID int64
	Cause error
}

func (err *ErrWorkerSpawn) Error() string {
	return fmt.Sprintf("failed to spawn worker for job %d: %v", err.JobID, err.Cause)
}

func (err *ErrWorkerSpawn) Unwrap() error {
	return err.Cause
}

// ErrWorkerExecution indicates the worker process for a job terminated
// unsuccessfully. Vanished is set when the process disappeared without
// leaving an exit status (killed externally, OOM); in that case ExitCode is
// meaningless.
type ErrWorkerExecution struct {
	JobID    int64
	Pid      int
	ExitCode int
	Vanished bool
}

func (err *ErrWorkerExecution) Error() string {
	if err.Vanished {
		return fmt.Sprintf("worker for job %d (pid %d) vanished without reporting an exit status", err.JobID, err.Pid)
	}
	return fmt.Sprintf("worker for job %d (pid %d) exited with code %d", err.JobID, err.Pid, err.ExitCode)
}

// ErrOrphanRecovery indicates a job was found in EXECUTE at startup with no
// live worker process matching its recorded pid and start time. Recovery
// forces such jobs to FAILED; this is the only path allowed to do so without
// observing an exit event, and it is always logged at warning severity.
type ErrOrphanRecovery struct {
	JobID   int64
	Pid     int
	Message string
}

func (err *ErrOrphanRecovery) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("job %d orphaned during recovery (recorded pid %d)", err.JobID, err.Pid)
	}
	return fmt.Sprintf("job %d orphaned during recovery (recorded pid %d); %s", err.JobID, err.Pid, err.Message)
}

// ErrStore wraps a failure of the job record store. It is fatal to the
// current scheduling iteration: the loop rolls back any locks acquired during
// the iteration and retries the whole iteration from persisted state.
type ErrStore struct {
	Op    string // operation that failed, e.g. "MarkExecuting"
	Cause error
}

func (err *ErrStore) Error() string {
	return fmt.Sprintf("job store operation %s failed: %v", err.Op, err.Cause)
}

func (err *ErrStore) Unwrap() error {
	return err.Cause
}

// IsAdmissionConflict reports whether err (or any error in its chain) is an
// admission conflict, i.e. a transient lock denial rather than a failure.
func IsAdmissionConflict(err error) bool {
	var conflict *ErrAdmissionConflict
	return errors.As(err, &conflict)
}

// IsStoreError reports whether err (or any error in its chain) was raised by
// the job record store.
func IsStoreError(err error) bool {
	var storeErr *ErrStore
	return errors.As(err, &storeErr)
}
