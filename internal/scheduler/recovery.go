package scheduler

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stokerproject/stoker/internal/scheduler/database"
)

// recover reconciles the store with reality after a restart. Every EXECUTE
// job gets its locks re-inserted, whichever instance owns it, so admission
// cannot grant a resource that is still in use. Jobs owned by this instance
// are then re-attached when a process matching their recorded (pid, start
// ticks) still runs; otherwise they are failed as orphans and their locks
// released.
//
// The sweep is idempotent: re-attached jobs stay EXECUTE and match again on
// the next run, orphaned jobs are terminal and no longer listed. Per-job
// failures are collected rather than aborting the sweep, but any failure
// means the state is not fully reconciled, so the caller must not start
// admitting.
func (s *Scheduler) recover(ctx context.Context) error {
	executing, err := s.jobRepository.ListExecuting(ctx)
	if err != nil {
		return errors.WithMessage(err, "could not list executing jobs")
	}

	var result *multierror.Error
	reattached := 0
	orphaned := 0
	for _, job := range executing {
		if err := s.locks.TryAcquire(job.JobID, job.Resources); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "could not re-insert locks of job %d", job.JobID))
			continue
		}
		if job.Owner != s.owner {
			continue
		}

		attached, err := s.supervisor.Reattach(job)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "could not re-attach job %d", job.JobID))
			continue
		}
		if attached {
			reattached++
			continue
		}
		if err := s.orphan(ctx, job); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		orphaned++
	}

	log.WithFields(log.Fields{
		"executing":  len(executing),
		"reattached": reattached,
		"orphaned":   orphaned,
	}).Info("recovery sweep finished")
	return result.ErrorOrNil()
}

// orphan settles an EXECUTE job whose worker no longer exists. The forced
// failure is made durable first, then the locks come off. This is the only
// path that moves a job out of EXECUTE without observing an exit.
func (s *Scheduler) orphan(ctx context.Context, job *database.Job) error {
	pid := int64(0)
	if job.Pid != nil {
		pid = *job.Pid
	}
	log.WithFields(log.Fields{"jobId": job.JobID, "pid": pid}).Warn("no live worker for executing job, failing it")

	ok, err := s.jobRepository.FinishExecuting(ctx, job.JobID, database.JobFailed, nil, "orphaned during recovery", s.clock.Now())
	if err != nil {
		return errors.WithMessagef(err, "could not record orphaned job %d", job.JobID)
	}
	if ok {
		orphanedJobsMetric.Inc()
		finishedJobsMetric.WithLabelValues(string(database.JobFailed)).Inc()
	}
	if _, err := s.locks.Release(job.JobID); err != nil {
		return errors.WithMessagef(err, "could not release locks of orphaned job %d", job.JobID)
	}
	return nil
}
