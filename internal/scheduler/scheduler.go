package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/stokerproject/stoker/internal/common/logging"
	"github.com/stokerproject/stoker/internal/common/stokererrors"
	"github.com/stokerproject/stoker/internal/scheduler/configuration"
	"github.com/stokerproject/stoker/internal/scheduler/database"
	"github.com/stokerproject/stoker/internal/scheduler/lockdb"
	"github.com/stokerproject/stoker/internal/scheduler/plugins"
	"github.com/stokerproject/stoker/internal/scheduler/worker"
)

// How many admission-conflict reasons to remember for job listings.
const conflictCacheSize = 8192

// WorkerSupervisor is the part of the worker supervisor the scheduler
// drives. Satisfied by *worker.Supervisor.
type WorkerSupervisor interface {
	Start(job *database.Job) (pid int64, startTicks int64, err error)
	Reattach(job *database.Job) (bool, error)
	Cancel(jobID int64, reason string) bool
	Completions() <-chan worker.Completion
	Running() []worker.WorkerInfo
	Count() int
}

// Scheduler owns the job lifecycle: it turns queued requests into jobs,
// admits WAITING jobs against the resource lock table, spawns their workers
// and makes every transition durable in the right order. All state changes
// happen on the loop goroutine; the API only writes intake rows and wakes
// the loop.
//
// Durability ordering is the invariant everything else hangs off: a job is
// EXECUTE in the store before its worker is spawned, and a worker's exit is
// in the store before the job's locks are released.
type Scheduler struct {
	jobRepository database.JobRepository
	locks         *lockdb.LockDb
	supervisor    WorkerSupervisor
	registry      *plugins.Registry
	authorizer    Authorizer
	// Scheduler instance name; jobs admitted here carry it as their owner.
	owner string
	// Resource names submissions may lock. Empty allows any name.
	catalog map[string]bool
	// Minimum duration between scheduling cycles.
	cyclePeriod time.Duration
	// Used for all timing decisions. Injected so tests can step it.
	clock clock.Clock
	// Nudges the loop ahead of the next tick. Capacity 1; wakes coalesce.
	wakeups chan struct{}
	// Why a WAITING job most recently failed admission, for listings and to
	// avoid logging the same conflict every cycle.
	conflicts *lru.Cache
	// Worker identities whose durable write failed, retried every cycle.
	pendingWorkers map[int64]workerRecord
	// Worker exits whose durable write failed, retried every cycle. Their
	// locks stay held until the exit is recorded.
	pendingCompletions map[int64]worker.Completion
}

type workerRecord struct {
	pid        int64
	startTicks int64
}

func NewScheduler(
	jobRepository database.JobRepository,
	locks *lockdb.LockDb,
	supervisor WorkerSupervisor,
	registry *plugins.Registry,
	config configuration.Configuration,
) (*Scheduler, error) {
	conflicts, err := lru.New(conflictCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	catalog := make(map[string]bool, len(config.ResourceCatalog))
	for _, resource := range config.ResourceCatalog {
		catalog[resource] = true
	}
	return &Scheduler{
		jobRepository:      jobRepository,
		locks:              locks,
		supervisor:         supervisor,
		registry:           registry,
		authorizer:         allowAll{},
		owner:              config.InstanceName,
		catalog:            catalog,
		cyclePeriod:        config.CyclePeriod,
		clock:              clock.RealClock{},
		wakeups:            make(chan struct{}, 1),
		conflicts:          conflicts,
		pendingWorkers:     map[int64]workerRecord{},
		pendingCompletions: map[int64]worker.Completion{},
	}, nil
}

// Run recovers whatever survived the last shutdown and then cycles until the
// context is canceled. Worker exits are handled as they arrive; everything
// else waits for the next tick or an explicit wake.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return errors.WithMessage(err, "recovery failed")
	}

	ticker := s.clock.NewTicker(s.cyclePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case completion := <-s.supervisor.Completions():
			s.handleCompletion(ctx, completion)
		case <-ticker.C():
		case <-s.wakeups:
		}

		start := s.clock.Now()
		if err := s.doCycle(ctx); err != nil {
			logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("error in scheduling cycle")
		}
		cycleTimeMetric.Observe(s.clock.Now().Sub(start).Seconds())
	}
}

// wake nudges the loop without waiting for the next tick.
func (s *Scheduler) wake() {
	select {
	case s.wakeups <- struct{}{}:
	default:
	}
}

func (s *Scheduler) doCycle(ctx context.Context) error {
	s.drainCompletions(ctx)
	s.retryWorkerRecords(ctx)
	if err := s.processRequests(ctx); err != nil {
		return err
	}
	return s.admit(ctx)
}

// drainCompletions settles every worker exit queued up since the last cycle,
// then retries exits whose durable write failed earlier.
func (s *Scheduler) drainCompletions(ctx context.Context) {
	for {
		select {
		case completion := <-s.supervisor.Completions():
			s.handleCompletion(ctx, completion)
			continue
		default:
		}
		break
	}
	for _, completion := range maps.Values(s.pendingCompletions) {
		s.handleCompletion(ctx, completion)
	}
}

// handleCompletion makes a worker's exit durable and only then releases the
// job's locks. A failed store write parks the completion for the next cycle
// with the locks still held.
func (s *Scheduler) handleCompletion(ctx context.Context, completion worker.Completion) {
	finished := completion.Finished
	if finished.IsZero() {
		finished = s.clock.Now()
	}
	ok, err := s.jobRepository.FinishExecuting(ctx, completion.JobID, completion.State, completion.ResultCode, completion.Detail, finished)
	if err != nil {
		log.WithError(err).WithField("jobId", completion.JobID).Error("could not record worker exit, will retry")
		s.pendingCompletions[completion.JobID] = completion
		return
	}
	delete(s.pendingCompletions, completion.JobID)
	delete(s.pendingWorkers, completion.JobID)
	if !ok {
		log.WithField("jobId", completion.JobID).Warn("job was not executing when its worker exited")
	}

	if _, err := s.locks.Release(completion.JobID); err != nil {
		log.WithError(err).WithField("jobId", completion.JobID).Error("could not release locks")
	}
	s.conflicts.Remove(completion.JobID)

	finishedJobsMetric.WithLabelValues(string(completion.State)).Inc()
	if completion.Vanished {
		vanishedWorkersMetric.Inc()
	}
	log.WithFields(log.Fields{
		"jobId":  completion.JobID,
		"state":  completion.State,
		"detail": completion.Detail,
	}).Info("job finished")
}

// retryWorkerRecords replays failed RecordWorker writes. A job whose worker
// identity is not durable cannot be re-attached after a restart, so these
// are retried until the write lands or the job finishes.
func (s *Scheduler) retryWorkerRecords(ctx context.Context) {
	for jobID, record := range s.pendingWorkers {
		if err := s.jobRepository.RecordWorker(ctx, jobID, record.pid, record.startTicks); err != nil {
			log.WithError(err).WithField("jobId", jobID).Error("could not record worker identity, will retry")
			continue
		}
		delete(s.pendingWorkers, jobID)
	}
}

// processRequests drains the durable intake queue. A store error aborts the
// cycle; requests are only resolved once their effect is durable, so a
// replay is always safe.
func (s *Scheduler) processRequests(ctx context.Context) error {
	requests, err := s.jobRepository.PendingRequests(ctx)
	if err != nil {
		return errors.WithMessage(err, "could not list pending requests")
	}
	for _, request := range requests {
		switch request.Action {
		case database.RequestSubmit:
			err = s.processSubmitRequest(ctx, request)
		case database.RequestCancel:
			err = s.processCancelRequest(ctx, request)
		default:
			err = s.resolveRequest(ctx, request, database.RequestFailed, fmt.Sprintf("unknown action %q", request.Action))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) processSubmitRequest(ctx context.Context, request *database.Request) error {
	spec, err := ParseJobSpec([]byte(request.Spec))
	if err == nil {
		err = s.validateSpec(spec)
	}
	if err != nil {
		log.WithError(err).WithField("requestId", request.RequestID).Warn("rejecting submit request")
		return s.resolveRequest(ctx, request, database.RequestFailed, err.Error())
	}

	// Queue position was earned when the request was enqueued, not when this
	// instance got around to it.
	job := jobFromSpec(spec, request.Requester, request.Submitted)
	jobID, err := s.jobRepository.CreateJobFromRequest(ctx, request.RequestID, job)
	if err != nil {
		return errors.WithMessagef(err, "could not create job from request %s", request.RequestID)
	}
	if jobID == 0 {
		// Another instance resolved the request first.
		return nil
	}
	resolvedRequestsMetric.WithLabelValues(string(database.RequestSubmit), string(database.RequestCompleted)).Inc()
	log.WithFields(log.Fields{"requestId": request.RequestID, "jobId": jobID}).Info("created job from submit request")
	return nil
}

func (s *Scheduler) processCancelRequest(ctx context.Context, request *database.Request) error {
	job, err := s.jobRepository.GetJob(ctx, request.JobID)
	if err != nil {
		return errors.WithMessagef(err, "could not fetch job %d", request.JobID)
	}
	if job == nil {
		return s.resolveRequest(ctx, request, database.RequestFailed, fmt.Sprintf("job %d does not exist", request.JobID))
	}

	reason := fmt.Sprintf("canceled on request of %s", request.Requester)
	switch job.State {
	case database.JobWaiting:
		ok, err := s.jobRepository.CancelWaiting(ctx, job.JobID, reason, s.clock.Now())
		if err != nil {
			return errors.WithMessagef(err, "could not cancel job %d", job.JobID)
		}
		if !ok {
			// The job moved under us; settle the request next cycle.
			return nil
		}
		s.conflicts.Remove(job.JobID)
		finishedJobsMetric.WithLabelValues(string(database.JobCanceled)).Inc()
		log.WithFields(log.Fields{"jobId": job.JobID, "requester": request.Requester}).Info("canceled waiting job")
		return s.resolveRequest(ctx, request, database.RequestCompleted, fmt.Sprintf("job %d canceled", job.JobID))

	case database.JobExecuting:
		if job.Owner != s.owner {
			// The owning instance relays the signal; leave the request
			// pending for it.
			return nil
		}
		if s.supervisor.Cancel(job.JobID, reason) {
			return s.resolveRequest(ctx, request, database.RequestCompleted, fmt.Sprintf("job %d is being stopped", job.JobID))
		}
		// We own the job but have no worker for it. The exit or the next
		// recovery settles the state; until then the request stays pending.
		return nil

	case database.JobCanceled:
		// Cancellation is idempotent: a second cancel of the same job is
		// answered, not failed.
		return s.resolveRequest(ctx, request, database.RequestCompleted, fmt.Sprintf("job %d is already canceled", job.JobID))

	default:
		return s.resolveRequest(ctx, request, database.RequestFailed, fmt.Sprintf("job %d already finished (%s)", job.JobID, job.State))
	}
}

func (s *Scheduler) resolveRequest(ctx context.Context, request *database.Request, state database.RequestState, message string) error {
	ok, err := s.jobRepository.ResolveRequest(ctx, request.RequestID, state, message)
	if err != nil {
		return errors.WithMessagef(err, "could not resolve request %s", request.RequestID)
	}
	if ok {
		resolvedRequestsMetric.WithLabelValues(string(request.Action), string(state)).Inc()
	}
	return nil
}

// admit walks the admission queue in order. Jobs whose locks are taken are
// skipped, not waited for: a blocked high-priority job never holds back an
// admissible lower-priority one.
func (s *Scheduler) admit(ctx context.Context) error {
	now := s.clock.Now()
	pending, err := s.jobRepository.ListPending(ctx, now)
	if err != nil {
		return errors.WithMessage(err, "could not list pending jobs")
	}
	for _, job := range pending {
		if err := s.admitOne(ctx, job, now); err != nil {
			return err
		}
	}
	return nil
}

// admitOne takes one WAITING job through admission: acquire its locks, make
// the EXECUTE transition durable, then spawn the worker. An admission
// conflict is not an error. A store failure is: the job's locks are rolled
// back and the cycle aborts.
func (s *Scheduler) admitOne(ctx context.Context, job *database.Job, now time.Time) error {
	if err := s.locks.TryAcquire(job.JobID, job.Resources); err != nil {
		var conflict *stokererrors.ErrAdmissionConflict
		if !errors.As(err, &conflict) {
			return err
		}
		if previous, ok := s.conflicts.Get(job.JobID); !ok || previous != conflict.Error() {
			log.WithField("jobId", job.JobID).Info(conflict.Error())
		}
		s.conflicts.Add(job.JobID, conflict.Error())
		admissionConflictsMetric.Inc()
		return nil
	}

	runID := uuid.New().String()
	marked, err := s.jobRepository.MarkExecuting(ctx, job.JobID, s.owner, runID, now)
	if err != nil {
		// The locks must not outlive the failed transition.
		s.rollbackLocks(job.JobID)
		return errors.WithMessagef(err, "could not mark job %d executing", job.JobID)
	}
	if !marked {
		// Another instance admitted or canceled the job since we listed it.
		s.rollbackLocks(job.JobID)
		return nil
	}
	s.conflicts.Remove(job.JobID)

	job.State = database.JobExecuting
	job.Owner = s.owner
	job.RunID = runID
	job.Started = &now
	pid, startTicks, err := s.supervisor.Start(job)
	if err != nil {
		log.WithError(err).WithField("jobId", job.JobID).Error("could not spawn worker")
		s.handleCompletion(ctx, worker.Completion{
			JobID:    job.JobID,
			RunID:    runID,
			State:    database.JobFailed,
			Detail:   err.Error(),
			Finished: s.clock.Now(),
		})
		return nil
	}
	admittedJobsMetric.Inc()
	log.WithFields(log.Fields{"jobId": job.JobID, "runId": runID, "pid": pid}).Info("job admitted")

	if err := s.jobRepository.RecordWorker(ctx, job.JobID, pid, startTicks); err != nil {
		// The worker is already running; remember its identity and retry the
		// durable write next cycle.
		log.WithError(err).WithField("jobId", job.JobID).Error("could not record worker identity, will retry")
		s.pendingWorkers[job.JobID] = workerRecord{pid: pid, startTicks: startTicks}
	}
	return nil
}

func (s *Scheduler) rollbackLocks(jobID int64) {
	if _, err := s.locks.Release(jobID); err != nil {
		log.WithError(err).WithField("jobId", jobID).Error("could not roll back locks")
	}
}

func (s *Scheduler) conflictReason(jobID int64) string {
	if reason, ok := s.conflicts.Get(jobID); ok {
		return reason.(string)
	}
	return ""
}
