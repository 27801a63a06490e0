package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/stokerproject/stoker/internal/common/pointer"
	"github.com/stokerproject/stoker/internal/common/stokererrors"
	"github.com/stokerproject/stoker/internal/common/util"
	"github.com/stokerproject/stoker/internal/scheduler/configuration"
	"github.com/stokerproject/stoker/internal/scheduler/database"
	"github.com/stokerproject/stoker/internal/scheduler/lockdb"
	"github.com/stokerproject/stoker/internal/scheduler/plugins"
	"github.com/stokerproject/stoker/internal/scheduler/worker"
)

var testTime = time.Date(2024, 5, 14, 9, 0, 0, 0, time.UTC)

var errInjected = errors.New("injected store failure")

// fakeSupervisor stands in for the worker supervisor. Tests decide which
// workers are running, deliver exits through finish and inspect the signals
// the scheduler relayed.
type fakeSupervisor struct {
	completions  chan worker.Completion
	started      []int64
	running      map[int64]bool
	canceled     map[int64]string
	reattachable map[int64]bool
	startErr     error
	onStart      func(job *database.Job)
	nextPid      int64
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		completions:  make(chan worker.Completion, 16),
		running:      map[int64]bool{},
		canceled:     map[int64]string{},
		reattachable: map[int64]bool{},
		nextPid:      4000,
	}
}

func (f *fakeSupervisor) Start(job *database.Job) (int64, int64, error) {
	if f.onStart != nil {
		f.onStart(job)
	}
	if f.startErr != nil {
		return 0, 0, f.startErr
	}
	f.started = append(f.started, job.JobID)
	f.running[job.JobID] = true
	f.nextPid++
	return f.nextPid, f.nextPid * 7, nil
}

func (f *fakeSupervisor) Reattach(job *database.Job) (bool, error) {
	if !f.reattachable[job.JobID] {
		return false, nil
	}
	f.running[job.JobID] = true
	return true, nil
}

func (f *fakeSupervisor) Cancel(jobID int64, reason string) bool {
	if !f.running[jobID] {
		return false
	}
	f.canceled[jobID] = reason
	return true
}

func (f *fakeSupervisor) Completions() <-chan worker.Completion {
	return f.completions
}

func (f *fakeSupervisor) Running() []worker.WorkerInfo {
	infos := make([]worker.WorkerInfo, 0, len(f.running))
	for jobID := range f.running {
		infos = append(infos, worker.WorkerInfo{JobID: jobID})
	}
	return infos
}

func (f *fakeSupervisor) Count() int {
	return len(f.running)
}

// finish emulates a worker exit arriving on the completions channel.
func (f *fakeSupervisor) finish(jobID int64, state database.JobState, code *int64, detail string, finished time.Time) {
	delete(f.running, jobID)
	f.completions <- worker.Completion{
		JobID:      jobID,
		State:      state,
		ResultCode: code,
		Detail:     detail,
		Finished:   finished,
	}
}

// flakyRepository wraps the real store so tests can fail chosen operations
// and watch the loop retry them with its locks intact.
type flakyRepository struct {
	database.JobRepository
	markExecutingErr   error
	loseMarkExecuting  bool
	finishExecutingErr error
	recordWorkerErr    error
}

func (f *flakyRepository) MarkExecuting(ctx context.Context, jobID int64, owner string, runID string, started time.Time) (bool, error) {
	if f.markExecutingErr != nil {
		return false, &stokererrors.ErrStore{Op: "MarkExecuting", Cause: f.markExecutingErr}
	}
	if f.loseMarkExecuting {
		return false, nil
	}
	return f.JobRepository.MarkExecuting(ctx, jobID, owner, runID, started)
}

func (f *flakyRepository) FinishExecuting(ctx context.Context, jobID int64, state database.JobState, resultCode *int64, detail string, finished time.Time) (bool, error) {
	if f.finishExecutingErr != nil {
		return false, &stokererrors.ErrStore{Op: "FinishExecuting", Cause: f.finishExecutingErr}
	}
	return f.JobRepository.FinishExecuting(ctx, jobID, state, resultCode, detail, finished)
}

func (f *flakyRepository) RecordWorker(ctx context.Context, jobID int64, pid int64, startTicks int64) error {
	if f.recordWorkerErr != nil {
		return &stokererrors.ErrStore{Op: "RecordWorker", Cause: f.recordWorkerErr}
	}
	return f.JobRepository.RecordWorker(ctx, jobID, pid, startTicks)
}

func newTestScheduler(t *testing.T, overrides ...func(*configuration.Configuration)) (*Scheduler, *flakyRepository, *fakeSupervisor, *clock.FakeClock) {
	t.Helper()

	config := configuration.Configuration{
		InstanceName:       "sched-1",
		CyclePeriod:        time.Second,
		WorkerPollInterval: time.Second,
		GracePeriod:        10 * time.Second,
		JobsDir:            t.TempDir(),
		ApiUrl:             "http://localhost:8080",
		Plugins: map[string]configuration.PluginConfig{
			"echo": {Command: []string{"/bin/sh", "-c", "true"}},
		},
	}
	for _, override := range overrides {
		override(&config)
	}

	repo, closer, err := database.NewSqliteJobRepository(configuration.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "stoker.db"),
	})
	require.NoError(t, err)
	t.Cleanup(closer)
	require.NoError(t, repo.Setup(context.Background()))

	flaky := &flakyRepository{JobRepository: repo}
	supervisor := newFakeSupervisor()
	locks, err := lockdb.New()
	require.NoError(t, err)

	s, err := NewScheduler(flaky, locks, supervisor, plugins.NewRegistry(config.Plugins), config)
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(testTime)
	s.clock = fakeClock
	return s, flaky, supervisor, fakeClock
}

func echoSpec(priority int64, resources ...lockdb.Request) *JobSpec {
	return &JobSpec{
		JobType:    "echo",
		Priority:   priority,
		Parameters: "ECHO hello",
		Resources:  resources,
	}
}

func mustSubmit(t *testing.T, s *Scheduler, requester string, spec *JobSpec) int64 {
	t.Helper()
	jobID, err := s.Submit(context.Background(), requester, spec)
	require.NoError(t, err)
	return jobID
}

func mustGetJob(t *testing.T, repo database.JobRepository, jobID int64) *database.Job {
	t.Helper()
	job, err := repo.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func mustGetRequest(t *testing.T, repo database.JobRepository, requestID string) *database.Request {
	t.Helper()
	request, err := repo.GetRequest(context.Background(), requestID)
	require.NoError(t, err)
	require.NotNil(t, request)
	return request
}

func TestCycle_AdmitsByPriorityWithoutHeadOfLineBlocking(t *testing.T) {
	s, repo, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	high := mustSubmit(t, s, "alice", echoSpec(10, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))
	blocked := mustSubmit(t, s, "bob", echoSpec(5, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeRead}))
	unrelated := mustSubmit(t, s, "carol", echoSpec(1, lockdb.Request{Resource: "lpar2", Mode: lockdb.ModeWrite}))

	require.NoError(t, s.doCycle(ctx))

	// The blocked reader must not hold back the admissible job behind it.
	assert.Equal(t, []int64{high, unrelated}, supervisor.started)

	admitted := mustGetJob(t, repo, high)
	assert.Equal(t, database.JobExecuting, admitted.State)
	assert.Equal(t, "sched-1", admitted.Owner)
	assert.NotEmpty(t, admitted.RunID)
	require.NotNil(t, admitted.Started)
	assert.Equal(t, testTime.Unix(), admitted.Started.Unix())
	require.NotNil(t, admitted.Pid)
	require.NotNil(t, admitted.PidStartTicks)
	assert.Equal(t, *admitted.Pid*7, *admitted.PidStartTicks)

	waiting := mustGetJob(t, repo, blocked)
	assert.Equal(t, database.JobWaiting, waiting.State)
	assert.Contains(t, s.conflictReason(blocked), "lpar1")
	assert.Empty(t, s.conflictReason(unrelated))
}

func TestCycle_ReadersShareAResource(t *testing.T) {
	s, _, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	readerOne := mustSubmit(t, s, "alice", echoSpec(9, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeRead}))
	readerTwo := mustSubmit(t, s, "bob", echoSpec(8, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeRead}))
	writer := mustSubmit(t, s, "carol", echoSpec(1, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))

	require.NoError(t, s.doCycle(ctx))

	assert.Equal(t, []int64{readerOne, readerTwo}, supervisor.started)
	assert.Contains(t, s.conflictReason(writer), "lpar1")
}

func TestCycle_NotBeforeDefersAdmission(t *testing.T) {
	s, _, supervisor, fakeClock := newTestScheduler(t)
	ctx := context.Background()

	spec := echoSpec(5)
	spec.NotBefore = pointer.Time(testTime.Add(time.Hour))
	jobID := mustSubmit(t, s, "alice", spec)

	require.NoError(t, s.doCycle(ctx))
	assert.Empty(t, supervisor.started)

	fakeClock.SetTime(testTime.Add(2 * time.Hour))
	require.NoError(t, s.doCycle(ctx))
	assert.Equal(t, []int64{jobID}, supervisor.started)
}

func TestCycle_ExecuteIsDurableBeforeSpawn(t *testing.T) {
	s, repo, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	jobID := mustSubmit(t, s, "alice", echoSpec(5))

	stateAtSpawn := database.JobState("")
	supervisor.onStart = func(job *database.Job) {
		stored := mustGetJob(t, repo, job.JobID)
		stateAtSpawn = stored.State
	}
	require.NoError(t, s.doCycle(ctx))

	require.Equal(t, []int64{jobID}, supervisor.started)
	assert.Equal(t, database.JobExecuting, stateAtSpawn)
}

func TestCycle_ExitIsDurableBeforeLocksRelease(t *testing.T) {
	s, repo, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	first := mustSubmit(t, s, "alice", echoSpec(10, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))
	require.NoError(t, s.doCycle(ctx))
	require.Equal(t, []int64{first}, supervisor.started)

	second := mustSubmit(t, s, "bob", echoSpec(5, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))

	// The exit cannot be recorded; its locks must survive the cycle.
	repo.finishExecutingErr = errInjected
	supervisor.finish(first, database.JobCompleted, pointer.Int64(0), "done", testTime.Add(time.Minute))
	require.NoError(t, s.doCycle(ctx))

	assert.Equal(t, database.JobExecuting, mustGetJob(t, repo, first).State)
	held, err := s.locks.Held(first)
	require.NoError(t, err)
	assert.NotEmpty(t, held)
	assert.Equal(t, []int64{first}, supervisor.started)

	// Once the write lands the locks come off and the waiter gets in, all
	// within one cycle.
	repo.finishExecutingErr = nil
	require.NoError(t, s.doCycle(ctx))

	finished := mustGetJob(t, repo, first)
	assert.Equal(t, database.JobCompleted, finished.State)
	require.NotNil(t, finished.ResultCode)
	assert.Equal(t, int64(0), *finished.ResultCode)
	assert.Equal(t, "done", finished.Detail)
	require.NotNil(t, finished.Finished)
	assert.Equal(t, testTime.Add(time.Minute).Unix(), finished.Finished.Unix())

	held, err = s.locks.Held(first)
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.Equal(t, []int64{first, second}, supervisor.started)
}

func TestCycle_SpawnFailureFailsJobAndReleasesLocks(t *testing.T) {
	s, repo, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	jobID := mustSubmit(t, s, "alice", echoSpec(5, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))

	supervisor.startErr = &stokererrors.ErrWorkerSpawn{JobID: jobID, Cause: errors.New("no such binary")}
	require.NoError(t, s.doCycle(ctx))

	failed := mustGetJob(t, repo, jobID)
	assert.Equal(t, database.JobFailed, failed.State)
	assert.Contains(t, failed.Detail, "no such binary")
	assert.Nil(t, failed.ResultCode)
	require.NotNil(t, failed.Finished)

	held, err := s.locks.Held(jobID)
	require.NoError(t, err)
	assert.Empty(t, held)

	// The resource is free again for the next job.
	supervisor.startErr = nil
	next := mustSubmit(t, s, "bob", echoSpec(5, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))
	require.NoError(t, s.doCycle(ctx))
	assert.Equal(t, []int64{next}, supervisor.started)
}

func TestCycle_LostAdmissionRaceRollsBackLocks(t *testing.T) {
	s, repo, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	jobID := mustSubmit(t, s, "alice", echoSpec(5, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))

	// Another instance wins the WAITING -> EXECUTE race.
	repo.loseMarkExecuting = true
	require.NoError(t, s.doCycle(ctx))

	assert.Empty(t, supervisor.started)
	assert.Equal(t, 0, s.locks.Count())
	assert.Equal(t, database.JobWaiting, mustGetJob(t, repo, jobID).State)

	repo.loseMarkExecuting = false
	require.NoError(t, s.doCycle(ctx))
	assert.Equal(t, []int64{jobID}, supervisor.started)
}

func TestCycle_StoreErrorAbortsCycleAndRollsBackLocks(t *testing.T) {
	s, repo, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	jobID := mustSubmit(t, s, "alice", echoSpec(5, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))

	repo.markExecutingErr = errInjected
	err := s.doCycle(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not mark job")

	assert.Empty(t, supervisor.started)
	assert.Equal(t, 0, s.locks.Count())
	assert.Equal(t, database.JobWaiting, mustGetJob(t, repo, jobID).State)

	repo.markExecutingErr = nil
	require.NoError(t, s.doCycle(ctx))
	assert.Equal(t, []int64{jobID}, supervisor.started)
	assert.Equal(t, database.JobExecuting, mustGetJob(t, repo, jobID).State)
}

func TestCycle_WorkerIdentityWriteIsRetried(t *testing.T) {
	s, repo, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	jobID := mustSubmit(t, s, "alice", echoSpec(5))

	repo.recordWorkerErr = errInjected
	require.NoError(t, s.doCycle(ctx))

	// The worker runs even though its identity is not durable yet.
	assert.Equal(t, []int64{jobID}, supervisor.started)
	assert.Nil(t, mustGetJob(t, repo, jobID).Pid)

	repo.recordWorkerErr = nil
	require.NoError(t, s.doCycle(ctx))

	recorded := mustGetJob(t, repo, jobID)
	require.NotNil(t, recorded.Pid)
	require.NotNil(t, recorded.PidStartTicks)
	assert.Equal(t, *recorded.Pid*7, *recorded.PidStartTicks)
}

func TestSubmit_CreatesWaitingJob(t *testing.T) {
	s, repo, _, _ := newTestScheduler(t)

	spec := echoSpec(7, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeRead})
	spec.Description = "database refresh"
	spec.TimeoutSecs = 600
	jobID := mustSubmit(t, s, "alice", spec)

	job := mustGetJob(t, repo, jobID)
	assert.Equal(t, database.JobWaiting, job.State)
	assert.Equal(t, "alice", job.Requester)
	assert.Equal(t, "echo", job.JobType)
	assert.Equal(t, "database refresh", job.Description)
	assert.Equal(t, int64(7), job.Priority)
	assert.Equal(t, int64(600), job.TimeoutSecs)
	assert.Equal(t, testTime.Unix(), job.Submitted.Unix())

	// Submission nudges the loop instead of waiting for the next tick.
	assert.Len(t, s.wakeups, 1)
}

func TestSubmit_RejectsInvalidSpecs(t *testing.T) {
	s, _, _, _ := newTestScheduler(t, func(config *configuration.Configuration) {
		config.ResourceCatalog = []string{"lpar1", "lpar2"}
	})
	ctx := context.Background()

	tests := map[string]struct {
		spec  *JobSpec
		field string
	}{
		"unknown job type": {
			spec:  &JobSpec{JobType: "teleport"},
			field: "job_type",
		},
		"negative timeout": {
			spec:  &JobSpec{JobType: "echo", TimeoutSecs: -1},
			field: "timeout_secs",
		},
		"empty resource name": {
			spec:  echoSpec(0, lockdb.Request{Resource: "", Mode: lockdb.ModeRead}),
			field: "resources",
		},
		"invalid lock mode": {
			spec:  echoSpec(0, lockdb.Request{Resource: "lpar1", Mode: "EXCLUSIVE"}),
			field: "resources",
		},
		"resource requested twice": {
			spec: echoSpec(0,
				lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeRead},
				lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}),
			field: "resources",
		},
		"resource outside the catalog": {
			spec:  echoSpec(0, lockdb.Request{Resource: "lpar99", Mode: lockdb.ModeWrite}),
			field: "resources",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.Submit(ctx, "alice", tc.spec)
			var validationErr *stokererrors.ErrValidation
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tc.field, validationErr.Field)
		})
	}
}

func TestCancel_WaitingJobIsCanceledAndRepeatCancelIsAnswered(t *testing.T) {
	s, repo, _, _ := newTestScheduler(t)
	ctx := context.Background()

	jobID := mustSubmit(t, s, "alice", echoSpec(5))

	requestID, err := s.Cancel(ctx, "bob", jobID)
	require.NoError(t, err)
	require.NoError(t, s.doCycle(ctx))

	canceled := mustGetJob(t, repo, jobID)
	assert.Equal(t, database.JobCanceled, canceled.State)
	assert.Equal(t, "canceled on request of bob", canceled.Detail)
	require.NotNil(t, canceled.Finished)

	request := mustGetRequest(t, repo, requestID)
	assert.Equal(t, database.RequestCompleted, request.State)
	assert.Contains(t, request.Message, "canceled")

	// Canceling a job that is already canceled answers the request rather
	// than failing it.
	repeatID, err := s.Cancel(ctx, "carol", jobID)
	require.NoError(t, err)
	require.NoError(t, s.doCycle(ctx))

	repeat := mustGetRequest(t, repo, repeatID)
	assert.Equal(t, database.RequestCompleted, repeat.State)
	assert.Contains(t, repeat.Message, "already canceled")
}

func TestCancel_ExecutingJobGetsTheStopSignal(t *testing.T) {
	s, repo, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	jobID := mustSubmit(t, s, "alice", echoSpec(5, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))
	require.NoError(t, s.doCycle(ctx))
	require.Equal(t, []int64{jobID}, supervisor.started)

	requestID, err := s.Cancel(ctx, "bob", jobID)
	require.NoError(t, err)
	require.NoError(t, s.doCycle(ctx))

	// The request resolves once the signal is relayed; the job stays
	// EXECUTE until its worker actually exits.
	assert.Equal(t, "canceled on request of bob", supervisor.canceled[jobID])
	assert.Equal(t, database.JobExecuting, mustGetJob(t, repo, jobID).State)
	request := mustGetRequest(t, repo, requestID)
	assert.Equal(t, database.RequestCompleted, request.State)
	assert.Contains(t, request.Message, "being stopped")

	supervisor.finish(jobID, database.JobCanceled, nil, "canceled on request of bob", testTime.Add(time.Minute))
	require.NoError(t, s.doCycle(ctx))

	assert.Equal(t, database.JobCanceled, mustGetJob(t, repo, jobID).State)
	held, err := s.locks.Held(jobID)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestCancel_JobOwnedByAnotherInstanceIsLeftForIt(t *testing.T) {
	s, repo, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	jobID := mustSubmit(t, s, "alice", echoSpec(5))
	marked, err := repo.MarkExecuting(ctx, jobID, "sched-2", "run-elsewhere", testTime)
	require.NoError(t, err)
	require.True(t, marked)

	requestID, err := s.Cancel(ctx, "bob", jobID)
	require.NoError(t, err)
	require.NoError(t, s.doCycle(ctx))

	// Only the owning instance may signal the worker.
	assert.Empty(t, supervisor.canceled)
	assert.Equal(t, database.RequestPending, mustGetRequest(t, repo, requestID).State)
	assert.Equal(t, database.JobExecuting, mustGetJob(t, repo, jobID).State)
}

func TestCancel_FinishedJobFailsTheRequest(t *testing.T) {
	s, repo, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	jobID := mustSubmit(t, s, "alice", echoSpec(5))
	require.NoError(t, s.doCycle(ctx))
	supervisor.finish(jobID, database.JobCompleted, pointer.Int64(0), "done", testTime.Add(time.Minute))
	require.NoError(t, s.doCycle(ctx))

	requestID, err := s.Cancel(ctx, "bob", jobID)
	require.NoError(t, err)
	require.NoError(t, s.doCycle(ctx))

	request := mustGetRequest(t, repo, requestID)
	assert.Equal(t, database.RequestFailed, request.State)
	assert.Contains(t, request.Message, "already finished (COMPLETED)")
}

func TestCancel_UnknownJob(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	_, err := s.Cancel(context.Background(), "alice", 12345)
	var validationErr *stokererrors.ErrValidation
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "job_id", validationErr.Field)
}

func TestSubmitRequest_CreatesJobWithQueuePositionFromEnqueueTime(t *testing.T) {
	s, repo, _, fakeClock := newTestScheduler(t)
	ctx := context.Background()

	spec, err := EncodeJobSpec(echoSpec(5, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))
	require.NoError(t, err)
	request := &database.Request{
		RequestID: util.NewULID(),
		Action:    database.RequestSubmit,
		Spec:      spec,
		Requester: "alice",
		State:     database.RequestPending,
		Submitted: testTime,
	}
	require.NoError(t, repo.EnqueueRequest(ctx, request))

	// However late the request is picked up, the job queues from when it
	// was enqueued.
	fakeClock.SetTime(testTime.Add(time.Hour))
	require.NoError(t, s.doCycle(ctx))

	resolved := mustGetRequest(t, repo, request.RequestID)
	assert.Equal(t, database.RequestCompleted, resolved.State)
	assert.Contains(t, resolved.Message, "created job")

	// The same cycle that created the job also admitted it.
	jobs, err := repo.ListJobs(ctx, database.JobFilter{Requester: "alice"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, testTime.Unix(), jobs[0].Submitted.Unix())
	assert.Equal(t, database.JobExecuting, jobs[0].State)
}

func TestSubmitRequest_InvalidSpecFailsTheRequest(t *testing.T) {
	s, repo, _, _ := newTestScheduler(t)
	ctx := context.Background()

	tests := map[string]string{
		"malformed json":   `{"job_type": `,
		"unknown job type": `{"job_type": "teleport"}`,
	}
	for name, spec := range tests {
		t.Run(name, func(t *testing.T) {
			request := &database.Request{
				RequestID: util.NewULID(),
				Action:    database.RequestSubmit,
				Spec:      spec,
				Requester: "alice",
				State:     database.RequestPending,
				Submitted: testTime,
			}
			require.NoError(t, repo.EnqueueRequest(ctx, request))
			require.NoError(t, s.doCycle(ctx))

			resolved := mustGetRequest(t, repo, request.RequestID)
			assert.Equal(t, database.RequestFailed, resolved.State)
			assert.NotEmpty(t, resolved.Message)
		})
	}

	jobs, err := repo.ListJobs(ctx, database.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRecover_ReattachesOwnWorkersAndFailsOrphans(t *testing.T) {
	s, repo, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	alive := mustSubmit(t, s, "alice", echoSpec(5, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))
	orphan := mustSubmit(t, s, "bob", echoSpec(5, lockdb.Request{Resource: "lpar2", Mode: lockdb.ModeWrite}))
	foreign := mustSubmit(t, s, "carol", echoSpec(5, lockdb.Request{Resource: "lpar9", Mode: lockdb.ModeWrite}))
	waiting := mustSubmit(t, s, "dave", echoSpec(5, lockdb.Request{Resource: "lpar3", Mode: lockdb.ModeWrite}))

	for jobID, owner := range map[int64]string{alive: "sched-1", orphan: "sched-1", foreign: "sched-2"} {
		marked, err := repo.MarkExecuting(ctx, jobID, owner, "run-before-restart", testTime)
		require.NoError(t, err)
		require.True(t, marked)
		require.NoError(t, repo.RecordWorker(ctx, jobID, 4000+jobID, 77))
	}
	supervisor.reattachable[alive] = true

	require.NoError(t, s.recover(ctx))

	// The surviving worker is adopted, not restarted.
	assert.True(t, supervisor.running[alive])
	assert.Empty(t, supervisor.started)
	assert.Equal(t, database.JobExecuting, mustGetJob(t, repo, alive).State)

	orphaned := mustGetJob(t, repo, orphan)
	assert.Equal(t, database.JobFailed, orphaned.State)
	assert.Equal(t, "orphaned during recovery", orphaned.Detail)
	assert.Nil(t, orphaned.ResultCode)
	require.NotNil(t, orphaned.Finished)
	held, err := s.locks.Held(orphan)
	require.NoError(t, err)
	assert.Empty(t, held)

	// Jobs owned elsewhere keep their locks here but are otherwise left
	// alone; local admission must still respect their resources.
	assert.Equal(t, database.JobExecuting, mustGetJob(t, repo, foreign).State)
	held, err = s.locks.Held(foreign)
	require.NoError(t, err)
	assert.Equal(t, []lockdb.Request{{Resource: "lpar9", Mode: lockdb.ModeWrite}}, held)

	competitor := mustSubmit(t, s, "erin", echoSpec(10, lockdb.Request{Resource: "lpar9", Mode: lockdb.ModeRead}))
	require.NoError(t, s.doCycle(ctx))
	assert.NotContains(t, supervisor.started, competitor)
	assert.Contains(t, s.conflictReason(competitor), "lpar9")

	// The job that never left WAITING is admitted normally.
	assert.Contains(t, supervisor.started, waiting)
}

func TestRecover_IsIdempotent(t *testing.T) {
	s, repo, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	alive := mustSubmit(t, s, "alice", echoSpec(5, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))
	orphan := mustSubmit(t, s, "bob", echoSpec(5, lockdb.Request{Resource: "lpar2", Mode: lockdb.ModeWrite}))
	for _, jobID := range []int64{alive, orphan} {
		marked, err := repo.MarkExecuting(ctx, jobID, "sched-1", "run-before-restart", testTime)
		require.NoError(t, err)
		require.True(t, marked)
	}
	supervisor.reattachable[alive] = true

	require.NoError(t, s.recover(ctx))
	firstPass := mustGetJob(t, repo, orphan)

	require.NoError(t, s.recover(ctx))

	assert.Equal(t, database.JobExecuting, mustGetJob(t, repo, alive).State)
	assert.True(t, supervisor.running[alive])
	secondPass := mustGetJob(t, repo, orphan)
	assert.Equal(t, firstPass.State, secondPass.State)
	assert.Equal(t, firstPass.Detail, secondPass.Detail)
	require.NotNil(t, secondPass.Finished)
	assert.Equal(t, firstPass.Finished.Unix(), secondPass.Finished.Unix())
	assert.Equal(t, 1, s.locks.Count())
}

func TestRecover_StoreFailureIsReported(t *testing.T) {
	s, repo, _, _ := newTestScheduler(t)
	ctx := context.Background()

	orphan := mustSubmit(t, s, "alice", echoSpec(5))
	marked, err := repo.MarkExecuting(ctx, orphan, "sched-1", "run-before-restart", testTime)
	require.NoError(t, err)
	require.True(t, marked)

	repo.finishExecutingErr = errInjected
	err = s.recover(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orphaned")
}

func TestGetAndList_DecorateWaitingJobsWithConflictReasons(t *testing.T) {
	s, _, supervisor, _ := newTestScheduler(t)
	ctx := context.Background()

	holder := mustSubmit(t, s, "alice", echoSpec(10, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))
	blocked := mustSubmit(t, s, "bob", echoSpec(5, lockdb.Request{Resource: "lpar1", Mode: lockdb.ModeWrite}))
	require.NoError(t, s.doCycle(ctx))

	status, err := s.Get(ctx, blocked)
	require.NoError(t, err)
	assert.Equal(t, database.JobWaiting, status.Job.State)
	assert.Contains(t, status.ConflictReason, "lpar1")

	// Non-waiting jobs carry no conflict decoration.
	status, err = s.Get(ctx, holder)
	require.NoError(t, err)
	assert.Empty(t, status.ConflictReason)

	statuses, err := s.List(ctx, database.JobFilter{States: []database.JobState{database.JobWaiting}})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, blocked, statuses[0].Job.JobID)
	assert.Contains(t, statuses[0].ConflictReason, "lpar1")

	// Once the holder exits the blocked job is admitted and the stale
	// reason is gone.
	supervisor.finish(holder, database.JobCompleted, pointer.Int64(0), "done", testTime.Add(time.Minute))
	require.NoError(t, s.doCycle(ctx))

	status, err = s.Get(ctx, blocked)
	require.NoError(t, err)
	assert.Equal(t, database.JobExecuting, status.Job.State)
	assert.Empty(t, status.ConflictReason)

	_, err = s.Get(ctx, 99999)
	var validationErr *stokererrors.ErrValidation
	require.ErrorAs(t, err, &validationErr)
}

func TestGetRequest_TracksResolution(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	jobID := mustSubmit(t, s, "alice", echoSpec(5))
	requestID, err := s.Cancel(ctx, "bob", jobID)
	require.NoError(t, err)

	request, err := s.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, database.RequestPending, request.State)

	require.NoError(t, s.doCycle(ctx))

	request, err = s.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, database.RequestCompleted, request.State)

	_, err = s.GetRequest(ctx, util.NewULID())
	var validationErr *stokererrors.ErrValidation
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "request_id", validationErr.Field)
}
