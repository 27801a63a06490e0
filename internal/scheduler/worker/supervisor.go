package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/stokerproject/stoker/internal/common/stokererrors"
	"github.com/stokerproject/stoker/internal/scheduler/configuration"
	"github.com/stokerproject/stoker/internal/scheduler/database"
	"github.com/stokerproject/stoker/internal/scheduler/plugins"
)

const (
	paramsFileName = "params"
	outputFileName = "output"
)

// JobDir returns the directory holding everything that belongs to one job:
// the params file, the append-only output log and the result file.
func JobDir(jobsDir string, jobID int64) string {
	return filepath.Join(jobsDir, strconv.FormatInt(jobID, 10))
}

// Completion is the supervisor's verdict on one finished worker. The
// scheduler records it durably before releasing the job's locks.
type Completion struct {
	JobID      int64
	RunID      string
	State      database.JobState
	ResultCode *int64
	Detail     string
	// Vanished marks a worker that disappeared without leaving a result.
	Vanished bool
	Finished time.Time
}

// WorkerInfo is a point-in-time snapshot of one running worker.
type WorkerInfo struct {
	JobID           int64
	RunID           string
	Pid             int64
	Started         time.Time
	Reattached      bool
	CancelRequested bool
}

// handle tracks one live worker process. cmd is nil for workers re-attached
// after a scheduler restart; those are monitored through /proc and their
// outcome comes from the result file instead of the wait status.
type handle struct {
	jobID      int64
	runID      string
	pid        int64
	startTicks int64
	jobDir     string
	started    time.Time
	timeout    time.Duration
	deadline   time.Time // zero means no timeout
	cmd        *exec.Cmd

	mu              sync.Mutex
	cancelRequested bool
	cancelReason    string
	graceExpires    time.Time
	killed          bool
	// done blocks signals once the process is known to be gone.
	done bool
	// completionSent makes finalization idempotent.
	completionSent bool
}

// Supervisor runs jobs as local OS processes, one process per job, each in
// its own process group. It maintains the in-memory liveness map from job id
// to (pid, start ticks), polls at a bounded interval, enforces per-job
// timeouts and delivers exactly one Completion per worker.
//
// The supervisor never touches the job store: callers durably record the
// EXECUTE transition before Start and the exit after receiving the
// Completion.
type Supervisor struct {
	jobsDir      string
	apiURL       string
	registry     *plugins.Registry
	pollInterval time.Duration
	gracePeriod  time.Duration
	clock        clock.Clock

	mu      sync.Mutex
	workers map[int64]*handle

	completions chan Completion
}

func NewSupervisor(config configuration.Configuration, registry *plugins.Registry, clk clock.Clock) *Supervisor {
	return &Supervisor{
		jobsDir:      config.JobsDir,
		apiURL:       config.ApiUrl,
		registry:     registry,
		pollInterval: config.WorkerPollInterval,
		gracePeriod:  config.GracePeriod,
		clock:        clk,
		workers:      map[int64]*handle{},
		completions:  make(chan Completion, 64),
	}
}

// Completions delivers one entry per finished worker.
func (s *Supervisor) Completions() <-chan Completion {
	return s.completions
}

// Start spawns the worker process for a job already durably marked EXECUTE.
// It prepares the job directory (params file, output log), launches the
// plugin command with the params file path and API base URL appended, and
// returns the (pid, start ticks) identity to be recorded in the store.
func (s *Supervisor) Start(job *database.Job) (int64, int64, error) {
	argv, ok := s.registry.Lookup(job.JobType)
	if !ok {
		return 0, 0, &stokererrors.ErrWorkerSpawn{
			JobID: job.JobID,
			Cause: errors.Errorf("no plugin registered for job type %q", job.JobType),
		}
	}

	jobDir := JobDir(s.jobsDir, job.JobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return 0, 0, &stokererrors.ErrWorkerSpawn{JobID: job.JobID, Cause: errors.WithStack(err)}
	}
	paramsPath := filepath.Join(jobDir, paramsFileName)
	if err := os.WriteFile(paramsPath, []byte(job.Parameters), 0o644); err != nil {
		return 0, 0, &stokererrors.ErrWorkerSpawn{JobID: job.JobID, Cause: errors.WithStack(err)}
	}
	output, err := os.OpenFile(filepath.Join(jobDir, outputFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, 0, &stokererrors.ErrWorkerSpawn{JobID: job.JobID, Cause: errors.WithStack(err)}
	}
	defer output.Close()

	argv = append(argv, paramsPath, s.apiURL)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = jobDir
	cmd.Stdout = output
	cmd.Stderr = output
	// Workers get their own process group so cancellation reaches their
	// children and so they survive a scheduler shutdown.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, 0, &stokererrors.ErrWorkerSpawn{JobID: job.JobID, Cause: errors.WithStack(err)}
	}

	pid := int64(cmd.Process.Pid)
	startTicks, err := ReadProcessStartTicks(pid)
	if err != nil {
		// The child is at worst an unreaped zombie, so its stat entry
		// exists until we wait on it. Failing here means /proc itself is
		// broken; record zero ticks rather than losing the worker.
		log.WithError(err).WithField("jobId", job.JobID).Error("could not read worker start ticks")
		startTicks = 0
	}

	h := &handle{
		jobID:      job.JobID,
		runID:      job.RunID,
		pid:        pid,
		startTicks: startTicks,
		jobDir:     jobDir,
		started:    s.clock.Now(),
		cmd:        cmd,
	}
	if job.TimeoutSecs > 0 {
		h.timeout = time.Duration(job.TimeoutSecs) * time.Second
		h.deadline = h.started.Add(h.timeout)
	}
	s.register(h)
	go s.waitOwned(h)

	log.WithFields(log.Fields{"jobId": job.JobID, "runId": job.RunID, "pid": pid}).Info("worker started")
	return pid, startTicks, nil
}

// Reattach resumes monitoring a worker recorded in the store. Returns false
// when no process matching the recorded (pid, start ticks) exists anymore;
// deciding that this makes the job an orphan is the caller's business.
func (s *Supervisor) Reattach(job *database.Job) (bool, error) {
	if job.Pid == nil || job.PidStartTicks == nil {
		return false, nil
	}
	alive, err := ProcessAlive(*job.Pid, *job.PidStartTicks)
	if err != nil {
		return false, err
	}
	if !alive {
		return false, nil
	}

	started := s.clock.Now()
	if job.Started != nil {
		started = *job.Started
	}
	h := &handle{
		jobID:      job.JobID,
		runID:      job.RunID,
		pid:        *job.Pid,
		startTicks: *job.PidStartTicks,
		jobDir:     JobDir(s.jobsDir, job.JobID),
		started:    started,
	}
	if job.TimeoutSecs > 0 {
		h.timeout = time.Duration(job.TimeoutSecs) * time.Second
		h.deadline = started.Add(h.timeout)
	}
	s.register(h)

	log.WithFields(log.Fields{"jobId": job.JobID, "runId": job.RunID, "pid": h.pid}).Info("worker re-attached")
	return true, nil
}

// Cancel asks the worker to stop: SIGTERM to its process group now, SIGKILL
// if it is still alive when the grace period expires. Canceling an already
// canceled worker changes nothing. Returns false if no such worker runs here.
func (s *Supervisor) Cancel(jobID int64, reason string) bool {
	s.mu.Lock()
	h, ok := s.workers[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}

	h.mu.Lock()
	if h.cancelRequested {
		h.mu.Unlock()
		return true
	}
	h.cancelRequested = true
	h.cancelReason = reason
	h.graceExpires = s.clock.Now().Add(s.gracePeriod)
	h.mu.Unlock()

	log.WithFields(log.Fields{"jobId": jobID, "pid": h.pid, "reason": reason}).Info("canceling worker")
	s.signal(h, syscall.SIGTERM)
	return true
}

// Running returns a snapshot of the live workers, ordered by job id.
func (s *Supervisor) Running() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(s.workers))
	for _, h := range s.workers {
		h.mu.Lock()
		infos = append(infos, WorkerInfo{
			JobID:           h.jobID,
			RunID:           h.runID,
			Pid:             h.pid,
			Started:         h.started,
			Reattached:      h.cmd == nil,
			CancelRequested: h.cancelRequested,
		})
		h.mu.Unlock()
	}
	slices.SortFunc(infos, func(a, b WorkerInfo) bool { return a.JobID < b.JobID })
	return infos
}

// Count returns the number of live workers.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Run polls the workers at the configured interval until the context is
// canceled: it enforces deadlines, escalates expired grace periods and
// finalizes re-attached workers whose process has gone. Owned children are
// reaped by their own waiter the moment they exit; the poll covers what
// waiters cannot see.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.poll()
		}
	}
}

func (s *Supervisor) poll() {
	now := s.clock.Now()

	s.mu.Lock()
	handles := make([]*handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		s.enforceDeadline(h, now)
		s.enforceGrace(h, now)
		if h.cmd == nil {
			s.checkReattached(h)
		}
	}
}

func (s *Supervisor) enforceDeadline(h *handle, now time.Time) {
	if h.deadline.IsZero() || now.Before(h.deadline) {
		return
	}
	h.mu.Lock()
	requested := h.cancelRequested
	h.mu.Unlock()
	if requested {
		return
	}
	log.WithFields(log.Fields{"jobId": h.jobID, "pid": h.pid, "timeout": h.timeout}).Warn("worker exceeded its timeout")
	s.Cancel(h.jobID, fmt.Sprintf("timed out after %s", h.timeout))
}

func (s *Supervisor) enforceGrace(h *handle, now time.Time) {
	h.mu.Lock()
	expired := h.cancelRequested && !h.killed && !h.graceExpires.IsZero() && !now.Before(h.graceExpires)
	if expired {
		h.killed = true
	}
	h.mu.Unlock()
	if !expired {
		return
	}
	log.WithFields(log.Fields{"jobId": h.jobID, "pid": h.pid}).Warn("grace period expired, killing worker process group")
	s.signal(h, syscall.SIGKILL)
}

func (s *Supervisor) checkReattached(h *handle) {
	alive, err := ProcessAlive(h.pid, h.startTicks)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"jobId": h.jobID, "pid": h.pid}).Error("could not check worker liveness")
		return
	}
	if alive {
		return
	}
	s.finish(h, s.finalizeReattached(h))
}

// finalizeReattached determines the outcome of a re-attached worker that is
// no longer running. Without a child to wait on, the result file is the only
// source of the exit status.
func (s *Supervisor) finalizeReattached(h *handle) Completion {
	code, finished, err := ReadResultFile(h.jobDir)
	if os.IsNotExist(err) {
		return Completion{
			JobID:    h.jobID,
			RunID:    h.runID,
			State:    database.JobFailed,
			Detail:   "worker process vanished without reporting a result",
			Vanished: true,
			Finished: s.clock.Now(),
		}
	}
	if err != nil {
		return Completion{
			JobID:    h.jobID,
			RunID:    h.runID,
			State:    database.JobFailed,
			Detail:   fmt.Sprintf("result file unreadable: %v", err),
			Finished: s.clock.Now(),
		}
	}
	return s.classify(h, code, "", finished)
}

// waitOwned reaps an owned child the moment it exits, so no worker ever
// lingers as a zombie.
func (s *Supervisor) waitOwned(h *handle) {
	waitErr := h.cmd.Wait()
	finished := s.clock.Now()

	h.mu.Lock()
	h.done = true
	h.mu.Unlock()

	code := int64(0)
	signal := ""
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = int64(exitErr.ExitCode())
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signal = status.Signal().String()
			}
		} else {
			s.finish(h, Completion{
				JobID:    h.jobID,
				RunID:    h.runID,
				State:    database.JobFailed,
				Detail:   fmt.Sprintf("wait on worker failed: %v", waitErr),
				Vanished: true,
				Finished: finished,
			})
			return
		}
	}
	s.finish(h, s.classify(h, code, signal, finished))
}

// classify turns an exit into a Completion. A requested cancellation wins
// over the raw exit status: however the process died after the signal, the
// job was canceled.
func (s *Supervisor) classify(h *handle, code int64, signal string, finished time.Time) Completion {
	completion := Completion{JobID: h.jobID, RunID: h.runID, Finished: finished}

	h.mu.Lock()
	canceled, reason := h.cancelRequested, h.cancelReason
	h.mu.Unlock()

	switch {
	case canceled:
		completion.State = database.JobCanceled
		completion.Detail = reason
	case code == 0:
		completion.State = database.JobCompleted
		completion.ResultCode = &code
		completion.Detail = "job finished successfully"
	case signal != "":
		completion.State = database.JobFailed
		completion.Detail = fmt.Sprintf("job terminated by signal: %s", signal)
	default:
		completion.State = database.JobFailed
		completion.ResultCode = &code
		completion.Detail = fmt.Sprintf("job exited with code %d", code)
	}
	return completion
}

// finish emits the completion exactly once and forgets the worker.
func (s *Supervisor) finish(h *handle, completion Completion) {
	h.mu.Lock()
	if h.completionSent {
		h.mu.Unlock()
		return
	}
	h.completionSent = true
	h.done = true
	h.mu.Unlock()

	s.mu.Lock()
	delete(s.workers, h.jobID)
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"jobId": completion.JobID,
		"runId": completion.RunID,
		"state": completion.State,
	}).Info("worker finished")
	s.completions <- completion
}

// signal delivers sig to the worker's process group. Re-attached pids are
// verified against their recorded start time first, so a recycled pid is
// never signalled.
func (s *Supervisor) signal(h *handle, sig syscall.Signal) {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done {
		return
	}
	if h.cmd == nil {
		alive, err := ProcessAlive(h.pid, h.startTicks)
		if err != nil || !alive {
			return
		}
	}
	if err := syscall.Kill(-int(h.pid), sig); err != nil && err != syscall.ESRCH {
		log.WithError(err).WithFields(log.Fields{"jobId": h.jobID, "pid": h.pid}).Warn("could not signal worker process group")
	}
}

func (s *Supervisor) register(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[h.jobID] = h
}
