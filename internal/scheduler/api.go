package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stokerproject/stoker/internal/common/stokererrors"
	"github.com/stokerproject/stoker/internal/common/util"
	"github.com/stokerproject/stoker/internal/scheduler/database"
	"github.com/stokerproject/stoker/internal/scheduler/lockdb"
)

// JobSpec is everything a requester provides about a job. The same encoding
// is used for the spec blob of queued SUBMIT requests.
type JobSpec struct {
	JobType     string           `json:"job_type"`
	Description string           `json:"description,omitempty"`
	Priority    int64            `json:"priority,omitempty"`
	NotBefore   *time.Time       `json:"not_before,omitempty"`
	TimeoutSecs int64            `json:"timeout_secs,omitempty"`
	Parameters  string           `json:"parameters,omitempty"`
	Resources   []lockdb.Request `json:"resources,omitempty"`
}

func ParseJobSpec(data []byte) (*JobSpec, error) {
	spec := &JobSpec{}
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, &stokererrors.ErrValidation{Field: "spec", Value: string(data), Message: err.Error()}
	}
	return spec, nil
}

// JobStatus is a job decorated with scheduler-local knowledge.
type JobStatus struct {
	Job database.Job
	// Why admission most recently bounced the job. Only set on WAITING jobs,
	// and only on the instance that attempted admission.
	ConflictReason string
}

// Authorizer vets operations before they touch the store. The default
// allows everything; deployments plug in their own.
type Authorizer interface {
	Authorize(ctx context.Context, requester string, action string) error
}

type allowAll struct{}

func (allowAll) Authorize(context.Context, string, string) error { return nil }

func (s *Scheduler) SetAuthorizer(authorizer Authorizer) {
	s.authorizer = authorizer
}

// Submit validates the spec, creates the job in WAITING and wakes the loop.
// The job id is returned as soon as the job is durable; admission happens
// asynchronously.
func (s *Scheduler) Submit(ctx context.Context, requester string, spec *JobSpec) (int64, error) {
	if err := s.authorizer.Authorize(ctx, requester, "submit"); err != nil {
		return 0, err
	}
	if err := s.validateSpec(spec); err != nil {
		return 0, err
	}

	job := jobFromSpec(spec, requester, s.clock.Now())
	jobID, err := s.jobRepository.CreateJob(ctx, job)
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{"jobId": jobID, "jobType": spec.JobType, "requester": requester}).Info("job submitted")
	s.wake()
	return jobID, nil
}

// Cancel asks for the job to be canceled: WAITING jobs go straight to
// CANCELED, running workers get the stop signal from whichever instance owns
// them. The cancellation is durable once Cancel returns; the returned
// request id tracks its resolution.
func (s *Scheduler) Cancel(ctx context.Context, requester string, jobID int64) (string, error) {
	if err := s.authorizer.Authorize(ctx, requester, "cancel"); err != nil {
		return "", err
	}
	job, err := s.jobRepository.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", &stokererrors.ErrValidation{Field: "job_id", Value: jobID, Message: "no such job"}
	}

	request := &database.Request{
		RequestID: util.NewULID(),
		Action:    database.RequestCancel,
		JobID:     jobID,
		Requester: requester,
		State:     database.RequestPending,
		Submitted: s.clock.Now(),
	}
	if err := s.jobRepository.EnqueueRequest(ctx, request); err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"jobId": jobID, "requestId": request.RequestID, "requester": requester}).Info("cancel requested")
	s.wake()
	return request.RequestID, nil
}

// Get returns one job with its conflict decoration.
func (s *Scheduler) Get(ctx context.Context, jobID int64) (*JobStatus, error) {
	job, err := s.jobRepository.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &stokererrors.ErrValidation{Field: "job_id", Value: jobID, Message: "no such job"}
	}
	return s.decorate(job), nil
}

// List returns jobs matching the filter, newest first.
func (s *Scheduler) List(ctx context.Context, filter database.JobFilter) ([]*JobStatus, error) {
	jobs, err := s.jobRepository.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	statuses := make([]*JobStatus, len(jobs))
	for i, job := range jobs {
		statuses[i] = s.decorate(job)
	}
	return statuses, nil
}

// GetRequest reports how a queued request was resolved.
func (s *Scheduler) GetRequest(ctx context.Context, requestID string) (*database.Request, error) {
	request, err := s.jobRepository.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request == nil {
		return nil, &stokererrors.ErrValidation{Field: "request_id", Value: requestID, Message: "no such request"}
	}
	return request, nil
}

func (s *Scheduler) decorate(job *database.Job) *JobStatus {
	status := &JobStatus{Job: *job}
	if job.State == database.JobWaiting {
		status.ConflictReason = s.conflictReason(job.JobID)
	}
	return status
}

func (s *Scheduler) validateSpec(spec *JobSpec) error {
	if _, ok := s.registry.Lookup(spec.JobType); !ok {
		return &stokererrors.ErrValidation{
			Field:   "job_type",
			Value:   spec.JobType,
			Message: fmt.Sprintf("known types are: %s", strings.Join(s.registry.Types(), ", ")),
		}
	}
	if spec.TimeoutSecs < 0 {
		return &stokererrors.ErrValidation{Field: "timeout_secs", Value: spec.TimeoutSecs, Message: "timeout cannot be negative"}
	}

	seen := make(map[string]bool, len(spec.Resources))
	for _, request := range spec.Resources {
		if request.Resource == "" {
			return &stokererrors.ErrValidation{Field: "resources", Value: request.Resource, Message: "resource name cannot be empty"}
		}
		if !request.Mode.Valid() {
			return &stokererrors.ErrValidation{
				Field:   "resources",
				Value:   string(request.Mode),
				Message: fmt.Sprintf("lock mode for %s must be %s or %s", request.Resource, lockdb.ModeRead, lockdb.ModeWrite),
			}
		}
		if seen[request.Resource] {
			return &stokererrors.ErrValidation{Field: "resources", Value: request.Resource, Message: "resource requested twice"}
		}
		seen[request.Resource] = true
		if len(s.catalog) > 0 && !s.catalog[request.Resource] {
			return &stokererrors.ErrValidation{Field: "resources", Value: request.Resource, Message: "resource is not in the configured catalog"}
		}
	}
	return nil
}

func jobFromSpec(spec *JobSpec, requester string, submitted time.Time) *database.Job {
	return &database.Job{
		Requester:   requester,
		JobType:     spec.JobType,
		Description: spec.Description,
		State:       database.JobWaiting,
		Priority:    spec.Priority,
		NotBefore:   spec.NotBefore,
		TimeoutSecs: spec.TimeoutSecs,
		Parameters:  spec.Parameters,
		Resources:   spec.Resources,
		Submitted:   submitted,
	}
}

// EncodeJobSpec renders a spec the way queued SUBMIT requests carry it.
func EncodeJobSpec(spec *JobSpec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(data), nil
}
