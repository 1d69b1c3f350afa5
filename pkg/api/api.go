package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gitnasr/torreclou/pkg/eventlog"
	"github.com/gitnasr/torreclou/pkg/profile"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/torreerr"
	"github.com/gitnasr/torreclou/pkg/types"
)

// Role distinguishes an ordinary job owner from an operator who may
// act on any user's job.
type Role string

const (
	RoleUser  Role = ""
	RoleAdmin Role = "admin"
)

// Facade implements the external interfaces of spec.md §6.
type Facade struct {
	store    store.Store
	engine   *statusengine.Engine
	profiles profile.Reader
	events   *eventlog.Log
}

func NewFacade(s store.Store, engine *statusengine.Engine, profiles profile.Reader, events *eventlog.Log) *Facade {
	return &Facade{store: s, engine: engine, profiles: profiles, events: events}
}

// CreateJobRequest is the input of create-and-dispatch-job.
type CreateJobRequest struct {
	RequestedFileID   int64
	UserID            int64
	SelectedFilePaths []string
	// StorageProfileID is optional; nil resolves to the user's default
	// active profile.
	StorageProfileID *int64
}

// CreateJobResult is the output of create-and-dispatch-job.
type CreateJobResult struct {
	JobID                        int64
	StorageProfileID             int64
	HasStorageProfileWarning     bool
	StorageProfileWarningMessage string
}

// CreateAndDispatchJob implements spec.md §6's create-and-dispatch-job:
// creates the Job row with initial StatusHistory and appends it to
// jobs:stream for the Dispatcher to pick up.
func (f *Facade) CreateAndDispatchJob(ctx context.Context, req CreateJobRequest) (*CreateJobResult, error) {
	existing, err := f.store.ListJobs(ctx, store.Filter{UserID: req.UserID})
	if err != nil {
		return nil, err
	}
	for _, j := range existing {
		if j.RequestedFileID == req.RequestedFileID && !j.Status.Terminal() {
			return nil, torreerr.New(torreerr.JobAlreadyExists, fmt.Sprintf("job %d already in progress for this file", j.ID))
		}
	}

	var profileID int64
	var warning bool
	var warningMsg string
	if req.StorageProfileID != nil {
		p, err := f.profiles.Get(ctx, *req.StorageProfileID)
		if err != nil || !p.IsActive || p.UserID != req.UserID {
			return nil, torreerr.New(torreerr.InvalidProfile, "storage profile not found, inactive, or not owned by this user")
		}
		profileID = p.ID
	} else if p, err := f.profiles.GetDefault(ctx, req.UserID); err != nil {
		warning = true
		warningMsg = "no default storage profile configured for this user; job created without a destination profile"
	} else {
		profileID = p.ID
	}

	job := &types.Job{
		UserID:            req.UserID,
		StorageProfileID:  profileID,
		RequestedFileID:   req.RequestedFileID,
		Status:            types.JobQueued,
		SelectedFilePaths: req.SelectedFilePaths,
		CreatedAt:         time.Now(),
	}
	if err := f.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := f.engine.RecordInitialJob(ctx, job.ID); err != nil {
		return nil, err
	}
	if _, err := f.events.Append(ctx, eventlog.JobsStream, map[string]interface{}{
		"jobId": fmt.Sprintf("%d", job.ID),
	}); err != nil {
		return nil, err
	}

	return &CreateJobResult{
		JobID:                        job.ID,
		StorageProfileID:             profileID,
		HasStorageProfileWarning:     warning,
		StorageProfileWarningMessage: warningMsg,
	}, nil
}

// CancelJob implements spec.md §6's cancel-job. A nil error means ok;
// otherwise the returned *torreerr.Error's Code is one of
// JobNotCancellable, JobCompleted, JobCancelled, or AccessDenied.
func (f *Facade) CancelJob(ctx context.Context, jobID, userID int64, role Role) error {
	job, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID && role != RoleAdmin {
		return torreerr.New(torreerr.AccessDenied, "job does not belong to this user")
	}

	switch job.Status {
	case types.JobCompleted:
		return torreerr.New(torreerr.JobCompleted, "job already completed")
	case types.JobCancelled:
		return torreerr.New(torreerr.JobCancelled, "job already cancelled")
	case types.JobUploading:
		// Upload-finalizing: not cancellable (spec.md §6).
		return torreerr.New(torreerr.JobNotCancellable, "job is finalizing its upload")
	}
	if job.Status.Terminal() {
		return torreerr.New(torreerr.JobNotCancellable, "job already in a terminal state")
	}

	return f.engine.ApplyJob(ctx, jobID, types.JobCancelled, types.SourceUser, "", nil)
}

// RetryJob implements spec.md §6's retry-job. A nil error means ok;
// otherwise the returned *torreerr.Error's Code is one of JobActive,
// JobRetrying, JobCompleted, or AccessDenied.
func (f *Facade) RetryJob(ctx context.Context, jobID, userID int64, role Role) error {
	job, err := f.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID && role != RoleAdmin {
		return torreerr.New(torreerr.AccessDenied, "job does not belong to this user")
	}

	switch {
	case job.Status == types.JobCompleted:
		return torreerr.New(torreerr.JobCompleted, "job already completed")
	case job.Status == types.JobQueued || job.Status == types.JobTorrentDownloadRetry || job.Status == types.JobUploadRetry:
		return torreerr.New(torreerr.JobRetrying, "job is already queued for retry")
	case !statusengine.IsFailedJobStatus(job.Status):
		return torreerr.New(torreerr.JobActive, "job is not in a failed state")
	}

	if err := f.engine.ApplyJob(ctx, jobID, types.JobQueued, types.SourceUser, "", nil); err != nil {
		return err
	}

	job.Status = types.JobQueued
	job.ErrorMessage = ""
	job.CompletedAt = nil
	job.BackgroundTaskID = ""
	job.RetryCount = 0
	job.NextRetryAt = nil
	if err := f.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	_, err = f.events.Append(ctx, eventlog.JobsStream, map[string]interface{}{
		"jobId": fmt.Sprintf("%d", jobID),
	})
	return err
}
