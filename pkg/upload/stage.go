package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gitnasr/torreclou/pkg/config"
	"github.com/gitnasr/torreclou/pkg/lease"
	"github.com/gitnasr/torreclou/pkg/log"
	"github.com/gitnasr/torreclou/pkg/profile"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/torreerr"
	"github.com/gitnasr/torreclou/pkg/types"
)

// leaseTTL bounds how long an upload stage run may hold its
// provider-specific lease; typical jobs finish well within it.
const leaseTTL = time.Hour

// Stage runs the provider-agnostic Upload Stage of spec.md §4.8 for
// one job, against whichever Provider is wired in.
type Stage struct {
	store    store.Store
	engine   *statusengine.Engine
	profiles profile.Reader
	locker   *lease.Locker
	cache    *ProgressCache
	cfg      config.Config
}

func NewStage(s store.Store, engine *statusengine.Engine, profiles profile.Reader, locker *lease.Locker, cache *ProgressCache, cfg config.Config) *Stage {
	return &Stage{store: s, engine: engine, profiles: profiles, locker: locker, cache: cache, cfg: cfg}
}

// Run executes spec.md §4.8 steps 1-7 for jobID against p.
func (st *Stage) Run(ctx context.Context, jobID int64, p Provider) error {
	logger := log.WithJobID(jobID).With().Str("provider", p.Name()).Logger()

	job, err := st.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobPendingUpload && job.Status != types.JobUploadRetry && job.Status != types.JobUploading {
		return fmt.Errorf("upload stage precondition failed: job %d in status %s", jobID, job.Status)
	}

	// Step 1: acquire the provider-specific lease. Not acquired means
	// another worker already owns this job's upload; log and return
	// success rather than failing the task.
	held, err := st.locker.Acquire(ctx, p.LeaseKey(jobID), leaseTTL)
	if err != nil {
		return err
	}
	if held == nil {
		logger.Info().Msg("upload lease already held, skipping")
		return nil
	}
	defer held.Release(ctx)

	// Step 2.
	if job.Status != types.JobUploading {
		if err := st.engine.ApplyJob(ctx, jobID, types.JobUploading, types.SourceWorker, "", nil); err != nil {
			return err
		}
	}
	now := time.Now()
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.LastHeartbeat = now
	job.Status = types.JobUploading
	if err := st.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	// Step 3.
	prof, err := st.profiles.Get(ctx, job.StorageProfileID)
	if err != nil {
		return st.fail(ctx, job, p, torreerr.Wrap(torreerr.ProfileNotFound, "storage profile lookup failed", err))
	}
	if job.DownloadPath == "" {
		return st.fail(ctx, job, p, torreerr.New(torreerr.InvalidFileName, "downloadPath is empty"))
	}
	if _, err := os.Stat(job.DownloadPath); err != nil {
		return st.fail(ctx, job, p, torreerr.Wrap(torreerr.FileNotFound, "downloadPath does not exist", err))
	}

	// Step 4 happens inside Validate: Drive checks refresh-token
	// bookkeeping, S3 probes bucket access.
	if err := p.Validate(ctx, job, prof); err != nil {
		return st.routeFailure(ctx, job, p, err)
	}

	// Step 5.
	files, err := Walk(job.DownloadPath)
	if err != nil {
		return st.routeFailure(ctx, job, p, torreerr.Wrap(torreerr.ReadError, "failed to enumerate download path", err))
	}

	root, err := p.RemoteRoot(ctx, job)
	if err != nil {
		return st.routeFailure(ctx, job, p, torreerr.Wrap(torreerr.ReadError, "failed to resolve remote root", err))
	}
	if err := st.cache.PutRoot(ctx, jobID, root); err != nil {
		return err
	}

	// Step 6.
	for _, f := range files {
		if err := st.uploadFile(ctx, job, p, root, f); err != nil {
			return st.routeFailure(ctx, job, p, err)
		}
		job.LastHeartbeat = time.Now()
		job.CurrentStateLabel = fmt.Sprintf("uploaded %s", f.RelPath)
		if err := st.store.UpdateJob(ctx, job); err != nil {
			return err
		}
	}

	// Step 7.
	if err := p.OnAllFilesUploaded(ctx, job); err != nil {
		return err
	}
	return st.cache.Clear(ctx, jobID)
}

func (st *Stage) uploadFile(ctx context.Context, job *types.Job, p Provider, root string, f File) error {
	if _, cached, err := st.cache.RemoteID(ctx, job.ID, f.RelPath); err != nil {
		return torreerr.Wrap(torreerr.ReadError, "progress cache lookup failed", err)
	} else if cached {
		return nil
	}

	if err := TransferFile(ctx, p, st.store, st.cfg.PartSize, job.ID, 0, root, f); err != nil {
		return err
	}
	return st.markFileDone(ctx, job.ID, f.RelPath)
}

func (st *Stage) markFileDone(ctx context.Context, jobID int64, relPath string) error {
	return st.cache.PutRemoteID(ctx, jobID, relPath, relPath)
}

// routeFailure classifies a stage error and routes it to UPLOAD_RETRY
// while the attempt budget remains, else to the provider's terminal
// failure status.
func (st *Stage) routeFailure(ctx context.Context, job *types.Job, p Provider, cause error) error {
	var stageErr *torreerr.Error
	if !errors.As(cause, &stageErr) {
		stageErr = torreerr.Wrap(torreerr.ReadError, "upload stage failure", cause)
	}
	if stageErr.Retryable() && job.RetryCount < st.cfg.AttemptLimit {
		if err := st.engine.ApplyJob(ctx, job.ID, types.JobUploadRetry, types.SourceWorker, stageErr.Error(), nil); err != nil {
			return err
		}
		return stageErr
	}
	return st.fail(ctx, job, p, stageErr)
}

func (st *Stage) fail(ctx context.Context, job *types.Job, p Provider, stageErr *torreerr.Error) error {
	if err := st.engine.ApplyJob(ctx, job.ID, p.FailureStatus(), types.SourceWorker, stageErr.Error(), nil); err != nil {
		return err
	}
	return stageErr
}
