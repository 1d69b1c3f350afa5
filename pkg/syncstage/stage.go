package syncstage

import (
	"context"
	"os"
	"time"

	"github.com/gitnasr/torreclou/pkg/config"
	"github.com/gitnasr/torreclou/pkg/log"
	"github.com/gitnasr/torreclou/pkg/profile"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/torreerr"
	"github.com/gitnasr/torreclou/pkg/types"
	"github.com/gitnasr/torreclou/pkg/upload"
)

// settleWait absorbs any lingering upload-stage finalization before
// the local directory is deleted (spec.md §4.9 step 5).
const settleWait = 30 * time.Second

// persistCadence is the minimum interval between progress persists
// during the per-file mirror loop (spec.md §4.9 step 4: "≥10s cadence").
const persistCadence = 10 * time.Second

// Stage runs the Sync Stage of spec.md §4.9 for one Sync row, mirroring
// its local directory into S3 via the same Provider the Upload Stage
// uses for S3-backed jobs.
type Stage struct {
	store    store.Store
	engine   *statusengine.Engine
	profiles profile.Reader
	s3       *upload.S3Provider
	cfg      config.Config
}

func NewStage(s store.Store, engine *statusengine.Engine, profiles profile.Reader, s3 *upload.S3Provider, cfg config.Config) *Stage {
	return &Stage{store: s, engine: engine, profiles: profiles, s3: s3, cfg: cfg}
}

// Run executes spec.md §4.9 steps 1-6 for syncID.
func (st *Stage) Run(ctx context.Context, syncID int64) error {
	logger := log.WithSyncID(syncID)

	sync, err := st.store.GetSync(ctx, syncID)
	if err != nil {
		return err
	}
	// Step 1.
	if sync.Status != types.SyncPending && sync.Status != types.SyncRetry {
		logger.Info().Str("status", string(sync.Status)).Msg("sync stage precondition not met, skipping")
		return nil
	}

	job, err := st.store.GetJob(ctx, sync.JobID)
	if err != nil {
		return err
	}
	prof, err := st.profiles.Get(ctx, job.StorageProfileID)
	if err != nil {
		return st.retry(ctx, sync, torreerr.Wrap(torreerr.ProfileNotFound, "storage profile lookup failed", err))
	}
	if err := st.s3.Validate(ctx, job, prof); err != nil {
		return st.retry(ctx, sync, err)
	}

	// Step 2.
	if sync.Status != types.SyncSyncing {
		if err := st.engine.ApplySync(ctx, syncID, types.SyncSyncing, types.SourceWorker, "", nil); err != nil {
			return err
		}
	}
	now := time.Now()
	if sync.StartedAt == nil {
		sync.StartedAt = &now
	}
	sync.Status = types.SyncSyncing
	sync.LastHeartbeat = now
	if err := st.store.UpdateSync(ctx, sync); err != nil {
		return err
	}

	// Step 3.
	files, err := upload.Walk(sync.LocalFilePath)
	if err != nil {
		return st.retry(ctx, sync, torreerr.Wrap(torreerr.ReadError, "failed to enumerate local directory", err))
	}
	if sync.FilesTotal == 0 {
		var total int64
		for _, f := range files {
			total += f.Size
		}
		sync.FilesTotal = len(files)
		sync.TotalBytes = total
		if err := st.store.UpdateSync(ctx, sync); err != nil {
			return err
		}
	}

	// Step 4.
	lastPersist := time.Now()
	for i := sync.FilesSynced; i < len(files); i++ {
		f := files[i]
		if err := upload.TransferFile(ctx, st.s3, st.store, st.cfg.PartSize, sync.JobID, sync.ID, sync.S3KeyPrefix, f); err != nil {
			return st.retry(ctx, sync, err)
		}

		sync.FilesSynced = i + 1
		sync.BytesSynced += f.Size
		if time.Since(lastPersist) >= persistCadence || i == len(files)-1 {
			sync.LastHeartbeat = time.Now()
			if err := st.store.UpdateSync(ctx, sync); err != nil {
				return err
			}
			lastPersist = time.Now()
		}
	}

	// Step 5.
	if err := st.engine.ApplySync(ctx, syncID, types.SyncCompleted, types.SourceWorker, "", nil); err != nil {
		return err
	}
	if err := st.engine.ApplyJob(ctx, sync.JobID, types.JobCompleted, types.SourceWorker, "", nil); err != nil {
		return err
	}
	select {
	case <-time.After(settleWait):
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := os.RemoveAll(sync.LocalFilePath); err != nil {
		logger.Warn().Err(err).Str("path", sync.LocalFilePath).Msg("failed to delete local directory after sync")
	}
	return nil
}

// retry implements spec.md §4.9 step 6: SYNC_RETRY with retryCount+=1
// and nextRetryAt = now + 5min × retryCount.
func (st *Stage) retry(ctx context.Context, sync *types.Sync, cause error) error {
	retryCount := sync.RetryCount + 1
	next := time.Now().Add(5 * time.Minute * time.Duration(retryCount))

	if err := st.engine.ApplySync(ctx, sync.ID, types.SyncRetry, types.SourceWorker, cause.Error(), nil); err != nil {
		return err
	}

	sync.Status = types.SyncRetry
	sync.ErrorMessage = cause.Error()
	sync.RetryCount = retryCount
	sync.NextRetryAt = &next
	return st.store.UpdateSync(ctx, sync)
}
