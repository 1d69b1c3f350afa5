// Package download implements the Download Stage of spec.md §4.7: a
// BitTorrent engine (anacrolix/torrent) with selective-file priority,
// periodic fast-resume checkpoints, and heartbeat/progress reporting.
// The monitoring loop mirrors the shape of the teacher's
// executeContainer lifecycle monitor (a ticker-driven select against a
// cancellation channel that checks state and transitions on
// terminal conditions) generalized from container exit codes to
// torrent download progress.
package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"github.com/gitnasr/torreclou/pkg/config"
	"github.com/gitnasr/torreclou/pkg/eventlog"
	"github.com/gitnasr/torreclou/pkg/log"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/torreerr"
	"github.com/gitnasr/torreclou/pkg/types"
)

// Request carries what the Download Stage needs beyond the Job row
// itself: where the .torrent lives and which provider the upload
// stage should hand off to.
type Request struct {
	TorrentPath string
	Provider    string // "googledrive" or "s3", used for uploads:<provider>:stream
}

// Stage runs the Download Stage for one job.
type Stage struct {
	store  store.Store
	engine *statusengine.Engine
	events *eventlog.Log
	cfg    config.Config
}

func New(s store.Store, engine *statusengine.Engine, events *eventlog.Log, cfg config.Config) *Stage {
	return &Stage{store: s, engine: engine, events: events, cfg: cfg}
}

// Run executes the algorithm of spec.md §4.7 steps 1-8 for jobID.
func (st *Stage) Run(ctx context.Context, jobID int64, req Request) error {
	job, err := st.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobQueued && job.Status != types.JobTorrentDownloadRetry {
		return fmt.Errorf("download stage precondition failed: job %d in status %s", jobID, job.Status)
	}

	// Step 1: resume in place or create <torrent-root>/<jobId>.
	downloadPath := job.DownloadPath
	if downloadPath == "" {
		downloadPath = filepath.Join(st.cfg.TorrentRoot, fmt.Sprintf("%d", jobID))
	}
	if err := os.MkdirAll(downloadPath, 0o755); err != nil {
		return err
	}

	// Step 2: load the torrent, reject v2-only.
	mi, err := metainfo.LoadFromFile(req.TorrentPath)
	if err != nil {
		err := torreerr.Wrap(torreerr.InvalidInfoHash, "failed to load torrent file", err)
		return st.fail(ctx, job, err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return st.fail(ctx, job, torreerr.Wrap(torreerr.InvalidInfoHash, "failed to unmarshal torrent info", err))
	}
	if mi.HashInfoBytes().IsZero() {
		return st.fail(ctx, job, torreerr.New(torreerr.V2OnlyNotSupported, "torrent has no v1 info hash"))
	}

	totalBytes := info.TotalLength()

	// Step 3: transition to DOWNLOADING.
	now := time.Now()
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.DownloadPath = downloadPath
	job.TotalBytes = totalBytes
	if err := st.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if err := st.engine.ApplyJob(ctx, jobID, types.JobDownloading, types.SourceWorker, "", map[string]string{
		"downloadPath": downloadPath,
		"totalBytes":   fmt.Sprintf("%d", totalBytes),
		"torrentName":  info.Name,
	}); err != nil {
		return err
	}
	job.Status = types.JobDownloading

	// Step 4: construct the engine with fast-resume + DHT cache in downloadPath.
	// Piece completion is tracked in a bolt file alongside the download so a
	// crash mid-transfer resumes from the last completed piece instead of
	// starting over (spec.md §4.7 step 4, testable property 10(b)).
	completion, err := storage.NewBoltPieceCompletion(downloadPath)
	if err != nil {
		return st.retryOrFail(ctx, job, torreerr.Wrap(torreerr.ReadError, "failed to open piece-completion store", err))
	}
	fileStorage := storage.NewFileWithCompletion(downloadPath, completion)
	defer fileStorage.Close()

	clientCfg := torrent.NewDefaultClientConfig()
	clientCfg.DataDir = downloadPath
	clientCfg.DefaultStorage = fileStorage
	client, err := torrent.NewClient(clientCfg)
	if err != nil {
		return st.retryOrFail(ctx, job, torreerr.Wrap(torreerr.ReadError, "failed to start torrent engine", err))
	}
	defer client.Close()

	t, err := client.AddTorrent(mi)
	if err != nil {
		return st.retryOrFail(ctx, job, torreerr.Wrap(torreerr.ReadError, "failed to add torrent", err))
	}
	<-t.GotInfo()

	// Step 5: per-file priority.
	for _, f := range t.Files() {
		if Selected(f.Path(), job.SelectedFilePaths) {
			f.SetPriority(torrent.PiecePriorityNormal)
		} else {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}

	// Step 6: start and check initial completion.
	t.DownloadAll()
	if t.BytesMissing() == 0 {
		return st.finishDownload(ctx, job, downloadPath, req.Provider)
	}

	// Step 7: monitoring loop.
	return st.monitor(ctx, job, t, downloadPath, req.Provider)
}

func (st *Stage) monitor(ctx context.Context, job *types.Job, t *torrent.Torrent, downloadPath, provider string) error {
	ticker := time.NewTicker(st.cfg.DownloadMonitorInterval)
	defer ticker.Stop()

	heartbeatEvery := 5 * time.Second
	resumeEvery := 30 * time.Second
	lastHeartbeat := time.Now()
	lastResume := time.Now()

	for {
		select {
		case <-ctx.Done():
			logFastResumeCheckpoint(downloadPath)
			return ctx.Err()
		case <-ticker.C:
			missing := t.BytesMissing()
			if missing == 0 {
				logFastResumeCheckpoint(downloadPath)
				return st.finishDownload(ctx, job, downloadPath, provider)
			}

			if time.Since(lastHeartbeat) >= heartbeatEvery {
				current, err := st.store.GetJob(ctx, job.ID)
				if err != nil {
					return err
				}
				if current.Status == types.JobCancelled {
					logFastResumeCheckpoint(downloadPath)
					return nil
				}

				bytesDownloaded := job.TotalBytes - missing
				job.BytesDownloaded = bytesDownloaded
				job.LastHeartbeat = time.Now()
				job.CurrentStateLabel = fmt.Sprintf("downloading: %d/%d bytes", bytesDownloaded, job.TotalBytes)
				if err := st.store.UpdateJob(ctx, job); err != nil {
					return err
				}
				lastHeartbeat = time.Now()
			}

			if time.Since(lastResume) >= resumeEvery {
				logFastResumeCheckpoint(downloadPath)
				lastResume = time.Now()
			}
		}
	}
}

// logFastResumeCheckpoint records a checkpoint tick. Actual fast-resume
// persistence happens continuously: the bolt piece-completion store
// opened in Run commits each completed piece as it lands, so a crash at
// any point between checkpoints still resumes without re-downloading
// finished pieces. This just makes the checkpoint cadence of spec.md
// §4.7 step 7 visible in the logs.
func logFastResumeCheckpoint(downloadPath string) {
	log.WithComponent("download").Debug().Str("download_path", downloadPath).Msg("fast-resume checkpoint: piece completion durably persisted")
}

func (st *Stage) finishDownload(ctx context.Context, job *types.Job, downloadPath, provider string) error {
	logFastResumeCheckpoint(downloadPath)
	if err := st.engine.ApplyJob(ctx, job.ID, types.JobPendingUpload, types.SourceWorker, "", nil); err != nil {
		return err
	}
	_, err := st.events.Append(ctx, eventlog.UploadsStream(provider), map[string]interface{}{
		"jobId":            fmt.Sprintf("%d", job.ID),
		"downloadPath":     downloadPath,
		"storageProfileId": fmt.Sprintf("%d", job.StorageProfileID),
		"userId":           fmt.Sprintf("%d", job.UserID),
		"createdAt":        time.Now().Format(time.RFC3339),
	})
	return err
}

// retryOrFail routes a stage error to TORRENT_DOWNLOAD_RETRY while the
// runtime's attempt budget remains, else TORRENT_FAILED, per spec.md
// §4.7's failure semantics. The caller (background task handler)
// re-raises so asynq's own retry bookkeeping still runs.
func (st *Stage) retryOrFail(ctx context.Context, job *types.Job, stageErr *torreerr.Error) error {
	target := types.JobTorrentDownloadRetry
	if job.RetryCount >= st.cfg.AttemptLimit {
		target = types.JobTorrentFailed
	}
	if err := st.engine.ApplyJob(ctx, job.ID, target, types.SourceWorker, stageErr.Error(), nil); err != nil {
		return err
	}
	return stageErr
}

func (st *Stage) fail(ctx context.Context, job *types.Job, stageErr *torreerr.Error) error {
	if err := st.engine.ApplyJob(ctx, job.ID, types.JobTorrentFailed, types.SourceWorker, stageErr.Error(), nil); err != nil {
		return err
	}
	return stageErr
}
