// Package statusengine is the sole gatekeeper of Job and Sync status
// changes (spec.md §4.2). Every caller — stages, the dispatcher, the
// recovery supervisor — presents a target status, a source tag, and
// optional metadata; the engine rejects illegal transitions, writes
// the audit row, and commits the new status in one transaction.
package statusengine

import (
	"context"
	"fmt"
	"time"

	"github.com/gitnasr/torreclou/pkg/log"
	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/torreerr"
	"github.com/gitnasr/torreclou/pkg/types"
)

// jobTransitions is the legal-transition table of spec.md §4.2. Any
// (from, to) pair not present here is rejected.
//
// TORRENT_DOWNLOAD_RETRY->CANCELLED and UPLOAD_RETRY->CANCELLED are not
// in §4.2's literal table; they are a deliberate widening so a user can
// still cancel a job sitting in a retry-wait window instead of it being
// stuck until the next retry fires. TestApplyJob_RetryStatesAreCancellable
// pins this behavior.
var jobTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobQueued: {
		types.JobDownloading,
		types.JobCancelled,
	},
	types.JobDownloading: {
		types.JobPendingUpload,
		types.JobTorrentDownloadRetry,
		types.JobTorrentFailed,
		types.JobCancelled,
	},
	types.JobTorrentDownloadRetry: {
		types.JobDownloading,
		types.JobTorrentFailed,
		types.JobCancelled, // widening, see table comment above
	},
	types.JobPendingUpload: {
		types.JobUploading,
		types.JobCancelled,
	},
	types.JobUploading: {
		types.JobCompleted,
		types.JobPendingUpload, // legal edge, but no caller applies it: the S3 hand-off to the sync stage leaves the Job UPLOADING
		types.JobUploadRetry,
		types.JobUploadFailed,
		types.JobGoogleDriveFailed,
	},
	types.JobUploadRetry: {
		types.JobUploading,
		types.JobUploadFailed,
		types.JobCancelled, // widening, see table comment above
	},
}

// syncTransitions is the Sync equivalent.
var syncTransitions = map[types.SyncStatus][]types.SyncStatus{
	types.SyncPending: {types.SyncSyncing},
	types.SyncSyncing: {types.SyncCompleted, types.SyncRetry, types.SyncFailed},
	types.SyncRetry:   {types.SyncSyncing, types.SyncFailed},
}

// Engine applies status transitions for one Store.
type Engine struct {
	store store.Store
}

func New(s store.Store) *Engine {
	return &Engine{store: s}
}

// ApplyJob enforces the transition legality of spec.md §4.2 for a Job:
// reject-first, mutate-second. Recovery is also permitted to move any
// non-terminal status to FAILED once the runtime's attempt budget is
// exhausted, per spec.md §4.2's catch-all rule. A no-op transition on a
// non-terminal status is accepted only when it carries an error message.
func (e *Engine) ApplyJob(ctx context.Context, jobID int64, target types.JobStatus, source types.Source, errMsg string, metadata map[string]string) error {
	logger := log.WithComponent("statusengine").With().Int64("job_id", jobID).Logger()

	return e.store.WithJobTransaction(ctx, func(tx store.JobTx) error {
		job, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}

		if job.Status == target && errMsg == "" {
			return torreerr.New(torreerr.IllegalTransition, fmt.Sprintf("no-op transition %s -> %s rejected without an error message", job.Status, target))
		}

		if !jobTransitionLegal(job.Status, target, source) {
			return torreerr.New(torreerr.IllegalTransition, fmt.Sprintf("illegal job transition %s -> %s", job.Status, target))
		}

		from := job.Status
		job.Status = target
		job.ErrorMessage = errMsg
		if target.Terminal() && job.CompletedAt == nil {
			now := time.Now()
			job.CompletedAt = &now
		}

		if err := tx.PutJob(job); err != nil {
			return err
		}
		h := &types.StatusHistory{
			ParentKind:   types.ParentJob,
			ParentID:     jobID,
			FromStatus:   string(from),
			ToStatus:     string(target),
			Source:       source,
			ErrorMessage: errMsg,
			Metadata:     metadata,
			ChangedAt:    time.Now(),
		}
		if err := tx.AppendHistory(h); err != nil {
			return err
		}
		logger.Info().Str("from", string(from)).Str("to", string(target)).Str("source", string(source)).Msg("job status transition")
		return nil
	})
}

// failedJobStatuses are the terminal-by-failure statuses retry-job
// (spec.md §6) is allowed to reopen; CANCELLED and COMPLETED are
// terminal but not failures, so retry-job does not apply to them.
var failedJobStatuses = map[types.JobStatus]bool{
	types.JobFailed:            true,
	types.JobTorrentFailed:     true,
	types.JobUploadFailed:      true,
	types.JobGoogleDriveFailed: true,
}

// IsFailedJobStatus reports whether status is one retry-job (spec.md
// §6) may reopen back to QUEUED.
func IsFailedJobStatus(status types.JobStatus) bool {
	return failedJobStatuses[status]
}

// jobTransitionLegal allows Recovery to drive any non-terminal status
// to FAILED (spec.md §4.2 "Any non-terminal status → FAILED by
// Recovery after exhaustion"), and a User to reopen a failed job back
// to QUEUED (spec.md §6 retry-job), in addition to the explicit table.
// A no-op on a non-terminal status is legal here; ApplyJob rejects it
// when no error message is attached.
func jobTransitionLegal(from, to types.JobStatus, source types.Source) bool {
	if from == to && !from.Terminal() {
		return true
	}
	if to == types.JobFailed && source == types.SourceRecovery && !from.Terminal() {
		return true
	}
	if to == types.JobQueued && source == types.SourceUser && failedJobStatuses[from] {
		return true
	}
	for _, legal := range jobTransitions[from] {
		if legal == to {
			return true
		}
	}
	return false
}

// RecordInitialJob writes the single `fromStatus=null, toStatus=QUEUED,
// source=System` history row required when a Job is first created.
func (e *Engine) RecordInitialJob(ctx context.Context, jobID int64) error {
	return e.store.AppendJobHistory(ctx, &types.StatusHistory{
		ParentKind: types.ParentJob,
		ParentID:   jobID,
		FromStatus: "",
		ToStatus:   string(types.JobQueued),
		Source:     types.SourceSystem,
		ChangedAt:  time.Now(),
	})
}

// ApplySync is the Sync-row equivalent of ApplyJob.
func (e *Engine) ApplySync(ctx context.Context, syncID int64, target types.SyncStatus, source types.Source, errMsg string, metadata map[string]string) error {
	logger := log.WithComponent("statusengine").With().Int64("sync_id", syncID).Logger()

	return e.store.WithSyncTransaction(ctx, func(tx store.SyncTx) error {
		sync, err := tx.GetSync(syncID)
		if err != nil {
			return err
		}

		if sync.Status == target && errMsg == "" {
			return torreerr.New(torreerr.IllegalTransition, fmt.Sprintf("no-op transition %s -> %s rejected without an error message", sync.Status, target))
		}

		if !syncTransitionLegal(sync.Status, target, source) {
			return torreerr.New(torreerr.IllegalTransition, fmt.Sprintf("illegal sync transition %s -> %s", sync.Status, target))
		}

		from := sync.Status
		sync.Status = target
		sync.ErrorMessage = errMsg
		if target.Terminal() && sync.CompletedAt == nil {
			now := time.Now()
			sync.CompletedAt = &now
		}

		if err := tx.PutSync(sync); err != nil {
			return err
		}
		h := &types.StatusHistory{
			ParentKind:   types.ParentSync,
			ParentID:     syncID,
			FromStatus:   string(from),
			ToStatus:     string(target),
			Source:       source,
			ErrorMessage: errMsg,
			Metadata:     metadata,
			ChangedAt:    time.Now(),
		}
		if err := tx.AppendHistory(h); err != nil {
			return err
		}
		logger.Info().Str("from", string(from)).Str("to", string(target)).Str("source", string(source)).Msg("sync status transition")
		return nil
	})
}

func syncTransitionLegal(from, to types.SyncStatus, source types.Source) bool {
	if from == to && !from.Terminal() {
		return true
	}
	if to == types.SyncFailed && source == types.SourceRecovery && !from.Terminal() {
		return true
	}
	for _, legal := range syncTransitions[from] {
		if legal == to {
			return true
		}
	}
	return false
}

// RecordInitialSync is the Sync equivalent of RecordInitialJob.
func (e *Engine) RecordInitialSync(ctx context.Context, syncID int64) error {
	return e.store.AppendSyncHistory(ctx, &types.StatusHistory{
		ParentKind: types.ParentSync,
		ParentID:   syncID,
		FromStatus: "",
		ToStatus:   string(types.SyncPending),
		Source:     types.SourceSystem,
		ChangedAt:  time.Now(),
	})
}
