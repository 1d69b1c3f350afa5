// Package recovery implements the Recovery Supervisor of spec.md
// §4.10: a background service, one per worker process, that
// periodically scans the store for stuck jobs/syncs and reconciles
// them against the background task runtime's view of reality. It
// keeps the teacher's reconciler run-loop shape (ticker + stopCh,
// independent per-kind reconcile passes that log and continue on
// error) retargeted from cluster nodes/containers to jobs/syncs.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gitnasr/torreclou/pkg/config"
	"github.com/gitnasr/torreclou/pkg/lease"
	"github.com/gitnasr/torreclou/pkg/log"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/taskqueue"
	"github.com/gitnasr/torreclou/pkg/types"
)

// ProfileQueue maps a storage profile's provider to the background
// task runtime's queue name, per spec.md §4.10's "per-provider
// strategy maps a monitored status to the correct queue".
type ProfileQueue func(profileID int64) (queue, taskType string, err error)

// Supervisor is the Recovery Supervisor.
type Supervisor struct {
	store       store.Store
	engine      *statusengine.Engine
	tasks       *taskqueue.Client
	inspector   *taskqueue.Inspector
	locker      *lease.Locker
	profileQ    ProfileQueue
	cfg         config.Config

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

func New(s store.Store, engine *statusengine.Engine, tasks *taskqueue.Client, inspector *taskqueue.Inspector, locker *lease.Locker, profileQ ProfileQueue, cfg config.Config) *Supervisor {
	return &Supervisor{
		store:     s,
		engine:    engine,
		tasks:     tasks,
		inspector: inspector,
		locker:    locker,
		profileQ:  profileQ,
		cfg:       cfg,
		logger:    log.WithComponent("recovery"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the scan loop.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop stops the scan loop.
func (s *Supervisor) Stop() {
	close(s.stopCh)
}

func (s *Supervisor) run() {
	ticker := time.NewTicker(s.cfg.RecoveryScanInterval)
	defer ticker.Stop()

	s.logger.Info().Msg("recovery supervisor started")

	for {
		select {
		case <-ticker.C:
			if err := s.scan(); err != nil {
				s.logger.Error().Err(err).Msg("recovery scan failed")
			}
		case <-s.stopCh:
			s.logger.Info().Msg("recovery supervisor stopped")
			return
		}
	}
}

// scan performs one recovery cycle. Only one worker process runs a
// scan window at a time: the leader lease gates the whole cycle, same
// as every other named lease in the system.
func (s *Supervisor) scan() error {
	ctx := context.Background()
	leaderLease, err := s.locker.Acquire(ctx, lease.RecoveryLeaderKey, s.cfg.RecoveryScanInterval)
	if err != nil {
		return err
	}
	if leaderLease == nil {
		return nil // another process holds recovery leadership this window
	}
	defer leaderLease.Release(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.scanJobs(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to scan jobs")
	}
	if err := s.scanSyncs(ctx); err != nil {
		s.logger.Error().Err(err).Msg("failed to scan syncs")
	}
	return nil
}

func (s *Supervisor) scanJobs(ctx context.Context) error {
	jobs, err := s.store.ListStaleJobs(ctx, time.Now(), s.cfg.HeartbeatStaleThreshold)
	if err != nil {
		return fmt.Errorf("list stale jobs: %w", err)
	}

	for _, job := range jobs {
		if !s.shouldRecoverJob(job) {
			continue
		}
		if err := s.recoverJob(ctx, job); err != nil {
			s.logger.Error().Err(err).Int64("job_id", job.ID).Msg("failed to recover job")
		}
	}
	return nil
}

// shouldRecoverJob consults the task runtime's monitoring view per
// spec.md §4.10's decision table.
func (s *Supervisor) shouldRecoverJob(job *types.Job) bool {
	if job.BackgroundTaskID == "" {
		return true
	}
	queue, _, err := s.queueForJob(job)
	if err != nil {
		s.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("cannot resolve queue for job, recovering")
		return true
	}
	switch s.inspector.State(queue, job.BackgroundTaskID) {
	case taskqueue.TaskEnqueued, taskqueue.TaskScheduled:
		return false // do not duplicate
	case taskqueue.TaskProcessing:
		return true // DB already flagged stale by ListStaleJobs
	case taskqueue.TaskFailed, taskqueue.TaskUnknown:
		return true
	case taskqueue.TaskSucceeded:
		return !job.Status.Terminal() // state mismatch
	default:
		return true
	}
}

func (s *Supervisor) queueForJob(job *types.Job) (queue, taskType string, err error) {
	switch job.Status {
	case types.JobQueued, types.JobDownloading, types.JobTorrentDownloadRetry:
		return "torrents", taskqueue.TypeDownload, nil
	default:
		return s.profileQ(job.StorageProfileID)
	}
}

// recoverJob implements spec.md §4.10's "Recover": bump retryCount,
// compute the backoff, transition through the Status Engine with
// source=Recovery, enqueue a fresh task, persist the new task id.
func (s *Supervisor) recoverJob(ctx context.Context, job *types.Job) error {
	next := backoff(job.RetryCount)
	retryCount := job.RetryCount + 1

	target := retryTargetForJob(job.Status)
	if target == "" {
		return fmt.Errorf("no retry target for job status %s", job.Status)
	}

	if err := s.engine.ApplyJob(ctx, job.ID, target, types.SourceRecovery, "recovered by supervisor", nil); err != nil {
		return err
	}

	queue, taskType, err := s.queueForJob(job)
	if err != nil {
		return err
	}
	taskID := fmt.Sprintf("%s:%d:%d", taskType, job.ID, retryCount)
	backgroundTaskID, err := s.tasks.Enqueue(ctx, taskType, taskID, taskqueue.Payload{JobID: job.ID}, queue, s.cfg)
	if err != nil {
		return err
	}

	job.Status = target
	job.ErrorMessage = "recovered by supervisor"
	job.RetryCount = retryCount
	job.NextRetryAt = &next
	job.BackgroundTaskID = backgroundTaskID
	return s.store.UpdateJob(ctx, job)
}

// retryTargetForJob picks a target the transition table allows from
// each stale status; QUEUED and PENDING_UPLOAD stay where they are.
func retryTargetForJob(from types.JobStatus) types.JobStatus {
	switch from {
	case types.JobQueued, types.JobPendingUpload, types.JobTorrentDownloadRetry, types.JobUploadRetry:
		return from
	case types.JobDownloading:
		return types.JobTorrentDownloadRetry
	case types.JobUploading:
		return types.JobUploadRetry
	default:
		return ""
	}
}

func (s *Supervisor) scanSyncs(ctx context.Context) error {
	syncs, err := s.store.ListStaleSyncs(ctx, time.Now(), s.cfg.HeartbeatStaleThreshold)
	if err != nil {
		return fmt.Errorf("list stale syncs: %w", err)
	}
	for _, sync := range syncs {
		if err := s.recoverSync(ctx, sync); err != nil {
			s.logger.Error().Err(err).Int64("sync_id", sync.ID).Msg("failed to recover sync")
		}
	}
	return nil
}

func (s *Supervisor) recoverSync(ctx context.Context, sync *types.Sync) error {
	next := backoff(sync.RetryCount)
	retryCount := sync.RetryCount + 1

	target := types.SyncRetry
	if sync.Status == types.SyncPending {
		target = types.SyncPending
	}
	if err := s.engine.ApplySync(ctx, sync.ID, target, types.SourceRecovery, "recovered by supervisor", nil); err != nil {
		return err
	}

	taskID := fmt.Sprintf("%s:%d:%d", taskqueue.TypeSync, sync.ID, retryCount)
	backgroundTaskID, err := s.tasks.Enqueue(ctx, taskqueue.TypeSync, taskID, taskqueue.Payload{JobID: sync.JobID, SyncID: sync.ID}, "sync", s.cfg)
	if err != nil {
		return err
	}

	sync.Status = target
	sync.ErrorMessage = "recovered by supervisor"
	sync.RetryCount = retryCount
	sync.NextRetryAt = &next
	sync.BackgroundTaskID = backgroundTaskID
	return s.store.UpdateSync(ctx, sync)
}

// backoff implements spec.md §8 testable property 8 exactly:
// next = now + min(1800, 30 × 2^min(10, retry-1)) seconds.
// retryCount is the attempt count BEFORE this recovery's increment, so
// callers must pass job.RetryCount/sync.RetryCount, not the bumped value.
func backoff(retryCount int) time.Time {
	exp := retryCount - 1
	if exp > 10 {
		exp = 10
	}
	if exp < 0 {
		exp = 0
	}
	seconds := 30 * (1 << uint(exp))
	if seconds > 1800 {
		seconds = 1800
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
