package statusengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s), s
}

func createQueuedJob(t *testing.T, ctx context.Context, s store.Store) *types.Job {
	t.Helper()
	job := &types.Job{UserID: 1, Status: types.JobQueued}
	require.NoError(t, s.CreateJob(ctx, job))
	return job
}

func TestApplyJob_RetryStatesAreCancellable(t *testing.T) {
	ctx := context.Background()

	t.Run("torrent download retry", func(t *testing.T) {
		e, s := newTestEngine(t)
		job := createQueuedJob(t, ctx, s)
		require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobDownloading, types.SourceWorker, "", nil))
		require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobTorrentDownloadRetry, types.SourceWorker, "boom", nil))

		require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobCancelled, types.SourceUser, "", nil))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.JobCancelled, got.Status)
	})

	t.Run("upload retry", func(t *testing.T) {
		e, s := newTestEngine(t)
		job := createQueuedJob(t, ctx, s)
		require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobDownloading, types.SourceWorker, "", nil))
		require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobPendingUpload, types.SourceWorker, "", nil))
		require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobUploading, types.SourceWorker, "", nil))
		require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobUploadRetry, types.SourceWorker, "boom", nil))

		require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobCancelled, types.SourceUser, "", nil))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, types.JobCancelled, got.Status)
	})
}

func TestApplyJob_RetryJobReopensFailedStatuses(t *testing.T) {
	ctx := context.Background()

	toUploading := []types.JobStatus{types.JobDownloading, types.JobPendingUpload, types.JobUploading}
	for _, tc := range []struct {
		failed types.JobStatus
		source types.Source
		path   []types.JobStatus
	}{
		{types.JobFailed, types.SourceRecovery, nil},
		{types.JobTorrentFailed, types.SourceWorker, []types.JobStatus{types.JobDownloading}},
		{types.JobUploadFailed, types.SourceWorker, toUploading},
		{types.JobGoogleDriveFailed, types.SourceWorker, toUploading},
	} {
		failed := tc.failed
		t.Run(string(failed), func(t *testing.T) {
			e, s := newTestEngine(t)
			job := createQueuedJob(t, ctx, s)
			for _, step := range tc.path {
				require.NoError(t, e.ApplyJob(ctx, job.ID, step, types.SourceWorker, "", nil))
			}
			require.NoError(t, e.ApplyJob(ctx, job.ID, failed, tc.source, "boom", nil))
			assert.True(t, IsFailedJobStatus(failed))

			require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobQueued, types.SourceUser, "", nil))

			got, err := s.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, types.JobQueued, got.Status)
		})
	}
}

func TestApplyJob_RetryJobRejectsSourceOtherThanUser(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	job := createQueuedJob(t, ctx, s)
	require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobDownloading, types.SourceWorker, "", nil))
	require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobTorrentFailed, types.SourceWorker, "boom", nil))

	err := e.ApplyJob(ctx, job.ID, types.JobQueued, types.SourceWorker, "", nil)
	require.Error(t, err)
}

func TestApplyJob_RetryJobRejectsNonFailedStatus(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	job := createQueuedJob(t, ctx, s)
	require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobCancelled, types.SourceUser, "", nil))

	err := e.ApplyJob(ctx, job.ID, types.JobQueued, types.SourceUser, "", nil)
	require.Error(t, err)
	assert.False(t, IsFailedJobStatus(types.JobCancelled))
}

func TestApplyJob_RecoveryCanFailAnyNonTerminalStatus(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	job := createQueuedJob(t, ctx, s)

	require.NoError(t, e.ApplyJob(ctx, job.ID, types.JobFailed, types.SourceRecovery, "exhausted retries", nil))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, got.Status)
}

func TestApplySync_RecoveryCanFailAnyNonTerminalStatus(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	sync := &types.Sync{JobID: 1, Status: types.SyncPending}
	require.NoError(t, s.CreateSync(ctx, sync))

	require.NoError(t, e.ApplySync(ctx, sync.ID, types.SyncFailed, types.SourceRecovery, "exhausted retries", nil))

	got, err := s.GetSync(ctx, sync.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SyncFailed, got.Status)
}
