package api

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitnasr/torreclou/pkg/eventlog"
	"github.com/gitnasr/torreclou/pkg/profile"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/torreerr"
	"github.com/gitnasr/torreclou/pkg/types"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()

	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	profiles := profile.NewInMemoryReader()
	profiles.Put(&types.StorageProfile{ID: 1, UserID: 42, Provider: types.ProviderGoogleDrive, IsActive: true, IsDefault: true})
	profiles.Put(&types.StorageProfile{ID: 2, UserID: 42, Provider: types.ProviderS3, IsActive: false, IsDefault: false})

	engine := statusengine.New(s)
	events := eventlog.New(rdb)
	return NewFacade(s, engine, profiles, events)
}

func TestCreateAndDispatchJob_UsesDefaultProfile(t *testing.T) {
	f := newTestFacade(t)

	res, err := f.CreateAndDispatchJob(context.Background(), CreateJobRequest{
		RequestedFileID:   100,
		UserID:            42,
		SelectedFilePaths: []string{"movie.mkv"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.StorageProfileID)
	assert.False(t, res.HasStorageProfileWarning)

	job, err := f.store.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, job.Status)

	history, err := f.store.ListJobHistory(context.Background(), res.JobID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "", history[0].FromStatus)
	assert.Equal(t, string(types.JobQueued), history[0].ToStatus)
}

func TestCreateAndDispatchJob_NoDefaultProfileWarns(t *testing.T) {
	f := newTestFacade(t)

	res, err := f.CreateAndDispatchJob(context.Background(), CreateJobRequest{
		RequestedFileID: 100,
		UserID:          999, // no profiles configured
	})
	require.NoError(t, err)
	assert.True(t, res.HasStorageProfileWarning)
	assert.NotEmpty(t, res.StorageProfileWarningMessage)
	assert.Zero(t, res.StorageProfileID)
}

func TestCreateAndDispatchJob_InactiveProfileRejected(t *testing.T) {
	f := newTestFacade(t)
	profileID := int64(2)

	_, err := f.CreateAndDispatchJob(context.Background(), CreateJobRequest{
		RequestedFileID:  100,
		UserID:           42,
		StorageProfileID: &profileID,
	})
	require.Error(t, err)
	code, ok := torreerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, torreerr.InvalidProfile, code)
}

func TestCreateAndDispatchJob_DuplicateRejected(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	_, err := f.CreateAndDispatchJob(ctx, CreateJobRequest{RequestedFileID: 100, UserID: 42})
	require.NoError(t, err)

	_, err = f.CreateAndDispatchJob(ctx, CreateJobRequest{RequestedFileID: 100, UserID: 42})
	require.Error(t, err)
	code, ok := torreerr.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, torreerr.JobAlreadyExists, code)
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()

	t.Run("owner can cancel a queued job", func(t *testing.T) {
		f := newTestFacade(t)
		res, err := f.CreateAndDispatchJob(ctx, CreateJobRequest{RequestedFileID: 1, UserID: 42})
		require.NoError(t, err)

		require.NoError(t, f.CancelJob(ctx, res.JobID, 42, RoleUser))

		job, err := f.store.GetJob(ctx, res.JobID)
		require.NoError(t, err)
		assert.Equal(t, types.JobCancelled, job.Status)
	})

	t.Run("other user is denied", func(t *testing.T) {
		f := newTestFacade(t)
		res, err := f.CreateAndDispatchJob(ctx, CreateJobRequest{RequestedFileID: 1, UserID: 42})
		require.NoError(t, err)

		err = f.CancelJob(ctx, res.JobID, 7, RoleUser)
		require.Error(t, err)
		code, _ := torreerr.CodeOf(err)
		assert.Equal(t, torreerr.AccessDenied, code)
	})

	t.Run("finalizing upload is not cancellable", func(t *testing.T) {
		f := newTestFacade(t)
		res, err := f.CreateAndDispatchJob(ctx, CreateJobRequest{RequestedFileID: 1, UserID: 42})
		require.NoError(t, err)

		require.NoError(t, f.engine.ApplyJob(ctx, res.JobID, types.JobDownloading, types.SourceWorker, "", nil))
		require.NoError(t, f.engine.ApplyJob(ctx, res.JobID, types.JobPendingUpload, types.SourceWorker, "", nil))
		require.NoError(t, f.engine.ApplyJob(ctx, res.JobID, types.JobUploading, types.SourceWorker, "", nil))

		err = f.CancelJob(ctx, res.JobID, 42, RoleUser)
		require.Error(t, err)
		code, _ := torreerr.CodeOf(err)
		assert.Equal(t, torreerr.JobNotCancellable, code)
	})
}

func TestRetryJob(t *testing.T) {
	ctx := context.Background()

	f := newTestFacade(t)
	res, err := f.CreateAndDispatchJob(ctx, CreateJobRequest{RequestedFileID: 1, UserID: 42})
	require.NoError(t, err)

	require.NoError(t, f.engine.ApplyJob(ctx, res.JobID, types.JobDownloading, types.SourceWorker, "", nil))
	require.NoError(t, f.engine.ApplyJob(ctx, res.JobID, types.JobTorrentFailed, types.SourceWorker, "boom", nil))

	require.NoError(t, f.RetryJob(ctx, res.JobID, 42, RoleUser))

	job, err := f.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, job.Status)
	assert.Empty(t, job.ErrorMessage)
	assert.Nil(t, job.CompletedAt)

	// Retrying an already-queued job reports JobRetrying, not ok.
	err = f.RetryJob(ctx, res.JobID, 42, RoleUser)
	require.Error(t, err)
	code, _ := torreerr.CodeOf(err)
	assert.Equal(t, torreerr.JobRetrying, code)
}
