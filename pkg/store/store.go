// Package store is the transactional repository of spec.md §4.1: Job,
// Sync, StatusHistory, and TransferProgress persistence. Every
// mutation that touches more than one row for the same entity commits
// inside a single transaction; no cross-job transaction is ever
// required.
package store

import (
	"context"
	"time"

	"github.com/gitnasr/torreclou/pkg/types"
)

// Filter narrows a List call. Zero values are "don't filter on this field".
type Filter struct {
	UserID           int64
	StorageProfileID int64
	Statuses         []types.JobStatus
}

// Store is the Job Store's full surface. BoltStore is the only
// implementation; tests and other packages depend on this interface
// so a fake can stand in without a real bbolt file.
type Store interface {
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id int64) (*types.Job, error)
	ListJobs(ctx context.Context, f Filter) ([]*types.Job, error)
	UpdateJob(ctx context.Context, job *types.Job) error

	CreateSync(ctx context.Context, sync *types.Sync) error
	GetSync(ctx context.Context, id int64) (*types.Sync, error)
	GetSyncByJobID(ctx context.Context, jobID int64) (*types.Sync, error)
	UpdateSync(ctx context.Context, sync *types.Sync) error

	AppendJobHistory(ctx context.Context, h *types.StatusHistory) error
	AppendSyncHistory(ctx context.Context, h *types.StatusHistory) error
	ListJobHistory(ctx context.Context, jobID int64) ([]*types.StatusHistory, error)
	ListSyncHistory(ctx context.Context, syncID int64) ([]*types.StatusHistory, error)

	UpsertTransferProgress(ctx context.Context, tp *types.TransferProgress) error
	GetTransferProgress(ctx context.Context, jobID, syncID int64, localFilePath string) (*types.TransferProgress, error)
	ListTransferProgress(ctx context.Context, jobID, syncID int64) ([]*types.TransferProgress, error)
	DeleteTransferProgress(ctx context.Context, jobID, syncID int64, localFilePath string) error

	// ListStaleJobs and ListStaleSyncs serve the Recovery Supervisor's
	// candidate scan (spec.md §4.10): retry-due, heartbeat-stale, or
	// queued-with-no-task entities as of now.
	ListStaleJobs(ctx context.Context, now time.Time, heartbeatThreshold time.Duration) ([]*types.Job, error)
	ListStaleSyncs(ctx context.Context, now time.Time, heartbeatThreshold time.Duration) ([]*types.Sync, error)

	// WithJobTransaction runs fn with a handle that lets the Status
	// Engine write the Job row and its history row atomically.
	WithJobTransaction(ctx context.Context, fn func(tx JobTx) error) error
	// WithSyncTransaction is the Sync-row equivalent.
	WithSyncTransaction(ctx context.Context, fn func(tx SyncTx) error) error

	Close() error
}

// JobTx is the scoped unit-of-work handle passed to WithJobTransaction.
type JobTx interface {
	GetJob(id int64) (*types.Job, error)
	PutJob(job *types.Job) error
	AppendHistory(h *types.StatusHistory) error
}

// SyncTx is the scoped unit-of-work handle passed to WithSyncTransaction.
type SyncTx interface {
	GetSync(id int64) (*types.Sync, error)
	PutSync(sync *types.Sync) error
	AppendHistory(h *types.StatusHistory) error
}
