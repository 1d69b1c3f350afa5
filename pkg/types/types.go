// Package types holds the shared domain entities of the job lifecycle
// engine: jobs, syncs, their status history, and per-file transfer
// progress. Nothing in this package talks to a store or a transport.
package types

import "time"

// JobStatus is a status of a Job. The legal transitions between
// statuses are enforced by pkg/statusengine, not by this type.
type JobStatus string

const (
	JobQueued               JobStatus = "QUEUED"
	JobDownloading          JobStatus = "DOWNLOADING"
	JobPendingUpload        JobStatus = "PENDING_UPLOAD"
	JobUploading            JobStatus = "UPLOADING"
	JobTorrentDownloadRetry JobStatus = "TORRENT_DOWNLOAD_RETRY"
	JobUploadRetry          JobStatus = "UPLOAD_RETRY"
	JobCompleted            JobStatus = "COMPLETED"
	JobFailed               JobStatus = "FAILED"
	JobCancelled            JobStatus = "CANCELLED"
	JobTorrentFailed        JobStatus = "TORRENT_FAILED"
	JobUploadFailed         JobStatus = "UPLOAD_FAILED"
	JobGoogleDriveFailed    JobStatus = "GOOGLE_DRIVE_FAILED"
)

// Terminal reports whether no further transition is legal from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTorrentFailed, JobUploadFailed, JobGoogleDriveFailed:
		return true
	default:
		return false
	}
}

// SyncStatus is a status of a Sync row.
type SyncStatus string

const (
	SyncPending   SyncStatus = "PENDING"
	SyncSyncing   SyncStatus = "SYNCING"
	SyncRetry     SyncStatus = "SYNC_RETRY"
	SyncCompleted SyncStatus = "COMPLETED"
	SyncFailed    SyncStatus = "FAILED"
)

func (s SyncStatus) Terminal() bool {
	return s == SyncCompleted || s == SyncFailed
}

// ProviderType identifies the cloud destination of a storage profile.
type ProviderType string

const (
	ProviderGoogleDrive ProviderType = "GoogleDrive"
	ProviderS3          ProviderType = "S3"
	ProviderOneDrive    ProviderType = "OneDrive"
	ProviderDropbox     ProviderType = "Dropbox"
)

// Job is one user request: a selected-files download followed by an
// upload and, for S3-backed profiles, a sync.
type Job struct {
	ID                int64
	UserID            int64
	StorageProfileID  int64
	RequestedFileID   int64
	Status            JobStatus
	SelectedFilePaths []string
	DownloadPath      string
	BytesDownloaded   int64
	TotalBytes        int64
	StartedAt         *time.Time
	CompletedAt       *time.Time
	LastHeartbeat     time.Time
	BackgroundTaskID  string
	ErrorMessage      string
	CurrentStateLabel string
	RetryCount        int
	NextRetryAt       *time.Time
	CreatedAt         time.Time
}

// Sync is the mirror-to-S3 child stage of a Job, created once the Job
// has passed through PENDING_UPLOAD for an S3-compatible profile.
type Sync struct {
	ID               int64
	JobID            int64
	Status           SyncStatus
	LocalFilePath    string
	S3KeyPrefix      string
	TotalBytes       int64
	BytesSynced      int64
	FilesTotal       int
	FilesSynced      int
	RetryCount       int
	NextRetryAt      *time.Time
	LastHeartbeat    time.Time
	BackgroundTaskID string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ErrorMessage     string
}

// Source identifies who initiated a status transition.
type Source string

const (
	SourceWorker   Source = "Worker"
	SourceUser     Source = "User"
	SourceSystem   Source = "System"
	SourceRecovery Source = "Recovery"
)

// ParentKind distinguishes a Job history row from a Sync history row.
type ParentKind string

const (
	ParentJob  ParentKind = "job"
	ParentSync ParentKind = "sync"
)

// StatusHistory is one audit row for a Job or a Sync. The same shape
// serves both entities; ParentKind distinguishes them in storage.
type StatusHistory struct {
	ID           string
	ParentKind   ParentKind
	ParentID     int64
	FromStatus   string // empty for the initial entry
	ToStatus     string
	Source       Source
	ErrorMessage string
	Metadata     map[string]string
	ChangedAt    time.Time
}

// TransferProgressStatus is the terminal state of a resumable upload
// checkpoint.
type TransferProgressStatus string

const (
	TransferInProgress TransferProgressStatus = "InProgress"
	TransferCompleted  TransferProgressStatus = "Completed"
	TransferFailed     TransferProgressStatus = "Failed"
)

// PartETag is one completed multipart segment.
type PartETag struct {
	PartNumber int
	ETag       string
}

// TransferProgress is a per-file resumable-upload checkpoint, keyed by
// (JobID, LocalFilePath) or, during the sync stage, (JobID, SyncID,
// LocalFilePath).
type TransferProgress struct {
	JobID            int64
	SyncID           int64 // zero when this checkpoint belongs to the upload stage
	LocalFilePath    string
	RemoteKey        string
	ProviderUploadID string
	PartSize         int64
	TotalParts       int
	PartsCompleted   int
	BytesUploaded    int64
	TotalBytes       int64
	PartETags        []PartETag
	LastPartNumber   int
	Status           TransferProgressStatus
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// StorageProfile is read-only from the core's perspective; it is
// supplied by an external collaborator (pkg/profile.Reader).
type StorageProfile struct {
	ID              int64
	UserID          int64
	ProfileName     string
	Provider        ProviderType
	CredentialsJSON []byte
	Email           string
	IsActive        bool
	IsDefault       bool
}
