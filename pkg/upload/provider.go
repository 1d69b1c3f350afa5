// Package upload implements the provider-agnostic Upload Stage of
// spec.md §4.8 over a small Provider capability contract, with two
// concrete transports: Google Drive (drive.go) and S3-compatible
// object storage (s3.go). One stage function walks the file list and
// calls whichever Provider is wired in, instead of a base-class/
// subclass pair.
package upload

import (
	"context"
	"io"

	"github.com/gitnasr/torreclou/pkg/types"
)

// Part is one completed multipart segment, handed to CompleteResumable.
type Part struct {
	PartNumber int
	ETag       string
}

// Provider is the transport contract the Upload Stage drives. Each
// implementation owns its own credential/lease bookkeeping; the stage
// only ever calls through this interface.
type Provider interface {
	// Name identifies the provider for logging and stream routing.
	Name() string

	// LeaseKey returns the distributed-lease key for jobID (spec.md §4.3).
	LeaseKey(jobID int64) string

	// Validate checks that profile matches this provider and that any
	// profile-level credentials are usable (spec.md §4.8 step 4).
	Validate(ctx context.Context, job *types.Job, profile *types.StorageProfile) error

	// RemoteRoot resolves (creating if necessary) the destination
	// folder/prefix for job, returning an opaque root handle threaded
	// back through FindRemote/InitResumable.
	RemoteRoot(ctx context.Context, job *types.Job) (root string, err error)

	// FindRemote reports whether relPath already exists under root,
	// per spec.md §4.8 step 6's "query the remote for pre-existing
	// object of the same name".
	FindRemote(ctx context.Context, root, relPath string) (found bool, err error)

	// InitResumable begins a resumable/multipart upload session for
	// relPath of the given size, returning a provider upload id.
	InitResumable(ctx context.Context, root, relPath string, size int64) (uploadID string, err error)

	// UploadPart uploads one part of size bytes read from r, returning
	// its ETag.
	UploadPart(ctx context.Context, uploadID string, partNumber int, r io.Reader, size int64) (etag string, err error)

	// CompleteResumable finalizes the upload session with the
	// collected parts.
	CompleteResumable(ctx context.Context, uploadID, root, relPath string, parts []Part) error

	// OnAllFilesUploaded runs spec.md §4.8 step 7's provider-dependent
	// completion: Drive transitions the Job to COMPLETED directly; S3
	// instead creates the Sync row and hands off to sync:stream,
	// leaving the Job in UPLOADING until the Sync Stage completes it.
	OnAllFilesUploaded(ctx context.Context, job *types.Job) error

	// FailureStatus is the terminal Job status a non-retryable failure
	// routes to (GOOGLE_DRIVE_FAILED for Drive, UPLOAD_FAILED for S3).
	FailureStatus() types.JobStatus
}
