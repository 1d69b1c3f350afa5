package upload

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/torreerr"
	"github.com/gitnasr/torreclou/pkg/types"
)

// TransferFile drives one file through Provider's resumable-upload
// contract (spec.md §4.8 step 6), checkpointing into TransferProgress
// after every part so a crash mid-file resumes instead of restarting.
// jobID/syncID scope the TransferProgress row: syncID is zero for an
// Upload Stage transfer, non-zero for a Sync Stage transfer, matching
// TransferProgress's own field comment. This is the single part-upload
// loop shared by pkg/upload's stage and pkg/syncstage (spec.md §9 Open
// Question (b)).
func TransferFile(ctx context.Context, p Provider, s store.Store, partSize int64, jobID, syncID int64, root string, f File) error {
	found, err := p.FindRemote(ctx, root, f.RelPath)
	if err != nil {
		return torreerr.Wrap(torreerr.ReadError, "remote existence probe failed", err)
	}
	if found {
		return nil
	}

	progress, _ := s.GetTransferProgress(ctx, jobID, syncID, f.RelPath)

	var uploadID string
	var startPart int
	var completedParts []Part

	if progress != nil && progress.Status == types.TransferInProgress && progress.ProviderUploadID != "" {
		uploadID = progress.ProviderUploadID
		startPart = progress.LastPartNumber + 1
		for _, pe := range progress.PartETags {
			completedParts = append(completedParts, Part{PartNumber: pe.PartNumber, ETag: pe.ETag})
		}
	} else {
		uploadID, err = p.InitResumable(ctx, root, f.RelPath, f.Size)
		if err != nil {
			return torreerr.Wrap(torreerr.InitUploadFailed, "failed to initiate resumable upload", err)
		}
		startPart = 1
		progress = &types.TransferProgress{
			JobID:            jobID,
			SyncID:           syncID,
			LocalFilePath:    f.RelPath,
			RemoteKey:        f.RelPath,
			ProviderUploadID: uploadID,
			PartSize:         partSize,
			TotalParts:       totalParts(f.Size, partSize),
			TotalBytes:       f.Size,
			Status:           types.TransferInProgress,
			StartedAt:        time.Now(),
		}
	}

	fh, err := os.Open(f.AbsPath)
	if err != nil {
		return torreerr.Wrap(torreerr.ReadError, "failed to open file for upload", err)
	}
	defer fh.Close()

	offset := int64(startPart-1) * partSize
	if offset > 0 {
		if _, err := fh.Seek(offset, io.SeekStart); err != nil {
			return torreerr.Wrap(torreerr.ReadError, "failed to seek to resume offset", err)
		}
	}

	for partNumber := startPart; offset < f.Size; partNumber++ {
		size := partSize
		if remaining := f.Size - offset; remaining < size {
			size = remaining
		}

		etag, err := p.UploadPart(ctx, uploadID, partNumber, io.LimitReader(fh, size), size)
		if err != nil {
			progress.LastPartNumber = partNumber - 1
			_ = s.UpsertTransferProgress(ctx, progress)
			return torreerr.Wrap(torreerr.UploadPartFailed, "part upload failed", err)
		}

		completedParts = append(completedParts, Part{PartNumber: partNumber, ETag: etag})
		progress.PartETags = append(progress.PartETags, types.PartETag{PartNumber: partNumber, ETag: etag})
		progress.PartsCompleted++
		progress.BytesUploaded += size
		progress.LastPartNumber = partNumber
		if err := s.UpsertTransferProgress(ctx, progress); err != nil {
			return err
		}
		offset += size
	}

	if err := p.CompleteResumable(ctx, uploadID, root, f.RelPath, completedParts); err != nil {
		return torreerr.Wrap(torreerr.CompleteUploadFailed, "failed to complete multipart upload", err)
	}

	return s.DeleteTransferProgress(ctx, jobID, syncID, f.RelPath)
}

func totalParts(size, partSize int64) int {
	if size == 0 {
		return 1
	}
	n := size / partSize
	if size%partSize != 0 {
		n++
	}
	return int(n)
}
