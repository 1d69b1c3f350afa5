// Package requestedfile is the read-only collaborator interface to
// the external RequestedFile entity (spec.md §3, §6): the torrent
// input a Job's download stage resolves a job's requestedFileId
// against, mirroring pkg/profile's Reader shape for the same
// "read-only from the core's perspective" entity class.
package requestedfile

import (
	"context"
	"fmt"
	"sync"

	"github.com/gitnasr/torreclou/pkg/types"
)

// RequestedFile is the subset of the external entity the Download
// Stage needs: where to load the torrent from, and which provider a
// freshly-created Job without an explicit storage profile should
// assume (used only as a hint; the storage profile is authoritative).
type RequestedFile struct {
	ID           int64
	TorrentPath  string
	ProviderHint types.ProviderType
}

// Reader loads a RequestedFile by id. The real implementation lives
// outside this module; tests and the sample CLI use InMemoryReader.
type Reader interface {
	Get(ctx context.Context, id int64) (*RequestedFile, error)
}

// InMemoryReader is a fixed-map Reader used by tests and local runs.
type InMemoryReader struct {
	mu    sync.RWMutex
	files map[int64]*RequestedFile
}

func NewInMemoryReader() *InMemoryReader {
	return &InMemoryReader{files: make(map[int64]*RequestedFile)}
}

func (r *InMemoryReader) Put(f *RequestedFile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[f.ID] = f
}

func (r *InMemoryReader) Get(_ context.Context, id int64) (*RequestedFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.files[id]
	if !ok {
		return nil, fmt.Errorf("requested file not found: %d", id)
	}
	return f, nil
}
