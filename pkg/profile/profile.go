// Package profile is the read-only collaborator interface to the
// StorageProfile entity (spec.md §3, §6). The core never writes a
// profile back; it only reads Provider and CredentialsJSON to pick a
// stage and authenticate.
package profile

import (
	"context"
	"fmt"
	"sync"

	"github.com/gitnasr/torreclou/pkg/types"
)

// Reader loads a StorageProfile by id, or a user's default profile.
// The real implementation lives outside this module (storage-profile
// CRUD is an external collaborator per spec.md §1); tests and the
// sample CLI use InMemoryReader.
type Reader interface {
	Get(ctx context.Context, id int64) (*types.StorageProfile, error)
	// GetDefault resolves the active, default profile for userID, for
	// create-and-dispatch-job calls that omit storageProfileId
	// (spec.md §6). ErrNoDefaultProfile if none is configured.
	GetDefault(ctx context.Context, userID int64) (*types.StorageProfile, error)
}

// ErrNoDefaultProfile is returned by GetDefault when userID has no
// active, default storage profile configured.
var ErrNoDefaultProfile = fmt.Errorf("no default storage profile configured")

// InMemoryReader is a fixed-map Reader used by tests and local runs.
type InMemoryReader struct {
	mu       sync.RWMutex
	profiles map[int64]*types.StorageProfile
}

func NewInMemoryReader() *InMemoryReader {
	return &InMemoryReader{profiles: make(map[int64]*types.StorageProfile)}
}

func (r *InMemoryReader) Put(p *types.StorageProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID] = p
}

func (r *InMemoryReader) Get(_ context.Context, id int64) (*types.StorageProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("storage profile not found: %d", id)
	}
	return p, nil
}

func (r *InMemoryReader) GetDefault(_ context.Context, userID int64) (*types.StorageProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.profiles {
		if p.UserID == userID && p.IsDefault && p.IsActive {
			return p, nil
		}
	}
	return nil, ErrNoDefaultProfile
}
