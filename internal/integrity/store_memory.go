package integrity

import (
	"context"
	"sync"

	"github.com/zenith/forensics/internal/core"
	"github.com/zenith/forensics/internal/store"
)

// MemoryRegistryStore keeps registry entries in process, ordered per
// project. Used by tests and single-node development.
type MemoryRegistryStore struct {
	mu      sync.RWMutex
	byProj  map[string][]*core.RegistryEntry
	byHash  map[string]*core.RegistryEntry
}

// NewMemoryRegistryStore creates an empty store.
func NewMemoryRegistryStore() *MemoryRegistryStore {
	return &MemoryRegistryStore{
		byProj: make(map[string][]*core.RegistryEntry),
		byHash: make(map[string]*core.RegistryEntry),
	}
}

func (m *MemoryRegistryStore) AppendEntry(_ context.Context, e *core.RegistryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.byProj[e.ProjectID] = append(m.byProj[e.ProjectID], &cp)
	m.byHash[e.FileHash] = &cp
	return nil
}

func (m *MemoryRegistryStore) LastEntry(_ context.Context, projectID string) (*core.RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.byProj[projectID]
	if len(entries) == 0 {
		return nil, store.ErrNotFound
	}
	cp := *entries[len(entries)-1]
	return &cp, nil
}

func (m *MemoryRegistryStore) GetByFileHash(_ context.Context, fileHash string) (*core.RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byHash[fileHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryRegistryStore) ListEntries(_ context.Context, projectID string) ([]*core.RegistryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.byProj[projectID]
	out := make([]*core.RegistryEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}
