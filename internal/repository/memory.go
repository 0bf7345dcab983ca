package repository

import (
	"context"
	"sync"
	"time"

	"github.com/driftbyte/mediaflow/internal/model"
)

// MemoryStore is an in-memory AssetStore backed by an RWMutex-guarded map.
// It backs unit tests and the local demo mode where Postgres is absent.
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[string]*model.Asset
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets: make(map[string]*model.Asset),
	}
}

// Create inserts a pending asset.
func (m *MemoryStore) Create(_ context.Context, asset *model.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	asset.Status = model.StatusPending
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	asset.UpdatedAt = now
	cp := cloneAsset(asset)
	m.assets[asset.ID] = cp
	return nil
}

// Get returns a copy of the stored asset.
func (m *MemoryStore) Get(_ context.Context, id string) (*model.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asset, ok := m.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAsset(asset), nil
}

// MarkProcessing flips the row into processing and clears the diagnostic.
func (m *MemoryStore) MarkProcessing(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, ok := m.assets[id]
	if !ok {
		return ErrNotFound
	}
	asset.Status = model.StatusProcessing
	asset.ProcessingError = nil
	asset.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed records a terminal failure.
func (m *MemoryStore) MarkFailed(_ context.Context, id string, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, ok := m.assets[id]
	if !ok {
		return ErrNotFound
	}
	asset.Status = model.StatusFailed
	asset.ProcessingError = &msg
	asset.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkProcessed records a terminal processed transition.
func (m *MemoryStore) MarkProcessed(_ context.Context, id string, u ProcessedUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, ok := m.assets[id]
	if !ok {
		return ErrNotFound
	}
	asset.Status = model.StatusProcessed
	if u.ProcessedPath != nil {
		p := *u.ProcessedPath
		asset.ProcessedPath = &p
	}
	if len(u.ProcessedPaths) > 0 {
		asset.ProcessedPaths = make(map[model.Quality]string, len(u.ProcessedPaths))
		for q, p := range u.ProcessedPaths {
			asset.ProcessedPaths[q] = p
		}
	}
	if u.ThumbnailPath != nil {
		t := *u.ThumbnailPath
		asset.ThumbnailPath = &t
	}
	asset.ProcessingError = u.ProcessingError
	if u.OptimizedSizeBytes > 0 {
		asset.OptimizedSizeBytes = u.OptimizedSizeBytes
	}
	asset.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneAsset(a *model.Asset) *model.Asset {
	cp := *a
	if a.ProcessedPath != nil {
		p := *a.ProcessedPath
		cp.ProcessedPath = &p
	}
	if a.ThumbnailPath != nil {
		t := *a.ThumbnailPath
		cp.ThumbnailPath = &t
	}
	if a.ProcessingError != nil {
		e := *a.ProcessingError
		cp.ProcessingError = &e
	}
	if a.ProcessedPaths != nil {
		cp.ProcessedPaths = make(map[model.Quality]string, len(a.ProcessedPaths))
		for q, p := range a.ProcessedPaths {
			cp.ProcessedPaths[q] = p
		}
	}
	return &cp
}
