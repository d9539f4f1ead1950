package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// MemoryRepository keeps workspaces in memory.
type MemoryRepository struct {
	mu         sync.RWMutex
	workspaces map[string]*v1.WorkspaceConfig
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a repository seeded with the given
// workspaces.
func NewMemoryRepository(seed ...*v1.WorkspaceConfig) *MemoryRepository {
	r := &MemoryRepository{workspaces: make(map[string]*v1.WorkspaceConfig)}
	for _, ws := range seed {
		_ = r.Upsert(context.Background(), ws)
	}
	return r
}

// Get returns a copy of the workspace.
func (r *MemoryRepository) Get(ctx context.Context, folder string) (*v1.WorkspaceConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.workspaces[folder]
	if !ok {
		return nil, notFound(folder)
	}
	return clone(ws), nil
}

// List returns all workspaces ordered by folder.
func (r *MemoryRepository) List(ctx context.Context) ([]*v1.WorkspaceConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*v1.WorkspaceConfig, 0, len(r.workspaces))
	for _, ws := range r.workspaces {
		out = append(out, clone(ws))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out, nil
}

// Upsert stores a copy of ws.
func (r *MemoryRepository) Upsert(ctx context.Context, ws *v1.WorkspaceConfig) error {
	if err := validate(ws); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := clone(ws)
	if existing, ok := r.workspaces[ws.Folder]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.workspaces[ws.Folder] = cp
	return nil
}

// Delete removes a workspace.
func (r *MemoryRepository) Delete(ctx context.Context, folder string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workspaces[folder]; !ok {
		return notFound(folder)
	}
	delete(r.workspaces, folder)
	return nil
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}
