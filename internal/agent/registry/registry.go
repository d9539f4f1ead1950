// Package registry tracks the agent runs that are currently alive so they
// can be listed and stopped from outside the goroutine that owns them.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/common/logger"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// Handle is a live run.
type Handle interface {
	Info() v1.RunInfo
	Stop(ctx context.Context) error
}

// Registry is a best-effort index of live handles.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
	logger  *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		handles: make(map[string]Handle),
		logger:  log.WithFields(zap.String("component", "run-registry")),
	}
}

// Add registers h under its run id.
func (r *Registry) Add(h Handle) {
	info := h.Info()
	r.mu.Lock()
	r.handles[info.ID] = h
	r.mu.Unlock()
	r.logger.Debug("run registered", zap.String("run_id", info.ID), zap.String("folder", info.Folder))
}

// Remove forgets a run. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// Get returns the handle for id.
func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// List returns every live run, oldest first.
func (r *Registry) List() []v1.RunInfo {
	r.mu.RLock()
	out := make([]v1.RunInfo, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ByFolder returns the live runs of one workspace folder.
func (r *Registry) ByFolder(folder string) []v1.RunInfo {
	var out []v1.RunInfo
	for _, info := range r.List() {
		if info.Folder == folder {
			out = append(out, info)
		}
	}
	return out
}

// Count returns the number of live runs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Stop stops the run with the given id.
func (r *Registry) Stop(ctx context.Context, id string) error {
	h, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("run %q is not running", id)
	}
	return h.Stop(ctx)
}

// StopAll stops every live run concurrently and waits for all of them.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h Handle) {
			defer wg.Done()
			if err := h.Stop(ctx); err != nil {
				r.logger.Warn("failed to stop run", zap.String("run_id", h.Info().ID), zap.Error(err))
			}
		}(h)
	}
	wg.Wait()
}
