// Package repository provides the workspace sources foldrun reads
// WorkspaceConfigs from.
package repository

import (
	"context"

	"github.com/kandev/foldrun/internal/agent/mounts"
	"github.com/kandev/foldrun/internal/common/errors"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// Repository defines the interface for workspace storage operations.
type Repository interface {
	Get(ctx context.Context, folder string) (*v1.WorkspaceConfig, error)
	List(ctx context.Context) ([]*v1.WorkspaceConfig, error)
	Upsert(ctx context.Context, ws *v1.WorkspaceConfig) error
	Delete(ctx context.Context, folder string) error

	// Close closes the repository (for database connections)
	Close() error
}

func notFound(folder string) error {
	return errors.NotFound("workspace", folder)
}

func validate(ws *v1.WorkspaceConfig) error {
	if ws == nil {
		return errors.BadRequest("workspace is required")
	}
	if !mounts.ValidName(ws.Folder) {
		return errors.ValidationError("folder", "must be 1-64 letters, digits, '-' or '_' and start with a letter or digit")
	}
	if ws.Mode != "" && !ws.Mode.Valid() {
		return errors.ValidationError("mode", "must be container or host")
	}
	return nil
}

// clone deep-copies ws so callers never share slices or maps with the store.
func clone(ws *v1.WorkspaceConfig) *v1.WorkspaceConfig {
	cp := *ws
	if ws.AdditionalMounts != nil {
		cp.AdditionalMounts = make([]v1.AdditionalMount, len(ws.AdditionalMounts))
		for i, m := range ws.AdditionalMounts {
			if m.ReadOnly != nil {
				ro := *m.ReadOnly
				m.ReadOnly = &ro
			}
			cp.AdditionalMounts[i] = m
		}
	}
	if ws.Skills != nil {
		cp.Skills = append([]string(nil), ws.Skills...)
	}
	if ws.ProviderOverrides != nil {
		cp.ProviderOverrides = make(map[string]string, len(ws.ProviderOverrides))
		for k, v := range ws.ProviderOverrides {
			cp.ProviderOverrides[k] = v
		}
	}
	return &cp
}
