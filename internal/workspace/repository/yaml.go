package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kandev/foldrun/internal/common/logger"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// yamlFile is the on-disk layout of a workspaces file.
type yamlFile struct {
	Workspaces []*v1.WorkspaceConfig `yaml:"workspaces"`
}

// YAMLRepository serves workspaces from a YAML file. Writes rewrite the
// whole file.
type YAMLRepository struct {
	*MemoryRepository
	path   string
	saveMu sync.Mutex
	logger *logger.Logger
}

var _ Repository = (*YAMLRepository)(nil)

// NewYAMLRepository loads path. A missing file is an empty source and is
// created on the first write.
func NewYAMLRepository(path string, log *logger.Logger) (*YAMLRepository, error) {
	r := &YAMLRepository{
		MemoryRepository: NewMemoryRepository(),
		path:             path,
		logger:           log.WithFields(zap.String("component", "workspace-yaml"), zap.String("path", path)),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		r.logger.Info("workspaces file not found, starting empty")
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspaces file: %w", err)
	}

	var file yamlFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse workspaces file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(file.Workspaces))
	for i, ws := range file.Workspaces {
		if ws == nil {
			continue
		}
		if seen[ws.Folder] {
			return nil, fmt.Errorf("workspaces file %s: duplicate folder %q", path, ws.Folder)
		}
		seen[ws.Folder] = true
		if err := r.MemoryRepository.Upsert(context.Background(), ws); err != nil {
			return nil, fmt.Errorf("workspaces file %s: entry %d: %w", path, i, err)
		}
	}
	r.logger.Info("loaded workspaces", zap.Int("count", len(seen)))
	return r, nil
}

// Upsert stores ws and rewrites the file.
func (r *YAMLRepository) Upsert(ctx context.Context, ws *v1.WorkspaceConfig) error {
	if err := r.MemoryRepository.Upsert(ctx, ws); err != nil {
		return err
	}
	return r.save(ctx)
}

// Delete removes the workspace and rewrites the file.
func (r *YAMLRepository) Delete(ctx context.Context, folder string) error {
	if err := r.MemoryRepository.Delete(ctx, folder); err != nil {
		return err
	}
	return r.save(ctx)
}

func (r *YAMLRepository) save(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	list, err := r.MemoryRepository.List(ctx)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(yamlFile{Workspaces: list})
	if err != nil {
		return fmt.Errorf("encode workspaces: %w", err)
	}

	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	// Overrides can hold secrets.
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".workspaces-*.yaml")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}
