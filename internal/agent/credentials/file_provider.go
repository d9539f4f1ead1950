package credentials

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/subosito/gotenv"
)

// FileProvider reads secrets from a dotenv file. The file is loaded once; a
// missing file simply provides nothing.
type FileProvider struct {
	path string

	mu     sync.RWMutex
	values gotenv.Env
	loaded bool
}

// NewFileProvider creates a provider backed by the dotenv file at path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Name returns the provider name.
func (p *FileProvider) Name() string {
	return "file"
}

func (p *FileProvider) load() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}

	f, err := os.Open(p.path)
	if os.IsNotExist(err) {
		p.values = gotenv.Env{}
		p.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("open credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	values, err := gotenv.StrictParse(f)
	if err != nil {
		return fmt.Errorf("parse credentials file %s: %w", p.path, err)
	}
	p.values = values
	p.loaded = true
	return nil
}

// GetCredential retrieves a credential from the file.
func (p *FileProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if err := p.load(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.values[key]; ok && v != "" {
		return &Credential{Key: key, Value: v, Source: p.Name()}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Reload forces the file to be read again on next use.
func (p *FileProvider) Reload() {
	p.mu.Lock()
	p.loaded = false
	p.values = nil
	p.mu.Unlock()
}
