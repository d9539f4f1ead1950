// Package credentials collects provider secrets for agent runs and renders
// them into the owner-only env file mounted into the agent.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/common/logger"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// ErrNotFound is returned by providers that do not hold a key.
var ErrNotFound = errors.New("credential not found")

// Credential is one secret value and where it came from.
type Credential struct {
	Key    string
	Value  string // never logged
	Source string
}

// Provider is a source of secrets.
type Provider interface {
	GetCredential(ctx context.Context, key string) (*Credential, error)
	Name() string
}

// Manager resolves the configured keys across providers, first hit wins.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
	keys      []string
	logger    *logger.Logger
}

// NewManager creates a manager that resolves the given keys.
func NewManager(keys []string, log *logger.Logger) *Manager {
	return &Manager{
		keys:   append([]string(nil), keys...),
		logger: log.WithFields(zap.String("component", "credentials-manager")),
	}
}

// AddProvider appends a provider; earlier providers take precedence.
func (m *Manager) AddProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
	m.logger.Info("added credential provider", zap.String("provider", p.Name()))
}

// GetCredential looks key up in every provider in order.
func (m *Manager) GetCredential(ctx context.Context, key string) (*Credential, error) {
	m.mu.RLock()
	providers := m.providers
	m.mu.RUnlock()

	for _, p := range providers {
		cred, err := p.GetCredential(ctx, key)
		if err == nil {
			return cred, nil
		}
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("credential provider failed",
				zap.String("provider", p.Name()),
				zap.String("key", key),
				zap.Error(err))
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Secrets returns the secrets for a workspace: the configured keys from the
// global providers, then the workspace's own overrides on top.
func (m *Manager) Secrets(ctx context.Context, ws *v1.WorkspaceConfig) (map[string]string, error) {
	out := make(map[string]string, len(m.keys))
	for _, key := range m.keys {
		cred, err := m.GetCredential(ctx, key)
		if err != nil {
			continue
		}
		out[key] = cred.Value
	}
	if ws != nil {
		for k, v := range ws.ProviderOverrides {
			if v == "" {
				delete(out, k)
				continue
			}
			out[k] = v
		}
	}

	names := make([]string, 0, len(out))
	for k := range out {
		names = append(names, k)
	}
	sort.Strings(names)
	m.logger.Debug("resolved secrets", zap.Strings("keys", names))
	return out, nil
}
