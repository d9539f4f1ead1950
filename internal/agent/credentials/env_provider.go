package credentials

import (
	"context"
	"fmt"
	"os"
)

// EnvProvider reads secrets from the process environment. With a prefix,
// PREFIX_KEY is consulted when KEY is unset.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a new environment provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name returns the provider name.
func (p *EnvProvider) Name() string {
	return "environment"
}

// GetCredential retrieves a credential from environment variables.
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if value := os.Getenv(key); value != "" {
		return &Credential{Key: key, Value: value, Source: p.Name()}, nil
	}
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return &Credential{Key: key, Value: value, Source: p.Name()}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
}
