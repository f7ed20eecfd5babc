package secrets

import (
	"context"
	"errors"
	"os"
	"strings"
)

// Manager provides access to secrets from various sources
type Manager interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)

	// GetSecretWithDefault retrieves a secret with a default value if not found
	GetSecretWithDefault(ctx context.Context, key, defaultValue string) string
}

// Common errors
var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrNoVaultToken   = errors.New("no vault token provided")
	ErrNoVaultAddress = errors.New("no vault address provided")
)

// EnvKey maps a secret key such as "jwt-secret" to its environment name JWT_SECRET
func EnvKey(key string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

// EnvManager reads secrets straight from the environment
type EnvManager struct{}

// GetSecret implements Manager
func (EnvManager) GetSecret(_ context.Context, key string) (string, error) {
	value := os.Getenv(EnvKey(key))
	if value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// GetSecretWithDefault implements Manager
func (m EnvManager) GetSecretWithDefault(ctx context.Context, key, defaultValue string) string {
	if value, err := m.GetSecret(ctx, key); err == nil {
		return value
	}
	return defaultValue
}
