package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "JWT_SECRET", EnvKey("jwt-secret"))
	assert.Equal(t, "LOCAL_STORE_KEY", EnvKey("local.store-key"))
}

func TestEnvManager(t *testing.T) {
	t.Setenv("AI_API_KEY", "k-123")
	ctx := context.Background()
	var m EnvManager

	v, err := m.GetSecret(ctx, "ai-api-key")
	assert.NoError(t, err)
	assert.Equal(t, "k-123", v)

	_, err = m.GetSecret(ctx, "missing-secret")
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.Equal(t, "fallback", m.GetSecretWithDefault(ctx, "missing-secret", "fallback"))
}

func TestVaultRequiresAddress(t *testing.T) {
	_, err := NewVaultManager(VaultConfig{}, nil)
	assert.ErrorIs(t, err, ErrNoVaultAddress)
}
