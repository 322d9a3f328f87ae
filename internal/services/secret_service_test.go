package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockflow/internal/crypto"
)

func newSecretService(t *testing.T) *SecretService {
	t.Helper()
	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	c, err := crypto.NewCipher(key)
	require.NoError(t, err)
	return NewSecretService(openTestDB(t), c)
}

func TestSecretService_SetResolveAll(t *testing.T) {
	svc := newSecretService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetSecret(ctx, "user-1", "API_KEY", "sk-123"))
	require.NoError(t, svc.SetSecret(ctx, "user-1", "TOKEN", "t0k"))
	require.NoError(t, svc.SetSecret(ctx, "user-2", "API_KEY", "other"))
	require.NoError(t, svc.SetSecret(ctx, "user-1", "API_KEY", "sk-456"), "set replaces")

	env, err := svc.ResolveAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"API_KEY": "sk-456", "TOKEN": "t0k"}, env)

	names, err := svc.ListNames(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY", "TOKEN"}, names)

	env, err = svc.ResolveAll(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, env)
}

func TestSecretService_StoredEncrypted(t *testing.T) {
	svc := newSecretService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetSecret(ctx, "user-1", "API_KEY", "plain-value"))

	var stored string
	require.NoError(t, svc.db.QueryRowContext(ctx, `SELECT ciphertext FROM secrets WHERE user_id = ? AND name = ?`,
		"user-1", "API_KEY").Scan(&stored))
	assert.NotContains(t, stored, "plain-value")
}

func TestSecretService_CorruptSecretNamesTheSecret(t *testing.T) {
	svc := newSecretService(t)
	ctx := context.Background()
	_, err := svc.db.ExecContext(ctx, `INSERT INTO secrets (user_id, name, ciphertext, updated_at) VALUES (?, ?, ?, ?)`,
		"user-1", "BROKEN", "bm90LXJlYWxseS1lbmNyeXB0ZWQ=", 0)
	require.NoError(t, err)

	_, err = svc.ResolveAll(ctx, "user-1")
	var decErr *crypto.DecryptionError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, "BROKEN", decErr.Name)
	assert.Contains(t, err.Error(), "BROKEN")
}

func TestSecretService_Delete(t *testing.T) {
	svc := newSecretService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetSecret(ctx, "user-1", "API_KEY", "v"))
	require.NoError(t, svc.DeleteSecret(ctx, "user-1", "API_KEY"))
	assert.ErrorIs(t, svc.DeleteSecret(ctx, "user-1", "API_KEY"), ErrSecretNotFound)
	assert.Error(t, svc.SetSecret(ctx, "", "X", "v"))
}
