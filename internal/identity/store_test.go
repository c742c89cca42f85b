package identity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Options{DBPath: filepath.Join(t.TempDir(), "identity.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPasswordHashRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.PasswordHash(ctx)
	assert.True(t, IsNotFound(err))

	require.NoError(t, store.SetPasswordHash(ctx, "$2a$10$examplehash"))
	hash, err := store.PasswordHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$examplehash", hash)

	require.NoError(t, store.SetPasswordHash(ctx, "$2a$10$replaced"))
	hash, err = store.PasswordHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$replaced", hash)
}

func TestTOTPSecretRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.TOTPSecret(ctx)
	assert.True(t, IsNotFound(err))

	require.NoError(t, store.SetTOTPSecret(ctx, "JBSWY3DPEHPK3PXP"))
	secret, err := store.TOTPSecret(ctx)
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", secret)
}

func TestSettingSecretKeepsPasswordHash(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetPasswordHash(ctx, "hash-1"))
	require.NoError(t, store.SetTOTPSecret(ctx, "secret-1"))

	hash, err := store.PasswordHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hash-1", hash)
}

func TestPasskeyLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	keys, err := store.Passkeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, store.AddPasskey(ctx, "cred-1", "laptop", []byte(`{"id":"cred-1"}`)))
	require.NoError(t, store.AddPasskey(ctx, "cred-2", "phone", []byte(`{"id":"cred-2"}`)))

	keys, err = store.Passkeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "laptop", keys[0].Name)

	// Re-adding the same id replaces the credential.
	require.NoError(t, store.AddPasskey(ctx, "cred-1", "laptop-2", []byte(`{"id":"cred-1b"}`)))
	keys, err = store.Passkeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	require.NoError(t, store.RemovePasskey(ctx, "cred-1"))
	err = store.RemovePasskey(ctx, "cred-1")
	assert.True(t, IsNotFound(err))
}
