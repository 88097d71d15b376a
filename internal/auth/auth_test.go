package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locolive/chatsync/internal/domain"
)

func TestIssuerRoundTrip(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute, time.Hour)

	access, refresh, err := issuer.IssuePair("user-1", "a@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, access, refresh)

	claims, err := issuer.Validate(access, AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.ResolvedUserID())

	_, err = issuer.Validate(refresh, AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewIssuer("other", time.Minute, time.Hour).Validate(access, AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuerExpiredToken(t *testing.T) {
	issuer := NewIssuer("secret", -time.Minute, time.Hour)

	access, _, err := issuer.IssuePair("user-1", "")
	require.NoError(t, err)

	_, err = issuer.Validate(access, AccessToken)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestReadClaims(t *testing.T) {
	access, _, err := NewIssuer("secret", time.Minute, time.Hour).IssuePair("user-7", "b@example.com")
	require.NoError(t, err)

	claims, err := ReadClaims(access)
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.ResolvedUserID())
	assert.Equal(t, "b@example.com", claims.Email)

	_, err = ReadClaims("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("Password1")
	require.NoError(t, err)

	assert.NoError(t, VerifyPassword("Password1", hash))
	assert.ErrorIs(t, VerifyPassword("nope", hash), ErrPasswordMismatch)
	assert.Len(t, HashToken("abc"), 64)
}

func TestMemoryTokenStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTokenStore()

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)

	pair := domain.TokenPair{AccessToken: "a", RefreshToken: "r"}
	require.NoError(t, store.Save(ctx, pair))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, pair, got)

	require.NoError(t, store.Clear(ctx))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestFileTokenStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tokens")

	store, err := NewFileTokenStore(path, "device-secret")
	require.NoError(t, err)

	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)

	pair := domain.TokenPair{AccessToken: "access-token", RefreshToken: "refresh-token"}
	require.NoError(t, store.Save(ctx, pair))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "access-token")

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, pair, got)

	wrongKey, err := NewFileTokenStore(path, "other-secret")
	require.NoError(t, err)
	_, err = wrongKey.Load(ctx)
	assert.Error(t, err)

	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestFileTokenStoreRequiresSecret(t *testing.T) {
	_, err := NewFileTokenStore(filepath.Join(t.TempDir(), "tokens"), "")
	assert.Error(t, err)
}
