package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
)

func setupStore(t *testing.T) *persistence.GormPersist {
	t.Helper()
	store, err := persistence.NewInMemoryPersister()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTrustedHeader(t *testing.T) {
	store := setupStore(t)
	a := NewTrustedHeaderAuthenticator("X-Remote-User", store)

	r := httptest.NewRequest("GET", "/ws/chat/users-1-2/", nil)
	_, err := a.Authenticate(r)
	assert.True(t, errors.Is(err, types.ErrUnauthorized))

	r.Header.Set("X-Remote-User", "alice@example.com")
	user, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Username)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.NotZero(t, user.ID)

	again, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, user.ID, again.ID)
}

func TestOIDC(t *testing.T) {
	store := setupStore(t)
	a, err := NewOIDCAuthenticator([]config.OIDCConfig{{Name: "google", ProviderUrl: "https://accounts.google.com"}}, store, nil)
	require.NoError(t, err)
	built := 0
	a.newVerifier = func(ctx context.Context, conf config.OIDCConfig) (verifyFunc, error) {
		built++
		return func(ctx context.Context, raw string) (string, error) {
			switch raw {
			case "good":
				return "bob@example.com", nil
			case "anonymous":
				return "", nil
			}
			return "", errors.New("bad signature")
		}, nil
	}

	tests := []struct {
		url string
		ok  bool
	}{
		{url: "/ws/chat/x-1/?id_token=good&provider=google", ok: true},
		{url: "/ws/chat/x-1/?id_token=good&provider=google", ok: true},
		{url: "/ws/chat/x-1/?provider=google"},
		{url: "/ws/chat/x-1/?id_token=good&provider=github"},
		{url: "/ws/chat/x-1/?id_token=forged&provider=google"},
		{url: "/ws/chat/x-1/?id_token=anonymous&provider=google"},
	}
	for _, tt := range tests {
		user, err := a.Authenticate(httptest.NewRequest("GET", tt.url, nil))
		if tt.ok {
			require.NoError(t, err)
			assert.Equal(t, "bob@example.com", user.Username)
			continue
		}
		assert.True(t, errors.Is(err, types.ErrUnauthorized), tt.url)
	}
	// the provider is discovered once
	assert.Equal(t, 1, built)
	users, err := store.GetUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestChain(t *testing.T) {
	store := setupStore(t)
	cfg := config.Default()
	a, err := New(cfg, store, nil)
	require.NoError(t, err)
	r := httptest.NewRequest("GET", "/ws/chat/users-1-2/", nil)
	r.Header.Set("X-Remote-User", "alice")
	_, err = a.Authenticate(r)
	assert.True(t, errors.Is(err, types.ErrUnauthorized))

	cfg.AuthConfig.TrustedHeader = "X-Remote-User"
	a, err = New(cfg, store, nil)
	require.NoError(t, err)
	user, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Empty(t, user.Email)
}
