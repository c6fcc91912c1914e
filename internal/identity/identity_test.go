package identity

import (
	"testing"
	"time"

	"github.com/pixell07/multi-tenant-ai/internal/model"
	"github.com/stretchr/testify/require"
)

func TestVerifyAPIKeyRoundTrip(t *testing.T) {
	salt := []byte("salt-bytes")
	token := []byte("super-secret-token")
	key := &model.ApiKey{Hash: HashToken(salt, token), Salt: salt}

	require.True(t, VerifyAPIKey(key, token))
	require.False(t, VerifyAPIKey(key, []byte("wrong-token")))
}

func TestVerifyAPIKeyRevoked(t *testing.T) {
	salt := []byte("s")
	token := []byte("t")
	revoked := time.Now()
	key := &model.ApiKey{Hash: HashToken(salt, token), Salt: salt, RevokedAt: &revoked}
	require.False(t, VerifyAPIKey(key, token))
}

func TestHasScope(t *testing.T) {
	id := NewIdentity("org1", "key1", []model.Scope{model.ScopeRetrieval})
	require.True(t, id.HasScope(model.ScopeRetrieval))
	require.False(t, id.HasScope(model.ScopeChat))

	wild := NewIdentity("org1", "key1", []model.Scope{model.ScopeAll})
	require.True(t, wild.HasScope(model.ScopeChat))
	require.True(t, wild.HasScope(model.ScopeReports))
}
