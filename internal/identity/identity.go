// Package identity verifies the caller credential the core consumes from its
// outer auth collaborator: an organization id, an api key hash, and a scope
// set. Bearer-token issuance/session handling is the outer layer's job; this
// package only verifies ApiKey.Hash = sha256(salt||token) in constant time
// and enforces the resulting scope set.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"

	"github.com/pixell07/multi-tenant-ai/internal/model"
)

// HashToken computes sha256(salt||token), mirroring the ApiKey.Hash
// invariant in the data model.
func HashToken(salt, token []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(token)
	return h.Sum(nil)
}

// VerifyAPIKey reports whether token hashes (with key.Salt) to key.Hash,
// using a constant-time comparison so timing cannot leak the hash.
func VerifyAPIKey(key *model.ApiKey, token []byte) bool {
	if key == nil || key.RevokedAt != nil {
		return false
	}
	want := HashToken(key.Salt, token)
	return subtle.ConstantTimeCompare(want, key.Hash) == 1
}

// Identity is the resolved caller passed into every core operation.
type Identity struct {
	OrgID    string
	ApiKeyID string
	Scopes   map[model.Scope]bool
}

// NewIdentity builds an Identity from a verified ApiKey.
func NewIdentity(orgID, apiKeyID string, scopes []model.Scope) Identity {
	m := make(map[model.Scope]bool, len(scopes))
	for _, s := range scopes {
		m[s] = true
	}
	return Identity{OrgID: orgID, ApiKeyID: apiKeyID, Scopes: m}
}

// HasScope reports whether the identity may invoke an endpoint requiring
// `required` — either holding that exact scope or the wildcard "*".
func (id Identity) HasScope(required model.Scope) bool {
	return id.Scopes[required] || id.Scopes[model.ScopeAll]
}
