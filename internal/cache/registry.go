// Package cache implements a short-TTL registry cache for query vectors,
// sitting in front of the persistent embedding cache table. Backed by Redis.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 10 * time.Minute

// Registry is a thin wrapper over a Redis client scoped to one key prefix.
type Registry struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func New(rdb *redis.Client, prefix string) *Registry {
	return &Registry{rdb: rdb, prefix: prefix, ttl: defaultTTL}
}

// WithTTL returns a copy of the registry using a custom TTL.
func (r *Registry) WithTTL(ttl time.Duration) *Registry {
	cp := *r
	cp.ttl = ttl
	return &cp
}

func (r *Registry) key(k string) string { return r.prefix + ":" + k }

// GetVector fetches a cached embedding by key. ok is false on a cache miss
// or any transport error — callers must fall back to the persistent store,
// never treat a registry miss as authoritative.
func (r *Registry) GetVector(ctx context.Context, key string) (vec []float32, ok bool) {
	raw, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

// SetVector caches an embedding with the registry's TTL. Errors are
// swallowed — the registry is an optimization, not a source of truth.
func (r *Registry) SetVector(ctx context.Context, key string, vec []float32) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	_ = r.rdb.Set(ctx, r.key(key), raw, r.ttl).Err()
}
