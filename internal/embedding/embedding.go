// Package embedding implements the Embedding Cache & Provider (EP): a
// cached adapter to an external embedding model. It wraps langchaingo's
// OpenAI embeddings client behind a content-hash-deduplicated, two-tier
// cache (persistent table + short-TTL registry).
package embedding

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/pixell07/multi-tenant-ai/internal/cache"
	"github.com/pixell07/multi-tenant-ai/internal/errs"
	"github.com/pixell07/multi-tenant-ai/internal/model"
	"github.com/tmc/langchaingo/embeddings"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
)

const (
	maxBatchSize   = 96
	backoffInitial = 1 * time.Second
	maxAttempts    = 10
)

// Provider is the interface the rest of the app depends on — the raw,
// uncached model call. Implementations must preserve input order.
type Provider interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// LangChainProvider wraps langchaingo's OpenAI embeddings client.
type LangChainProvider struct {
	inner *embeddings.EmbedderImpl
	model string
}

// NewOpenAIProvider builds a Provider backed by OpenAI's text-embedding
// model via langchaingo.
func NewOpenAIProvider(apiKey, modelName string) (*LangChainProvider, error) {
	llm, err := lcopenai.New(
		lcopenai.WithToken(apiKey),
		lcopenai.WithEmbeddingModel(modelName),
	)
	if err != nil {
		return nil, err
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, err
	}
	return &LangChainProvider{inner: embedder, model: modelName}, nil
}

func (p *LangChainProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return p.inner.EmbedDocuments(ctx, texts)
}

func (p *LangChainProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return p.inner.EmbedQuery(ctx, text)
}

func (p *LangChainProvider) ModelName() string { return p.model }

// Cache is the persistent embedding_cache repository.
type Cache struct {
	db *pgxpool.Pool
}

func NewCache(db *pgxpool.Pool) *Cache {
	return &Cache{db: db}
}

func (c *Cache) lookup(ctx context.Context, modelName string, kind model.EmbeddingKind, hash string) ([]float32, bool, error) {
	var vec pgvector.Vector
	err := c.db.QueryRow(ctx,
		`SELECT embedding FROM embedding_cache WHERE model=$1 AND kind=$2 AND content_hash=$3`,
		modelName, kind, hash,
	).Scan(&vec)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return vec.Slice(), true, nil
}

func (c *Cache) insert(ctx context.Context, modelName string, kind model.EmbeddingKind, hash string, vec []float32) error {
	_, err := c.db.Exec(ctx,
		`INSERT INTO embedding_cache (model, kind, content_hash, embedding, created_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (model, kind, content_hash) DO NOTHING`,
		modelName, kind, hash, pgvector.NewVector(vec), time.Now())
	return err
}

// GC deletes cache rows older than olderThan — the clean_embeddings queue job.
func (c *Cache) GC(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := c.db.Exec(ctx, `DELETE FROM embedding_cache WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// EP is the Embedding Cache & Provider component.
type EP struct {
	provider Provider
	persist  *Cache
	registry *cache.Registry
}

func New(provider Provider, persist *Cache, registry *cache.Registry) *EP {
	return &EP{provider: provider, persist: persist, registry: registry}
}

func contentHash(text string) string {
	sum := md5.Sum([]byte(text)) // cache key only, not a security boundary
	return hex.EncodeToString(sum[:])
}

// Embed implements the EP contract: embed(texts, kind) -> (vectors, costUSD).
// Empty input returns empty output and zero cost. Output order matches
// input order. Deduplicates by content hash, using the registry cache
// first, then the persistent table, calling the provider only for misses.
func (e *EP) Embed(ctx context.Context, texts []string, kind model.EmbeddingKind) ([][]float32, float64, error) {
	if len(texts) == 0 {
		return nil, 0, nil
	}

	result := make([][]float32, len(texts))
	hashes := make([]string, len(texts))
	var missIdx []int

	for i, t := range texts {
		h := contentHash(t)
		hashes[i] = h

		if e.registry != nil {
			if vec, ok := e.registry.GetVector(ctx, registryKey(kind, h)); ok {
				result[i] = vec
				continue
			}
		}
		vec, found, err := e.persist.lookup(ctx, e.provider.ModelName(), kind, h)
		if err != nil {
			return nil, 0, errs.Wrap(errs.StoreUnavailable, "embedding cache lookup", err)
		}
		if found {
			result[i] = vec
			if e.registry != nil {
				e.registry.SetVector(ctx, registryKey(kind, h), vec)
			}
			continue
		}
		missIdx = append(missIdx, i)
	}

	var cost float64
	for start := 0; start < len(missIdx); start += maxBatchSize {
		end := min(start+maxBatchSize, len(missIdx))
		batchIdx := missIdx[start:end]
		batchTexts := make([]string, len(batchIdx))
		for j, idx := range batchIdx {
			batchTexts[j] = texts[idx]
		}

		vecs, err := e.embedWithBackoff(ctx, batchTexts)
		if err != nil {
			return nil, cost, errs.Wrap(errs.LLMUnavailable, "embedding provider batch failed", err)
		}

		for j, idx := range batchIdx {
			result[idx] = vecs[j]
			h := hashes[idx]
			if err := e.persist.insert(ctx, e.provider.ModelName(), kind, h, vecs[j]); err != nil {
				slog.Warn("embedding cache insert failed", "error", err)
			}
			if e.registry != nil {
				e.registry.SetVector(ctx, registryKey(kind, h), vecs[j])
			}
		}
		cost += estimateCost(batchTexts)
	}

	return result, cost, nil
}

func (e *EP) embedWithBackoff(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	wait := backoffInitial
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			wait += backoffInitial // linear growth
		}

		vecs, err := e.provider.EmbedDocuments(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		slog.Warn("embedding batch attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("embedding provider failed after %d attempts: %w", maxAttempts, lastErr)
}

// GC deletes persisted embedding cache rows older than olderThan — the
// clean_embeddings queue job.
func (e *EP) GC(ctx context.Context, olderThan time.Time) (int64, error) {
	return e.persist.GC(ctx, olderThan)
}

func registryKey(kind model.EmbeddingKind, hash string) string {
	return string(kind) + ":" + hash
}

// estimateCost is a rough per-token USD estimate; callers needing exact
// accounting should use the pricing table in internal/config keyed by the
// provider's reported model name and an actual token count.
func estimateCost(texts []string) float64 {
	const perCharUSD = 0.00000002 / 4 // ~text-embedding-3-small, 4 chars/token
	var total float64
	for _, t := range texts {
		total += float64(len(t)) * perCharUSD
	}
	return total
}
