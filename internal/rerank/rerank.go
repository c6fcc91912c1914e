// Package rerank implements the Reranker (RR): calls an external
// cross-encoder rerank service and applies a cutoff policy. Two cutoff
// policies are implemented, selected via configuration: fixed cutoff and
// median-relative cutoff.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/pixell07/multi-tenant-ai/internal/config"
	"github.com/pixell07/multi-tenant-ai/internal/errs"
	"github.com/pixell07/multi-tenant-ai/internal/model"
)

const (
	maxAttempts  = 5
	backoffStart = 500 * time.Millisecond
)

// Scored pairs a chunk with its rerank relevance score in [0,1].
type Scored struct {
	Chunk *model.Chunk
	Score float64
}

// Client is the external cross-encoder the RR component drives.
type Client interface {
	// Score returns one relevance score per document, in input order.
	Score(ctx context.Context, query string, documents []string) ([]float64, error)
}

// RR is the Reranker component.
type RR struct {
	client   Client
	policy   config.RerankPolicy
	cutoff   float64 // fixed-cutoff floor
	threshold float64 // median-relative multiplier
}

func New(client Client, policy config.RerankPolicy, cutoff, threshold float64) *RR {
	return &RR{client: client, policy: policy, cutoff: cutoff, threshold: threshold}
}

// Rerank scores chunks against query, applies the configured cutoff policy,
// and returns them sorted by score descending (stable). If the cutoff
// filter would empty a non-empty candidate set, the full sorted set is
// returned instead.
func (r *RR) Rerank(ctx context.Context, query string, chunks []*model.Chunk) ([]Scored, float64, error) {
	if len(chunks) == 0 {
		return nil, 0, nil
	}

	docs := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = c.Content
	}

	scores, err := r.scoreWithRetry(ctx, query, docs)
	if err != nil {
		return nil, 0, errs.Wrap(errs.RerankUnavailable, "rerank call failed", err)
	}

	all := make([]Scored, len(chunks))
	for i, c := range chunks {
		all[i] = Scored{Chunk: c, Score: scores[i]}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })

	threshold := r.cutoffValue(all)
	var filtered []Scored
	for _, s := range all {
		if s.Score >= threshold {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		filtered = all // non-empty fallback
	}

	cost := estimateCost(docs)
	return filtered, cost, nil
}

func (r *RR) cutoffValue(sorted []Scored) float64 {
	switch r.policy {
	case config.RerankMedianRelative:
		med := median(sorted)
		return r.threshold * med
	default: // fixed cutoff
		return r.cutoff
	}
}

func median(sorted []Scored) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	scores := make([]float64, n)
	for i, s := range sorted {
		scores[i] = s.Score
	}
	sort.Float64s(scores)
	if n%2 == 1 {
		return scores[n/2]
	}
	return (scores[n/2-1] + scores[n/2]) / 2
}

func (r *RR) scoreWithRetry(ctx context.Context, query string, docs []string) ([]float64, error) {
	var lastErr error
	wait := backoffStart
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			wait += backoffStart // linear backoff
		}
		scores, err := r.client.Score(ctx, query, docs)
		if err == nil {
			return scores, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("rerank failed after %d attempts: %w", maxAttempts, lastErr)
}

func estimateCost(docs []string) float64 {
	const perCharUSD = 0.000001
	var total float64
	for _, d := range docs {
		total += float64(len(d)) * perCharUSD
	}
	return total
}

// HTTPClient is a Client implementation speaking to a Cohere-style rerank
// HTTP endpoint, in the same hand-rolled-HTTP idiom as
// internal/llmclient.Client — no SDK, just net/http and JSON.
type HTTPClient struct {
	url    string
	apiKey string
	model  string
	http   *http.Client
}

func NewHTTPClient(url, apiKey, model string) *HTTPClient {
	return &HTTPClient{url: url, apiKey: apiKey, model: model, http: &http.Client{Timeout: 60 * time.Second}}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (c *HTTPClient) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Documents: documents})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank service returned status %d", resp.StatusCode)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	scores := make([]float64, len(documents))
	for _, r := range parsed.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.RelevanceScore
		}
	}
	return scores, nil
}
