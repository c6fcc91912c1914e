package rerank

import (
	"context"
	"testing"

	"github.com/pixell07/multi-tenant-ai/internal/config"
	"github.com/pixell07/multi-tenant-ai/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	scores []float64
}

func (f *fakeClient) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	return f.scores, nil
}

func chunks(ids ...string) []*model.Chunk {
	var out []*model.Chunk
	for _, id := range ids {
		out = append(out, &model.Chunk{ID: id, Content: id})
	}
	return out
}

func TestRerankOrdersByScoreDescending(t *testing.T) {
	client := &fakeClient{scores: []float64{0.2, 0.9, 0.5}}
	rr := New(client, config.RerankFixedCutoff, 0.0, 0.5)

	out, _, err := rr.Rerank(context.Background(), "q", chunks("a", "b", "c"))
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "a"}, []string{out[0].Chunk.ID, out[1].Chunk.ID, out[2].Chunk.ID})
	for i := 0; i < len(out)-1; i++ {
		require.GreaterOrEqual(t, out[i].Score, out[i+1].Score)
	}
}

func TestRerankFixedCutoffFiltersBelowThreshold(t *testing.T) {
	client := &fakeClient{scores: []float64{0.1, 0.9}}
	rr := New(client, config.RerankFixedCutoff, 0.5, 0)

	out, _, err := rr.Rerank(context.Background(), "q", chunks("low", "high"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "high", out[0].Chunk.ID)
}

func TestRerankNonEmptyFallback(t *testing.T) {
	client := &fakeClient{scores: []float64{0.05, 0.1}}
	rr := New(client, config.RerankFixedCutoff, 0.9, 0)

	out, _, err := rr.Rerank(context.Background(), "q", chunks("a", "b"))
	require.NoError(t, err)
	require.Len(t, out, 2, "cutoff emptying the set must fall back to the full sorted set")
}

func TestRerankMedianRelativePolicy(t *testing.T) {
	client := &fakeClient{scores: []float64{0.2, 0.4, 0.8}}
	rr := New(client, config.RerankMedianRelative, 0, 1.0) // median = 0.4

	out, _, err := rr.Rerank(context.Background(), "q", chunks("a", "b", "c"))
	require.NoError(t, err)
	require.Len(t, out, 2) // 0.4 and 0.8 pass, 0.2 doesn't
}

func TestRerankEmptyInput(t *testing.T) {
	rr := New(&fakeClient{}, config.RerankFixedCutoff, 0.2, 0)
	out, cost, err := rr.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	require.Nil(t, out)
	require.Zero(t, cost)
}
