package embedding

import (
	"context"
	"testing"

	"github.com/pixell07/multi-tenant-ai/internal/model"
	"github.com/stretchr/testify/require"
)

func TestContentHashStable(t *testing.T) {
	require.Equal(t, contentHash("hello"), contentHash("hello"))
	require.NotEqual(t, contentHash("hello"), contentHash("world"))
}

func TestRegistryKeySeparatesKinds(t *testing.T) {
	h := contentHash("same text")
	require.NotEqual(t, registryKey(model.EmbedQuery, h), registryKey(model.EmbedDocument, h))
}

// countingProvider is a fake Provider that returns canned vectors and
// records how many times EmbedDocuments or EmbedQuery was called.
type countingProvider struct {
	calls int
	vecs  map[string][]float32
}

func (p *countingProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vecs[t]
	}
	return out, nil
}

func (p *countingProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	p.calls++
	return p.vecs[text], nil
}

func (p *countingProvider) ModelName() string { return "fake-model" }

func TestEmbedEmptyInput(t *testing.T) {
	ep := New(&countingProvider{}, nil, nil)
	vecs, cost, err := ep.Embed(context.Background(), nil, model.EmbedQuery)
	require.NoError(t, err)
	require.Nil(t, vecs)
	require.Zero(t, cost)
}
