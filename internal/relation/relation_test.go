package relation

import (
	"context"
	"testing"

	"github.com/pixell07/multi-tenant-ai/internal/model"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	relTargets map[string][]string
	chunks     map[string]*model.Chunk
	byDocument map[string][]*model.Chunk
}

func (f *fakeStore) RelationTargets(ctx context.Context, sourceIDs []string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, id := range sourceIDs {
		out[id] = f.relTargets[id]
	}
	return out, nil
}

func (f *fakeStore) ChunksByIDs(ctx context.Context, ids []string) ([]*model.Chunk, error) {
	var out []*model.Chunk
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) ChunksByDocument(ctx context.Context, documentID string, kind model.ChunkKind) ([]*model.Chunk, error) {
	return f.byDocument[documentID], nil
}

func TestExpandPassesThroughChunkKind(t *testing.T) {
	store := &fakeStore{}
	re := New(store)
	candidates := []*model.Chunk{{ID: "c1", Kind: model.KindChunk}}

	out, edges, err := re.Expand(context.Background(), candidates)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "c1", out[0].ID)
	require.Empty(t, edges)
}

func TestExpandQuestionResolvesTargetOnce(t *testing.T) {
	target := &model.Chunk{ID: "chunk-1", Kind: model.KindChunk, Content: "the answer"}
	store := &fakeStore{
		relTargets: map[string][]string{"q1": {"chunk-1"}, "q2": {"chunk-1"}},
		chunks:     map[string]*model.Chunk{"chunk-1": target},
	}
	re := New(store)
	candidates := []*model.Chunk{
		{ID: "q1", Kind: model.KindQuestion},
		{ID: "q2", Kind: model.KindQuestion},
	}

	out, edges, err := re.Expand(context.Background(), candidates)
	require.NoError(t, err)
	require.Len(t, out, 1) // deduped by chunk id
	require.Equal(t, "chunk-1", out[0].ID)
	require.Len(t, edges, 2)
}

func TestExpandSummaryAddsAllDocumentChunks(t *testing.T) {
	docChunks := []*model.Chunk{
		{ID: "c1", Kind: model.KindChunk},
		{ID: "c2", Kind: model.KindChunk},
	}
	store := &fakeStore{byDocument: map[string][]*model.Chunk{"doc1": docChunks}}
	re := New(store)
	candidates := []*model.Chunk{{ID: "s1", Kind: model.KindSummary, DocumentID: "doc1"}}

	out, edges, err := re.Expand(context.Background(), candidates)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Len(t, edges, 1)
	require.ElementsMatch(t, []string{"c1", "c2"}, edges[0].TargetChunkIDs)
}

func TestExpandPreservesFirstOccurrenceOrder(t *testing.T) {
	store := &fakeStore{}
	re := New(store)
	candidates := []*model.Chunk{
		{ID: "c2", Kind: model.KindChunk},
		{ID: "c1", Kind: model.KindChunk},
		{ID: "c2", Kind: model.KindChunk}, // duplicate, should not reorder or duplicate
	}

	out, _, err := re.Expand(context.Background(), candidates)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "c2", out[0].ID)
	require.Equal(t, "c1", out[1].ID)
}
