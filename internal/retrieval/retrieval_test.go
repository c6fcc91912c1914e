package retrieval

import (
	"testing"

	"github.com/pixell07/multi-tenant-ai/internal/model"
	"github.com/pixell07/multi-tenant-ai/internal/rerank"
	"github.com/stretchr/testify/require"
)

func scored(id string, score float64, tokens, chars int) rerank.Scored {
	return rerank.Scored{
		Chunk: &model.Chunk{ID: id, TokenCount: tokens, CharSize: chars, Content: id},
		Score: score,
	}
}

func TestTrimToBudgetStopsAtTokenLimit(t *testing.T) {
	in := []rerank.Scored{
		scored("a", 0.9, 100, 400),
		scored("b", 0.8, 100, 400),
		scored("c", 0.7, 100, 400),
	}
	out := trimToBudget(in, Budgets{MaxTokens: 150}, nil)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].ID)
}

func TestTrimToBudgetKeepsFirstItemEvenIfOverBudget(t *testing.T) {
	in := []rerank.Scored{
		scored("a", 0.9, 5000, 20000),
		scored("b", 0.8, 10, 40),
	}
	out := trimToBudget(in, Budgets{MaxTokens: 100}, nil)
	require.Len(t, out, 1, "the sole over-budget leading candidate must still be returned")
	require.Equal(t, "a", out[0].ID)
}

func TestTrimToBudgetMaxChunks(t *testing.T) {
	in := []rerank.Scored{
		scored("a", 0.9, 1, 1),
		scored("b", 0.8, 1, 1),
		scored("c", 0.7, 1, 1),
	}
	out := trimToBudget(in, Budgets{MaxChunks: 2}, nil)
	require.Len(t, out, 2)
}

func TestUnionPreserveOrderDedupesAcrossSets(t *testing.T) {
	lexical := []*model.Chunk{{ID: "a"}, {ID: "b"}}
	semantic := []*model.Chunk{{ID: "b"}, {ID: "c"}}
	hyde := []*model.Chunk{{ID: "d"}, {ID: "a"}}

	out := unionPreserveOrder(lexical, semantic, hyde)
	ids := chunkIDs(out)
	require.Equal(t, []string{"a", "b", "c", "d"}, ids)
}

func TestDedupePreservesFirstOccurrence(t *testing.T) {
	out := dedupe([]string{"x", "", "y", "x", "z"})
	require.Equal(t, []string{"x", "y", "z"}, out)
}

func TestIsShortQuery(t *testing.T) {
	require.True(t, isShortQuery("how do I reset my password", 12))
	require.False(t, isShortQuery("one two three four five six seven eight nine ten eleven twelve thirteen", 12))
}

func TestCleanPromptStripsMarkdownAndHashtags(t *testing.T) {
	got := cleanPrompt("## How do I **reset** my password? #urgent 🚀")
	require.NotContains(t, got, "#")
	require.NotContains(t, got, "*")
	require.NotContains(t, got, "🚀")
}
