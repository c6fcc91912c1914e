package search

import (
	"context"
	"testing"

	"github.com/pixell07/multi-tenant-ai/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestLexicalSearchRequiresOrgAndDatasources(t *testing.T) {
	h := New(nil)

	_, err := h.LexicalSearch(context.Background(), "", []string{"ds1"}, "q", nil, 10, 0)
	require.Equal(t, errs.InvalidRequest, errs.KindOf(err))

	_, err = h.LexicalSearch(context.Background(), "org1", nil, "q", nil, 10, 0)
	require.Equal(t, errs.InvalidRequest, errs.KindOf(err))
}

func TestSemanticSearchRequiresOrgAndDatasources(t *testing.T) {
	h := New(nil)

	_, err := h.SemanticSearch(context.Background(), "", []string{"ds1"}, []float32{0.1}, "", 10, 0, 0.5)
	require.Equal(t, errs.InvalidRequest, errs.KindOf(err))

	_, err = h.SemanticSearch(context.Background(), "org1", nil, []float32{0.1}, "", 10, 0, 0.5)
	require.Equal(t, errs.InvalidRequest, errs.KindOf(err))
}
