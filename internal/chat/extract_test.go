package chat

import (
	"testing"

	"github.com/pixell07/multi-tenant-ai/internal/model"
	"github.com/stretchr/testify/require"
)

func TestResponseExtractorStreamsAcrossChunkBoundaries(t *testing.T) {
	e := NewResponseExtractor()
	parts := []string{`{"tool_call":null,`, `"respon`, `se":"Hel`, `lo, wor`, `ld!"}`}

	var got string
	done := false
	for _, p := range parts {
		delta, d := e.Feed(p)
		got += delta
		if d {
			done = true
		}
	}
	require.True(t, done)
	require.Equal(t, "Hello, world!", got)
}

func TestResponseExtractorHandlesEscapedQuote(t *testing.T) {
	e := NewResponseExtractor()
	delta1, done1 := e.Feed(`{"response":"She said \"hi\""}`)
	require.True(t, done1)
	require.Equal(t, `She said "hi"`, delta1)
}

func TestResponseExtractorSplitEscapeAcrossChunks(t *testing.T) {
	e := NewResponseExtractor()
	var got string
	d1, _ := e.Feed(`{"response":"a\`)
	got += d1
	d2, done := e.Feed(`"b"}`)
	got += d2
	require.True(t, done)
	require.Equal(t, `a"b`, got)
}

func TestExtractJSONObjectTrimsProse(t *testing.T) {
	out := extractJSONObject("Sure, here you go: {\"response\":\"hi\"} thanks!")
	require.Equal(t, `{"response":"hi"}`, out)
}

func TestDedupeDocIDsPreservesOrder(t *testing.T) {
	chunks := []*model.Chunk{
		{DocumentExternalID: "doc-a"},
		{DocumentExternalID: "doc-b"},
		{DocumentExternalID: "doc-a"},
		{DocumentExternalID: ""},
	}
	require.Equal(t, []string{"doc-a", "doc-b"}, dedupeDocIDs(chunks))
}
