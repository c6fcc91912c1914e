package indexing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitByHeadingKeepsLeadingText(t *testing.T) {
	src := "intro text\n\n# Title\n\nbody one\n\n## Sub\n\nbody two\n"
	sections := splitByHeading(src)
	require.Len(t, sections, 3)
	require.Equal(t, "", sections[0].heading)
	require.Contains(t, sections[0].body, "intro text")
	require.Equal(t, "# Title", sections[1].heading)
	require.Contains(t, sections[1].body, "body one")
	require.Equal(t, "## Sub", sections[2].heading)
	require.Contains(t, sections[2].body, "body two")
}

func TestSplitByHeadingNoHeadings(t *testing.T) {
	sections := splitByHeading("just plain text, no headings at all")
	require.Len(t, sections, 1)
	require.Equal(t, "", sections[0].heading)
}

func TestPackSentencesRespectsMaxChars(t *testing.T) {
	prose := "One sentence here. Another sentence follows. A third one arrives."
	chunks := packSentences(prose, 30, 0)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), 30, "each window should fit within maxChars")
	}
	require.Greater(t, len(chunks), 1)
}

func TestPackSentencesCarriesOverlap(t *testing.T) {
	prose := "Sentence A is here. Sentence B is here. Sentence C is here."
	chunks := packSentences(prose, 25, 10)
	require.Greater(t, len(chunks), 1)
	require.True(t, strings.HasPrefix(chunks[1], chunks[0][len(chunks[0])-10:]),
		"the second window should open with the first window's last 10 chars")
}

func TestChunkMarkdownProducesNonEmptyChunks(t *testing.T) {
	src := "# Heading\n\nThis is a **bold** statement about something. It has two sentences.\n"
	chunks := chunkMarkdown(src, 500, 50)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		require.NotContains(t, c, "**")
	}
}

func TestWordsOf(t *testing.T) {
	require.Len(t, wordsOf("  the quick brown fox  "), 4)
	require.Empty(t, wordsOf("   "))
}

func TestSplitLinesTrimsBulletsAndWhitespace(t *testing.T) {
	lines := splitLines("- What is X?\n  How does Y work?\n\n- Why Z?\n")
	require.Equal(t, []string{"What is X?", "How does Y work?", "Why Z?"}, lines)
}

func TestFlattenToProseStripsMarkup(t *testing.T) {
	out := flattenToProse("# Title\n\nSome *italic* and **bold** text.")
	require.False(t, strings.Contains(out, "*"))
	require.Contains(t, out, "Title")
	require.Contains(t, out, "italic")
}
