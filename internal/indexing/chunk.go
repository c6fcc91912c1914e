package indexing

import (
	"strings"

	"github.com/dlclark/regexp2"
	"gitlab.com/golang-commonmark/markdown"
	"golang.org/x/net/html"
)

var headingPattern = regexp2.MustCompile(`^#{1,6}\s+.*$`, regexp2.Multiline)

var sentenceBoundary = regexp2.MustCompile(`(?<=[.!?])\s+(?=[A-Z0-9"'])`, regexp2.None)

var renderer = markdown.New(markdown.HTML(false), markdown.Tables(true), markdown.Linkify(true))

type section struct {
	heading string
	body    string
}

// chunkMarkdown splits markdown into heading-bounded sections, flattens
// each section's markup to plain prose, then packs sentences into windows
// of roughly maxChars with overlapChars of trailing context carried into
// the next window. A window closes before a sentence that would push it
// past maxChars, but the carried overlap plus one sentence, or a single
// sentence longer than maxChars, can still make a window exceed it.
func chunkMarkdown(source string, maxChars, overlapChars int) []string {
	sections := splitByHeading(source)

	var chunks []string
	for _, sec := range sections {
		prose := flattenToProse(sec.body)
		if sec.heading != "" {
			prose = sec.heading + "\n" + prose
		}
		chunks = append(chunks, packSentences(prose, maxChars, overlapChars)...)
	}
	return chunks
}

// splitByHeading breaks source at every heading line (depths 1-6), attaching each
// heading to the section that follows it. Text preceding the first heading
// becomes a headingless leading section.
func splitByHeading(source string) []section {
	matches := findAll(headingPattern, source)
	if len(matches) == 0 {
		return []section{{body: source}}
	}

	var sections []section
	if matches[0].start > 0 {
		sections = append(sections, section{body: source[:matches[0].start]})
	}
	for i, m := range matches {
		end := len(source)
		if i+1 < len(matches) {
			end = matches[i+1].start
		}
		heading := strings.TrimSpace(source[m.start:m.end])
		bodyStart := m.end
		if bodyStart < len(source) && source[bodyStart] == '\n' {
			bodyStart++
		}
		sections = append(sections, section{heading: heading, body: source[bodyStart:end]})
	}
	return sections
}

type span struct{ start, end int }

func findAll(re *regexp2.Regexp, s string) []span {
	var out []span
	m, _ := re.FindStringMatch(s)
	for m != nil {
		out = append(out, span{start: m.Index, end: m.Index + m.Length})
		m, _ = re.FindNextMatch(m)
	}
	return out
}

// flattenToProse renders markdown to HTML then walks the DOM collecting
// text nodes, which normalizes away markdown/HTML syntax noise before the
// text is embedded or indexed for lexical search.
func flattenToProse(markdownSrc string) string {
	rendered := renderer.RenderToString([]byte(markdownSrc))
	doc, err := html.Parse(strings.NewReader(rendered))
	if err != nil {
		return strings.TrimSpace(markdownSrc)
	}

	var sb strings.Builder
	collectText(doc, &sb)
	return strings.TrimSpace(collapseSpaces(sb.String()))
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteString(" ")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// packSentences greedily fills windows up to maxChars, copying the final
// overlapChars of each window into the start of the next so embeddings
// retain boundary context.
func packSentences(prose string, maxChars, overlapChars int) []string {
	if prose == "" {
		return nil
	}
	sentences := splitSentences(prose)

	var chunks []string
	var cur strings.Builder
	for _, s := range sentences {
		if cur.Len() > 0 && cur.Len()+len(s)+1 > maxChars {
			chunks = append(chunks, strings.TrimSpace(cur.String()))
			tail := tailOf(cur.String(), overlapChars)
			cur.Reset()
			cur.WriteString(tail)
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(s)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(cur.String()))
	}
	return chunks
}

func splitSentences(prose string) []string {
	bounds := findAll(sentenceBoundary, prose)
	if len(bounds) == 0 {
		return []string{prose}
	}

	var out []string
	start := 0
	for _, b := range bounds {
		if t := strings.TrimSpace(prose[start:b.start]); t != "" {
			out = append(out, t)
		}
		start = b.end
	}
	if t := strings.TrimSpace(prose[start:]); t != "" {
		out = append(out, t)
	}
	return out
}

func tailOf(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
