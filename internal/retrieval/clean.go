package retrieval

import (
	"regexp"
	"strings"

	"github.com/dlclark/regexp2"
)

// emojiPattern matches the common emoji unicode blocks.
var emojiPattern = regexp2.MustCompile(
	`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}\x{1F000}-\x{1F2FF}\x{FE00}-\x{FE0F}]`,
	regexp2.None,
)

var hashtagPattern = regexp2.MustCompile(`#\w+`, regexp2.None)

var whitespacePattern = regexp.MustCompile(`\s+`)

// markdownSyntax strips common markdown control characters so the cleaned
// prompt reads as plain prose for lexical search.
var markdownSyntax = regexp.MustCompile("[*_` >#\\[\\]()~-]")

// cleanPrompt strips emojis, hashtags, and markdown syntax and collapses
// whitespace, producing the query string fed to lexical search.
func cleanPrompt(prompt string) string {
	s := regexpReplace(emojiPattern, prompt, "")
	s = regexpReplace(hashtagPattern, s, "")
	s = markdownSyntax.ReplaceAllString(s, " ")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func regexpReplace(re *regexp2.Regexp, input, replacement string) string {
	out, err := re.Replace(input, replacement, -1, -1)
	if err != nil {
		return input
	}
	return out
}

// isShortQuery reports whether prompt is short enough to benefit from HyDE
// synthesis.
func isShortQuery(prompt string, threshold int) bool {
	return len(strings.Fields(prompt)) <= threshold
}
