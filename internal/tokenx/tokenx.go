// Package tokenx wraps tiktoken-go behind the one method every budget
// calculation in the core needs: counting tokens with a standard
// BPE-compatible tokenizer.
package tokenx

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for a fixed encoding, memoizing the (expensive to
// build) tiktoken.Tiktoken instance.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
	name string
}

// NewCounter builds a Counter for the given tiktoken encoding name
// (e.g. "cl100k_base"). The encoding is lazily loaded on first Count call.
func NewCounter(encoding string) *Counter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &Counter{name: encoding}
}

func (c *Counter) load() {
	c.enc, c.err = tiktoken.GetEncoding(c.name)
}

// Count returns the token length of text. On tokenizer load failure it
// falls back to a conservative words*4/3 estimate rather than failing a
// budget computation outright.
func (c *Counter) Count(text string) int {
	c.once.Do(c.load)
	if c.err != nil || c.enc == nil {
		return estimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

func estimateTokens(text string) int {
	words := 0
	inWord := false
	for _, r := range text {
		isSpace := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if !isSpace && !inWord {
			words++
			inWord = true
		} else if isSpace {
			inWord = false
		}
	}
	return words * 4 / 3
}
