package chat

import "strings"

// ResponseExtractor tolerantly scans a streamed JSON object of the shape
// {"tool_call": ..., "response": "..."} and emits the "response" string's
// decoded characters as they arrive, without waiting for the object to
// close. The authoritative parse, including the tool_call field which
// can't be streamed char-by-char, is a full json.Unmarshal of RawText()
// once the stream ends (see CO.runTurn).
type ResponseExtractor struct {
	raw        strings.Builder
	valueStart int // index into raw.String() just past the opening quote; -1 until located
	scanPos    int
	escaped    bool
	done       bool
}

func NewResponseExtractor() *ResponseExtractor {
	return &ResponseExtractor{valueStart: -1}
}

// Feed appends a streamed chunk and returns any newly decoded "response"
// text it reveals, plus whether the response string has closed.
func (e *ResponseExtractor) Feed(chunk string) (string, bool) {
	e.raw.WriteString(chunk)
	if e.done {
		return "", true
	}

	full := e.raw.String()
	if e.valueStart < 0 {
		idx := locateResponseValueStart(full)
		if idx < 0 {
			return "", false
		}
		e.valueStart = idx
		e.scanPos = idx
	}

	var out strings.Builder
	i := e.scanPos
	for i < len(full) {
		c := full[i]
		switch {
		case e.escaped:
			out.WriteByte(unescape(c))
			e.escaped = false
		case c == '\\':
			e.escaped = true
		case c == '"':
			e.done = true
			i++
			e.scanPos = i
			return out.String(), true
		default:
			out.WriteByte(c)
		}
		i++
	}
	e.scanPos = i
	return out.String(), false
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case 'f':
		return '\f'
	case 'b':
		return '\b'
	default:
		return c // handles \" and \\ as literal c
	}
}

// locateResponseValueStart finds the index just past the opening quote of
// the "response" field's string value, or -1 if not yet present in buf.
func locateResponseValueStart(buf string) int {
	key := `"response"`
	idx := strings.Index(buf, key)
	if idx < 0 {
		return -1
	}
	rest := buf[idx+len(key):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return -1
	}
	after := rest[colon+1:]
	trimmed := strings.TrimLeft(after, " \t\n\r")
	if trimmed == "" || trimmed[0] != '"' {
		return -1
	}
	consumed := len(after) - len(trimmed)
	return idx + len(key) + colon + 1 + consumed + 1
}

// RawText returns everything fed so far, for the full-parse fallback.
func (e *ResponseExtractor) RawText() string { return e.raw.String() }
