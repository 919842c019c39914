// Package streaming scans a provider chunk stream for an embedded structured
// payload: an XML element with a known tag, or a balanced JSON object. The
// scan is incremental, so matches straddling chunk boundaries are found as
// soon as the closing bytes arrive.
package streaming

import (
	"context"
	"fmt"
	"strings"

	"github.com/conduit-llm/conduit/pkg/llms"
)

// Mode selects the payload syntax to look for.
type Mode string

const (
	ModeXML  Mode = "xml"
	ModeJSON Mode = "json"
)

// Result is the outcome of a parse. Buffer always holds every byte received;
// when Matched is set, PreMatch is the text before the payload and Payload
// the complete element or object.
type Result struct {
	PreMatch string
	Payload  string
	Buffer   string
	Matched  bool
}

type matcher interface {
	// scan inspects the buffer after an append and reports a completed
	// match. Implementations only ever match once.
	scan(buf string) (pre, payload string, ok bool)
}

// Parse consumes the stream until a match, an error chunk, EOF, or context
// cancellation. With closeOnMatch the stream is shut down at the match and
// later bytes are dropped; otherwise the remainder is drained into Buffer.
// Cancellation is not an error: the stream is closed and whatever
// accumulated is returned.
func Parse(ctx context.Context, stream *llms.Stream, mode Mode, tag string, closeOnMatch bool) (*Result, error) {
	var m matcher
	switch mode {
	case ModeXML:
		if tag == "" {
			return nil, fmt.Errorf("xml mode requires a tag")
		}
		m = &xmlMatcher{open: "<" + tag + ">", close: "</" + tag + ">"}
	case ModeJSON:
		m = &jsonMatcher{}
	default:
		return nil, fmt.Errorf("unknown parse mode: %s", mode)
	}

	var buf strings.Builder
	result := &Result{}

	for {
		select {
		case <-ctx.Done():
			stream.Close()
			result.Buffer = buf.String()
			if !result.Matched {
				result.PreMatch = result.Buffer
			}
			return result, nil

		case chunk, ok := <-stream.Chunks:
			if !ok {
				result.Buffer = buf.String()
				if !result.Matched {
					result.PreMatch = result.Buffer
				}
				return result, nil
			}

			switch chunk.Type {
			case llms.ChunkText:
				buf.WriteString(chunk.Text)
				if !result.Matched {
					if pre, payload, found := m.scan(buf.String()); found {
						result.Matched = true
						result.PreMatch = pre
						result.Payload = payload
						if closeOnMatch {
							stream.Close()
							result.Buffer = buf.String()
							return result, nil
						}
					}
				}

			case llms.ChunkError:
				stream.Close()
				result.Buffer = buf.String()
				if !result.Matched {
					result.PreMatch = result.Buffer
				}
				return result, chunk.Error
			}
		}
	}
}

// xmlMatcher finds the first <tag>…</tag> element. Nesting of the same tag
// is not handled; the first closing tag after the opener wins.
type xmlMatcher struct {
	open    string
	close   string
	openIdx int
	found   bool
}

func (m *xmlMatcher) scan(buf string) (string, string, bool) {
	if !m.found {
		idx := strings.Index(buf, m.open)
		if idx < 0 {
			return "", "", false
		}
		m.openIdx = idx
		m.found = true
	}

	searchFrom := m.openIdx + len(m.open)
	if searchFrom > len(buf) {
		return "", "", false
	}
	rel := strings.Index(buf[searchFrom:], m.close)
	if rel < 0 {
		return "", "", false
	}

	end := searchFrom + rel + len(m.close)
	return buf[:m.openIdx], buf[m.openIdx:end], true
}

// jsonMatcher finds the first balanced top-level JSON object, tracking
// string-literal state so braces inside strings do not count.
type jsonMatcher struct {
	scanned  int
	startIdx int
	started  bool
	depth    int
	inString bool
	escaped  bool
}

func (m *jsonMatcher) scan(buf string) (string, string, bool) {
	for i := m.scanned; i < len(buf); i++ {
		c := buf[i]
		m.scanned = i + 1

		if !m.started {
			if c == '{' {
				m.started = true
				m.startIdx = i
				m.depth = 1
			}
			continue
		}

		if m.inString {
			switch {
			case m.escaped:
				m.escaped = false
			case c == '\\':
				m.escaped = true
			case c == '"':
				m.inString = false
			}
			continue
		}

		switch c {
		case '"':
			m.inString = true
		case '{':
			m.depth++
		case '}':
			m.depth--
			if m.depth == 0 {
				return buf[:m.startIdx], buf[m.startIdx : i+1], true
			}
		}
	}
	return "", "", false
}
