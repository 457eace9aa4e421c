package streamengine

import "encoding/json"

// ArrayParser consumes a top-level JSON array whose elements arrive split
// across arbitrary TCP-frame boundaries (`[ obj, obj, … ]`), emitting each
// element as soon as its braces balance. It is an explicit depth/quote/
// escape state machine, not a regex or a streaming json.Decoder, because
// string content inside an element may itself contain `{`, `}`, `[`, `]`
// (spec.md §9).
type ArrayParser struct {
	depth      int
	inString   bool
	escaped    bool
	started    bool // have we seen the opening top-level '['?
	buf        []byte
	pendingRaw [][]byte
}

// NewArrayParser returns a parser ready to consume Feed calls.
func NewArrayParser() *ArrayParser {
	return &ArrayParser{}
}

// Feed appends a chunk of upstream bytes and returns every element that
// became balanced as a result, in arrival order.
func (p *ArrayParser) Feed(chunk []byte) [][]byte {
	var out [][]byte
	for _, b := range chunk {
		if elem, ok := p.step(b); ok {
			out = append(out, elem)
		}
	}
	return out
}

func (p *ArrayParser) step(b byte) ([]byte, bool) {
	if !p.started {
		switch b {
		case ' ', '\t', '\n', '\r':
			return nil, false
		case '[':
			p.started = true
			return nil, false
		default:
			// Tolerate a leading element with no wrapping bracket.
			p.started = true
		}
	}

	if p.depth == 0 && !p.inString {
		switch b {
		case ' ', '\t', '\n', '\r', ',':
			return nil, false
		case ']':
			return nil, false
		case '{', '[':
			p.depth++
			p.buf = append(p.buf[:0:0], b)
			return nil, false
		default:
			return nil, false
		}
	}

	p.buf = append(p.buf, b)

	if p.inString {
		switch {
		case p.escaped:
			p.escaped = false
		case b == '\\':
			p.escaped = true
		case b == '"':
			p.inString = false
		}
		return nil, false
	}

	switch b {
	case '"':
		p.inString = true
	case '{', '[':
		p.depth++
	case '}', ']':
		p.depth--
		if p.depth == 0 {
			elem := make([]byte, len(p.buf))
			copy(elem, p.buf)
			p.buf = p.buf[:0]
			return elem, true
		}
	}
	return nil, false
}

// ParseElement unmarshals one emitted element into the generic Element
// shape used by the response walker.
func ParseElement(raw []byte) (Element, error) {
	var e Element
	if err := json.Unmarshal(raw, &e); err != nil {
		return Element{}, err
	}
	return e, nil
}
