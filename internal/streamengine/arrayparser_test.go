package streamengine

import (
	"strings"
	"testing"
)

func TestArrayParserSingleFeed(t *testing.T) {
	p := NewArrayParser()
	elems := p.Feed([]byte(`[{"a":1},{"b":"x"}]`))
	if len(elems) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(elems))
	}
	if string(elems[0]) != `{"a":1}` || string(elems[1]) != `{"b":"x"}` {
		t.Fatalf("unexpected elements: %q %q", elems[0], elems[1])
	}
}

func TestArrayParserSplitAcrossChunks(t *testing.T) {
	whole := `[{"text":"hello"},{"nested":{"a":[1,2,3]}},{"esc":"a\"b\\c"}]`
	p := NewArrayParser()
	var got [][]byte
	for i := 0; i < len(whole); i++ {
		got = append(got, p.Feed([]byte{whole[i]})...)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 elements across byte-by-byte feed, got %d: %v", len(got), stringsOf(got))
	}
	if string(got[2]) != `{"esc":"a\"b\\c"}` {
		t.Fatalf("escaped-quote element mismatch: %q", got[2])
	}
}

func TestArrayParserTreatsBracesInsideStringsAsOpaque(t *testing.T) {
	p := NewArrayParser()
	elems := p.Feed([]byte(`[{"text":"has { and } and [ ] inside"}]`))
	if len(elems) != 1 {
		t.Fatalf("expected 1 element, got %d", len(elems))
	}
}

func TestArrayParserWhitespaceAndCommaTolerant(t *testing.T) {
	whole := "[\n  { \"a\": 1 } ,\n  { \"b\": 2 }\n]"
	p := NewArrayParser()
	elems := p.Feed([]byte(whole))
	if len(elems) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(elems))
	}
}

func stringsOf(bs [][]byte) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = string(b)
	}
	return out
}

func TestArrayParserRoundTripsArbitrarySequence(t *testing.T) {
	objs := []string{`{"x":1}`, `{"y":[1,2,{"z":"a]}["}]}`, `{"w":true}`}
	whole := "[" + strings.Join(objs, ",   \n") + "]"
	p := NewArrayParser()
	got := p.Feed([]byte(whole))
	if len(got) != len(objs) {
		t.Fatalf("expected %d elements, got %d", len(objs), len(got))
	}
	for i := range objs {
		if string(got[i]) != objs[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, got[i], objs[i])
		}
	}
}
