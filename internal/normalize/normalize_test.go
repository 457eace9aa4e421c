package normalize

import "testing"

func TestStripToLastUserMessageIdempotent(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	}

	once := StripToLastUserMessage(messages, false)
	twice := StripToLastUserMessage(once, false)

	if len(once) != len(twice) {
		t.Fatalf("length changed: once=%d twice=%d", len(once), len(twice))
	}
	for i := range once {
		if once[i].Role != twice[i].Role || once[i].Content != twice[i].Content {
			t.Fatalf("mismatch at %d: %+v vs %+v", i, once[i], twice[i])
		}
	}
	if len(once) != 1 || once[0].Content != "second" {
		t.Fatalf("expected only trailing user message, got %+v", once)
	}
}

func TestStripToLastUserMessageFirstTurnKeepsSystem(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "rule 1"},
		{Role: "system", Content: "rule 2"},
		{Role: "user", Content: "old"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "new"},
	}
	out := StripToLastUserMessage(messages, true)
	if len(out) != 3 {
		t.Fatalf("expected 2 system + 1 user, got %d: %+v", len(out), out)
	}
	if out[0].Content != "rule 1" || out[1].Content != "rule 2" || out[2].Content != "new" {
		t.Fatalf("unexpected order: %+v", out)
	}
}

func TestFingerprintTruncatesTo500(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'a'
	}
	messages := []Message{{Role: "user", Content: string(long)}}
	fp := Fingerprint("1.2.3.4", "user", messages)
	if len(fp) != len("1.2.3.4|user|")+500 {
		t.Fatalf("fingerprint not truncated: len=%d", len(fp))
	}
}
