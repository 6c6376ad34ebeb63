package contextstore

import (
	"strings"
	"testing"
)

func fullPayload() map[string]any {
	return map[string]any{
		"scene":     "customer support call",
		"topic":     "billing dispute",
		"keyPoints": []any{"refund requested", "invoice #42"},
		"summary":   "caller disputes a duplicate charge",
	}
}

func TestSetRequiresAllFields(t *testing.T) {
	s := New()
	if !s.Set(fullPayload()) {
		t.Fatal("expected full payload to be accepted")
	}
	prior := s.Get()

	missing := fullPayload()
	delete(missing, "topic")
	if s.Set(missing) {
		t.Fatal("expected payload missing topic to be rejected")
	}
	if got := s.Get(); got.Topic != prior.Topic || got.Scene != prior.Scene {
		t.Fatalf("rejected set must leave prior context unchanged, got %+v", got)
	}
	if !s.HasContext() {
		t.Fatal("rejected set must not clear has_context")
	}
}

func TestHasContextFollowsSetAndClear(t *testing.T) {
	s := New()
	if s.HasContext() {
		t.Fatal("expected no context at start")
	}
	if !s.Set(fullPayload()) {
		t.Fatal("set failed")
	}
	if !s.HasContext() {
		t.Fatal("expected has_context after set")
	}
	s.Clear()
	if s.HasContext() {
		t.Fatal("expected no context after clear")
	}
	if got := s.Get(); got.Scene != "" || len(got.KeyPoints) != 0 {
		t.Fatalf("expected defaults after clear, got %+v", got)
	}
}

func TestPrompt(t *testing.T) {
	s := New()
	if _, ok := s.Prompt(); ok {
		t.Fatal("expected no prompt without context")
	}
	s.Set(fullPayload())
	prompt, ok := s.Prompt()
	if !ok {
		t.Fatal("expected prompt after set")
	}
	for _, want := range []string{"customer support call", "billing dispute", "- refund requested", "duplicate charge"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	s.Set(fullPayload())
	got := s.Get()
	got.KeyPoints[0] = "mutated"
	if s.Get().KeyPoints[0] != "refund requested" {
		t.Fatal("Get must return a copy of key points")
	}
}
