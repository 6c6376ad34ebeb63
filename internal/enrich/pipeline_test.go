package enrich

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/veloscribe/scribe-core/internal/config"
	"github.com/veloscribe/scribe-core/internal/contextstore"
	"github.com/veloscribe/scribe-core/internal/llm"
)

type fakeGenerator struct {
	reply      string
	err        error
	lastReq    llm.Request
	lastPrompt string
}

func (g *fakeGenerator) Generate(_ context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.lastReq = req
	g.lastPrompt = req.Prompt
	if g.err != nil {
		return g.err
	}
	return consumer(llm.Chunk{Content: g.reply})
}

func newPipeline(gen llm.Generator, store *contextstore.Store) *Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(gen, store, config.Default().LLM, 5*time.Second, logger)
}

func TestKeywordOverride(t *testing.T) {
	gen := &fakeGenerator{reply: `{"refined_text": "I want a refund please", "translation": "quiero un reembolso", "is_keyword_match": false}`}
	p := newPipeline(gen, contextstore.New())

	result := p.Process(context.Background(), Input{
		Text:           "I want a REFUND please",
		SourceLanguage: "en",
		TargetLanguage: "es",
		Keywords:       []string{"refund"},
	})

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if !result.IsKeywordMatch {
		t.Fatal("direct match must override model false")
	}
	if len(result.MatchedKeywords) != 1 || result.MatchedKeywords[0] != "refund" {
		t.Fatalf("expected matched keywords [refund], got %v", result.MatchedKeywords)
	}
	if result.MatchReason != "direct substring match" {
		t.Fatalf("unexpected match reason %q", result.MatchReason)
	}
}

func TestModelPositiveMatchTrusted(t *testing.T) {
	gen := &fakeGenerator{reply: `{"refined_text": "t", "is_keyword_match": true, "matched_keywords": ["billing"], "match_reason": "related to invoices"}`}
	p := newPipeline(gen, contextstore.New())

	result := p.Process(context.Background(), Input{Text: "about the invoice", Keywords: []string{"billing"}})
	if !result.IsKeywordMatch || result.MatchReason != "related to invoices" {
		t.Fatalf("model-reported match must be kept as-is: %+v", result)
	}
}

func TestDegradedOnGeneratorFailure(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("model unreachable")}
	p := newPipeline(gen, contextstore.New())

	result := p.Process(context.Background(), Input{Text: "你好", SourceLanguage: "zh", TargetLanguage: "en"})
	if result.Success {
		t.Fatal("expected success=false")
	}
	if result.RefinedText != "你好" || result.Translation != "" {
		t.Fatalf("degraded result must pass text through: %+v", result)
	}
	if result.IsKeywordMatch || result.IsContinuation {
		t.Fatal("degraded booleans must be false")
	}
	if result.Err == nil {
		t.Fatal("expected error populated")
	}
}

func TestDegradedOnMalformedOutput(t *testing.T) {
	gen := &fakeGenerator{reply: "sorry, no JSON today"}
	p := newPipeline(gen, contextstore.New())

	result := p.Process(context.Background(), Input{Text: "hello"})
	if result.Success || result.RefinedText != "hello" {
		t.Fatalf("malformed output must degrade: %+v", result)
	}
}

func TestEmptyInputSkipsModel(t *testing.T) {
	gen := &fakeGenerator{reply: "{}"}
	p := newPipeline(gen, contextstore.New())

	result := p.Process(context.Background(), Input{Text: "   "})
	if result.Success {
		t.Fatal("blank input must not report success")
	}
	if gen.lastPrompt != "" {
		t.Fatal("blank input must not reach the model")
	}
}

func TestContextEnhancedFlag(t *testing.T) {
	store := contextstore.New()
	gen := &fakeGenerator{reply: `{"refined_text": "x"}`}
	p := newPipeline(gen, store)

	result := p.Process(context.Background(), Input{Text: "hello"})
	if result.ContextEnhanced {
		t.Fatal("no context set, flag must be false")
	}

	store.Set(map[string]any{
		"scene": "meeting", "topic": "planning",
		"keyPoints": []any{"deadline"}, "summary": "quarterly planning session",
	})
	result = p.Process(context.Background(), Input{Text: "hello"})
	if !result.ContextEnhanced {
		t.Fatal("expected context_enhanced after set")
	}
	if !strings.Contains(gen.lastPrompt, "quarterly planning session") {
		t.Fatal("prompt must include the context snapshot")
	}
}

func TestPromptIncludesHistoryAndKeywords(t *testing.T) {
	gen := &fakeGenerator{reply: `{"refined_text": "x"}`}
	p := newPipeline(gen, contextstore.New())

	p.Process(context.Background(), Input{
		Text:           "then we agreed",
		SourceLanguage: "en",
		TargetLanguage: "de",
		History:        []string{"first point", "second point"},
		Keywords:       []string{"deadline", "budget"},
	})

	for _, want := range []string{"1. first point", "2. second point", "deadline, budget", "second point]", "German"} {
		if !strings.Contains(gen.lastPrompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, gen.lastPrompt)
		}
	}
}

func TestSamplingParametersForwarded(t *testing.T) {
	gen := &fakeGenerator{reply: `{"refined_text": "x"}`}
	cfg := config.Default().LLM
	cfg.MaxTokens = 256
	cfg.Temperature = 0.7
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	p := New(gen, contextstore.New(), cfg, 5*time.Second, logger)

	p.Process(context.Background(), Input{Text: "hello"})
	if gen.lastReq.MaxTokens != 256 {
		t.Fatalf("expected max tokens 256 on the request, got %d", gen.lastReq.MaxTokens)
	}
	if gen.lastReq.Temperature != 0.7 {
		t.Fatalf("expected temperature 0.7 on the request, got %v", gen.lastReq.Temperature)
	}
}

func TestEmptyRefinedFallsBackToInput(t *testing.T) {
	gen := &fakeGenerator{reply: `{"translation": "hallo"}`}
	p := newPipeline(gen, contextstore.New())

	result := p.Process(context.Background(), Input{Text: "hello"})
	if result.RefinedText != "hello" {
		t.Fatalf("empty refined_text must fall back to input, got %q", result.RefinedText)
	}
	if result.Translation != "hallo" || !result.Success {
		t.Fatalf("unexpected result: %+v", result)
	}
}
