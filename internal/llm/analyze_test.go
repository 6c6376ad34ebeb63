package llm

import (
	"context"
	"errors"
	"testing"
)

type scriptedGenerator struct {
	chunks []string
	err    error
}

func (g *scriptedGenerator) Generate(_ context.Context, req Request, consumer func(Chunk) error) error {
	if g.err != nil {
		return g.err
	}
	for _, c := range g.chunks {
		if err := consumer(Chunk{SessionID: req.SessionID, Content: c}); err != nil {
			return err
		}
	}
	return nil
}

func TestAnalyzeDecodesPlainJSON(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{
		`{"refined_text": "hello there", "translation": "你好",`,
		` "is_keyword_match": true, "matched_keywords": ["hello"], "match_reason": "greeting"}`,
	}}
	analysis, err := Analyze(context.Background(), gen, Request{SessionID: "s1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if analysis.RefinedText != "hello there" || analysis.Translation != "你好" {
		t.Fatalf("unexpected analysis: %+v", analysis)
	}
	if !analysis.IsKeywordMatch || len(analysis.MatchedKeywords) != 1 {
		t.Fatalf("expected keyword match decoded, got %+v", analysis)
	}
}

func TestAnalyzeStripsFences(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{
		"```json\n{\"refined_text\": \"fixed\", \"is_continuation\": true, \"continuation_reason\": \"split sentence\"}\n```",
	}}
	analysis, err := Analyze(context.Background(), gen, Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if analysis.RefinedText != "fixed" || !analysis.IsContinuation {
		t.Fatalf("unexpected analysis: %+v", analysis)
	}
}

func TestAnalyzeDefaultsMissingFields(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"{}"}}
	analysis, err := Analyze(context.Background(), gen, Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if analysis.RefinedText != "" || analysis.IsKeywordMatch || analysis.MatchedKeywords == nil {
		t.Fatalf("unexpected defaults: %+v", analysis)
	}
}

func TestAnalyzeMalformedOutput(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{"I'm sorry, I cannot help with that."}}
	_, err := Analyze(context.Background(), gen, Request{})
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}
}

func TestAnalyzeGeneratorFailure(t *testing.T) {
	boom := errors.New("connection refused")
	gen := &scriptedGenerator{err: boom}
	_, err := Analyze(context.Background(), gen, Request{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped generator error, got %v", err)
	}
}
