package enrich

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/veloscribe/scribe-core/internal/config"
	"github.com/veloscribe/scribe-core/internal/contextstore"
	"github.com/veloscribe/scribe-core/internal/llm"
)

// Input carries everything one enrichment call needs. History is bounded,
// most-recent-last, and read-only for the pipeline.
type Input struct {
	Text           string
	SourceLanguage string
	TargetLanguage string
	History        []string
	Keywords       []string
}

// Result is always fully populated; degraded paths fill safe defaults.
type Result struct {
	RefinedText        string
	Translation        string
	IsKeywordMatch     bool
	MatchedKeywords    []string
	MatchReason        string
	IsContinuation     bool
	ContinuationReason string
	ContextEnhanced    bool
	Success            bool
	Err                error
}

// Pipeline turns recognized utterances into enrichment results. It is a pure
// function of its inputs plus one read of the context store snapshot at call
// start, and is safe to invoke concurrently for independent sessions.
type Pipeline struct {
	gen         llm.Generator
	store       *contextstore.Store
	timeout     time.Duration
	maxTokens   int
	temperature float64
	logger      *slog.Logger
}

func New(gen llm.Generator, store *contextstore.Store, cfg config.LLMConfig, timeout time.Duration, logger *slog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pipeline{
		gen:         gen,
		store:       store,
		timeout:     timeout,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      logger.With(slog.String("component", "enrich")),
	}
}

// Process never lets an LLM failure escape: every path yields a full Result.
func (p *Pipeline) Process(ctx context.Context, in Input) Result {
	contextPrompt, hasContext := p.store.Prompt()

	if strings.TrimSpace(in.Text) == "" {
		return degraded(in, hasContext, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req := llm.Request{
		Prompt:      buildPrompt(in, contextPrompt),
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
	analysis, err := llm.Analyze(ctx, p.gen, req)
	if err != nil {
		p.logger.Warn("enrichment degraded to pass-through",
			slog.String("error", err.Error()))
		return degraded(in, hasContext, err)
	}

	result := Result{
		RefinedText:        analysis.RefinedText,
		Translation:        analysis.Translation,
		IsKeywordMatch:     analysis.IsKeywordMatch,
		MatchedKeywords:    analysis.MatchedKeywords,
		MatchReason:        analysis.MatchReason,
		IsContinuation:     analysis.IsContinuation,
		ContinuationReason: analysis.ContinuationReason,
		ContextEnhanced:    hasContext,
		Success:            true,
	}
	if result.RefinedText == "" {
		result.RefinedText = in.Text
	}

	// Literal keyword mentions are guaranteed recall regardless of what the
	// model reported; model-positive matches are trusted as-is.
	if direct := directMatches(in.Text, in.Keywords); len(direct) > 0 && !result.IsKeywordMatch {
		result.IsKeywordMatch = true
		result.MatchedKeywords = direct
		result.MatchReason = "direct substring match"
	}

	return result
}

func degraded(in Input, hasContext bool, err error) Result {
	return Result{
		RefinedText:     in.Text,
		Translation:     "",
		MatchedKeywords: []string{},
		ContextEnhanced: hasContext,
		Success:         false,
		Err:             err,
	}
}

func directMatches(text string, keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}
	lowered := strings.ToLower(text)
	var matches []string
	for _, keyword := range keywords {
		if keyword == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			matches = append(matches, keyword)
		}
	}
	return matches
}
