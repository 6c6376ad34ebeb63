package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Analysis is the typed enrichment output of one model call. Missing fields
// decode to their zero values; the caller never inspects raw model text.
type Analysis struct {
	RefinedText        string   `json:"refined_text"`
	Translation        string   `json:"translation"`
	IsKeywordMatch     bool     `json:"is_keyword_match"`
	MatchedKeywords    []string `json:"matched_keywords"`
	MatchReason        string   `json:"match_reason"`
	IsContinuation     bool     `json:"is_continuation"`
	ContinuationReason string   `json:"continuation_reason"`
}

// ErrMalformedOutput reports model output that could not be decoded into an
// Analysis after fence stripping.
var ErrMalformedOutput = errors.New("malformed model output")

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Analyze runs one request through the generator, accumulates the streamed
// completion and decodes it as an Analysis. Models often wrap JSON in fenced
// code blocks; those fences are stripped before decoding.
func Analyze(ctx context.Context, gen Generator, req Request) (Analysis, error) {
	var b strings.Builder
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		b.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return Analysis{}, fmt.Errorf("llm generate: %w", err)
	}
	return decodeAnalysis(b.String())
}

func decodeAnalysis(raw string) (Analysis, error) {
	text := strings.TrimSpace(raw)
	if match := fencedJSON.FindStringSubmatch(text); match != nil {
		text = match[1]
	} else {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}

	var analysis Analysis
	if err := json.Unmarshal([]byte(text), &analysis); err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if analysis.MatchedKeywords == nil {
		analysis.MatchedKeywords = []string{}
	}
	return analysis, nil
}
