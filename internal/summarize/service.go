package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/veloscribe/scribe-core/internal/config"
	"github.com/veloscribe/scribe-core/internal/llm"
	"github.com/veloscribe/scribe-core/internal/protocol"
)

// Service turns a batch of timestamped transcriptions into a structured
// session summary. Every path returns a usable SummaryResponse; model and
// decode failures degrade to explanatory payloads instead of erroring out.
type Service struct {
	gen         llm.Generator
	enabled     bool
	maxTokens   int
	temperature float64
	timeout     time.Duration
	logger      *slog.Logger
}

func New(gen llm.Generator, cfg config.SummaryConfig, llmCfg config.LLMConfig, logger *slog.Logger) *Service {
	timeout := time.Duration(llmCfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{
		gen:         gen,
		enabled:     cfg.Enabled,
		maxTokens:   cfg.MaxTokens,
		temperature: llmCfg.Temperature,
		timeout:     timeout,
		logger:      logger.With(slog.String("component", "summarize")),
	}
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Generate produces a summary for the given transcriptions. Fewer than two
// entries is not enough signal for a meaningful summary and yields a
// placeholder asking for more conversation.
func (s *Service) Generate(ctx context.Context, items []protocol.TranscriptionItem) protocol.SummaryResponse {
	s.logger.Info("summary requested", slog.Int("transcriptions", len(items)))

	if !s.enabled {
		return protocol.SummaryResponse{
			Scene:     "Disabled",
			Topic:     "Undetermined",
			KeyPoints: []string{"Summary generation is turned off in the runtime configuration"},
			Summary:   "Enable summary generation to get session summaries",
		}
	}

	if len(items) < 2 {
		return protocol.SummaryResponse{
			Scene:     "Not enough content",
			Topic:     "Undetermined",
			KeyPoints: []string{"More conversation is needed before key points can be extracted"},
			Summary:   "Keep the conversation going to generate a meaningful summary",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := llm.Request{
		Prompt:      buildPrompt(items),
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	}
	var b strings.Builder
	err := s.gen.Generate(ctx, req, func(chunk llm.Chunk) error {
		b.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		s.logger.Error("summary generation failed", slog.String("error", err.Error()))
		return protocol.SummaryResponse{
			Scene:     "Processing error",
			Topic:     "Undetermined",
			KeyPoints: []string{"An error occurred while generating the summary"},
			Summary:   fmt.Sprintf("Sorry, something went wrong while handling the request: %v", err),
		}
	}

	resp, err := decodeSummary(b.String())
	if err != nil {
		s.logger.Error("summary decode failed", slog.String("error", err.Error()))
		return protocol.SummaryResponse{
			Scene:     "Parse error",
			Topic:     "Undetermined",
			KeyPoints: []string{"Key points could not be extracted from the model response"},
			Summary:   fmt.Sprintf("The model response could not be parsed: %v", err),
		}
	}

	s.logger.Info("summary generated")
	return resp
}

func buildPrompt(items []protocol.TranscriptionItem) string {
	var transcript strings.Builder
	for _, item := range items {
		fmt.Fprintf(&transcript, "[%s] %s\n", formatTimestamp(item.Timestamp), item.Text)
	}

	var b strings.Builder
	b.WriteString("Below is the transcript of a conversation; each line carries a timestamp and the spoken text:\n\n")
	b.WriteString(transcript.String())
	b.WriteString("\nAnalyze the conversation and produce:\n")
	b.WriteString("1. Scene: the likely setting or environment of the conversation\n")
	b.WriteString("2. Topic: the main subject or purpose\n")
	b.WriteString("3. Key points: the 3-5 main points discussed\n")
	b.WriteString("4. Summary: a concise summary of the content and conclusions\n\n")
	b.WriteString("Output in this JSON format:\n")
	b.WriteString("```json\n")
	b.WriteString(`{
  "scene": "...",
  "topic": "...",
  "keyPoints": ["...", "...", "..."],
  "summary": "..."
}`)
	b.WriteString("\n```\n\n")
	b.WriteString("Answer in the language of the transcript. Ensure the output is valid JSON with nothing else. Limit key points to five.")
	return b.String()
}

func decodeSummary(raw string) (protocol.SummaryResponse, error) {
	text := strings.TrimSpace(raw)
	if match := fencedJSON.FindStringSubmatch(text); match != nil {
		text = match[1]
	}

	var resp protocol.SummaryResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return protocol.SummaryResponse{}, fmt.Errorf("decode summary: %w", err)
	}
	if resp.Scene == "" {
		resp.Scene = "Not provided"
	}
	if resp.Topic == "" {
		resp.Topic = "Not provided"
	}
	if resp.KeyPoints == nil {
		resp.KeyPoints = []string{}
	}
	if resp.Summary == "" {
		resp.Summary = "Not provided"
	}
	return resp, nil
}

func formatTimestamp(ts string) string {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.Format("15:04:05")
	}
	return ts
}
