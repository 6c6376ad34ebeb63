package llm

import (
	"context"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator returns a generator producing an empty analysis object.
// Useful for running the pipeline without a model behind it.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   "{}",
		Partial:   false,
		Latency:   20 * time.Millisecond,
	})
}
