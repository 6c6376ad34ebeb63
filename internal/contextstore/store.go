package contextstore

import (
	"fmt"
	"strings"
	"sync"
)

// Context is the process-wide session-summary context used to bias
// enrichment. It is replaced wholesale on Set and never partially mutated.
type Context struct {
	Scene     string   `json:"scene"`
	Topic     string   `json:"topic"`
	KeyPoints []string `json:"keyPoints"`
	Summary   string   `json:"summary"`
}

// Store holds the single mutable context slot shared across sessions.
type Store struct {
	mu      sync.Mutex
	ctx     Context
	present bool
}

func New() *Store {
	return &Store{}
}

// Set replaces the slot. All four fields must be present in the payload;
// a payload missing any of them leaves the prior slot untouched.
func (s *Store) Set(payload map[string]any) bool {
	scene, okScene := payload["scene"].(string)
	topic, okTopic := payload["topic"].(string)
	summary, okSummary := payload["summary"].(string)
	rawPoints, okPoints := payload["keyPoints"]
	if !okScene || !okTopic || !okSummary || !okPoints {
		return false
	}

	var points []string
	switch v := rawPoints.(type) {
	case []string:
		points = append(points, v...)
	case []any:
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return false
			}
			points = append(points, str)
		}
	default:
		return false
	}

	s.Replace(Context{Scene: scene, Topic: topic, KeyPoints: points, Summary: summary})
	return true
}

// Replace installs an already-validated context.
func (s *Store) Replace(ctx Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx.KeyPoints = append([]string(nil), ctx.KeyPoints...)
	s.ctx = ctx
	s.present = true
}

// Get returns the current slot (defaults if never set).
func (s *Store) Get() Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.ctx
	out.KeyPoints = append([]string(nil), s.ctx.KeyPoints...)
	return out
}

// HasContext is true only after a successful Set and before the next Clear.
func (s *Store) HasContext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present
}

// Clear resets the slot to defaults.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = Context{}
	s.present = false
}

// Prompt renders the current context for prompt construction. The second
// return value is false when no context has been set.
func (s *Store) Prompt() (string, bool) {
	s.mu.Lock()
	ctx := s.ctx
	present := s.present
	s.mu.Unlock()

	if !present {
		return "", false
	}

	var b strings.Builder
	b.WriteString("Session context:\n")
	fmt.Fprintf(&b, "Scene: %s\n", ctx.Scene)
	fmt.Fprintf(&b, "Topic: %s\n", ctx.Topic)
	b.WriteString("Key points:\n")
	for _, point := range ctx.KeyPoints {
		fmt.Fprintf(&b, "- %s\n", point)
	}
	fmt.Fprintf(&b, "Overall summary: %s", ctx.Summary)
	return b.String(), true
}
