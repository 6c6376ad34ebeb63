package engine

import (
	"context"
	"sync"
)

// Mock is an in-memory engine for tests and the default runtime mode. It
// records fed audio and lets callers fire the callback directly.
type Mock struct {
	params Params
	device string

	mu       sync.Mutex
	running  bool
	fedBytes int
	fedCount int
}

func NewMock(p Params, device string) *Mock {
	if device == "" {
		device = "cpu"
	}
	return &Mock{params: p, device: device}
}

func (m *Mock) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	return nil
}

func (m *Mock) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

func (m *Mock) Feed(_ context.Context, pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrNotRunning
	}
	m.fedBytes += len(pcm)
	m.fedCount++
	return nil
}

func (m *Mock) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Language:  m.params.Language,
		ModelType: m.params.ModelType,
		Device:    m.device,
		Running:   m.running,
	}
}

// Emit delivers text through the bound callback as if it had been
// recognized from the fed audio.
func (m *Mock) Emit(text string) {
	if m.params.Callback != nil {
		m.params.Callback(text)
	}
}

// FedBytes reports the total audio accepted so far.
func (m *Mock) FedBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fedBytes
}
