package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veloscribe/scribe-core/internal/protocol"
)

const writeTimeout = 10 * time.Second

// wsSink serializes writes to one WebSocket connection. The read loop, the
// enrichment fan-out and control acknowledgements all write through it, so
// every write takes the mutex.
type wsSink struct {
	conn *websocket.Conn

	mu   sync.Mutex
	open bool
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn, open: true}
}

func (s *wsSink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Send implements session.Sink.
func (s *wsSink) Send(msg protocol.Transcription) error {
	return s.writeJSON(msg)
}

func (s *wsSink) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		s.open = false
		return err
	}
	return nil
}

func (s *wsSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}
	s.open = false
	_ = s.conn.Close()
}
