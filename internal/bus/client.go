package bus

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/veloscribe/scribe-core/internal/config"
	"github.com/veloscribe/scribe-core/internal/protocol"
)

// Client mirrors delivered transcriptions onto NATS subjects. It is a
// best-effort tap for downstream consumers; client delivery never waits on
// it and never fails because of it.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("scribe-runtime"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))
	return &Client{conn: conn, log: log.With(slog.String("component", "bus"))}, nil
}

// PublishTranscript implements session.Mirror.
func (c *Client) PublishTranscript(sessionID string, msg protocol.Transcription) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", protocol.SubjectTranscriptEnrichedPrefix, sessionID)
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	return nil
}

// PublishSessionClosed announces a session teardown.
func (c *Client) PublishSessionClosed(sessionID string) error {
	subject := fmt.Sprintf("%s.%s", protocol.SubjectSessionClosedPrefix, sessionID)
	if err := c.conn.Publish(subject, []byte(sessionID)); err != nil {
		return fmt.Errorf("publish session closed: %w", err)
	}
	return nil
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}
