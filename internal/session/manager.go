package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/veloscribe/scribe-core/internal/config"
	"github.com/veloscribe/scribe-core/internal/engine"
	"github.com/veloscribe/scribe-core/internal/enrich"
	"github.com/veloscribe/scribe-core/internal/protocol"
)

// Sink delivers transcription events to one session's transport channel.
type Sink interface {
	Ready() bool
	Send(msg protocol.Transcription) error
}

// EngineBuilder validates session parameters and constructs engine handles.
type EngineBuilder interface {
	Validate(language, modelType string) error
	Build(p engine.Params) (engine.Engine, error)
}

// Mirror republishes delivered transcriptions and session lifecycle events
// for downstream consumers. Optional; delivery to the client never depends
// on it.
type Mirror interface {
	PublishTranscript(sessionID string, msg protocol.Transcription) error
	PublishSessionClosed(sessionID string) error
}

// TranscriptLog records delivered transcriptions for diagnostics. Optional.
type TranscriptLog interface {
	AppendTranscript(ctx context.Context, sessionID string, msg protocol.Transcription) error
}

// Options are the client-facing session parameters. Empty fields fall back
// to the configured defaults.
type Options struct {
	Language       string
	ModelType      string
	TargetLanguage string
	DebugMode      bool
	Keywords       []string
}

// ConfigUpdate carries a partial reconfiguration; empty fields inherit the
// session's current values.
type ConfigUpdate struct {
	Language       string
	ModelType      string
	TargetLanguage string
}

// Snapshot is a read-only projection of one session.
type Snapshot struct {
	ID             string        `json:"client_id"`
	Language       string        `json:"language"`
	ModelType      string        `json:"model_type"`
	TargetLanguage string        `json:"target_language"`
	DebugMode      bool          `json:"debug_mode"`
	Keywords       []string      `json:"keywords"`
	RegisteredAt   time.Time     `json:"registered_at"`
	Running        bool          `json:"running"`
	Engine         engine.Status `json:"engine"`
	Stats          AudioStats    `json:"audio_stats"`
}

type session struct {
	id             string
	language       string
	modelType      string
	targetLanguage string
	debugMode      bool
	keywords       []string
	registeredAt   time.Time

	engine  engine.Engine
	running bool
	stats   AudioStats
	history *history
	sink    Sink

	// Serializes hot reconfiguration; a second concurrent UpdateConfig for
	// the same id queues behind the first instead of racing the swap.
	opMu sync.Mutex
}

// Manager owns the id→session registry, drives engine lifecycle and
// hot-reconfiguration, tracks ingestion statistics, and routes recognized
// utterances through the enrichment pipeline to each session's own sink.
type Manager struct {
	cfg      config.SessionConfig
	builder  EngineBuilder
	pipeline *enrich.Pipeline
	mirror   Mirror
	tlog     TranscriptLog
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup

	audioChunks    metric.Int64Counter
	audioBytes     metric.Int64Counter
	utterances     metric.Int64Counter
	enrichFailures metric.Int64Counter
	sendFailures   metric.Int64Counter
}

func NewManager(cfg config.SessionConfig, builder EngineBuilder, pipeline *enrich.Pipeline, logger *slog.Logger) *Manager {
	meter := otel.Meter("scribe-core/session")
	audioChunks, _ := meter.Int64Counter("scribe_audio_chunks_total")
	audioBytes, _ := meter.Int64Counter("scribe_audio_bytes_total")
	utterances, _ := meter.Int64Counter("scribe_utterances_total")
	enrichFailures, _ := meter.Int64Counter("scribe_enrich_failures_total")
	sendFailures, _ := meter.Int64Counter("scribe_send_failures_total")

	return &Manager{
		cfg:            cfg,
		builder:        builder,
		pipeline:       pipeline,
		logger:         logger.With(slog.String("component", "session-manager")),
		sessions:       make(map[string]*session),
		audioChunks:    audioChunks,
		audioBytes:     audioBytes,
		utterances:     utterances,
		enrichFailures: enrichFailures,
		sendFailures:   sendFailures,
	}
}

// SetMirror attaches an optional transcript mirror.
func (m *Manager) SetMirror(mirror Mirror) { m.mirror = mirror }

// SetTranscriptLog attaches an optional transcript log.
func (m *Manager) SetTranscriptLog(tlog TranscriptLog) { m.tlog = tlog }

// Register validates the options, constructs and starts an engine bound to
// this id, and stores the session. On any failure no session entry exists.
func (m *Manager) Register(id string, opts Options, sink Sink) error {
	opts = m.applyDefaults(opts)

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	m.mu.Unlock()

	eng, err := m.builder.Build(engine.Params{
		SessionID: id,
		Language:  opts.Language,
		ModelType: opts.ModelType,
		DebugMode: opts.DebugMode,
		Callback:  func(text string) { m.handleUtterance(id, text) },
	})
	if err != nil {
		if errors.Is(err, engine.ErrUnsupportedLanguage) || errors.Is(err, engine.ErrUnsupportedModel) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrEngineConstruction, err)
	}
	if err := eng.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineConstruction, err)
	}

	sess := &session{
		id:             id,
		language:       opts.Language,
		modelType:      opts.ModelType,
		targetLanguage: opts.TargetLanguage,
		debugMode:      opts.DebugMode,
		keywords:       append([]string(nil), opts.Keywords...),
		registeredAt:   time.Now(),
		engine:         eng,
		running:        true,
		history:        newHistory(m.cfg.HistoryDepth),
		sink:           sink,
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		_ = eng.Stop()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	m.sessions[id] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("session registered",
		slog.String("session_id", id),
		slog.String("language", opts.Language),
		slog.String("model", opts.ModelType),
		slog.Int("sessions", count))
	return nil
}

// Feed forwards one audio frame to the session's engine. A stopped engine
// gets one restart attempt before the frame is forwarded. Stats update only
// after a successful forward; slow feeds are logged, never failed.
func (m *Manager) Feed(ctx context.Context, id string, data []byte) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	eng := sess.engine
	running := sess.running
	m.mu.Unlock()

	start := time.Now()
	if !running {
		var err error
		if eng, err = m.restartEngine(id, sess, eng); err != nil {
			return err
		}
	}

	if err := eng.Feed(ctx, data); err != nil {
		if !errors.Is(err, engine.ErrNotRunning) {
			return fmt.Errorf("%w: %v", ErrEngineRuntime, err)
		}
		// one retry against whatever handle is current after the restart
		if eng, err = m.restartEngine(id, sess, eng); err != nil {
			return err
		}
		if err := eng.Feed(ctx, data); err != nil {
			return fmt.Errorf("%w: %v", ErrEngineRuntime, err)
		}
	}

	now := time.Now()
	m.mu.Lock()
	if cur, ok := m.sessions[id]; ok && cur == sess {
		cur.stats.record(len(data), now)
	}
	m.mu.Unlock()

	m.audioChunks.Add(ctx, 1)
	m.audioBytes.Add(ctx, int64(len(data)))

	if warn := time.Duration(m.cfg.SlowFeedWarnMS) * time.Millisecond; warn > 0 {
		if elapsed := time.Since(start); elapsed > warn {
			m.logger.Warn("slow audio forward",
				slog.String("session_id", id),
				slog.Duration("elapsed", elapsed))
		}
	}
	return nil
}

// restartEngine restarts the engine handle that a feed found stopped. It
// serializes against hot swaps via the session's op mutex, so by the time it
// holds the lock the swap that stopped the handle has finished. If the handle
// is no longer the session's current engine the decommissioned one stays
// stopped and the current (already running) handle is returned instead.
func (m *Manager) restartEngine(id string, sess *session, failed engine.Engine) (engine.Engine, error) {
	sess.opMu.Lock()
	defer sess.opMu.Unlock()

	m.mu.Lock()
	cur, ok := m.sessions[id]
	if !ok || cur != sess {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	current := sess.engine
	m.mu.Unlock()

	if current != failed {
		// A hot swap replaced the handle while we waited; the replacement
		// is already running.
		return current, nil
	}

	m.logger.Warn("engine not running, restarting", slog.String("session_id", id))
	if err := failed.Start(); err != nil {
		return nil, fmt.Errorf("%w: restart: %v", ErrEngineRuntime, err)
	}
	m.mu.Lock()
	if cur, ok := m.sessions[id]; ok && cur == sess {
		cur.running = true
	}
	m.mu.Unlock()
	return failed, nil
}

// UpdateConfig hot-swaps the session's engine: validate, stop the old
// engine, build and start a replacement with merged parameters, then swap.
// On replacement failure the original engine is restarted; if that rollback
// also fails the session is marked not running and both failures surface.
func (m *Manager) UpdateConfig(id string, upd ConfigUpdate) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()

	m.mu.Lock()
	merged := ConfigUpdate{
		Language:       sess.language,
		ModelType:      sess.modelType,
		TargetLanguage: sess.targetLanguage,
	}
	debugMode := sess.debugMode
	old := sess.engine
	m.mu.Unlock()

	if upd.Language != "" {
		merged.Language = upd.Language
	}
	if upd.ModelType != "" {
		merged.ModelType = upd.ModelType
	}
	if upd.TargetLanguage != "" {
		merged.TargetLanguage = upd.TargetLanguage
	}

	// Invalid parameters leave the current engine completely untouched.
	if err := m.builder.Validate(merged.Language, merged.ModelType); err != nil {
		return err
	}

	if err := old.Stop(); err != nil {
		m.logger.Warn("stopping engine for reconfigure failed",
			slog.String("session_id", id), slog.String("error", err.Error()))
	}

	replacement, err := m.builder.Build(engine.Params{
		SessionID: id,
		Language:  merged.Language,
		ModelType: merged.ModelType,
		DebugMode: debugMode,
		Callback:  func(text string) { m.handleUtterance(id, text) },
	})
	if err == nil {
		err = replacement.Start()
	}
	if err != nil {
		if rbErr := old.Start(); rbErr != nil {
			m.mu.Lock()
			if cur, ok := m.sessions[id]; ok && cur == sess {
				cur.running = false
			}
			m.mu.Unlock()
			m.logger.Error("engine rollback failed",
				slog.String("session_id", id), slog.String("error", rbErr.Error()))
			return errors.Join(
				fmt.Errorf("%w: %v", ErrEngineConstruction, err),
				fmt.Errorf("%w: rollback: %v", ErrEngineRuntime, rbErr),
			)
		}
		return fmt.Errorf("%w: %v", ErrEngineConstruction, err)
	}

	m.mu.Lock()
	if cur, ok := m.sessions[id]; !ok || cur != sess {
		// Session vanished mid-swap; tear down the replacement.
		m.mu.Unlock()
		_ = replacement.Stop()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sess.engine = replacement
	sess.language = merged.Language
	sess.modelType = merged.ModelType
	sess.targetLanguage = merged.TargetLanguage
	sess.running = true
	m.mu.Unlock()

	m.logger.Info("session reconfigured",
		slog.String("session_id", id),
		slog.String("language", merged.Language),
		slog.String("model", merged.ModelType))
	return nil
}

// UpdateKeywords replaces the keyword list without touching the engine.
func (m *Manager) UpdateKeywords(id string, keywords []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sess.keywords = append([]string(nil), keywords...)
	return nil
}

// Unregister stops the engine and removes all per-session state. Calling it
// for an absent id is a no-op success.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := sess.engine.Stop(); err != nil {
		m.logger.Warn("stopping engine on unregister failed",
			slog.String("session_id", id), slog.String("error", err.Error()))
	}
	if m.mirror != nil {
		if err := m.mirror.PublishSessionClosed(id); err != nil {
			m.logger.Warn("session closed publish failed",
				slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	m.logger.Info("session unregistered",
		slog.String("session_id", id), slog.Int("sessions", count))
}

// Config returns a read-only snapshot of one session.
func (m *Manager) Config(id string) (Snapshot, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snap := Snapshot{
		ID:             sess.id,
		Language:       sess.language,
		ModelType:      sess.modelType,
		TargetLanguage: sess.targetLanguage,
		DebugMode:      sess.debugMode,
		Keywords:       append([]string(nil), sess.keywords...),
		RegisteredAt:   sess.registeredAt,
		Running:        sess.running,
		Stats:          sess.stats,
	}
	eng := sess.engine
	m.mu.Unlock()

	snap.Engine = eng.Status()
	return snap, nil
}

// Snapshots lists all live sessions.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := m.Config(id); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// Close waits for in-flight enrichment work and tears down all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Unregister(id)
	}
	m.wg.Wait()
}

// handleUtterance is the engine callback path: snapshot the session's
// enrichment inputs, run the pipeline off the feed path, and deliver to this
// session's sink only. Results for since-removed sessions are dropped.
func (m *Manager) handleUtterance(id, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	in := enrich.Input{
		Text:           text,
		SourceLanguage: sess.language,
		TargetLanguage: sess.targetLanguage,
		History:        sess.history.Items(),
		Keywords:       append([]string(nil), sess.keywords...),
	}
	sink := sess.sink
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx := context.Background()

		result := m.pipeline.Process(ctx, in)
		m.utterances.Add(ctx, 1)
		if !result.Success {
			m.enrichFailures.Add(ctx, 1)
		}

		msg := protocol.Transcription{
			Event:              protocol.EventTranscription,
			Text:               text,
			RefinedText:        result.RefinedText,
			Translation:        result.Translation,
			IsKeywordMatch:     result.IsKeywordMatch,
			MatchedKeywords:    result.MatchedKeywords,
			MatchReason:        result.MatchReason,
			IsContinuation:     result.IsContinuation,
			ContinuationReason: result.ContinuationReason,
			ContextEnhanced:    result.ContextEnhanced,
			Timestamp:          float64(time.Now().UnixNano()) / float64(time.Second),
			SourceLanguage:     in.SourceLanguage,
			TargetLanguage:     in.TargetLanguage,
		}

		m.mu.Lock()
		cur, live := m.sessions[id]
		stillSame := live && cur == sess
		m.mu.Unlock()
		if !stillSame {
			// Session unregistered while enrichment was in flight.
			return
		}

		m.deliver(id, sink, msg)

		m.mu.Lock()
		if cur, ok := m.sessions[id]; ok && cur == sess {
			cur.history.Append(text)
		}
		m.mu.Unlock()

		if m.mirror != nil {
			if err := m.mirror.PublishTranscript(id, msg); err != nil {
				m.logger.Warn("transcript mirror publish failed",
					slog.String("session_id", id), slog.String("error", err.Error()))
			}
		}
		if m.tlog != nil {
			if err := m.tlog.AppendTranscript(ctx, id, msg); err != nil {
				m.logger.Warn("transcript log append failed",
					slog.String("session_id", id), slog.String("error", err.Error()))
			}
		}
	}()
}

// deliver sends to the session's own sink; a failed send gets one fallback
// attempt carrying only the raw recognized text.
func (m *Manager) deliver(id string, sink Sink, msg protocol.Transcription) {
	if sink == nil {
		return
	}
	if !sink.Ready() {
		m.logger.Warn("sink not ready, skipping delivery", slog.String("session_id", id))
		return
	}
	if err := sink.Send(msg); err != nil {
		m.sendFailures.Add(context.Background(), 1)
		m.logger.Warn("delivery failed, retrying with raw text",
			slog.String("session_id", id), slog.String("error", err.Error()))
		fallback := protocol.Transcription{
			Event:     protocol.EventTranscription,
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
		}
		if err := sink.Send(fallback); err != nil {
			m.logger.Warn("raw-text fallback delivery failed",
				slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) applyDefaults(opts Options) Options {
	if opts.Language == "" {
		opts.Language = m.cfg.DefaultLanguage
	}
	if opts.ModelType == "" {
		opts.ModelType = m.cfg.DefaultModel
	}
	if opts.TargetLanguage == "" {
		opts.TargetLanguage = m.cfg.DefaultTarget
	}
	return opts
}
