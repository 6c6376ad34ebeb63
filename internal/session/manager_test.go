package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veloscribe/scribe-core/internal/config"
	"github.com/veloscribe/scribe-core/internal/contextstore"
	"github.com/veloscribe/scribe-core/internal/engine"
	"github.com/veloscribe/scribe-core/internal/enrich"
	"github.com/veloscribe/scribe-core/internal/llm"
	"github.com/veloscribe/scribe-core/internal/protocol"
)

type fakeEngine struct {
	mu        sync.Mutex
	params    engine.Params
	running   bool
	starts    int
	stops     int
	startErr  error
	feedErr   error
	fed       [][]byte
	startedAt time.Time
	stoppedAt time.Time
}

func (f *fakeEngine) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.running = true
	f.startedAt = time.Now()
	return nil
}

func (f *fakeEngine) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	f.stoppedAt = time.Now()
	return nil
}

func (f *fakeEngine) Feed(_ context.Context, pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feedErr != nil {
		return f.feedErr
	}
	if !f.running {
		return engine.ErrNotRunning
	}
	f.fed = append(f.fed, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeEngine) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Status{Language: f.params.Language, ModelType: f.params.ModelType, Device: "cpu", Running: f.running}
}

func (f *fakeEngine) Emit(text string) {
	if f.params.Callback != nil {
		f.params.Callback(text)
	}
}

func (f *fakeEngine) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func (f *fakeEngine) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeBuilder struct {
	mu           sync.Mutex
	built        []*fakeEngine
	buildErr     error
	nextStartErr error

	// When set, Build blocks until the channel is closed. Lets tests hold a
	// hot swap open mid-flight.
	gate chan struct{}
}

func (b *fakeBuilder) Validate(language, modelType string) error {
	switch language {
	case "zh", "en", "ja":
	default:
		return fmt.Errorf("%w: %q", engine.ErrUnsupportedLanguage, language)
	}
	switch modelType {
	case "tiny", "base", "small":
	default:
		return fmt.Errorf("%w: %q", engine.ErrUnsupportedModel, modelType)
	}
	return nil
}

func (b *fakeBuilder) Build(p engine.Params) (engine.Engine, error) {
	if err := b.Validate(p.Language, p.ModelType); err != nil {
		return nil, err
	}
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buildErr != nil {
		return nil, b.buildErr
	}
	eng := &fakeEngine{params: p, startErr: b.nextStartErr}
	b.built = append(b.built, eng)
	return eng, nil
}

type captureSink struct {
	mu      sync.Mutex
	open    bool
	failN   int
	msgs    []protocol.Transcription
	arrived chan protocol.Transcription
}

func newCaptureSink() *captureSink {
	return &captureSink{open: true, arrived: make(chan protocol.Transcription, 16)}
}

func (s *captureSink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *captureSink) Send(msg protocol.Transcription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("write failed")
	}
	s.msgs = append(s.msgs, msg)
	s.arrived <- msg
	return nil
}

type replyGenerator struct{ reply string }

func (g *replyGenerator) Generate(_ context.Context, _ llm.Request, consumer func(llm.Chunk) error) error {
	return consumer(llm.Chunk{Content: g.reply})
}

func newManager(t *testing.T, builder EngineBuilder, gen llm.Generator) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	if gen == nil {
		gen = &replyGenerator{reply: `{"refined_text": "refined", "translation": "translated"}`}
	}
	pipeline := enrich.New(gen, contextstore.New(), config.Default().LLM, 5*time.Second, logger)
	return NewManager(config.Default().Session, builder, pipeline, logger)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRegisterUnsupportedLanguage(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)

	err := m.Register("c1", Options{Language: "xx", ModelType: "tiny"}, newCaptureSink())
	if !errors.Is(err, engine.ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
	if len(builder.built) != 0 {
		t.Fatal("no engine must be constructed")
	}
	if _, err := m.Config("c1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("no session entry must exist after rejected register")
	}
}

func TestRegisterEngineStartFailureCreatesNoSession(t *testing.T) {
	builder := &fakeBuilder{nextStartErr: errors.New("device busy")}
	m := newManager(t, builder, nil)

	err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, newCaptureSink())
	if !errors.Is(err, ErrEngineConstruction) {
		t.Fatalf("expected ErrEngineConstruction, got %v", err)
	}
	if _, err := m.Config("c1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("no session entry must exist after failed start")
	}
}

func TestFeedUnknownSession(t *testing.T) {
	m := newManager(t, &fakeBuilder{}, nil)
	if err := m.Feed(context.Background(), "ghost", []byte{1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFeedUpdatesStats(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)
	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, newCaptureSink()); err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, size := range []int{10, 20, 5} {
		if err := m.Feed(context.Background(), "c1", make([]byte, size)); err != nil {
			t.Fatalf("feed %d: %v", size, err)
		}
	}

	snap, err := m.Config("c1")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	stats := snap.Stats
	if stats.TotalBytes != 35 || stats.TotalChunks != 3 {
		t.Fatalf("unexpected totals: %+v", stats)
	}
	if stats.MaxChunkSize != 20 || stats.MinChunkSize != 5 {
		t.Fatalf("unexpected min/max: %+v", stats)
	}
	if stats.FirstChunkTime.IsZero() || stats.LastChunkTime.Before(stats.FirstChunkTime) {
		t.Fatalf("unexpected timestamps: %+v", stats)
	}
}

func TestFeedRestartsStoppedEngine(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)
	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, newCaptureSink()); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := builder.built[0]
	_ = eng.Stop()

	if err := m.Feed(context.Background(), "c1", []byte{1, 2, 3}); err != nil {
		t.Fatalf("feed after stop must restart, got %v", err)
	}
	if eng.starts != 2 {
		t.Fatalf("expected restart, starts=%d", eng.starts)
	}
	if len(eng.fed) != 1 {
		t.Fatalf("expected frame forwarded after restart, fed=%d", len(eng.fed))
	}
}

func TestUpdateConfigInvalidLeavesEngineUntouched(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)
	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, newCaptureSink()); err != nil {
		t.Fatalf("register: %v", err)
	}
	original := builder.built[0]

	err := m.UpdateConfig("c1", ConfigUpdate{Language: "xx"})
	if !errors.Is(err, engine.ErrUnsupportedLanguage) {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
	if original.stops != 0 {
		t.Fatal("invalid update must not stop the engine")
	}
	snap, _ := m.Config("c1")
	if !snap.Running || snap.Language != "zh" {
		t.Fatalf("session must be unchanged: %+v", snap)
	}
	if len(builder.built) != 1 {
		t.Fatal("no replacement engine must be constructed")
	}
}

func TestUpdateConfigSwapsEngine(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)
	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, newCaptureSink()); err != nil {
		t.Fatalf("register: %v", err)
	}
	original := builder.built[0]

	if err := m.UpdateConfig("c1", ConfigUpdate{Language: "en", ModelType: "base"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if original.stops != 1 {
		t.Fatalf("expected exactly one stop of the old engine, got %d", original.stops)
	}
	if len(builder.built) != 2 {
		t.Fatalf("expected one replacement engine, got %d", len(builder.built))
	}
	replacement := builder.built[1]
	if replacement.starts != 1 {
		t.Fatalf("expected exactly one start of the new engine, got %d", replacement.starts)
	}
	if replacement.startedAt.Before(original.stoppedAt) {
		t.Fatal("new engine must start after old engine stops")
	}

	snap, _ := m.Config("c1")
	if !snap.Running || snap.Language != "en" || snap.ModelType != "base" {
		t.Fatalf("unexpected snapshot after swap: %+v", snap)
	}
	// unspecified field inherited
	if snap.TargetLanguage != "en" {
		t.Fatalf("target language must be inherited, got %q", snap.TargetLanguage)
	}
}

func TestUpdateConfigRollsBackOnBuildFailure(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)
	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, newCaptureSink()); err != nil {
		t.Fatalf("register: %v", err)
	}
	original := builder.built[0]
	builder.buildErr = errors.New("no such model on disk")

	err := m.UpdateConfig("c1", ConfigUpdate{ModelType: "base"})
	if !errors.Is(err, ErrEngineConstruction) {
		t.Fatalf("expected ErrEngineConstruction, got %v", err)
	}
	if !original.running {
		t.Fatal("original engine must be restarted on rollback")
	}
	snap, _ := m.Config("c1")
	if !snap.Running || snap.ModelType != "tiny" {
		t.Fatalf("session must keep prior config after rollback: %+v", snap)
	}
}

func TestUpdateConfigFailedRollbackMarksNotRunning(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)
	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, newCaptureSink()); err != nil {
		t.Fatalf("register: %v", err)
	}
	original := builder.built[0]
	builder.buildErr = errors.New("no such model on disk")
	original.startErr = errors.New("device gone")

	err := m.UpdateConfig("c1", ConfigUpdate{ModelType: "base"})
	if !errors.Is(err, ErrEngineConstruction) || !errors.Is(err, ErrEngineRuntime) {
		t.Fatalf("expected both failures surfaced, got %v", err)
	}
	snap, _ := m.Config("c1")
	if snap.Running {
		t.Fatal("session must be marked not running after failed rollback")
	}
}

func TestFeedDuringReconfigureLeavesOldEngineStopped(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)
	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, newCaptureSink()); err != nil {
		t.Fatalf("register: %v", err)
	}
	old := builder.built[0]
	builder.gate = make(chan struct{})

	updDone := make(chan error, 1)
	go func() { updDone <- m.UpdateConfig("c1", ConfigUpdate{ModelType: "base"}) }()
	waitFor(t, func() bool {
		_, stops := old.counts()
		return stops == 1
	}, "old engine never stopped for the swap")

	// Frame arrives while the swap holds the old engine stopped; the feed
	// must queue behind the swap and land on the replacement, not revive the
	// decommissioned handle.
	feedDone := make(chan error, 1)
	go func() { feedDone <- m.Feed(context.Background(), "c1", []byte{1, 2, 3}) }()
	time.Sleep(20 * time.Millisecond)
	close(builder.gate)

	if err := <-updDone; err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := <-feedDone; err != nil {
		t.Fatalf("feed: %v", err)
	}

	if old.isRunning() {
		t.Fatal("decommissioned engine must stay stopped")
	}
	if starts, _ := old.counts(); starts != 1 {
		t.Fatalf("decommissioned engine must not be restarted, starts=%d", starts)
	}
	if len(builder.built) != 2 {
		t.Fatalf("expected exactly one replacement engine, got %d", len(builder.built))
	}
	replacement := builder.built[1]
	if !replacement.isRunning() || len(replacement.fed) != 1 {
		t.Fatalf("frame must reach the running replacement, fed=%d", len(replacement.fed))
	}
	snap, _ := m.Config("c1")
	if !snap.Running || snap.ModelType != "base" {
		t.Fatalf("unexpected snapshot after swap: %+v", snap)
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)
	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, newCaptureSink()); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := builder.built[0]

	m.Unregister("c1")
	m.Unregister("c1")

	if eng.stops != 1 {
		t.Fatalf("expected one engine stop, got %d", eng.stops)
	}
	if _, err := m.Config("c1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("session state must be gone after unregister")
	}
}

type fakeMirror struct {
	mu          sync.Mutex
	transcripts []string
	closed      []string
}

func (f *fakeMirror) PublishTranscript(sessionID string, _ protocol.Transcription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, sessionID)
	return nil
}

func (f *fakeMirror) PublishSessionClosed(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func TestUnregisterPublishesSessionClosed(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)
	mirror := &fakeMirror{}
	m.SetMirror(mirror)
	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, newCaptureSink()); err != nil {
		t.Fatalf("register: %v", err)
	}

	m.Unregister("c1")
	m.Unregister("c1")

	if len(mirror.closed) != 1 || mirror.closed[0] != "c1" {
		t.Fatalf("expected one session closed publish for c1, got %v", mirror.closed)
	}
}

func TestUpdateKeywordsDoesNotTouchEngine(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)
	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, newCaptureSink()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.UpdateKeywords("c1", []string{"refund", "invoice"}); err != nil {
		t.Fatalf("update keywords: %v", err)
	}
	eng := builder.built[0]
	if eng.stops != 0 || eng.starts != 1 {
		t.Fatal("keyword update must not restart the engine")
	}
	snap, _ := m.Config("c1")
	if len(snap.Keywords) != 2 {
		t.Fatalf("expected keywords replaced, got %v", snap.Keywords)
	}
	if err := m.UpdateKeywords("ghost", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEndToEndTranscriptionDelivery(t *testing.T) {
	builder := &fakeBuilder{}
	gen := &replyGenerator{reply: `{"refined_text": "你好。", "translation": "Hello."}`}
	m := newManager(t, builder, gen)
	sink := newCaptureSink()

	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny", TargetLanguage: "en"}, sink); err != nil {
		t.Fatalf("register: %v", err)
	}
	builder.built[0].Emit("你好")

	select {
	case msg := <-sink.arrived:
		if msg.Text != "你好" {
			t.Fatalf("unexpected raw text %q", msg.Text)
		}
		if msg.RefinedText == "" || msg.Translation == "" {
			t.Fatalf("expected non-empty enrichment: %+v", msg)
		}
		if msg.SourceLanguage != "zh" || msg.TargetLanguage != "en" {
			t.Fatalf("unexpected language pair: %+v", msg)
		}
		if msg.Timestamp == 0 {
			t.Fatal("expected timestamp set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no transcription delivered")
	}
}

func TestDeliveryFallsBackToRawText(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)
	sink := newCaptureSink()
	sink.failN = 1

	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, sink); err != nil {
		t.Fatalf("register: %v", err)
	}
	builder.built[0].Emit("hello world")

	select {
	case msg := <-sink.arrived:
		if msg.Text != "hello world" || msg.RefinedText != "" {
			t.Fatalf("expected raw-only fallback message, got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fallback delivered")
	}
}

func TestLateResultDroppedAfterUnregister(t *testing.T) {
	builder := &fakeBuilder{}
	m := newManager(t, builder, nil)
	sink := newCaptureSink()

	if err := m.Register("c1", Options{Language: "zh", ModelType: "tiny"}, sink); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := builder.built[0]
	m.Unregister("c1")

	eng.Emit("too late")
	m.Close()

	if len(sink.msgs) != 0 {
		t.Fatalf("results after unregister must be dropped, got %v", sink.msgs)
	}
}

func TestHistoryFeedsSubsequentEnrichment(t *testing.T) {
	builder := &fakeBuilder{}
	var prompts []string
	var mu sync.Mutex
	gen := generatorFunc(func(_ context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()
		return consumer(llm.Chunk{Content: `{"refined_text": "x"}`})
	})
	m := newManager(t, builder, gen)
	sink := newCaptureSink()

	if err := m.Register("c1", Options{Language: "en", ModelType: "tiny"}, sink); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := builder.built[0]

	eng.Emit("first utterance")
	<-sink.arrived
	eng.Emit("second utterance")
	<-sink.arrived

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 2 {
		t.Fatalf("expected two model calls, got %d", len(prompts))
	}
	if !strings.Contains(prompts[1], "first utterance") {
		t.Fatalf("second call must see first utterance as history:\n%s", prompts[1])
	}
	if strings.Contains(prompts[0], "Recent utterances") {
		t.Fatal("first call must have empty history")
	}
}

type generatorFunc func(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error

func (f generatorFunc) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	return f(ctx, req, consumer)
}

