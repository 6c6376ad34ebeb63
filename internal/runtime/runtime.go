package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veloscribe/scribe-core/internal/bus"
	"github.com/veloscribe/scribe-core/internal/config"
	"github.com/veloscribe/scribe-core/internal/contextstore"
	"github.com/veloscribe/scribe-core/internal/engine"
	"github.com/veloscribe/scribe-core/internal/enrich"
	"github.com/veloscribe/scribe-core/internal/gateway"
	"github.com/veloscribe/scribe-core/internal/llm"
	"github.com/veloscribe/scribe-core/internal/natsserver"
	"github.com/veloscribe/scribe-core/internal/session"
	"github.com/veloscribe/scribe-core/internal/summarize"
	"github.com/veloscribe/scribe-core/internal/translog"
)

// Version is stamped on telemetry resources and reported by the binary.
const Version = "0.1.0-dev"

// Runtime assembles and supervises every component: telemetry, the optional
// transcript mirror bus, the transcript log, the engine factory, the
// enrichment pipeline, the session manager and the client gateway.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the runtime up and blocks until ctx is cancelled, then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var busClient *bus.Client
	var embedded *natsserver.EmbeddedServer
	if r.cfg.Bus.Enabled {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		busClient, err = bus.Connect(r.cfg.Bus, r.logger)
		if err != nil {
			embedded.Shutdown()
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
	}

	tlog, err := translog.Open(ctx, r.cfg.TranscriptLog, r.logger)
	if err != nil {
		busClient.Close()
		embedded.Shutdown()
		return fmt.Errorf("failed to open transcript log: %w", err)
	}

	generator, err := buildGenerator(r.cfg.LLM)
	if err != nil {
		tlog.Close()
		busClient.Close()
		embedded.Shutdown()
		return fmt.Errorf("failed to build llm generator: %w", err)
	}

	factory, err := engine.NewFactory(r.cfg.Engine, r.cfg.Session, r.logger)
	if err != nil {
		tlog.Close()
		busClient.Close()
		embedded.Shutdown()
		return fmt.Errorf("failed to build engine factory: %w", err)
	}

	store := contextstore.New()
	pipeline := enrich.New(generator, store, r.cfg.LLM,
		time.Duration(r.cfg.Session.EnrichTimeoutMS)*time.Millisecond, r.logger)
	manager := session.NewManager(r.cfg.Session, factory, pipeline, r.logger)
	if busClient != nil {
		manager.SetMirror(busClient)
	}
	manager.SetTranscriptLog(tlog)

	summarizer := summarize.New(generator, r.cfg.Summary, r.cfg.LLM, r.logger)

	router := chi.NewRouter()
	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	if metricHandler != nil {
		router.Handle("/metrics", metricHandler)
	}
	gateway.New(manager, summarizer, store, r.logger).Routes(router)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine_mode", r.cfg.Engine.Mode),
		slog.String("llm_mode", r.cfg.LLM.Mode),
		slog.Bool("bus_enabled", r.cfg.Bus.Enabled))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	manager.Close()
	if err := tlog.Close(); err != nil {
		r.logger.Error("transcript log close error", slog.String("error", err.Error()))
	}
	busClient.Close()
	embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func buildGenerator(cfg config.LLMConfig) (llm.Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return llm.NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return llm.NewExecGenerator(cfg.Command)
	default:
		return llm.NewMockGenerator(), nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
