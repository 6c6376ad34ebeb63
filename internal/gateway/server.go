package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veloscribe/scribe-core/internal/contextstore"
	"github.com/veloscribe/scribe-core/internal/engine"
	"github.com/veloscribe/scribe-core/internal/protocol"
	"github.com/veloscribe/scribe-core/internal/session"
	"github.com/veloscribe/scribe-core/internal/summarize"
)

// Gateway is the client-facing HTTP and WebSocket surface. It owns no
// session state; every operation delegates to the session manager, the
// summary service or the shared context store.
type Gateway struct {
	manager    *session.Manager
	summarizer *summarize.Service
	store      *contextstore.Store
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func New(manager *session.Manager, summarizer *summarize.Service, store *contextstore.Store, logger *slog.Logger) *Gateway {
	return &Gateway{
		manager:    manager,
		summarizer: summarizer,
		store:      store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "gateway")),
	}
}

// Routes mounts all gateway endpoints on the given router.
func (g *Gateway) Routes(r chi.Router) {
	r.Use(middleware.Recoverer)

	r.Get("/ws/transcribe/{clientID}", g.handleTranscribe)
	r.Get("/ws/transcribe/", g.handleTranscribe)
	r.Get("/ws/status", g.handleStatus)
	r.Get("/ws/client/{clientID}/config", g.handleGetClientConfig)
	r.Post("/ws/client/{clientID}/config", g.handleUpdateClientConfig)

	r.Post("/summary", g.handleSummary)
	r.Get("/summary/context", g.handleGetContext)
	r.Post("/summary/context", g.handleSetContext)
	r.Delete("/summary/context", g.handleClearContext)
}

// handleTranscribe runs one session: upgrade, register, pump frames until the
// peer goes away, then tear the session down.
func (g *Gateway) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" || clientID == "undefined" {
		clientID = uuid.NewString()
	}
	logger := g.logger.With(slog.String("client_id", clientID))

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	sink := newWSSink(conn)
	defer sink.Close()

	if err := sink.writeJSON(protocol.Connected{Event: protocol.EventConnected, ClientID: clientID}); err != nil {
		logger.Warn("connected event failed", slog.String("error", err.Error()))
		return
	}

	if err := g.manager.Register(clientID, session.Options{DebugMode: true}, sink); err != nil {
		logger.Error("session registration failed", slog.String("error", err.Error()))
		_ = sink.writeJSON(protocol.ErrorEvent{Event: protocol.EventError, Message: "session registration failed"})
		return
	}
	defer func() {
		if snap, err := g.manager.Config(clientID); err == nil && snap.Stats.TotalChunks > 0 {
			logger.Info("session audio totals",
				slog.Int64("chunks", snap.Stats.TotalChunks),
				slog.Int64("bytes", snap.Stats.TotalBytes),
				slog.Duration("span", snap.Stats.LastChunkTime.Sub(snap.Stats.FirstChunkTime)))
		}
		g.manager.Unregister(clientID)
	}()
	logger.Info("session attached")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", slog.String("error", err.Error()))
			} else {
				logger.Info("websocket closed")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := g.manager.Feed(r.Context(), clientID, data); err != nil {
				logger.Error("audio forward failed", slog.String("error", err.Error()))
			}
		case websocket.TextMessage:
			g.handleControlMessage(clientID, sink, data, logger)
		}
	}
}

// handleControlMessage applies one JSON control message from the client.
// Config messages are acknowledged before the hot swap and answered with the
// outcome after it.
func (g *Gateway) handleControlMessage(clientID string, sink *wsSink, data []byte, logger *slog.Logger) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("invalid control message", slog.String("error", err.Error()))
		return
	}
	if msg.Event != protocol.EventConfig {
		logger.Debug("ignoring control message", slog.String("event", msg.Event))
		return
	}

	_ = sink.writeJSON(protocol.ConfigReceived{Event: protocol.EventConfigReceived, Status: "processing"})

	if msg.Config.Keywords != nil {
		if err := g.manager.UpdateKeywords(clientID, msg.Config.Keywords); err != nil {
			logger.Warn("keyword update failed", slog.String("error", err.Error()))
		}
	}

	err := g.manager.UpdateConfig(clientID, session.ConfigUpdate{
		Language:       msg.Config.Language,
		ModelType:      msg.Config.ResolvedModel(),
		TargetLanguage: msg.Config.TargetLanguage,
	})
	if err != nil {
		logger.Error("config update failed", slog.String("error", err.Error()))
		_ = sink.writeJSON(protocol.ConfigUpdated{
			Event:   protocol.EventConfigUpdated,
			Status:  "error",
			Message: configErrorMessage(err),
		})
		return
	}

	_ = sink.writeJSON(protocol.ConfigUpdated{
		Event:  protocol.EventConfigUpdated,
		Status: "success",
		Config: &msg.Config,
	})
	logger.Info("session reconfigured by client",
		slog.String("language", msg.Config.Language),
		slog.String("model", msg.Config.ResolvedModel()))
}

func configErrorMessage(err error) string {
	switch {
	case errors.Is(err, engine.ErrUnsupportedLanguage):
		return "unsupported language"
	case errors.Is(err, engine.ErrUnsupportedModel):
		return "unsupported model"
	case errors.Is(err, session.ErrNotFound):
		return "session not found"
	default:
		return "configuration update failed"
	}
}

type statusResponse struct {
	Timestamp         float64            `json:"timestamp"`
	ActiveConnections int                `json:"active_connections"`
	RegisteredClients int                `json:"registered_clients"`
	Connections       []session.Snapshot `json:"connections"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshots := g.manager.Snapshots()
	writeJSON(w, http.StatusOK, statusResponse{
		Timestamp:         float64(time.Now().UnixNano()) / float64(time.Second),
		ActiveConnections: len(snapshots),
		RegisteredClients: len(snapshots),
		Connections:       snapshots,
	})
}

func (g *Gateway) handleGetClientConfig(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	snap, err := g.manager.Config(clientID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "client not found", "client_id": clientID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id": clientID,
		"config":    snap,
		"connected": true,
		"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
	})
}

func (g *Gateway) handleUpdateClientConfig(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	var cfg protocol.ClientConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "client_id": clientID, "message": "invalid request body"})
		return
	}

	if cfg.Keywords != nil {
		if err := g.manager.UpdateKeywords(clientID, cfg.Keywords); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "client_id": clientID, "message": configErrorMessage(err)})
			return
		}
	}

	err := g.manager.UpdateConfig(clientID, session.ConfigUpdate{
		Language:       cfg.Language,
		ModelType:      cfg.ResolvedModel(),
		TargetLanguage: cfg.TargetLanguage,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"success": false, "client_id": clientID, "message": configErrorMessage(err)})
		return
	}

	snap, _ := g.manager.Config(clientID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"client_id": clientID,
		"message":   "configuration updated",
		"config":    snap,
	})
}

func (g *Gateway) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req protocol.SummaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	writeJSON(w, http.StatusOK, g.summarizer.Generate(r.Context(), req.Transcriptions))
}

func (g *Gateway) handleGetContext(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"has_context": g.store.HasContext(),
		"context":     g.store.Get(),
	})
}

func (g *Gateway) handleSetContext(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ContextStatus{Status: "error", Message: "invalid request body"})
		return
	}
	if !g.store.Set(payload) {
		writeJSON(w, http.StatusBadRequest, protocol.ContextStatus{
			Status:  "error",
			Message: "context requires scene, topic, keyPoints and summary",
		})
		return
	}
	g.logger.Info("summary context set")
	writeJSON(w, http.StatusOK, protocol.ContextStatus{Status: "success", Message: "context stored"})
}

func (g *Gateway) handleClearContext(w http.ResponseWriter, _ *http.Request) {
	g.store.Clear()
	g.logger.Info("summary context cleared")
	writeJSON(w, http.StatusOK, protocol.ContextStatus{Status: "success", Message: "context cleared"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
