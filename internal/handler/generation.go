package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"fable/internal/domain/models/chat"
	chatSvc "fable/internal/domain/services/chat"
	"fable/internal/handler/sse"
	"fable/internal/httputil"
	"fable/internal/service/generation"
)

// GenerationHandler exposes the four generation modes, stop, and the SSE
// update stream for a session.
type GenerationHandler struct {
	orchestrator chatSvc.Orchestrator
	registry     chatSvc.SessionRegistry
	relay        *generation.Relay
	sseConfig    *sse.Config
	logger       *slog.Logger
}

// NewGenerationHandler creates a generation handler.
func NewGenerationHandler(
	orchestrator chatSvc.Orchestrator,
	registry chatSvc.SessionRegistry,
	relay *generation.Relay,
	sseConfig *sse.Config,
	logger *slog.Logger,
) *GenerationHandler {
	if sseConfig == nil {
		sseConfig = sse.DefaultConfig()
	}
	return &GenerationHandler{
		orchestrator: orchestrator,
		registry:     registry,
		relay:        relay,
		sseConfig:    sseConfig,
		logger:       logger,
	}
}

// Generate starts a standard turn: user message in, assistant stream out.
// POST /api/sessions/{id}/generate
//
// The generation runs to completion before responding; live updates go out
// over the session's SSE stream. Callers that want progressive rendering
// subscribe to the stream first.
func (h *GenerationHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var params chatSvc.GenerateParams
	if err := httputil.ParseJSON(w, r, &params); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	params.SessionID = r.PathValue("id")

	result, err := h.orchestrator.Generate(h.generationContext(r), &params)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, result)
}

// Regenerate produces a new variation for an assistant message.
// POST /api/sessions/{id}/messages/{mid}/regenerate
func (h *GenerationHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	params := chatSvc.TargetParams{
		SessionID: r.PathValue("id"),
		MessageID: r.PathValue("mid"),
	}

	result, err := h.orchestrator.Regenerate(h.generationContext(r), &params)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, result)
}

// Continue extends an assistant message mid-sentence.
// POST /api/sessions/{id}/messages/{mid}/continue
func (h *GenerationHandler) Continue(w http.ResponseWriter, r *http.Request) {
	params := chatSvc.TargetParams{
		SessionID: r.PathValue("id"),
		MessageID: r.PathValue("mid"),
	}

	result, err := h.orchestrator.Continue(h.generationContext(r), &params)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, result)
}

// Impersonate drafts text in the user's voice without touching the session.
// POST /api/sessions/{id}/impersonate
func (h *GenerationHandler) Impersonate(w http.ResponseWriter, r *http.Request) {
	var params chatSvc.ImpersonateParams
	if err := httputil.ParseJSON(w, r, &params); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	params.SessionID = r.PathValue("id")

	result, err := h.orchestrator.Impersonate(h.generationContext(r), &params)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, result)
}

// Stop aborts the session's active generation.
// POST /api/sessions/{id}/stop
func (h *GenerationHandler) Stop(w http.ResponseWriter, r *http.Request) {
	stopped := h.orchestrator.Stop(r.PathValue("id"))
	httputil.RespondJSON(w, http.StatusOK, map[string]any{
		"stopped": stopped,
	})
}

// Status reports whether a generation is in flight for the session.
// GET /api/sessions/{id}/generation
func (h *GenerationHandler) Status(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]any{
		"generating": h.orchestrator.IsGenerating(r.PathValue("id")),
	})
}

// Stream handles the session's SSE update stream.
// GET /api/sessions/{id}/stream
//
// Clients may connect before or during a generation. A client that joins
// mid-stream receives a catchup message_update with the current partial
// content, then live events until it disconnects.
func (h *GenerationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if _, err := h.registry.Get(sessionID); err != nil {
		respondServiceError(w, h.logger, err)
		return
	}

	writer, err := sse.NewWriter(w)
	if err != nil {
		h.logger.Error("SSE setup failed", "session_id", sessionID, "error", err)
		httputil.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	clientID := uuid.New().String()
	eventChan := h.relay.Subscribe(sessionID, clientID)
	defer h.relay.Unsubscribe(sessionID, clientID)

	h.logger.Info("SSE client connected",
		"session_id", sessionID,
		"client_id", clientID,
	)

	if err := h.sendCatchup(writer, sessionID); err != nil {
		h.logger.Info("client disconnected during catchup",
			"session_id", sessionID,
			"client_id", clientID,
		)
		return
	}

	keepAlive := sse.NewTickerKeepAlive(h.sseConfig.KeepAliveInterval)
	keepAliveDone := keepAlive.Start(writer, h.logger)
	defer keepAlive.Stop()

	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if err := writer.WriteEvent(event); err != nil {
				h.logger.Info("client disconnected during event write",
					"session_id", sessionID,
					"client_id", clientID,
				)
				return
			}

		case <-keepAliveDone:
			// Keep-alive write failed; the connection is gone.
			return

		case <-r.Context().Done():
			h.logger.Debug("SSE client disconnected",
				"session_id", sessionID,
				"client_id", clientID,
			)
			return
		}
	}
}

// sendCatchup replays the current streaming message state to a late joiner,
// so reconnecting clients do not render a stale message until the next flush.
func (h *GenerationHandler) sendCatchup(writer *sse.Writer, sessionID string) error {
	if !h.orchestrator.IsGenerating(sessionID) {
		return nil
	}

	session, err := h.registry.Snapshot(sessionID)
	if err != nil {
		return nil
	}

	for i := len(session.Messages) - 1; i >= 0; i-- {
		msg := session.Messages[i]
		if msg.Status != chat.StatusStreaming {
			continue
		}
		event, err := chat.FormatSSE(chat.SSEEventMessageUpdate, chat.MessageUpdateEvent{
			MessageID:        msg.ID,
			Content:          msg.Content,
			CurrentVariation: msg.CurrentVariation,
			Status:           msg.Status,
		})
		if err != nil {
			return nil
		}
		return writer.WriteEvent(event)
	}
	return nil
}

// generationContext detaches the generation from the request lifetime. A
// client that fires a generation and drops the HTTP request should not abort
// the stream; Stop is the explicit abort path.
func (h *GenerationHandler) generationContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
