// Package handler exposes the HTTP surface: session CRUD, generation
// triggers and the SSE update stream.
package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"fable/internal/domain"
	"fable/internal/domain/models/chat"
	chatSvc "fable/internal/domain/services/chat"
	"fable/internal/httputil"
	"fable/internal/service/generation"
)

// SessionHandler handles session lifecycle and inspection requests.
type SessionHandler struct {
	registry  chatSvc.SessionRegistry
	memory    chatSvc.MemoryBuilder
	templates generation.TemplateSource
	logger    *slog.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(
	registry chatSvc.SessionRegistry,
	memory chatSvc.MemoryBuilder,
	templates generation.TemplateSource,
	logger *slog.Logger,
) *SessionHandler {
	return &SessionHandler{
		registry:  registry,
		memory:    memory,
		templates: templates,
		logger:    logger,
	}
}

// CreateSession creates a new session from a character card.
// POST /api/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var params chatSvc.CreateSessionParams
	if err := httputil.ParseJSON(w, r, &params); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.registry.Create(r.Context(), &params)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}

	// Marshal a detached copy; the live session is already visible to
	// concurrent requests.
	created, err := h.registry.Snapshot(session.ID)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	httputil.RespondJSON(w, http.StatusCreated, created)
}

// ListSessions returns all sessions.
// GET /api/sessions
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]any{
		"sessions": h.registry.List(),
	})
}

// GetSession returns one session with its messages.
// GET /api/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.registry.Snapshot(r.PathValue("id"))
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, session)
}

// DeleteSession removes a session.
// DELETE /api/sessions/{id}
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), r.PathValue("id")); err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// updateSessionRequest carries the mutable session fields. Pointers
// distinguish "leave unchanged" from "set to zero value".
type updateSessionRequest struct {
	Title                   *string               `json:"title,omitempty"`
	UserName                *string               `json:"user_name,omitempty"`
	Notes                   *string               `json:"notes,omitempty"`
	PostHistoryInstructions *string               `json:"post_history_instructions,omitempty"`
	Settings                *chat.SessionSettings `json:"settings,omitempty"`
}

// UpdateSession applies partial updates to a session's steering text and
// generation settings.
// PATCH /api/sessions/{id}
func (h *SessionHandler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := r.PathValue("id")
	err := h.registry.Update(id, func(s *chat.Session) error {
		if req.Title != nil {
			s.Title = *req.Title
		}
		if req.UserName != nil {
			s.UserName = *req.UserName
		}
		if req.Notes != nil {
			s.Notes = *req.Notes
		}
		if req.PostHistoryInstructions != nil {
			s.PostHistoryInstructions = *req.PostHistoryInstructions
		}
		if req.Settings != nil {
			if req.Settings.CompressionLevel == "" {
				req.Settings.CompressionLevel = chat.CompressionNone
			}
			if !req.Settings.CompressionLevel.Valid() {
				return &domain.ValidationError{
					Message: fmt.Sprintf("unknown compression level %q", req.Settings.CompressionLevel),
				}
			}
			s.Settings = *req.Settings
		}
		return nil
	})
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}

	h.registry.Persist(id)

	session, err := h.registry.Snapshot(id)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, session)
}

// cycleVariationRequest selects which stored variation a message shows.
type cycleVariationRequest struct {
	Variation int `json:"variation"`
}

// CycleVariation switches a message to another stored variation.
// POST /api/sessions/{id}/messages/{mid}/variation
func (h *SessionHandler) CycleVariation(w http.ResponseWriter, r *http.Request) {
	var req cycleVariationRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	msg, err := h.registry.CycleVariation(r.PathValue("id"), r.PathValue("mid"), req.Variation)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	httputil.RespondJSON(w, http.StatusOK, msg)
}

// contextPreview is the context-window inspector payload: what the next
// generation would send, without side effects.
type contextPreview struct {
	Memory         string                `json:"memory"`
	FieldBreakdown []chat.FieldTokenInfo `json:"field_breakdown"`
	TotalTokens    int                   `json:"total_tokens"`
	SavedTokens    int                   `json:"saved_tokens"`
	TurnCount      int                   `json:"turn_count"`
	CacheValid     bool                  `json:"cache_valid"`
}

// InspectContext previews the memory assembly for the session's next turn.
// The memory builder is pure, so this is safe to call while idle or
// mid-generation.
// GET /api/sessions/{id}/context
func (h *SessionHandler) InspectContext(w http.ResponseWriter, r *http.Request) {
	session, err := h.registry.Snapshot(r.PathValue("id"))
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}

	var template *chat.ChatTemplate
	if h.templates != nil && session.Settings.TemplateName != "" {
		template = h.templates.Template(session.Settings.TemplateName)
	}
	if template == nil {
		template = chat.DefaultTemplate()
	}

	turns := session.HistoryMessages()
	result := h.memory.Build(&session.Character, template, session.UserName,
		session.Settings.CompressionLevel, len(turns))

	httputil.RespondJSON(w, http.StatusOK, contextPreview{
		Memory:         result.Memory,
		FieldBreakdown: result.FieldBreakdown,
		TotalTokens:    result.TotalTokens,
		SavedTokens:    result.SavedTokens,
		TurnCount:      len(turns),
		CacheValid:     session.CompressedCache.ValidFor(session.Settings.CompressionLevel, len(turns)),
	})
}
