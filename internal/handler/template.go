package handler

import (
	"log/slog"
	"net/http"

	"fable/internal/httputil"
	"fable/internal/templates"
)

// TemplateHandler exposes the loaded chat template presets.
type TemplateHandler struct {
	registry *templates.Registry
	logger   *slog.Logger
}

// NewTemplateHandler creates a template handler.
func NewTemplateHandler(registry *templates.Registry, logger *slog.Logger) *TemplateHandler {
	return &TemplateHandler{registry: registry, logger: logger}
}

// ListTemplates returns all presets in definition order.
// GET /api/templates
func (h *TemplateHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]any{
		"templates": h.registry.List(),
	})
}

// HealthCheck responds to liveness probes.
// GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
