package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"fable/internal/domain"
	"fable/internal/httputil"
)

// respondServiceError maps a service error onto the HTTP surface. Typed
// domain errors carry their own status; known sentinels map explicitly;
// anything else is a 500 with the detail kept out of the response.
func respondServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var httpErr domain.HTTPError
	if errors.As(err, &httpErr) {
		httputil.RespondError(w, httpErr.StatusCode(), httpErr.Error())
		return
	}

	switch {
	case errors.Is(err, domain.ErrGenerationActive):
		httputil.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrGhostRequest):
		httputil.RespondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrEmptyCompletion):
		httputil.RespondError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		httputil.RespondError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrValidation):
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("unhandled service error", "error", err)
		httputil.RespondError(w, http.StatusInternalServerError, "internal server error")
	}
}
