package api

import (
	"errors"
	"net/http"

	"github.com/ignite/dispatch-engine/internal/pkg/httputil"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/render"
	"github.com/ignite/dispatch-engine/internal/service/blacklist"
	"github.com/ignite/dispatch-engine/internal/service/queue"
	"github.com/ignite/dispatch-engine/internal/service/registry"
	"github.com/ignite/dispatch-engine/internal/service/resolver"
)

// respondServiceError maps service sentinels to client errors. Anything
// unrecognised is logged and answered with a generic 500 so database and
// provider details never reach API consumers.
func respondServiceError(w http.ResponseWriter, err error) {
	var verr *queue.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.JSON(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error: "validation failed", Code: "validation_failed", Details: verr.Fields,
		})
	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, registry.ErrProviderNotFound),
		errors.Is(err, registry.ErrBindingNotFound),
		errors.Is(err, blacklist.ErrNotFound),
		errors.Is(err, render.ErrTemplateNotFound):
		httputil.ErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, queue.ErrSentNotFinalized):
		logger.Error("api: sent message not finalized", "error", err)
		httputil.ErrorCode(w, http.StatusServiceUnavailable, "outcome_pending",
			"Email was sent but its outcome is not recorded yet")
	case errors.Is(err, queue.ErrNotCancellable):
		httputil.ErrorCode(w, http.StatusConflict, "not_cancellable", err.Error())
	case errors.Is(err, registry.ErrNotGlobal):
		httputil.ErrorCode(w, http.StatusConflict, "not_global", err.Error())
	case errors.Is(err, resolver.ErrNoProvider):
		httputil.ErrorCode(w, http.StatusUnprocessableEntity, "no_provider", err.Error())
	case errors.Is(err, blacklist.ErrEmptyAddress):
		httputil.ErrorCode(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		logger.Error("api: request failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "An internal error occurred")
	}
}
