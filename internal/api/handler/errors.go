package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/jobrelay/internal/api/response"
	"github.com/kiranshivaraju/jobrelay/internal/blob"
	"github.com/kiranshivaraju/jobrelay/internal/reconcile"
	"github.com/kiranshivaraju/jobrelay/internal/store"
	"github.com/kiranshivaraju/jobrelay/internal/upstream"
)

// ErrorWriter maps service errors onto HTTP responses. Verbose adds the
// underlying error text as details; it is off in production.
type ErrorWriter struct {
	Verbose bool
}

func (e ErrorWriter) details(err error) any {
	if !e.Verbose || err == nil {
		return nil
	}
	return err.Error()
}

// Write sends the response for err. notFound is the message used when err
// means the resource does not exist.
func (e ErrorWriter) Write(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, blob.ErrNotFound), upstream.IsNotFound(err):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", notFound, nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "JOB_EXISTS",
			"A job with this job_id already exists", nil)
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, reconcile.ErrInvalidJobID):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case upstream.IsUpstreamError(err):
		slog.Warn("upstream request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusBadGateway, "UPSTREAM_ERROR",
			"The processing service could not be reached", e.details(err))
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", e.details(err))
	}
}

// BadRequest writes a 400 with the given message.
func (e ErrorWriter) BadRequest(w http.ResponseWriter, message string) {
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", message, nil)
}
