package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/jobrelay/internal/api/response"
)

const healthTimeout = 3 * time.Second

// Pinger is any dependency with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns the GET /health handler. Each named dependency is
// pinged; any failure turns the response into a 503.
func NewHealthHandler(service string, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		checks := make(map[string]string, len(deps))
		degraded := false
		for name, dep := range deps {
			checks[name] = "ok"
			if err := dep.Ping(ctx); err != nil {
				checks[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
			"service":   service,
			"checks":    checks,
		})
	}
}

// NewRootHandler returns the static GET / description of the API.
func NewRootHandler(version string) http.HandlerFunc {
	info := map[string]any{
		"message": "Job relay API",
		"version": version,
		"endpoints": map[string]string{
			"health": "/health",
			"jobs":   "/api/jobs",
			"files":  "/api/files",
		},
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, info)
	}
}
