package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/jobrelay/internal/api/middleware"
	"github.com/kiranshivaraju/jobrelay/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	RootHandler   http.HandlerFunc
	HealthHandler http.HandlerFunc

	CreateJob       http.HandlerFunc
	ListJobs        http.HandlerFunc
	GetJob          http.HandlerFunc
	GetJobByJobID   http.HandlerFunc
	GetJobStatus    http.HandlerFunc
	GetJobWithFiles http.HandlerFunc
	UpdateJob       http.HandlerFunc
	DeleteJob       http.HandlerFunc
	ListJobsStatus  http.HandlerFunc

	FetchDetails    http.HandlerFunc
	ExternalDetails http.HandlerFunc
	CompleteJob     http.HandlerFunc
	ListJobFiles    http.HandlerFunc
	DeleteJobFiles  http.HandlerFunc

	DownloadFile http.HandlerFunc
	FileInfo     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
//
// chi needs one parameter name per path position, so /api/jobs/{id} and
// the /api/jobs/{id}/... pipeline routes share {id}. The pipeline handlers
// read it as the upstream job_id.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	r.Use(mw.CORS)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})

	// Public
	r.Get("/", orNotImplemented(deps.RootHandler))
	r.Get("/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/jobs", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.CreateJob))
			r.Get("/", orNotImplemented(deps.ListJobs))

			r.Get("/job-id/{jobID}", orNotImplemented(deps.GetJobByJobID))
			r.Get("/job-id/{jobID}/status", orNotImplemented(deps.GetJobStatus))
			r.Get("/by-id/{id}", orNotImplemented(deps.GetJobWithFiles))
			r.Get("/status/{status}", orNotImplemented(deps.ListJobsStatus))

			r.Get("/{id}", orNotImplemented(deps.GetJob))
			r.Put("/{id}", orNotImplemented(deps.UpdateJob))
			r.Delete("/{id}", orNotImplemented(deps.DeleteJob))

			r.Post("/{id}/fetch-details", orNotImplemented(deps.FetchDetails))
			r.Get("/{id}/external-details", orNotImplemented(deps.ExternalDetails))
			r.Get("/{id}/complete", orNotImplemented(deps.CompleteJob))
			r.Get("/{id}/files", orNotImplemented(deps.ListJobFiles))
			r.Delete("/{id}/files", orNotImplemented(deps.DeleteJobFiles))
		})

		r.Get("/api/files/{jobID}/{filename}", orNotImplemented(deps.DownloadFile))
		r.Get("/api/files/{jobID}/{filename}/info", orNotImplemented(deps.FileInfo))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
