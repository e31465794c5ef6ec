package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/jobrelay/internal/api/response"
	"github.com/kiranshivaraju/jobrelay/internal/blob"
	"github.com/kiranshivaraju/jobrelay/internal/reconcile"
	"github.com/kiranshivaraju/jobrelay/internal/store"
	"github.com/kiranshivaraju/jobrelay/internal/upstream"
	"github.com/kiranshivaraju/jobrelay/pkg/models"
)

// ListLimit caps GET /api/jobs without explicit paging.
const ListLimit = store.MaxPageSize

const jobNotFound = "Job not found"

// JobStore is the job record API the handlers depend on.
type JobStore interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	GetByJobID(ctx context.Context, jobID string) (*models.Job, error)
	ListByStatus(ctx context.Context, status models.Status) ([]*models.Job, error)
	ListPaginated(ctx context.Context, req store.PageRequest) (*store.Page, error)
}

// Reconciler is the pipeline API the handlers depend on.
type Reconciler interface {
	CreateJob(ctx context.Context, req reconcile.CreateRequest) (*models.Job, error)
	FetchDetailsAndFiles(ctx context.Context, jobID string) (*reconcile.FetchOutcome, error)
	ExternalDetails(ctx context.Context, jobID string) (*upstream.JobDetails, error)
	JobWithDetails(ctx context.Context, jobID string) (*reconcile.JobView, error)
	UpdateJob(ctx context.Context, id string, patch store.Patch) (*models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	Status(ctx context.Context, jobID string) (models.Status, error)
}

// FileStore is the bucket API the handlers depend on.
type FileStore interface {
	List(ctx context.Context, jobID string) ([]blob.FileInfo, error)
	DeleteAll(ctx context.Context, jobID string) (int, error)
	Open(ctx context.Context, jobID, filename string) (io.ReadCloser, *blob.FileInfo, error)
	Info(ctx context.Context, jobID, filename string) (*blob.FileInfo, error)
}

// Jobs serves the /api/jobs routes. Routes under /api/jobs/{id}/... take
// the external job_id in {id}; the bare /api/jobs/{id} routes take the
// document id.
type Jobs struct {
	Store   JobStore
	Service Reconciler
	Files   FileStore
	Errors  ErrorWriter
}

type createJobRequest struct {
	JobID    string           `json:"job_id"`
	Metadata *models.Metadata `json:"metadata"`
}

// Create handles POST /api/jobs.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Errors.BadRequest(w, "Invalid JSON body")
		return
	}
	if req.JobID == "" {
		h.Errors.BadRequest(w, "job_id is required")
		return
	}

	var md models.Metadata
	if req.Metadata != nil {
		md = *req.Metadata
	}
	job, err := h.Service.CreateJob(r.Context(), reconcile.CreateRequest{JobID: req.JobID, Metadata: md})
	if err != nil {
		h.Errors.Write(w, r, err, jobNotFound)
		return
	}
	response.Created(w, job)
}

// List handles GET /api/jobs. Without paging parameters it returns up to
// ListLimit jobs, newest first.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	paged := q.Has("page") || q.Has("page_size") || q.Has("order_by") || q.Has("direction")

	req := store.PageRequest{
		Page:      1,
		PageSize:  ListLimit,
		OrderBy:   q.Get("order_by"),
		Direction: q.Get("direction"),
	}
	if paged {
		req.PageSize = store.DefaultPageSize
		var ok bool
		if req.Page, ok = queryInt(q.Get("page"), 1); !ok {
			h.Errors.BadRequest(w, "page must be a positive integer")
			return
		}
		if req.PageSize, ok = queryInt(q.Get("page_size"), store.DefaultPageSize); !ok {
			h.Errors.BadRequest(w, "page_size must be a positive integer")
			return
		}
	}

	page, err := h.Store.ListPaginated(r.Context(), req)
	if err != nil {
		h.Errors.Write(w, r, err, jobNotFound)
		return
	}
	jobs := page.Jobs
	if jobs == nil {
		jobs = []*models.Job{}
	}

	if !paged {
		response.JSON(w, jobs)
		return
	}
	response.Collection(w, jobs, response.PaginationMeta{
		Page:       page.Page,
		PageSize:   page.PageSize,
		Total:      page.Total,
		TotalPages: page.TotalPages,
		HasNext:    page.Page < page.TotalPages,
	})
}

func queryInt(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Get handles GET /api/jobs/{id}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Errors.Write(w, r, err, jobNotFound)
		return
	}
	response.JSON(w, job)
}

// GetByJobID handles GET /api/jobs/job-id/{jobID}.
func (h *Jobs) GetByJobID(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.GetByJobID(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.Errors.Write(w, r, err, jobNotFound)
		return
	}
	response.JSON(w, job)
}

type jobWithFiles struct {
	Job       *models.Job             `json:"job"`
	Files     []models.FileDescriptor `json:"files"`
	FileCount int                     `json:"fileCount"`
}

// GetWithFiles handles GET /api/jobs/by-id/{id}: the job plus the file list
// recorded in its metadata.
func (h *Jobs) GetWithFiles(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Errors.Write(w, r, err, jobNotFound)
		return
	}
	files := job.Metadata.Files
	if files == nil {
		files = []models.FileDescriptor{}
	}
	response.JSON(w, jobWithFiles{Job: job, Files: files, FileCount: len(files)})
}

type updateJobRequest struct {
	Status   *string          `json:"status"`
	Metadata *models.Metadata `json:"metadata"`
}

// Update handles PUT /api/jobs/{id}.
func (h *Jobs) Update(w http.ResponseWriter, r *http.Request) {
	var req updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Errors.BadRequest(w, "Invalid JSON body")
		return
	}

	var patch store.Patch
	if req.Status != nil {
		status := models.Status(*req.Status)
		if !status.Valid() {
			h.Errors.BadRequest(w, "Invalid status. Must be one of: pending, processing, completed, failed")
			return
		}
		patch.Status = &status
	}
	patch.Metadata = req.Metadata

	job, err := h.Service.UpdateJob(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.Errors.Write(w, r, err, jobNotFound)
		return
	}
	response.JSON(w, job)
}

// Delete handles DELETE /api/jobs/{id}.
func (h *Jobs) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.Errors.Write(w, r, err, jobNotFound)
		return
	}
	response.NoContent(w)
}

type jobStatusResponse struct {
	JobID  string        `json:"job_id"`
	Status models.Status `json:"status"`
}

// Status handles GET /api/jobs/job-id/{jobID}/status.
func (h *Jobs) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	status, err := h.Service.Status(r.Context(), jobID)
	if err != nil {
		h.Errors.Write(w, r, err, jobNotFound)
		return
	}
	response.JSON(w, jobStatusResponse{JobID: jobID, Status: status})
}

// ListByStatus handles GET /api/jobs/status/{status}.
func (h *Jobs) ListByStatus(w http.ResponseWriter, r *http.Request) {
	status := models.Status(chi.URLParam(r, "status"))
	if !status.Valid() {
		h.Errors.BadRequest(w, "Invalid status. Must be one of: pending, processing, completed, failed")
		return
	}

	jobs, err := h.Store.ListByStatus(r.Context(), status)
	if err != nil {
		h.Errors.Write(w, r, err, jobNotFound)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	response.JSON(w, jobs)
}

type fetchDetailsResponse struct {
	Message         string                  `json:"message"`
	JobDetails      *upstream.JobDetails    `json:"jobDetails"`
	DownloadedFiles []models.FileDescriptor `json:"downloadedFiles"`
	DownloadErrors  []string                `json:"downloadErrors"`
}

// FetchDetails handles POST /api/jobs/{id}/fetch-details, running the
// fetch-and-relay pass synchronously.
func (h *Jobs) FetchDetails(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.FetchDetailsAndFiles(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Errors.Write(w, r, err, jobNotFound)
		return
	}

	resp := fetchDetailsResponse{
		Message:         "Job details fetched and files downloaded successfully",
		JobDetails:      out.Details,
		DownloadedFiles: out.Files,
		DownloadErrors:  out.Errors,
	}
	if resp.DownloadedFiles == nil {
		resp.DownloadedFiles = []models.FileDescriptor{}
	}
	if resp.DownloadErrors == nil {
		resp.DownloadErrors = []string{}
	}
	response.JSON(w, resp)
}

// ExternalDetails handles GET /api/jobs/{id}/external-details.
func (h *Jobs) ExternalDetails(w http.ResponseWriter, r *http.Request) {
	details, err := h.Service.ExternalDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Errors.Write(w, r, err, "Job not found upstream")
		return
	}
	response.JSON(w, details)
}

// Complete handles GET /api/jobs/{id}/complete.
func (h *Jobs) Complete(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.JobWithDetails(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Errors.Write(w, r, err, jobNotFound)
		return
	}
	response.JSON(w, view)
}

// ListFiles handles GET /api/jobs/{id}/files.
func (h *Jobs) ListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.Files.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Errors.Write(w, r, err, "No files found for this job")
		return
	}
	if files == nil {
		files = []blob.FileInfo{}
	}
	response.JSON(w, files)
}

// DeleteFiles handles DELETE /api/jobs/{id}/files.
func (h *Jobs) DeleteFiles(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.Files.DeleteAll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Errors.Write(w, r, err, "No files found for this job")
		return
	}
	if deleted == 0 {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "No files found for this job", nil)
		return
	}
	response.JSON(w, map[string]any{
		"message": "Job files deleted successfully",
		"deleted": deleted,
	})
}
