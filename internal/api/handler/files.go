package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/jobrelay/internal/api/response"
	"github.com/kiranshivaraju/jobrelay/pkg/models"
)

const fileNotFound = "File not found"

// Files serves relayed objects out of the bucket.
type Files struct {
	Store  FileStore
	Errors ErrorWriter
}

// Download handles GET /api/files/{jobID}/{filename}.
func (h *Files) Download(w http.ResponseWriter, r *http.Request) {
	jobID, filename := chi.URLParam(r, "jobID"), chi.URLParam(r, "filename")

	body, info, err := h.Store.Open(r.Context(), jobID, filename)
	if err != nil {
		h.Errors.Write(w, r, err, fileNotFound)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", info.MimeType)
	if info.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dispositionName(filename)))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		slog.Warn("file stream interrupted", "job_id", jobID, "filename", filename, "error", err)
	}
}

// quotes and control characters would break the header
func dispositionName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 {
			return '_'
		}
		return r
	}, name)
}

type fileInfoResponse struct {
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mimeType"`
	CreatedAt   time.Time `json:"createdAt"`
	ModifiedAt  time.Time `json:"modifiedAt"`
	DownloadURL string    `json:"downloadUrl"`
	Path        string    `json:"path"`
}

// Info handles GET /api/files/{jobID}/{filename}/info.
func (h *Files) Info(w http.ResponseWriter, r *http.Request) {
	jobID, filename := chi.URLParam(r, "jobID"), chi.URLParam(r, "filename")

	info, err := h.Store.Info(r.Context(), jobID, filename)
	if err != nil {
		h.Errors.Write(w, r, err, fileNotFound)
		return
	}
	response.JSON(w, fileInfoResponse{
		Filename:    info.Filename,
		Size:        info.Size,
		MimeType:    info.MimeType,
		CreatedAt:   info.CreatedAt,
		ModifiedAt:  info.ModifiedAt,
		DownloadURL: models.FileDownloadPath(jobID, info.Filename),
		Path:        info.Path,
	})
}
