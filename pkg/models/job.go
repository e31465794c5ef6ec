package models

import (
	"net/url"
	"strings"
	"time"
)

// Status is the lifecycle state of a tracked job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// upstream spellings that map onto our four states
var statusAliases = map[string]Status{
	"queued":      StatusPending,
	"waiting":     StatusPending,
	"running":     StatusProcessing,
	"in_progress": StatusProcessing,
	"done":        StatusCompleted,
	"success":     StatusCompleted,
	"finished":    StatusCompleted,
	"error":       StatusFailed,
}

// Valid reports whether s is one of the four job states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus normalizes a free-form status string. The bool is false when
// the value does not correspond to any known state.
func ParseStatus(raw string) (Status, bool) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if s := Status(v); s.Valid() {
		return s, true
	}
	if s, ok := statusAliases[v]; ok {
		return s, true
	}
	return "", false
}

// Job is the only persisted entity: a local record correlating an upstream
// video analysis task with its mirrored status and relayed files.
type Job struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Metadata  Metadata  `json:"metadata"`
}

// FileDescriptor describes a file relayed into the bucket for a job.
type FileDescriptor struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType,omitempty"`
	DownloadURL string `json:"downloadUrl"`
	OriginalURL string `json:"originalUrl,omitempty"`
	BucketPath  string `json:"bucketPath,omitempty"`
}

// FileDownloadPath is the service-relative path that serves a relayed file.
// Persisted descriptors always point here, never at the bucket or upstream.
func FileDownloadPath(jobID, filename string) string {
	return "/api/files/" + url.PathEscape(jobID) + "/" + url.PathEscape(filename)
}
