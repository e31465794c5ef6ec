package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/jobrelay/internal/blob"
	"github.com/kiranshivaraju/jobrelay/internal/cache"
	"github.com/kiranshivaraju/jobrelay/internal/store"
	"github.com/kiranshivaraju/jobrelay/internal/upstream"
	"github.com/kiranshivaraju/jobrelay/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	// InitialCheckDelay gives upstream time to pick up a new job before the
	// first status check.
	InitialCheckDelay = 3 * time.Second

	DefaultDetailsTTL = 5 * time.Second

	ManifestFilename = "links.json"
)

var ErrInvalidJobID = errors.New("job_id is required")

// Upstream is the part of the upstream client the pipeline uses.
type Upstream interface {
	FetchStatus(ctx context.Context, jobID string) (*upstream.JobDetails, error)
	FetchFile(ctx context.Context, rawURL, jobID, filename string) (*upstream.FetchedFile, error)
	FetchAllFiles(ctx context.Context, jobID string, details *upstream.JobDetails) *upstream.FetchResult
	BaseURL() string
}

// Blobs is the part of the blob relay the pipeline uses.
type Blobs interface {
	Put(ctx context.Context, jobID, filename string, r io.Reader, size int64, mimeType string) (*blob.UploadResult, error)
	List(ctx context.Context, jobID string) ([]blob.FileInfo, error)
}

// CreateRequest is a validated job creation request.
type CreateRequest struct {
	JobID    string
	Metadata models.Metadata
}

// FetchOutcome is the result of one fetch-details-and-files pass.
type FetchOutcome struct {
	Details    *upstream.JobDetails
	Files      []models.FileDescriptor
	Downloaded int
	Errors     []string
}

// JobView is a job together with its live upstream details and stored files.
type JobView struct {
	Job             *models.Job          `json:"job"`
	ExternalDetails *upstream.JobDetails `json:"externalDetails"`
	Files           []blob.FileInfo      `json:"files"`
}

// Service reconciles local job records with upstream and relays output
// files into the bucket.
type Service struct {
	repo       *store.Repository
	upstream   Upstream
	blobs      Blobs
	cache      cache.Cache
	delay      time.Duration
	detailsTTL time.Duration
	now        func() time.Time
}

type Option func(*Service)

// WithInitialDelay overrides InitialCheckDelay.
func WithInitialDelay(d time.Duration) Option {
	return func(s *Service) { s.delay = d }
}

// WithDetailsTTL sets how long upstream details stay cached.
func WithDetailsTTL(ttl time.Duration) Option {
	return func(s *Service) { s.detailsTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. ca may be nil, in which case details are
// never cached and statuses are not mirrored.
func NewService(repo *store.Repository, up Upstream, blobs Blobs, ca cache.Cache, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		upstream:   up,
		blobs:      blobs,
		cache:      ca,
		delay:      InitialCheckDelay,
		detailsTTL: DefaultDetailsTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob inserts a pending job, checks upstream once after a short
// delay, relays whatever output already exists and folds the upstream view
// into the record. Only the insert can fail; anything after it is logged
// and the job is returned as far as it got.
func (s *Service) CreateJob(ctx context.Context, req CreateRequest) (*models.Job, error) {
	req.JobID = strings.TrimSpace(req.JobID)
	if req.JobID == "" {
		return nil, ErrInvalidJobID
	}

	job, err := s.repo.Create(ctx, req.JobID, req.Metadata)
	if err != nil {
		return nil, err
	}
	s.mirrorStatus(ctx, job.JobID, job.Status)
	slog.Info("job created", "job_id", job.JobID, "id", job.ID)

	if !s.wait(ctx) {
		return job, nil
	}

	details, err := s.upstream.FetchStatus(ctx, job.JobID)
	if err != nil {
		slog.Warn("initial upstream check failed", "job_id", job.JobID, "error", err)
		return job, nil
	}

	updated, err := s.applyInitialCheck(ctx, job, details)
	if err != nil {
		slog.Error("applying initial upstream check", "job_id", job.JobID, "error", err)
		return job, nil
	}
	return updated, nil
}

func (s *Service) wait(ctx context.Context) bool {
	if s.delay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) applyInitialCheck(ctx context.Context, job *models.Job, details *upstream.JobDetails) (*models.Job, error) {
	candidates := s.initialCandidates(job.JobID, details)
	fetched := upstream.FetchCandidates(ctx, s.upstream, job.JobID, candidates)
	uploaded, uploadErrs := s.relay(ctx, job.JobID, fetched.Files)
	fetched.Close()
	for _, e := range append(fetched.Errors, uploadErrs...) {
		slog.Debug("initial relay error", "job_id", job.JobID, "error", e)
	}

	if err := s.writeManifest(ctx, job.JobID, details, candidates, uploaded); err != nil {
		slog.Warn("writing links manifest", "job_id", job.JobID, "error", err)
	}

	resolved := details.Resolve()
	base := job
	var outcome *FetchOutcome
	if resolved.Known && resolved.Status == models.StatusCompleted {
		out, err := s.FetchDetailsAndFiles(ctx, job.JobID)
		if err != nil {
			slog.Warn("fetching files for completed job", "job_id", job.JobID, "error", err)
		} else {
			outcome = out
			if refreshed, err := s.repo.Get(ctx, job.ID); err == nil {
				base = refreshed
			}
		}
	}

	now := s.now().UTC()
	md := base.Metadata.Clone()
	foldDetails(&md, details, resolved)
	md.LastCheck = models.TimePtr(now)
	md.Files = mergeFiles(md.Files, uploaded)
	if outcome != nil {
		md.FilesDownloaded = models.IntPtr(outcome.Downloaded)
		md.DownloadErrors = models.IntPtr(len(outcome.Errors))
		md.CompletedAt = models.TimePtr(now)
		md.Files = mergeFiles(md.Files, outcome.Files)
	}

	patch := store.Patch{Metadata: &md}
	if resolved.Known {
		patch.Status = &resolved.Status
	} else {
		slog.Warn("unrecognised upstream status", "job_id", job.JobID, "status", resolved.Raw)
	}

	updated, err := s.repo.Update(ctx, job.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("updating job %s: %w", job.JobID, err)
	}
	s.mirrorStatus(ctx, updated.JobID, updated.Status)
	return updated, nil
}

// initialCandidates is the fixed two-file set checked on creation: the
// processed video and the angles CSV, each preferring URLs named in the
// payload over the well-known download endpoints.
func (s *Service) initialCandidates(jobID string, d *upstream.JobDetails) []upstream.Candidate {
	base := strings.TrimRight(s.upstream.BaseURL(), "/")

	video := nonEmpty(
		d.DownloadURLs.Get("video"),
		d.DownloadURLs.Get("video_direct"),
		base+"/api/download/video/"+jobID,
	)
	csv := nonEmpty(
		d.Files.Named["angles_csv"].Path,
		d.DownloadURLs.Get("csv"),
		d.DownloadURLs.Get("csv_direct"),
		base+"/api/download/csv/"+jobID,
	)
	return []upstream.Candidate{
		{Filename: jobID + "_" + upstream.VideoFilename, URLs: video, MimeType: "video/mp4"},
		{Filename: jobID + "_" + upstream.CSVFilename, URLs: csv, MimeType: "text/csv"},
	}
}

// FetchDetailsAndFiles pulls the current upstream payload for a known job,
// relays every file it names and records the result on the job.
func (s *Service) FetchDetailsAndFiles(ctx context.Context, jobID string) (*FetchOutcome, error) {
	job, err := s.repo.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	details, err := s.upstream.FetchStatus(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("fetching details for %s: %w", jobID, err)
	}

	fetched := s.upstream.FetchAllFiles(ctx, jobID, details)
	uploaded, uploadErrs := s.relay(ctx, jobID, fetched.Files)
	fetched.Close()

	errs := append(append([]string{}, fetched.Errors...), uploadErrs...)
	resolved := details.Resolve()

	md := job.Metadata.Clone()
	md.ExternalStatus = resolved.Raw
	md.Files = mergeFiles(md.Files, uploaded)
	md.FilesDownloaded = models.IntPtr(len(fetched.Files))
	md.FilesUploaded = models.IntPtr(len(uploaded))
	md.DownloadErrors = models.IntPtr(len(errs))
	if raw := details.DownloadURLs.Raw(); len(raw) > 0 {
		md.DownloadURLs = raw
	}
	md.LastFetch = models.TimePtr(s.now())

	patch := store.Patch{Metadata: &md}
	if resolved.Known {
		patch.Status = &resolved.Status
	}
	updated, err := s.repo.Update(ctx, job.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("updating job %s: %w", jobID, err)
	}
	s.mirrorStatus(ctx, jobID, updated.Status)
	s.forget(ctx, jobID, cache.UpstreamDetailsKey(jobID))

	slog.Info("job files relayed",
		"job_id", jobID,
		"downloaded", len(fetched.Files),
		"uploaded", len(uploaded),
		"errors", len(errs),
	)
	return &FetchOutcome{
		Details:    details,
		Files:      uploaded,
		Downloaded: len(fetched.Files),
		Errors:     errs,
	}, nil
}

// relay uploads fetched files to the bucket concurrently. Results keep the
// input order; a failed upload becomes an error string.
func (s *Service) relay(ctx context.Context, jobID string, files []*upstream.FetchedFile) ([]models.FileDescriptor, []string) {
	results := make([]*models.FileDescriptor, len(files))
	var (
		mu   sync.Mutex
		errs []string
		g    errgroup.Group
	)
	g.SetLimit(upstream.FetchConcurrency)

	for i, f := range files {
		g.Go(func() error {
			res, err := s.blobs.Put(ctx, jobID, f.Filename, f.Body, f.Size, f.MimeType)
			if err != nil {
				slog.Error("bucket upload failed", "job_id", jobID, "filename", f.Filename, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Sprintf("Failed to upload %s to bucket: %v", f.Filename, err))
				mu.Unlock()
				return nil
			}
			results[i] = &models.FileDescriptor{
				Filename:    res.Filename,
				Size:        res.Size,
				MimeType:    res.MimeType,
				DownloadURL: models.FileDownloadPath(jobID, res.Filename),
				OriginalURL: f.OriginalURL,
				BucketPath:  res.Path,
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []models.FileDescriptor
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, errs
}

type manifestCandidate struct {
	Filename string   `json:"filename"`
	URLs     []string `json:"urls"`
}

type manifestStats struct {
	TotalFiles    int  `json:"totalFiles"`
	VideoUploaded bool `json:"videoUploaded"`
	CSVUploaded   bool `json:"csvUploaded"`
}

type linksManifest struct {
	Timestamp     time.Time               `json:"timestamp"`
	DownloadURLs  json.RawMessage         `json:"downloadUrls"`
	Candidates    []manifestCandidate     `json:"candidates"`
	UploadedFiles []models.FileDescriptor `json:"uploadedFiles"`
	Stats         manifestStats           `json:"stats"`
}

func (s *Service) writeManifest(ctx context.Context, jobID string, d *upstream.JobDetails, candidates []upstream.Candidate, uploaded []models.FileDescriptor) error {
	m := linksManifest{
		Timestamp:     s.now().UTC(),
		DownloadURLs:  d.DownloadURLs.Raw(),
		UploadedFiles: uploaded,
		Stats:         manifestStats{TotalFiles: len(uploaded)},
	}
	if len(m.DownloadURLs) == 0 {
		m.DownloadURLs = json.RawMessage(`{}`)
	}
	if m.UploadedFiles == nil {
		m.UploadedFiles = []models.FileDescriptor{}
	}
	for _, c := range candidates {
		m.Candidates = append(m.Candidates, manifestCandidate{Filename: c.Filename, URLs: c.URLs})
	}
	for _, f := range uploaded {
		switch f.MimeType {
		case "video/mp4":
			m.Stats.VideoUploaded = true
		case "text/csv":
			m.Stats.CSVUploaded = true
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	_, err = s.blobs.Put(ctx, jobID, ManifestFilename, bytes.NewReader(data), int64(len(data)), "application/json")
	return err
}

// ExternalDetails returns the live upstream payload for jobID, served from
// cache when a recent copy exists.
func (s *Service) ExternalDetails(ctx context.Context, jobID string) (*upstream.JobDetails, error) {
	key := cache.UpstreamDetailsKey(jobID)
	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("details cache read failed", "job_id", jobID, "error", err)
		} else if ok {
			if d, err := upstream.ParseJobDetails(raw); err == nil {
				return d, nil
			}
		}
	}

	details, err := s.upstream.FetchStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && len(details.Raw) > 0 && s.detailsTTL > 0 {
		if err := s.cache.Set(ctx, key, details.Raw, s.detailsTTL); err != nil {
			slog.Warn("details cache write failed", "job_id", jobID, "error", err)
		}
	}
	return details, nil
}

// JobWithDetails returns the job with best-effort upstream details and the
// files currently in the bucket.
func (s *Service) JobWithDetails(ctx context.Context, jobID string) (*JobView, error) {
	job, err := s.repo.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := &JobView{Job: job, Files: []blob.FileInfo{}}
	if details, err := s.ExternalDetails(ctx, jobID); err != nil {
		slog.Warn("could not fetch external details", "job_id", jobID, "error", err)
	} else {
		view.ExternalDetails = details
	}
	if files, err := s.blobs.List(ctx, jobID); err != nil {
		slog.Warn("could not list job files", "job_id", jobID, "error", err)
	} else if files != nil {
		view.Files = files
	}
	return view, nil
}

// PollRecentPending refreshes every recent pending job and returns how many
// refreshed without error.
func (s *Service) PollRecentPending(ctx context.Context, maxAge, minAge time.Duration) (int, error) {
	jobs, err := s.repo.ListRecentPending(ctx, maxAge, minAge)
	if err != nil {
		return 0, fmt.Errorf("listing recent pending jobs: %w", err)
	}

	refreshed := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		if _, err := s.FetchDetailsAndFiles(ctx, job.JobID); err != nil {
			slog.Warn("polling job failed", "job_id", job.JobID, "error", err)
			continue
		}
		refreshed++
	}
	slog.Info("polled recent pending jobs", "candidates", len(jobs), "refreshed", refreshed)
	return refreshed, nil
}

// UpdateJob applies patch to the job with document id and refreshes the
// status mirror.
func (s *Service) UpdateJob(ctx context.Context, id string, patch store.Patch) (*models.Job, error) {
	job, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.mirrorStatus(ctx, job.JobID, job.Status)
	return job, nil
}

// DeleteJob removes the job with document id and drops its cached status
// and details.
func (s *Service) DeleteJob(ctx context.Context, id string) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.forget(ctx, job.JobID, cache.JobStatusKey(job.JobID), cache.UpstreamDetailsKey(job.JobID))
	return nil
}

// Status returns the current status of jobID, from the cache mirror when it
// holds one. Stale sweeps move pending jobs to failed without touching the
// mirror, so a mirrored pending is always re-read from the store.
func (s *Service) Status(ctx context.Context, jobID string) (models.Status, error) {
	if s.cache != nil {
		raw, ok, err := s.cache.GetJobStatus(ctx, jobID)
		if err != nil {
			slog.Warn("status mirror read failed", "job_id", jobID, "error", err)
		} else if ok {
			if status, known := models.ParseStatus(raw); known && status != models.StatusPending {
				return status, nil
			}
		}
	}

	job, err := s.repo.GetByJobID(ctx, jobID)
	if err != nil {
		return "", err
	}
	s.mirrorStatus(ctx, jobID, job.Status)
	return job.Status, nil
}

func (s *Service) forget(ctx context.Context, jobID string, keys ...string) {
	if s.cache == nil {
		return
	}
	for _, key := range keys {
		if err := s.cache.Delete(ctx, key); err != nil {
			slog.Warn("cache invalidation failed", "job_id", jobID, "key", key, "error", err)
		}
	}
}

func (s *Service) mirrorStatus(ctx context.Context, jobID string, status models.Status) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJobStatus(ctx, jobID, string(status), cache.JobStatusTTL); err != nil {
		slog.Warn("status mirror write failed", "job_id", jobID, "error", err)
	}
}

// mirroredKeys are the upstream fields foldDetails copies onto the job.
var mirroredKeys = []string{
	"filename", "message", "estimated_wait_time", "queue_position", "progress",
	"inputUrl", "outputUrl", "createdAt", "updatedAt", "error",
	"analysis_results", "is_current_processing", "troubleshooting",
}

// foldDetails copies the upstream fields we track into md, each only when
// upstream sent it. A mirrored field of an unexpected type is kept verbatim.
func foldDetails(md *models.Metadata, d *upstream.JobDetails, r upstream.Resolved) {
	for _, key := range mirroredKeys {
		if raw, ok := d.Mismatched[key]; ok {
			if err := md.SetRaw(key, raw); err != nil {
				slog.Warn("dropping upstream field", "key", key, "error", err)
			}
		}
	}
	md.ExternalStatus = r.Raw
	if r.Progress != nil {
		md.Progress = r.Progress
	}
	if r.Message != "" {
		md.Message = r.Message
	}
	if d.Filename != "" {
		md.Filename = d.Filename
	}
	if d.EstimatedWaitTime != "" {
		md.EstimatedWaitTime = d.EstimatedWaitTime
	}
	if d.QueuePosition != nil {
		md.QueuePosition = d.QueuePosition
	}
	if d.InputURL != "" {
		md.InputURL = d.InputURL
	}
	if d.OutputURL != "" {
		md.OutputURL = d.OutputURL
	}
	if d.CreatedAt != "" {
		md.UpstreamCreatedAt = d.CreatedAt
	}
	if d.UpdatedAt != "" {
		md.UpstreamUpdatedAt = d.UpdatedAt
	}
	if d.Error != "" {
		md.Error = d.Error
	}
	if d.AnalysisResults != nil {
		md.AnalysisResults = d.AnalysisResults
	}
	if d.IsCurrentProcessing != nil {
		md.IsCurrentProcessing = d.IsCurrentProcessing
	}
	if d.Troubleshooting != nil {
		md.Troubleshooting = d.Troubleshooting
	}
	if raw := d.DownloadURLs.Raw(); len(raw) > 0 {
		md.DownloadURLs = raw
	}
}

// mergeFiles returns existing with each incoming descriptor replacing the
// one of the same filename or appended after it.
func mergeFiles(existing, incoming []models.FileDescriptor) []models.FileDescriptor {
	if len(incoming) == 0 {
		return existing
	}
	out := append([]models.FileDescriptor(nil), existing...)
	index := make(map[string]int, len(out))
	for i, f := range out {
		index[f.Filename] = i
	}
	for _, f := range incoming {
		if i, ok := index[f.Filename]; ok {
			out[i] = f
			continue
		}
		index[f.Filename] = len(out)
		out = append(out, f)
	}
	return out
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
