package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// FetchConcurrency bounds simultaneous downloads within one job.
const FetchConcurrency = 4

const (
	VideoFilename = "processed_video.mp4"
	CSVFilename   = "angles.csv"
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
	repeatedUnderscores = regexp.MustCompile(`_{2,}`)
)

// SanitizeFilename replaces anything outside [a-zA-Z0-9._-] with an
// underscore, collapses runs of underscores and trims them from both ends.
func SanitizeFilename(name string) string {
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = repeatedUnderscores.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}

// FilenameFromURL returns the last path segment of rawURL, or a unique
// synthetic name when the URL has none.
func FilenameFromURL(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		if base != "" && base != "." && base != "/" {
			return base
		}
	}
	return "file_" + strings.ToLower(ulid.Make().String()) + ".bin"
}

// Candidate is one file to download, with fallback URLs tried in order.
type Candidate struct {
	Filename string
	URLs     []string
	MimeType string
}

// FetchResult holds the files that opened successfully and one message per
// candidate that could not be fetched from any of its URLs.
type FetchResult struct {
	Files  []*FetchedFile
	Errors []string
}

// Close releases every open body. Safe to call after bodies were consumed.
func (r *FetchResult) Close() {
	for _, f := range r.Files {
		f.Body.Close()
	}
}

// Candidates derives the download set from a details payload: the files
// array, download_urls (video then video_direct, csv then csv_direct) and
// bare links.
func Candidates(jobID string, d *JobDetails) []Candidate {
	var out []Candidate
	for _, f := range d.Files.Entries {
		if f.DownloadURL == "" {
			continue
		}
		name := f.Filename
		if name == "" {
			name = FilenameFromURL(f.DownloadURL)
		}
		out = append(out, Candidate{Filename: name, URLs: []string{f.DownloadURL}, MimeType: f.MimeType})
	}

	if urls := nonEmpty(d.DownloadURLs.Get("video"), d.DownloadURLs.Get("video_direct")); len(urls) > 0 {
		out = append(out, Candidate{Filename: jobID + "_" + VideoFilename, URLs: urls, MimeType: "video/mp4"})
	}
	if urls := nonEmpty(d.DownloadURLs.Get("csv"), d.DownloadURLs.Get("csv_direct")); len(urls) > 0 {
		out = append(out, Candidate{Filename: jobID + "_" + CSVFilename, URLs: urls, MimeType: "text/csv"})
	}

	links := append([]string(nil), d.Links...)
	links = append(links, d.DownloadURLs.List...)
	for _, link := range links {
		if link == "" {
			continue
		}
		out = append(out, Candidate{Filename: FilenameFromURL(link), URLs: []string{link}})
	}
	return out
}

// FetchAllFiles opens every candidate concurrently. A candidate that fails
// on all its URLs is recorded in Errors; it never aborts the batch.
func (c *HTTPClient) FetchAllFiles(ctx context.Context, jobID string, details *JobDetails) *FetchResult {
	return FetchCandidates(ctx, c, jobID, Candidates(jobID, details))
}

// FileFetcher opens a single remote file.
type FileFetcher interface {
	FetchFile(ctx context.Context, rawURL, jobID, filename string) (*FetchedFile, error)
}

// FetchCandidates opens each candidate, trying its URLs in order, with at
// most FetchConcurrency downloads in flight. Result order follows the
// candidate order.
func FetchCandidates(ctx context.Context, f FileFetcher, jobID string, candidates []Candidate) *FetchResult {
	files := make([]*FetchedFile, len(candidates))
	var (
		mu   sync.Mutex
		errs []string
		g    errgroup.Group
	)
	g.SetLimit(FetchConcurrency)

	for i, cand := range candidates {
		g.Go(func() error {
			file, err := fetchFirst(ctx, f, jobID, cand)
			if err != nil {
				slog.Warn("file download failed", "job_id", jobID, "filename", cand.Filename, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Sprintf("download %s: %v", cand.Filename, err))
				mu.Unlock()
				return nil
			}
			files[i] = file
			return nil
		})
	}
	_ = g.Wait()

	result := &FetchResult{Errors: errs}
	for _, file := range files {
		if file != nil {
			result.Files = append(result.Files, file)
		}
	}
	slog.Info("fetched job files", "job_id", jobID, "candidates", len(candidates), "fetched", len(result.Files))
	return result
}

func fetchFirst(ctx context.Context, f FileFetcher, jobID string, cand Candidate) (*FetchedFile, error) {
	var lastErr error
	for i, u := range cand.URLs {
		file, err := f.FetchFile(ctx, u, jobID, cand.Filename)
		if err == nil {
			if cand.MimeType != "" && (file.MimeType == "" || file.MimeType == "application/octet-stream") {
				file.MimeType = cand.MimeType
			}
			return file, nil
		}
		lastErr = err
		if i < len(cand.URLs)-1 {
			slog.Debug("trying fallback URL", "job_id", jobID, "filename", cand.Filename, "error", err)
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no URL for %s", cand.Filename)
	}
	return nil, lastErr
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
