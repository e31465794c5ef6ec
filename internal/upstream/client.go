package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"

	"github.com/kiranshivaraju/jobrelay/internal/config"
)

// Sentinel errors for upstream failures.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamStatus      = errors.New("upstream returned error status")
)

// StatusError carries the HTTP status of a failed upstream call. It
// matches ErrUpstreamStatus with errors.Is.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d from %s", ErrUpstreamStatus, e.Code, e.URL)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUpstreamStatus
}

// IsNotFound reports whether upstream answered 404.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// IsUpstreamError reports whether err came from talking to upstream.
func IsUpstreamError(err error) bool {
	return errors.Is(err, ErrUpstreamUnreachable) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrUpstreamStatus)
}

// Client is the interface for the upstream analysis API.
type Client interface {
	Submit(ctx context.Context, video []byte, opts SubmitOptions) (*JobDetails, error)
	FetchStatus(ctx context.Context, jobID string) (*JobDetails, error)
	FetchFile(ctx context.Context, rawURL, jobID, filename string) (*FetchedFile, error)
	FetchAllFiles(ctx context.Context, jobID string, details *JobDetails) *FetchResult
	BaseURL() string
}

// SubmitOptions are the processing parameters sent with an upload.
type SubmitOptions struct {
	Format         string
	Quality        string
	ProcessingType string
}

// FetchedFile is an open download. The caller must close Body.
type FetchedFile struct {
	Filename    string
	Body        io.ReadCloser
	OriginalURL string
	// Size is -1 when upstream sent no Content-Length.
	Size     int64
	MimeType string
}

// HTTPClient implements Client over the upstream HTTP API. API calls and
// file downloads use separate timeouts.
type HTTPClient struct {
	baseURL       string
	legacyBaseURL string
	api           *http.Client
	files         *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a new upstream HTTP client.
func NewHTTPClient(cfg config.UpstreamConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		legacyBaseURL: strings.TrimRight(cfg.LegacyBaseURL, "/"),
		api:           &http.Client{Timeout: cfg.Timeout},
		files:         &http.Client{Timeout: cfg.FileTimeout},
	}
}

func (c *HTTPClient) BaseURL() string { return c.baseURL }

// Submit uploads a video for processing. The bytes are staged in a temp
// file that is removed before Submit returns.
func (c *HTTPClient) Submit(ctx context.Context, video []byte, opts SubmitOptions) (*JobDetails, error) {
	if opts.Format == "" {
		opts.Format = "mp4"
	}
	if opts.Quality == "" {
		opts.Quality = "high"
	}
	if opts.ProcessingType == "" {
		opts.ProcessingType = "analysis"
	}

	tmp, err := os.CreateTemp("", "upload-*."+opts.Format)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.Write(video); err != nil {
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding temp file: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, tmp, opts))
	}()

	u := c.baseURL + "/api/upload"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.files.Do(httpReq)
	if err != nil {
		pr.Close()
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, URL: u}
	}
	return decodeDetails(resp.Body)
}

func writeUploadForm(mw *multipart.Writer, video *os.File, opts SubmitOptions) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, "video."+opts.Format))
	h.Set("Content-Type", "video/"+opts.Format)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, video); err != nil {
		return err
	}
	for field, value := range map[string]string{
		"format":         opts.Format,
		"quality":        opts.Quality,
		"processingType": opts.ProcessingType,
	} {
		if err := mw.WriteField(field, value); err != nil {
			return err
		}
	}
	return mw.Close()
}

// FetchStatus returns the current details payload for jobID.
func (c *HTTPClient) FetchStatus(ctx context.Context, jobID string) (*JobDetails, error) {
	u := fmt.Sprintf("%s/api/job/%s/details", c.baseURL, url.PathEscape(jobID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.api.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, URL: u}
	}
	return decodeDetails(resp.Body)
}

func decodeDetails(r io.Reader) (*JobDetails, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classifyError(err)
	}
	return ParseJobDetails(data)
}

// FetchFile opens a streaming download of rawURL. Relative and legacy URLs
// are rewritten onto the configured base first.
func (c *HTTPClient) FetchFile(ctx context.Context, rawURL, jobID, filename string) (*FetchedFile, error) {
	u := c.ResolveURL(rawURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.files.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: u}
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "video/mp4"
	}
	return &FetchedFile{
		Filename:    SanitizeFilename(filename),
		Body:        resp.Body,
		OriginalURL: u,
		Size:        resp.ContentLength,
		MimeType:    mimeType,
	}, nil
}

// ResolveURL applies the upstream URL rewriting rules.
func (c *HTTPClient) ResolveURL(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "/api/"):
		return c.baseURL + raw
	case c.legacyBaseURL != "" && strings.HasPrefix(raw, c.legacyBaseURL):
		return c.baseURL + strings.TrimPrefix(raw, c.legacyBaseURL)
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return raw
	default:
		return c.baseURL + "/" + strings.TrimPrefix(raw, "/")
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
}
