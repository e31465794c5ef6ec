package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/kiranshivaraju/jobrelay/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"
)

var ErrNotFound = errors.New("file not found")

const (
	keyPrefix          = "jobs"
	defaultContentType = "application/octet-stream"
	deleteConcurrency  = 4
)

// UploadResult describes an object just written by Put.
type UploadResult struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Path     string `json:"path"`
}

// FileInfo describes a stored object.
type FileInfo struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mimeType"`
	URL        string    `json:"url,omitempty"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Relay stores job output files in an S3-compatible bucket under
// jobs/{job_id}/{filename}. Writes to an existing key overwrite it.
type Relay struct {
	client *minio.Client
	bucket string
	region string
	urlTTL time.Duration
}

// NewClient builds a minio client from storage settings.
func NewClient(cfg config.StorageConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	return client, nil
}

func NewRelay(client *minio.Client, cfg config.StorageConfig) *Relay {
	ttl := cfg.SignedURLTTL
	if ttl <= 0 || ttl > config.MaxSignedURLTTL {
		ttl = config.MaxSignedURLTTL
	}
	return &Relay{client: client, bucket: cfg.Bucket, region: cfg.Region, urlTTL: ttl}
}

// ObjectKey maps (jobID, filename) to its bucket key.
func ObjectKey(jobID, filename string) string {
	return keyPrefix + "/" + jobID + "/" + filename
}

func jobPrefix(jobID string) string {
	return keyPrefix + "/" + jobID + "/"
}

func (r *Relay) Bucket() string { return r.bucket }

func (r *Relay) Ping(ctx context.Context) error {
	ok, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", r.bucket)
	}
	return nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (r *Relay) EnsureBucket(ctx context.Context) error {
	ok, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if ok {
		return nil
	}
	if err := r.client.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{Region: r.region}); err != nil {
		return fmt.Errorf("create bucket %q: %w", r.bucket, err)
	}
	slog.Info("created bucket", "bucket", r.bucket)
	return nil
}

// Put writes content to jobs/{jobID}/{filename}. Pass size -1 when the
// length is unknown and the body is streamed.
func (r *Relay) Put(ctx context.Context, jobID, filename string, content io.Reader, size int64, mimeType string) (*UploadResult, error) {
	if mimeType == "" {
		mimeType = defaultContentType
	}
	key := ObjectKey(jobID, filename)

	_, err := r.client.PutObject(ctx, r.bucket, key, content, size, minio.PutObjectOptions{
		ContentType: mimeType,
		UserMetadata: map[string]string{
			"job-id":      jobID,
			"uploaded-at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}

	info, err := r.client.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, classifyError(err))
	}
	signed, err := r.sign(ctx, key)
	if err != nil {
		return nil, err
	}

	return &UploadResult{
		Filename: filename,
		URL:      signed,
		Size:     info.Size,
		MimeType: info.ContentType,
		Path:     key,
	}, nil
}

// PutBytes is Put for an in-memory buffer.
func (r *Relay) PutBytes(ctx context.Context, jobID, filename string, data []byte, mimeType string) (*UploadResult, error) {
	return r.Put(ctx, jobID, filename, bytes.NewReader(data), int64(len(data)), mimeType)
}

// Get reads a whole object into memory.
func (r *Relay) Get(ctx context.Context, jobID, filename string) ([]byte, error) {
	rc, _, err := r.Open(ctx, jobID, filename)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ObjectKey(jobID, filename), classifyError(err))
	}
	return data, nil
}

// Open returns a streaming reader for an object plus its metadata. The
// caller must close the reader.
func (r *Relay) Open(ctx context.Context, jobID, filename string) (io.ReadCloser, *FileInfo, error) {
	key := ObjectKey(jobID, filename)
	obj, err := r.client.GetObject(ctx, r.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w", key, classifyError(err))
	}
	// GetObject is lazy; Stat surfaces a missing key.
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, nil, fmt.Errorf("get %s: %w", key, classifyError(err))
	}
	return obj, fileInfo(key, st, ""), nil
}

// Info returns object metadata and a fresh signed URL.
func (r *Relay) Info(ctx context.Context, jobID, filename string) (*FileInfo, error) {
	key := ObjectKey(jobID, filename)
	st, err := r.client.StatObject(ctx, r.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, classifyError(err))
	}
	signed, err := r.sign(ctx, key)
	if err != nil {
		return nil, err
	}
	return fileInfo(key, st, signed), nil
}

// List describes every object stored for jobID. An object whose metadata
// cannot be read is logged and left out.
func (r *Relay) List(ctx context.Context, jobID string) ([]FileInfo, error) {
	keys, err := r.keys(ctx, jobID)
	if err != nil {
		return nil, err
	}

	files := make([]FileInfo, 0, len(keys))
	for _, key := range keys {
		info, err := r.Info(ctx, jobID, path.Base(key))
		if err != nil {
			slog.Error("skipping unreadable file", "job_id", jobID, "key", key, "error", err)
			continue
		}
		files = append(files, *info)
	}
	return files, nil
}

func (r *Relay) Delete(ctx context.Context, jobID, filename string) error {
	key := ObjectKey(jobID, filename)
	if err := r.client.RemoveObject(ctx, r.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, classifyError(err))
	}
	return nil
}

// DeleteAll removes every object stored for jobID and returns how many
// keys were removed.
func (r *Relay) DeleteAll(ctx context.Context, jobID string) (int, error) {
	keys, err := r.keys(ctx, jobID)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			if err := r.client.RemoveObject(gctx, r.bucket, key, minio.RemoveObjectOptions{}); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// URLFor signs a read URL for an object that may have been written out of band.
func (r *Relay) URLFor(ctx context.Context, jobID, filename string) (string, error) {
	return r.sign(ctx, ObjectKey(jobID, filename))
}

func (r *Relay) keys(ctx context.Context, jobID string) ([]string, error) {
	var keys []string
	for obj := range r.client.ListObjects(ctx, r.bucket, minio.ListObjectsOptions{Prefix: jobPrefix(jobID), Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", jobPrefix(jobID), obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (r *Relay) sign(ctx context.Context, key string) (string, error) {
	u, err := r.client.PresignedGetObject(ctx, r.bucket, key, r.urlTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", key, err)
	}
	return u.String(), nil
}

func fileInfo(key string, st minio.ObjectInfo, signed string) *FileInfo {
	mimeType := st.ContentType
	if mimeType == "" {
		mimeType = defaultContentType
	}
	return &FileInfo{
		Filename:   path.Base(key),
		Size:       st.Size,
		MimeType:   mimeType,
		URL:        signed,
		Path:       key,
		CreatedAt:  st.LastModified.UTC(),
		ModifiedAt: st.LastModified.UTC(),
	}
}

// classifyError maps a missing-key response to ErrNotFound.
func classifyError(err error) error {
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey", resp.Code == "NotFound", resp.StatusCode == 404:
		return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSpace(resp.Message))
	}
	return err
}
