// Package app wires configuration into the concrete backends shared by the
// server, Lambda and CLI binaries.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/jobrelay/internal/api"
	"github.com/kiranshivaraju/jobrelay/internal/api/handler"
	mw "github.com/kiranshivaraju/jobrelay/internal/api/middleware"
	"github.com/kiranshivaraju/jobrelay/internal/blob"
	"github.com/kiranshivaraju/jobrelay/internal/cache"
	"github.com/kiranshivaraju/jobrelay/internal/config"
	"github.com/kiranshivaraju/jobrelay/internal/reconcile"
	"github.com/kiranshivaraju/jobrelay/internal/store"
	"github.com/kiranshivaraju/jobrelay/internal/upstream"
)

const (
	ServiceName = "jobrelay"
	Version     = "1.0.0"
)

// App holds the process-wide dependencies.
type App struct {
	Config   *config.Config
	Docs     store.DocumentStore
	Repo     *store.Repository
	Cache    *cache.RedisCache
	Blobs    *blob.Relay
	Upstream *upstream.HTTPClient
	Service  *reconcile.Service
}

// New connects every backend named by cfg. On error anything already opened
// is closed.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	docs, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	a.Docs = docs
	a.Repo = store.NewRepository(docs)
	slog.Info("document store ready", "backend", cfg.Store.Backend)

	a.Cache, err = cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := a.Cache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	client, err := blob.NewClient(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	a.Blobs = blob.NewRelay(client, cfg.Storage)
	if err := a.Blobs.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	slog.Info("storage ready", "bucket", a.Blobs.Bucket())

	a.Upstream = upstream.NewHTTPClient(cfg.Upstream)
	a.Service = reconcile.NewService(a.Repo, a.Upstream, a.Blobs, a.Cache,
		reconcile.WithDetailsTTL(cfg.Redis.UpstreamCacheTTL))

	ok = true
	return a, nil
}

// Handler builds the full HTTP surface.
func (a *App) Handler() http.Handler {
	errs := handler.ErrorWriter{Verbose: !a.Config.Server.IsProduction()}
	jobs := &handler.Jobs{Store: a.Repo, Service: a.Service, Files: a.Blobs, Errors: errs}
	files := &handler.Files{Store: a.Blobs, Errors: errs}

	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(a.Config.Server.APIKeyHash),
		RateLimit: mw.NewRateLimit(a.Cache, a.Config.RateLimit.PerMinute),

		RootHandler: handler.NewRootHandler(Version),
		HealthHandler: handler.NewHealthHandler(ServiceName, map[string]handler.Pinger{
			"store":   a.Repo,
			"cache":   a.Cache,
			"storage": a.Blobs,
		}),

		CreateJob:       jobs.Create,
		ListJobs:        jobs.List,
		GetJob:          jobs.Get,
		GetJobByJobID:   jobs.GetByJobID,
		GetJobStatus:    jobs.Status,
		GetJobWithFiles: jobs.GetWithFiles,
		UpdateJob:       jobs.Update,
		DeleteJob:       jobs.Delete,
		ListJobsStatus:  jobs.ListByStatus,

		FetchDetails:    jobs.FetchDetails,
		ExternalDetails: jobs.ExternalDetails,
		CompleteJob:     jobs.Complete,
		ListJobFiles:    jobs.ListFiles,
		DeleteJobFiles:  jobs.DeleteFiles,

		DownloadFile: files.Download,
		FileInfo:     files.Info,
	})
}

// Close releases backend connections. Safe on a partially built App.
func (a *App) Close() {
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			slog.Warn("closing redis", "error", err)
		}
	}
	if a.Docs != nil {
		if err := a.Docs.Close(); err != nil {
			slog.Warn("closing document store", "error", err)
		}
	}
}

// NewLogger returns a JSON slog logger at the given level name. Unknown
// names fall back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel maps debug|info|warn|error onto slog levels.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
