package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/creatorsync/client/internal/api"
	"github.com/creatorsync/client/internal/auth"
	"github.com/creatorsync/client/internal/cache"
	"github.com/creatorsync/client/internal/config"
	"github.com/creatorsync/client/internal/middleware"
	"github.com/creatorsync/client/internal/storage"
	"github.com/creatorsync/client/internal/store"
	"github.com/creatorsync/client/internal/transcript"
	"github.com/creatorsync/client/internal/upload"
)

// dependencies are the concrete collaborators a command runs against.
type dependencies struct {
	Session  *auth.Session
	Client   *api.Client
	Store    *store.Store
	Cache    *cache.Cache
	Uploader *upload.Uploader
	// Exporter is nil when no export bucket is configured.
	Exporter *transcript.Exporter
}

// buildDependencies wires the backend client, the offline cache and the store.
// base is the innermost transport; http.DefaultTransport when nil.
func buildDependencies(ctx context.Context, cfg config.Config, base http.RoundTripper, notifier store.Notifier) (dependencies, func() error, error) {
	session, err := auth.NewSession(cfg.SessionToken, cfg.SessionCookieName)
	if err != nil {
		return dependencies{}, nil, fmt.Errorf("session: %w", err)
	}

	backendTransport := middleware.Chain(base,
		middleware.RequestLogger(),
		middleware.RateLimit(cfg.RequestsPerSecond, cfg.RequestBurst),
	)
	client := api.New(cfg.ServerURL, session, api.Options{
		Transport: backendTransport,
		Timeout:   cfg.RequestTimeout,
	})
	uploader := upload.New(middleware.Chain(base, middleware.RequestLogger()), cfg.MaxMediaBytes)

	deps := dependencies{
		Session:  session,
		Client:   client,
		Uploader: uploader,
	}
	cleanup := func() error { return nil }

	opts := store.Options{
		Uploader:      uploader,
		Notifier:      notifier,
		MaxMediaBytes: cfg.MaxMediaBytes,
	}
	if cfg.CachePath != "" {
		c, err := cache.Open(cfg.CachePath)
		if err != nil {
			return dependencies{}, nil, err
		}
		deps.Cache = c
		opts.Snapshots = c
		cleanup = c.Close
	}

	s3, err := storage.NewS3Storage(ctx, cfg.Export)
	switch {
	case err == nil:
		deps.Exporter = transcript.NewExporter(s3)
	case errors.Is(err, storage.ErrNotConfigured):
	default:
		_ = cleanup()
		return dependencies{}, nil, err
	}

	deps.Store = store.New(client, session.User(), opts)
	return deps, func() error {
		deps.Store.Close()
		return cleanup()
	}, nil
}
