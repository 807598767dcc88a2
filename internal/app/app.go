// Package app assembles a running genflow instance from configuration: API
// client, history store, media caches, metrics and the orchestrator.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/genflow/internal/apiclient"
	"github.com/ChuLiYu/genflow/internal/config"
	genlog "github.com/ChuLiYu/genflow/internal/log"
	"github.com/ChuLiYu/genflow/internal/mediacache"
	"github.com/ChuLiYu/genflow/internal/metrics"
	"github.com/ChuLiYu/genflow/internal/notify"
	"github.com/ChuLiYu/genflow/internal/orchestrator"
	"github.com/ChuLiYu/genflow/internal/playback"
	"github.com/ChuLiYu/genflow/internal/videostore"
)

// App owns every long-lived component. Close releases them in reverse order.
type App struct {
	Config   config.Config
	API      *apiclient.Client
	Store    *videostore.Store
	Files    *mediacache.FileCache
	Previews *mediacache.PreviewCache
	Fetcher  *playback.Fetcher
	Registry *prometheus.Registry
	Metrics  *metrics.Collector
	Notes    *notify.Channel
	Orch     *orchestrator.Orchestrator
}

// Open builds the components but does not start the orchestrator.
func Open(ctx context.Context, cfg config.Config) (a *App, err error) {
	genlog.Configure(genlog.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Service: "genflow"})
	logger := genlog.WithComponent("app")

	a = &App{Config: cfg, Notes: notify.NewChannel(64)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if a.Metrics, err = metrics.NewCollector(a.Registry); err != nil {
		return a, fmt.Errorf("metrics: %w", err)
	}

	apiLogger := genlog.WithComponent("apiclient")
	a.API, err = apiclient.New(apiclient.Options{
		BaseURL:          cfg.API.BaseURL,
		Token:            cfg.API.Token,
		AppID:            cfg.API.AppID,
		UserID:           cfg.API.UserID,
		RequestTimeout:   cfg.API.RequestTimeout,
		DownloadTimeout:  cfg.API.DownloadTimeout,
		RateLimit:        rate.Limit(cfg.API.RateLimit),
		RateLimitBurst:   cfg.API.RateLimitBurst,
		MaxDownloadBytes: cfg.Cache.MaxDownloadBytes,
		Logger:           &apiLogger,
	})
	if err != nil {
		return a, err
	}

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return a, fmt.Errorf("storage dir: %w", err)
	}
	if a.Store, err = videostore.Open(cfg.Storage.HistoryDir); err != nil {
		return a, err
	}

	cacheOpts := []mediacache.Option{
		mediacache.WithLogger(genlog.WithComponent("mediacache")),
		mediacache.WithObserver(a.Metrics),
	}
	if a.Files, err = mediacache.NewFileCache(cfg.Cache.Dir, cacheOpts...); err != nil {
		return a, err
	}
	if a.Previews, err = mediacache.OpenPreviewCache(ctx, cfg.Cache.PreviewDB, cfg.Cache.TTL, cacheOpts...); err != nil {
		return a, err
	}
	a.Fetcher = playback.New(a.Files, a.Previews, a.API, genlog.WithComponent("playback"))

	orchLogger := genlog.WithComponent("orchestrator")
	a.Orch, err = orchestrator.New(orchestrator.Config{
		MaxConcurrent:    cfg.Generation.MaxConcurrent,
		PollInterval:     cfg.Generation.PollInterval,
		Workers:          cfg.Generation.Workers,
		ProbeTimeout:     cfg.Generation.ProbeTimeout,
		RetryDelay:       cfg.Generation.RetryDelay,
		SnapshotInterval: cfg.Generation.SnapshotInterval,
		JournalPath:      cfg.Storage.JournalPath,
		SnapshotPath:     cfg.Storage.SnapshotPath,
		SyncJournal:      cfg.Storage.SyncJournal,
	}, orchestrator.Deps{
		API:      a.API,
		Store:    a.Store,
		Files:    a.Files,
		Notifier: notify.Multi{notify.Log{Logger: orchLogger}, a.Notes},
		Metrics:  a.Metrics,
		Logger:   &orchLogger,
	})
	if err != nil {
		return a, err
	}

	logger.Debug().
		Str(genlog.FieldPath, cfg.Storage.Dir).
		Str(genlog.FieldURL, cfg.API.BaseURL).
		Msg("components opened")
	return a, nil
}

// Close stops the orchestrator and closes the stores.
func (a *App) Close() error {
	var errs []error
	if a.Orch != nil {
		a.Orch.Stop()
	}
	if a.Previews != nil {
		errs = append(errs, a.Previews.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// EvictMedia drops cached media not accessed within the configured TTL.
func (a *App) EvictMedia(ctx context.Context) (files, previews int, err error) {
	if files, err = a.Files.EvictOlderThan(a.Config.Cache.TTL); err != nil {
		return 0, 0, err
	}
	if previews, err = a.Previews.EvictOlderThan(ctx, a.Config.Cache.TTL); err != nil {
		return files, 0, err
	}
	return files, previews, nil
}

// ClearMedia empties both cache tiers.
func (a *App) ClearMedia(ctx context.Context) (files, previews int, err error) {
	if files, err = a.Files.Clear(); err != nil {
		return 0, 0, err
	}
	if previews, err = a.Previews.Clear(ctx); err != nil {
		return files, 0, err
	}
	return files, previews, nil
}

// WarmPreviews fetches the effect catalog and caches every preview clip.
// Individual download failures are logged and skipped.
func (a *App) WarmPreviews(ctx context.Context) (int, error) {
	effects, err := a.Orch.Effects(ctx)
	if err != nil {
		return 0, err
	}
	logger := genlog.WithComponent("app")
	n := 0
	for _, fx := range effects {
		if _, err := a.Fetcher.Preview(ctx, fx); err != nil {
			logger.Warn().Err(err).Int(genlog.FieldEffectID, fx.ID).Msg("preview not cached")
			continue
		}
		n++
	}
	return n, nil
}
