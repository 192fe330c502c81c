// Package app initializes and holds the long-lived services of the crawl
// engine, acting as the composition root for the CLI commands.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	gcsarchive "github.com/sitegraph/crawler/internal/archive/gcs"
	localarchive "github.com/sitegraph/crawler/internal/archive/local"
	"github.com/sitegraph/crawler/internal/clock/system"
	"github.com/sitegraph/crawler/internal/config"
	"github.com/sitegraph/crawler/internal/crawl"
	"github.com/sitegraph/crawler/internal/extract"
	"github.com/sitegraph/crawler/internal/fetcher"
	collyfetcher "github.com/sitegraph/crawler/internal/fetcher/colly"
	"github.com/sitegraph/crawler/internal/fetcher/detector"
	"github.com/sitegraph/crawler/internal/fetcher/headless"
	"github.com/sitegraph/crawler/internal/hash/sha256"
	"github.com/sitegraph/crawler/internal/id/uuid"
	"github.com/sitegraph/crawler/internal/logging"
	"github.com/sitegraph/crawler/internal/policy/ratelimit"
	"github.com/sitegraph/crawler/internal/progress"
	"github.com/sitegraph/crawler/internal/progress/sinks"
	pubsubpublisher "github.com/sitegraph/crawler/internal/publisher/pubsub"
	"github.com/sitegraph/crawler/internal/runner"
	memorystore "github.com/sitegraph/crawler/internal/storage/memory"
	"github.com/sitegraph/crawler/internal/storage/postgres"
)

// App holds the shared services built from configuration: logger, job
// store, archive, publisher, metrics registry, progress hub, and the job
// runner. It is created once at startup and handed to the commands.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Store     crawl.JobStore
	Blobs     crawl.BlobProvider
	Publisher crawl.Publisher
	Registry  *prometheus.Registry
	Hub       *progress.Hub
	Clock     crawl.Clock
	IDs       crawl.IDGenerator
	Runner    *runner.Runner

	pgStore      *postgres.JobStore
	headless     *headless.Fetcher
	pubsubClient *pubsub.Client
	gcsClient    *gcstorage.Client
}

// New builds every service the engine needs per the configuration. It
// fails fast: any provider that cannot be initialized aborts startup.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  system.New(),
		IDs:    uuid.NewGenerator(),
	}

	if err := a.initStore(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.initArchive(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.initProgress(); err != nil {
		a.Close(ctx)
		return nil, err
	}
	if err := a.initRunner(); err != nil {
		a.Close(ctx)
		return nil, err
	}

	logger.Info("application services initialized",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	switch a.Config.DB.Driver {
	case "memory":
		a.Logger.Info("using in-memory job store, jobs are lost on restart")
		a.Store = memorystore.NewJobStore(a.Clock)
	case "postgres":
		store, err := postgres.NewJobStore(ctx, postgres.JobStoreConfig{
			DSN:      a.Config.DB.DSN,
			MaxConns: a.Config.DB.MaxConns,
			MinConns: a.Config.DB.MinConns,
		}, a.Clock)
		if err != nil {
			return fmt.Errorf("init postgres job store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.pgStore = store
		a.Store = store
	default:
		return fmt.Errorf("unknown db driver %q", a.Config.DB.Driver)
	}
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	switch a.Config.Archive.Backend {
	case "none":
		a.Logger.Info("archiving disabled, raw HTML is discarded")
	case "local":
		blobs, err := localarchive.New(localarchive.Config{BaseDir: a.Config.Archive.LocalDir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		a.Blobs = blobs
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		blobs, err := gcsarchive.New(client, gcsarchive.Config{Bucket: a.Config.Archive.GCSBucket})
		if err != nil {
			client.Close()
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.gcsClient = client
		a.Blobs = blobs
	default:
		return fmt.Errorf("unknown archive backend %q", a.Config.Archive.Backend)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if !a.Config.PubSub.Enabled {
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.Config.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub client: %w", err)
	}
	a.pubsubClient = client
	a.Publisher = pubsubpublisher.New(client)
	return nil
}

func (a *App) initProgress() error {
	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	promSink, err := sinks.NewPrometheusSink(a.Registry)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	a.Hub = progress.NewHub(
		progress.Config{Logger: a.Logger.Named("progress")},
		sinks.NewLogSink(a.Logger.Named("crawl")),
		promSink,
	)
	return nil
}

func (a *App) initRunner() error {
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.Config.Fetcher.UserAgent,
		Timeout:   a.Config.FetchTimeout(),
	})

	var browser crawl.Fetcher
	if a.Config.Headless.Enabled {
		hf, err := headless.New(headless.Config{
			MaxParallel:       a.Config.Headless.MaxParallel,
			UserAgent:         a.Config.Headless.UserAgent,
			NavigationTimeout: a.Config.NavTimeout(),
		})
		if err != nil {
			return fmt.Errorf("init headless fetcher: %w", err)
		}
		a.headless = hf
		browser = hf
	}

	var fetch crawl.Fetcher = fetcher.NewSelector(plain, browser)
	if browser != nil {
		// With a browser available, retry pages that look like unrendered
		// client-side shells through it.
		fetch = fetcher.NewPromoting(fetch, detector.NewHeuristic(0))
	}

	r, err := runner.New(runner.Options{
		Store:     a.Store,
		Fetcher:   fetch,
		Extractor: extract.New(),
		Blobs:     a.Blobs,
		Hasher:    sha256.New(),
		Limiter: ratelimit.New(ratelimit.Config{
			PerHostRPS: a.Config.RateLimit.PerHostRPS,
			Burst:      a.Config.RateLimit.Burst,
		}),
		IDs:         a.IDs,
		Clock:       a.Clock,
		Emitter:     a.Hub,
		Logger:      a.Logger.Named("runner"),
		PageWorkers: a.Config.Scheduler.PageWorkers,
	})
	if err != nil {
		return fmt.Errorf("init runner: %w", err)
	}
	a.Runner = r
	return nil
}

// Close shuts services down in reverse dependency order. It tolerates
// partially constructed apps so New can call it on any init failure.
func (a *App) Close(ctx context.Context) {
	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			a.Logger.Warn("progress hub close", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.Logger.Warn("pubsub client close", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.Logger.Warn("gcs client close", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	_ = a.Logger.Sync()
}
