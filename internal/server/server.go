// Package server builds the application's dependency graph and runs the HTTP
// service around it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gradcafe-crawler/internal/api"
	"github.com/JakeFAU/gradcafe-crawler/internal/artifacts"
	"github.com/JakeFAU/gradcafe-crawler/internal/clock/system"
	"github.com/JakeFAU/gradcafe-crawler/internal/config"
	"github.com/JakeFAU/gradcafe-crawler/internal/coordinator"
	"github.com/JakeFAU/gradcafe-crawler/internal/crawler"
	"github.com/JakeFAU/gradcafe-crawler/internal/dedup"
	collyfetcher "github.com/JakeFAU/gradcafe-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/gradcafe-crawler/internal/hash/sha256"
	"github.com/JakeFAU/gradcafe-crawler/internal/id/uuid"
	"github.com/JakeFAU/gradcafe-crawler/internal/loader"
	"github.com/JakeFAU/gradcafe-crawler/internal/logging"
	"github.com/JakeFAU/gradcafe-crawler/internal/metrics"
	"github.com/JakeFAU/gradcafe-crawler/internal/parser"
	"github.com/JakeFAU/gradcafe-crawler/internal/pipeline"
	"github.com/JakeFAU/gradcafe-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/gradcafe-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/gradcafe-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/gradcafe-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/gradcafe-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/gradcafe-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/gradcafe-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/gradcafe-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/gradcafe-crawler/internal/storage/postgres"
	"github.com/JakeFAU/gradcafe-crawler/internal/store"
)

const shutdownTimeout = 10 * time.Second

// ApplicantStore is the persistence surface the service needs: the loader's
// store, the analytics refresh, and a readiness ping.
type ApplicantStore interface {
	crawler.ApplicantStore
	crawler.AnalyticsRefresher
	Ping(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	coordinator *coordinator.Coordinator
	loader      *loader.Loader
	store       ApplicantStore
	progressHub *progress.Hub
	gcsClient   *storage.Client
	localBlobs  *localstorage.BlobStore
	pubsub      *gcppublisher.Publisher
	pgStore     *pgstore.ApplicantStore
}

// Build creates the application's dependencies. Progress collectors register
// against the default Prometheus registry.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("base_url", cfg.Scraper.BaseURL),
		zap.String("artifacts_backend", cfg.Artifacts.Backend),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.Background())
		}
	}()

	jobStatus, err := app.setupDatabase(ctx)
	if err != nil {
		return nil, err
	}
	blobStore, err := app.setupArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	events, err := app.setupProgress(ctx, jobStatus, reg)
	if err != nil {
		return nil, err
	}

	app.loader = loader.New(app.store, loader.Config{BatchSize: cfg.DB.BatchSize}, logger.Named("loader"))
	pull, err := app.setupPipeline(blobStore, publisher)
	if err != nil {
		return nil, err
	}
	app.coordinator, err = coordinator.New(coordinator.Deps{
		Puller:    pull,
		Refresher: app.store,
		IDs:       uuid.New(),
		Clock:     system.New(),
		Events:    events,
	}, logger.Named("coordinator"))
	if err != nil {
		return nil, fmt.Errorf("coordinator init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.coordinator, app.store, api.Options{
		RunInBackground: cfg.Pull.RunInBackground,
		APIKey:          cfg.Server.APIKey,
		RequestTimeout:  cfg.RequestTimeout(),
	}, logger.Named("api"))

	ok = true
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) (store.JobStatusRepository, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("No DSN specified for database, using in-memory applicant store")
		a.store = memorystorage.NewApplicantStore()
		return memorystorage.NewJobStatusStore(), nil
	}
	pg, err := pgstore.NewApplicantStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
		MinConns: a.cfg.DB.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("applicant store init failed: %w", err)
	}
	a.pgStore = pg
	if err := pgstore.EnsureSchema(ctx, pg.Pool(), pg.Table()); err != nil {
		return nil, fmt.Errorf("schema init failed: %w", err)
	}
	a.store = pg
	a.logger.Info("applicant store initialized", zap.String("table", pg.Table()))
	return pgstore.NewJobStatusStore(pg.Pool()), nil
}

func (a *App) setupArtifacts(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Artifacts.Backend {
	case config.ArtifactsGCS:
		a.logger.Info("using GCS artifact backend", zap.String("bucket", a.cfg.Artifacts.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Artifacts.GCSBucket,
			Prefix: a.cfg.Artifacts.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case config.ArtifactsLocal:
		a.logger.Info("using local artifact backend", zap.String("path", a.cfg.Artifacts.Dir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Artifacts.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.localBlobs = blobs
		return blobs, nil
	default:
		a.logger.Info("using in-memory artifact backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsub = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupProgress(
	ctx context.Context,
	jobStatus store.JobStatusRepository,
	reg prometheus.Registerer,
) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewStoreSink(jobStatus, a.logger.Named("progress_store")),
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchSize,
		MaxBatchWait:   time.Duration(a.cfg.Progress.FlushMillis) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.progressHub, nil
}

func (a *App) setupPipeline(blobs crawler.BlobStore, publisher crawler.Publisher) (*pipeline.Pipeline, error) {
	cfg := a.cfg
	p, err := parser.New(cfg.Scraper.SiteURL)
	if err != nil {
		return nil, fmt.Errorf("parser init failed: %w", err)
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Scraper.RequestsPerSecond,
		DefaultBurst: cfg.Scraper.Burst,
	})
	retry := crawler.NewExponentialRetryPolicy(crawler.RetryConfig{
		MaxAttempts: cfg.HTTP.MaxRetries + 1,
		BaseDelay:   time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,

		MaxRetryAfter: time.Duration(cfg.HTTP.MaxRetryAfterSeconds) * time.Second,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Scraper.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	}, retry, limiter, a.logger.Named("fetcher"))
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.Scraper.UserAgent),
		zap.Int("max_attempts", retry.MaxAttempts()),
	)

	robotsLogger := a.logger.Named("robots")
	pl, err := pipeline.New(pipeline.Config{
		BaseURL:                cfg.Scraper.BaseURL,
		StartPage:              cfg.Scraper.StartPage,
		MaxPages:               cfg.Scraper.MaxPages,
		MaxConsecutiveFailures: cfg.Scraper.MaxConsecutiveFailures,
		PublishTopic:           cfg.PubSub.TopicName,
	}, pipeline.Deps{
		Fetcher: fetcher,
		Parser:  p,
		Store:   a.store,
		Loader:  a.loader,
		Robots: func() crawler.RobotsPolicy {
			return crawler.NewRobotsEnforcer(!cfg.Scraper.IgnoreRobots, cfg.Scraper.UserAgent, robotsLogger)
		},
		Pacer:     limiter,
		Hasher:    sha256.New(),
		Artifacts: artifacts.NewWriter(blobs),
		Publisher: publisher,
		Clock:     system.New(),
	}, a.logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	return pl, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Coordinator exposes the job coordinator.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and runs the job lanes until ctx ends, then shuts down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("job lanes started")
		a.coordinator.Run(gctx)
		return nil
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Close(shutdownCtx)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Pull runs one synchronous pull with the job lanes started for its duration.
func (a *App) Pull(ctx context.Context) (crawler.PullStatus, error) {
	laneCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		a.coordinator.Run(laneCtx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	status, err := a.coordinator.RunPullSync(ctx)
	if err != nil {
		return status, fmt.Errorf("pull: %w", err)
	}
	return status, nil
}

// Load bulk-inserts records using the full known-URL set to skip duplicates.
func (a *App) Load(ctx context.Context, records []crawler.Record) (crawler.LoadResult, error) {
	known, err := dedup.LoadKnownSet(ctx, a.store)
	if err != nil {
		return crawler.LoadResult{}, err
	}
	a.logger.Info("known urls loaded", zap.Int("count", known.Len()))
	result, err := a.loader.Load(ctx, records, known)
	if err != nil {
		return result, fmt.Errorf("bulk load: %w", err)
	}
	return result, nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsub = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.localBlobs != nil {
		if err := a.localBlobs.Close(); err != nil {
			a.logger.Warn("artifact directory close failed", zap.Error(err))
		}
		a.localBlobs = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
}
