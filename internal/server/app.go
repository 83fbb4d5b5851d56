// Package server builds the crawler's dependency graph from configuration and
// runs the long-lived service: dispatcher, scheduler and ops listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/acquisition"
	"github.com/JakeFAU/regwatch/internal/api"
	"github.com/JakeFAU/regwatch/internal/changes"
	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/config"
	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/dedup"
	"github.com/JakeFAU/regwatch/internal/dispatcher"
	"github.com/JakeFAU/regwatch/internal/extraction"
	collyfetcher "github.com/JakeFAU/regwatch/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/regwatch/internal/fetcher/headless"
	"github.com/JakeFAU/regwatch/internal/hash/sha256"
	"github.com/JakeFAU/regwatch/internal/headless/detector"
	"github.com/JakeFAU/regwatch/internal/id/uuid"
	"github.com/JakeFAU/regwatch/internal/jobs"
	"github.com/JakeFAU/regwatch/internal/metrics"
	"github.com/JakeFAU/regwatch/internal/policy/ratelimit"
	"github.com/JakeFAU/regwatch/internal/policy/robots"
	memorypublisher "github.com/JakeFAU/regwatch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/regwatch/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/regwatch/internal/queue/memory"
	"github.com/JakeFAU/regwatch/internal/scheduler"
	"github.com/JakeFAU/regwatch/internal/sources"
	gcsstorage "github.com/JakeFAU/regwatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/regwatch/internal/storage/local"
	memorystorage "github.com/JakeFAU/regwatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/regwatch/internal/storage/postgres"
	"github.com/JakeFAU/regwatch/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// corpusStore is everything the crawl needs to persist besides jobs.
type corpusStore interface {
	crawler.DocumentStore
	crawler.VersionStore
	crawler.DatapointStore
	crawler.DownloadStore
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	Sources    *sources.Catalog
	Jobs       *jobs.Manager
	Changes    *changes.Detector
	Worker     *worker.Worker
	Dispatcher *dispatcher.Dispatcher

	clock    crawler.Clock
	queue    *queuememory.Queue
	workers  []dispatcher.Runner
	checks   map[string]api.Check
	closers  []func(context.Context) error
	jobStore crawler.JobStore
	corpus   corpusStore
}

// Build creates the application's dependencies. Close must be called to
// release connections and the browser.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  clock.NewSystem(),
		checks: make(map[string]api.Check),
	}
	app.logger.Info("building application dependencies",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.Database.DSN != ""),
		zap.Bool("redis", cfg.Redis.Addr != ""),
		zap.Bool("headless", cfg.Headless.Enabled),
	)

	catalog, err := sources.Load(cfg.SourcesFile)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	app.Sources = catalog

	steps := []func(context.Context) error{
		app.setupDatabase,
		app.setupPipeline,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
			return nil, err
		}
	}
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory stores")
		a.jobStore = memorystorage.NewJobStore()
		a.corpus = memorystorage.NewCorpusStore()
		return nil
	}
	if a.cfg.Database.AutoMigrate {
		version, err := pgstore.Migrate(a.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		a.logger.Info("database migrated", zap.Uint("version", version))
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.jobStore = store
	a.corpus = store
	a.checks["postgres"] = store.Ping
	a.closers = append(a.closers, func(context.Context) error {
		store.Close()
		return nil
	})
	a.logger.Info("postgres store initialized")
	return nil
}

func (a *App) setupPipeline(ctx context.Context) error {
	ids := uuid.New()
	a.Jobs = jobs.New(a.jobStore, ids, a.clock, a.logger)
	a.Changes = changes.New(a.corpus, a.corpus, ids, a.clock, changes.Config{
		ReviewThreshold: a.cfg.Changes.ReviewThreshold,
	}, a.logger)

	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	index, err := a.setupRedis()
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	acquirer, err := a.setupAcquisition(blobs)
	if err != nil {
		return err
	}

	var classifier crawler.Classifier
	if a.cfg.Extraction.Endpoint != "" {
		classifier = extraction.NewHTTPClassifier(a.cfg.Extraction.Endpoint, a.cfg.Extraction.Timeout)
		a.logger.Info("classifier configured", zap.String("endpoint", a.cfg.Extraction.Endpoint))
	} else {
		a.logger.Warn("no classifier endpoint configured, only the keyword pre-pass will extract datapoints")
	}
	extractor := extraction.NewAdapter(classifier, ids, extraction.Config{
		MaxTextChars:  a.cfg.Extraction.MaxTextChars,
		DefaultPrompt: a.cfg.Extraction.DefaultPrompt,
		PrepassLabels: a.cfg.Extraction.PrepassLabels,
		PrepassWindow: a.cfg.Extraction.PrepassWindow,
	}, a.logger)

	var gate crawler.RobotsGate = robots.AllowAll{}
	if a.cfg.Crawler.RespectRobots {
		gate = robots.New(robots.Config{
			UserAgent: a.cfg.Crawler.UserAgent,
			TTL:       a.cfg.Crawler.RobotsTTL,
			FailOpen:  a.cfg.Crawler.RobotsFailOpen,
			Timeout:   a.cfg.Crawler.RequestTimeout,
		}, nil, a.clock, a.logger)
		if a.cfg.Crawler.RobotsFailOpen {
			a.logger.Info("robots.txt fetch failures allow crawling (fail open)")
		}
	} else {
		a.logger.Warn("robots.txt enforcement disabled")
	}

	a.Worker = worker.New(worker.Deps{
		Sources:    a.Sources,
		Jobs:       a.Jobs,
		Robots:     gate,
		Limiter:    ratelimit.New(ratelimit.Config{MinInterval: a.cfg.Crawler.MinInterval}),
		Acquirer:   acquirer,
		Hasher:     sha256.New(),
		Dedup:      dedup.New(a.corpus, index, a.logger),
		Changes:    a.Changes,
		Extractor:  extractor,
		Documents:  a.corpus,
		Datapoints: a.corpus,
		Downloads:  a.corpus,
		Publisher:  publisher,
		IDs:        ids,
		Clock:      a.clock,
	}, a.logger)

	a.queue = queuememory.NewQueue(a.cfg.Crawler.QueueDepth)
	for i := 0; i < a.cfg.Crawler.Concurrency; i++ {
		// One Worker value is safe to share; the pool size is the number of runners.
		a.workers = append(a.workers, a.Worker)
	}
	a.Dispatcher = dispatcher.New(a.queue, a.Jobs, a.workers, a.clock, a.logger)
	a.checks["queue"] = func(context.Context) error {
		if a.queue.Len() >= a.cfg.Crawler.QueueDepth {
			return fmt.Errorf("job queue full (%d)", a.queue.Len())
		}
		return nil
	}
	a.logger.Info("crawl pipeline ready",
		zap.Int("workers", a.cfg.Crawler.Concurrency),
		zap.Int("queue_depth", a.cfg.Crawler.QueueDepth),
		zap.Duration("min_interval", a.cfg.Crawler.MinInterval),
	)
	return nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupRedis() (dedup.HashIndex, error) {
	if a.cfg.Redis.Addr == "" {
		return nil, nil
	}
	client, err := dedup.NewRedisClient(dedup.RedisConfig{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("redis init failed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	a.checks["redis"] = func(ctx context.Context) error { return pingRedis(ctx, client) }
	a.logger.Info("redis hash index enabled", zap.String("addr", a.cfg.Redis.Addr))
	return dedup.NewRedisIndex(client, a.cfg.Redis.Key, a.cfg.Redis.TTL), nil
}

func pingRedis(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	publisher := gcppublisher.New(client.Topic(a.cfg.PubSub.TopicName))
	a.closers = append(a.closers, func(context.Context) error {
		publisher.Stop()
		return client.Close()
	})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func (a *App) setupAcquisition(blobs crawler.BlobStore) (*acquisition.Layer, error) {
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.Crawler.UserAgent,
		Timeout:     a.cfg.Crawler.RequestTimeout,
		MaxBodySize: acquisition.BodyLimit(a.cfg.Crawler.MaxPDFBytes),
	})
	deps := acquisition.Deps{
		Plain: plain,
		Blobs: blobs,
		Clock: a.clock,
		Retry: crawler.NewExponentialRetryPolicy().WithLimits(a.cfg.Crawler.MaxRetries, 500*time.Millisecond, 10*time.Second),
	}
	if a.cfg.Headless.Enabled {
		browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:         a.cfg.Headless.MaxParallel,
			UserAgent:           a.cfg.Crawler.UserAgent,
			NavigationTimeout:   a.cfg.Headless.NavTimeout,
			IdleTimeout:         a.cfg.Headless.IdleTimeout,
			ScrollStep:          a.cfg.Headless.ScrollStep,
			ScrollPause:         a.cfg.Headless.ScrollPause,
			ScrollMaxIterations: a.cfg.Headless.ScrollMaxIterations,
			DownloadTimeout:     a.cfg.Headless.DownloadTimeout,
		}, plain, a.logger)
		if err != nil {
			return nil, fmt.Errorf("headless browser init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			browser.Close()
			return nil
		})
		deps.Renderer = browser
		deps.Downloader = browser
		deps.Detector = detector.NewHeuristic(a.cfg.Crawler.PromotionThreshold)
		a.logger.Info("headless browser enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}
	return acquisition.New(acquisition.Config{
		JSHeavyOrigins:      a.cfg.Crawler.JSHeavyOrigins,
		MaxDownloadsPerPage: a.cfg.Crawler.MaxDownloadsPerPage,
		MaxPDFBytes:         int64(a.cfg.Crawler.MaxPDFBytes),
	}, deps, a.logger), nil
}

// CrawlNow creates a job for sourceID and runs it on the calling goroutine.
func (a *App) CrawlNow(ctx context.Context, sourceID string, opts crawler.JobOptions) (worker.Summary, error) {
	job, err := a.Jobs.Create(ctx, sourceID, opts)
	if err != nil {
		return worker.Summary{}, err
	}
	return a.Worker.RunJob(ctx, job.ID)
}

// Serve runs the dispatcher, the scheduler and the ops listener until ctx is
// cancelled or SIGINT/SIGTERM arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan error, 1)
	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", len(a.workers)))
		dispatchDone <- a.Dispatcher.Run(ctx)
	}()

	if a.cfg.Scheduler.Enabled {
		sched, err := scheduler.New(scheduler.Config{
			Spec:      a.cfg.Scheduler.Spec,
			BatchSize: a.cfg.Scheduler.BatchSize,
		}, a.Sources, a.Dispatcher, a.logger)
		if err != nil {
			stop()
			<-dispatchDone
			return err
		}
		if err := sched.Start(ctx); err != nil {
			stop()
			<-dispatchDone
			return err
		}
	}

	metrics.Init()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           api.NewServer(a.checks, a.logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("ops listener started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops listener error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("ops listener shutdown error", zap.Error(err))
	}
	if err := <-dispatchDone; err != nil {
		a.logger.Error("dispatcher stopped with error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close releases every resource Build acquired, in reverse order.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("resource close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
