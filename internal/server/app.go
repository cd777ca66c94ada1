// Package server builds the scheduler's dependencies from configuration and
// runs the HTTP API next to the dispatcher tick.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/api"
	"github.com/JakeFAU/scrape-scheduler/internal/clock/system"
	"github.com/JakeFAU/scrape-scheduler/internal/config"
	"github.com/JakeFAU/scrape-scheduler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/scrape-scheduler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/scrape-scheduler/internal/fetcher/headless"
	"github.com/JakeFAU/scrape-scheduler/internal/hash/sha256"
	"github.com/JakeFAU/scrape-scheduler/internal/headless/detector"
	"github.com/JakeFAU/scrape-scheduler/internal/id/uuid"
	"github.com/JakeFAU/scrape-scheduler/internal/logging"
	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/simple"
	"github.com/JakeFAU/scrape-scheduler/internal/progress"
	progresssinks "github.com/JakeFAU/scrape-scheduler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/scrape-scheduler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-scheduler/internal/publisher/pubsub"
	"github.com/JakeFAU/scrape-scheduler/internal/queue"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
	gcsstorage "github.com/JakeFAU/scrape-scheduler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-scheduler/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrape-scheduler/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-scheduler/internal/storage/postgres"
	"github.com/JakeFAU/scrape-scheduler/internal/store"
	"github.com/JakeFAU/scrape-scheduler/internal/telemetry"
	"github.com/JakeFAU/scrape-scheduler/internal/worker"
)

const (
	serviceName       = "scrape-scheduler"
	readHeaderTimeout = 5 * time.Second
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// Option customizes Build.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	executor   scrape.Executor
}

// WithLogger uses logger instead of building one from the logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers job metrics with reg instead of the default
// Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithExecutor replaces the fetching worker, mostly for tests.
func WithExecutor(exec scrape.Executor) Option {
	return func(o *options) { o.executor = exec }
}

// App holds the wired dependencies of a running scheduler.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	queue     *queue.Controller
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
	hub       *progress.Hub

	unsubscribe func()
	tracing     telemetry.ShutdownFunc
	headless    *headlessfetcher.Fetcher
	blobs       *gcsstorage.BlobStore
	publisher   *gcppublisher.Publisher
	runs        *pgstore.RunStore

	closeOnce sync.Once
	closeErr  error
}

// Build creates every dependency described by cfg. On error, whatever was
// already created is released.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.releaseInfrastructure(context.Background())
		}
	}()
	app.tracing, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: serviceName,
		Version:     Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("publisher_backend", cfg.PubSub.Backend),
		zap.Bool("database", cfg.Database.DSN != ""),
	)

	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	var runs store.RunRepository
	if app.runs != nil {
		runs = app.runs
	}
	if err = app.setupProgress(ctx, blobs, publisher, runs, o.registerer); err != nil {
		return nil, err
	}

	exec := o.executor
	if exec == nil {
		exec = app.setupWorker()
	}
	app.queue = queue.New(exec, queue.Config{
		MaxConcurrent:        cfg.Queue.MaxConcurrent,
		RetryDelay:           cfg.Queue.RetryDelay,
		BatchDelay:           cfg.Queue.BatchDelay,
		DefaultMaxRetries:    cfg.Queue.DefaultMaxRetries,
		DefaultMaxRetriesSet: true,
		StartPaused:          cfg.Queue.StartPaused,
		Clock:                system.New(),
		IDs:                  uuid.New(),
	}, logger)
	app.unsubscribe = app.queue.Subscribe(app.hub.Listen)

	app.dispatch, err = dispatcher.New(app.queue, dispatcher.Config{Spec: cfg.Queue.TickSpec}, logger)
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}
	app.apiServer = api.NewServer(app.queue, runs, cfg, logger)
	return app, nil
}

// Handler exposes the API router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Queue exposes the queue controller.
func (a *App) Queue() *queue.Controller {
	return a.queue
}

// Run serves HTTP and ticks the dispatcher until ctx is canceled or a
// termination signal arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := a.dispatch.Run(ctx); err != nil {
			a.logger.Error("dispatcher error", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	<-dispatchDone
	if err := a.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	select {
	case err := <-serveErr:
		errs = append(errs, fmt.Errorf("http serve: %w", err))
	default:
	}
	return errors.Join(errs...)
}

// Close drains the queue and the progress hub, then releases external
// clients. Later calls return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.queue != nil {
			if err := a.queue.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
		errs = append(errs, a.releaseInfrastructure(ctx))
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) releaseInfrastructure(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.runs != nil {
		a.runs.Close()
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.tracing != nil {
		if err := a.tracing(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) setupStorage(ctx context.Context) (scrape.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local result archive", zap.String("dir", a.cfg.Storage.Dir))
		return blobs, nil
	case config.StorageGCS:
		blobs, err := gcsstorage.New(ctx, gcsstorage.Config{
			Bucket:       a.cfg.Storage.Bucket,
			VerifyBucket: a.cfg.Storage.VerifyBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using GCS result archive", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	default:
		a.logger.Info("using in-memory result archive")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scrape.Publisher, error) {
	switch a.cfg.PubSub.Backend {
	case config.PublisherPubSub:
		pub, err := gcppublisher.New(ctx, gcppublisher.Config{
			ProjectID:    a.cfg.PubSub.ProjectID,
			DefaultTopic: a.cfg.PubSub.Topic,
			VerifyTopic:  a.cfg.PubSub.VerifyTopic,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
		return pub, nil
	case config.PublisherMemory:
		a.logger.Info("using in-memory completion publisher")
		return memorypublisher.New(), nil
	default:
		a.logger.Info("completion publishing disabled")
		return nil, nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, run history disabled")
		return nil
	}
	runs, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.Table,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.runs = runs
	if a.cfg.Database.Migrate {
		if err := runs.Migrate(ctx); err != nil {
			return fmt.Errorf("run store migrate failed: %w", err)
		}
	}
	a.logger.Info("run store initialized", zap.String("table", a.cfg.Database.Table))
	return nil
}

func (a *App) setupProgress(
	ctx context.Context,
	blobs scrape.BlobStore,
	publisher scrape.Publisher,
	runs store.RunRepository,
	reg prometheus.Registerer,
) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger))
	}
	if runs != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(runs, a.logger))
	}
	topic := ""
	if publisher != nil {
		topic = a.cfg.PubSub.Topic
	}
	sinkList = append(sinkList, progresssinks.NewCompletionSink(
		blobs,
		sha256.New(),
		publisher,
		progresssinks.CompletionConfig{Prefix: a.cfg.Storage.Prefix, Topic: topic},
		a.logger,
	))

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger,
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupWorker() *worker.Worker {
	userAgent := a.cfg.HTTP.UserAgent
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     userAgent,
		RespectRobots: !a.cfg.HTTP.IgnoreRobots,
		Timeout:       a.cfg.HTTPTimeout(),
		MaxBodySize:   a.cfg.HTTP.MaxBodyBytes,
	})
	a.logger.Info("using colly probe fetcher", zap.String("user_agent", userAgent))

	var headless scrape.Fetcher = headlessfetcher.NewNoop()
	if a.cfg.Headless.Enabled {
		fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         userAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSeconds) * time.Second,
			SettleDelay:       time.Duration(a.cfg.Headless.SettleMillis) * time.Millisecond,
			WaitSelector:      a.cfg.Headless.WaitSelector,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed, rendering disabled", zap.Error(err))
		} else {
			a.headless = fetcher
			headless = fetcher
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	var limiter scrape.Limiter
	if a.cfg.RateLimit.DefaultRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
			DefaultBurst: a.cfg.RateLimit.DefaultBurst,
			Domains:      a.cfg.RateLimit.Domains,
		}, metrics.ObserveRateLimitDelay)
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
		)
	} else {
		limiter = simple.New()
		a.logger.Info("rate limiter disabled, using simple policy")
	}

	return worker.New(
		probe,
		headless,
		detector.NewHeuristic(a.cfg.Headless.BodyThreshold, a.cfg.Headless.MinTextLength),
		limiter,
		sha256.New(),
		system.New(),
		uuid.WithPrefix("res-"),
		worker.Config{MaxRawBytes: a.cfg.HTTP.MaxRawBytes},
		a.logger,
	)
}
