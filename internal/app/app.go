// Package app builds the long-lived services from configuration and owns
// their lifecycle: created once at startup, torn down on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/changewatch/internal/api"
	"github.com/JakeFAU/changewatch/internal/clock/system"
	"github.com/JakeFAU/changewatch/internal/config"
	"github.com/JakeFAU/changewatch/internal/diff"
	"github.com/JakeFAU/changewatch/internal/fetcher"
	collyfetcher "github.com/JakeFAU/changewatch/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/changewatch/internal/fetcher/headless"
	"github.com/JakeFAU/changewatch/internal/hash/md5"
	"github.com/JakeFAU/changewatch/internal/id/uuid"
	"github.com/JakeFAU/changewatch/internal/notification"
	"github.com/JakeFAU/changewatch/internal/policy/ratelimit"
	"github.com/JakeFAU/changewatch/internal/proxy"
	queueMemory "github.com/JakeFAU/changewatch/internal/queue/memory"
	"github.com/JakeFAU/changewatch/internal/scheduler"
	gcsstorage "github.com/JakeFAU/changewatch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/changewatch/internal/storage/local"
	memoryStorage "github.com/JakeFAU/changewatch/internal/storage/memory"
	pgstore "github.com/JakeFAU/changewatch/internal/storage/postgres"
	"github.com/JakeFAU/changewatch/internal/telemetry"
	"github.com/JakeFAU/changewatch/internal/watch"
	"github.com/JakeFAU/changewatch/internal/worker"
)

// ErrDataDirLocked is returned when another process holds the data directory.
var ErrDataDirLocked = errors.New("data directory is locked by another process")

const lockFileName = "changewatch.lock"

// Option customizes Build.
type Option func(*options)

type options struct {
	clock watch.Clock
	ids   watch.IDGenerator
}

// WithClock replaces the system clock.
func WithClock(c watch.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator replaces the UUIDv4 generator.
func WithIDGenerator(g watch.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store         watch.Store
	snapshots     watch.BlobStore
	queue         *queueMemory.WorkQueue
	notifications *queueMemory.NotificationQueue
	fetchers      *fetcher.Registry
	proxies       *proxy.Pool
	scheduler     *scheduler.Scheduler
	pool          *worker.Pool
	dispatcher    *notification.Dispatcher
	apiServer     *api.Server

	lock           *flock.Flock
	pgStore        *pgstore.WatchStore
	gcsClient      *storage.Client
	browser        *headlessfetcher.Fetcher
	tracerShutdown telemetry.ShutdownFunc
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: system.New(), ids: uuid.New()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeInfrastructure(context.Background())
		}
	}()

	if err = a.lockDataDir(); err != nil {
		return nil, err
	}

	_, a.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}, logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	logger.Info("building application dependencies",
		zap.String("registry", cfg.Registry.Driver),
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("workers", cfg.Workers.Count),
	)

	if err = a.setupRegistry(ctx); err != nil {
		return nil, err
	}
	if err = a.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = a.setupFetchers(); err != nil {
		return nil, err
	}

	a.queue = queueMemory.NewWorkQueue()
	a.notifications = queueMemory.NewNotificationQueue()

	a.dispatcher = notification.NewDispatcher(a.notifications, notification.Config{
		IdleInterval:   cfg.Notifications.IdleInterval,
		SendTimeout:    cfg.Notifications.SendTimeout,
		MaxAttempts:    cfg.Notifications.MaxAttempts,
		InitialBackoff: cfg.Notifications.InitialBackoff,
		MaxBackoff:     cfg.Notifications.MaxBackoff,
	}, logger.Named("notification"))
	notification.RegisterDefaults(a.dispatcher, &http.Client{Timeout: cfg.Notifications.SendTimeout})
	for _, raw := range cfg.Notifications.URLs {
		if err = a.dispatcher.CheckURL(raw); err != nil {
			return nil, fmt.Errorf("global notification url: %w", err)
		}
	}

	var limiter worker.Limiter
	if cfg.RateLimit.DefaultRPS > 0 || len(cfg.RateLimit.HostRPS) > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
			HostRPS:      cfg.RateLimit.HostRPS,
		})
		logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
			zap.Int("host_overrides", len(cfg.RateLimit.HostRPS)),
		)
	}

	ownership := worker.NewOwnership()
	a.pool = worker.NewPool(cfg.Workers.Count, worker.Deps{
		Queue:         a.queue,
		Notifications: a.notifications,
		Registry:      a.store,
		Snapshots:     a.snapshots,
		Fetchers:      a.fetchers,
		Diff:          diff.New(md5.New()),
		Limiter:       limiter,
		Clock:         o.clock,
		Ownership:     ownership,
	}, worker.Config{
		IdleInterval:   cfg.Workers.IdleInterval,
		FetchTimeout:   cfg.FetchTimeout(),
		Headers:        globalHeaders(cfg.HTTP),
		SnapshotPrefix: cfg.Storage.Prefix,
		Notifications: worker.Notifications{
			URLs:   cfg.Notifications.URLs,
			Title:  cfg.Notifications.Title,
			Body:   cfg.Notifications.Body,
			Format: watch.Format(cfg.Notifications.Format),
		},
	}, logger)

	a.scheduler = scheduler.New(a.store, a.queue, ownership, o.clock, scheduler.Config{
		TickInterval:  cfg.Scheduler.TickInterval,
		GlobalMinutes: cfg.Scheduler.MinutesBetweenCheck,
	}, logger.Named("scheduler"))

	a.apiServer = api.NewServer(api.Deps{
		Store:         a.store,
		Queue:         a.queue,
		Notifications: a.notifications,
		InFlight:      ownership,
		Snapshots:     a.snapshots,
		Fetchers:      a.fetchers,
		IDs:           o.ids,
		Clock:         o.clock,
		URLChecker:    a.dispatcher,
		Proxies:       a.proxies,
		Ready:         a.ready,
	}, api.Config{
		AuthEnabled:        cfg.Auth.Enabled,
		APIKey:             cfg.Auth.APIKey,
		ReadyTimeout:       cfg.Browser.ReadyTimeout,
		NotificationURLs:   cfg.Notifications.URLs,
		NotificationFormat: watch.Format(cfg.Notifications.Format),
	}, logger.Named("api"))

	return a, nil
}

// Store exposes the watch registry.
func (a *App) Store() watch.Store {
	return a.store
}

// Snapshots exposes the snapshot store.
func (a *App) Snapshots() watch.BlobStore {
	return a.snapshots
}

// Handler returns the control API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run listens on the configured port and blocks until ctx is cancelled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the scheduler, worker pool, dispatcher and control API on ln
// until ctx is cancelled. Resources are released before it returns.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		a.scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	a.Close(shutdownCtx)
	return runErr
}

// Close releases every resource held by the App.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(); err != nil {
			a.logger.Warn("notification senders close failed", zap.Error(err))
		}
		a.dispatcher = nil
	}
	if a.browser != nil {
		a.browser.Close()
		a.browser = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			a.logger.Warn("data dir unlock failed", zap.Error(err))
		}
		a.lock = nil
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) lockDataDir() error {
	if a.cfg.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(a.cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(a.cfg.DataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrDataDirLocked, a.cfg.DataDir)
	}
	a.lock = lock
	a.logger.Debug("data dir locked", zap.String("path", lock.Path()))
	return nil
}

func (a *App) setupRegistry(ctx context.Context) error {
	switch a.cfg.Registry.Driver {
	case "postgres":
		store, err := pgstore.NewWatchStore(ctx, pgstore.WatchStoreConfig{
			DSN:             a.cfg.Registry.DSN,
			Table:           a.cfg.Registry.Table,
			MaxConns:        a.cfg.Registry.MaxConns,
			MinConns:        a.cfg.Registry.MinConns,
			MaxConnLifetime: a.cfg.Registry.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres registry init failed: %w", err)
		}
		a.pgStore = store
		if a.cfg.Registry.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("postgres registry schema: %w", err)
			}
		}
		a.store = store
		a.logger.Info("using postgres watch registry", zap.String("table", a.cfg.Registry.Table))
	default:
		a.store = memoryStorage.NewWatchStore()
		a.logger.Info("using in-memory watch registry")
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.snapshots = blobs
		a.logger.Info("using GCS snapshot store", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case "local":
		dir := a.cfg.SnapshotDir()
		blobs, err := localstorage.New(localstorage.Config{BaseDir: dir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.snapshots = blobs
		a.logger.Info("using local snapshot store", zap.String("path", dir))
	default:
		a.snapshots = memoryStorage.NewBlobStore()
		a.logger.Info("using in-memory snapshot store")
	}
	return nil
}

func (a *App) setupFetchers() error {
	a.proxies = proxy.New(proxy.Config{
		Enabled:    a.cfg.Proxies.Enabled,
		Proxies:    a.cfg.Proxies.List,
		RetryAfter: a.cfg.Proxies.RetryAfter,
	}, a.logger.Named("proxy"))

	a.fetchers = fetcher.NewRegistry(watch.StrategyRequests)
	a.fetchers.RegisterInstance(watch.StrategyRequests, collyfetcher.Description,
		collyfetcher.New(collyfetcher.Config{
			UserAgent: a.cfg.HTTP.UserAgent,
			Timeout:   a.cfg.FetchTimeout(),
			Proxies:   a.proxies,
		}, a.logger))

	if a.cfg.Browser.URL == "" {
		a.fetchers.RegisterInstance(watch.StrategyWebdriver, headlessfetcher.Description+" (not configured)",
			headlessfetcher.NewNoop())
		return nil
	}
	browser, err := headlessfetcher.NewRemote(headlessfetcher.Config{
		BrowserURL:        a.cfg.Browser.URL,
		MaxParallel:       a.cfg.Browser.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Browser.NavTimeoutSeconds) * time.Second,
		SettleDelay:       a.cfg.Browser.SettleDelay,
		ReadyTimeout:      a.cfg.Browser.ReadyTimeout,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("browser fetcher init failed: %w", err)
	}
	a.browser = browser
	a.fetchers.RegisterInstance(watch.StrategyWebdriver, headlessfetcher.Description, browser)
	a.logger.Info("using remote browser", zap.String("url", a.cfg.Browser.URL), zap.Int("max_parallel", a.cfg.Browser.MaxParallel))
	return nil
}

// ready is healthy when no browser is configured or the browser answers.
func (a *App) ready(ctx context.Context) error {
	if a.browser == nil {
		return nil
	}
	if err := a.browser.IsReady(ctx); err != nil {
		return fmt.Errorf("browser not ready: %w", err)
	}
	return nil
}

func globalHeaders(cfg config.HTTPConfig) map[string]string {
	out := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		out[k] = v
	}
	if cfg.UserAgent != "" {
		if _, ok := out["user-agent"]; !ok {
			out["User-Agent"] = cfg.UserAgent
		}
	}
	return out
}
