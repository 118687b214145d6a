package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/go-redis/redis/v8"
	"github.com/phrazzld/conjure-api/internal/cache"
	"github.com/phrazzld/conjure-api/internal/command"
	"github.com/phrazzld/conjure-api/internal/config"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/generation"
	"github.com/phrazzld/conjure-api/internal/ledger"
	"github.com/phrazzld/conjure-api/internal/notify"
	"github.com/phrazzld/conjure-api/internal/platform/ark"
	"github.com/phrazzld/conjure-api/internal/platform/broker"
	"github.com/phrazzld/conjure-api/internal/platform/gemini"
	"github.com/phrazzld/conjure-api/internal/platform/objectstore"
	"github.com/phrazzld/conjure-api/internal/platform/postgres"
	"github.com/phrazzld/conjure-api/internal/platform/redis"
	"github.com/phrazzld/conjure-api/internal/service/auth"
	"github.com/phrazzld/conjure-api/internal/session"
	"github.com/phrazzld/conjure-api/internal/task"
)

// application holds the shared dependencies and owns their shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	db       *sql.DB
	redis    *goredis.Client
	notifier *broker.Notifier

	jwtService  auth.JWTService
	adapters    *generation.Registry
	cache       *cache.Cache
	ledger      *ledger.Ledger
	sessions    session.Store
	scheduler   *task.Scheduler
	interpreter *command.Interpreter

	background context.CancelFunc
	wg         sync.WaitGroup
}

// newApplication builds every component from cfg. Optional infrastructure
// is used only when configured: Postgres for tasks and the ledger, Redis
// for the cache and sessions, AMQP for notifications and an S3-compatible
// bucket for result artifacts. Everything else runs in memory.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *application, err error) {
	app := &application{
		config: cfg,
		logger: logger,
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	taskStore, ledgerStore, err := app.setupStores(ctx)
	if err != nil {
		return nil, err
	}

	cacheBackend, sessions, err := app.setupRedisBacked(ctx)
	if err != nil {
		return nil, err
	}
	app.sessions = sessions
	app.cache = cache.New(cacheBackend, cache.TTLs{
		Image: cfg.Cache.ImageTTL,
		Video: cfg.Cache.VideoTTL,
		Chat:  cfg.Cache.ChatTTL,
	}, logger)

	app.ledger = ledger.New(ledgerStore, cfg.Ledger.InitialGrant, logger)

	app.adapters, err = setupAdapters(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	notifier, err := app.setupNotifier()
	if err != nil {
		return nil, err
	}

	var mirror task.ResultMirror
	if cfg.Storage.Endpoint != "" {
		m, err := objectstore.New(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize artifact mirror: %w", err)
		}
		mirror = m
		logger.Info("artifact mirror enabled", "bucket", cfg.Storage.Bucket)
	}

	app.scheduler, err = task.NewScheduler(task.Deps{
		Store:    taskStore,
		Cache:    app.cache,
		Ledger:   app.ledger,
		Adapters: app.adapters,
		Notifier: notifier,
		Pricing: ledger.Pricing{
			Image:     cfg.Pricing.Image,
			Video:     cfg.Pricing.Video,
			Chat:      cfg.Pricing.Chat,
			Overrides: cfg.Pricing.Overrides,
		},
		Mirror: mirror,
		Logger: logger,
	}, schedulerConfig(cfg.Queue))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	app.interpreter, err = command.NewInterpreter(app.scheduler, app.ledger, app.sessions, targets(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create interpreter: %w", err)
	}
	app.scheduler.SetTerminalHook(app.interpreter.TaskTerminal)

	logger.Info("application initialized",
		"providers", app.adapters.Names(),
		"concurrency", cfg.Queue.Concurrency)
	return app, nil
}

func (app *application) setupStores(ctx context.Context) (task.Store, ledger.Store, error) {
	if app.config.Database.URL == "" {
		app.logger.Warn("no database configured, tasks and balances are kept in memory")
		return task.NewMemoryStore(), ledger.NewMemoryStore(), nil
	}

	db, err := postgres.Open(ctx, app.config.Database, app.logger)
	if err != nil {
		return nil, nil, err
	}
	app.db = db
	return postgres.NewTaskStore(db), postgres.NewLedgerStore(db), nil
}

func (app *application) setupRedisBacked(ctx context.Context) (cache.Backend, session.Store, error) {
	cfg := app.config
	if cfg.Redis.Addr == "" {
		return cache.NewMemoryBackend(), session.NewMemoryStore(cfg.Session.TTL), nil
	}

	client, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	app.redis = client
	app.logger.Info("redis cache and session store enabled", "addr", cfg.Redis.Addr)
	return redis.NewCacheBackend(client, cfg.Redis.KeyPrefix),
		redis.NewSessionStore(client, cfg.Redis.KeyPrefix, cfg.Session.TTL), nil
}

func (app *application) setupNotifier() (notify.Notifier, error) {
	var notifier notify.Notifier = notify.NewLogNotifier(app.logger)
	if app.config.AMQP.URL == "" {
		return notifier, nil
	}

	n, err := broker.Dial(app.config.AMQP, app.logger)
	if err != nil {
		return nil, err
	}
	app.notifier = n
	app.logger.Info("publishing notifications to broker", "exchange", app.config.AMQP.Exchange)
	return notify.Multi{notifier, n}, nil
}

// setupAdapters registers a provider adapter for every configured API key.
func setupAdapters(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*generation.Registry, error) {
	registry := generation.NewRegistry()

	if cfg.Ark.APIKey != "" {
		a, err := ark.NewAdapter(logger, cfg.Ark)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ark adapter: %w", err)
		}
		registry.Register(a)
	}
	if cfg.Gemini.APIKey != "" {
		a, err := gemini.NewAdapter(ctx, logger, cfg.Gemini)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gemini adapter: %w", err)
		}
		registry.Register(a)
	}

	if len(registry.Names()) == 0 {
		logger.Warn("no provider API keys configured, every submission will be rejected")
	}
	return registry, nil
}

// targets picks the provider and model used by conversational actions.
func targets(cfg *config.Config) map[domain.TaskKind]command.Target {
	t := make(map[domain.TaskKind]command.Target)
	if cfg.Ark.APIKey != "" {
		t[domain.KindImage] = command.Target{Provider: ark.ProviderName, Model: cfg.Ark.ImageModel}
		t[domain.KindVideo] = command.Target{Provider: ark.ProviderName, Model: cfg.Ark.VideoModel}
	}
	if cfg.Gemini.APIKey != "" {
		t[domain.KindChat] = command.Target{Provider: gemini.ProviderName, Model: cfg.Gemini.Model}
	}
	return t
}

func schedulerConfig(q config.QueueConfig) task.Config {
	return task.Config{
		Concurrency:         q.Concurrency,
		QueueSize:           q.Size,
		MaxAttempts:         q.MaxAttempts,
		DispatchTimeout:     q.DispatchTimeout,
		PollInterval:        q.PollInterval,
		PollTimeout:         q.PollTimeout,
		RefundOnPollTimeout: q.RefundOnPollTimeout,
		ReconcileDeadline:   q.ReconcileDeadline,
		StaleCheckInterval:  q.StaleCheckInterval,
		ParkTTL:             q.ParkTTL,
		Backoff: task.BackoffPolicy{
			Base:          q.BackoffBase,
			Max:           q.BackoffMax,
			JitterPercent: q.BackoffJitterPercent,
		},
	}
}

// start recovers unfinished tasks, starts the workers and the background
// sweepers.
func (app *application) start(ctx context.Context) error {
	if err := app.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app.background = cancel

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.cache.RunSweeper(bgCtx, app.config.Cache.SweepInterval)
	}()

	if mem, ok := app.sessions.(*session.MemoryStore); ok {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			mem.RunSweeper(bgCtx, app.config.Session.TTL)
		}()
	}
	return nil
}

// Run starts processing and serves HTTP until ctx is cancelled.
func (app *application) Run(ctx context.Context) error {
	if err := app.start(ctx); err != nil {
		app.closeInfrastructure()
		return err
	}
	if err := app.startHTTPServer(ctx, app.setupRouter()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup stops the scheduler and background loops, then closes
// infrastructure connections.
func (app *application) cleanup() {
	if app.scheduler != nil {
		app.scheduler.Stop()
	}
	if app.background != nil {
		app.background()
	}
	app.wg.Wait()
	app.closeInfrastructure()
	app.logger.Info("application shutdown completed")
}

func (app *application) closeInfrastructure() {
	if app.notifier != nil {
		if err := app.notifier.Close(); err != nil {
			app.logger.Error("error closing broker connection", "error", err)
		}
		app.notifier = nil
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
		app.redis = nil
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
		app.db = nil
	}
}
