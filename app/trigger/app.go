package trigger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/b3x-data/b3x/pkg/breaker"
	"github.com/b3x-data/b3x/pkg/event"
	"github.com/b3x-data/b3x/pkg/kube"
	"github.com/b3x-data/b3x/pkg/launcher"
	"github.com/b3x-data/b3x/pkg/logging"
	"github.com/b3x-data/b3x/pkg/redis"
	"github.com/b3x-data/b3x/pkg/storage"
	"github.com/b3x-data/b3x/pkg/temporal"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// App receives raw-partition notifications and launches refine jobs.
type App struct {
	Config Config
	Logger *zap.Logger

	Store          storage.Store
	RedisClient    *redis.Client
	TemporalClient *temporal.Client

	Gate       *event.Gate
	Launcher   *launcher.Launcher
	Dispatcher *Dispatcher
	Consumer   *redis.StreamConsumer
	Sweeper    *Sweeper

	// Cron runs the catch-up sweep according to Config.SweepCron.
	Cron   *cron.Cron
	Server *http.Server
}

// Initialize wires the trigger from the environment.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg := LoadConfig()
	app := &App{Config: cfg, Logger: logger}

	if app.Store, err = storage.NewFromEnv(logger); err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	if cfg.StreamEnabled || cfg.DedupBackend == "redis" {
		if app.RedisClient, err = redis.NewClient(ctx, logger); err != nil {
			return nil, err
		}
	}

	var window event.Window
	switch cfg.DedupBackend {
	case "redis":
		window = redis.NewDedupWindow(app.RedisClient, "b3x:dedup:", cfg.DedupWindow)
	case "memory":
		window = event.NewMemoryWindow(cfg.DedupWindow, 100_000)
	case "none":
	default:
		return nil, fmt.Errorf("unknown DEDUP_BACKEND %q", cfg.DedupBackend)
	}
	app.Gate = event.NewGate(event.Config{Prefix: cfg.RawPrefix, Suffix: cfg.RawSuffix}, window, logger)

	var invoker launcher.Invoker
	switch cfg.Invoker {
	case "temporal":
		if app.TemporalClient, err = temporal.NewClient(ctx, logger); err != nil {
			return nil, fmt.Errorf("temporal: %w", err)
		}
		invoker = temporal.NewInvoker(app.TemporalClient.TClient, app.TemporalClient.RefineQueue)
	case "kube":
		if invoker, err = kube.NewInvokerFromEnv(logger); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown INVOKER %q", cfg.Invoker)
	}

	cb := breaker.New(breaker.Options{
		Name:             invoker.Name(),
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
		Logger:           logger,
	})
	app.Launcher = launcher.New(cfg.Launch, invoker, cb, logger)
	app.Dispatcher = NewDispatcher(ctx, app.Gate, app.Launcher, cfg.DispatchWorkers, logger)

	if cfg.StreamEnabled {
		app.Consumer, err = redis.NewStreamConsumer(app.RedisClient, redis.StreamConsumerConfig{
			Stream:   cfg.Stream,
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
	}

	app.Sweeper = &Sweeper{
		Store:         app.Store,
		Dates:         app.Gate,
		Dispatcher:    app.Dispatcher,
		Bucket:        cfg.RawBucket,
		RawPrefix:     cfg.RawPrefix,
		RefinedPrefix: cfg.RefinedPrefix,
		Logger:        logger.Named("sweep"),
	}
	if cfg.SweepCron != "" {
		if err := app.SetupScheduler(ctx, cron.DefaultLogger, cfg.SweepCron); err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepCron, err)
		}
	}

	if cfg.WebhookToken == "" && len(cfg.WebhookJWTSecret) == 0 {
		logger.Warn("WEBHOOK_TOKEN and WEBHOOK_JWT_SECRET are empty, the HTTP API is unauthenticated")
	}
	api := &API{
		Dispatcher: app.Dispatcher,
		Breaker:    cb,
		InFlight:   app.Launcher.InFlight,
		Ready:      func() bool { return app.Ready(ctx) },
		Token:      cfg.WebhookToken,
		JWTSecret:  cfg.WebhookJWTSecret,
		Logger:     logger,
	}
	app.Server = api.NewServer(cfg.Addr)

	return app, nil
}

// SetupScheduler schedules the catch-up sweep.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger, cronSpec string) error {
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)))

	_, err := a.Cron.AddFunc(cronSpec, func() {
		rctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		if _, err := a.Sweeper.Sweep(rctx); err != nil {
			a.Logger.Warn("catch-up sweep failed", zap.Error(err))
		}
	})
	return err
}

// Check tests one dependency for readiness.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

func (a *App) checks() []Check {
	var out []Check
	if a.RedisClient != nil {
		out = append(out, Check{Name: "redis", Run: a.RedisClient.Health})
	}
	if a.TemporalClient != nil {
		out = append(out, Check{Name: "temporal", Run: func(ctx context.Context) error {
			_, err := a.TemporalClient.Health(ctx)
			return err
		}})
	}
	return out
}

// Ready reports whether the dependencies answer and the launch circuit is not open.
func (a *App) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := runChecks(ctx, a.checks()); err != nil {
		a.Logger.Debug("not ready", zap.Error(err))
		return false
	}
	return a.Launcher.Breaker().State() != breaker.Open
}

func runChecks(ctx context.Context, checks []Check) error {
	for _, c := range checks {
		if err := c.Run(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return nil
}

// Start runs the server, the stream consumer and the sweep until ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	go func() {
		a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Fatal("server error", zap.Error(err))
		}
	}()

	if a.Consumer != nil {
		go func() {
			if err := a.Consumer.Run(ctx, StreamHandler(a.Dispatcher, a.Logger)); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("notification stream consumer stopped", zap.Error(err))
			}
		}()
	}

	if a.Cron != nil {
		a.Cron.Start()
		a.Logger.Info("catch-up sweep scheduled", zap.String("cronSpec", a.Config.SweepCron))
	}

	<-ctx.Done()
	a.Stop()
}

// Stop drains in-flight work and releases connections.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	a.Dispatcher.Close()
	a.Launcher.Close()
	if a.TemporalClient != nil {
		a.TemporalClient.Close()
	}
	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}
	_ = a.Logger.Sync()
	a.Logger.Info("trigger stopped")
}
