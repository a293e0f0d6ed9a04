package refinery

import (
	"context"
	"fmt"
	"time"

	"github.com/b3x-data/b3x/pkg/catalog"
	"github.com/b3x-data/b3x/pkg/db/clickhouse"
	"github.com/b3x-data/b3x/pkg/logging"
	"github.com/b3x-data/b3x/pkg/refine"
	"github.com/b3x-data/b3x/pkg/storage"
	"github.com/b3x-data/b3x/pkg/temporal"
	"github.com/b3x-data/b3x/pkg/transform"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

type App struct {
	Config         Config
	Worker         worker.Worker
	TemporalClient *temporal.Client
	Engine         *transform.Engine
	Activities     *refine.Activities
	CatalogDB      *clickhouse.Client
	Logger         *zap.Logger
}

// Initialize builds the engine, the catalog and, in worker mode, the Temporal worker.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: logger}

	store, err := storage.NewFromEnv(logger)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	if app.Engine, err = transform.NewEngine(store, cfg.Engine, logger.Named("engine")); err != nil {
		return nil, err
	}

	var catalogStore catalog.Store
	switch cfg.CatalogBackend {
	case "clickhouse":
		ch, err := clickhouse.New(ctx, logger, cfg.ClickHouseDB, clickhouse.GetPoolConfigForComponent("refinery"))
		if err != nil {
			return nil, fmt.Errorf("catalog database: %w", err)
		}
		app.CatalogDB = &ch
		if err := app.CatalogDB.Health(ctx); err != nil {
			return nil, fmt.Errorf("catalog database health: %w", err)
		}
		cs := clickhouse.NewCatalogStore(app.CatalogDB)
		if err := cs.InitSchema(ctx); err != nil {
			return nil, err
		}
		catalogStore = cs
	case "memory":
		logger.Warn("in-memory catalog, registrations are lost on exit")
		catalogStore = catalog.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown CATALOG_BACKEND %q", cfg.CatalogBackend)
	}

	app.Activities = &refine.Activities{
		Engine:    app.Engine,
		Registrar: catalog.NewRegistrar(catalogStore, logger.Named("catalog")),
		Logger:    logger,
	}

	if cfg.Mode == "oneshot" {
		return app, nil
	}

	if app.TemporalClient, err = temporal.NewClient(ctx, logger); err != nil {
		return nil, fmt.Errorf("temporal: %w", err)
	}
	app.Worker = worker.New(
		app.TemporalClient.TClient,
		app.TemporalClient.RefineQueue,
		worker.Options{
			MaxConcurrentActivityExecutionSize: cfg.Engine.Concurrency,
			WorkerStopTimeout:                  1 * time.Minute,
		},
	)
	app.Worker.RegisterWorkflowWithOptions(
		refine.RefinePartitionWorkflow,
		temporalworkflow.RegisterOptions{Name: temporal.WorkflowRefinePartition},
	)
	app.Worker.RegisterActivityWithOptions(app.Activities.TransformPartition, activity.RegisterOptions{Name: temporal.ActivityTransform})
	app.Worker.RegisterActivityWithOptions(app.Activities.RegisterCatalog, activity.RegisterOptions{Name: temporal.ActivityRegisterCatalog})

	return app, nil
}

// Start runs the worker until ctx is cancelled, or refines the partition named by the environment
// once in oneshot mode.
func (a *App) Start(ctx context.Context) error {
	defer a.Stop()

	if a.Config.Mode == "oneshot" {
		req, err := RequestFromEnv()
		if err != nil {
			return err
		}
		out, err := a.Activities.RunOnce(ctx, req)
		if err != nil {
			return err
		}
		a.Logger.Info("oneshot refine finished",
			zap.String("source_location", out.Manifest.SourceLocation),
			zap.Int("partitions", len(out.Manifest.Partitions)),
			zap.Int("added_partitions", out.Catalog.AddedPartitions))
		return nil
	}

	h, err := a.TemporalClient.Health(ctx)
	if err != nil {
		return fmt.Errorf("temporal health: %w", err)
	}
	a.Logger.Info("temporal reachable", zap.Int("refine_queue_pollers", len(h.RefineQueue)))

	if err := a.Worker.Start(); err != nil {
		return fmt.Errorf("unable to start worker: %w", err)
	}
	a.Logger.Info("refinery worker started", zap.String("queue", a.TemporalClient.RefineQueue))
	<-ctx.Done()
	return nil
}

// Stop releases the worker and connections.
func (a *App) Stop() {
	if a.Worker != nil {
		a.Worker.Stop()
	}
	if a.TemporalClient != nil {
		a.TemporalClient.Close()
	}
	if a.CatalogDB != nil {
		_ = a.CatalogDB.Close()
	}
	a.Engine.Close()
	_ = a.Logger.Sync()
	a.Logger.Info("refinery stopped")
}
