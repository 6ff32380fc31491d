package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-transfer/internal/bulkimports"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stanstork/stratum-transfer/internal/config"
	"github.com/stanstork/stratum-transfer/internal/export"
	"github.com/stanstork/stratum-transfer/internal/handlers"
	"github.com/stanstork/stratum-transfer/internal/health"
	"github.com/stanstork/stratum-transfer/internal/jobs"
	"github.com/stanstork/stratum-transfer/internal/middleware"
	"github.com/stanstork/stratum-transfer/internal/migration"
	"github.com/stanstork/stratum-transfer/internal/pipeline"
	"github.com/stanstork/stratum-transfer/internal/pipelines"
	"github.com/stanstork/stratum-transfer/internal/repository"
	"github.com/stanstork/stratum-transfer/internal/routes"
	"github.com/stanstork/stratum-transfer/internal/source"
	"github.com/stanstork/stratum-transfer/internal/temporal"
	"github.com/stanstork/stratum-transfer/internal/temporal/activities"
	"github.com/stanstork/stratum-transfer/internal/temporal/workflows"
	sweeps "github.com/stanstork/stratum-transfer/internal/worker"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq" // PostgreSQL driver
	tc "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

type application struct {
	config         *config.Config
	db             *sql.DB
	cache          *cache.RedisCache
	gate           *health.Gate
	temporalClient tc.Client
	queue          jobs.Queue
	imports        *bulkimports.Service
	exports        *export.Service
	logger         zerolog.Logger
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	temporalLogger := temporal.NewLogger(logger)

	gooseAdapter := migration.NewGooseAdapter(logger)
	goose.SetLogger(gooseAdapter)

	// Load configuration.
	cfg := config.Load()

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	if err := migration.RunMigrations(db, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Shared cache for leases, export status and readiness flags.
	redisCache, err := cache.NewRedisCache(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to redis")
	}
	defer redisCache.Close()

	// Initialize Temporal client.
	temporalClient, err := tc.Dial(tc.Options{
		HostPort:  fmt.Sprintf("%s:%d", cfg.Temporal.Host, cfg.Temporal.Port),
		Namespace: cfg.Temporal.Namespace,
		Logger:    temporalLogger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Unable to create Temporal client")
	}
	defer temporalClient.Close()

	// Create the application instance.
	app := &application{
		config:         cfg,
		db:             db,
		cache:          redisCache,
		temporalClient: temporalClient,
		logger:         logger,
	}
	app.gate = health.NewGate(logger, cfg.Health.IndicatorTimeout,
		health.DatabasePool{DB: db, Saturation: cfg.Health.PoolSaturation},
		health.CacheLatency{Cache: redisCache, Threshold: cfg.Health.CacheLatency},
	)
	app.queue = temporal.NewQueue(temporalClient, temporal.QueueOptions{
		TaskQueue:   cfg.Temporal.TaskQueue,
		MaxAttempts: cfg.Temporal.MaxAttempts,
		JobTimeout:  cfg.Temporal.JobTimeout,
	}, logger)

	registry, err := app.initServices()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to set up services")
	}

	// Start the Temporal worker. It runs until Stop is called.
	temporalWorker := app.startTemporalWorker(registry, logger)

	// Initialize the HTTP router and middleware.
	router := app.initRouter(logger)
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins([]string{"*"}),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)(loggedRouter)
	// Panics surface through the stdlib logger, which writes to zerolog.
	recovered := h.RecoveryHandler(h.PrintRecoveryStack(true))(corsHandler)

	// Start the HTTP server and the sweep scheduler, and handle graceful shutdown.
	app.startServer(recovered, temporalWorker, logger)

	logger.Info().Msg("Application terminated.")
}

// initServices wires the import and export services and returns the job registry the worker serves.
func (app *application) initServices() (*jobs.Registry, error) {
	db := app.db
	portables := repository.NewPortableRepository(db)
	records := repository.NewRecordRepository(db)
	entities := repository.NewEntityRepository(db)

	pipelineRegistry := pipeline.NewRegistry()
	app.imports = bulkimports.NewService(bulkimports.ServiceConfig{
		Store: bulkimports.Store{
			BulkImports: repository.NewBulkImportRepository(db),
			Entities:    entities,
			Trackers:    repository.NewTrackerRepository(db),
			Batches:     repository.NewBatchTrackerRepository(db),
			Failures:    repository.NewFailureRepository(db),
			Records:     records,
		},
		Queue:       app.queue,
		Cache:       app.cache,
		Gate:        app.gate,
		Pipelines:   pipelineRegistry,
		Sources:     source.NewClientProvider(sourceOptions(app.config.Source), app.logger),
		Import:      app.config.Import,
		InstanceURL: app.config.InstanceURL,
		DeferDelay:  app.config.Health.DeferDelay,
		Logger:      app.logger,
	})
	if err := pipelines.Register(pipelineRegistry, &pipelines.Deps{
		Portables:           portables,
		Records:             records,
		Users:               repository.NewUserRepository(db),
		Entities:            entities,
		Starter:             app.imports,
		Queue:               app.queue,
		Cache:               app.cache,
		ReferencesBatchSize: app.config.Import.ReferencesBatchSize,
	}); err != nil {
		return nil, err
	}

	app.exports = export.NewService(export.ServiceConfig{
		Store: export.Store{
			Portables: portables,
			Records:   records,
			Exports:   repository.NewExportRepository(db),
			Batches:   repository.NewExportBatchRepository(db),
			Uploads:   repository.NewUploadRepository(db),
		},
		Queue:     app.queue,
		Cache:     app.cache,
		Export:    app.config.Export,
		Relations: pipelines.ExportableRelations,
		BodyField: pipelines.BodyField,
		Logger:    app.logger,
	})

	registry := jobs.NewRegistry(app.imports.Handlers()...)
	for _, handler := range app.exports.Handlers() {
		registry.Register(handler)
	}
	return registry, nil
}

func sourceOptions(c config.SourceConfig) source.Options {
	return source.Options{
		AccessToken:       c.AccessToken,
		RequestsPerSecond: c.RequestsPerSecond,
		MaxRetries:        c.MaxRetries,
		Timeout:           c.Timeout,
	}
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(logger zerolog.Logger) http.Handler {
	bulkImportHandler := handlers.NewBulkImportHandler(
		repository.NewBulkImportRepository(app.db),
		repository.NewEntityRepository(app.db),
		repository.NewTrackerRepository(app.db),
		repository.NewFailureRepository(app.db),
	)
	exportHandler := handlers.NewExportHandler(app.exports, repository.NewPortableRepository(app.db), app.config.Version, logger)
	healthHandler := handlers.NewHealthHandler(app.gate)

	return routes.NewRouter(healthHandler, exportHandler, bulkImportHandler)
}

func (app *application) startTemporalWorker(registry *jobs.Registry, logger zerolog.Logger) worker.Worker {
	activityImpl := &activities.Activities{
		Registry: registry,
		Logger:   logger,
	}

	w := worker.New(app.temporalClient, app.config.Temporal.TaskQueue, worker.Options{})

	w.RegisterWorkflowWithOptions(workflows.JobWorkflow, workflow.RegisterOptions{Name: temporal.JobWorkflowName})
	w.RegisterActivity(activityImpl)

	logger.Info().Strs("jobs", registry.Names()).Msg("Starting Temporal worker...")
	if err := w.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Unable to start worker")
	}
	return w
}

// startServer runs the HTTP server and the sweep scheduler until a signal or a server error,
// then shuts both down.
func (app *application) startServer(handler http.Handler, temporalWorker worker.Worker, logger zerolog.Logger) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	scheduler := sweeps.NewScheduler(sweeps.SchedulerConfig{
		Queue:    app.queue,
		Interval: app.config.Import.SweepInterval,
		Logger:   logger,
	})
	g.Go(func() error {
		return scheduler.Start(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down...")

		// Gracefully shut down the HTTP server.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
			return err
		}
		logger.Info().Msg("HTTP server shutdown complete.")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Stop the Temporal worker.
	logger.Info().Msg("Stopping Temporal worker...")
	temporalWorker.Stop()
	logger.Info().Msg("Temporal worker stopped.")
}
