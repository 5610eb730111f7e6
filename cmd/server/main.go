package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/otcheredev/spax/internal/cache"
	"github.com/otcheredev/spax/internal/config"
	"github.com/otcheredev/spax/internal/database"
	"github.com/otcheredev/spax/internal/diskmonitor"
	"github.com/otcheredev/spax/internal/handlers"
	"github.com/otcheredev/spax/internal/ingest"
	"github.com/otcheredev/spax/internal/lifecycle"
	"github.com/otcheredev/spax/internal/lock"
	"github.com/otcheredev/spax/internal/metadata"
	"github.com/otcheredev/spax/internal/middleware"
	"github.com/otcheredev/spax/internal/queue"
	"github.com/otcheredev/spax/internal/repository"
	"github.com/otcheredev/spax/internal/tenant"
	"github.com/otcheredev/spax/internal/tenantactive"
	"github.com/otcheredev/spax/internal/volume"
	"github.com/otcheredev/spax/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("loading .env file")
	}

	configPath := os.Getenv("SPAX_CONFIG_FILE")
	cfg := config.MustLoad(configPath)

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	log.Info().Msg("starting spax")

	dbConfig := database.Config{
		DSN:             cfg.Database.DSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogLevel:        cfg.Logging.Level,
	}
	if err := database.Connect(dbConfig); err != nil {
		log.Fatal().Err(err).Msg("connecting to database")
	}
	defer database.Close()
	if err := database.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("running shared-schema migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Msg("connecting to redis")
	}
	defer redisClient.Close()

	cacheBackend, err := cache.New(cfg.Cache, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing cache backend")
	}
	cacheStore := cache.NewStore(cacheBackend)

	sharedRepo := repository.NewSharedRepository()
	ingestRepo := repository.NewIngestRepository()
	queryRepo := repository.NewQueryRepository()
	correctionRepo := repository.NewCorrectionRepository()
	lifecycleRepo := repository.NewLifecycleRepository()
	auditRepo := repository.NewAuditRepository()

	volumeManager := volume.NewManager(sharedRepo)
	if err := volumeManager.Reload(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("loading storage volumes")
	}

	builder := metadata.NewBuilder(volumeManager, queryRepo)

	q := queue.New(redisClient, cfg.Ingest.BlockTimeout)

	consumer := ingest.NewConsumer(
		q,
		volumeManager,
		sharedRepo,
		ingestRepo,
		cacheStore,
		builder,
		log.Logger,
		cfg.Ingest.ConsumerThreads,
		int64(cfg.Ingest.BatchSize),
		cfg.Ingest.QuarantineBaseDir,
		cfg.Ingest.RetryBackoff,
	)

	monitor := diskmonitor.New(sharedRepo, volumeManager, 5*time.Minute, log.Logger)

	locker := lock.NewRedisLocker(redisClient)

	evaluator := lifecycle.NewEvaluator(sharedRepo, lifecycleRepo, correctionRepo, volumeManager, locker, log.Logger)
	migrationWorker := lifecycle.NewMigrationWorker(sharedRepo, lifecycleRepo, volumeManager, cacheStore, builder, log.Logger)
	compressionWorker := lifecycle.NewCompressionWorker(correctionRepo, lifecycleRepo, volumeManager, log.Logger)
	engine := lifecycle.NewEngine(evaluator, migrationWorker, compressionWorker, sharedRepo, log.Logger)

	activeTenantChecker := tenantactive.New(cacheStore, sharedRepo)

	dicomwebHandler := handlers.NewDICOMWebHandler(queryRepo, ingestRepo, cacheStore, volumeManager, builder)
	adminHandler := handlers.NewAdminHandler(sharedRepo, correctionRepo, auditRepo, volumeManager, evaluator)
	healthHandler := handlers.NewHealthHandler(cacheBackend)
	ingestHandler := handlers.NewIngestHandler(q, monitor, volumeManager, filepath.Join(filepath.Dir(cfg.Ingest.QuarantineBaseDir), "staging"))

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	// DICOMweb: QIDO-RS / WADO-RS / STOW-RS, tenant-scoped per spec.md §6.
	r.Route("/dicomweb/{tenant}", func(r chi.Router) {
		r.Use(tenant.Middleware(activeTenantChecker))

		r.Get("/studies", dicomwebHandler.SearchStudies)
		r.Get("/studies/{studyUID}", dicomwebHandler.RetrieveStudy)
		r.Get("/studies/{studyUID}/series", dicomwebHandler.SearchSeries)
		r.Get("/studies/{studyUID}/series/{seriesUID}", dicomwebHandler.RetrieveSeries)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances", dicomwebHandler.SearchInstances)
		r.Get("/studies/{studyUID}/series/{seriesUID}/metadata", dicomwebHandler.RetrieveSeriesMetadata)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}", dicomwebHandler.RetrieveInstance)
		r.Get("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}/frames/{frameList}", dicomwebHandler.RetrieveFrames)
		r.Post("/studies", dicomwebHandler.StoreInstances)
	})

	r.Route("/api/v1/{tenant}", func(r chi.Router) {
		r.Use(tenant.Middleware(activeTenantChecker))

		r.Post("/ingest", ingestHandler.Ingest)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAuth(cfg.Auth.JWTSecret))
			r.Use(middleware.RequireRole("admin", "operator"))

			r.Post("/patients/{patientID}/correct", adminHandler.CorrectPatient)
			r.Get("/correction-tasks", adminHandler.ListCorrectionTasks)
			r.Post("/studies/{studyID}/compress", adminHandler.TriggerCompression)
			r.Get("/compression-tasks", adminHandler.ListCompressionTasks)
			r.Get("/audit-log", adminHandler.ListAuditLog)
		})
	})

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(middleware.RequireAuth(cfg.Auth.JWTSecret))
		r.Use(middleware.RequireRole("admin"))

		r.Get("/tenants", adminHandler.ListTenants)
		r.Post("/tenants", adminHandler.CreateTenant)
		r.Put("/tenants/{code}", adminHandler.UpdateTenant)

		r.Get("/volumes", adminHandler.ListVolumes)
		r.Post("/volumes", adminHandler.CreateVolume)
		r.Put("/volumes/{id}", adminHandler.UpdateVolume)
		r.Post("/volumes/reload", adminHandler.ReloadVolumes)

		r.Get("/lifecycle-rules", adminHandler.ListLifecycleRules)
		r.Post("/lifecycle-rules", adminHandler.CreateLifecycleRule)
		r.Put("/lifecycle-rules/{id}", adminHandler.UpdateLifecycleRule)
		r.Post("/lifecycle-rules/run", adminHandler.TriggerLifecycleRun)
	})

	r.Post("/api/v1/transfer/commit", ingestHandler.TransferCommit)

	ctx, cancel := context.WithCancel(context.Background())

	monitor.Start(ctx)
	if cfg.Lifecycle.Enabled {
		engine.Start(ctx)
	}

	consumerErrCh := make(chan error, 1)
	go func() {
		consumerErrCh <- consumer.Run(ctx)
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-consumerErrCh:
		if err != nil {
			log.Error().Err(err).Msg("ingest consumer stopped unexpectedly")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	cancel() // stop consumer, disk monitor, lifecycle engine
	if cfg.Lifecycle.Enabled {
		engine.Stop()
	}
	monitor.Stop()

	log.Info().Msg("server stopped")
}
