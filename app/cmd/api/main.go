package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pipelineops/app/config"
	"pipelineops/app/usecase"
	"pipelineops/internal/domain/repository"
	"pipelineops/internal/infrastructure/datadog"
	"pipelineops/internal/infrastructure/events"
	"pipelineops/internal/infrastructure/metrics"
	"pipelineops/internal/infrastructure/store/filesystem"
	"pipelineops/internal/infrastructure/store/memory"
	mongorepo "pipelineops/internal/infrastructure/store/mongodb"
	"pipelineops/internal/infrastructure/terraform"
	"pipelineops/internal/infrastructure/transport"
)

func main() {
	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	// Repositories
	pipelineRepo, err := filesystem.NewPipelineRepository(cfg.Store.PipelinesDir)
	if err != nil {
		log.Fatalf("init pipeline store: %v", err)
	}

	var (
		runRepo     repository.ApplyRunRepository = memory.NewApplyRunRepo()
		mongoClient *mongo.Client
	)
	if cfg.Mongo.URI != "" {
		mongoCtx, mongoCancel := context.WithTimeout(context.Background(), 10*time.Second)
		mongoClient, err = mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			mongoCancel()
			log.Fatalf("mongo connect: %v", err)
		}
		if err := mongoClient.Ping(mongoCtx, nil); err != nil {
			mongoCancel()
			log.Fatalf("mongo ping: %v", err)
		}
		mongoCancel()
		logger.Info("connected to mongo", "database", cfg.Mongo.Database)
		runRepo = mongorepo.NewMongoApplyRunRepo(mongoClient.Database(cfg.Mongo.Database))
	} else {
		logger.Info("MONGO_URI not set; apply runs are kept in memory")
	}

	// Usecases / services
	hub := events.NewHub()

	root := terraform.NewRootInspector(cfg.Terraform.Dir)
	if err := root.CheckManaged(cfg.Terraform.ResourceType); err != nil {
		logger.Warn("terraform root check failed; targeted applies will be refused",
			"dir", cfg.Terraform.Dir, "resource_type", cfg.Terraform.ResourceType, "err", err)
	}

	applier := usecase.NewTerraformApplier(usecase.ApplierConfig{
		Binary:       cfg.Terraform.Binary,
		Dir:          cfg.Terraform.Dir,
		ResourceType: cfg.Terraform.ResourceType,
		Timeout:      cfg.Terraform.ApplyTimeout,
		QuoteKeys:    cfg.Terraform.QuoteTargetKeys,
	}, terraform.NewExecRunner(), pipelineRepo, runRepo, root, hub, logger)

	var syncSvc usecase.SyncUseCase
	if client, err := datadog.NewClient(cfg.Datadog); err != nil {
		logger.Warn("datadog client disabled; /sync will answer 503", "err", err)
	} else {
		syncSvc = usecase.NewSyncService(client, pipelineRepo, cfg.Sync.Concurrency, logger)
	}

	// Transport (HTTP handlers)
	handler := transport.NewPipelineHandler(
		usecase.NewPipelineService(pipelineRepo),
		applier,
		syncSvc,
		usecase.NewApplyRunService(runRepo),
		hub,
		cfg.Sync.Defaults,
		logger,
	)

	// Router and server
	r := mux.NewRouter()
	handler.RegisterRoutes(r)
	corsHandler := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.ExposedHeaders([]string{transport.HeaderApplyRunID}),
	)(r)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(corsHandler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Addr != "" {
		go func() {
			logger.Info("starting metrics server", "addr", cfg.Metrics.Addr)
			if err := metrics.StartMetricsServer(cfg.Metrics.Addr); err != nil {
				logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	// Start HTTP server
	go func() {
		logger.Info("starting HTTP server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			cancel()
		}
	}()

	// OS signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	// Shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}

	if mongoClient != nil {
		logger.Info("disconnecting mongo")
		if err := mongoClient.Disconnect(shutdownCtx); err != nil {
			logger.Error("mongo disconnect error", "err", err)
		}
	}

	logger.Info("service stopped")
}
