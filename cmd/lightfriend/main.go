package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lightfriend/internal/bridge"
	"lightfriend/internal/config"
	"lightfriend/internal/confirm"
	"lightfriend/internal/constants"
	"lightfriend/internal/database"
	"lightfriend/internal/matrix"
	"lightfriend/internal/models"
	"lightfriend/internal/notify"
	"lightfriend/internal/retry"
	"lightfriend/internal/service"
	"lightfriend/internal/tools"
	"lightfriend/internal/tracing"
	"lightfriend/pkg/media"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file (.json or .yaml)")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Lightfriend bridge gateway %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting bridge gateway")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	configureLogLevel(logger, cfg.LogLevel)

	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	factory, err := matrix.NewMautrixFactory(cfg.Matrix, db, logger)
	if err != nil {
		return fmt.Errorf("failed to create matrix client factory: %w", err)
	}
	cacheConfig := matrix.DefaultCacheConfig()
	cacheConfig.InitTimeout = time.Duration(cfg.Matrix.ClientInitTimeoutSec) * time.Second
	clients := matrix.NewCache(factory, cacheConfig, logger)
	defer clients.Close()

	registry := bridge.NewRegistry(cfg.Bridges)
	resolver := bridge.NewResolver(clients, db, registry, cfg.Resolver, logger)
	pipeline := bridge.NewPipeline(resolver, db, media.NewFetcher(cfg.Media), logger)

	manager := bridge.NewManager(clients, db, registry, cfg.Lifecycle, logger)
	defer manager.Close()

	store := newConfirmationStore(cfg.Confirmation, db)
	notifier := notify.New(cfg.Notify, logger)
	coordinator := confirm.NewCoordinator(store, pipeline, resolver, db, notifier, cfg.Confirmation, logger)
	adapter := tools.NewAdapter(resolver, pipeline, coordinator, logger)

	if err := manager.ResumeSync(ctx); err != nil {
		logger.Warnf("Failed to resume bridge sync: %v", err)
	}

	scheduler, err := service.NewScheduler(cfg.Scheduler.CleanupSpec, logger)
	if err != nil {
		return err
	}
	scheduler.Register("expired_pending_sends", func(ctx context.Context) (int, error) {
		n, err := store.DeleteExpired(ctx, time.Now())
		return int(n), err
	})
	scheduler.Register("stale_connections", manager.RecoverStale)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer scheduler.Stop()

	server := NewServer(cfg.Server, adapter, coordinator, manager, notifier, logger)
	server.verbose = *verbose
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

func configureLogLevel(logger *logrus.Logger, configured string) {
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
		return
	}
	if configured == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// openDatabase retries because the volume may not be mounted yet at boot.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoffConfig := retry.ConfigFromModel(cfg.Retry)
	backoffConfig.MaxAttempts = constants.DefaultDatabaseRetryAttempts

	var db *database.Database
	err := retry.NewBackoff(backoffConfig).Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

func newConfirmationStore(cfg models.ConfirmationConfig, db *database.Database) confirm.Store {
	if cfg.Store == "memory" {
		return confirm.NewMemoryStore()
	}
	return confirm.NewSQLStore(db)
}
