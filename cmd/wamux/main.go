package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wamux/internal/config"
	"wamux/internal/constants"
	"wamux/internal/database"
	"wamux/internal/retry"
	"wamux/internal/service"
	"wamux/pkg/waengine/meow"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("wamux %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	// Local overrides for development; absence is not an error.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting wamux")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	}

	// Initialize database with exponential backoff retry
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Jitter:       true,
	})

	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warnf("Failed to close database: %v", err)
		}
	}()

	workspace, err := service.NewDiskWorkspace(cfg.Engine.WorkDir)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}

	publisher, err := service.NewPublisher(cfg.AMQP, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize broker publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warnf("Failed to close broker publisher: %v", err)
		}
	}()

	creds := service.NewCredentialSynchronizer(db, workspace, logger)
	ledger := service.NewLedger(db, publisher, cfg.Webhook, logger)
	connector := meow.NewConnector(logger)
	supervisor := service.NewSupervisor(db, creds, ledger, connector, cfg.Engine, cfg.Reconnect, logger)

	adapter := service.NewEventAdapter(supervisor, ledger, logger)
	supervisor.SetHandlerSource(adapter.HandlersFor)

	if err := supervisor.RestoreAll(ctx); err != nil {
		logger.WithError(err).Warn("Session restore encountered errors")
	}
	defer supervisor.CloseAll()

	scheduler := service.NewCleanupScheduler(db, cfg.RetentionDays, cfg.CleanupIntervalHours, logger)
	scheduler.Start()
	defer scheduler.Stop()

	server := NewServer(cfg.Server, supervisor, ledger, db, logger)
	serverErrCh := make(chan error, 1)
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
		return fmt.Errorf("failed to shut down server: %w", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
