package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Berry-MI/quickgrab/internal/config"
	"github.com/Berry-MI/quickgrab/internal/grab/calibrate"
	"github.com/Berry-MI/quickgrab/internal/grab/classify"
	"github.com/Berry-MI/quickgrab/internal/grab/engine"
	"github.com/Berry-MI/quickgrab/internal/grab/notify"
	"github.com/Berry-MI/quickgrab/internal/grab/params"
	"github.com/Berry-MI/quickgrab/internal/grab/pool"
	"github.com/Berry-MI/quickgrab/internal/grab/scheduler"
	"github.com/Berry-MI/quickgrab/internal/grab/storage"
	"github.com/Berry-MI/quickgrab/internal/grab/transport"
	"github.com/Berry-MI/quickgrab/shared/logger"
	"github.com/Berry-MI/quickgrab/shared/postgresql"
	"github.com/Berry-MI/quickgrab/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("GRAB_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/grab-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateGrabConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting grab service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client for mail notifications
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Wire the race pipeline
	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)
	transportClient := transport.NewClient(transport.Config{
		MirrorDomains: cfg.Grab.MirrorDomains,
		Timeout:       cfg.Grab.TransportTimeout,
	}, appLogger.Logger)
	builder := params.NewCatalogBuilder(appLogger.Logger)
	notifier := notify.NewMailNotifier(rabbitClient, appLogger.Logger)
	classifier := classify.New(cfg.Grab.RefreshPhrases, cfg.Grab.BusyPhrases)
	calibrator := calibrate.New(transportClient, appLogger.Logger)

	racePool := pool.New("race", cfg.Grab.RacePoolSize, cfg.Grab.RacePoolQueueDepth, appLogger.Logger)

	raceEngine := engine.New(
		store,
		transportClient,
		builder,
		notifier,
		classifier,
		calibrator,
		racePool,
		engine.Config{
			TimedAttemptBudget:  cfg.Grab.TimedAttemptBudget,
			ManualAttemptBudget: cfg.Grab.ManualAttemptBudget,
		},
		appLogger.Logger,
	)
	raceEngine.CalibrateSchedulingOverhead()

	sched := scheduler.New(
		store,
		raceEngine,
		transportClient,
		notifier,
		racePool,
		scheduler.Config{DispatchWindow: cfg.Grab.DispatchWindow},
		appLogger.Logger,
	)

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	appLogger.Info("Grab service started successfully",
		slog.String("worker_tag", sched.WorkerTag()),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	sched.Stop()
	racePool.Stop()

	if dbClient != nil {
		dbClient.Close()
	}
	if rabbitClient != nil {
		rabbitClient.Close()
	}

	appLogger.Info("Grab service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
