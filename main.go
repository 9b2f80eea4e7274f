package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailflow/config"
	"mailflow/engine"
	"mailflow/middleware"
	"mailflow/provider"
	"mailflow/routes"
	"mailflow/store"
	"mailflow/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Warnf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Wire the execution engine: GORM-backed state, Gmail transport with
	// OAuth tokens decrypted per sender.
	gormStore := store.NewGormStore(config.DB)
	tokens := store.NewSenderTokenProvider(config.DB)
	adapter := provider.NewGmailAdapter(tokens)
	eng := engine.New(gormStore, adapter, logger, engine.WithConfig(engine.Config{
		TrackingBaseURL: config.AppConfig.BaseURL,
	}))
	poller := engine.NewPoller(eng, gormStore, logger, config.AppConfig.PollWorkers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sequenceWorker := worker.NewSequenceWorker(poller, gormStore, logger,
		config.AppConfig.PollInterval, config.AppConfig.PollBatchSize)
	go sequenceWorker.Start(ctx)

	replyWorker := worker.NewReplyWorker(config.DB, logger, config.AppConfig.ReplyPollInterval)
	go replyWorker.Start(ctx)

	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, config.DB, eng, poller, logger)

	// Shut workers down before the listener on SIGINT/SIGTERM so in-flight
	// claims are released by their own commit paths.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutdown signal received")
		cancel()
		_ = app.Shutdown()
	}()

	logger.Infof("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
