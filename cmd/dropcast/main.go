package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/dropcast/internal/api"
	"github.com/lalithlochan/dropcast/internal/config"
	"github.com/lalithlochan/dropcast/internal/db"
	"github.com/lalithlochan/dropcast/internal/dispatch"
	"github.com/lalithlochan/dropcast/internal/metrics"
	"github.com/lalithlochan/dropcast/internal/observ"
	"github.com/lalithlochan/dropcast/internal/pipeline"
	"github.com/lalithlochan/dropcast/internal/redis"
	"github.com/lalithlochan/dropcast/internal/sns"
	"github.com/lalithlochan/dropcast/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	if _, err := config.LoadEnvFile(".env"); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting dropcast",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Bool("run_once", cfg.RunOnce),
	)

	ctx := context.Background()

	// Initialize database connection
	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs the web channel, trigger idempotency and API rate limiting.
	// Without it those degrade instead of failing startup.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, web channel and idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: cfg.APIRateLimitWindow,
		})
		defer redisClient.Close()
	}

	senders := buildSenders(ctx, cfg, redisClient, logger)
	router := dispatch.NewRouter(logger, dispatch.RouterConfig{
		RatePerSecond:          cfg.ChannelRateLimit,
		BreakerMaxFailures:     cfg.BreakerMaxFailures,
		BreakerRecoveryTimeout: cfg.BreakerRecoveryTimeout,
	}, senders...)

	for _, ch := range db.AllChannels {
		if !router.SupportsChannel(ch) {
			logger.Warn("no sender configured, dispatches will fail", zap.String("channel", string(ch)))
		}
	}

	// Lifecycle events are optional; each configured sink gets every event.
	var queueEvents, topicEvents pipeline.EventPublisher
	if cfg.SQSEventsQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:         cfg.AWSRegion,
			EventsQueueURL: cfg.SQSEventsQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, drop events will not be queued", zap.Error(err))
		} else {
			queueEvents = producer
		}
	}
	if cfg.SNSEventsTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, sns.Config{
			Region:   cfg.SNSRegion,
			TopicARN: cfg.SNSEventsTopicARN,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, drop events will not be fanned out", zap.Error(err))
		} else {
			topicEvents = publisher
		}
	}
	events := pipeline.Fanout(queueEvents, topicEvents)

	driver := pipeline.New(pipeline.NewPostgresStore(repo), router, events, pipeline.Config{
		BatchSize:       cfg.PipelineBatchSize,
		Concurrency:     cfg.PipelineConcurrency,
		DispatchTimeout: cfg.DispatchTimeout,
	}, logger)

	if cfg.RunOnce {
		return runOnce(ctx, driver, logger)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		driver.Start(workerCtx, cfg.PipelineInterval)
	}()
	logger.Info("pipeline ticker started", zap.Duration("interval", cfg.PipelineInterval))

	if cfg.SQSTriggerQueueURL != "" {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:          cfg.AWSRegion,
			TriggerQueueURL: cfg.SQSTriggerQueueURL,
		}, driver, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, queue triggers disabled", zap.Error(err))
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				consumer.Start(workerCtx)
			}()
		}
	}

	handler := api.NewHandler(logger, repo, driver).
		WithBreakers(router).
		WithHealthCheck(database)
	if idempotencyService != nil {
		handler.WithIdempotency(idempotencyService)
	}

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, rateLimiter, []byte(cfg.APIAuthSecret), logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual pipeline runs hold the request
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			runErr = fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	// In-flight units roll back on cancellation and leave their drops pending.
	workerCancel()
	wg.Wait()
	logger.Info("dropcast stopped")

	return runErr
}

func runOnce(ctx context.Context, driver *pipeline.Driver, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	report, err := driver.Run(ctx, start)
	metrics.RecordPipelineRun("once", err, time.Since(start))
	if err != nil {
		return fmt.Errorf("pipeline run failed: %w", err)
	}

	logger.Info("single run complete",
		zap.String("run_id", report.RunID.String()),
		zap.Int("selected", report.Selected),
		zap.Int("expanded", report.Expanded),
		zap.Int("failed", report.Failed),
	)
	return nil
}

// buildSenders wires every channel adapter whose configuration is present.
// Outside production a log sender covers whatever is left unconfigured.
func buildSenders(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) []dispatch.Sender {
	var senders []dispatch.Sender

	push, err := dispatch.NewPushSender(ctx, dispatch.PushConfig{
		Region:   cfg.SNSRegion,
		Endpoint: cfg.AWSEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("SNS sender unavailable, push disabled", zap.Error(err))
	} else {
		senders = append(senders, push)
	}

	if cfg.SMTPHost != "" {
		senders = append(senders, dispatch.NewSMTPSender(dispatch.SMTPConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUser,
			Password:  cfg.SMTPPassword,
			FromEmail: cfg.SESFromEmail,
		}, logger))
	} else {
		email, err := dispatch.NewEmailSender(ctx, dispatch.EmailConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			logger.Warn("SES sender unavailable, email disabled", zap.Error(err))
		} else {
			senders = append(senders, email)
		}
	}

	if cfg.WhatsAppGatewayURL != "" {
		senders = append(senders, dispatch.NewWhatsAppSender(logger, dispatch.WhatsAppConfig{
			GatewayURL: cfg.WhatsAppGatewayURL,
			Token:      cfg.WhatsAppGatewayToken,
			Timeout:    time.Duration(cfg.WebhookTimeout) * time.Second,
		}))
	}

	if redisClient != nil {
		senders = append(senders, dispatch.NewWebSender(redisClient, logger))
	}

	if cfg.Env != "production" {
		senders = append(senders, dispatch.NewLogSender(logger))
	}

	logger.Info("channel senders initialized", zap.Int("count", len(senders)))
	return senders
}
