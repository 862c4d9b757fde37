package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lexhq/legal-ai-platform/cmd/mainconfig"
	"github.com/lexhq/legal-ai-platform/internal/api/router"
	"github.com/lexhq/legal-ai-platform/internal/assistant"
	"github.com/lexhq/legal-ai-platform/internal/batch"
	appconfig "github.com/lexhq/legal-ai-platform/internal/config"
	"github.com/lexhq/legal-ai-platform/internal/ledger"
	"github.com/lexhq/legal-ai-platform/internal/observability/metrics"
	"github.com/lexhq/legal-ai-platform/internal/pricing"
	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting legal-ai-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pool == nil {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	defer pool.Close()

	sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open ledger database handle", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sqlDB.Close() }()

	metricsHandler, assistantMetrics, ledgerMetrics, batchMetrics := setupMetrics()

	usageLedger := ledger.New(sqlDB, ledgerMetrics, logger)
	prices, err := pricing.Load(cfg.PricingTableJSON)
	if err != nil {
		logger.Error("invalid model pricing table", "error", err)
		os.Exit(1)
	}

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	model, err := setupModelClient(ctx, cfg, bedrockruntime.NewFromConfig(awsCfg), logger)
	if err != nil {
		logger.Error("failed to configure model provider", "error", err)
		os.Exit(1)
	}

	store := assistant.NewPGStore(pool)
	registry := setupRegistry(logger)
	cache := setupTranscriptCache(cfg)
	archiver := setupArchiver(cfg, store, s3.NewFromConfig(awsCfg), logger)

	engine := assistant.NewEngine(assistant.EngineConfig{
		Store:            store,
		Registry:         registry,
		Model:            model,
		Usage:            usageLedger,
		Prices:           prices,
		Cache:            cache,
		Archiver:         archiver,
		Metrics:          assistantMetrics,
		Logger:           logger,
		Tier:             assistant.ParseTier(cfg.ModelTier),
		MaxContext:       cfg.MaxContextMessages,
		InactivityWindow: cfg.InactivityWindow,
	})

	reaper := assistant.NewReaper(engine, cfg.ReaperInterval, logger)
	go reaper.Run(ctx)

	tracker := batch.NewPGTracker(pool)
	publisher, runner := setupBatch(cfg, tracker, model, usageLedger, prices, batchMetrics, logger)
	if runner != nil {
		runner.Start(ctx)
	}

	routerCfg := &router.Config{
		Logger:             logger,
		AssistantHandler:   assistant.NewHandler(engine, logger),
		BatchHandler:       batch.NewHandler(tracker, publisher, logger),
		UsageAdminHandler:  ledger.NewAdminHandler(usageLedger, logger),
		MetricsHandler:     metricsHandler,
		AdminAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSOrigins(),
		RateLimitPerSec:    cfg.RateLimitPerSec,
		RateLimitBurst:     cfg.RateLimitBurst,
	}
	r := router.New(routerCfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()
	if runner != nil {
		runner.Wait()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// connectPostgresPool opens the pgx pool backing the conversation and batch
// stores. Returns nil when no URL is configured.
func connectPostgresPool(ctx context.Context, databaseURL string, logger *logging.Logger) *pgxpool.Pool {
	if databaseURL == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		return nil
	}
	return pool
}

// setupMetrics registers all collectors against one registry and returns the
// /metrics handler alongside the per-component metric sets.
func setupMetrics() (http.Handler, *metrics.AssistantMetrics, *metrics.LedgerMetrics, *metrics.BatchMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	assistantMetrics := metrics.NewAssistantMetrics(reg)
	ledgerMetrics := metrics.NewLedgerMetrics(reg)
	batchMetrics := metrics.NewBatchMetrics(reg)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return handler, assistantMetrics, ledgerMetrics, batchMetrics
}

// setupModelClient picks the provider per MODEL_PROVIDER: "bedrock",
// "gemini", or "auto" (Bedrock primary with Gemini fallback when both are
// configured). The returned client carries the tier's latency budget.
func setupModelClient(ctx context.Context, cfg *appconfig.Config, bedrockAPI *bedrockruntime.Client, logger *logging.Logger) (assistant.ModelClient, error) {
	var bedrock assistant.ModelClient
	if cfg.BedrockModelID != "" {
		bedrock = assistant.NewBedrockModelClient(bedrockAPI, cfg.BedrockModelID)
	}

	var gemini assistant.ModelClient
	if cfg.GeminiAPIKey != "" {
		client, err := assistant.NewGeminiModelClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, err
		}
		gemini = client
	}

	var inner assistant.ModelClient
	switch cfg.ModelProvider {
	case "bedrock":
		inner = bedrock
	case "gemini":
		inner = gemini
	default:
		switch {
		case bedrock != nil && gemini != nil:
			inner = assistant.NewFallbackModelClient(bedrock, gemini, logger)
		case bedrock != nil:
			inner = bedrock
		default:
			inner = gemini
		}
	}
	if inner == nil {
		return nil, errNoModelProvider
	}

	tier := assistant.ParseTier(cfg.ModelTier)
	return assistant.NewBudgetedClient(inner, tier, cfg.ModelTimeout(string(tier))), nil
}

var errNoModelProvider = &configError{"no model provider configured: set BEDROCK_MODEL_ID or GEMINI_API_KEY"}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

// setupRegistry wires the built-in action types. The executors here log the
// action and succeed; production deployments swap in clients for the task,
// calendar and document services.
func setupRegistry(logger *logging.Logger) *assistant.Registry {
	registry := assistant.NewRegistry()
	registry.Register(assistant.ActionTypeCreateTask, assistant.Registration{
		ValidatePayload: assistant.ValidateCreateTaskPayload,
		Executor:        loggingExecutor(logger, assistant.ActionTypeCreateTask),
	})
	registry.Register(assistant.ActionTypeScheduleDeadline, assistant.Registration{
		ValidatePayload: assistant.ValidateScheduleDeadlinePayload,
		Executor:        loggingExecutor(logger, assistant.ActionTypeScheduleDeadline),
	})
	registry.Register(assistant.ActionTypeDraftDocument, assistant.Registration{
		ValidatePayload: assistant.ValidateDraftDocumentPayload,
		Executor:        loggingExecutor(logger, assistant.ActionTypeDraftDocument),
	})
	return registry
}

func loggingExecutor(logger *logging.Logger, actionType string) assistant.Executor {
	return assistant.ExecutorFunc(func(_ context.Context, payload json.RawMessage) error {
		logger.Info("executing action", "action_type", actionType, "payload_bytes", len(payload))
		return nil
	})
}

// setupTranscriptCache returns the Redis-backed cache, or nil when Redis is
// not configured. The engine degrades to the store either way.
func setupTranscriptCache(cfg *appconfig.Config) *assistant.TranscriptCache {
	if cfg.RedisAddr == "" {
		return nil
	}
	opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return assistant.NewTranscriptCache(redis.NewClient(opts), cfg.InactivityWindow, cfg.MaxContextMessages)
}

// setupArchiver returns the S3 transcript archiver, or nil when no bucket is
// configured.
func setupArchiver(cfg *appconfig.Config, store assistant.MessageLister, s3Client *s3.Client, logger *logging.Logger) *assistant.Archiver {
	if cfg.TranscriptArchiveBucket == "" {
		return nil
	}
	return assistant.NewArchiver(assistant.ArchiverConfig{
		Store:  store,
		S3:     s3Client,
		Bucket: cfg.TranscriptArchiveBucket,
		Logger: logger,
	})
}

// setupBatch wires the trigger publisher and, when the in-memory queue is
// enabled, an in-process runner consuming it. With SQS the runner lives in
// the batch-worker binary instead and only the publisher is returned.
func setupBatch(cfg *appconfig.Config, tracker batch.Tracker, model assistant.ModelClient, usage *ledger.Ledger, prices *pricing.Table, batchMetrics *metrics.BatchMetrics, logger *logging.Logger) (*batch.Publisher, *batch.Runner) {
	processors := map[string]batch.ItemProcessor{
		batch.FeatureEmailSummarize: batch.NewSummarizeProcessor(model, usage, prices, logger),
	}

	if cfg.UseMemoryQueue {
		queue := batch.NewMemoryQueue(64)
		runner := batch.NewRunner(queue, tracker, processors, logger,
			batch.WithItemWorkers(cfg.WorkerCount),
			batch.WithMaxAttempts(cfg.BatchMaxAttempts),
			batch.WithRetryBackoff(cfg.BatchRetryBaseDelay),
			batch.WithBatchMetrics(batchMetrics),
		)
		return batch.NewPublisher(queue), runner
	}

	awsCfg, err := mainconfig.LoadAWSConfig(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to load AWS config for batch queue", "error", err)
		return batch.NewPublisher(batch.NewMemoryQueue(1)), nil
	}
	queue := batch.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.BatchQueueURL)
	return batch.NewPublisher(queue), nil
}
