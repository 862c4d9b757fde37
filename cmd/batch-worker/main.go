package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/lexhq/legal-ai-platform/cmd/mainconfig"
	"github.com/lexhq/legal-ai-platform/internal/assistant"
	"github.com/lexhq/legal-ai-platform/internal/batch"
	appconfig "github.com/lexhq/legal-ai-platform/internal/config"
	"github.com/lexhq/legal-ai-platform/internal/ledger"
	"github.com/lexhq/legal-ai-platform/internal/notify"
	"github.com/lexhq/legal-ai-platform/internal/observability/metrics"
	"github.com/lexhq/legal-ai-platform/internal/pricing"
	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

// The batch worker consumes job requests from SQS and drives them through
// the tracker: one run per message, items fanned out to a bounded pool,
// every model call metered into the ledger with batch attribution.
func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting batch worker", "env", cfg.Env, "queue", cfg.BatchQueueURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open ledger database handle", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sqlDB.Close() }()

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

	usageLedger := ledger.New(sqlDB, nil, logger)
	prices, err := pricing.Load(cfg.PricingTableJSON)
	if err != nil {
		logger.Error("invalid model pricing table", "error", err)
		os.Exit(1)
	}

	tracker := batch.NewPGTracker(pool)
	processors := map[string]batch.ItemProcessor{
		batch.FeatureEmailSummarize: batch.NewSummarizeProcessor(model, usageLedger, prices, logger),
	}

	opts := []batch.RunnerOption{
		batch.WithItemWorkers(cfg.WorkerCount),
		batch.WithMaxAttempts(cfg.BatchMaxAttempts),
		batch.WithRetryBackoff(cfg.BatchRetryBaseDelay),
		batch.WithBatchMetrics(metrics.NewBatchMetrics(nil)),
	}
	if notifier := setupNotifier(cfg, sesv2.NewFromConfig(awsCfg), logger); notifier != nil {
		opts = append(opts, batch.WithCompletionNotifier(notifier))
	}

	queue := batch.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.BatchQueueURL)
	runner := batch.NewRunner(queue, tracker, processors, logger, opts...)
	runner.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down batch worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		runner.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("batch worker stopped")
	case <-doneCtx.Done():
		logger.Error("batch worker shutdown timed out", "error", doneCtx.Err())
	}
}

// setupModelClient picks the provider per MODEL_PROVIDER the same way the
// API binary does: Bedrock, Gemini, or Bedrock-with-Gemini-fallback.
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
		return nil, errors.New("no model provider configured: set BEDROCK_MODEL_ID or GEMINI_API_KEY")
	}

	tier := assistant.ParseTier(cfg.ModelTier)
	return assistant.NewBudgetedClient(inner, tier, cfg.ModelTimeout(string(tier))), nil
}

// setupNotifier picks the completion email sender per EMAIL_PROVIDER:
// "ses", "sendgrid", or "stub". Returns nil when no report recipient is set.
func setupNotifier(cfg *appconfig.Config, sesClient *sesv2.Client, logger *logging.Logger) *notify.BatchNotifier {
	if cfg.BatchReportEmail == "" {
		return nil
	}

	var sender notify.EmailSender
	switch cfg.EmailProvider {
	case "ses":
		if s := notify.NewSESSender(sesClient, notify.SESConfig{
			FromEmail: cfg.NotifyFromEmail,
			FromName:  cfg.NotifyFromName,
		}, logger); s != nil {
			sender = s
		}
	case "sendgrid":
		if s := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.NotifyFromEmail,
			FromName:  cfg.NotifyFromName,
		}, logger); s != nil {
			sender = s
		}
	}
	if sender == nil {
		sender = notify.NewStubEmailSender(logger)
	}
	return notify.NewBatchNotifier(sender, cfg.BatchReportEmail, logger)
}
