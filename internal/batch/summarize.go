package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lexhq/legal-ai-platform/internal/assistant"
	"github.com/lexhq/legal-ai-platform/internal/ledger"
	"github.com/lexhq/legal-ai-platform/internal/pricing"
	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

const summarizeMaxTokens = 512

const summarizeSystemPrompt = `You are a paralegal assistant at a law firm.
Summarize the following email in at most three sentences. Name the sender's
request, any deadline mentioned, and the matter it concerns. Reply with the
summary only.`

type usageRecorder interface {
	RecordUsage(ctx context.Context, entry ledger.UsageLogEntry) (*ledger.UsageLogEntry, error)
}

// SummarizeProcessor is the built-in email-summarize ItemProcessor: one
// model call per item, one ledger entry per attempt, attributed to the run
// via batch_job_id.
type SummarizeProcessor struct {
	model  assistant.ModelClient
	usage  usageRecorder
	prices *pricing.Table
	logger *logging.Logger
}

func NewSummarizeProcessor(model assistant.ModelClient, usage usageRecorder, prices *pricing.Table, logger *logging.Logger) *SummarizeProcessor {
	if model == nil {
		panic("batch: model client cannot be nil")
	}
	if usage == nil {
		panic("batch: usage recorder cannot be nil")
	}
	if prices == nil {
		prices = pricing.DefaultTable()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SummarizeProcessor{model: model, usage: usage, prices: prices, logger: logger}
}

var _ ItemProcessor = (*SummarizeProcessor)(nil)

func (p *SummarizeProcessor) ProcessItem(ctx context.Context, run *BatchJobRun, item Item) error {
	text := strings.TrimSpace(item.Text)
	if text == "" {
		return errors.New("batch: item text is empty")
	}

	start := time.Now()
	res, genErr := p.model.Generate(ctx, assistant.GenerateRequest{
		System:    summarizeSystemPrompt,
		Messages:  []assistant.ChatMessage{{Role: assistant.RoleUser, Content: text}},
		MaxTokens: summarizeMaxTokens,
	})
	latency := time.Since(start)

	// Every attempt is metered, success or not; a failed attempt carries
	// zero output tokens and the error in the note. Losing the accounting
	// row is worse than failing the item, so a ledger error is fatal.
	entry := ledger.UsageLogEntry{
		Feature:      run.Feature,
		Model:        res.Model,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		FirmID:       run.FirmID,
		DurationMs:   int(latency.Milliseconds()),
		BatchJobID:   &run.ID,
	}
	if entry.Model == "" {
		entry.Model = "unavailable"
	}
	if genErr != nil {
		entry.OutputTokens = 0
		entry.Note = genErr.Error()
	}
	entry.Cost = p.prices.Cost(entry.Model, entry.InputTokens, entry.OutputTokens)

	if _, err := p.usage.RecordUsage(ctx, entry); err != nil {
		return fmt.Errorf("batch: record usage: %w", err)
	}
	if genErr != nil {
		return fmt.Errorf("batch: summarize item %s: %w", item.ID, genErr)
	}

	p.logger.Debug("email summarized",
		"job_id", run.ID, "item_id", item.ID,
		"model", res.Model, "latency_ms", latency.Milliseconds())
	return nil
}
