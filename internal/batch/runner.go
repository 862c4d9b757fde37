package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"github.com/lexhq/legal-ai-platform/internal/assistant"
	"github.com/lexhq/legal-ai-platform/internal/observability/metrics"
	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

const (
	defaultConsumerCount = 1
	defaultItemWorkers   = 4
	defaultMaxAttempts   = 3
	defaultRetryBackoff  = 500 * time.Millisecond
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	deleteTimeout        = 5 * time.Second
)

// Runner consumes job requests from the queue and drives each run: start
// the tracker row, fan items out to a bounded worker pool, record one
// outcome per item, complete the run, and notify when failures occurred.
type Runner struct {
	queue      queueClient
	tracker    Tracker
	processors map[string]ItemProcessor
	notifier   CompletionNotifier
	metrics    *metrics.BatchMetrics
	logger     *logging.Logger

	cfg runnerConfig
	wg  sync.WaitGroup
}

type runnerConfig struct {
	consumers        int
	itemWorkers      int
	maxAttempts      int
	retryBackoff     time.Duration
	receiveWaitSecs  int
	receiveBatchSize int
	notifier         CompletionNotifier
	metrics          *metrics.BatchMetrics
}

// RunnerOption customizes runner behavior.
type RunnerOption func(*runnerConfig)

// WithConsumerCount sets the number of queue consumer goroutines.
func WithConsumerCount(count int) RunnerOption {
	return func(cfg *runnerConfig) {
		if count > 0 {
			cfg.consumers = count
		}
	}
}

// WithItemWorkers bounds the per-job item pool.
func WithItemWorkers(count int) RunnerOption {
	return func(cfg *runnerConfig) {
		if count > 0 {
			cfg.itemWorkers = count
		}
	}
}

// WithMaxAttempts caps per-item attempts, retries included.
func WithMaxAttempts(attempts int) RunnerOption {
	return func(cfg *runnerConfig) {
		if attempts > 0 {
			cfg.maxAttempts = attempts
		}
	}
}

// WithRetryBackoff sets the first retry delay; it doubles per attempt.
func WithRetryBackoff(d time.Duration) RunnerOption {
	return func(cfg *runnerConfig) {
		if d > 0 {
			cfg.retryBackoff = d
		}
	}
}

// WithCompletionNotifier wires failure notifications.
func WithCompletionNotifier(notifier CompletionNotifier) RunnerOption {
	return func(cfg *runnerConfig) {
		cfg.notifier = notifier
	}
}

// WithBatchMetrics wires Prometheus instrumentation.
func WithBatchMetrics(m *metrics.BatchMetrics) RunnerOption {
	return func(cfg *runnerConfig) {
		cfg.metrics = m
	}
}

func NewRunner(queue queueClient, tracker Tracker, processors map[string]ItemProcessor, logger *logging.Logger, opts ...RunnerOption) *Runner {
	if queue == nil {
		panic("batch: queue cannot be nil")
	}
	if tracker == nil {
		panic("batch: tracker cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := runnerConfig{
		consumers:        defaultConsumerCount,
		itemWorkers:      defaultItemWorkers,
		maxAttempts:      defaultMaxAttempts,
		retryBackoff:     defaultRetryBackoff,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	registered := make(map[string]ItemProcessor, len(processors))
	for feature, proc := range processors {
		if feature == "" || proc == nil {
			panic("batch: processor registration requires feature and processor")
		}
		registered[feature] = proc
	}

	return &Runner{
		queue:      queue,
		tracker:    tracker,
		processors: registered,
		notifier:   cfg.notifier,
		metrics:    cfg.metrics,
		logger:     logger,
		cfg:        cfg,
	}
}

// Start launches consumer goroutines until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.cfg.consumers; i++ {
		r.wg.Add(1)
		go r.run(ctx, i+1)
	}
}

// Wait blocks until all consumer goroutines exit.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, consumerID int) {
	defer r.wg.Done()
	r.logger.Debug("batch consumer started", "consumer_id", consumerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("batch consumer stopping", "consumer_id", consumerID)
			return
		default:
		}

		messages, err := r.queue.Receive(ctx, r.cfg.receiveBatchSize, r.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.logger.Error("failed to receive batch jobs", "error", err, "consumer_id", consumerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			r.handleMessage(ctx, msg)
		}
	}
}

func (r *Runner) handleMessage(ctx context.Context, msg queueMessage) {
	var req JobRequest
	if err := json.Unmarshal([]byte(msg.Body), &req); err != nil {
		r.logger.Error("failed to decode batch job request", "error", err, "msg_id", msg.ID)
		r.deleteMessage(msg.ReceiptHandle)
		return
	}

	if err := r.processJob(ctx, req); err != nil {
		// Left on the queue; redelivery resumes the job, skipping every
		// item whose outcome is already recorded, so counters and ledger
		// entries stay exact.
		r.logger.Error("batch job processing failed", "job_id", req.JobID, "feature", req.Feature, "error", err)
		return
	}
	r.deleteMessage(msg.ReceiptHandle)
}

func (r *Runner) processJob(ctx context.Context, req JobRequest) error {
	run, err := r.trackedRun(ctx, req)
	if err != nil {
		return err
	}
	if run.CompletedAt != nil {
		r.logger.Info("skipping already-completed batch job", "job_id", run.ID, "status", run.Status)
		return nil
	}

	r.logger.Info("batch job started",
		"job_id", run.ID, "firm_id", run.FirmID,
		"feature", run.Feature, "items", len(req.Items))

	proc, ok := r.processors[run.Feature]
	if !ok {
		return r.finishJob(ctx, run, fmt.Sprintf("no processor registered for feature %q", run.Feature))
	}

	r.processItems(ctx, run, req.Items, proc)
	return r.finishJob(ctx, run, "")
}

// trackedRun resolves the tracker row for a request: reuse the row the
// producer started, or start one here for producers that only enqueued.
func (r *Runner) trackedRun(ctx context.Context, req JobRequest) (*BatchJobRun, error) {
	if req.JobID != uuid.Nil {
		run, err := r.tracker.GetJob(ctx, req.JobID)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	}
	run := &BatchJobRun{ID: req.JobID, FirmID: req.FirmID, Feature: req.Feature}
	if err := r.tracker.StartJob(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (r *Runner) processItems(ctx context.Context, run *BatchJobRun, items []Item, proc ItemProcessor) {
	recorded := r.recordedItems(ctx, run)

	sem := make(chan struct{}, r.cfg.itemWorkers)
	var wg sync.WaitGroup
	for i, item := range items {
		if item.ID == "" {
			item.ID = fmt.Sprintf("item-%d", i)
		}
		if _, done := recorded[item.ID]; done {
			r.logger.Debug("skipping already-recorded batch item",
				"job_id", run.ID, "item_id", item.ID)
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(item Item) {
			defer wg.Done()
			defer func() { <-sem }()

			err := r.processItem(ctx, run, item, proc)
			outcome := "ok"
			if err != nil {
				outcome = "failed"
				r.logger.Warn("batch item failed",
					"job_id", run.ID, "item_id", item.ID, "error", err)
			}
			counted, recErr := r.tracker.RecordItemOutcome(ctx, run.ID, item.ID, err == nil)
			if recErr != nil {
				r.logger.Error("failed to record item outcome",
					"job_id", run.ID, "item_id", item.ID, "error", recErr)
				return
			}
			if !counted {
				r.logger.Debug("item outcome already recorded",
					"job_id", run.ID, "item_id", item.ID)
				return
			}
			r.metrics.ObserveItem(run.Feature, outcome)
		}(item)
	}
	wg.Wait()
}

// recordedItems loads the outcomes a previous delivery already counted. A
// load failure degrades to reprocessing; RecordItemOutcome still refuses to
// count any item twice.
func (r *Runner) recordedItems(ctx context.Context, run *BatchJobRun) map[string]bool {
	recorded, err := r.tracker.RecordedItems(ctx, run.ID)
	if err != nil {
		r.logger.Warn("failed to load recorded batch items", "job_id", run.ID, "error", err)
		return nil
	}
	if len(recorded) > 0 {
		r.logger.Info("resuming redelivered batch job",
			"job_id", run.ID, "items_recorded", len(recorded))
	}
	return recorded
}

// processItem retries transient failures with doubling backoff; permanent
// errors fail the item on the first attempt.
func (r *Runner) processItem(ctx context.Context, run *BatchJobRun, item Item, proc ItemProcessor) error {
	backoff := r.cfg.retryBackoff
	var lastErr error
	for attempt := 1; attempt <= r.cfg.maxAttempts; attempt++ {
		lastErr = proc.ProcessItem(ctx, run, item)
		if lastErr == nil {
			return nil
		}
		if !IsRetryableItemError(lastErr) || attempt == r.cfg.maxAttempts {
			return lastErr
		}
		r.logger.Debug("retrying batch item",
			"job_id", run.ID, "item_id", item.ID, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func (r *Runner) finishJob(ctx context.Context, run *BatchJobRun, errorMessage string) error {
	completed, err := r.tracker.CompleteJob(ctx, run.ID, errorMessage)
	if err != nil {
		return err
	}

	r.metrics.ObserveJobDuration(completed.Feature, string(completed.Status),
		time.Since(completed.StartedAt).Seconds())
	r.logger.Info("batch job finished",
		"job_id", completed.ID, "status", completed.Status,
		"processed", completed.ItemsProcessed, "failed", completed.ItemsFailed,
		"total_tokens", completed.TotalTokens, "total_cost_eur", completed.TotalCost)

	if completed.ItemsFailed > 0 || completed.Status == JobStatusFailed {
		r.notifyCompletion(ctx, completed)
	}
	return nil
}

func (r *Runner) notifyCompletion(ctx context.Context, run *BatchJobRun) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.NotifyBatchCompleted(ctx, run); err != nil {
		r.logger.Warn("batch completion notification failed", "job_id", run.ID, "error", err)
	}
}

func (r *Runner) deleteMessage(receiptHandle string) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	if err := r.queue.Delete(ctx, receiptHandle); err != nil {
		r.logger.Warn("failed to delete batch job message", "error", err)
	}
}

// IsRetryableItemError reports whether an item failure is transient: a
// model budget timeout or a provider throttle. State and validation errors
// never retry.
func IsRetryableItemError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, assistant.ErrModelTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var throttled *brtypes.ThrottlingException
	return errors.As(err, &throttled)
}
