package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/lexhq/legal-ai-platform/internal/batch"
	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

// BatchNotifier emails an operator when a batch run finishes with failures.
// It implements batch.CompletionNotifier; clean runs stay silent.
type BatchNotifier struct {
	email  EmailSender
	to     string
	logger *logging.Logger
}

// NewBatchNotifier creates the notifier. Returns nil when no sender or
// recipient is configured, which callers treat as notifications disabled.
func NewBatchNotifier(email EmailSender, to string, logger *logging.Logger) *BatchNotifier {
	if email == nil || strings.TrimSpace(to) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &BatchNotifier{email: email, to: strings.TrimSpace(to), logger: logger}
}

var _ batch.CompletionNotifier = (*BatchNotifier)(nil)

// NotifyBatchCompleted sends the failure report for one finished run.
func (n *BatchNotifier) NotifyBatchCompleted(ctx context.Context, run *batch.BatchJobRun) error {
	if n == nil {
		return nil
	}
	if run == nil {
		return fmt.Errorf("notify: batch run is required")
	}
	if run.ItemsFailed == 0 && run.ErrorMessage == "" {
		return nil
	}

	msg := EmailMessage{
		To:      n.to,
		Subject: fmt.Sprintf("[LexHQ] batch %s finished %s (%d failed)", run.Feature, run.Status, run.ItemsFailed),
		Body:    formatBatchReport(run),
	}
	if err := n.email.Send(ctx, msg); err != nil {
		n.logger.Error("batch completion email failed", "job_id", run.ID, "error", err)
		return fmt.Errorf("notify: batch completion email: %w", err)
	}
	n.logger.Info("batch completion email sent",
		"job_id", run.ID, "feature", run.Feature, "items_failed", run.ItemsFailed)
	return nil
}

func formatBatchReport(run *batch.BatchJobRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch job %s (%s) finished with status %s.\n\n", run.ID, run.Feature, run.Status)
	fmt.Fprintf(&b, "Items processed: %d\n", run.ItemsProcessed)
	fmt.Fprintf(&b, "Items failed:    %d\n", run.ItemsFailed)
	fmt.Fprintf(&b, "Total tokens:    %d\n", run.TotalTokens)
	fmt.Fprintf(&b, "Total cost:      EUR %s\n", run.TotalCost.String())
	if run.ErrorMessage != "" {
		fmt.Fprintf(&b, "\nError: %s\n", run.ErrorMessage)
	}
	if run.CompletedAt != nil {
		fmt.Fprintf(&b, "\nStarted:   %s\nCompleted: %s\n",
			run.StartedAt.Format("2006-01-02 15:04:05 MST"),
			run.CompletedAt.Format("2006-01-02 15:04:05 MST"))
	}
	return b.String()
}
