// Package batch tracks bulk AI jobs and drives their execution: a tracker
// row per run with atomic item counters, a queue-fed runner that fans items
// out to a bounded worker pool, and a ledger roll-up at completion.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lexhq/legal-ai-platform/internal/ledger"
)

// JobStatus is persisted verbatim; treat unknown values as in-flight.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "Running"
	JobStatusCompleted JobStatus = "Completed"
	JobStatusFailed    JobStatus = "Failed"
)

// Terminal reports whether the run is frozen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// FeatureEmailSummarize is the built-in bulk feature: summarize inbound
// email bodies and meter each item against the ledger.
const FeatureEmailSummarize = "email-summarize"

var (
	// ErrJobNotFound means the run id does not exist (or belongs to
	// another firm, which callers must not be able to distinguish).
	ErrJobNotFound = errors.New("batch: job not found")

	// ErrJobCompleted means the run is already frozen; counters no
	// longer move.
	ErrJobCompleted = errors.New("batch: job already completed")
)

// BatchJobRun is one tracked bulk run. Counters are monotone while Running
// and frozen once CompletedAt is set; totals are rolled up from the ledger
// rows attributed to this run.
type BatchJobRun struct {
	ID             uuid.UUID       `json:"id"`
	FirmID         uuid.UUID       `json:"firm_id"`
	Feature        string          `json:"feature"`
	Status         JobStatus       `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ItemsProcessed int             `json:"items_processed"`
	ItemsFailed    int             `json:"items_failed"`
	TotalTokens    int64           `json:"total_tokens"`
	TotalCost      ledger.MicroEUR `json:"total_cost_eur"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// Item is one unit of work inside a job.
type Item struct {
	ID   string `json:"id,omitempty"`
	Text string `json:"text"`
}

// JobRequest is the queue payload that triggers a run. JobID is set when
// the producer already started the tracker row (the HTTP trigger does, so
// it can return the id immediately); the runner starts one otherwise.
type JobRequest struct {
	JobID   uuid.UUID `json:"job_id,omitempty"`
	FirmID  uuid.UUID `json:"firm_id"`
	Feature string    `json:"feature"`
	Items   []Item    `json:"items"`
}

// Tracker persists run state. Outcomes are keyed by (job, item):
// RecordItemOutcome must be atomic so concurrent item workers never lose
// counts, and must count each item at most once so a redelivered job
// cannot inflate the counters. It reports whether this call recorded the
// outcome; false means the item was already counted by an earlier
// delivery. RecordedItems returns item id -> success for every outcome
// recorded so far, letting the runner resume a redelivered job.
type Tracker interface {
	StartJob(ctx context.Context, run *BatchJobRun) error
	RecordItemOutcome(ctx context.Context, jobID uuid.UUID, itemID string, success bool) (bool, error)
	RecordedItems(ctx context.Context, jobID uuid.UUID) (map[string]bool, error)
	CompleteJob(ctx context.Context, jobID uuid.UUID, errorMessage string) (*BatchJobRun, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*BatchJobRun, error)
}

// ItemProcessor handles one item of a run. Errors classify retry behavior
// via IsRetryableItemError; anything still failing after the retry budget
// counts the item as failed without failing the run.
type ItemProcessor interface {
	ProcessItem(ctx context.Context, run *BatchJobRun, item Item) error
}

// CompletionNotifier is told about runs that finished with failures.
type CompletionNotifier interface {
	NotifyBatchCompleted(ctx context.Context, run *BatchJobRun) error
}
