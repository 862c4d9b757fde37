package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexhq/legal-ai-platform/internal/ledger"
)

// dbConn is the slice of pgxpool.Pool the tracker uses; pgxmock satisfies
// it in tests.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGTracker persists batch job runs to PostgreSQL.
type PGTracker struct {
	db dbConn
}

// NewPGTracker builds a Postgres-backed Tracker.
func NewPGTracker(pool *pgxpool.Pool) *PGTracker {
	if pool == nil {
		panic("batch: pgx pool cannot be nil")
	}
	return &PGTracker{db: pool}
}

func newPGTrackerWithConn(db dbConn) *PGTracker {
	return &PGTracker{db: db}
}

var _ Tracker = (*PGTracker)(nil)

// Cost is stored as NUMERIC(18,6) and read back as integer micro-EUR.
const jobColumns = `id, firm_id, feature, status, started_at, completed_at,
	items_processed, items_failed, total_tokens,
	(total_cost_eur * 1000000)::bigint, COALESCE(error_message, '')`

// StartJob inserts a Running row with zeroed counters, stamping the run in
// place. A caller-provided ID is kept so the HTTP trigger can hand the id
// out before the queue delivers the work.
func (s *PGTracker) StartJob(ctx context.Context, run *BatchJobRun) error {
	if run == nil {
		return errors.New("batch: run cannot be nil")
	}
	if run.FirmID == uuid.Nil {
		return errors.New("batch: firm id is required")
	}
	if strings.TrimSpace(run.Feature) == "" {
		return errors.New("batch: feature is required")
	}

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = JobStatusRunning
	run.StartedAt = time.Now().UTC()
	run.CompletedAt = nil
	run.ItemsProcessed = 0
	run.ItemsFailed = 0
	run.TotalTokens = 0
	run.TotalCost = 0
	run.ErrorMessage = ""

	_, err := s.db.Exec(ctx, `
		INSERT INTO batch_job_runs (
			id, firm_id, feature, status, started_at,
			items_processed, items_failed, total_tokens, total_cost_eur
		)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0, 0)
	`, run.ID, run.FirmID, run.Feature, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("batch: start job: %w", err)
	}
	return nil
}

// RecordItemOutcome records the outcome row and bumps exactly one counter
// in a single statement. The ON CONFLICT gate on (batch_job_id, item_id)
// means a redelivered item never increments twice, and the completed_at
// guard freezes both the outcome rows and the counters once the run is
// finalized; a swallowed late outcome surfaces as ErrJobCompleted.
func (s *PGTracker) RecordItemOutcome(ctx context.Context, jobID uuid.UUID, itemID string, success bool) (bool, error) {
	processed, failed := 1, 0
	if !success {
		processed, failed = 0, 1
	}

	tag, err := s.db.Exec(ctx, `
		WITH live AS (
		    SELECT 1 FROM batch_job_runs WHERE id = $1 AND completed_at IS NULL
		), ins AS (
		    INSERT INTO batch_job_items (batch_job_id, item_id, succeeded)
		    SELECT $1, $2, $5 WHERE EXISTS (SELECT 1 FROM live)
		    ON CONFLICT (batch_job_id, item_id) DO NOTHING
		    RETURNING 1
		)
		UPDATE batch_job_runs
		SET items_processed = items_processed + $3,
		    items_failed = items_failed + $4
		WHERE id = $1 AND EXISTS (SELECT 1 FROM ins)
	`, jobID, itemID, processed, failed, success)
	if err != nil {
		return false, fmt.Errorf("batch: record item outcome: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Nothing moved: either this item was counted by an earlier delivery
	// or the run is already frozen.
	var counted bool
	err = s.db.QueryRow(ctx, `
		SELECT EXISTS (
		    SELECT 1 FROM batch_job_items WHERE batch_job_id = $1 AND item_id = $2
		)
	`, jobID, itemID).Scan(&counted)
	if err != nil {
		return false, fmt.Errorf("batch: record item outcome: %w", err)
	}
	if counted {
		return false, nil
	}
	return false, fmt.Errorf("%w: job %s missing or frozen", ErrJobCompleted, jobID)
}

// RecordedItems loads item id -> success for every outcome already counted
// against the run.
func (s *PGTracker) RecordedItems(ctx context.Context, jobID uuid.UUID) (map[string]bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT item_id, succeeded FROM batch_job_items WHERE batch_job_id = $1
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("batch: recorded items: %w", err)
	}
	defer rows.Close()

	recorded := make(map[string]bool)
	for rows.Next() {
		var itemID string
		var succeeded bool
		if err := rows.Scan(&itemID, &succeeded); err != nil {
			return nil, fmt.Errorf("batch: recorded items: %w", err)
		}
		recorded[itemID] = succeeded
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch: recorded items: %w", err)
	}
	return recorded, nil
}

// CompleteJob freezes the run: stamps completed_at, rolls token and cost
// totals up from the ledger rows attributed to this run, and derives the
// final status. Failed means the run itself broke (errorMessage) or every
// single item failed; partial failure still completes. The completed_at
// guard makes a second call fall through to the already-frozen row.
func (s *PGTracker) CompleteJob(ctx context.Context, jobID uuid.UUID, errorMessage string) (*BatchJobRun, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE batch_job_runs
		SET completed_at = $2,
		    total_tokens = (
		        SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
		        FROM usage_log_entries WHERE batch_job_id = $1
		    ),
		    total_cost_eur = (
		        SELECT COALESCE(SUM(cost_eur), 0)
		        FROM usage_log_entries WHERE batch_job_id = $1
		    ),
		    error_message = NULLIF($3, ''),
		    status = CASE
		        WHEN $3 <> '' THEN 'Failed'
		        WHEN items_failed > 0 AND items_processed = 0 THEN 'Failed'
		        ELSE 'Completed'
		    END
		WHERE id = $1 AND completed_at IS NULL
		RETURNING `+jobColumns, jobID, time.Now().UTC(), errorMessage)

	run, err := scanJob(row)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch: complete job: %w", err)
	}
	// Already frozen (or never existed): return the row as it stands.
	return s.GetJob(ctx, jobID)
}

// GetJob loads one run.
func (s *PGTracker) GetJob(ctx context.Context, jobID uuid.UUID) (*BatchJobRun, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_job_runs WHERE id = $1`, jobID)
	run, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("batch: get job: %w", err)
	}
	return run, nil
}

func scanJob(row pgx.Row) (*BatchJobRun, error) {
	var run BatchJobRun
	var completedAt pgtype.Timestamptz
	var costMicros int64
	err := row.Scan(
		&run.ID, &run.FirmID, &run.Feature, &run.Status, &run.StartedAt,
		&completedAt, &run.ItemsProcessed, &run.ItemsFailed,
		&run.TotalTokens, &costMicros, &run.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.TotalCost = ledger.MicroEUR(costMicros)
	return &run, nil
}
