// Package ledger records one immutable usage entry per model invocation and
// answers the cost/token aggregation queries behind billing reports. Entries
// are the financial record of record: no update or delete exists, corrections
// are written as compensating negative-cost entries referencing the original.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lexhq/legal-ai-platform/internal/observability/metrics"
	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

// ErrEntryNotFound is returned when a referenced ledger entry does not exist.
var ErrEntryNotFound = errors.New("ledger: entry not found")

// Entity types used in the polymorphic reference of an entry.
const (
	EntityConversation = "conversation"
	EntityMessage      = "message"
	EntityDocument     = "document"
	EntityLedgerEntry  = "usage_log_entry"
)

// UsageLogEntry is one immutable financial/telemetry record of a model
// invocation. Cost carries six fixed decimal places.
type UsageLogEntry struct {
	ID           uuid.UUID  `json:"id"`
	Feature      string     `json:"feature"`
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	Cost         MicroEUR   `json:"cost_eur"`
	FirmID       uuid.UUID  `json:"firm_id"`
	UserID       *uuid.UUID `json:"user_id,omitempty"`
	EntityType   string     `json:"entity_type,omitempty"`
	EntityID     *uuid.UUID `json:"entity_id,omitempty"`
	DurationMs   int        `json:"duration_ms"`
	BatchJobID   *uuid.UUID `json:"batch_job_id,omitempty"`
	Note         string     `json:"note,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// UsageSummary aggregates entries over a query window.
type UsageSummary struct {
	Entries      int64    `json:"entries"`
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	Cost         MicroEUR `json:"cost_eur"`
}

// FeatureUsage is a per-feature aggregate row.
type FeatureUsage struct {
	Feature string `json:"feature"`
	UsageSummary
}

// Ledger persists and aggregates usage entries.
type Ledger struct {
	db      *sql.DB
	metrics *metrics.LedgerMetrics
	logger  *logging.Logger
}

// New creates the ledger service. The database handle is required.
func New(db *sql.DB, m *metrics.LedgerMetrics, logger *logging.Logger) *Ledger {
	if db == nil {
		panic("ledger: db is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{db: db, metrics: m, logger: logger}
}

// RecordUsage validates and appends one entry. The caller resolves cost from
// the pricing table beforehand; the ledger only records. A write failure here
// must be treated as fatal by the enclosing operation.
func (l *Ledger) RecordUsage(ctx context.Context, entry UsageLogEntry) (*UsageLogEntry, error) {
	if err := validateEntry(entry); err != nil {
		l.metrics.ObserveEntry(entry.Feature, "invalid")
		return nil, err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO usage_log_entries (
			id, feature, model, input_tokens, output_tokens, cost_eur,
			firm_id, user_id, entity_type, entity_id, duration_ms,
			batch_job_id, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::bigint::numeric / 1000000, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := l.db.ExecContext(ctx, query,
		entry.ID,
		entry.Feature,
		entry.Model,
		entry.InputTokens,
		entry.OutputTokens,
		entry.Cost.Micros(),
		entry.FirmID,
		nullUUID(entry.UserID),
		nullString(entry.EntityType),
		nullUUID(entry.EntityID),
		entry.DurationMs,
		nullUUID(entry.BatchJobID),
		nullString(entry.Note),
		entry.CreatedAt,
	)
	if err != nil {
		l.metrics.ObserveEntry(entry.Feature, "error")
		return nil, fmt.Errorf("ledger: record usage: %w", err)
	}

	l.metrics.ObserveEntry(entry.Feature, "ok")
	l.metrics.ObserveTokens(entry.Model, entry.InputTokens, entry.OutputTokens)
	l.logger.Debug("ledger: usage recorded",
		"entry_id", entry.ID,
		"feature", entry.Feature,
		"model", entry.Model,
		"cost_eur", entry.Cost.String(),
	)
	return &entry, nil
}

// RecordCorrection appends a compensating entry that negates the cost of the
// original, referencing it through the entity fields. Token counts stay zero:
// tokens were genuinely consumed, only the charge is reversed.
func (l *Ledger) RecordCorrection(ctx context.Context, originalID uuid.UUID, reason string) (*UsageLogEntry, error) {
	if reason == "" {
		return nil, fmt.Errorf("ledger: correction reason is required")
	}
	original, err := l.GetEntry(ctx, originalID)
	if err != nil {
		return nil, err
	}
	refID := original.ID
	return l.RecordUsage(ctx, UsageLogEntry{
		Feature:    original.Feature,
		Model:      original.Model,
		Cost:       original.Cost.Neg(),
		FirmID:     original.FirmID,
		UserID:     original.UserID,
		EntityType: EntityLedgerEntry,
		EntityID:   &refID,
		BatchJobID: original.BatchJobID,
		Note:       reason,
	})
}

// GetEntry fetches a single entry by id.
func (l *Ledger) GetEntry(ctx context.Context, id uuid.UUID) (*UsageLogEntry, error) {
	query := `
		SELECT id, feature, model, input_tokens, output_tokens,
			   (cost_eur * 1000000)::bigint,
			   firm_id, user_id, entity_type, entity_id, duration_ms,
			   batch_job_id, note, created_at
		FROM usage_log_entries
		WHERE id = $1
	`
	var (
		entry      UsageLogEntry
		costMicros int64
		userID     uuid.NullUUID
		entityType sql.NullString
		entityID   uuid.NullUUID
		batchJobID uuid.NullUUID
		note       sql.NullString
	)
	err := l.db.QueryRowContext(ctx, query, id).Scan(
		&entry.ID, &entry.Feature, &entry.Model,
		&entry.InputTokens, &entry.OutputTokens, &costMicros,
		&entry.FirmID, &userID, &entityType, &entityID,
		&entry.DurationMs, &batchJobID, &note, &entry.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get entry: %w", err)
	}
	entry.Cost = MicroEUR(costMicros)
	entry.UserID = uuidPtr(userID)
	entry.EntityType = entityType.String
	entry.EntityID = uuidPtr(entityID)
	entry.BatchJobID = uuidPtr(batchJobID)
	entry.Note = note.String
	return &entry, nil
}

// SumByFirm aggregates all entries for a firm inside [from, to). Zero times
// leave that bound open.
func (l *Ledger) SumByFirm(ctx context.Context, firmID uuid.UUID, from, to time.Time) (*UsageSummary, error) {
	query := `
		SELECT COUNT(*),
			   COALESCE(SUM(input_tokens), 0),
			   COALESCE(SUM(output_tokens), 0),
			   COALESCE((SUM(cost_eur) * 1000000)::bigint, 0)
		FROM usage_log_entries
		WHERE firm_id = $1
	`
	args := []interface{}{firmID}
	query, args = appendWindow(query, args, from, to)

	var summary UsageSummary
	var costMicros int64
	err := l.db.QueryRowContext(ctx, query, args...).Scan(
		&summary.Entries, &summary.InputTokens, &summary.OutputTokens, &costMicros,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: sum by firm: %w", err)
	}
	summary.Cost = MicroEUR(costMicros)
	return &summary, nil
}

// SumByFeature aggregates per feature for a firm. An empty features slice
// covers all features.
func (l *Ledger) SumByFeature(ctx context.Context, firmID uuid.UUID, features []string, from, to time.Time) ([]FeatureUsage, error) {
	query := `
		SELECT feature,
			   COUNT(*),
			   COALESCE(SUM(input_tokens), 0),
			   COALESCE(SUM(output_tokens), 0),
			   COALESCE((SUM(cost_eur) * 1000000)::bigint, 0)
		FROM usage_log_entries
		WHERE firm_id = $1
	`
	args := []interface{}{firmID}
	if len(features) > 0 {
		query += fmt.Sprintf(" AND feature = ANY($%d)", len(args)+1)
		args = append(args, pq.Array(features))
	}
	query, args = appendWindow(query, args, from, to)
	query += " GROUP BY feature ORDER BY feature"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: sum by feature: %w", err)
	}
	defer rows.Close()

	var out []FeatureUsage
	for rows.Next() {
		var fu FeatureUsage
		var costMicros int64
		if err := rows.Scan(&fu.Feature, &fu.Entries, &fu.InputTokens, &fu.OutputTokens, &costMicros); err != nil {
			return nil, fmt.Errorf("ledger: scan feature row: %w", err)
		}
		fu.Cost = MicroEUR(costMicros)
		out = append(out, fu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: sum by feature: %w", err)
	}
	return out, nil
}

// SumByBatchJob aggregates the entries attributed to one batch job run.
func (l *Ledger) SumByBatchJob(ctx context.Context, jobID uuid.UUID) (*UsageSummary, error) {
	query := `
		SELECT COUNT(*),
			   COALESCE(SUM(input_tokens), 0),
			   COALESCE(SUM(output_tokens), 0),
			   COALESCE((SUM(cost_eur) * 1000000)::bigint, 0)
		FROM usage_log_entries
		WHERE batch_job_id = $1
	`
	var summary UsageSummary
	var costMicros int64
	err := l.db.QueryRowContext(ctx, query, jobID).Scan(
		&summary.Entries, &summary.InputTokens, &summary.OutputTokens, &costMicros,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: sum by batch job: %w", err)
	}
	summary.Cost = MicroEUR(costMicros)
	return &summary, nil
}

func validateEntry(entry UsageLogEntry) error {
	if entry.FirmID == uuid.Nil {
		return fmt.Errorf("ledger: firm id is required")
	}
	if entry.Feature == "" {
		return fmt.Errorf("ledger: feature is required")
	}
	if entry.Model == "" {
		return fmt.Errorf("ledger: model is required")
	}
	if entry.InputTokens < 0 || entry.OutputTokens < 0 {
		return fmt.Errorf("ledger: token counts must be non-negative")
	}
	if entry.DurationMs < 0 {
		return fmt.Errorf("ledger: duration must be non-negative")
	}
	if (entry.EntityType == "") != (entry.EntityID == nil) {
		return fmt.Errorf("ledger: entity type and entity id must be set together")
	}
	return nil
}

func appendWindow(query string, args []interface{}, from, to time.Time) (string, []interface{}) {
	if !from.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", len(args)+1)
		args = append(args, from)
	}
	if !to.IsZero() {
		query += fmt.Sprintf(" AND created_at < $%d", len(args)+1)
		args = append(args, to)
	}
	return query, args
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(id uuid.NullUUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	u := id.UUID
	return &u
}
