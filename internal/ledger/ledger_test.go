package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil, nil), mock
}

func TestRecordUsage(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectExec("INSERT INTO usage_log_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry, err := l.RecordUsage(context.Background(), UsageLogEntry{
		Feature:      "conversation-turn",
		Model:        "claude-sonnet",
		InputTokens:  420,
		OutputTokens: 180,
		Cost:         2_350,
		FirmID:       uuid.New(),
		DurationMs:   640,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, entry.ID, "id must be stamped")
	assert.False(t, entry.CreatedAt.IsZero(), "created_at must be stamped")
	assert.Equal(t, time.UTC, entry.CreatedAt.Location())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUsage_Validation(t *testing.T) {
	l, mock := newTestLedger(t)
	firmID := uuid.New()
	entityID := uuid.New()

	tests := []struct {
		name  string
		entry UsageLogEntry
	}{
		{"missing firm", UsageLogEntry{Feature: "conversation-turn", Model: "m"}},
		{"missing feature", UsageLogEntry{FirmID: firmID, Model: "m"}},
		{"missing model", UsageLogEntry{FirmID: firmID, Feature: "conversation-turn"}},
		{"negative tokens", UsageLogEntry{FirmID: firmID, Feature: "f", Model: "m", InputTokens: -1}},
		{"negative duration", UsageLogEntry{FirmID: firmID, Feature: "f", Model: "m", DurationMs: -5}},
		{"entity id without type", UsageLogEntry{FirmID: firmID, Feature: "f", Model: "m", EntityID: &entityID}},
		{"entity type without id", UsageLogEntry{FirmID: firmID, Feature: "f", Model: "m", EntityType: EntityConversation}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.RecordUsage(context.Background(), tt.entry)
			assert.Error(t, err)
		})
	}
	// No SQL may run for invalid entries.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUsage_WriteFailurePropagates(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectExec("INSERT INTO usage_log_entries").
		WillReturnError(sql.ErrConnDone)

	_, err := l.RecordUsage(context.Background(), UsageLogEntry{
		Feature: "conversation-turn",
		Model:   "claude-sonnet",
		FirmID:  uuid.New(),
	})
	require.Error(t, err, "accounting failures must never be swallowed")
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestRecordCorrection(t *testing.T) {
	l, mock := newTestLedger(t)

	originalID := uuid.New()
	firmID := uuid.New()
	jobID := uuid.New()
	rows := sqlmock.NewRows([]string{
		"id", "feature", "model", "input_tokens", "output_tokens", "cost",
		"firm_id", "user_id", "entity_type", "entity_id", "duration_ms",
		"batch_job_id", "note", "created_at",
	}).AddRow(
		originalID, "email-summarize", "claude-haiku", 900, 120, int64(4_700),
		firmID, nil, nil, nil, 310, jobID, nil, time.Now().UTC(),
	)
	mock.ExpectQuery("SELECT (.+) FROM usage_log_entries").
		WithArgs(originalID).
		WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO usage_log_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	correction, err := l.RecordCorrection(context.Background(), originalID, "duplicate charge")
	require.NoError(t, err)
	assert.Equal(t, MicroEUR(-4_700), correction.Cost)
	assert.Zero(t, correction.InputTokens, "corrections reverse cost, not tokens")
	assert.Zero(t, correction.OutputTokens)
	assert.Equal(t, EntityLedgerEntry, correction.EntityType)
	require.NotNil(t, correction.EntityID)
	assert.Equal(t, originalID, *correction.EntityID)
	require.NotNil(t, correction.BatchJobID)
	assert.Equal(t, jobID, *correction.BatchJobID)
	assert.Equal(t, "duplicate charge", correction.Note)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCorrection_RequiresReason(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.RecordCorrection(context.Background(), uuid.New(), "")
	assert.Error(t, err)
}

func TestGetEntry_NotFound(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectQuery("SELECT (.+) FROM usage_log_entries").
		WillReturnError(sql.ErrNoRows)

	_, err := l.GetEntry(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSumByFirm(t *testing.T) {
	l, mock := newTestLedger(t)

	firmID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM usage_log_entries").
		WillReturnRows(sqlmock.NewRows([]string{"count", "input", "output", "cost"}).
			AddRow(12, 48_000, 9_600, int64(137_500)))

	summary, err := l.SumByFirm(context.Background(), firmID, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(12), summary.Entries)
	assert.Equal(t, int64(48_000), summary.InputTokens)
	assert.Equal(t, int64(9_600), summary.OutputTokens)
	assert.Equal(t, "0.137500", summary.Cost.String())
}

func TestSumByFeature(t *testing.T) {
	l, mock := newTestLedger(t)

	mock.ExpectQuery("SELECT feature,").
		WillReturnRows(sqlmock.NewRows([]string{"feature", "count", "input", "output", "cost"}).
			AddRow("conversation-turn", 30, 90_000, 21_000, int64(410_000)).
			AddRow("email-summarize", 100, 310_000, 42_000, int64(890_000)))

	usage, err := l.SumByFeature(context.Background(), uuid.New(),
		[]string{"conversation-turn", "email-summarize"},
		time.Now().Add(-24*time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "conversation-turn", usage[0].Feature)
	assert.Equal(t, int64(30), usage[0].Entries)
	assert.Equal(t, "email-summarize", usage[1].Feature)
	assert.Equal(t, MicroEUR(890_000), usage[1].Cost)
}

func TestSumByBatchJob(t *testing.T) {
	l, mock := newTestLedger(t)

	jobID := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM usage_log_entries").
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"count", "input", "output", "cost"}).
			AddRow(95, 285_000, 38_000, int64(662_300)))

	summary, err := l.SumByBatchJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(95), summary.Entries)
	assert.Equal(t, "0.662300", summary.Cost.String())
}
