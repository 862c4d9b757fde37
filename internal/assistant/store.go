package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the persistence surface the engine depends on. Implementations
// must make every status change a conditional single-row update so that
// concurrent callers race safely.
type Store interface {
	// CreateConversation inserts a new conversation. Returns false without
	// error when a live conversation for the same (firm, user, case) tuple
	// already exists; callers re-read with FindLiveConversation.
	CreateConversation(ctx context.Context, conv *Conversation) (bool, error)
	FindLiveConversation(ctx context.Context, firmID, userID uuid.UUID, caseID *uuid.UUID) (*Conversation, error)
	GetConversation(ctx context.Context, firmID, conversationID uuid.UUID) (*Conversation, error)
	// UpdateConversationStatus compares-and-swaps the conversation status.
	// Returns false when the row was not in the expected from status.
	UpdateConversationStatus(ctx context.Context, conversationID uuid.UUID, from, to ConversationStatus) (bool, error)
	// CloseConversation moves a live conversation to the given terminal
	// status and stamps closed_at. Returns false when the conversation was
	// already terminal.
	CloseConversation(ctx context.Context, conversationID uuid.UUID, to ConversationStatus, now time.Time) (bool, error)
	// ExpireConversation is CloseConversation with a staleness guard: the
	// row must still be live and untouched since cutoff.
	ExpireConversation(ctx context.Context, conversationID uuid.UUID, cutoff, now time.Time) (bool, error)
	AppendMessage(ctx context.Context, msg *Message) error
	// AppendMessageIfActive appends only while the conversation is Active,
	// checked inside the same transaction as the insert. Returns
	// errConversationNotActive otherwise; callers re-read and map to the
	// right sentinel.
	AppendMessageIfActive(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*Message, error)
	// RecentMessages returns up to limit most recent messages in
	// chronological order.
	RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error)
	// PendingAction returns the message holding the conversation's Proposed
	// action, or nil when there is none.
	PendingAction(ctx context.Context, conversationID uuid.UUID) (*Message, error)
	// TransitionAction compares-and-swaps a message's action status.
	// Returns false when the action was not in the expected from status.
	TransitionAction(ctx context.Context, messageID uuid.UUID, from, to ActionStatus, reason string) (bool, error)
	StaleConversations(ctx context.Context, cutoff time.Time, limit int) ([]Conversation, error)
}

// dbConn is the slice of pgxpool.Pool the store uses; pgxmock implements it.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGStore persists conversations and messages to PostgreSQL.
type PGStore struct {
	db dbConn
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	if pool == nil {
		panic("assistant: pgx pool is required")
	}
	return &PGStore{db: pool}
}

func newPGStoreWithConn(conn dbConn) *PGStore {
	if conn == nil {
		panic("assistant: db conn is required")
	}
	return &PGStore{db: conn}
}

var _ Store = (*PGStore)(nil)

const conversationColumns = `id, firm_id, user_id, case_id, status, context, closed_at, created_at, updated_at`

const messageColumns = `id, conversation_id, role, content, intent, confidence,
	action_type, action_payload, action_status, action_reason,
	tokens_used, model_used, latency_ms, created_at`

const liveStatuses = `'Active','AwaitingConfirmation'`

func (s *PGStore) CreateConversation(ctx context.Context, conv *Conversation) (bool, error) {
	if conv == nil {
		return false, errors.New("assistant: conversation cannot be nil")
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	now := time.Now().UTC()
	conv.Status = StatusActive
	conv.CreatedAt = now
	conv.UpdatedAt = now

	contextJSON, err := marshalContext(conv.Context)
	if err != nil {
		return false, err
	}

	ct, err := s.db.Exec(ctx, `
		INSERT INTO conversations (id, firm_id, user_id, case_id, status, context, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT DO NOTHING
	`, conv.ID, conv.FirmID, conv.UserID, nullUUID(conv.CaseID), string(conv.Status), contextJSON, now, now)
	if err != nil {
		return false, fmt.Errorf("assistant: create conversation: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PGStore) FindLiveConversation(ctx context.Context, firmID, userID uuid.UUID, caseID *uuid.UUID) (*Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE firm_id = $1 AND user_id = $2
		  AND COALESCE(case_id, '00000000-0000-0000-0000-000000000000'::uuid)
		    = COALESCE($3, '00000000-0000-0000-0000-000000000000'::uuid)
		  AND status IN (`+liveStatuses+`)
	`, firmID, userID, nullUUID(caseID))
	return scanConversation(row)
}

func (s *PGStore) GetConversation(ctx context.Context, firmID, conversationID uuid.UUID) (*Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1 AND firm_id = $2
	`, conversationID, firmID)
	return scanConversation(row)
}

func (s *PGStore) UpdateConversationStatus(ctx context.Context, conversationID uuid.UUID, from, to ConversationStatus) (bool, error) {
	ct, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, conversationID, string(from), string(to), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("assistant: update conversation status: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PGStore) CloseConversation(ctx context.Context, conversationID uuid.UUID, to ConversationStatus, now time.Time) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("assistant: close requires a terminal status, got %q", to)
	}
	ct, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET status = $2, closed_at = $3, updated_at = $3
		WHERE id = $1 AND status IN (`+liveStatuses+`)
	`, conversationID, string(to), now.UTC())
	if err != nil {
		return false, fmt.Errorf("assistant: close conversation: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PGStore) ExpireConversation(ctx context.Context, conversationID uuid.UUID, cutoff, now time.Time) (bool, error) {
	ct, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET status = $2, closed_at = $3, updated_at = $3
		WHERE id = $1 AND status IN (`+liveStatuses+`) AND updated_at < $4
	`, conversationID, string(StatusExpired), now.UTC(), cutoff.UTC())
	if err != nil {
		return false, fmt.Errorf("assistant: expire conversation: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// errConversationNotActive signals a guarded append lost against a
// concurrent status change.
var errConversationNotActive = errors.New("assistant: conversation is not active")

// AppendMessage inserts the message and touches the conversation's
// updated_at in one transaction so the inactivity window tracks activity.
// The append is unconditional: an assistant reply still lands in a
// conversation that was closed while the model call was in flight.
func (s *PGStore) AppendMessage(ctx context.Context, msg *Message) error {
	return s.appendMessage(ctx, msg, false)
}

// AppendMessageIfActive appends with a status guard inside the transaction.
func (s *PGStore) AppendMessageIfActive(ctx context.Context, msg *Message) error {
	return s.appendMessage(ctx, msg, true)
}

func (s *PGStore) appendMessage(ctx context.Context, msg *Message, requireActive bool) error {
	if msg == nil {
		return errors.New("assistant: message cannot be nil")
	}
	if msg.ConversationID == uuid.Nil {
		return errors.New("assistant: message conversation id is required")
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("assistant: begin append message: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	touch := `UPDATE conversations SET updated_at = $2 WHERE id = $1`
	if requireActive {
		touch += ` AND status = 'Active'`
	}
	ct, err := tx.Exec(ctx, touch, msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("assistant: touch conversation: %w", err)
	}
	if requireActive && ct.RowsAffected() == 0 {
		return errConversationNotActive
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (
			id, conversation_id, role, content, intent, confidence,
			action_type, action_payload, action_status, action_reason,
			tokens_used, model_used, latency_ms, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
		nullString(msg.Intent), nullFloat(msg.Confidence),
		nullString(msg.ActionType), nullJSON(msg.ActionPayload),
		nullString(string(msg.ActionStatus)), nullString(msg.ActionReason),
		nullInt(msg.TokensUsed), nullString(msg.ModelUsed), nullInt(msg.LatencyMs),
		msg.CreatedAt); err != nil {
		return fmt.Errorf("assistant: insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("assistant: commit append message: %w", err)
	}
	return nil
}

func (s *PGStore) GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*Message, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1 AND conversation_id = $2
	`, messageID, conversationID)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *PGStore) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent ORDER BY created_at, id
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("assistant: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("assistant: list messages: %w", err)
	}
	return msgs, nil
}

func (s *PGStore) PendingAction(ctx context.Context, conversationID uuid.UUID) (*Message, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND action_status = $2
		ORDER BY created_at DESC LIMIT 1
	`, conversationID, string(ActionProposed))
	msg, err := scanMessage(row)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *PGStore) TransitionAction(ctx context.Context, messageID uuid.UUID, from, to ActionStatus, reason string) (bool, error) {
	if !CanTransitionAction(from, to) {
		return false, fmt.Errorf("assistant: illegal action transition %s -> %s", from, to)
	}
	ct, err := s.db.Exec(ctx, `
		UPDATE messages
		SET action_status = $3, action_reason = COALESCE($4, action_reason)
		WHERE id = $1 AND action_status = $2
	`, messageID, string(from), string(to), nullString(reason))
	if err != nil {
		return false, fmt.Errorf("assistant: transition action: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PGStore) StaleConversations(ctx context.Context, cutoff time.Time, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE status IN (`+liveStatuses+`) AND updated_at < $1
		ORDER BY updated_at LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("assistant: list stale conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("assistant: list stale conversations: %w", err)
	}
	return convs, nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		conv        Conversation
		caseID      uuid.NullUUID
		status      string
		contextJSON []byte
		closedAt    pgtype.Timestamptz
	)
	if err := row.Scan(&conv.ID, &conv.FirmID, &conv.UserID, &caseID, &status,
		&contextJSON, &closedAt, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("assistant: scan conversation: %w", err)
	}
	conv.Status = ConversationStatus(status)
	if caseID.Valid {
		id := caseID.UUID
		conv.CaseID = &id
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		conv.ClosedAt = &t
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &conv.Context); err != nil {
			return nil, fmt.Errorf("assistant: decode conversation context: %w", err)
		}
	}
	return &conv, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		msg          Message
		role         string
		intent       pgtype.Text
		confidence   pgtype.Float8
		actionType   pgtype.Text
		actionStatus pgtype.Text
		actionReason pgtype.Text
		payload      []byte
		tokensUsed   pgtype.Int4
		modelUsed    pgtype.Text
		latencyMs    pgtype.Int4
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content,
		&intent, &confidence, &actionType, &payload, &actionStatus, &actionReason,
		&tokensUsed, &modelUsed, &latencyMs, &msg.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("assistant: scan message: %w", err)
	}
	msg.Role = MessageRole(role)
	msg.Intent = intent.String
	if confidence.Valid {
		v := confidence.Float64
		msg.Confidence = &v
	}
	msg.ActionType = actionType.String
	msg.ActionStatus = ActionStatus(actionStatus.String)
	msg.ActionReason = actionReason.String
	if len(payload) > 0 {
		msg.ActionPayload = json.RawMessage(payload)
	}
	if tokensUsed.Valid {
		v := int(tokensUsed.Int32)
		msg.TokensUsed = &v
	}
	msg.ModelUsed = modelUsed.String
	if latencyMs.Valid {
		v := int(latencyMs.Int32)
		msg.LatencyMs = &v
	}
	return &msg, nil
}

func marshalContext(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("assistant: encode conversation context: %w", err)
	}
	return data, nil
}

func nullString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullUUID(id *uuid.UUID) any {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return *id
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int32(*v)
}
