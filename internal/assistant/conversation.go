// Package assistant implements the confirmation-gated conversation engine:
// the assistant can propose concrete actions against the practice-management
// domain, but nothing executes until a person explicitly confirms it.
package assistant

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a conversation. The values are
// persisted verbatim.
type ConversationStatus string

const (
	StatusActive               ConversationStatus = "Active"
	StatusAwaitingConfirmation ConversationStatus = "AwaitingConfirmation"
	StatusCompleted            ConversationStatus = "Completed"
	StatusExpired              ConversationStatus = "Expired"
)

// Terminal reports whether no further transitions are allowed.
func (s ConversationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// ActionStatus tracks the single mutable field of a message: the state of its
// proposed action. Values are persisted verbatim.
type ActionStatus string

const (
	ActionProposed  ActionStatus = "Proposed"
	ActionConfirmed ActionStatus = "Confirmed"
	ActionExecuted  ActionStatus = "Executed"
	ActionRejected  ActionStatus = "Rejected"
	ActionFailed    ActionStatus = "Failed"
)

// Terminal reports whether the action reached a final state.
func (s ActionStatus) Terminal() bool {
	return s == ActionExecuted || s == ActionRejected || s == ActionFailed
}

var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionProposed:  {ActionConfirmed, ActionRejected},
	ActionConfirmed: {ActionExecuted, ActionFailed},
}

// CanTransitionAction reports whether from -> to is a legal action transition.
func CanTransitionAction(from, to ActionStatus) bool {
	for _, allowed := range actionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Conversation is a bounded sequence of turns between one firm user and the
// assistant, optionally scoped to a case. At most one of its messages carries
// a Proposed action at any time.
type Conversation struct {
	ID        uuid.UUID          `json:"id"`
	FirmID    uuid.UUID          `json:"firm_id"`
	UserID    uuid.UUID          `json:"user_id"`
	CaseID    *uuid.UUID         `json:"case_id,omitempty"`
	Status    ConversationStatus `json:"status"`
	Context   map[string]string  `json:"context,omitempty"`
	ClosedAt  *time.Time         `json:"closed_at,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Message is one turn entry. Rows are append-only: after creation only the
// action status (plus its reason) may change, and only along the legal
// transitions. Confidence, TokensUsed and LatencyMs are pointers so a
// recorded zero survives the round trip; nil means never measured.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Role           MessageRole     `json:"role"`
	Content        string          `json:"content"`
	Intent         string          `json:"intent,omitempty"`
	Confidence     *float64        `json:"confidence,omitempty"`
	ActionType     string          `json:"action_type,omitempty"`
	ActionPayload  json.RawMessage `json:"action_payload,omitempty"`
	ActionStatus   ActionStatus    `json:"action_status,omitempty"`
	ActionReason   string          `json:"action_reason,omitempty"`
	TokensUsed     *int            `json:"tokens_used,omitempty"`
	ModelUsed      string          `json:"model_used,omitempty"`
	LatencyMs      *int            `json:"latency_ms,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// HasAction reports whether the message carries a proposed action.
func (m *Message) HasAction() bool {
	return m != nil && m.ActionType != ""
}

// Turn is the result of posting one user message: the appended user message,
// the assistant reply, and the conversation as it stands afterwards.
type Turn struct {
	Conversation     *Conversation `json:"conversation"`
	UserMessage      *Message      `json:"user_message"`
	AssistantMessage *Message      `json:"assistant_message"`
}

// PendingAction reports the proposed action awaiting a decision, if any.
func (t *Turn) PendingAction() *Message {
	if t == nil || t.AssistantMessage == nil {
		return nil
	}
	if t.AssistantMessage.ActionStatus == ActionProposed {
		return t.AssistantMessage
	}
	return nil
}

// ExecutionResult is the outcome of confirming a pending action.
type ExecutionResult struct {
	Conversation  *Conversation `json:"conversation"`
	Message       *Message      `json:"message"`
	Status        ActionStatus  `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`
}
