package assistant

import "errors"

// State errors: the caller acted on outdated state or invalid input. Never
// retried automatically; the caller refreshes and decides again.
var (
	// ErrConversationNotFound is returned for unknown conversation ids.
	ErrConversationNotFound = errors.New("assistant: conversation not found")

	// ErrMessageNotFound is returned for unknown message ids.
	ErrMessageNotFound = errors.New("assistant: message not found")

	// ErrConversationExpired is returned when posting into a Completed or
	// Expired conversation.
	ErrConversationExpired = errors.New("assistant: conversation expired or closed")

	// ErrActionPending is returned when plain chat arrives while a proposed
	// action awaits a decision.
	ErrActionPending = errors.New("assistant: a proposed action is awaiting confirmation")

	// ErrStaleAction is returned when a confirm/reject targets an action that
	// was already decided, or a message that is not the pending one.
	ErrStaleAction = errors.New("assistant: action state is stale")

	// ErrUnknownActionType is returned at proposal time for action types no
	// executor is registered for.
	ErrUnknownActionType = errors.New("assistant: unknown action type")
)

// ErrModelTimeout is a transient provider error: the model call exceeded its
// tier's latency budget and was cancelled. The usage entry is still recorded.
var ErrModelTimeout = errors.New("assistant: model call exceeded its latency budget")
