package assistant

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

// Handler wires HTTP requests to the conversation engine. Firm scoping is
// already on the request context by the time these run.
type Handler struct {
	engine *Engine
	logger *logging.Logger
}

func NewHandler(engine *Engine, logger *logging.Logger) *Handler {
	if engine == nil {
		panic("assistant: engine is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

type openConversationRequest struct {
	UserID  uuid.UUID         `json:"user_id"`
	CaseID  *uuid.UUID        `json:"case_id,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

type postMessageRequest struct {
	Text string `json:"text"`
}

type rejectActionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type conversationResponse struct {
	Conversation *Conversation `json:"conversation"`
	Messages     []Message     `json:"messages,omitempty"`
}

// Open handles POST /v1/conversations.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	var req openConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == uuid.Nil {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conv, err := h.engine.OpenOrResumeConversation(r.Context(), req.UserID, req.CaseID, req.Context)
	if err != nil {
		h.writeError(w, "open conversation", err)
		return
	}
	h.writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

// Get handles GET /v1/conversations/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	conv, msgs, err := h.engine.GetConversation(r.Context(), conversationID)
	if err != nil {
		h.writeError(w, "get conversation", err)
		return
	}
	h.writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv, Messages: msgs})
}

// PostMessage handles POST /v1/conversations/{id}/messages.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	turn, err := h.engine.PostUserMessage(r.Context(), conversationID, req.Text)
	if err != nil {
		h.writeError(w, "post message", err)
		return
	}
	h.writeJSON(w, http.StatusOK, turn)
}

// Confirm handles POST /v1/conversations/{id}/actions/{messageID}/confirm.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	messageID, ok := h.pathID(w, r, "messageID")
	if !ok {
		return
	}

	result, err := h.engine.ConfirmPendingAction(r.Context(), conversationID, messageID)
	if err != nil {
		h.writeError(w, "confirm action", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Reject handles POST /v1/conversations/{id}/actions/{messageID}/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	messageID, ok := h.pathID(w, r, "messageID")
	if !ok {
		return
	}
	var req rejectActionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	conv, err := h.engine.RejectPendingAction(r.Context(), conversationID, messageID, req.Reason)
	if err != nil {
		h.writeError(w, "reject action", err)
		return
	}
	h.writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

// Close handles POST /v1/conversations/{id}/close.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	conv, err := h.engine.CloseConversation(r.Context(), conversationID)
	if err != nil {
		h.writeError(w, "close conversation", err)
		return
	}
	h.writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, "invalid "+param, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps engine sentinels onto HTTP statuses. State errors carry
// refresh semantics for the client; everything unexpected is a 500.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrMessageNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrConversationExpired):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, ErrActionPending), errors.Is(err, ErrStaleAction):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrUnknownActionType):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, ErrModelTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		h.logger.Error("assistant request failed", "op", op, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}
