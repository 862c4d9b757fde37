package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexhq/legal-ai-platform/internal/ledger"
	"github.com/lexhq/legal-ai-platform/internal/observability/metrics"
	"github.com/lexhq/legal-ai-platform/internal/pricing"
	"github.com/lexhq/legal-ai-platform/internal/tenancy"
	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

// FeatureConversationTurn is the ledger feature recorded for interactive
// assistant turns.
const FeatureConversationTurn = "conversation-turn"

// defaultMaxTokens caps a single assistant completion.
const defaultMaxTokens = 1024

// UsageRecorder is the ledger slice the engine depends on.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, entry ledger.UsageLogEntry) (*ledger.UsageLogEntry, error)
}

// Engine drives conversations: it appends turns, meters every model call
// into the ledger, and gates proposed actions behind explicit confirmation.
type Engine struct {
	store    Store
	registry *Registry
	model    ModelClient
	usage    UsageRecorder
	prices   *pricing.Table
	cache    *TranscriptCache
	archiver *Archiver
	metrics  *metrics.AssistantMetrics
	logger   *logging.Logger

	tier             ModelTier
	maxContext       int
	inactivityWindow time.Duration
	now              func() time.Time
}

type EngineConfig struct {
	Store    Store
	Registry *Registry
	Model    ModelClient
	Usage    UsageRecorder
	Prices   *pricing.Table
	Cache    *TranscriptCache
	Archiver *Archiver
	Metrics  *metrics.AssistantMetrics
	Logger   *logging.Logger

	Tier             ModelTier
	MaxContext       int
	InactivityWindow time.Duration
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Store == nil {
		panic("assistant: store is required")
	}
	if cfg.Registry == nil {
		panic("assistant: registry is required")
	}
	if cfg.Model == nil {
		panic("assistant: model client is required")
	}
	if cfg.Usage == nil {
		panic("assistant: usage recorder is required")
	}
	if cfg.Prices == nil {
		cfg.Prices = pricing.DefaultTable()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Tier == "" {
		cfg.Tier = TierStandard
	}
	if cfg.MaxContext <= 0 {
		cfg.MaxContext = 20
	}
	if cfg.InactivityWindow <= 0 {
		cfg.InactivityWindow = 24 * time.Hour
	}
	return &Engine{
		store:            cfg.Store,
		registry:         cfg.Registry,
		model:            cfg.Model,
		usage:            cfg.Usage,
		prices:           cfg.Prices,
		cache:            cfg.Cache,
		archiver:         cfg.Archiver,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		tier:             cfg.Tier,
		maxContext:       cfg.MaxContext,
		inactivityWindow: cfg.InactivityWindow,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func firmFromContext(ctx context.Context) (uuid.UUID, error) {
	firmID, ok := tenancy.FirmIDFromContext(ctx)
	if !ok {
		return uuid.Nil, errors.New("assistant: firm id missing from context")
	}
	return firmID, nil
}

// OpenOrResumeConversation returns the live conversation for the
// (firm, user, case) tuple, creating an Active one when none exists. A
// losing concurrent create re-reads and returns the winner's row.
func (e *Engine) OpenOrResumeConversation(ctx context.Context, userID uuid.UUID, caseID *uuid.UUID, convContext map[string]string) (*Conversation, error) {
	firmID, err := firmFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if userID == uuid.Nil {
		return nil, errors.New("assistant: user id is required")
	}

	conv, err := e.store.FindLiveConversation(ctx, firmID, userID, caseID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	fresh := &Conversation{
		FirmID:  firmID,
		UserID:  userID,
		CaseID:  caseID,
		Context: convContext,
	}
	created, err := e.store.CreateConversation(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if created {
		e.logger.Info("opened conversation",
			"conversation_id", fresh.ID, "firm_id", firmID, "user_id", userID)
		return fresh, nil
	}
	return e.store.FindLiveConversation(ctx, firmID, userID, caseID)
}

// GetConversation returns the conversation with its recent messages.
func (e *Engine) GetConversation(ctx context.Context, conversationID uuid.UUID) (*Conversation, []Message, error) {
	firmID, err := firmFromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	conv, err := e.store.GetConversation(ctx, firmID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := e.store.RecentMessages(ctx, conversationID, e.maxContext)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// PostUserMessage runs one assistant turn: append the user message, call the
// model inside its tier budget, record exactly one usage entry whether the
// call succeeded or not, then append the assistant reply. A proposed action
// lands as Proposed and moves the conversation to AwaitingConfirmation.
func (e *Engine) PostUserMessage(ctx context.Context, conversationID uuid.UUID, text string) (*Turn, error) {
	firmID, err := firmFromContext(ctx)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("assistant: message text is required")
	}

	conv, err := e.store.GetConversation(ctx, firmID, conversationID)
	if err != nil {
		return nil, err
	}
	if err := e.checkPostable(conv); err != nil {
		return nil, err
	}

	userMsg := &Message{
		ConversationID: conv.ID,
		Role:           RoleUser,
		Content:        text,
	}
	if err := e.store.AppendMessageIfActive(ctx, userMsg); err != nil {
		if errors.Is(err, errConversationNotActive) {
			return nil, e.refreshPostableError(ctx, firmID, conversationID)
		}
		return nil, err
	}
	e.cacheAppend(ctx, conv.ID, ChatMessage{Role: RoleUser, Content: text})

	history, err := e.assembleContext(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	req := GenerateRequest{
		System:    systemPrompt(e.registry.Types()),
		Messages:  history,
		Context:   conv.Context,
		MaxTokens: defaultMaxTokens,
	}

	start := e.now()
	res, genErr := e.model.Generate(ctx, req)
	latency := e.now().Sub(start)

	entry := ledger.UsageLogEntry{
		Feature:      FeatureConversationTurn,
		Model:        res.Model,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Cost:         e.prices.Cost(res.Model, res.InputTokens, res.OutputTokens),
		FirmID:       firmID,
		UserID:       &conv.UserID,
		EntityType:   ledger.EntityConversation,
		EntityID:     &conv.ID,
		DurationMs:   int(latency.Milliseconds()),
	}
	if entry.Model == "" {
		entry.Model = "unavailable"
	}
	if genErr != nil {
		entry.OutputTokens = 0
		entry.Cost = e.prices.Cost(entry.Model, entry.InputTokens, 0)
		entry.Note = truncateNote(genErr.Error())
	}
	if _, err := e.usage.RecordUsage(ctx, entry); err != nil {
		e.metrics.ObserveTurn("ledger_error")
		return nil, fmt.Errorf("assistant: record usage: %w", err)
	}
	e.metrics.ObserveModelLatency(string(e.tierOf()), entry.Model, latency.Seconds())

	if genErr != nil {
		e.metrics.ObserveTurn("model_error")
		return nil, fmt.Errorf("assistant: generate turn: %w", genErr)
	}

	tokensUsed := res.InputTokens + res.OutputTokens
	latencyMs := int(latency.Milliseconds())
	asstMsg := &Message{
		ConversationID: conv.ID,
		Role:           RoleAssistant,
		Content:        res.Text,
		Intent:         res.Intent,
		TokensUsed:     &tokensUsed,
		ModelUsed:      res.Model,
		LatencyMs:      &latencyMs,
	}
	// Confidence only means something when the model classified the turn.
	if res.Intent != "" || res.Action != nil {
		confidence := res.Confidence
		asstMsg.Confidence = &confidence
	}
	if res.Action != nil {
		if err := e.registry.ValidateProposal(res.Action.Type, res.Action.Payload); err != nil {
			e.metrics.ObserveTurn("proposal_error")
			return nil, fmt.Errorf("assistant: validate proposal: %w", err)
		}
		asstMsg.ActionType = res.Action.Type
		asstMsg.ActionPayload = res.Action.Payload
		asstMsg.ActionStatus = ActionProposed
	}

	if err := e.store.AppendMessage(ctx, asstMsg); err != nil {
		return nil, err
	}
	e.cacheAppend(ctx, conv.ID, ChatMessage{Role: RoleAssistant, Content: res.Text})

	if asstMsg.ActionStatus == ActionProposed {
		flipped, err := e.store.UpdateConversationStatus(ctx, conv.ID, StatusActive, StatusAwaitingConfirmation)
		if err != nil {
			return nil, err
		}
		if !flipped {
			// The conversation left Active while the model ran.
			// No Proposed row may dangle, so the fresh action is
			// rejected on the spot.
			e.forceReject(ctx, asstMsg, e.flipLossReason(ctx, firmID, conv.ID))
		} else {
			conv.Status = StatusAwaitingConfirmation
		}
	}

	e.metrics.ObserveTurn("ok")
	e.logger.Info("assistant turn completed",
		"conversation_id", conv.ID,
		"model", res.Model,
		"latency_ms", latency.Milliseconds(),
		"action_type", asstMsg.ActionType,
	)

	return &Turn{Conversation: conv, UserMessage: userMsg, AssistantMessage: asstMsg}, nil
}

// ConfirmPendingAction moves the pending action through Confirmed into
// Executed or Failed. The executor runs at most once per message: a racing
// confirm loses the compare-and-swap and sees ErrStaleAction, while
// re-confirming an already-settled message returns the prior outcome.
func (e *Engine) ConfirmPendingAction(ctx context.Context, conversationID, messageID uuid.UUID) (*ExecutionResult, error) {
	firmID, err := firmFromContext(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := e.store.GetConversation(ctx, firmID, conversationID)
	if err != nil {
		return nil, err
	}
	msg, err := e.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if !msg.HasAction() {
		return nil, fmt.Errorf("%w: message carries no action", ErrStaleAction)
	}

	switch msg.ActionStatus {
	case ActionExecuted, ActionFailed:
		// Idempotent retry of a settled confirmation.
		return &ExecutionResult{
			Conversation:  conv,
			Message:       msg,
			Status:        msg.ActionStatus,
			FailureReason: msg.ActionReason,
		}, nil
	case ActionRejected:
		return nil, fmt.Errorf("%w: action was rejected", ErrStaleAction)
	case ActionConfirmed:
		return nil, fmt.Errorf("%w: action is already being executed", ErrStaleAction)
	}

	if conv.Status.Terminal() {
		return nil, fmt.Errorf("%w: conversation is %s", ErrConversationExpired, conv.Status)
	}

	ok, err := e.store.TransitionAction(ctx, msg.ID, ActionProposed, ActionConfirmed, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: another decision landed first", ErrStaleAction)
	}

	execErr := e.registry.Execute(ctx, msg.ActionType, msg.ActionPayload)

	final := ActionExecuted
	reason := ""
	if execErr != nil {
		final = ActionFailed
		reason = truncateNote(execErr.Error())
	}
	if _, err := e.store.TransitionAction(ctx, msg.ID, ActionConfirmed, final, reason); err != nil {
		return nil, err
	}
	msg.ActionStatus = final
	msg.ActionReason = reason

	e.metrics.ObserveActionOutcome(msg.ActionType, strings.ToLower(string(final)))
	e.logger.Info("action decided",
		"conversation_id", conv.ID, "message_id", msg.ID,
		"action_type", msg.ActionType, "status", final)

	if flipped, err := e.store.UpdateConversationStatus(ctx, conv.ID, StatusAwaitingConfirmation, StatusActive); err != nil {
		return nil, err
	} else if flipped {
		conv.Status = StatusActive
	}

	return &ExecutionResult{
		Conversation:  conv,
		Message:       msg,
		Status:        final,
		FailureReason: reason,
	}, nil
}

// RejectPendingAction discards the pending action without ever invoking its
// executor and returns the conversation to Active.
func (e *Engine) RejectPendingAction(ctx context.Context, conversationID, messageID uuid.UUID, reason string) (*Conversation, error) {
	firmID, err := firmFromContext(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := e.store.GetConversation(ctx, firmID, conversationID)
	if err != nil {
		return nil, err
	}
	msg, err := e.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if !msg.HasAction() {
		return nil, fmt.Errorf("%w: message carries no action", ErrStaleAction)
	}
	if msg.ActionStatus == ActionRejected {
		return conv, nil
	}
	if msg.ActionStatus != ActionProposed {
		return nil, fmt.Errorf("%w: action is %s", ErrStaleAction, msg.ActionStatus)
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "rejected by user"
	}
	ok, err := e.store.TransitionAction(ctx, msg.ID, ActionProposed, ActionRejected, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: another decision landed first", ErrStaleAction)
	}

	e.metrics.ObserveActionOutcome(msg.ActionType, "rejected")
	e.logger.Info("action rejected",
		"conversation_id", conv.ID, "message_id", msg.ID, "action_type", msg.ActionType)

	if flipped, err := e.store.UpdateConversationStatus(ctx, conv.ID, StatusAwaitingConfirmation, StatusActive); err != nil {
		return nil, err
	} else if flipped {
		conv.Status = StatusActive
	}
	return conv, nil
}

// CloseConversation moves the conversation to Completed. Idempotent: closing
// a terminal conversation returns it unchanged. A still-pending action is
// rejected, and the transcript is archived once on the transition.
func (e *Engine) CloseConversation(ctx context.Context, conversationID uuid.UUID) (*Conversation, error) {
	firmID, err := firmFromContext(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := e.store.GetConversation(ctx, firmID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status.Terminal() {
		return conv, nil
	}

	if pending, err := e.store.PendingAction(ctx, conv.ID); err != nil {
		return nil, err
	} else if pending != nil {
		e.forceReject(ctx, pending, "conversation closed")
	}

	now := e.now()
	closed, err := e.store.CloseConversation(ctx, conv.ID, StatusCompleted, now)
	if err != nil {
		return nil, err
	}
	if !closed {
		// Lost against a concurrent close or the reaper.
		return e.store.GetConversation(ctx, firmID, conversationID)
	}
	conv.Status = StatusCompleted
	conv.ClosedAt = &now
	conv.UpdatedAt = now

	e.finishConversation(ctx, conv)
	e.logger.Info("conversation closed", "conversation_id", conv.ID)
	return conv, nil
}

// ExpireStaleConversations expires live conversations untouched for the
// inactivity window and rejects their pending actions. Concurrent runs race
// safely: every row flip is conditional. Returns how many rows expired.
func (e *Engine) ExpireStaleConversations(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-e.inactivityWindow)
	const batchSize = 100

	expired := 0
	for {
		stale, err := e.store.StaleConversations(ctx, cutoff, batchSize)
		if err != nil {
			return expired, err
		}
		if len(stale) == 0 {
			break
		}
		progressed := false
		for i := range stale {
			conv := &stale[i]
			if pending, err := e.store.PendingAction(ctx, conv.ID); err != nil {
				e.logger.Error("failed to load pending action", "conversation_id", conv.ID, "error", err)
			} else if pending != nil {
				e.forceReject(ctx, pending, "conversation expired")
			}

			ok, err := e.store.ExpireConversation(ctx, conv.ID, cutoff, now)
			if err != nil {
				e.logger.Error("failed to expire conversation", "conversation_id", conv.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			progressed = true
			expired++
			conv.Status = StatusExpired
			closedAt := now
			conv.ClosedAt = &closedAt
			e.finishConversation(ctx, conv)
		}
		if len(stale) < batchSize || !progressed {
			break
		}
	}

	if expired > 0 {
		e.metrics.ObserveExpired(expired)
		e.logger.Info("expired stale conversations", "count", expired, "cutoff", cutoff)
	}
	return expired, nil
}

func (e *Engine) checkPostable(conv *Conversation) error {
	switch {
	case conv.Status.Terminal():
		return fmt.Errorf("%w: conversation is %s", ErrConversationExpired, conv.Status)
	case conv.Status == StatusAwaitingConfirmation:
		return fmt.Errorf("%w: confirm or reject it first", ErrActionPending)
	}
	return nil
}

// refreshPostableError re-reads the conversation after a guarded append
// lost, mapping the fresh status onto the right sentinel.
func (e *Engine) refreshPostableError(ctx context.Context, firmID, conversationID uuid.UUID) error {
	conv, err := e.store.GetConversation(ctx, firmID, conversationID)
	if err != nil {
		return err
	}
	if err := e.checkPostable(conv); err != nil {
		return err
	}
	return fmt.Errorf("%w: conversation changed mid-post", ErrStaleAction)
}

// flipLossReason inspects why the Active -> AwaitingConfirmation flip lost.
func (e *Engine) flipLossReason(ctx context.Context, firmID, conversationID uuid.UUID) string {
	conv, err := e.store.GetConversation(ctx, firmID, conversationID)
	if err != nil || conv.Status.Terminal() {
		return "conversation closed"
	}
	return "action pending"
}

func (e *Engine) forceReject(ctx context.Context, msg *Message, reason string) {
	if msg == nil || msg.ActionStatus != ActionProposed {
		return
	}
	ok, err := e.store.TransitionAction(ctx, msg.ID, ActionProposed, ActionRejected, reason)
	if err != nil {
		e.logger.Error("failed to force-reject action",
			"message_id", msg.ID, "reason", reason, "error", err)
		return
	}
	if ok {
		msg.ActionStatus = ActionRejected
		msg.ActionReason = reason
		e.metrics.ObserveActionOutcome(msg.ActionType, "rejected")
	}
}

// assembleContext builds the model transcript from the cache, falling back
// to the store when cold.
func (e *Engine) assembleContext(ctx context.Context, conversationID uuid.UUID) ([]ChatMessage, error) {
	if cached, err := e.cache.List(ctx, conversationID); err != nil {
		e.logger.Warn("transcript cache read failed", "conversation_id", conversationID, "error", err)
	} else if len(cached) > 0 {
		return cached, nil
	}

	msgs, err := e.store.RecentMessages(ctx, conversationID, e.maxContext)
	if err != nil {
		return nil, err
	}
	history := make([]ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		history = append(history, ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return history, nil
}

func (e *Engine) cacheAppend(ctx context.Context, conversationID uuid.UUID, msg ChatMessage) {
	if err := e.cache.Append(ctx, conversationID, msg); err != nil {
		e.logger.Warn("transcript cache write failed", "conversation_id", conversationID, "error", err)
	}
}

func (e *Engine) invalidateCache(ctx context.Context, conversationID uuid.UUID) {
	if err := e.cache.Invalidate(ctx, conversationID); err != nil {
		e.logger.Warn("transcript cache invalidate failed", "conversation_id", conversationID, "error", err)
	}
}

// finishConversation runs the terminal-transition hooks: archive the
// transcript and drop the cache entry. Both best-effort.
func (e *Engine) finishConversation(ctx context.Context, conv *Conversation) {
	e.invalidateCache(ctx, conv.ID)
	if e.archiver == nil {
		return
	}
	if _, err := e.archiver.ArchiveConversation(ctx, conv); err != nil {
		e.logger.Error("transcript archive failed", "conversation_id", conv.ID, "error", err)
	}
}

func (e *Engine) tierOf() ModelTier {
	if budgeted, ok := e.model.(*BudgetedClient); ok {
		return budgeted.Tier()
	}
	return e.tier
}

func truncateNote(s string) string {
	const max = 500
	if len(s) > max {
		return s[:max]
	}
	return s
}

// systemPrompt instructs the model how to behave and how to propose actions.
func systemPrompt(actionTypes []string) string {
	var b strings.Builder
	b.WriteString("You are the AI assistant of LexHQ, a legal practice management platform. ")
	b.WriteString("You help lawyers and staff with their cases, deadlines, tasks and documents. ")
	b.WriteString("Be concise and factual; never invent case facts.\n\n")
	b.WriteString("When the user asks you to do something actionable, append exactly one action block ")
	b.WriteString("to the end of your reply, shaped:\n")
	b.WriteString(`<action>{"type":"<action-type>","payload":{...},"intent":"<short-intent>","confidence":0.0}</action>`)
	b.WriteString("\n\nSupported action types: ")
	b.WriteString(strings.Join(actionTypes, ", "))
	b.WriteString(".\nNothing executes until the user explicitly confirms the proposal. ")
	b.WriteString("If no action is appropriate, reply without an action block.")
	return b.String()
}
