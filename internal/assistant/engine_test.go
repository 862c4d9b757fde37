package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lexhq/legal-ai-platform/internal/ledger"
	"github.com/lexhq/legal-ai-platform/internal/tenancy"
	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

// memStore is an in-memory Store with the same compare-and-swap semantics as
// the Postgres implementation, so engine behavior under interleaving can be
// driven deterministically.
type memStore struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*Conversation
	msgs  []*Message
}

func newMemStore() *memStore {
	return &memStore{convs: make(map[uuid.UUID]*Conversation)}
}

var _ Store = (*memStore)(nil)

func (s *memStore) CreateConversation(ctx context.Context, conv *Conversation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLiveLocked(conv.FirmID, conv.UserID, conv.CaseID) != nil {
		return false, nil
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	now := time.Now().UTC()
	conv.Status = StatusActive
	conv.CreatedAt = now
	conv.UpdatedAt = now
	stored := *conv
	s.convs[conv.ID] = &stored
	return true, nil
}

func (s *memStore) findLiveLocked(firmID, userID uuid.UUID, caseID *uuid.UUID) *Conversation {
	for _, conv := range s.convs {
		if conv.FirmID != firmID || conv.UserID != userID || conv.Status.Terminal() {
			continue
		}
		switch {
		case conv.CaseID == nil && caseID == nil:
			return conv
		case conv.CaseID != nil && caseID != nil && *conv.CaseID == *caseID:
			return conv
		}
	}
	return nil
}

func (s *memStore) FindLiveConversation(ctx context.Context, firmID, userID uuid.UUID, caseID *uuid.UUID) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv := s.findLiveLocked(firmID, userID, caseID); conv != nil {
		copied := *conv
		return &copied, nil
	}
	return nil, ErrConversationNotFound
}

func (s *memStore) GetConversation(ctx context.Context, firmID, conversationID uuid.UUID) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok || conv.FirmID != firmID {
		return nil, ErrConversationNotFound
	}
	copied := *conv
	return &copied, nil
}

func (s *memStore) UpdateConversationStatus(ctx context.Context, conversationID uuid.UUID, from, to ConversationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok || conv.Status != from {
		return false, nil
	}
	conv.Status = to
	conv.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *memStore) CloseConversation(ctx context.Context, conversationID uuid.UUID, to ConversationStatus, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok || conv.Status.Terminal() {
		return false, nil
	}
	conv.Status = to
	closedAt := now.UTC()
	conv.ClosedAt = &closedAt
	conv.UpdatedAt = closedAt
	return true, nil
}

func (s *memStore) ExpireConversation(ctx context.Context, conversationID uuid.UUID, cutoff, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok || conv.Status.Terminal() || !conv.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	conv.Status = StatusExpired
	closedAt := now.UTC()
	conv.ClosedAt = &closedAt
	conv.UpdatedAt = closedAt
	return true, nil
}

func (s *memStore) AppendMessage(ctx context.Context, msg *Message) error {
	return s.append(msg, false)
}

func (s *memStore) AppendMessageIfActive(ctx context.Context, msg *Message) error {
	return s.append(msg, true)
}

func (s *memStore) append(msg *Message, requireActive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if requireActive && conv.Status != StatusActive {
		return errConversationNotActive
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	conv.UpdatedAt = msg.CreatedAt
	stored := *msg
	s.msgs = append(s.msgs, &stored)
	return nil
}

func (s *memStore) GetMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.msgs {
		if msg.ID == messageID && msg.ConversationID == conversationID {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (s *memStore) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, msg := range s.msgs {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) PendingAction(ctx context.Context, conversationID uuid.UUID) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.msgs) - 1; i >= 0; i-- {
		msg := s.msgs[i]
		if msg.ConversationID == conversationID && msg.ActionStatus == ActionProposed {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memStore) TransitionAction(ctx context.Context, messageID uuid.UUID, from, to ActionStatus, reason string) (bool, error) {
	if !CanTransitionAction(from, to) {
		return false, fmt.Errorf("assistant: illegal action transition %s -> %s", from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.msgs {
		if msg.ID != messageID {
			continue
		}
		if msg.ActionStatus != from {
			return false, nil
		}
		msg.ActionStatus = to
		if reason != "" {
			msg.ActionReason = reason
		}
		return true, nil
	}
	return false, nil
}

func (s *memStore) StaleConversations(ctx context.Context, cutoff time.Time, limit int) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, conv := range s.convs {
		if !conv.Status.Terminal() && conv.UpdatedAt.Before(cutoff) {
			out = append(out, *conv)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// setUpdatedAt backdates a conversation for staleness scenarios.
func (s *memStore) setUpdatedAt(conversationID uuid.UUID, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[conversationID]; ok {
		conv.UpdatedAt = t
	}
}

func (s *memStore) proposedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, msg := range s.msgs {
		if msg.ActionStatus == ActionProposed {
			count++
		}
	}
	return count
}

func (s *memStore) messagesFor(conversationID uuid.UUID) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, msg := range s.msgs {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	return out
}

// scriptedModel returns canned results in order; onGenerate lets a test
// interleave store mutations with an in-flight call.
type scriptedModel struct {
	mu         sync.Mutex
	results    []GenerateResult
	errs       []error
	calls      int
	onGenerate func()
}

func (m *scriptedModel) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	hook := m.onGenerate
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	var res GenerateResult
	if idx < len(m.results) {
		res = m.results[idx]
	}
	var err error
	if idx < len(m.errs) {
		err = m.errs[idx]
	}
	return res, err
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []ledger.UsageLogEntry
	err     error
}

func (r *fakeRecorder) RecordUsage(ctx context.Context, entry ledger.UsageLogEntry) (*ledger.UsageLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.entries = append(r.entries, entry)
	return &entry, nil
}

func (r *fakeRecorder) all() []ledger.UsageLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.UsageLogEntry(nil), r.entries...)
}

func proposalResult(text, actionType, payload string) GenerateResult {
	return GenerateResult{
		Text:         text,
		Intent:       "do the thing",
		Confidence:   0.9,
		Model:        "claude-sonnet",
		InputTokens:  100,
		OutputTokens: 40,
		Action:       &ProposedAction{Type: actionType, Payload: json.RawMessage(payload)},
	}
}

type engineFixture struct {
	store    *memStore
	model    *scriptedModel
	recorder *fakeRecorder
	registry *Registry
	engine   *Engine
	ctx      context.Context
	firmID   uuid.UUID
	userID   uuid.UUID
}

func newEngineFixture(t *testing.T, model *scriptedModel, executor Executor) *engineFixture {
	t.Helper()
	if executor == nil {
		executor = noopExecutor()
	}
	registry := NewRegistry()
	registry.Register(ActionTypeCreateTask, Registration{
		ValidatePayload: ValidateCreateTaskPayload,
		Executor:        executor,
	})
	registry.Register(ActionTypeScheduleDeadline, Registration{
		ValidatePayload: ValidateScheduleDeadlinePayload,
		Executor:        executor,
	})

	store := newMemStore()
	recorder := &fakeRecorder{}
	engine := NewEngine(EngineConfig{
		Store:    store,
		Registry: registry,
		Model:    model,
		Usage:    recorder,
		Logger:   logging.Default(),
		Tier:     TierStandard,
	})

	firmID := uuid.New()
	return &engineFixture{
		store:    store,
		model:    model,
		recorder: recorder,
		registry: registry,
		engine:   engine,
		ctx:      tenancy.WithFirmID(context.Background(), firmID),
		firmID:   firmID,
		userID:   uuid.New(),
	}
}

func (f *engineFixture) open(t *testing.T) *Conversation {
	t.Helper()
	conv, err := f.engine.OpenOrResumeConversation(f.ctx, f.userID, nil, nil)
	if err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	return conv
}

func (f *engineFixture) propose(t *testing.T, conv *Conversation) *Turn {
	t.Helper()
	turn, err := f.engine.PostUserMessage(f.ctx, conv.ID, "Create a task to file the brief")
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if turn.PendingAction() == nil {
		t.Fatal("expected a pending action")
	}
	return turn
}

func TestOpenOrResume_ReturnsLiveConversation(t *testing.T) {
	f := newEngineFixture(t, &scriptedModel{}, nil)

	first, err := f.engine.OpenOrResumeConversation(f.ctx, f.userID, nil, map[string]string{"matter": "estate"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := f.engine.OpenOrResumeConversation(f.ctx, f.userID, nil, nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same live conversation, got %s and %s", first.ID, second.ID)
	}

	// A different case id is a different tuple.
	caseID := uuid.New()
	scoped, err := f.engine.OpenOrResumeConversation(f.ctx, f.userID, &caseID, nil)
	if err != nil {
		t.Fatalf("open scoped: %v", err)
	}
	if scoped.ID == first.ID {
		t.Fatal("case-scoped conversation must be separate")
	}
}

func TestOpenOrResume_RequiresFirmContext(t *testing.T) {
	f := newEngineFixture(t, &scriptedModel{}, nil)
	if _, err := f.engine.OpenOrResumeConversation(context.Background(), f.userID, nil, nil); err == nil {
		t.Fatal("expected error without firm context")
	}
}

func TestPostUserMessage_PlainChatTurn(t *testing.T) {
	model := &scriptedModel{results: []GenerateResult{{
		Text: "Here is a summary.", Model: "claude-sonnet", InputTokens: 50, OutputTokens: 25,
	}}}
	f := newEngineFixture(t, model, nil)
	conv := f.open(t)

	turn, err := f.engine.PostUserMessage(f.ctx, conv.ID, "Summarize the Meyer case")
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if turn.AssistantMessage.Content != "Here is a summary." {
		t.Fatalf("unexpected assistant text: %q", turn.AssistantMessage.Content)
	}
	if turn.PendingAction() != nil {
		t.Fatal("plain chat must not leave a pending action")
	}
	if turn.Conversation.Status != StatusActive {
		t.Fatalf("conversation should stay Active, got %s", turn.Conversation.Status)
	}

	entries := f.recorder.all()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Feature != FeatureConversationTurn || entry.Model != "claude-sonnet" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.InputTokens != 50 || entry.OutputTokens != 25 {
		t.Fatalf("unexpected tokens: %+v", entry)
	}
	if entry.FirmID != f.firmID || entry.EntityType != ledger.EntityConversation || *entry.EntityID != conv.ID {
		t.Fatalf("unexpected attribution: %+v", entry)
	}
	if entry.Cost <= 0 {
		t.Fatalf("expected positive cost, got %s", entry.Cost)
	}
}

func TestPostUserMessage_ProposalFlipsToAwaitingConfirmation(t *testing.T) {
	model := &scriptedModel{results: []GenerateResult{
		proposalResult("I'll create that task.", ActionTypeCreateTask, `{"title":"File brief"}`),
	}}
	f := newEngineFixture(t, model, nil)
	conv := f.open(t)

	turn := f.propose(t, conv)
	if turn.Conversation.Status != StatusAwaitingConfirmation {
		t.Fatalf("expected AwaitingConfirmation, got %s", turn.Conversation.Status)
	}
	pending := turn.PendingAction()
	if pending.ActionType != ActionTypeCreateTask || pending.ActionStatus != ActionProposed {
		t.Fatalf("unexpected pending action: %+v", pending)
	}
	if f.store.proposedCount() != 1 {
		t.Fatalf("expected exactly one Proposed message, got %d", f.store.proposedCount())
	}

	// Plain chat is blocked until the action is decided.
	if _, err := f.engine.PostUserMessage(f.ctx, conv.ID, "also do something else"); !errors.Is(err, ErrActionPending) {
		t.Fatalf("expected ErrActionPending, got %v", err)
	}
}

func TestConfirm_ExecutesAndReturnsToActive(t *testing.T) {
	var gotPayload json.RawMessage
	var calls int32
	executor := ExecutorFunc(func(ctx context.Context, payload json.RawMessage) error {
		atomic.AddInt32(&calls, 1)
		gotPayload = payload
		return nil
	})
	model := &scriptedModel{results: []GenerateResult{
		proposalResult("I'll create that task.", ActionTypeCreateTask, `{"title":"File brief"}`),
	}}
	f := newEngineFixture(t, model, executor)
	conv := f.open(t)
	turn := f.propose(t, conv)

	result, err := f.engine.ConfirmPendingAction(f.ctx, conv.ID, turn.AssistantMessage.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if result.Status != ActionExecuted {
		t.Fatalf("expected Executed, got %s", result.Status)
	}
	if result.Conversation.Status != StatusActive {
		t.Fatalf("expected conversation back to Active, got %s", result.Conversation.Status)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one execution, got %d", calls)
	}
	if string(gotPayload) != `{"title":"File brief"}` {
		t.Fatalf("executor got wrong payload: %s", gotPayload)
	}
}

func TestConfirm_ExecutorFailureRecordsFailed(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, payload json.RawMessage) error {
		return &ExecutionError{Code: "case_not_found", Message: "case 42 does not exist"}
	})
	model := &scriptedModel{results: []GenerateResult{
		proposalResult("I'll create that task.", ActionTypeCreateTask, `{"title":"File brief"}`),
	}}
	f := newEngineFixture(t, model, executor)
	conv := f.open(t)
	turn := f.propose(t, conv)

	result, err := f.engine.ConfirmPendingAction(f.ctx, conv.ID, turn.AssistantMessage.ID)
	if err != nil {
		t.Fatalf("confirm must not error on executor failure: %v", err)
	}
	if result.Status != ActionFailed {
		t.Fatalf("expected Failed, got %s", result.Status)
	}
	if result.FailureReason == "" {
		t.Fatal("expected failure reason to be recorded")
	}
	if result.Conversation.Status != StatusActive {
		t.Fatalf("conversation must stay usable, got %s", result.Conversation.Status)
	}
}

func TestConfirm_IdempotentRetryDoesNotReexecute(t *testing.T) {
	var calls int32
	executor := ExecutorFunc(func(ctx context.Context, payload json.RawMessage) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	model := &scriptedModel{results: []GenerateResult{
		proposalResult("I'll create that task.", ActionTypeCreateTask, `{"title":"File brief"}`),
	}}
	f := newEngineFixture(t, model, executor)
	conv := f.open(t)
	turn := f.propose(t, conv)

	first, err := f.engine.ConfirmPendingAction(f.ctx, conv.ID, turn.AssistantMessage.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	retry, err := f.engine.ConfirmPendingAction(f.ctx, conv.ID, turn.AssistantMessage.ID)
	if err != nil {
		t.Fatalf("idempotent retry must not error: %v", err)
	}
	if retry.Status != first.Status {
		t.Fatalf("retry returned %s, want %s", retry.Status, first.Status)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("executor ran %d times, want 1", calls)
	}
}

func TestConfirm_RacingConfirmsOneWinner(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	executor := ExecutorFunc(func(ctx context.Context, payload json.RawMessage) error {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return nil
	})
	model := &scriptedModel{results: []GenerateResult{
		proposalResult("I'll create that task.", ActionTypeCreateTask, `{"title":"File brief"}`),
	}}
	f := newEngineFixture(t, model, executor)
	conv := f.open(t)
	turn := f.propose(t, conv)

	type confirmOutcome struct {
		result *ExecutionResult
		err    error
	}
	winner := make(chan confirmOutcome, 1)
	go func() {
		res, err := f.engine.ConfirmPendingAction(f.ctx, conv.ID, turn.AssistantMessage.ID)
		winner <- confirmOutcome{res, err}
	}()

	<-started
	// Second confirm lands while the first holds the Confirmed state.
	_, err := f.engine.ConfirmPendingAction(f.ctx, conv.ID, turn.AssistantMessage.ID)
	if !errors.Is(err, ErrStaleAction) {
		t.Fatalf("racing confirm expected ErrStaleAction, got %v", err)
	}
	close(release)

	out := <-winner
	if out.err != nil {
		t.Fatalf("winning confirm errored: %v", out.err)
	}
	if out.result.Status != ActionExecuted {
		t.Fatalf("winner expected Executed, got %s", out.result.Status)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("executor ran %d times, want 1", calls)
	}
}

func TestReject_NeverInvokesExecutor(t *testing.T) {
	var calls int32
	executor := ExecutorFunc(func(ctx context.Context, payload json.RawMessage) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	model := &scriptedModel{results: []GenerateResult{
		proposalResult("I'll create that task.", ActionTypeCreateTask, `{"title":"File brief"}`),
	}}
	f := newEngineFixture(t, model, executor)
	conv := f.open(t)
	turn := f.propose(t, conv)

	updated, err := f.engine.RejectPendingAction(f.ctx, conv.ID, turn.AssistantMessage.ID, "wrong case")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if updated.Status != StatusActive {
		t.Fatalf("expected Active after reject, got %s", updated.Status)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("executor must not run on reject")
	}

	msg, err := f.store.GetMessage(f.ctx, conv.ID, turn.AssistantMessage.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.ActionStatus != ActionRejected || msg.ActionReason != "wrong case" {
		t.Fatalf("unexpected action state: %+v", msg)
	}

	// Confirming a rejected action is stale.
	if _, err := f.engine.ConfirmPendingAction(f.ctx, conv.ID, turn.AssistantMessage.ID); !errors.Is(err, ErrStaleAction) {
		t.Fatalf("expected ErrStaleAction, got %v", err)
	}
}

func TestReject_RepeatRejectIsIdempotent(t *testing.T) {
	model := &scriptedModel{results: []GenerateResult{
		proposalResult("I'll create that task.", ActionTypeCreateTask, `{"title":"File brief"}`),
	}}
	f := newEngineFixture(t, model, nil)
	conv := f.open(t)
	turn := f.propose(t, conv)

	if _, err := f.engine.RejectPendingAction(f.ctx, conv.ID, turn.AssistantMessage.ID, "wrong case"); err != nil {
		t.Fatalf("first reject: %v", err)
	}

	// A retried reject settles on the same decision and succeeds, mirroring
	// how a retried confirm returns the settled execution outcome.
	updated, err := f.engine.RejectPendingAction(f.ctx, conv.ID, turn.AssistantMessage.ID, "wrong case")
	if err != nil {
		t.Fatalf("repeat reject: %v", err)
	}
	if updated.Status != StatusActive {
		t.Fatalf("expected Active, got %s", updated.Status)
	}
	msg, err := f.store.GetMessage(f.ctx, conv.ID, turn.AssistantMessage.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.ActionReason != "wrong case" {
		t.Fatalf("repeat reject must not rewrite the reason, got %q", msg.ActionReason)
	}
}

func TestReject_AfterExecutionIsStale(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, payload json.RawMessage) error { return nil })
	model := &scriptedModel{results: []GenerateResult{
		proposalResult("I'll create that task.", ActionTypeCreateTask, `{"title":"File brief"}`),
	}}
	f := newEngineFixture(t, model, executor)
	conv := f.open(t)
	turn := f.propose(t, conv)

	if _, err := f.engine.ConfirmPendingAction(f.ctx, conv.ID, turn.AssistantMessage.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.engine.RejectPendingAction(f.ctx, conv.ID, turn.AssistantMessage.ID, "too late"); !errors.Is(err, ErrStaleAction) {
		t.Fatalf("expected ErrStaleAction rejecting an executed action, got %v", err)
	}
}

func TestConfirm_WrongMessageIsStale(t *testing.T) {
	model := &scriptedModel{results: []GenerateResult{
		proposalResult("I'll create that task.", ActionTypeCreateTask, `{"title":"File brief"}`),
	}}
	f := newEngineFixture(t, model, nil)
	conv := f.open(t)
	turn := f.propose(t, conv)

	// The user message carries no action.
	if _, err := f.engine.ConfirmPendingAction(f.ctx, conv.ID, turn.UserMessage.ID); !errors.Is(err, ErrStaleAction) {
		t.Fatalf("expected ErrStaleAction, got %v", err)
	}
	if _, err := f.engine.ConfirmPendingAction(f.ctx, conv.ID, uuid.New()); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestPostUserMessage_ModelTimeoutStillMeters(t *testing.T) {
	model := &scriptedModel{errs: []error{fmt.Errorf("%w: tier standard budget 2s", ErrModelTimeout)}}
	f := newEngineFixture(t, model, nil)
	conv := f.open(t)

	_, err := f.engine.PostUserMessage(f.ctx, conv.ID, "Summarize please")
	if !errors.Is(err, ErrModelTimeout) {
		t.Fatalf("expected ErrModelTimeout, got %v", err)
	}

	entries := f.recorder.all()
	if len(entries) != 1 {
		t.Fatalf("expected the failed call metered once, got %d entries", len(entries))
	}
	if entries[0].OutputTokens != 0 {
		t.Fatalf("failed call must meter zero output tokens, got %d", entries[0].OutputTokens)
	}
	if entries[0].Note == "" {
		t.Fatal("expected the failure noted on the entry")
	}

	// The user message persists; no assistant message landed.
	msgs := f.store.messagesFor(conv.ID)
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("expected only the user message, got %+v", msgs)
	}
}

func TestPostUserMessage_UnknownActionTypeFailsTurn(t *testing.T) {
	model := &scriptedModel{results: []GenerateResult{
		proposalResult("I'll summon the jury.", "summon-jury", `{}`),
	}}
	f := newEngineFixture(t, model, nil)
	conv := f.open(t)

	_, err := f.engine.PostUserMessage(f.ctx, conv.ID, "Summon the jury")
	if !errors.Is(err, ErrUnknownActionType) {
		t.Fatalf("expected ErrUnknownActionType, got %v", err)
	}

	// User message and ledger entry persist; the assistant message does not.
	msgs := f.store.messagesFor(conv.ID)
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("expected only the user message, got %d messages", len(msgs))
	}
	if len(f.recorder.all()) != 1 {
		t.Fatalf("expected the model call metered, got %d entries", len(f.recorder.all()))
	}
	conv2, err := f.store.GetConversation(f.ctx, f.firmID, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv2.Status != StatusActive {
		t.Fatalf("conversation must stay Active, got %s", conv2.Status)
	}
}

func TestPostUserMessage_LedgerFailureIsFatal(t *testing.T) {
	model := &scriptedModel{results: []GenerateResult{{Text: "hi", Model: "claude-sonnet"}}}
	f := newEngineFixture(t, model, nil)
	f.recorder.err = errors.New("ledger down")
	conv := f.open(t)

	_, err := f.engine.PostUserMessage(f.ctx, conv.ID, "hello")
	if err == nil || !errors.Is(err, f.recorder.err) {
		t.Fatalf("expected ledger failure to propagate, got %v", err)
	}
	msgs := f.store.messagesFor(conv.ID)
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("assistant message must not land when metering failed, got %+v", msgs)
	}
}

func TestPostUserMessage_TerminalConversation(t *testing.T) {
	model := &scriptedModel{}
	f := newEngineFixture(t, model, nil)
	conv := f.open(t)

	if _, err := f.engine.CloseConversation(f.ctx, conv.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.engine.PostUserMessage(f.ctx, conv.ID, "anyone there?"); !errors.Is(err, ErrConversationExpired) {
		t.Fatalf("expected ErrConversationExpired, got %v", err)
	}
}

func TestPostUserMessage_FlipLoserForcesRejected(t *testing.T) {
	f := newEngineFixture(t, &scriptedModel{}, nil)
	conv := f.open(t)

	// The conversation is closed while the model call is in flight.
	model := &scriptedModel{
		results: []GenerateResult{
			proposalResult("I'll create that task.", ActionTypeCreateTask, `{"title":"File brief"}`),
		},
		onGenerate: func() {
			if _, err := f.store.CloseConversation(context.Background(), conv.ID, StatusCompleted, time.Now().UTC()); err != nil {
				t.Errorf("close mid-flight: %v", err)
			}
		},
	}
	f.engine.model = model

	turn, err := f.engine.PostUserMessage(f.ctx, conv.ID, "Create a task")
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if turn.AssistantMessage.ActionStatus != ActionRejected {
		t.Fatalf("expected forced Rejected, got %s", turn.AssistantMessage.ActionStatus)
	}
	if turn.AssistantMessage.ActionReason != "conversation closed" {
		t.Fatalf("unexpected reason: %q", turn.AssistantMessage.ActionReason)
	}
	if f.store.proposedCount() != 0 {
		t.Fatal("no Proposed action may dangle")
	}
}

func TestCloseConversation_RejectsPendingAndIsIdempotent(t *testing.T) {
	model := &scriptedModel{results: []GenerateResult{
		proposalResult("I'll create that task.", ActionTypeCreateTask, `{"title":"File brief"}`),
	}}
	f := newEngineFixture(t, model, nil)
	conv := f.open(t)
	turn := f.propose(t, conv)

	closed, err := f.engine.CloseConversation(f.ctx, conv.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != StatusCompleted || closed.ClosedAt == nil {
		t.Fatalf("unexpected closed conversation: %+v", closed)
	}

	msg, err := f.store.GetMessage(f.ctx, conv.ID, turn.AssistantMessage.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.ActionStatus != ActionRejected || msg.ActionReason != "conversation closed" {
		t.Fatalf("pending action not force-rejected: %+v", msg)
	}

	again, err := f.engine.CloseConversation(f.ctx, conv.ID)
	if err != nil {
		t.Fatalf("idempotent close: %v", err)
	}
	if again.Status != StatusCompleted {
		t.Fatalf("unexpected status on re-close: %s", again.Status)
	}
}

func TestExpireStaleConversations_LeavesNoProposed(t *testing.T) {
	model := &scriptedModel{results: []GenerateResult{
		proposalResult("I'll create that task.", ActionTypeCreateTask, `{"title":"File brief"}`),
	}}
	f := newEngineFixture(t, model, nil)

	// One stale conversation with a pending action, one fresh.
	staleConv := f.open(t)
	f.propose(t, staleConv)

	otherUser := uuid.New()
	freshConv, err := f.engine.OpenOrResumeConversation(f.ctx, otherUser, nil, nil)
	if err != nil {
		t.Fatalf("open fresh: %v", err)
	}

	now := time.Now().UTC()
	f.store.setUpdatedAt(staleConv.ID, now.Add(-25*time.Hour))

	count, err := f.engine.ExpireStaleConversations(f.ctx, now)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 expired, got %d", count)
	}
	if f.store.proposedCount() != 0 {
		t.Fatal("reaper left a Proposed action")
	}

	expired, err := f.store.GetConversation(f.ctx, f.firmID, staleConv.ID)
	if err != nil {
		t.Fatalf("get expired: %v", err)
	}
	if expired.Status != StatusExpired || expired.ClosedAt == nil {
		t.Fatalf("unexpected expired conversation: %+v", expired)
	}

	fresh, err := f.store.GetConversation(f.ctx, f.firmID, freshConv.ID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if fresh.Status != StatusActive {
		t.Fatalf("fresh conversation must survive, got %s", fresh.Status)
	}

	// Posting into the expired conversation surfaces the terminal state.
	if _, err := f.engine.PostUserMessage(f.ctx, staleConv.ID, "hello?"); !errors.Is(err, ErrConversationExpired) {
		t.Fatalf("expected ErrConversationExpired, got %v", err)
	}
}

func TestExpireStaleConversations_SecondRunFindsNothing(t *testing.T) {
	model := &scriptedModel{}
	f := newEngineFixture(t, model, nil)
	conv := f.open(t)

	now := time.Now().UTC()
	f.store.setUpdatedAt(conv.ID, now.Add(-25*time.Hour))

	if count, err := f.engine.ExpireStaleConversations(f.ctx, now); err != nil || count != 1 {
		t.Fatalf("first run: count=%d err=%v", count, err)
	}
	if count, err := f.engine.ExpireStaleConversations(f.ctx, now); err != nil || count != 0 {
		t.Fatalf("second run must be a no-op: count=%d err=%v", count, err)
	}
}
