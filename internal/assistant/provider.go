package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ModelTier is the capability class of the configured model. Each tier
// carries a latency budget and a price band.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierStandard ModelTier = "standard"
	TierAdvanced ModelTier = "advanced"
)

// ParseTier normalizes a configured tier name, defaulting to standard.
func ParseTier(raw string) ModelTier {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "fast":
		return TierFast
	case "advanced":
		return TierAdvanced
	default:
		return TierStandard
	}
}

// ChatMessage is one transcript entry handed to a model.
type ChatMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// GenerateRequest carries the conversation context for one assistant turn.
type GenerateRequest struct {
	System    string
	Messages  []ChatMessage
	Context   map[string]string
	MaxTokens int
}

// ProposedAction is the structured side-effect suggestion a model may attach
// to its reply.
type ProposedAction struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// GenerateResult is one assistant turn as produced by a provider adapter.
type GenerateResult struct {
	Text         string
	Intent       string
	Confidence   float64
	Action       *ProposedAction
	Model        string
	InputTokens  int
	OutputTokens int
}

// ModelClient is the opaque "generate an assistant turn" capability. Provider
// adapters implement it; the engine never talks to a provider directly.
type ModelClient interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// BudgetedClient enforces a tier's latency budget on every generate call.
// Budget exhaustion cancels the call and surfaces ErrModelTimeout; the caller
// still records a usage entry for the attempt.
type BudgetedClient struct {
	inner  ModelClient
	tier   ModelTier
	budget time.Duration
}

func NewBudgetedClient(inner ModelClient, tier ModelTier, budget time.Duration) *BudgetedClient {
	if inner == nil {
		panic("assistant: model client cannot be nil")
	}
	if budget <= 0 {
		panic("assistant: budget must be positive")
	}
	return &BudgetedClient{inner: inner, tier: tier, budget: budget}
}

// Tier returns the tier this client runs at.
func (c *BudgetedClient) Tier() ModelTier {
	return c.tier
}

func (c *BudgetedClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	res, err := c.inner.Generate(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return res, fmt.Errorf("%w: tier %s budget %s", ErrModelTimeout, c.tier, c.budget)
	}
	return res, err
}

const (
	actionBlockOpen  = "<action>"
	actionBlockClose = "</action>"
)

// proposalBlock is the JSON the model emits inside an <action> block.
type proposalBlock struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Intent     string          `json:"intent"`
	Confidence float64         `json:"confidence"`
}

// extractProposal splits an optional trailing <action>{...}</action> block
// out of a completion. A malformed block is dropped and the raw text kept, so
// a confused model degrades to plain chat instead of an error.
func extractProposal(text string) (string, *proposalBlock) {
	open := strings.LastIndex(text, actionBlockOpen)
	if open < 0 {
		return strings.TrimSpace(text), nil
	}
	rest := text[open+len(actionBlockOpen):]
	closeIdx := strings.Index(rest, actionBlockClose)
	if closeIdx < 0 {
		return strings.TrimSpace(text), nil
	}

	var block proposalBlock
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:closeIdx])), &block); err != nil || block.Type == "" {
		return strings.TrimSpace(text), nil
	}

	clean := text[:open] + rest[closeIdx+len(actionBlockClose):]
	return strings.TrimSpace(clean), &block
}

// applyProposal copies a parsed block onto a result.
func applyProposal(res *GenerateResult, block *proposalBlock) {
	if block == nil {
		return
	}
	res.Intent = block.Intent
	res.Confidence = block.Confidence
	payload := block.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	res.Action = &ProposedAction{Type: block.Type, Payload: payload}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
