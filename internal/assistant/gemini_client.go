package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiModelClient generates assistant turns through Google's Gemini API.
type GeminiModelClient struct {
	client  *genai.Client
	modelID string
}

func NewGeminiModelClient(ctx context.Context, apiKey, modelID string) (*GeminiModelClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("assistant: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("assistant: create gemini client: %w", err)
	}
	return &GeminiModelClient{client: client, modelID: modelID}, nil
}

var _ ModelClient = (*GeminiModelClient)(nil)

func (c *GeminiModelClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if len(req.Messages) == 0 {
		return GenerateResult{}, errors.New("assistant: gemini requires at least one message")
	}

	model := c.client.GenerativeModel(c.modelID)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	system := req.System
	if block := contextBlock(req.Context); block != "" {
		system = strings.TrimSpace(system + "\n\n" + block)
	}
	if system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}

	cs := model.StartChat()
	for _, msg := range req.Messages[:len(req.Messages)-1] {
		content := strings.TrimSpace(msg.Content)
		if content == "" || msg.Role == RoleSystem {
			continue
		}
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(content)},
		})
	}

	last := req.Messages[len(req.Messages)-1]
	resp, err := cs.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return GenerateResult{}, fmt.Errorf("assistant: gemini generate: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return GenerateResult{}, errors.New("assistant: gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return GenerateResult{}, errors.New("assistant: gemini returned empty content")
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	res := GenerateResult{Model: c.modelID}
	clean, block := extractProposal(text.String())
	res.Text = clean
	applyProposal(&res, block)

	if resp.UsageMetadata != nil {
		res.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		res.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return res, nil
}

// Close releases resources held by the Gemini client.
func (c *GeminiModelClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
