package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockModelClient generates assistant turns through the Bedrock Converse
// API.
type BedrockModelClient struct {
	api     bedrockConverseAPI
	modelID string
}

func NewBedrockModelClient(api bedrockConverseAPI, modelID string) *BedrockModelClient {
	if api == nil {
		panic("assistant: bedrock converse client cannot be nil")
	}
	if strings.TrimSpace(modelID) == "" {
		panic("assistant: bedrock model id is required")
	}
	return &BedrockModelClient{api: api, modelID: modelID}
}

var _ ModelClient = (*BedrockModelClient)(nil)

func (c *BedrockModelClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	var systemBlocks []brtypes.SystemContentBlock
	if strings.TrimSpace(req.System) != "" {
		systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: req.System})
	}
	if block := contextBlock(req.Context); block != "" {
		systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: block})
	}

	messages := make([]brtypes.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		switch msg.Role {
		case RoleSystem:
			systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: content})
		case RoleUser:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: content}},
			})
		case RoleAssistant:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: content}},
			})
		default:
			return GenerateResult{}, fmt.Errorf("assistant: unsupported role %q", msg.Role)
		}
	}
	if len(messages) == 0 {
		return GenerateResult{}, errors.New("assistant: bedrock requires at least one message")
	}

	var inference *brtypes.InferenceConfiguration
	if req.MaxTokens > 0 {
		inference = &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}

	out, err := c.api.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(c.modelID),
		System:          systemBlocks,
		Messages:        messages,
		InferenceConfig: inference,
	})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("assistant: bedrock converse: %w", err)
	}

	text, err := bedrockOutputText(out)
	if err != nil {
		return GenerateResult{}, err
	}

	res := GenerateResult{Model: c.modelID}
	clean, block := extractProposal(text)
	res.Text = clean
	applyProposal(&res, block)

	if out.Usage != nil {
		res.InputTokens = intOrZero(out.Usage.InputTokens)
		res.OutputTokens = intOrZero(out.Usage.OutputTokens)
	}
	return res, nil
}

func bedrockOutputText(out *bedrockruntime.ConverseOutput) (string, error) {
	if out == nil {
		return "", errors.New("assistant: bedrock response is nil")
	}
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("assistant: bedrock response did not include a message output")
	}
	if len(msgOut.Value.Content) == 0 {
		return "", errors.New("assistant: bedrock response message was empty")
	}

	var builder strings.Builder
	for _, block := range msgOut.Value.Content {
		if textBlock, ok := block.(*brtypes.ContentBlockMemberText); ok {
			builder.WriteString(textBlock.Value)
		}
	}
	text := builder.String()
	if strings.TrimSpace(text) == "" {
		return "", errors.New("assistant: bedrock response contained no text content blocks")
	}
	return text, nil
}

// contextBlock renders the conversation's accumulated context map as a system
// block so resolved entities survive across turns.
func contextBlock(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}
	var builder strings.Builder
	builder.WriteString("Known context from earlier in this conversation:")
	for _, key := range sortedKeys(ctx) {
		builder.WriteString("\n- ")
		builder.WriteString(key)
		builder.WriteString(": ")
		builder.WriteString(ctx[key])
	}
	return builder.String()
}

func intOrZero(v *int32) int {
	if v == nil {
		return 0
	}
	return int(*v)
}
