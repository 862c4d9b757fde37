package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/lexhq/legal-ai-platform/internal/assistant"
)

// Dev smoke test for the configured model providers: sends a short legal
// conversation through each configured client and prints text, token counts
// and any parsed action proposal.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := assistant.GenerateRequest{
		System: "You are the AI assistant of LexHQ, a legal practice management platform. " +
			"When asked to do something actionable, propose exactly one action block shaped " +
			`<action>{"type":"schedule-deadline","payload":{...}}</action>.`,
		Messages: []assistant.ChatMessage{
			{Role: assistant.RoleUser, Content: "We got the court order in the Meyer case today."},
			{Role: assistant.RoleAssistant, Content: "Noted. The appeal window for an order served today typically runs two weeks. Would you like me to schedule the deadline?"},
			{Role: assistant.RoleUser, Content: "Yes, please schedule the appeal deadline for two weeks from today."},
		},
		MaxTokens: 300,
	}

	fmt.Println("Model provider probe")
	fmt.Println("--------------------")

	geminiKey := os.Getenv("GEMINI_API_KEY")
	if geminiKey == "" {
		fmt.Println("[gemini] skipped (GEMINI_API_KEY not set)")
	} else {
		probeGemini(ctx, geminiKey, req)
	}

	if os.Getenv("BEDROCK_MODEL_ID") == "" {
		fmt.Println("[bedrock] skipped (BEDROCK_MODEL_ID not set)")
	} else {
		fmt.Println("[bedrock] configured; probe it through the API binary (requires AWS credentials)")
	}
}

func probeGemini(ctx context.Context, apiKey string, req assistant.GenerateRequest) {
	modelID := os.Getenv("GEMINI_MODEL_ID")
	if modelID == "" {
		modelID = "gemini-2.5-flash"
	}

	client, err := assistant.NewGeminiModelClient(ctx, apiKey, modelID)
	if err != nil {
		fmt.Printf("[gemini] failed to create client: %v\n", err)
		return
	}

	start := time.Now()
	res, err := client.Generate(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		fmt.Printf("[gemini] error: %v\n", err)
		return
	}

	fmt.Printf("[gemini] %s in %v\n", res.Model, elapsed.Round(time.Millisecond))
	fmt.Printf("  text: %s\n", res.Text)
	fmt.Printf("  tokens: in=%d out=%d\n", res.InputTokens, res.OutputTokens)
	if res.Action != nil {
		fmt.Printf("  proposed action: %s %s\n", res.Action.Type, string(res.Action.Payload))
	} else {
		fmt.Println("  no action proposed")
	}
}
