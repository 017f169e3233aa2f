package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Yaoaoin/snlite/internal/logger"
	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// anthropicDefaultMaxTokens bounds responses when no num_predict is given.
// The Anthropic API requires an explicit max_tokens on every request.
const anthropicDefaultMaxTokens = 4096

// AnthropicClient streams completions from the Anthropic Messages API.
// Extended thinking maps directly onto the thinking delta channel: a
// thinking_delta event becomes StreamChunk.Thinking, text_delta becomes
// StreamChunk.Content.
type AnthropicClient struct {
	apiKey string
	client *anthropic.Client
}

// NewAnthropicClient creates a client with lazy SDK initialization.
func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{apiKey: apiKey}
}

// Name returns the provider name "anthropic".
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// initializeClientIfNeeded initializes the SDK client lazily.
func (c *AnthropicClient) initializeClientIfNeeded() error {
	if c.client != nil {
		return nil
	}
	if c.apiKey == "" {
		return fmt.Errorf("anthropic API key not configured")
	}
	client := anthropic.NewClient(option.WithAPIKey(c.apiKey))
	c.client = &client
	logger.Debug("Anthropic client initialized")
	return nil
}

// ListModels enumerates available models.
func (c *AnthropicClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if err := c.initializeClientIfNeeded(); err != nil {
		return nil, err
	}

	page, err := c.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, fmt.Errorf("list models failed: %w", err)
	}

	var out []ModelInfo
	for _, m := range page.Data {
		out = append(out, ModelInfo{ID: string(m.ID), Name: m.DisplayName})
	}
	return out, nil
}

// Load validates configuration and returns metadata for the registry state.
// Hosted models have no local load step.
func (c *AnthropicClient) Load(_ context.Context, modelID string, _ map[string]any) (map[string]any, error) {
	if err := c.initializeClientIfNeeded(); err != nil {
		return nil, err
	}
	return map[string]any{"provider": "anthropic", "model_id": modelID}, nil
}

// Unload is a no-op for hosted models.
func (c *AnthropicClient) Unload(_ context.Context) error {
	return nil
}

// Chat performs a non-streaming completion and returns the concatenated
// text blocks (thinking blocks excluded).
func (c *AnthropicClient) Chat(ctx context.Context, modelID string, messages []ChatMessage, params map[string]any) (string, error) {
	if err := c.initializeClientIfNeeded(); err != nil {
		return "", err
	}

	msgParams := c.buildParams(modelID, messages, params)
	message, err := c.client.Messages.New(ctx, msgParams)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var content strings.Builder
	for _, block := range message.Content {
		content.WriteString(block.Text)
	}
	return strings.TrimSpace(content.String()), nil
}

// StreamChat performs a streaming completion with thinking deltas forwarded
// alongside content deltas.
func (c *AnthropicClient) StreamChat(ctx context.Context, modelID string, messages []ChatMessage, params map[string]any) (<-chan chattypes.StreamChunk, error) {
	if err := c.initializeClientIfNeeded(); err != nil {
		return nil, err
	}

	msgParams := c.buildParams(modelID, messages, params)
	stream := c.client.Messages.NewStreaming(ctx, msgParams)

	chunks := make(chan chattypes.StreamChunk, 16)
	go func() {
		defer close(chunks)
		defer func() { _ = stream.Close() }()

		for stream.Next() {
			event := stream.Current()
			deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}

			var chunk chattypes.StreamChunk
			switch delta := deltaEvent.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				chunk.Content = delta.Text
			case anthropic.ThinkingDelta:
				chunk.Thinking = delta.Thinking
			default:
				continue
			}
			if chunk.Thinking == "" && chunk.Content == "" {
				continue
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			select {
			case chunks <- chattypes.StreamChunk{Err: fmt.Errorf("anthropic stream failed: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, nil
}

// buildParams converts messages and generation parameters to SDK params.
// System messages fold into the request-level system prompt.
func (c *AnthropicClient) buildParams(modelID string, messages []ChatMessage, params map[string]any) anthropic.MessageNewParams {
	converted := make([]anthropic.MessageParam, 0, len(messages))
	var systemParts []string
	for _, msg := range messages {
		switch msg.Role {
		case chattypes.RoleUser:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case chattypes.RoleAssistant:
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case chattypes.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		default:
			continue
		}
	}

	maxTokens := int64(anthropicDefaultMaxTokens)
	if v, ok := toFloat(params["num_predict"]); ok && v > 0 {
		maxTokens = int64(v)
	}

	out := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: maxTokens,
		Messages:  converted,
	}
	if len(systemParts) > 0 {
		out.System = []anthropic.TextBlockParam{{Text: strings.Join(systemParts, "\n\n")}}
	}
	if v, ok := toFloat(params["temperature"]); ok {
		out.Temperature = anthropic.Float(v)
	}
	if v, ok := toFloat(params["top_p"]); ok {
		out.TopP = anthropic.Float(v)
	}

	if budget, ok := thinkBudget(params["think"]); ok {
		// Extended thinking requires max_tokens above the budget.
		if maxTokens <= budget {
			out.MaxTokens = budget + anthropicDefaultMaxTokens
		}
		out.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return out
}

// thinkBudget maps a resolved think value onto an extended-thinking token
// budget. Returns ok=false when thinking should stay disabled.
func thinkBudget(think any) (int64, bool) {
	switch v := think.(type) {
	case bool:
		if v {
			return 4096, true
		}
		return 0, false
	case string:
		switch v {
		case "low":
			return 1024, true
		case "medium":
			return 4096, true
		case "high":
			return 8192, true
		}
		return 0, false
	default:
		return 0, false
	}
}
