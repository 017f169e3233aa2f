package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Yaoaoin/snlite/internal/logger"
	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// OpenAICompatClient serves local runtimes that expose an OpenAI-style /v1
// endpoint (llama.cpp server, vllm, LM Studio). These backends stream
// content only; they carry no native thinking channel.
type OpenAICompatClient struct {
	name    string
	baseURL string
	apiKey  string
	client  *openai.Client
}

// NewOpenAICompatClient creates a client for the given /v1 base URL. The
// api key may be empty for local runtimes that do not check it.
func NewOpenAICompatClient(name, baseURL, apiKey string) *OpenAICompatClient {
	if name == "" {
		name = "openai-compatible"
	}
	return &OpenAICompatClient{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// Name returns the configured provider name.
func (c *OpenAICompatClient) Name() string {
	return c.name
}

// initializeClientIfNeeded initializes the SDK client lazily.
func (c *OpenAICompatClient) initializeClientIfNeeded() error {
	if c.client != nil {
		return nil
	}
	if c.baseURL == "" {
		return fmt.Errorf("openai-compatible base URL not configured")
	}

	opts := []option.RequestOption{option.WithBaseURL(c.baseURL)}
	if c.apiKey != "" {
		opts = append(opts, option.WithAPIKey(c.apiKey))
	} else {
		// The SDK insists on some key even when the server ignores it.
		opts = append(opts, option.WithAPIKey("none"))
	}
	client := openai.NewClient(opts...)
	c.client = &client

	logger.Debug("OpenAI-compatible client initialized", "provider", c.name, "base_url", c.baseURL)
	return nil
}

// ListModels enumerates models via GET /models.
func (c *OpenAICompatClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if err := c.initializeClientIfNeeded(); err != nil {
		return nil, err
	}

	page, err := c.client.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models failed: %w", err)
	}

	var out []ModelInfo
	for _, m := range page.Data {
		out = append(out, ModelInfo{ID: m.ID, Name: m.ID})
	}
	return out, nil
}

// Load is a no-op for OpenAI-compatible runtimes; the server decides what
// is resident. Returns metadata for the registry state.
func (c *OpenAICompatClient) Load(_ context.Context, modelID string, _ map[string]any) (map[string]any, error) {
	if err := c.initializeClientIfNeeded(); err != nil {
		return nil, err
	}
	return map[string]any{"provider": c.name, "model_id": modelID, "base_url": c.baseURL}, nil
}

// Unload is a no-op.
func (c *OpenAICompatClient) Unload(_ context.Context) error {
	return nil
}

// Chat performs a non-streaming completion.
func (c *OpenAICompatClient) Chat(ctx context.Context, modelID string, messages []ChatMessage, params map[string]any) (string, error) {
	if err := c.initializeClientIfNeeded(); err != nil {
		return "", err
	}

	completionParams := c.buildParams(modelID, messages, params)
	completion, err := c.client.Chat.Completions.New(ctx, completionParams)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

// StreamChat performs a streaming completion. Deltas map to content chunks;
// thinking is always empty for this provider.
func (c *OpenAICompatClient) StreamChat(ctx context.Context, modelID string, messages []ChatMessage, params map[string]any) (<-chan chattypes.StreamChunk, error) {
	if err := c.initializeClientIfNeeded(); err != nil {
		return nil, err
	}

	completionParams := c.buildParams(modelID, messages, params)
	stream := c.client.Chat.Completions.NewStreaming(ctx, completionParams)

	chunks := make(chan chattypes.StreamChunk, 16)
	go func() {
		defer close(chunks)
		defer func() { _ = stream.Close() }()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case chunks <- chattypes.StreamChunk{Content: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			select {
			case chunks <- chattypes.StreamChunk{Err: fmt.Errorf("stream failed: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, nil
}

// buildParams converts messages and generation parameters to SDK params.
func (c *OpenAICompatClient) buildParams(modelID string, messages []ChatMessage, params map[string]any) openai.ChatCompletionNewParams {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chattypes.RoleUser:
			converted = append(converted, openai.UserMessage(msg.Content))
		case chattypes.RoleAssistant:
			converted = append(converted, openai.AssistantMessage(msg.Content))
		case chattypes.RoleSystem:
			converted = append(converted, openai.SystemMessage(msg.Content))
		default:
			continue
		}
	}

	out := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: converted,
	}
	if v, ok := toFloat(params["temperature"]); ok {
		out.Temperature = openai.Float(v)
	}
	if v, ok := toFloat(params["top_p"]); ok {
		out.TopP = openai.Float(v)
	}
	if v, ok := toFloat(params["num_predict"]); ok {
		out.MaxTokens = openai.Int(int64(v))
	}
	return out
}

// toFloat normalizes JSON-decoded numbers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
