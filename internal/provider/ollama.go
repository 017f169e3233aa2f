package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Yaoaoin/snlite/internal/logger"
	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// OllamaClient talks to a local Ollama server over its native HTTP API.
// Streaming responses arrive as newline-delimited JSON objects; a single
// object may carry both a thinking delta and a content delta.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// ollamaChatRequest is the payload for POST /api/chat.
type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
	Think    any            `json:"think,omitempty"`
}

// ollamaChatResponse is one object of the /api/chat response stream (or the
// whole body when stream=false).
type ollamaChatResponse struct {
	Message struct {
		Role     string `json:"role"`
		Thinking string `json:"thinking"`
		Content  string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// ollamaTagsResponse is the body of GET /api/tags.
type ollamaTagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// NewOllamaClient creates a client for the Ollama server at baseURL.
func NewOllamaClient(baseURL string) *OllamaClient {
	return &OllamaClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Name returns the provider name "ollama".
func (c *OllamaClient) Name() string {
	return "ollama"
}

// ListModels enumerates locally available models via GET /api/tags.
func (c *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama tags request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama tags request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}

	out := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		id := m.Name
		if id == "" {
			id = m.Model
		}
		if id == "" {
			continue
		}
		out = append(out, ModelInfo{ID: id, Name: id})
	}
	return out, nil
}

// Load is effectively a no-op for Ollama local models; the first chat call
// loads the weights. Returns metadata for the registry state.
func (c *OllamaClient) Load(_ context.Context, modelID string, _ map[string]any) (map[string]any, error) {
	return map[string]any{"provider": "ollama", "model_id": modelID}, nil
}

// Unload is a no-op; Ollama has no explicit unload in common usage.
func (c *OllamaClient) Unload(_ context.Context) error {
	return nil
}

// Chat performs a non-streaming completion and returns the answer content
// (not thinking).
func (c *OllamaClient) Chat(ctx context.Context, modelID string, messages []ChatMessage, params map[string]any) (string, error) {
	payload := ollamaChatRequest{
		Model:    modelID,
		Messages: messages,
		Stream:   false,
		Options:  mapOllamaOptions(params),
	}
	if think, ok := params["think"]; ok {
		payload.Think = think
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama chat request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama chat request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if chatResp.Error != "" {
		return "", fmt.Errorf("ollama error: %s", chatResp.Error)
	}
	return strings.TrimSpace(chatResp.Message.Content), nil
}

// StreamChat performs a streaming completion. The returned channel yields
// one chunk per NDJSON object; thinking and content may both be present in
// one chunk and are forwarded together.
func (c *OllamaClient) StreamChat(ctx context.Context, modelID string, messages []ChatMessage, params map[string]any) (<-chan chattypes.StreamChunk, error) {
	payload := ollamaChatRequest{
		Model:    modelID,
		Messages: messages,
		Stream:   true,
		Options:  mapOllamaOptions(params),
	}
	if think, ok := params["think"]; ok {
		payload.Think = think
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// No client timeout on streaming requests; the model may think for a
	// long while between chunks. Cancellation comes from ctx.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama chat request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("ollama chat request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	chunks := make(chan chattypes.StreamChunk, 16)
	go func() {
		defer close(chunks)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var obj ollamaChatResponse
			if err := json.Unmarshal(line, &obj); err != nil {
				logger.Warn("Skipping malformed ollama stream line", "error", err)
				continue
			}
			if obj.Error != "" {
				c.emit(ctx, chunks, chattypes.StreamChunk{Err: fmt.Errorf("ollama error: %s", obj.Error)})
				return
			}

			if obj.Message.Thinking != "" || obj.Message.Content != "" {
				if !c.emit(ctx, chunks, chattypes.StreamChunk{
					Thinking: obj.Message.Thinking,
					Content:  obj.Message.Content,
				}) {
					return
				}
			}
			if obj.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.emit(ctx, chunks, chattypes.StreamChunk{Err: fmt.Errorf("read ollama stream: %w", err)})
		}
	}()

	return chunks, nil
}

// emit delivers a chunk unless the stream context is done first.
func (c *OllamaClient) emit(ctx context.Context, chunks chan<- chattypes.StreamChunk, chunk chattypes.StreamChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// mapOllamaOptions maps generation parameters to Ollama options.
func mapOllamaOptions(params map[string]any) map[string]any {
	out := make(map[string]any)
	for _, key := range []string{"temperature", "top_p", "num_predict", "repeat_penalty"} {
		if v, ok := params[key]; ok {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
