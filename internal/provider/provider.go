// Package provider contains the backend clients the orchestrator streams
// from. Every client turns one chat request into a lazy sequence of
// thinking/content deltas and also exposes model listing plus a
// non-streaming chat used for title generation.
package provider

import (
	"context"

	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// ModelInfo identifies one model offered by a provider.
type ModelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatMessage is the backend-facing message format. Images are base64
// payloads attached to the final user message; they are never persisted.
type ChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Client is the interface every backend provider implements. StreamChat
// returns a channel of deltas which is closed when the backend sequence is
// exhausted; a chunk with Err set terminates the stream. Implementations
// must honor ctx cancellation between chunks.
type Client interface {
	// Name returns the provider name used in registry state and routing.
	Name() string

	// ListModels enumerates the models this provider can serve.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Load prepares a model and returns provider-specific metadata.
	Load(ctx context.Context, modelID string, params map[string]any) (map[string]any, error)

	// Unload releases the loaded model. Best-effort.
	Unload(ctx context.Context) error

	// Chat performs a non-streaming completion and returns the final
	// answer content. Used only for title generation.
	Chat(ctx context.Context, modelID string, messages []ChatMessage, params map[string]any) (string, error)

	// StreamChat performs a streaming completion.
	StreamChat(ctx context.Context, modelID string, messages []ChatMessage, params map[string]any) (<-chan chattypes.StreamChunk, error)
}
