// Package chattypes defines the shared data types for the snlite chat server.
// This file contains the model registry state exposed to the transport.
package chattypes

// Registry status values. Lifecycle: idle -> loading -> {ready | error};
// ready/error -> idle on unload; any -> loading on a new load attempt.
const (
	StatusIdle    = "idle"
	StatusLoading = "loading"
	StatusReady   = "ready"
	StatusError   = "error"
)

// LoadedModel identifies the single globally loaded model.
type LoadedModel struct {
	Provider string         `json:"provider"`
	ModelID  string         `json:"model_id"`
	Meta     map[string]any `json:"meta"`
}

// RegistryState is the point-in-time view of the model registry.
type RegistryState struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	Loaded *LoadedModel `json:"loaded"`
}
