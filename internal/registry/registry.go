// Package registry tracks which backend model is loaded and the set of
// in-flight stream cancellation tokens. It is the only structure in the
// server requiring mutual exclusion across concurrent requests: every read
// and write of loaded-model state and the stream map goes through one mutex.
package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/Yaoaoin/snlite/internal/logger"
	"github.com/Yaoaoin/snlite/internal/provider"
	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// streamHandle pairs a stream's context with its cancel function. The
// context is cancelled either by an explicit stop request or by PopStream
// releasing the entry.
type streamHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Registry is the concurrent state machine guarding loaded-model identity,
// load status, and stream cancellation bookkeeping. Exactly one model is
// loaded globally.
type Registry struct {
	mu            sync.Mutex
	status        string
	errText       string
	client        provider.Client
	loaded        *chattypes.LoadedModel
	activeStreams map[string]streamHandle
	log           *log.Logger
}

// New creates an idle registry.
func New() *Registry {
	return &Registry{
		status:        chattypes.StatusIdle,
		activeStreams: make(map[string]streamHandle),
		log:           logger.NewStyledLogger("Registry"),
	}
}

// State returns a point-in-time copy of the registry state.
func (r *Registry) State() chattypes.RegistryState {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := chattypes.RegistryState{Status: r.status, Error: r.errText}
	if r.loaded != nil {
		loaded := *r.loaded
		state.Loaded = &loaded
	}
	return state
}

// Loaded returns the loaded model and its provider client, or ok=false when
// nothing is ready.
func (r *Registry) Loaded() (chattypes.LoadedModel, provider.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != chattypes.StatusReady || r.loaded == nil || r.client == nil {
		return chattypes.LoadedModel{}, nil, false
	}
	return *r.loaded, r.client, true
}

// Client returns the current provider client, or nil when none is set.
func (r *Registry) Client() provider.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

// SetLoading transitions the registry into the loading state.
func (r *Registry) SetLoading() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = chattypes.StatusLoading
	r.errText = ""
}

// SetProviderAndModel records a successful load and transitions to ready.
func (r *Registry) SetProviderAndModel(client provider.Client, providerName, modelID string, meta map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.client = client
	r.loaded = &chattypes.LoadedModel{Provider: providerName, ModelID: modelID, Meta: meta}
	r.status = chattypes.StatusReady
	r.errText = ""
	r.log.Info("Model loaded", "provider", providerName, "model", modelID)
}

// SetError records a failed load attempt.
func (r *Registry) SetError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = chattypes.StatusError
	r.errText = msg
}

// Unload best-effort invokes the provider's unload and always resets the
// registry to idle regardless of its outcome.
func (r *Registry) Unload(ctx context.Context) {
	r.mu.Lock()
	client := r.client
	r.client = nil
	r.loaded = nil
	r.status = chattypes.StatusIdle
	r.errText = ""
	r.mu.Unlock()

	if client != nil {
		if err := client.Unload(ctx); err != nil {
			r.log.Warn("Provider unload failed", "error", err)
		}
	}
}

// NewStream allocates a fresh request id with an associated not-yet-signaled
// cancellation context. PopStream must be called exactly once per NewStream.
func (r *Registry) NewStream() (string, context.Context) {
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.activeStreams[requestID] = streamHandle{ctx: ctx, cancel: cancel}
	r.mu.Unlock()

	return requestID, ctx
}

// CancelStream signals cancellation for the given request id. It returns
// whether the id was known; false means the stream already completed or
// never existed, which is not an error.
func (r *Registry) CancelStream(requestID string) bool {
	r.mu.Lock()
	handle, ok := r.activeStreams[requestID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	handle.cancel()
	logger.StreamOperation(requestID, "cancel")
	return true
}

// IsCancelled is a point-in-time read of the cancellation flag.
func (r *Registry) IsCancelled(requestID string) bool {
	r.mu.Lock()
	handle, ok := r.activeStreams[requestID]
	r.mu.Unlock()

	return ok && handle.ctx.Err() != nil
}

// PopStream removes the bookkeeping entry once a stream has fully
// terminated, releasing its context. Safe to call for unknown ids.
func (r *Registry) PopStream(requestID string) {
	r.mu.Lock()
	handle, ok := r.activeStreams[requestID]
	delete(r.activeStreams, requestID)
	r.mu.Unlock()

	if ok {
		handle.cancel()
	}
}

// ActiveStreamCount reports how many streams are currently tracked.
func (r *Registry) ActiveStreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.activeStreams)
}
