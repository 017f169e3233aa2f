// Package chattypes defines the shared data types for the snlite chat server.
// This file contains the streaming wire contract: backend chunks, stream
// events, and terminal finish reasons.
package chattypes

// StreamChunk is one delta produced by a backend client. Thinking and content
// are not mutually exclusive: a single chunk may carry both and consumers must
// process them independently. Err terminates the stream when set.
type StreamChunk struct {
	Thinking string
	Content  string
	Err      error
}

// Stage values emitted in status events.
const (
	StageThinking  = "thinking"
	StageAnswering = "answering"
)

// FinishReason values reported in the terminal done event.
const (
	FinishCompleted   = "completed"
	FinishCancelled   = "cancelled"
	FinishFailed      = "failed"
	FinishInterrupted = "interrupted"
)

// EventType identifies one event in the per-request stream sequence.
type EventType string

// Event types, in the order they may appear: meta, optional request_meta,
// repeated status/thinking/content, at most one error, exactly one done.
const (
	EventMeta        EventType = "meta"
	EventRequestMeta EventType = "request_meta"
	EventStatus      EventType = "status"
	EventThinking    EventType = "thinking"
	EventContent     EventType = "content"
	EventError       EventType = "error"
	EventDone        EventType = "done"
)

// Event is one element of the directional event sequence for a request.
// Payload marshals to the event's data object on the wire.
type Event struct {
	Type    EventType
	Payload any
}

// MetaPayload opens every stream with the allocated request id.
type MetaPayload struct {
	RequestID string `json:"request_id"`
}

// StatusPayload reports a stage transition.
type StatusPayload struct {
	Stage string `json:"stage"`
}

// TokenPayload carries one thinking or content token.
type TokenPayload struct {
	Token string `json:"token"`
}

// ErrorPayload surfaces a backend failure before the terminal done event.
type ErrorPayload struct {
	Error string `json:"error"`
}

// DonePayload is the single terminal event of every stream.
type DonePayload struct {
	Done         bool    `json:"done"`
	Cancelled    bool    `json:"cancelled"`
	FinishReason string  `json:"finish_reason"`
	ElapsedMs    int64   `json:"elapsed_ms"`
	OutputChars  int     `json:"output_chars"`
	Error        *string `json:"error"`
}
