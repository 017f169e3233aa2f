// Package orchestrator drives one chat turn end to end: it persists the user
// message, streams the backend response as a sequence of events, and commits
// the assistant message to the session store exactly once when the stream
// reaches a terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Yaoaoin/snlite/internal/extract"
	"github.com/Yaoaoin/snlite/internal/logger"
	"github.com/Yaoaoin/snlite/internal/provider"
	"github.com/Yaoaoin/snlite/internal/registry"
	"github.com/Yaoaoin/snlite/internal/store"
	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// Retry modes accepted by RegenerateTurn.
const (
	RetryKeepParams   = "keep_params"
	RetryCleanContext = "clean_context"
)

// ErrNoModel is returned when a turn is requested with nothing loaded.
var ErrNoModel = errors.New("no model loaded")

// TurnRequest describes one chat turn to stream.
type TurnRequest struct {
	SessionID  string
	UserText   string
	SystemText string
	Params     map[string]any
	ThinkMode  string
	ShowTrace  bool
	Images     []string
	ImageName  string
	Files      []extract.FilePayload
}

// RegenerateRequest asks for the last assistant message to be replaced.
type RegenerateRequest struct {
	SessionID  string
	RetryMode  string
	SystemText string
	Params     map[string]any
	ThinkMode  string
	ShowTrace  bool
}

// Orchestrator coordinates the store, the model registry, and the backend
// client for streaming turns.
type Orchestrator struct {
	store *store.Store
	reg   *registry.Registry
	log   *log.Logger
}

// New creates an orchestrator over the given store and registry.
func New(st *store.Store, reg *registry.Registry) *Orchestrator {
	return &Orchestrator{
		store: st,
		reg:   reg,
		log:   logger.NewStyledLogger("Orchestrator"),
	}
}

// turn is the resolved, validated input to the streaming goroutine.
type turn struct {
	sessionID   string
	title       string
	firstUser   string
	messages    []provider.ChatMessage
	params      map[string]any
	thinkMode   string
	showTrace   bool
	extractMeta *extract.Meta
	client      provider.Client
	modelID     string
}

// StreamTurn validates the request, persists the user message, and returns
// the event channel for the streamed response. Validation problems surface
// as an error before any event is produced; once a channel is returned it
// always ends with exactly one done event.
func (o *Orchestrator) StreamTurn(ctx context.Context, req TurnRequest) (<-chan chattypes.Event, error) {
	if strings.TrimSpace(req.UserText) == "" && len(req.Files) == 0 && len(req.Images) == 0 {
		return nil, fmt.Errorf("empty message: %w", store.ErrValidation)
	}

	sess, err := o.store.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	loaded, client, ok := o.reg.Loaded()
	if !ok {
		return nil, ErrNoModel
	}

	extracted, err := extract.Extract(req.Files)
	if err != nil {
		return nil, err
	}

	// Stored content shows the user text plus one-line attachment markers;
	// the full extracted excerpts travel only in the prompt.
	prompt := req.UserText
	if extracted.Injected != "" {
		prompt = strings.TrimSpace(req.UserText + "\n\n" + extracted.Injected)
	}

	var markers []string
	if len(req.Images) > 0 {
		name := strings.TrimSpace(req.ImageName)
		if name == "" {
			name = "image"
		}
		markers = append(markers, "[Image] "+name)
	}
	markers = append(markers, extracted.Markers...)

	// Markers lead, matching the on-disk layout session renderers expect.
	storedContent := req.UserText
	if len(markers) > 0 {
		storedContent = strings.TrimSpace(strings.Join(markers, "\n") + "\n\n" + req.UserText)
	}

	userMeta := map[string]any{
		"prompt":     prompt,
		"think_mode": req.ThinkMode,
		"has_images": len(req.Images) > 0,
	}
	if req.SystemText != "" {
		userMeta["system_text"] = req.SystemText
	}
	if len(req.Params) > 0 {
		userMeta["params"] = req.Params
	}
	if len(extracted.Meta.Files) > 0 {
		userMeta["file_extract"] = extracted.Meta
	}

	sess, err = o.store.AppendMessage(req.SessionID, chattypes.Message{
		Role:    chattypes.RoleUser,
		Content: storedContent,
		Meta:    userMeta,
	})
	if err != nil {
		return nil, err
	}

	messages := buildMessages(sess, req.SystemText)
	if len(req.Images) > 0 {
		messages[len(messages)-1].Images = req.Images
	}

	t := turn{
		sessionID: req.SessionID,
		title:     sess.Title,
		firstUser: firstUserText(sess),
		messages:  messages,
		params:    req.Params,
		thinkMode: req.ThinkMode,
		showTrace: req.ShowTrace,
		client:    client,
		modelID:   loaded.ModelID,
	}
	if len(extracted.Meta.Files) > 0 {
		meta := extracted.Meta
		t.extractMeta = &meta
	}
	return o.start(ctx, t), nil
}

// RegenerateTurn pops the last assistant message and streams a replacement.
// The session must end with an assistant message preceded by a user message,
// and that user turn must not carry images (image bytes are not persisted,
// so the prompt cannot be rebuilt).
func (o *Orchestrator) RegenerateTurn(ctx context.Context, req RegenerateRequest) (<-chan chattypes.Event, error) {
	switch req.RetryMode {
	case "", RetryKeepParams, RetryCleanContext:
	default:
		return nil, fmt.Errorf("unknown retry_mode %q: %w", req.RetryMode, store.ErrValidation)
	}

	sess, err := o.store.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	loaded, client, ok := o.reg.Loaded()
	if !ok {
		return nil, ErrNoModel
	}

	n := len(sess.Messages)
	if n < 2 || sess.Messages[n-1].Role != chattypes.RoleAssistant || sess.Messages[n-2].Role != chattypes.RoleUser {
		return nil, fmt.Errorf("session does not end with a user/assistant pair: %w", store.ErrValidation)
	}
	userMsg := sess.Messages[n-2]
	if hasImages, _ := userMsg.Meta["has_images"].(bool); hasImages {
		return nil, fmt.Errorf("cannot regenerate a turn with image attachments: %w", store.ErrValidation)
	}

	// Both retry modes replay the stored turn settings; the request values
	// only fill gaps. Retry modes differ solely in how much history is sent.
	params := req.Params
	thinkMode := req.ThinkMode
	systemText := req.SystemText
	if stored, ok := userMsg.Meta["params"].(map[string]any); ok {
		params = stored
	}
	if stored, ok := userMsg.Meta["think_mode"].(string); ok && stored != "" {
		thinkMode = stored
	}
	if stored, ok := userMsg.Meta["system_text"].(string); ok {
		systemText = stored
	}

	sess, err = o.store.TruncateMessages(req.SessionID, n-1)
	if err != nil {
		return nil, err
	}

	history := sess
	if req.RetryMode == RetryCleanContext {
		// Replay only the final user turn, dropping earlier context.
		history = chattypes.Session{Messages: []chattypes.Message{userMsg}}
	}

	t := turn{
		sessionID: req.SessionID,
		title:     sess.Title,
		firstUser: firstUserText(sess),
		messages:  buildMessages(history, systemText),
		params:    params,
		thinkMode: thinkMode,
		showTrace: req.ShowTrace,
		client:    client,
		modelID:   loaded.ModelID,
	}
	return o.start(ctx, t), nil
}

// start allocates the stream id and launches the streaming goroutine.
func (o *Orchestrator) start(transport context.Context, t turn) <-chan chattypes.Event {
	requestID, streamCtx := o.reg.NewStream()
	events := make(chan chattypes.Event, 32)
	go o.run(transport, streamCtx, requestID, t, events)
	return events
}

// run executes one streamed turn. It always closes the event channel after
// emitting exactly one done event, always releases the stream id, and
// commits the assistant message (partial content included) exactly once.
func (o *Orchestrator) run(transport, streamCtx context.Context, requestID string, t turn, events chan<- chattypes.Event) {
	defer close(events)
	defer o.reg.PopStream(requestID)

	start := time.Now()
	clientGone := false
	emit := func(ev chattypes.Event) bool {
		if clientGone {
			return false
		}
		select {
		case events <- ev:
			return true
		case <-transport.Done():
			clientGone = true
			return false
		}
	}

	emit(chattypes.Event{Type: chattypes.EventMeta, Payload: chattypes.MetaPayload{RequestID: requestID}})
	if t.extractMeta != nil {
		emit(chattypes.Event{Type: chattypes.EventRequestMeta, Payload: map[string]any{"file_extract": *t.extractMeta}})
	}

	params := make(map[string]any, len(t.params)+1)
	for k, v := range t.params {
		params[k] = v
	}
	if think, ok := ResolveThink(t.thinkMode, t.modelID); ok {
		params["think"] = think
	}

	var thinking, content strings.Builder
	sawContent := false
	finish := chattypes.FinishCompleted
	var errText *string

	logger.StreamOperation(requestID, "start", "session", t.sessionID, "model", t.modelID)

	chunks, err := t.client.StreamChat(streamCtx, t.modelID, t.messages, params)
	if err != nil {
		finish = chattypes.FinishFailed
		msg := err.Error()
		errText = &msg
		emit(chattypes.Event{Type: chattypes.EventError, Payload: chattypes.ErrorPayload{Error: msg}})
	} else {
		stage := ""
		for chunk := range chunks {
			if chunk.Err != nil {
				finish = chattypes.FinishFailed
				msg := chunk.Err.Error()
				errText = &msg
				emit(chattypes.Event{Type: chattypes.EventError, Payload: chattypes.ErrorPayload{Error: msg}})
				break
			}

			// A chunk may carry thinking and content together; each part
			// advances the stage machine independently.
			if chunk.Thinking != "" {
				if stage != chattypes.StageThinking {
					stage = chattypes.StageThinking
					// Stage is tracked regardless, but a hidden trace also
					// hides its status transition.
					if t.showTrace {
						emit(chattypes.Event{Type: chattypes.EventStatus, Payload: chattypes.StatusPayload{Stage: stage}})
					}
				}
				thinking.WriteString(chunk.Thinking)
				if t.showTrace {
					emit(chattypes.Event{Type: chattypes.EventThinking, Payload: chattypes.TokenPayload{Token: chunk.Thinking}})
				}
			}
			if chunk.Content != "" {
				sawContent = true
				if stage != chattypes.StageAnswering {
					stage = chattypes.StageAnswering
					emit(chattypes.Event{Type: chattypes.EventStatus, Payload: chattypes.StatusPayload{Stage: stage}})
				}
				content.WriteString(chunk.Content)
				emit(chattypes.Event{Type: chattypes.EventContent, Payload: chattypes.TokenPayload{Token: chunk.Content}})
			}

			if clientGone {
				// Reader went away; stop the backend and drain.
				o.reg.CancelStream(requestID)
			}
		}
	}

	if finish == chattypes.FinishCompleted {
		switch {
		case streamCtx.Err() != nil:
			finish = chattypes.FinishCancelled
		case !sawContent:
			// No content delta ever arrived. A delivered answer that happens
			// to be whitespace still counts as completed.
			finish = chattypes.FinishInterrupted
		}
	}

	elapsed := time.Since(start).Milliseconds()
	outputChars := len([]rune(content.String()))

	if strings.TrimSpace(content.String()) != "" {
		assistantMeta := map[string]any{
			"finish_reason": finish,
			"elapsed_ms":    elapsed,
			"output_chars":  outputChars,
			"model":         t.modelID,
			"think_mode":    t.thinkMode,
		}
		if errText != nil {
			assistantMeta["error"] = *errText
		}
		if thinking.Len() > 0 {
			assistantMeta["thinking"] = thinking.String()
		}

		if _, err := o.store.AppendMessage(t.sessionID, chattypes.Message{
			Role:    chattypes.RoleAssistant,
			Content: content.String(),
			Meta:    assistantMeta,
		}); err != nil {
			o.log.Error("Failed to persist assistant message", "session", t.sessionID, "error", err)
		}
	}

	if finish == chattypes.FinishCompleted && t.title == chattypes.DefaultTitle && t.firstUser != "" {
		if title := GenerateTitle(context.Background(), t.client, t.modelID, t.firstUser); title != "" {
			if _, err := o.store.Rename(t.sessionID, title); err != nil {
				o.log.Warn("Auto-title rename failed", "session", t.sessionID, "error", err)
			}
		}
	}

	logger.StreamOperation(requestID, "done",
		"finish_reason", finish, "elapsed_ms", elapsed, "output_chars", outputChars)

	done := chattypes.DonePayload{
		Done:         true,
		Cancelled:    finish == chattypes.FinishCancelled,
		FinishReason: finish,
		ElapsedMs:    elapsed,
		OutputChars:  outputChars,
		Error:        errText,
	}
	select {
	case events <- chattypes.Event{Type: chattypes.EventDone, Payload: done}:
	case <-transport.Done():
	}
}

// buildMessages converts the session history into backend chat messages.
// User turns prefer the full prompt recorded in message meta over the
// marker-bearing stored content.
func buildMessages(sess chattypes.Session, systemText string) []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(sess.Messages)+1)
	if strings.TrimSpace(systemText) != "" {
		out = append(out, provider.ChatMessage{Role: chattypes.RoleSystem, Content: systemText})
	}
	for _, msg := range sess.Messages {
		content := msg.Content
		if msg.Role == chattypes.RoleUser {
			if prompt, ok := msg.Meta["prompt"].(string); ok && prompt != "" {
				content = prompt
			}
		}
		out = append(out, provider.ChatMessage{Role: msg.Role, Content: content})
	}
	return out
}

// firstUserText returns the first user message content for title generation.
func firstUserText(sess chattypes.Session) string {
	for _, msg := range sess.Messages {
		if msg.Role == chattypes.RoleUser {
			return msg.Content
		}
	}
	return ""
}
