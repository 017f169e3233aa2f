package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yaoaoin/snlite/internal/orchestrator"
	"github.com/Yaoaoin/snlite/internal/provider"
	"github.com/Yaoaoin/snlite/internal/registry"
	"github.com/Yaoaoin/snlite/internal/store"
	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// fakeBackend is a scripted provider client for handler tests.
type fakeBackend struct {
	chunks    []chattypes.StreamChunk
	chatReply string
	loadErr   error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	return []provider.ModelInfo{{ID: "fake-model", Name: "fake-model"}}, nil
}

func (f *fakeBackend) Load(_ context.Context, modelID string, _ map[string]any) (map[string]any, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return map[string]any{"model_id": modelID}, nil
}

func (f *fakeBackend) Unload(_ context.Context) error { return nil }

func (f *fakeBackend) Chat(_ context.Context, _ string, _ []provider.ChatMessage, _ map[string]any) (string, error) {
	return f.chatReply, nil
}

func (f *fakeBackend) StreamChat(ctx context.Context, _ string, _ []provider.ChatMessage, _ map[string]any) (<-chan chattypes.StreamChunk, error) {
	out := make(chan chattypes.StreamChunk)
	go func() {
		defer close(out)
		for _, chunk := range f.chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type testEnv struct {
	srv     *httptest.Server
	store   *store.Store
	reg     *registry.Registry
	backend *fakeBackend
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	backend := &fakeBackend{
		chunks:    []chattypes.StreamChunk{{Thinking: "mull"}, {Content: "Hi"}},
		chatReply: "Test Title",
	}
	reg := registry.New()
	orch := orchestrator.New(st, reg)
	s := New(st, reg, orch, map[string]provider.Client{"fake": backend})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, reg: reg, backend: backend}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/sessions", map[string]string{"title": "Plans"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeJSON[chattypes.Session](t, resp)
	assert.Equal(t, "Plans", created.Title)
	assert.Equal(t, chattypes.DefaultGroup, created.Group)

	resp = env.do(t, http.MethodGet, "/api/sessions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decodeJSON[chattypes.Session](t, resp)
	assert.Equal(t, created.ID, fetched.ID)

	resp = env.do(t, http.MethodPatch, "/api/sessions/"+created.ID, map[string]string{"title": "Travel Plans", "group": "trips"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	patched := decodeJSON[chattypes.Session](t, resp)
	assert.Equal(t, "Travel Plans", patched.Title)
	assert.Equal(t, "trips", patched.Group)

	resp = env.do(t, http.MethodGet, "/api/sessions", nil)
	listed := decodeJSON[map[string][]chattypes.SessionSummary](t, resp)
	require.Len(t, listed["sessions"], 1)

	resp = env.do(t, http.MethodDelete, "/api/sessions/"+created.ID+"/hard", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSessionValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	created := decodeJSON[chattypes.Session](t, env.do(t, http.MethodPost, "/api/sessions", nil))

	resp = env.do(t, http.MethodPatch, "/api/sessions/"+created.ID, map[string]string{"title": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodPatch, "/api/sessions/"+created.ID, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestArchiveFlow(t *testing.T) {
	env := newTestEnv(t)
	created := decodeJSON[chattypes.Session](t, env.do(t, http.MethodPost, "/api/sessions", map[string]string{"title": "Keep"}))

	resp := env.do(t, http.MethodDelete, "/api/sessions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decodeJSON[chattypes.ArchiveSummary](t, resp)
	assert.Equal(t, created.ID, summary.SessionID)

	resp = env.do(t, http.MethodGet, "/api/sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	listed := decodeJSON[map[string][]chattypes.ArchiveSummary](t, env.do(t, http.MethodGet, "/api/archives", nil))
	require.Len(t, listed["archives"], 1)

	archive := decodeJSON[chattypes.Archive](t, env.do(t, http.MethodGet, "/api/archives/"+summary.ID, nil))
	assert.Equal(t, "Keep", archive.Title)

	resp = env.do(t, http.MethodDelete, "/api/archives/"+summary.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/archives/"+summary.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestExportEndpoints(t *testing.T) {
	env := newTestEnv(t)
	created := decodeJSON[chattypes.Session](t, env.do(t, http.MethodPost, "/api/sessions", map[string]string{"title": "Notes"}))
	_, err := env.store.AppendMessage(created.ID, chattypes.Message{Role: chattypes.RoleUser, Content: "hello"})
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/api/sessions/"+created.ID+"/export.md", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/markdown")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "# Notes")
	assert.Contains(t, string(body), "## User")

	exported := decodeJSON[chattypes.Session](t, env.do(t, http.MethodGet, "/api/sessions/"+created.ID+"/export.json", nil))
	require.Len(t, exported.Messages, 1)

	all := decodeJSON[map[string][]chattypes.Session](t, env.do(t, http.MethodGet, "/api/export/sessions.json", nil))
	require.Len(t, all["sessions"], 1)
}

func TestImportAndCompact(t *testing.T) {
	env := newTestEnv(t)

	payload := map[string]any{
		"mode": "append",
		"sessions": []chattypes.Session{
			{ID: "imported-1", Title: "Old", CreatedAt: 100, UpdatedAt: 100},
		},
	}
	stats := decodeJSON[chattypes.ImportStats](t, env.do(t, http.MethodPost, "/api/sessions/import.json", payload))
	assert.Equal(t, 1, stats.Imported)
	assert.Equal(t, 0, stats.Skipped)

	resp := env.do(t, http.MethodPost, "/api/sessions/import.json", map[string]any{"mode": "sideways"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	compacted := decodeJSON[chattypes.CompactStats](t, env.do(t, http.MethodPost, "/api/sessions/compact", nil))
	assert.Equal(t, 1, compacted.After)
}

func TestModelEndpoints(t *testing.T) {
	env := newTestEnv(t)

	state := decodeJSON[map[string]any](t, env.do(t, http.MethodGet, "/api/models", nil))
	providers := state["providers"].(map[string]any)
	require.Contains(t, providers, "fake")

	resp := env.do(t, http.MethodPost, "/api/models/load", map[string]string{"provider": "nope", "model_id": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/models/load", map[string]string{"provider": "fake"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	loaded := decodeJSON[chattypes.RegistryState](t, env.do(t, http.MethodPost, "/api/models/load", map[string]string{"provider": "fake", "model_id": "fake-model"}))
	assert.Equal(t, chattypes.StatusReady, loaded.Status)
	require.NotNil(t, loaded.Loaded)
	assert.Equal(t, "fake-model", loaded.Loaded.ModelID)

	unloaded := decodeJSON[chattypes.RegistryState](t, env.do(t, http.MethodPost, "/api/models/unload", nil))
	assert.Equal(t, chattypes.StatusIdle, unloaded.Status)
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	Type string
	Data map[string]any
}

func parseSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var out []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.Data))
		case line == "":
			if current.Type != "" {
				out = append(out, current)
				current = sseEvent{}
			}
		}
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestChatStream(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/models/load", map[string]string{"provider": "fake", "model_id": "fake-model"})
	_ = resp.Body.Close()

	created := decodeJSON[chattypes.Session](t, env.do(t, http.MethodPost, "/api/sessions", nil))

	resp = env.do(t, http.MethodPost, "/api/chat/stream", map[string]any{
		"session_id": created.ID,
		"message":    "hello",
		"show_trace": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := parseSSE(t, resp.Body)
	_ = resp.Body.Close()

	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"meta", "status", "thinking", "status", "content", "done"}, types)

	meta := events[0]
	assert.NotEmpty(t, meta.Data["request_id"])

	done := events[len(events)-1]
	assert.Equal(t, true, done.Data["done"])
	assert.Equal(t, false, done.Data["cancelled"])
	assert.Equal(t, chattypes.FinishCompleted, done.Data["finish_reason"])
	assert.Equal(t, float64(2), done.Data["output_chars"])
	assert.Nil(t, done.Data["error"])

	// Turn committed and placeholder title replaced.
	after, err := env.store.Get(created.ID)
	require.NoError(t, err)
	require.Len(t, after.Messages, 2)
	assert.Equal(t, "Hi", after.Messages[1].Content)
	assert.Equal(t, "Test Title", after.Title)
}

func TestChatStream_NoModel(t *testing.T) {
	env := newTestEnv(t)
	created := decodeJSON[chattypes.Session](t, env.do(t, http.MethodPost, "/api/sessions", nil))

	resp := env.do(t, http.MethodPost, "/api/chat/stream", map[string]any{
		"session_id": created.ID,
		"message":    "hello",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRegenerateStream(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/models/load", map[string]string{"provider": "fake", "model_id": "fake-model"})
	_ = resp.Body.Close()

	created := decodeJSON[chattypes.Session](t, env.do(t, http.MethodPost, "/api/sessions", map[string]string{"title": "T"}))
	_, err := env.store.AppendMessage(created.ID, chattypes.Message{Role: chattypes.RoleUser, Content: "q", Meta: map[string]any{"prompt": "q"}})
	require.NoError(t, err)
	_, err = env.store.AppendMessage(created.ID, chattypes.Message{Role: chattypes.RoleAssistant, Content: "old"})
	require.NoError(t, err)

	resp = env.do(t, http.MethodPost, "/api/chat/regenerate/stream", map[string]any{
		"session_id": created.ID,
		"retry_mode": "keep_params",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := parseSSE(t, resp.Body)
	_ = resp.Body.Close()

	done := events[len(events)-1]
	require.Equal(t, "done", done.Type)
	assert.Equal(t, chattypes.FinishCompleted, done.Data["finish_reason"])

	after, err := env.store.Get(created.ID)
	require.NoError(t, err)
	require.Len(t, after.Messages, 2)
	assert.Equal(t, "Hi", after.Messages[1].Content)
}

func TestChatStop_UnknownRequest(t *testing.T) {
	env := newTestEnv(t)

	out := decodeJSON[map[string]bool](t, env.do(t, http.MethodPost, "/api/chat/stop", map[string]string{"request_id": "ghost"}))
	assert.False(t, out["cancelled"])

	resp := env.do(t, http.MethodPost, "/api/chat/stop", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestFilesInspect(t *testing.T) {
	env := newTestEnv(t)

	payload := map[string]any{
		"files": []map[string]string{
			{"name": "a.txt", "b64": b64("hello world")},
		},
	}
	out := decodeJSON[map[string]any](t, env.do(t, http.MethodPost, "/api/files/inspect", payload))
	meta := out["file_extract"].(map[string]any)
	assert.Equal(t, float64(11), meta["total_chars"])

	tooMany := map[string]any{"files": []map[string]string{
		{"name": "1", "b64": b64("x")}, {"name": "2", "b64": b64("x")},
		{"name": "3", "b64": b64("x")}, {"name": "4", "b64": b64("x")},
	}}
	resp := env.do(t, http.MethodPost, "/api/files/inspect", tooMany)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
