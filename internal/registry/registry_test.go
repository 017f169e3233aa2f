package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yaoaoin/snlite/internal/provider"
	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

type stubClient struct {
	unloadErr    error
	unloadCalled bool
}

func (s *stubClient) Name() string { return "stub" }

func (s *stubClient) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func (s *stubClient) Load(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
	return nil, nil
}

func (s *stubClient) Unload(_ context.Context) error {
	s.unloadCalled = true
	return s.unloadErr
}

func (s *stubClient) Chat(_ context.Context, _ string, _ []provider.ChatMessage, _ map[string]any) (string, error) {
	return "", nil
}

func (s *stubClient) StreamChat(_ context.Context, _ string, _ []provider.ChatMessage, _ map[string]any) (<-chan chattypes.StreamChunk, error) {
	return nil, nil
}

func TestRegistry_LoadLifecycle(t *testing.T) {
	reg := New()

	state := reg.State()
	assert.Equal(t, chattypes.StatusIdle, state.Status)
	_, _, ok := reg.Loaded()
	assert.False(t, ok)

	reg.SetLoading()
	assert.Equal(t, chattypes.StatusLoading, reg.State().Status)
	_, _, ok = reg.Loaded()
	assert.False(t, ok)

	client := &stubClient{}
	reg.SetProviderAndModel(client, "stub", "m1", map[string]any{"k": "v"})
	state = reg.State()
	assert.Equal(t, chattypes.StatusReady, state.Status)
	require.NotNil(t, state.Loaded)
	assert.Equal(t, "m1", state.Loaded.ModelID)

	loaded, gotClient, ok := reg.Loaded()
	require.True(t, ok)
	assert.Equal(t, "stub", loaded.Provider)
	assert.Same(t, client, gotClient)
	assert.Same(t, client, reg.Client())
}

func TestRegistry_SetError(t *testing.T) {
	reg := New()
	reg.SetLoading()
	reg.SetError("weights not found")

	state := reg.State()
	assert.Equal(t, chattypes.StatusError, state.Status)
	assert.Equal(t, "weights not found", state.Error)
	_, _, ok := reg.Loaded()
	assert.False(t, ok)
}

func TestRegistry_UnloadResetsEvenOnError(t *testing.T) {
	client := &stubClient{unloadErr: errors.New("nope")}
	reg := New()
	reg.SetProviderAndModel(client, "stub", "m1", nil)

	reg.Unload(context.Background())

	assert.True(t, client.unloadCalled)
	assert.Equal(t, chattypes.StatusIdle, reg.State().Status)
	assert.Nil(t, reg.Client())
}

func TestRegistry_StreamLifecycle(t *testing.T) {
	reg := New()

	id, ctx := reg.NewStream()
	require.NotEmpty(t, id)
	assert.NotContains(t, id, "-")
	require.NoError(t, ctx.Err())
	assert.Equal(t, 1, reg.ActiveStreamCount())
	assert.False(t, reg.IsCancelled(id))

	require.True(t, reg.CancelStream(id))
	assert.Error(t, ctx.Err())
	assert.True(t, reg.IsCancelled(id))
	// Entry survives cancellation until popped.
	assert.Equal(t, 1, reg.ActiveStreamCount())

	reg.PopStream(id)
	assert.Equal(t, 0, reg.ActiveStreamCount())
	assert.False(t, reg.IsCancelled(id))
	assert.False(t, reg.CancelStream(id))
}

func TestRegistry_PopCancelsContext(t *testing.T) {
	reg := New()
	id, ctx := reg.NewStream()

	reg.PopStream(id)
	assert.Error(t, ctx.Err())

	// Safe on unknown ids.
	reg.PopStream("ghost")
}

func TestRegistry_IndependentStreams(t *testing.T) {
	reg := New()
	id1, ctx1 := reg.NewStream()
	id2, ctx2 := reg.NewStream()
	require.NotEqual(t, id1, id2)

	require.True(t, reg.CancelStream(id1))
	assert.Error(t, ctx1.Err())
	assert.NoError(t, ctx2.Err())

	reg.PopStream(id1)
	reg.PopStream(id2)
	assert.Equal(t, 0, reg.ActiveStreamCount())
}
