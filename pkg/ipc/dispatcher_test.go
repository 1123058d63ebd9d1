package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRoutesByChannel(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc("echo", func(ctx context.Context, args []json.RawMessage) (any, error) {
		text, err := DecodeArg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return text, nil
	})

	out, err := d.Dispatch(context.Background(), "echo", []json.RawMessage{json.RawMessage(`"hello"`)})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	assert.True(t, d.HasChannel("echo"))
	assert.False(t, d.HasChannel("nope"))
	assert.Equal(t, []string{"echo"}, d.Channels())
}

func TestDispatcherUnknownChannel(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Dispatch(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownChannel))
}

func TestDecodeArg(t *testing.T) {
	args := []json.RawMessage{
		json.RawMessage(`{"name":"x"}`),
		json.RawMessage(`42`),
	}

	type payload struct {
		Name string `json:"name"`
	}
	p, err := DecodeArg[payload](args, 0)
	require.NoError(t, err)
	assert.Equal(t, "x", p.Name)

	n, err := DecodeArg[int](args, 1)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = DecodeArg[string](args, 2)
	require.Error(t, err, "missing positional argument")

	_, err = DecodeArg[string](args, 1)
	require.Error(t, err, "type mismatch")
}

func TestResponseEnvelopes(t *testing.T) {
	ok := OK(map[string]string{"a": "b"})
	assert.True(t, ok.Success)
	assert.Nil(t, ok.Error)

	fail := Fail("not_found", "workspace missing")
	assert.False(t, fail.Success)
	require.NotNil(t, fail.Error)
	assert.Equal(t, "not_found", fail.Error.Kind)
}

func TestEventFrameRoundTrip(t *testing.T) {
	frame, err := NewEventFrame(StreamChannelChat, "ws-1", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, FrameEvent, frame.Type)
	assert.Equal(t, "ws-1", frame.WorkspaceID)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "v", payload["k"])
}
