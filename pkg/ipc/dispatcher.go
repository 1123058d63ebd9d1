package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownChannel reports a request for a channel nothing handles.
var ErrUnknownChannel = errors.New("ipc: unknown channel")

// Handler processes one IPC call. Args are the request's positional
// arguments; the returned value becomes the response data.
type Handler interface {
	Handle(ctx context.Context, args []json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args []json.RawMessage) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, args []json.RawMessage) (any, error) {
	return f(ctx, args)
}

// Dispatcher routes IPC calls to channel handlers. Registration
// happens at wiring time; Dispatch is safe for concurrent use after.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to a channel.
func (d *Dispatcher) Register(channel string, handler Handler) {
	d.handlers[channel] = handler
}

// RegisterFunc binds a handler function to a channel.
func (d *Dispatcher) RegisterFunc(channel string, handler HandlerFunc) {
	d.handlers[channel] = handler
}

// Dispatch invokes the channel's handler.
func (d *Dispatcher) Dispatch(ctx context.Context, channel string, args []json.RawMessage) (any, error) {
	handler, ok := d.handlers[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return handler.Handle(ctx, args)
}

// HasChannel reports whether the channel has a handler.
func (d *Dispatcher) HasChannel(channel string) bool {
	_, ok := d.handlers[channel]
	return ok
}

// Channels lists the registered channels, sorted.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.handlers))
	for ch := range d.handlers {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// DecodeArg unmarshals the positional argument at index i.
func DecodeArg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, fmt.Errorf("ipc: missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, fmt.Errorf("ipc: argument %d: %w", i, err)
	}
	return v, nil
}
