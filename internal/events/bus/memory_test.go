package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmux/cmux/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) handle(_ context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestMemoryBusExactSubject(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	rec := &recorder{}
	_, err := b.Subscribe("workspace.created", rec.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "workspace.created", NewEvent("workspace.created", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "workspace.removed", NewEvent("workspace.removed", "test", nil)))

	assert.Equal(t, 1, rec.count())
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))

	star := &recorder{}
	_, err := b.Subscribe("workspace.*", star.handle)
	require.NoError(t, err)

	arrow := &recorder{}
	_, err = b.Subscribe("workspace.>", arrow.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "workspace.created", NewEvent("workspace.created", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "workspace.meta.updated", NewEvent("workspace.meta.updated", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), "other.subject", NewEvent("other.subject", "test", nil)))

	assert.Equal(t, 1, star.count(), "* matches exactly one token")
	assert.Equal(t, 2, arrow.count(), "> matches any tail")
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	rec := &recorder{}
	sub, err := b.Subscribe("a.b", rec.handle)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "a.b", NewEvent("a.b", "test", nil)))
	assert.Equal(t, 0, rec.count())
}

func TestMemoryBusFailingHandlerDoesNotBlockOthers(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	_, err := b.Subscribe("x", func(context.Context, *Event) error {
		return fmt.Errorf("boom")
	})
	require.NoError(t, err)
	rec := &recorder{}
	_, err = b.Subscribe("x", rec.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	assert.Equal(t, 1, rec.count())
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), "x", NewEvent("x", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("x", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}
