package session

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmux/cmux/internal/common/config"
	cmuxerrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/common/keyedmutex"
	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/extmeta"
	"github.com/cmux/cmux/internal/history"
	"github.com/cmux/cmux/internal/provider"
	"github.com/cmux/cmux/internal/provider/mock"
	"github.com/cmux/cmux/internal/runtime"
	"github.com/cmux/cmux/internal/tokenizer"
	"github.com/cmux/cmux/internal/tools"
	"github.com/cmux/cmux/pkg/chat"
)

const testWorkspace = "ws-stream-test"

type testEnv struct {
	history  *history.Store
	partials *history.PartialStore
	streams  *StreamManager
	meta     extmeta.Store
	hub      *Hub
	rt       *runtime.Local
	path     string
	log      *logger.Logger
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := newTestLogger(t)
	root := t.TempDir()
	locks := keyedmutex.New()

	hist, err := history.NewStore(filepath.Join(root, "history"), locks, log)
	require.NoError(t, err)
	partials, err := history.NewPartialStore(filepath.Join(root, "partials"), locks, hist, time.Millisecond, log)
	require.NoError(t, err)

	secrets := provider.NewSecrets(filepath.Join(root, "secrets.toml"), log)
	providers := provider.NewRegistry(secrets, config.ProvidersConfig{}, log)
	providers.Register("mock", true, func(string) (provider.Client, error) {
		return mock.New(), nil
	})

	registry, err := tools.NewBuiltinRegistry()
	require.NoError(t, err)

	meta, err := extmeta.NewFileStore(filepath.Join(root, "metadata.json"), locks, log)
	require.NoError(t, err)

	hub := NewHub(log)
	cfg := config.StreamConfig{
		PartialFlushIntervalMs: 1,
		MaxParallelTools:       2,
		MaxSteps:               24,
	}
	streams := NewStreamManager(hist, partials, providers, registry, tools.DefaultModes(), tokenizer.NewService(log), hub, cfg, log)

	rt, err := runtime.NewLocal(root, log)
	require.NoError(t, err)

	return &testEnv{
		history:  hist,
		partials: partials,
		streams:  streams,
		meta:     meta,
		hub:      hub,
		rt:       rt,
		path:     t.TempDir(),
		log:      log,
	}
}

func (e *testEnv) startOptions(model, mode string) StartOptions {
	return StartOptions{
		Model:         model,
		Mode:          mode,
		WorkspacePath: e.path,
		Runtime:       e.rt,
	}
}

// collect drains events until a terminal one or the timeout.
func collect(t *testing.T, sub *Subscription, timeout time.Duration) []chat.Event {
	t.Helper()
	var events []chat.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return events
			}
			events = append(events, ev)
			if ev.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event, got %d events", len(events))
		}
	}
}

func eventTypes(events []chat.Event) []chat.EventType {
	out := make([]chat.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func appendUser(t *testing.T, e *testEnv, text string) chat.Message {
	t.Helper()
	msg, err := e.history.Append(context.Background(), testWorkspace, chat.NewUserMessage("u-"+text, text))
	require.NoError(t, err)
	return msg
}

func TestStreamBasicTurn(t *testing.T) {
	e := newTestEnv(t)
	user := appendUser(t, e, "List 3 programming languages")

	sub := e.hub.Subscribe(testWorkspace)
	defer sub.Close()

	require.NoError(t, e.streams.Start(context.Background(), testWorkspace, e.startOptions("mock:planner", tools.ModePlan)))
	events := collect(t, sub, 5*time.Second)

	assert.Equal(t, []chat.EventType{
		chat.EventStreamStart,
		chat.EventStreamDelta,
		chat.EventStreamDelta,
		chat.EventStreamDelta,
		chat.EventStreamDelta,
		chat.EventStreamEnd,
	}, eventTypes(events))

	assert.Equal(t, "Here are three programming languages:\n", events[1].Delta)
	assert.Equal(t, "1. Python\n", events[2].Delta)
	assert.Equal(t, "2. JavaScript\n", events[3].Delta)
	assert.Equal(t, "3. Rust", events[4].Delta)

	end := events[len(events)-1]
	require.NotNil(t, end.Message)
	require.Len(t, end.Message.Parts, 4, "one part per delta")
	assert.Equal(t, "Here are three programming languages:\n1. Python\n2. JavaScript\n3. Rust", end.Message.TextContent())
	require.NotNil(t, end.Message.Metadata.Usage)
	assert.Positive(t, end.Message.Metadata.Usage.OutputTokens)

	messages, err := e.history.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, user.Metadata.HistorySequence+1, messages[1].Metadata.HistorySequence)
	assert.False(t, messages[1].Metadata.Partial, "clean commit must not be marked partial")
	assert.False(t, provider.RetryEligible(messages, time.Now()))

	partial, err := e.partials.Read(context.Background(), testWorkspace)
	require.NoError(t, err)
	assert.Nil(t, partial, "partial must be cleared on commit")
}

func TestStreamSecondStartFailsWhileActive(t *testing.T) {
	e := newTestEnv(t)
	appendUser(t, e, "tick")

	require.NoError(t, e.streams.Start(context.Background(), testWorkspace, e.startOptions("mock:slow", tools.ModeExec)))
	defer e.streams.Interrupt(context.Background(), testWorkspace)

	err := e.streams.Start(context.Background(), testWorkspace, e.startOptions("mock:planner", tools.ModeExec))
	require.Error(t, err)
	assert.Equal(t, cmuxerrors.KindAlreadyStreaming, cmuxerrors.KindOf(err))
}

func TestStreamInterrupt(t *testing.T) {
	e := newTestEnv(t)
	appendUser(t, e, "go")

	sub := e.hub.Subscribe(testWorkspace)
	defer sub.Close()

	require.NoError(t, e.streams.Start(context.Background(), testWorkspace, e.startOptions("mock:slow", tools.ModeExec)))

	// Let a few deltas through before interrupting.
	var sawDelta bool
	for !sawDelta {
		select {
		case ev := <-sub.C:
			if ev.Type == chat.EventStreamDelta {
				sawDelta = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no delta before interrupt")
		}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.streams.Interrupt(ctx, testWorkspace))
	assert.Less(t, time.Since(start), time.Second, "abort must land within a second")

	events := collect(t, sub, 2*time.Second)
	last := events[len(events)-1]
	assert.Equal(t, chat.EventStreamAbort, last.Type)

	// No further events for the aborted message.
	select {
	case ev, ok := <-sub.C:
		if ok {
			t.Fatalf("unexpected event after abort: %v", ev.Type)
		}
	case <-time.After(200 * time.Millisecond):
	}

	messages, err := e.history.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, messages, 1, "assistant message must not be committed")

	partial, err := e.partials.Read(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.NotNil(t, partial)
	assert.True(t, partial.Metadata.Partial)

	// A second interrupt is a no-op.
	require.NoError(t, e.streams.Interrupt(context.Background(), testWorkspace))
}

func TestStreamToolLoop(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	e := newTestEnv(t)
	appendUser(t, e, "run a command")

	sub := e.hub.Subscribe(testWorkspace)
	defer sub.Close()

	require.NoError(t, e.streams.Start(context.Background(), testWorkspace, e.startOptions("mock:tools", tools.ModeExec)))
	events := collect(t, sub, 10*time.Second)

	types := eventTypes(events)
	assert.Contains(t, types, chat.EventToolCallStart)
	assert.Contains(t, types, chat.EventToolCallEnd)
	assert.Equal(t, chat.EventStreamEnd, types[len(types)-1])

	end := events[len(events)-1]
	require.NotNil(t, end.Message)
	assert.Contains(t, end.Message.TextContent(), "The command has finished.")

	var toolPart *chat.Part
	for i := range end.Message.Parts {
		if end.Message.Parts[i].Type == chat.PartTypeTool {
			toolPart = &end.Message.Parts[i]
		}
	}
	require.NotNil(t, toolPart)
	assert.Equal(t, chat.ToolStateOutputAvailable, toolPart.State)
	assert.Contains(t, string(toolPart.Output), "hello")
}

func TestStreamErrorKeepsPartial(t *testing.T) {
	e := newTestEnv(t)
	appendUser(t, e, "fail please")

	sub := e.hub.Subscribe(testWorkspace)
	defer sub.Close()

	require.NoError(t, e.streams.Start(context.Background(), testWorkspace, e.startOptions("mock:error-authentication", tools.ModeExec)))
	events := collect(t, sub, 5*time.Second)

	last := events[len(events)-1]
	require.Equal(t, chat.EventStreamError, last.Type)
	assert.Equal(t, string(provider.StreamErrAuthentication), last.ErrorType)
	assert.False(t, provider.AutoRetryable(provider.StreamErrorType(last.ErrorType)))

	messages, err := e.history.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestStreamCommitConflictSurfacesError(t *testing.T) {
	e := newTestEnv(t)
	appendUser(t, e, "tick away")

	sub := e.hub.Subscribe(testWorkspace)
	defer sub.Close()

	require.NoError(t, e.streams.Start(context.Background(), testWorkspace, e.startOptions("mock:slow", tools.ModeExec)))

	var sawDelta bool
	for !sawDelta {
		select {
		case ev := <-sub.C:
			if ev.Type == chat.EventStreamDelta {
				sawDelta = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no delta before conflicting append")
		}
	}

	// A concurrent append invalidates the sequence the stream reserved,
	// so the commit must fail and surface as stream-error.
	appendUser(t, e, "jumped the queue")

	events := collect(t, sub, 10*time.Second)
	last := events[len(events)-1]
	require.Equal(t, chat.EventStreamError, last.Type, "commit failure must not emit stream-end")

	messages, err := e.history.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, messages, 2, "assistant message must not be committed")

	partial, err := e.partials.Read(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.NotNil(t, partial, "partial must survive a failed commit")
	assert.True(t, partial.Metadata.Partial)
}

func TestStreamReplaySubscription(t *testing.T) {
	e := newTestEnv(t)
	appendUser(t, e, "slow roll")

	require.NoError(t, e.streams.Start(context.Background(), testWorkspace, e.startOptions("mock:slow", tools.ModeExec)))
	defer e.streams.Interrupt(context.Background(), testWorkspace)

	// Give the stream time to emit a few events before subscribing.
	time.Sleep(100 * time.Millisecond)

	sub, replay := e.streams.Subscribe(testWorkspace)
	defer sub.Close()

	require.NotEmpty(t, replay)
	assert.Equal(t, chat.EventStreamStart, replay[0].Type)

	// Live events continue after the snapshot with no duplicate deltas:
	// the delta text over replay+live matches the persisted partial.
	require.NoError(t, e.streams.Interrupt(context.Background(), testWorkspace))
	live := collect(t, sub, 2*time.Second)
	assert.Equal(t, chat.EventStreamAbort, live[len(live)-1].Type)

	var combined string
	for _, ev := range append(replay, live...) {
		if ev.Type == chat.EventStreamDelta {
			combined += ev.Delta
		}
	}
	partial, err := e.partials.Read(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.NotNil(t, partial)
	assert.Equal(t, partial.TextContent(), combined)
}

func TestStreamUnknownModeRejected(t *testing.T) {
	e := newTestEnv(t)
	err := e.streams.Start(context.Background(), testWorkspace, e.startOptions("mock:planner", "turbo"))
	require.Error(t, err)
	assert.Equal(t, cmuxerrors.KindInvalidArgument, cmuxerrors.KindOf(err))
}

func TestStreamUnknownProviderRejected(t *testing.T) {
	e := newTestEnv(t)
	err := e.streams.Start(context.Background(), testWorkspace, e.startOptions("nope:model", tools.ModeExec))
	require.Error(t, err)
	assert.Equal(t, cmuxerrors.KindProviderNotSupported, cmuxerrors.KindOf(err))
}
