package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmuxerrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/tokenizer"
	v1 "github.com/cmux/cmux/pkg/api/v1"
	"github.com/cmux/cmux/pkg/chat"
)

type staticResolver struct {
	ref WorkspaceRef
}

func (r staticResolver) ResolveWorkspace(_ context.Context, workspaceID string) (WorkspaceRef, error) {
	if workspaceID != r.ref.ID {
		return WorkspaceRef{}, cmuxerrors.NotFound("workspace", workspaceID)
	}
	return r.ref, nil
}

func newTestSession(t *testing.T, e *testEnv) *AgentSession {
	t.Helper()
	resolver := staticResolver{ref: WorkspaceRef{ID: testWorkspace, Path: e.path, Runtime: e.rt}}
	mgr := NewManager(resolver, e.history, e.partials, e.streams, e.meta, tokenizer.NewService(e.log), e.log)
	s, err := mgr.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	return s
}

// waitIdle blocks until the workspace stream slot is free.
func waitIdle(t *testing.T, e *testEnv) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for e.streams.Streaming(testWorkspace) {
		if time.Now().After(deadline) {
			t.Fatal("stream did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendMessageAppendsAndStreams(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	out, err := s.SendMessage(context.Background(), "List 3 programming languages", SendOptions{Model: "mock:planner"})
	require.NoError(t, err)
	require.NotEmpty(t, out.MessageID)
	waitIdle(t, e)

	messages, err := e.history.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, chat.RoleUser, messages[0].Role)
	assert.Equal(t, chat.RoleAssistant, messages[1].Role)
	assert.Equal(t, messages[0].Metadata.HistorySequence+1, messages[1].Metadata.HistorySequence)

	entry, err := e.meta.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.Streaming, "streaming flag cleared after commit")
	assert.Equal(t, "mock:planner", entry.LastModel)
}

func TestSendMessageRequiresModel(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	_, err := s.SendMessage(context.Background(), "hello", SendOptions{})
	require.Error(t, err)
	assert.Equal(t, cmuxerrors.KindInvalidArgument, cmuxerrors.KindOf(err))
}

func TestSendMessageRejectedWhileStreaming(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	_, err := s.SendMessage(context.Background(), "keep busy", SendOptions{Model: "mock:slow"})
	require.NoError(t, err)
	defer s.InterruptStream(context.Background())

	_, err = s.SendMessage(context.Background(), "too eager", SendOptions{Model: "mock:planner"})
	require.Error(t, err)
	assert.Equal(t, cmuxerrors.KindAlreadyStreaming, cmuxerrors.KindOf(err))

	// The rejected send must not leave a user message behind.
	messages, err := e.history.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "keep busy", messages[0].TextContent())
}

func TestSendMessageCommitsOutstandingPartial(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	// Interrupt a slow stream to leave a partial behind.
	_, err := s.SendMessage(context.Background(), "start", SendOptions{Model: "mock:slow"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.InterruptStream(context.Background()))
	waitIdle(t, e)

	partial, err := e.partials.Read(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.NotNil(t, partial)

	// The next send promotes the partial to history before the new
	// user message.
	_, err = s.SendMessage(context.Background(), "again", SendOptions{Model: "mock:echo"})
	require.NoError(t, err)
	waitIdle(t, e)

	messages, err := e.history.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(messages), 4)
	assert.Equal(t, chat.RoleUser, messages[0].Role)
	assert.Equal(t, chat.RoleAssistant, messages[1].Role)
	assert.Equal(t, partial.ID, messages[1].ID)
	assert.Equal(t, "again", messages[2].TextContent())

	for i := 1; i < len(messages); i++ {
		assert.Greater(t, messages[i].Metadata.HistorySequence, messages[i-1].Metadata.HistorySequence)
	}
}

func TestSendMessageEditTruncatesHistory(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	// Build [U1, A1, U2, A2].
	_, err := s.SendMessage(context.Background(), "first", SendOptions{Model: "mock:echo"})
	require.NoError(t, err)
	waitIdle(t, e)
	_, err = s.SendMessage(context.Background(), "second", SendOptions{Model: "mock:echo"})
	require.NoError(t, err)
	waitIdle(t, e)

	messages, err := e.history.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	u2 := messages[2]

	_, err = s.SendMessage(context.Background(), "replacement", SendOptions{Model: "mock:echo", EditMessageID: u2.ID})
	require.NoError(t, err)
	waitIdle(t, e)

	messages, err = e.history.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "first", messages[0].TextContent())
	assert.NotEqual(t, u2.ID, messages[2].ID, "edited message is replaced")
	assert.Equal(t, "replacement", messages[2].TextContent())
	assert.Equal(t, "replacement", messages[3].TextContent(), "echo model repeats the last user text")
}

func TestSubscribeChatCatchUpProtocol(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	_, err := s.SendMessage(context.Background(), "hello", SendOptions{Model: "mock:echo"})
	require.NoError(t, err)
	waitIdle(t, e)

	prelude, sub, err := s.SubscribeChat(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, prelude, 3)
	assert.Equal(t, chat.EventMessage, prelude[0].Type)
	assert.Equal(t, chat.EventMessage, prelude[1].Type)
	assert.Equal(t, chat.EventCaughtUp, prelude[2].Type)

	seen := make(map[int64]bool)
	for _, ev := range prelude[:2] {
		assert.False(t, seen[ev.HistorySequence], "duplicate history sequence %d", ev.HistorySequence)
		seen[ev.HistorySequence] = true
	}
}

func TestSubscribeChatReplaysActiveStream(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	_, err := s.SendMessage(context.Background(), "go slow", SendOptions{Model: "mock:slow"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	prelude, sub, err := s.SubscribeChat(context.Background())
	require.NoError(t, err)
	defer sub.Close()
	defer s.InterruptStream(context.Background())

	types := eventTypes(prelude)
	require.GreaterOrEqual(t, len(types), 3)
	assert.Equal(t, chat.EventMessage, types[0], "history first")
	assert.Contains(t, types, chat.EventStreamStart, "then active stream replay")
	assert.Equal(t, chat.EventCaughtUp, types[len(types)-1], "caught-up last")

	// The replayed stream's sequence is not duplicated by history.
	historySeq := prelude[0].HistorySequence
	for _, ev := range prelude[1:] {
		if ev.Type == chat.EventStreamStart {
			assert.Greater(t, ev.HistorySequence, historySeq)
		}
	}
}

func TestSubscribeChatSurfacesLonePartial(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	_, err := s.SendMessage(context.Background(), "start", SendOptions{Model: "mock:slow"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, s.InterruptStream(context.Background()))
	waitIdle(t, e)

	prelude, sub, err := s.SubscribeChat(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, prelude, 3)
	assert.Equal(t, chat.EventMessage, prelude[0].Type)
	assert.Equal(t, chat.EventMessage, prelude[1].Type)
	require.NotNil(t, prelude[1].Message)
	assert.True(t, prelude[1].Message.Metadata.Partial)
	assert.Equal(t, chat.EventCaughtUp, prelude[2].Type)
}

func TestResumeStream(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	_, err := s.SendMessage(context.Background(), "start", SendOptions{Model: "mock:slow"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	// Resume while streaming is a no-op.
	require.NoError(t, s.ResumeStream(context.Background(), SendOptions{}))

	require.NoError(t, s.InterruptStream(context.Background()))
	waitIdle(t, e)

	require.NoError(t, s.ResumeStream(context.Background(), SendOptions{Model: "mock:echo"}))
	waitIdle(t, e)

	messages, err := e.history.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	// start + aborted partial (committed on resume) + resumed answer.
	require.Len(t, messages, 3)
	assert.Equal(t, chat.RoleAssistant, messages[2].Role)
}

func TestResumeStreamWithEmptyHistory(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	err := s.ResumeStream(context.Background(), SendOptions{Model: "mock:echo"})
	require.Error(t, err)
	assert.Equal(t, cmuxerrors.KindInvalidArgument, cmuxerrors.KindOf(err))
}

func TestSlashCommandsMutateDefaults(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	out, err := s.SendMessage(context.Background(), "/model mock:echo", SendOptions{})
	require.NoError(t, err)
	require.NotNil(t, out.Command)
	assert.Empty(t, out.MessageID)

	out, err = s.SendMessage(context.Background(), "/thinking high", SendOptions{})
	require.NoError(t, err)
	require.NotNil(t, out.Command)

	out, err = s.SendMessage(context.Background(), "/mode plan", SendOptions{})
	require.NoError(t, err)
	require.NotNil(t, out.Command)

	model, thinking, mode := s.resolveOptions(SendOptions{})
	assert.Equal(t, "mock:echo", model)
	assert.Equal(t, v1.ThinkingHigh, thinking)
	assert.Equal(t, "plan", mode)

	// A plain send now uses the defaults.
	_, err = s.SendMessage(context.Background(), "hello", SendOptions{})
	require.NoError(t, err)
	waitIdle(t, e)
}

func TestSlashCommandUnknown(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	_, err := s.SendMessage(context.Background(), "/frobnicate", SendOptions{})
	require.Error(t, err)
	assert.Equal(t, cmuxerrors.KindInvalidArgument, cmuxerrors.KindOf(err))
}

func TestEnsureMetadataIdempotent(t *testing.T) {
	e := newTestEnv(t)
	s := newTestSession(t, e)

	require.NoError(t, s.EnsureMetadata(context.Background()))
	entry, err := e.meta.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	require.NotNil(t, entry)
	first := entry.Recency

	require.NoError(t, s.EnsureMetadata(context.Background()))
	entry, err = e.meta.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	assert.Equal(t, first, entry.Recency, "second call must not move recency")
}

func TestManagerReusesAndRemovesSessions(t *testing.T) {
	e := newTestEnv(t)
	resolver := staticResolver{ref: WorkspaceRef{ID: testWorkspace, Path: e.path, Runtime: e.rt}}
	mgr := NewManager(resolver, e.history, e.partials, e.streams, e.meta, tokenizer.NewService(e.log), e.log)

	s1, err := mgr.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	s2, err := mgr.Get(context.Background(), testWorkspace)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	_, err = mgr.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, cmuxerrors.KindNotFound, cmuxerrors.KindOf(err))

	require.NoError(t, mgr.Remove(context.Background(), testWorkspace))
	_, err = s1.SendMessage(context.Background(), "hi", SendOptions{Model: "mock:echo"})
	require.Error(t, err, "disposed session rejects sends")
}
