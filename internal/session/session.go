package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cmux/cmux/internal/commands"
	cmuxerrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/extmeta"
	"github.com/cmux/cmux/internal/history"
	"github.com/cmux/cmux/internal/runtime"
	"github.com/cmux/cmux/internal/tokenizer"
	"github.com/cmux/cmux/internal/tools"
	v1 "github.com/cmux/cmux/pkg/api/v1"
	"github.com/cmux/cmux/pkg/chat"
)

// SendOptions parameterize SendMessage. Zero fields fall back to the
// session defaults established by earlier sends or slash commands.
type SendOptions struct {
	Model         string
	ThinkingLevel v1.ThinkingLevel
	Mode          string
	EditMessageID string
}

// SendOutcome reports what a SendMessage call did. Either MessageID is
// set (a user message was appended and a stream started) or Command
// holds a handled slash command.
type SendOutcome struct {
	MessageID string           `json:"messageId,omitempty"`
	Command   *commands.Result `json:"command,omitempty"`
}

// AgentSession is the per-workspace conversation facade: it owns the
// send/resume/interrupt operations and the subscriber catch-up
// protocol. One instance per workspace, created by the Manager.
type AgentSession struct {
	workspaceID   string
	workspacePath string
	rt            runtime.Runtime

	history    *history.Store
	partials   *history.PartialStore
	streams    *StreamManager
	meta       extmeta.Store
	tokenizers *tokenizer.Service
	commands   *commands.Registry
	log        *logger.Logger

	mu       sync.Mutex
	disposed bool
	// Session defaults carried across sends.
	model    string
	thinking v1.ThinkingLevel
	mode     string
}

func newAgentSession(
	workspaceID, workspacePath string,
	rt runtime.Runtime,
	hist *history.Store,
	partials *history.PartialStore,
	streams *StreamManager,
	meta extmeta.Store,
	tokenizers *tokenizer.Service,
	cmds *commands.Registry,
	log *logger.Logger,
) *AgentSession {
	return &AgentSession{
		workspaceID:   workspaceID,
		workspacePath: workspacePath,
		rt:            rt,
		history:       hist,
		partials:      partials,
		streams:       streams,
		meta:          meta,
		tokenizers:    tokenizers,
		commands:      cmds,
		log:           log.WithComponent("session").WithWorkspaceID(workspaceID),
		mode:          tools.ModeExec,
	}
}

// WorkspaceID returns the workspace this session serves.
func (s *AgentSession) WorkspaceID() string { return s.workspaceID }

// SubscribeChat returns the catch-up prelude (history messages, then
// active-stream replay or the lone partial, then caught-up) plus a
// live subscription for everything after. No history sequence repeats
// across the prelude and the live channel.
func (s *AgentSession) SubscribeChat(ctx context.Context) ([]chat.Event, *Subscription, error) {
	for attempt := 0; attempt < 3; attempt++ {
		sub, replay := s.streams.Subscribe(s.workspaceID)

		messages, err := s.history.Get(ctx, s.workspaceID)
		if err != nil {
			sub.Close()
			return nil, nil, err
		}
		var maxSeq int64
		for _, m := range messages {
			if m.Metadata.HistorySequence > maxSeq {
				maxSeq = m.Metadata.HistorySequence
			}
		}

		// The stream we captured may have committed between the
		// subscribe and the history read; its events would then appear
		// in both phases. Resubscribe against the fresh state.
		if len(replay) > 0 && replay[0].HistorySequence <= maxSeq {
			sub.Close()
			continue
		}

		prelude := make([]chat.Event, 0, len(messages)+len(replay)+2)
		for i := range messages {
			msg := messages[i]
			prelude = append(prelude, chat.Event{
				Type:            chat.EventMessage,
				WorkspaceID:     s.workspaceID,
				MessageID:       msg.ID,
				HistorySequence: msg.Metadata.HistorySequence,
				Message:         &msg,
			})
		}

		if len(replay) > 0 {
			prelude = append(prelude, replay...)
		} else if partial, err := s.partials.Read(ctx, s.workspaceID); err == nil && partial != nil {
			prelude = append(prelude, chat.Event{
				Type:            chat.EventMessage,
				WorkspaceID:     s.workspaceID,
				MessageID:       partial.ID,
				HistorySequence: partial.Metadata.HistorySequence,
				Message:         partial,
			})
		}

		prelude = append(prelude, chat.Event{Type: chat.EventCaughtUp, WorkspaceID: s.workspaceID})
		return prelude, sub, nil
	}
	return nil, nil, cmuxerrors.Unknown("chat subscription kept racing stream commits", nil)
}

// SendMessage appends a user message and starts an assistant turn.
// Slash-command input is parsed first: option commands mutate the
// session defaults, compact and fork are reported to the caller, and
// unknown commands fail with invalid_argument.
func (s *AgentSession) SendMessage(ctx context.Context, text string, opts SendOptions) (*SendOutcome, error) {
	if err := s.checkDisposed(); err != nil {
		return nil, err
	}

	if commands.IsCommand(text) {
		return s.runCommand(ctx, text)
	}

	model, thinking, mode := s.resolveOptions(opts)
	if model == "" {
		return nil, cmuxerrors.InvalidArgument("no model selected")
	}

	// An active stream holds the next history sequence; rejecting here
	// keeps the transcript untouched.
	if s.streams.Streaming(s.workspaceID) {
		return nil, cmuxerrors.AlreadyStreaming(s.workspaceID)
	}

	if opts.EditMessageID != "" {
		// An edit replaces the named message and everything after it;
		// a leftover partial beyond the cut point is orphaned, not
		// committed.
		if err := s.partials.Clear(ctx, s.workspaceID); err != nil {
			return nil, err
		}
		if err := s.truncateFrom(ctx, opts.EditMessageID); err != nil {
			return nil, err
		}
	} else {
		if _, err := s.partials.CommitToHistory(ctx, s.workspaceID); err != nil {
			return nil, err
		}
	}

	userMsg := chat.NewUserMessage(ulid.Make().String(), text)
	appended, err := s.history.Append(ctx, s.workspaceID, userMsg)
	if err != nil {
		return nil, err
	}

	s.touchRecency(ctx)
	s.tokenizers.Preload(model)

	if err := s.startStream(ctx, model, thinking, mode); err != nil {
		return nil, err
	}

	s.rememberOptions(model, thinking, mode)
	return &SendOutcome{MessageID: appended.ID}, nil
}

// ResumeStream restarts an interrupted or failed turn without a user
// message. A no-op when a stream is already active.
func (s *AgentSession) ResumeStream(ctx context.Context, opts SendOptions) error {
	if err := s.checkDisposed(); err != nil {
		return err
	}
	if s.streams.Streaming(s.workspaceID) {
		return nil
	}

	model, thinking, mode := s.resolveOptions(opts)
	if model == "" {
		return cmuxerrors.InvalidArgument("no model selected")
	}

	if _, err := s.partials.CommitToHistory(ctx, s.workspaceID); err != nil {
		return err
	}
	messages, err := s.history.Get(ctx, s.workspaceID)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return cmuxerrors.InvalidArgument("nothing to resume")
	}

	if err := s.startStream(ctx, model, thinking, mode); err != nil {
		return err
	}
	s.rememberOptions(model, thinking, mode)
	return nil
}

// InterruptStream cancels the active stream. Idempotent.
func (s *AgentSession) InterruptStream(ctx context.Context) error {
	return s.streams.Interrupt(ctx, s.workspaceID)
}

// EnsureMetadata makes sure the workspace has an extension-metadata
// entry. Idempotent.
func (s *AgentSession) EnsureMetadata(ctx context.Context) error {
	entry, err := s.meta.Get(ctx, s.workspaceID)
	if err != nil {
		return err
	}
	if entry != nil {
		return nil
	}
	return s.meta.UpdateRecency(ctx, s.workspaceID, time.Now().UnixMilli())
}

// Dispose interrupts any active stream and rejects further sends. The
// Manager calls this when the workspace is removed.
func (s *AgentSession) Dispose(ctx context.Context) error {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
	return s.streams.Interrupt(ctx, s.workspaceID)
}

// truncateFrom removes messageID and everything after it.
func (s *AgentSession) truncateFrom(ctx context.Context, messageID string) error {
	messages, err := s.history.Get(ctx, s.workspaceID)
	if err != nil {
		return err
	}
	for i, m := range messages {
		if m.ID != messageID {
			continue
		}
		if i == 0 {
			return s.history.Delete(ctx, s.workspaceID)
		}
		return s.history.TruncateAfter(ctx, s.workspaceID, messages[i-1].ID)
	}
	return cmuxerrors.NotFound("message", messageID)
}

func (s *AgentSession) runCommand(ctx context.Context, text string) (*SendOutcome, error) {
	res, ok := s.commands.Parse(text)
	if !ok || res.Type == commands.ResultUnknownCommand {
		name := text
		if res != nil && res.Command != "" {
			name = "/" + res.Command
		}
		return nil, cmuxerrors.InvalidArgument(fmt.Sprintf("unknown command %s", name))
	}

	switch res.Command {
	case "model":
		if len(res.Args) != 1 {
			return nil, cmuxerrors.InvalidArgument("usage: /model provider:model")
		}
		s.mu.Lock()
		s.model = res.Args[0]
		s.mu.Unlock()
	case "thinking":
		if len(res.Args) != 1 || !validThinking(v1.ThinkingLevel(res.Args[0])) {
			return nil, cmuxerrors.InvalidArgument("usage: /thinking off|low|medium|high")
		}
		s.mu.Lock()
		s.thinking = v1.ThinkingLevel(res.Args[0])
		s.mu.Unlock()
	case "mode":
		s.mu.Lock()
		s.mode = res.Subcommand
		s.mu.Unlock()
	case "compact", "fork":
		// Handled above the session: the transport layer maps these to
		// workspace operations.
	}
	return &SendOutcome{Command: res}, nil
}

func (s *AgentSession) startStream(ctx context.Context, model string, thinking v1.ThinkingLevel, mode string) error {
	err := s.streams.Start(ctx, s.workspaceID, StartOptions{
		Model:         model,
		ThinkingLevel: thinking,
		Mode:          mode,
		SystemPrompt:  systemPrompt(s.workspacePath, mode),
		WorkspacePath: s.workspacePath,
		Runtime:       s.rt,
	})
	if err != nil {
		return err
	}
	if merr := s.meta.SetStreaming(ctx, s.workspaceID, true, model); merr != nil {
		s.log.WithError(merr).Warn("streaming flag update failed")
	}
	return nil
}

func (s *AgentSession) resolveOptions(opts SendOptions) (string, v1.ThinkingLevel, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	model := opts.Model
	if model == "" {
		model = s.model
	}
	thinking := opts.ThinkingLevel
	if thinking == "" {
		thinking = s.thinking
	}
	mode := opts.Mode
	if mode == "" {
		mode = s.mode
	}
	return model, thinking, mode
}

func (s *AgentSession) rememberOptions(model string, thinking v1.ThinkingLevel, mode string) {
	s.mu.Lock()
	s.model = model
	if thinking != "" {
		s.thinking = thinking
	}
	s.mode = mode
	s.mu.Unlock()
}

func (s *AgentSession) touchRecency(ctx context.Context) {
	if err := s.meta.UpdateRecency(ctx, s.workspaceID, time.Now().UnixMilli()); err != nil {
		s.log.WithError(err).Warn("recency update failed")
	}
}

func (s *AgentSession) checkDisposed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return cmuxerrors.InvalidArgument("session disposed")
	}
	return nil
}

func validThinking(level v1.ThinkingLevel) bool {
	switch level {
	case v1.ThinkingOff, v1.ThinkingLow, v1.ThinkingMedium, v1.ThinkingHigh:
		return true
	}
	return false
}

func systemPrompt(workspacePath, mode string) string {
	base := fmt.Sprintf("You are a coding agent working in %s. Use the available tools to inspect and modify the project.", workspacePath)
	if mode == tools.ModePlan {
		return base + " You are in planning mode: investigate the codebase, then present your plan with the propose_plan tool. Do not modify files."
	}
	return base
}
