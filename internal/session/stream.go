package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cmux/cmux/internal/common/config"
	cmuxerrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/history"
	"github.com/cmux/cmux/internal/provider"
	"github.com/cmux/cmux/internal/runtime"
	"github.com/cmux/cmux/internal/tokenizer"
	"github.com/cmux/cmux/internal/tools"
	v1 "github.com/cmux/cmux/pkg/api/v1"
	"github.com/cmux/cmux/pkg/chat"
)

const autoRetryDelay = time.Second

// StartOptions parameterize one assistant turn.
type StartOptions struct {
	// Model is the full "provider:model" string.
	Model         string
	ThinkingLevel v1.ThinkingLevel
	Mode          string
	SystemPrompt  string

	// WorkspacePath and Runtime ground tool execution.
	WorkspacePath string
	Runtime       runtime.Runtime
}

// activeStream is the per-workspace stream slot. Its mutex orders
// event emission against replay subscription so a new subscriber sees
// every event exactly once.
type activeStream struct {
	workspaceID string
	messageID   string
	opts        StartOptions
	cancel      context.CancelFunc
	done        chan struct{}

	mu          sync.Mutex
	buffer      []chat.Event
	interrupted bool
	retries     int
}

// StreamManager drives provider turns. One stream per workspace; a
// second start while one is active fails with already_streaming.
type StreamManager struct {
	history    *history.Store
	partials   *history.PartialStore
	providers  *provider.Registry
	tools      *tools.Registry
	modes      *tools.Modes
	tokenizers *tokenizer.Service
	hub        *Hub
	cfg        config.StreamConfig
	log        *logger.Logger

	// OnTerminal, when set, runs after a stream reaches any terminal
	// state. Used to clear the streaming flag in extension metadata.
	OnTerminal func(workspaceID, model string)

	mu     sync.Mutex
	active map[string]*activeStream
}

// NewStreamManager wires the stream manager.
func NewStreamManager(
	hist *history.Store,
	partials *history.PartialStore,
	providers *provider.Registry,
	registry *tools.Registry,
	modes *tools.Modes,
	tokenizers *tokenizer.Service,
	hub *Hub,
	cfg config.StreamConfig,
	log *logger.Logger,
) *StreamManager {
	return &StreamManager{
		history:    hist,
		partials:   partials,
		providers:  providers,
		tools:      registry,
		modes:      modes,
		tokenizers: tokenizers,
		hub:        hub,
		cfg:        cfg,
		log:        log.WithComponent("session.stream"),
	}
}

// Streaming reports whether the workspace has an active stream.
func (m *StreamManager) Streaming(workspaceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[workspaceID]
	return ok
}

// Start claims the workspace stream slot and launches the turn in the
// background. The history sequence of the assistant message is fixed
// here, before any event is emitted.
func (m *StreamManager) Start(ctx context.Context, workspaceID string, opts StartOptions) error {
	// Fail fast on an unresolvable model before claiming the slot.
	if _, _, err := m.providers.Resolve(opts.Model); err != nil {
		return err
	}
	if opts.Mode == "" {
		opts.Mode = tools.ModeExec
	}
	if _, ok := m.modes.Policy(opts.Mode); !ok {
		return cmuxerrors.InvalidArgument(fmt.Sprintf("unknown mode %q", opts.Mode))
	}

	m.mu.Lock()
	if m.active == nil {
		m.active = make(map[string]*activeStream)
	}
	if _, ok := m.active[workspaceID]; ok {
		m.mu.Unlock()
		return cmuxerrors.AlreadyStreaming(workspaceID)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	as := &activeStream{
		workspaceID: workspaceID,
		messageID:   ulid.Make().String(),
		opts:        opts,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	m.active[workspaceID] = as
	m.mu.Unlock()

	go m.run(streamCtx, as)
	return nil
}

// Interrupt cancels the active stream and waits for its terminal
// event. A no-op when nothing is streaming.
func (m *StreamManager) Interrupt(ctx context.Context, workspaceID string) error {
	m.mu.Lock()
	as, ok := m.active[workspaceID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	as.mu.Lock()
	as.interrupted = true
	as.mu.Unlock()
	as.cancel()

	select {
	case <-as.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe attaches a hub listener and, when a stream is active,
// returns the events already emitted since stream-start. Emission and
// subscription are ordered through the stream mutex so the snapshot
// plus the live channel covers every event exactly once.
func (m *StreamManager) Subscribe(workspaceID string) (*Subscription, []chat.Event) {
	m.mu.Lock()
	as, ok := m.active[workspaceID]
	m.mu.Unlock()
	if !ok {
		return m.hub.Subscribe(workspaceID), nil
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	sub := m.hub.Subscribe(workspaceID)
	snapshot := make([]chat.Event, len(as.buffer))
	copy(snapshot, as.buffer)
	return sub, snapshot
}

func (m *StreamManager) emit(as *activeStream, ev chat.Event) {
	ev.WorkspaceID = as.workspaceID
	as.mu.Lock()
	as.buffer = append(as.buffer, ev)
	m.hub.Publish(as.workspaceID, ev)
	as.mu.Unlock()
}

func (m *StreamManager) release(as *activeStream) {
	m.mu.Lock()
	delete(m.active, as.workspaceID)
	m.mu.Unlock()
	close(as.done)
	if m.OnTerminal != nil {
		m.OnTerminal(as.workspaceID, as.opts.Model)
	}
}

// run executes the agentic loop: stream provider chunks into the
// partial message, dispatch completed tool calls, continue with the
// tool results until a terminal stop, the step cap, or a failure.
func (m *StreamManager) run(ctx context.Context, as *activeStream) {
	log := m.log.WithWorkspaceID(as.workspaceID).WithFields(zap.String("message_id", as.messageID))

	seq, err := m.history.NextSequence(ctx, as.workspaceID)
	if err != nil {
		m.finishError(ctx, as, nil, err)
		return
	}

	transcript, err := m.history.Get(ctx, as.workspaceID)
	if err != nil {
		m.finishError(ctx, as, nil, err)
		return
	}

	msg := chat.NewAssistantMessage(as.messageID, as.opts.Model)
	msg.Metadata.HistorySequence = seq

	m.emit(as, chat.Event{
		Type:            chat.EventStreamStart,
		MessageID:       as.messageID,
		HistorySequence: seq,
		Model:           as.opts.Model,
	})
	log.Info("stream started", zap.String("model", as.opts.Model), zap.String("mode", as.opts.Mode))

	defs, err := m.toolDefinitions(as.opts.Mode)
	if err != nil {
		m.finishError(ctx, as, &msg, err)
		return
	}
	tok := m.tokenizers.ForModel(as.opts.Model)

	usage := chat.Usage{}
	var providerMeta map[string]any

	for step := 0; step < m.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			m.finishAbort(ctx, as, &msg)
			return
		}

		req := provider.Request{
			System:            as.opts.SystemPrompt,
			Messages:          append(append([]chat.Message{}, transcript...), msg),
			Tools:             defs,
			Thinking:          as.opts.ThinkingLevel,
			ParallelToolCalls: m.cfg.MaxParallelTools > 1,
		}

		stop, stepUsage, meta, err := m.streamStep(ctx, as, &msg, tok, req)
		if meta != nil {
			providerMeta = meta
		}
		usage = addUsage(usage, stepUsage)
		if err != nil {
			if ctx.Err() != nil {
				m.finishAbort(ctx, as, &msg)
			} else {
				m.finishError(ctx, as, &msg, err)
			}
			return
		}

		if stop != provider.StopToolUse {
			m.finishCommit(ctx, as, &msg, usage, providerMeta, stop)
			return
		}

		terminal, err := m.runTools(ctx, as, &msg)
		if err != nil {
			if ctx.Err() != nil {
				m.finishAbort(ctx, as, &msg)
			} else {
				m.finishError(ctx, as, &msg, err)
			}
			return
		}
		if terminal {
			m.finishCommit(ctx, as, &msg, usage, providerMeta, provider.StopEndTurn)
			return
		}
	}

	log.Warn("step cap reached, committing turn", zap.Int("max_steps", m.cfg.MaxSteps))
	m.finishCommit(ctx, as, &msg, usage, providerMeta, provider.StopMaxTokens)
}

// streamStep consumes one provider stream into msg, emitting events
// and throttled partial writes. Returns the stop reason.
func (m *StreamManager) streamStep(
	ctx context.Context,
	as *activeStream,
	msg *chat.Message,
	tok tokenizer.Tokenizer,
	req provider.Request,
) (string, chat.Usage, map[string]any, error) {
	streamer, err := m.providers.Stream(ctx, as.opts.Model, req)
	if err != nil {
		return "", chat.Usage{}, nil, err
	}
	defer streamer.Close()

	stop := provider.StopEndTurn
	var usage chat.Usage
	inputBuffers := make(map[string]*strings.Builder)

	for {
		chunk, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", usage, streamer.Metadata(), err
		}

		switch chunk.Kind {
		case provider.ChunkText:
			// Each provider delta becomes its own part, so the committed
			// message preserves chunk boundaries.
			if prev := msg.LastPart(); prev != nil && prev.Type == chat.PartTypeText && prev.State == chat.TextStateStreaming {
				prev.State = chat.TextStateDone
			}
			msg.Parts = append(msg.Parts, chat.Part{Type: chat.PartTypeText, Text: chunk.Text, State: chat.TextStateStreaming})
			part := msg.LastPart()
			m.emit(as, chat.Event{
				Type:      chat.EventStreamDelta,
				MessageID: as.messageID,
				Delta:     chunk.Text,
				Tokens:    tok.Count(part.Text),
			})
			m.writePartial(ctx, as, msg)

		case provider.ChunkReasoning:
			part := msg.LastPart()
			if part == nil || part.Type != chat.PartTypeReasoning || part.State != chat.TextStateStreaming {
				msg.Parts = append(msg.Parts, chat.Part{Type: chat.PartTypeReasoning, State: chat.TextStateStreaming})
				part = msg.LastPart()
			}
			part.Text += chunk.Text
			m.emit(as, chat.Event{
				Type:      chat.EventReasoningDelta,
				MessageID: as.messageID,
				Delta:     chunk.Text,
				Tokens:    tok.Count(part.Text),
			})
			m.writePartial(ctx, as, msg)

		case provider.ChunkReasoningEnd:
			if part := msg.LastPart(); part != nil && part.Type == chat.PartTypeReasoning {
				part.State = chat.TextStateDone
			}
			m.emit(as, chat.Event{Type: chat.EventReasoningEnd, MessageID: as.messageID})

		case provider.ChunkToolCallStart:
			if part := msg.LastPart(); part != nil && part.Type == chat.PartTypeText && part.State == chat.TextStateStreaming {
				part.State = chat.TextStateDone
			}
			msg.Parts = append(msg.Parts, chat.Part{
				Type:       chat.PartTypeTool,
				State:      chat.ToolStateInputStreaming,
				ToolCallID: chunk.ToolCallID,
				ToolName:   chunk.ToolName,
			})
			inputBuffers[chunk.ToolCallID] = &strings.Builder{}
			m.emit(as, chat.Event{
				Type:       chat.EventToolCallStart,
				MessageID:  as.messageID,
				ToolCallID: chunk.ToolCallID,
				ToolName:   chunk.ToolName,
			})
			m.writePartial(ctx, as, msg)

		case provider.ChunkToolCallDelta:
			if buf, ok := inputBuffers[chunk.ToolCallID]; ok {
				buf.WriteString(chunk.InputDelta)
			}
			m.emit(as, chat.Event{
				Type:       chat.EventToolCallDelta,
				MessageID:  as.messageID,
				ToolCallID: chunk.ToolCallID,
				InputDelta: chunk.InputDelta,
			})

		case provider.ChunkToolCall:
			part := toolPart(msg, chunk.ToolCallID)
			if part == nil {
				// Providers may finalize a call without a preceding
				// start chunk.
				msg.Parts = append(msg.Parts, chat.Part{
					Type:       chat.PartTypeTool,
					ToolCallID: chunk.ToolCallID,
					ToolName:   chunk.ToolName,
				})
				part = msg.LastPart()
				m.emit(as, chat.Event{
					Type:       chat.EventToolCallStart,
					MessageID:  as.messageID,
					ToolCallID: chunk.ToolCallID,
					ToolName:   chunk.ToolName,
				})
			}
			part.Input = chunk.Input
			part.State = chat.ToolStateInputAvailable
			m.writePartial(ctx, as, msg)

		case provider.ChunkUsage:
			if chunk.Usage != nil {
				usage = addUsage(usage, *chunk.Usage)
			}

		case provider.ChunkStop:
			stop = chunk.StopReason
		}
	}

	return stop, usage, streamer.Metadata(), nil
}

// runTools dispatches every input-available tool part in parallel up
// to the configured cap and records the results. Returns terminal=true
// when a plan was proposed, which ends the turn.
func (m *StreamManager) runTools(ctx context.Context, as *activeStream, msg *chat.Message) (bool, error) {
	var pending []*chat.Part
	for i := range msg.Parts {
		part := &msg.Parts[i]
		if part.Type == chat.PartTypeTool && part.State == chat.ToolStateInputAvailable {
			pending = append(pending, part)
		}
	}
	if len(pending) == 0 {
		return false, nil
	}

	// Tool boundaries force the partial out so a crash mid-dispatch
	// preserves the calls.
	if err := m.partials.Write(ctx, as.workspaceID, *msg); err != nil {
		return false, err
	}
	if err := m.partials.Flush(ctx, as.workspaceID); err != nil {
		return false, err
	}

	tc := tools.ToolContext{
		Runtime:       as.opts.Runtime,
		WorkspacePath: as.opts.WorkspacePath,
		Tokenizer:     m.tokenizers.ForModel(as.opts.Model),
		Log:           m.log.WithWorkspaceID(as.workspaceID),
	}

	sem := semaphore.NewWeighted(int64(m.cfg.MaxParallelTools))
	var wg sync.WaitGroup
	var mu sync.Mutex
	terminal := false

	for _, part := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			return false, err
		}
		wg.Add(1)
		go func(part *chat.Part) {
			defer wg.Done()
			defer sem.Release(1)

			output, err := m.tools.Dispatch(ctx, tc, part.ToolName, part.Input)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				part.State = chat.ToolStateErrored
				part.ErrorText = err.Error()
				m.emit(as, chat.Event{
					Type:       chat.EventToolCallEnd,
					MessageID:  as.messageID,
					ToolCallID: part.ToolCallID,
					ToolName:   part.ToolName,
					Error:      err.Error(),
				})
				return
			}
			part.State = chat.ToolStateOutputAvailable
			part.Output = output
			if part.ToolName == "propose_plan" {
				terminal = true
			}
			m.emit(as, chat.Event{
				Type:       chat.EventToolCallEnd,
				MessageID:  as.messageID,
				ToolCallID: part.ToolCallID,
				ToolName:   part.ToolName,
				Output:     output,
			})
		}(part)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err := m.partials.Write(ctx, as.workspaceID, *msg); err != nil {
		return false, err
	}
	if err := m.partials.Flush(ctx, as.workspaceID); err != nil {
		return false, err
	}
	return terminal, nil
}

func (m *StreamManager) writePartial(ctx context.Context, as *activeStream, msg *chat.Message) {
	if err := m.partials.Write(ctx, as.workspaceID, *msg); err != nil {
		m.log.WithWorkspaceID(as.workspaceID).WithError(err).Warn("partial write failed")
	}
}

// finishCommit closes out a successful turn: parts marked done, usage
// recorded, the completed message appended to history, partial cleared,
// stream-end emitted. An append failure keeps the partial and surfaces
// as stream-error instead.
func (m *StreamManager) finishCommit(
	ctx context.Context,
	as *activeStream,
	msg *chat.Message,
	usage chat.Usage,
	providerMeta map[string]any,
	stop string,
) {
	for i := range msg.Parts {
		part := &msg.Parts[i]
		if (part.Type == chat.PartTypeText || part.Type == chat.PartTypeReasoning) && part.State == chat.TextStateStreaming {
			part.State = chat.TextStateDone
		}
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	msg.Metadata.Usage = &usage
	msg.Metadata.ProviderMetadata = providerMeta
	msg.Metadata.Partial = false

	log := m.log.WithWorkspaceID(as.workspaceID)
	committed, err := m.history.Append(ctx, as.workspaceID, *msg)
	if err != nil {
		log.WithError(err).Error("history append failed")
		m.finishError(ctx, as, msg, err)
		return
	}
	if err := m.partials.Clear(ctx, as.workspaceID); err != nil {
		log.WithError(err).Warn("partial clear failed")
	}

	m.emit(as, chat.Event{
		Type:            chat.EventStreamEnd,
		MessageID:       as.messageID,
		HistorySequence: committed.Metadata.HistorySequence,
		Model:           as.opts.Model,
		Message:         &committed,
	})
	log.Info("stream committed", zap.String("stop_reason", stop), zap.Int("parts", len(committed.Parts)))
	m.release(as)
}

// finishAbort persists the partial with partial=true and emits
// stream-abort. The partial survives for a later resume or commit.
func (m *StreamManager) finishAbort(ctx context.Context, as *activeStream, msg *chat.Message) {
	// Interrupt canceled the stream context; persistence still has to
	// run.
	ctx = context.WithoutCancel(ctx)
	if msg != nil {
		msg.Metadata.Partial = true
		if err := m.partials.Write(ctx, as.workspaceID, *msg); err != nil {
			m.log.WithWorkspaceID(as.workspaceID).WithError(err).Error("abort partial write failed")
		}
		if err := m.partials.Flush(ctx, as.workspaceID); err != nil {
			m.log.WithWorkspaceID(as.workspaceID).WithError(err).Error("abort partial flush failed")
		}
	}
	m.emit(as, chat.Event{Type: chat.EventStreamAbort, MessageID: as.messageID})
	m.log.WithWorkspaceID(as.workspaceID).Info("stream aborted")
	m.release(as)
}

// finishError classifies the failure, keeps the partial, and emits
// stream-error. Transient failures may schedule one automatic resume.
func (m *StreamManager) finishError(ctx context.Context, as *activeStream, msg *chat.Message, cause error) {
	ctx = context.WithoutCancel(ctx)
	errType := provider.ClassifyStreamError(cause)
	log := m.log.WithWorkspaceID(as.workspaceID).WithError(cause)

	if msg != nil && len(msg.Parts) > 0 {
		msg.Metadata.Partial = true
		msg.Metadata.ErrorType = string(errType)
		msg.Metadata.Error = cause.Error()
		if err := m.partials.Write(ctx, as.workspaceID, *msg); err != nil {
			log.WithError(err).Error("error partial write failed")
		}
		if err := m.partials.Flush(ctx, as.workspaceID); err != nil {
			log.WithError(err).Error("error partial flush failed")
		}
	}

	m.emit(as, chat.Event{
		Type:      chat.EventStreamError,
		MessageID: as.messageID,
		ErrorType: string(errType),
		Error:     cause.Error(),
	})
	log.Warn("stream errored", zap.String("error_type", string(errType)))

	retry := m.cfg.AutoRetry && as.retries == 0 && provider.AutoRetryable(errType)
	if retry {
		if messages, err := m.history.Get(ctx, as.workspaceID); err != nil || !provider.RetryEligible(messages, time.Now()) {
			retry = false
		}
	}
	retries := as.retries
	m.release(as)

	if retry {
		log.Info("scheduling automatic retry", zap.Duration("delay", autoRetryDelay))
		go func() {
			time.Sleep(autoRetryDelay)
			opts := as.opts
			if err := m.startRetry(context.Background(), as.workspaceID, opts, retries+1); err != nil {
				m.log.WithWorkspaceID(as.workspaceID).WithError(err).Warn("automatic retry failed to start")
			}
		}()
	}
}

func (m *StreamManager) startRetry(ctx context.Context, workspaceID string, opts StartOptions, retries int) error {
	if err := m.commitOutstandingPartial(ctx, workspaceID); err != nil {
		return err
	}
	if err := m.Start(ctx, workspaceID, opts); err != nil {
		return err
	}
	m.mu.Lock()
	if as, ok := m.active[workspaceID]; ok {
		as.retries = retries
	}
	m.mu.Unlock()
	return nil
}

// commitOutstandingPartial promotes a leftover partial to history so
// the next turn starts from a consistent transcript.
func (m *StreamManager) commitOutstandingPartial(ctx context.Context, workspaceID string) error {
	if m.Streaming(workspaceID) {
		return nil
	}
	_, err := m.partials.CommitToHistory(ctx, workspaceID)
	return err
}

func (m *StreamManager) toolDefinitions(mode string) ([]provider.ToolDefinition, error) {
	policy, ok := m.modes.Policy(mode)
	if !ok {
		return nil, cmuxerrors.InvalidArgument(fmt.Sprintf("unknown mode %q", mode))
	}
	filtered, err := policy.Apply(m.tools.Definitions())
	if err != nil {
		return nil, err
	}
	defs := make([]provider.ToolDefinition, len(filtered))
	for i, d := range filtered {
		defs[i] = provider.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		}
	}
	return defs, nil
}

func toolPart(msg *chat.Message, toolCallID string) *chat.Part {
	for i := range msg.Parts {
		if msg.Parts[i].Type == chat.PartTypeTool && msg.Parts[i].ToolCallID == toolCallID {
			return &msg.Parts[i]
		}
	}
	return nil
}

func addUsage(a, b chat.Usage) chat.Usage {
	return chat.Usage{
		InputTokens:      a.InputTokens + b.InputTokens,
		OutputTokens:     a.OutputTokens + b.OutputTokens,
		CacheReadTokens:  a.CacheReadTokens + b.CacheReadTokens,
		CacheWriteTokens: a.CacheWriteTokens + b.CacheWriteTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
