package session

import (
	"context"
	"sync"

	"github.com/cmux/cmux/internal/commands"
	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/extmeta"
	"github.com/cmux/cmux/internal/history"
	"github.com/cmux/cmux/internal/runtime"
	"github.com/cmux/cmux/internal/tokenizer"
)

// WorkspaceRef is what a session needs to know about its workspace.
type WorkspaceRef struct {
	ID      string
	Path    string
	Runtime runtime.Runtime
}

// Resolver looks up workspaces for lazy session creation. Implemented
// by the workspace manager.
type Resolver interface {
	ResolveWorkspace(ctx context.Context, workspaceID string) (WorkspaceRef, error)
}

// Manager hands out at most one AgentSession per workspace.
type Manager struct {
	resolver   Resolver
	history    *history.Store
	partials   *history.PartialStore
	streams    *StreamManager
	meta       extmeta.Store
	tokenizers *tokenizer.Service
	commands   *commands.Registry
	log        *logger.Logger

	mu       sync.Mutex
	sessions map[string]*AgentSession
}

// NewManager wires the session manager and hooks stream termination to
// the extension-metadata streaming flag.
func NewManager(
	resolver Resolver,
	hist *history.Store,
	partials *history.PartialStore,
	streams *StreamManager,
	meta extmeta.Store,
	tokenizers *tokenizer.Service,
	log *logger.Logger,
) *Manager {
	m := &Manager{
		resolver:   resolver,
		history:    hist,
		partials:   partials,
		streams:    streams,
		meta:       meta,
		tokenizers: tokenizers,
		commands:   commands.Builtin(),
		log:        log,
		sessions:   make(map[string]*AgentSession),
	}
	streams.OnTerminal = func(workspaceID, model string) {
		if err := meta.SetStreaming(context.Background(), workspaceID, false, model); err != nil {
			log.WithComponent("session").WithWorkspaceID(workspaceID).WithError(err).Warn("streaming flag clear failed")
		}
	}
	return m
}

// Get returns the workspace session, creating it on first use.
func (m *Manager) Get(ctx context.Context, workspaceID string) (*AgentSession, error) {
	m.mu.Lock()
	if s, ok := m.sessions[workspaceID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	ref, err := m.resolver.ResolveWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[workspaceID]; ok {
		return s, nil
	}
	s := newAgentSession(
		ref.ID, ref.Path, ref.Runtime,
		m.history, m.partials, m.streams, m.meta, m.tokenizers, m.commands, m.log,
	)
	m.sessions[workspaceID] = s
	return s, nil
}

// Shutdown disposes every live session, interrupting their streams.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*AgentSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*AgentSession)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Dispose(ctx); err != nil {
			m.log.WithComponent("session").WithWorkspaceID(s.WorkspaceID()).WithError(err).Warn("dispose failed")
		}
	}
}

// Remove disposes the workspace session, if any.
func (m *Manager) Remove(ctx context.Context, workspaceID string) error {
	m.mu.Lock()
	s, ok := m.sessions[workspaceID]
	delete(m.sessions, workspaceID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Dispose(ctx)
}
