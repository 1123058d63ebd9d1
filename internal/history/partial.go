package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cmux/cmux/internal/common/keyedmutex"
	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/pkg/chat"
	"go.uber.org/zap"
)

// DefaultFlushInterval throttles partial writes during streaming.
const DefaultFlushInterval = 100 * time.Millisecond

type pendingPartial struct {
	latest    chat.Message
	dirty     bool
	timer     *time.Timer
	lastWrite time.Time
}

// PartialStore keeps at most one in-flight assistant message per
// workspace. Writes are throttled so delta storms do not hammer the
// disk; Flush and the terminal paths force the latest snapshot out.
type PartialStore struct {
	dir           string
	locks         *keyedmutex.KeyedMutex
	history       *Store
	flushInterval time.Duration
	logger        *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingPartial
}

// NewPartialStore creates the partial directory if needed. A zero
// flushInterval selects the default throttle.
func NewPartialStore(dir string, locks *keyedmutex.KeyedMutex, history *Store, flushInterval time.Duration, log *logger.Logger) (*PartialStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating partial dir: %w", err)
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &PartialStore{
		dir:           dir,
		locks:         locks,
		history:       history,
		flushInterval: flushInterval,
		logger:        log.WithComponent("partial"),
		pending:       make(map[string]*pendingPartial),
	}, nil
}

func (p *PartialStore) lockKey(workspaceID string) string {
	return "partial:" + workspaceID
}

func (p *PartialStore) filePath(workspaceID string) string {
	return filepath.Join(p.dir, sanitizeID(workspaceID)+".json")
}

// Write records the latest snapshot of the in-flight message. The disk
// write happens at most once per flush interval; the newest snapshot
// always wins.
func (p *PartialStore) Write(ctx context.Context, workspaceID string, msg chat.Message) error {
	msg.Metadata.Partial = true

	p.mu.Lock()
	state, ok := p.pending[workspaceID]
	if !ok {
		state = &pendingPartial{}
		p.pending[workspaceID] = state
	}
	state.latest = msg
	state.dirty = true

	if state.timer != nil {
		// A flush is already scheduled; it will pick up this snapshot.
		p.mu.Unlock()
		return nil
	}
	elapsed := time.Since(state.lastWrite)
	if elapsed < p.flushInterval {
		delay := p.flushInterval - elapsed
		state.timer = time.AfterFunc(delay, func() {
			if err := p.Flush(context.Background(), workspaceID); err != nil {
				p.logger.WithError(err).Warn("scheduled partial flush failed",
					zap.String("workspace_id", workspaceID))
			}
		})
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.Flush(ctx, workspaceID)
}

// Flush forces the pending snapshot to disk, if any.
func (p *PartialStore) Flush(ctx context.Context, workspaceID string) error {
	p.mu.Lock()
	state, ok := p.pending[workspaceID]
	if !ok || !state.dirty {
		if ok && state.timer != nil {
			state.timer.Stop()
			state.timer = nil
		}
		p.mu.Unlock()
		return nil
	}
	msg := state.latest
	state.dirty = false
	state.lastWrite = time.Now()
	if state.timer != nil {
		state.timer.Stop()
		state.timer = nil
	}
	p.mu.Unlock()

	return p.locks.WithLock(ctx, p.lockKey(workspaceID), func() error {
		return p.writeFile(workspaceID, msg)
	})
}

// Read returns the persisted partial, or nil when the workspace has
// none.
func (p *PartialStore) Read(ctx context.Context, workspaceID string) (*chat.Message, error) {
	return keyedmutex.WithLockResult(ctx, p.locks, p.lockKey(workspaceID), func() (*chat.Message, error) {
		data, err := os.ReadFile(p.filePath(workspaceID))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("reading partial: %w", err)
		}
		var msg chat.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.WithError(err).Warn("discarding malformed partial",
				zap.String("workspace_id", workspaceID))
			return nil, nil
		}
		return &msg, nil
	})
}

// CommitToHistory appends the current partial to history (marked
// partial) and clears it. A no-op returning nil when no partial exists.
func (p *PartialStore) CommitToHistory(ctx context.Context, workspaceID string) (*chat.Message, error) {
	if err := p.Flush(ctx, workspaceID); err != nil {
		return nil, err
	}
	msg, err := p.Read(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}

	msg.Metadata.Partial = true
	committed, err := p.history.Append(ctx, workspaceID, *msg)
	if err != nil {
		return nil, fmt.Errorf("committing partial: %w", err)
	}
	if err := p.Clear(ctx, workspaceID); err != nil {
		return nil, err
	}
	return &committed, nil
}

// Rename moves a persisted partial to a new workspace id. Any pending
// unflushed snapshot is written out first.
func (p *PartialStore) Rename(ctx context.Context, oldID, newID string) error {
	if err := p.Flush(ctx, oldID); err != nil {
		return err
	}
	return p.locks.WithLock(ctx, p.lockKey(oldID), func() error {
		return p.locks.WithLock(ctx, p.lockKey(newID), func() error {
			err := os.Rename(p.filePath(oldID), p.filePath(newID))
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("renaming partial: %w", err)
			}
			return nil
		})
	})
}

// Clear drops the pending snapshot and removes the partial file.
func (p *PartialStore) Clear(ctx context.Context, workspaceID string) error {
	p.mu.Lock()
	if state, ok := p.pending[workspaceID]; ok {
		if state.timer != nil {
			state.timer.Stop()
		}
		delete(p.pending, workspaceID)
	}
	p.mu.Unlock()

	return p.locks.WithLock(ctx, p.lockKey(workspaceID), func() error {
		err := os.Remove(p.filePath(workspaceID))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clearing partial: %w", err)
		}
		return nil
	})
}

// writeFile persists through temp+rename. Callers hold the keyed lock.
func (p *PartialStore) writeFile(workspaceID string, msg chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling partial: %w", err)
	}
	tmp, err := os.CreateTemp(p.dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("creating temp partial: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp partial: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp partial: %w", err)
	}
	if err := os.Rename(tmpName, p.filePath(workspaceID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing partial: %w", err)
	}
	return nil
}
