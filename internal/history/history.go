// Package history persists workspace conversations. Each workspace owns
// an append-only JSONL file ordered by history sequence, plus at most
// one partial (in-flight) message in a sidecar JSON file.
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cmux/cmux/internal/common/keyedmutex"
	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/pkg/chat"
	"go.uber.org/zap"
)

var (
	// ErrNotFound reports an update against a message id that is not in
	// the workspace history.
	ErrNotFound = errors.New("history: message not found")

	// ErrSequenceConflict reports an append whose caller-supplied
	// sequence does not extend the history monotonically.
	ErrSequenceConflict = errors.New("history: sequence conflict")
)

const (
	initialScanBuffer = 64 * 1024
	maxScanBuffer     = 1024 * 1024
)

// Store reads and writes per-workspace JSONL history files. All
// operations on one workspace are serialized through a keyed mutex;
// distinct workspaces proceed concurrently.
type Store struct {
	dir    string
	locks  *keyedmutex.KeyedMutex
	logger *logger.Logger
}

// NewStore creates the history directory if needed.
func NewStore(dir string, locks *keyedmutex.KeyedMutex, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}
	return &Store{
		dir:    dir,
		locks:  locks,
		logger: log.WithComponent("history"),
	}, nil
}

func (s *Store) lockKey(workspaceID string) string {
	return "history:" + workspaceID
}

func (s *Store) filePath(workspaceID string) string {
	return filepath.Join(s.dir, sanitizeID(workspaceID)+".jsonl")
}

// Append adds a message to the end of the workspace history. A zero
// HistorySequence is assigned maxSeq+1; a caller-supplied sequence must
// be greater than every existing one.
func (s *Store) Append(ctx context.Context, workspaceID string, msg chat.Message) (chat.Message, error) {
	return keyedmutex.WithLockResult(ctx, s.locks, s.lockKey(workspaceID), func() (chat.Message, error) {
		_, maxSeq := s.readAll(workspaceID)

		if msg.Metadata.HistorySequence == 0 {
			msg.Metadata.HistorySequence = maxSeq + 1
		} else if msg.Metadata.HistorySequence <= maxSeq {
			return chat.Message{}, fmt.Errorf("%w: sequence %d does not extend max %d",
				ErrSequenceConflict, msg.Metadata.HistorySequence, maxSeq)
		}

		if err := s.appendLine(workspaceID, msg); err != nil {
			return chat.Message{}, err
		}
		return msg, nil
	})
}

// Update replaces the message with the same id in place, preserving its
// history sequence. Returns ErrNotFound when the id is absent.
func (s *Store) Update(ctx context.Context, workspaceID string, msg chat.Message) error {
	return s.locks.WithLock(ctx, s.lockKey(workspaceID), func() error {
		messages, _ := s.readAll(workspaceID)
		found := false
		for i := range messages {
			if messages[i].ID == msg.ID {
				msg.Metadata.HistorySequence = messages[i].Metadata.HistorySequence
				messages[i] = msg
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrNotFound, msg.ID)
		}
		return s.rewrite(workspaceID, messages)
	})
}

// TruncateAfter removes every message with a sequence strictly greater
// than the named message's. Returns ErrNotFound when the id is absent.
func (s *Store) TruncateAfter(ctx context.Context, workspaceID, messageID string) error {
	return s.locks.WithLock(ctx, s.lockKey(workspaceID), func() error {
		messages, _ := s.readAll(workspaceID)
		var cutoff int64 = -1
		for i := range messages {
			if messages[i].ID == messageID {
				cutoff = messages[i].Metadata.HistorySequence
				break
			}
		}
		if cutoff < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, messageID)
		}

		kept := messages[:0]
		for _, m := range messages {
			if m.Metadata.HistorySequence <= cutoff {
				kept = append(kept, m)
			}
		}
		return s.rewrite(workspaceID, kept)
	})
}

// Get returns the workspace history in sequence order. A missing file
// is an empty history.
func (s *Store) Get(ctx context.Context, workspaceID string) ([]chat.Message, error) {
	return keyedmutex.WithLockResult(ctx, s.locks, s.lockKey(workspaceID), func() ([]chat.Message, error) {
		messages, _ := s.readAll(workspaceID)
		return messages, nil
	})
}

// NextSequence returns maxSeq+1 for the workspace.
func (s *Store) NextSequence(ctx context.Context, workspaceID string) (int64, error) {
	return keyedmutex.WithLockResult(ctx, s.locks, s.lockKey(workspaceID), func() (int64, error) {
		_, maxSeq := s.readAll(workspaceID)
		return maxSeq + 1, nil
	})
}

// Rename moves the history file to a new workspace id. A missing
// source is a no-op; renaming over an existing history is an error.
func (s *Store) Rename(ctx context.Context, oldID, newID string) error {
	return s.locks.WithLock(ctx, s.lockKey(oldID), func() error {
		return s.locks.WithLock(ctx, s.lockKey(newID), func() error {
			if _, err := os.Stat(s.filePath(newID)); err == nil {
				return fmt.Errorf("history: workspace %s already has history", newID)
			}
			err := os.Rename(s.filePath(oldID), s.filePath(newID))
			if err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("renaming history: %w", err)
			}
			return nil
		})
	})
}

// Delete removes the workspace history file.
func (s *Store) Delete(ctx context.Context, workspaceID string) error {
	return s.locks.WithLock(ctx, s.lockKey(workspaceID), func() error {
		err := os.Remove(s.filePath(workspaceID))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting history: %w", err)
		}
		return nil
	})
}

// readAll parses the JSONL file, skipping malformed lines with a
// warning. Callers must hold the workspace lock.
func (s *Store) readAll(workspaceID string) ([]chat.Message, int64) {
	f, err := os.Open(s.filePath(workspaceID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WithError(err).Warn("failed to open history file",
				zap.String("workspace_id", workspaceID))
		}
		return nil, 0
	}
	defer f.Close()

	var messages []chat.Message
	var maxSeq int64

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, initialScanBuffer), maxScanBuffer)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg chat.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Warn("skipping malformed history line",
				zap.String("workspace_id", workspaceID),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		messages = append(messages, msg)
		if msg.Metadata.HistorySequence > maxSeq {
			maxSeq = msg.Metadata.HistorySequence
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.WithError(err).Warn("history scan aborted",
			zap.String("workspace_id", workspaceID))
	}
	return messages, maxSeq
}

func (s *Store) appendLine(workspaceID string, msg chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	f, err := os.OpenFile(s.filePath(workspaceID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening history file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// rewrite replaces the whole file through a temp+rename so a crash
// never leaves a half-written history.
func (s *Store) rewrite(workspaceID string, messages []chat.Message) error {
	target := s.filePath(workspaceID)
	tmp, err := os.CreateTemp(s.dir, ".rewrite-*")
	if err != nil {
		return fmt.Errorf("creating temp history: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("marshaling message: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("writing temp history: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flushing temp history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp history: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing history: %w", err)
	}
	return nil
}

// sanitizeID makes a workspace id safe to use as a file name.
func sanitizeID(id string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return replacer.Replace(id)
}
