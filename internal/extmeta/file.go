package extmeta

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cmux/cmux/internal/common/keyedmutex"
	"github.com/cmux/cmux/internal/common/logger"
	"go.uber.org/zap"
)

// fileLockKey serializes access to the single metadata file.
const fileLockKey = "extmeta"

type fileSchema struct {
	Version    int              `json:"version"`
	Workspaces map[string]Entry `json:"workspaces"`
}

// FileStore keeps all entries in one JSON file, written atomically.
type FileStore struct {
	path   string
	locks  *keyedmutex.KeyedMutex
	logger *logger.Logger
}

// NewFileStore uses the given file path; the file is created lazily on
// first write.
func NewFileStore(path string, locks *keyedmutex.KeyedMutex, log *logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata dir: %w", err)
	}
	return &FileStore{
		path:   path,
		locks:  locks,
		logger: log.WithComponent("extmeta.file"),
	}, nil
}

func (s *FileStore) UpdateRecency(ctx context.Context, workspaceID string, ts int64) error {
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	return s.mutate(ctx, func(schema *fileSchema) {
		entry := schema.Workspaces[workspaceID]
		entry.Recency = ts
		schema.Workspaces[workspaceID] = entry
	})
}

func (s *FileStore) SetStreaming(ctx context.Context, workspaceID string, streaming bool, lastModel string) error {
	return s.mutate(ctx, func(schema *fileSchema) {
		entry := schema.Workspaces[workspaceID]
		entry.Streaming = streaming
		if lastModel != "" {
			entry.LastModel = lastModel
		}
		schema.Workspaces[workspaceID] = entry
	})
}

func (s *FileStore) Get(ctx context.Context, workspaceID string) (*Entry, error) {
	return keyedmutex.WithLockResult(ctx, s.locks, fileLockKey, func() (*Entry, error) {
		schema := s.load()
		if entry, ok := schema.Workspaces[workspaceID]; ok {
			return &entry, nil
		}
		return nil, nil
	})
}

func (s *FileStore) AllOrdered(ctx context.Context) ([]WorkspaceEntry, error) {
	return keyedmutex.WithLockResult(ctx, s.locks, fileLockKey, func() ([]WorkspaceEntry, error) {
		schema := s.load()
		entries := make([]WorkspaceEntry, 0, len(schema.Workspaces))
		for id, entry := range schema.Workspaces {
			entries = append(entries, WorkspaceEntry{WorkspaceID: id, Entry: entry})
		}
		sortByRecency(entries)
		return entries, nil
	})
}

func (s *FileStore) Delete(ctx context.Context, workspaceID string) error {
	return s.mutate(ctx, func(schema *fileSchema) {
		delete(schema.Workspaces, workspaceID)
	})
}

func (s *FileStore) ClearStaleStreaming(ctx context.Context) (int, error) {
	cleared := 0
	err := s.mutate(ctx, func(schema *fileSchema) {
		for id, entry := range schema.Workspaces {
			if entry.Streaming {
				entry.Streaming = false
				schema.Workspaces[id] = entry
				cleared++
			}
		}
	})
	return cleared, err
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) mutate(ctx context.Context, fn func(*fileSchema)) error {
	return s.locks.WithLock(ctx, fileLockKey, func() error {
		schema := s.load()
		fn(schema)
		return s.save(schema)
	})
}

// load reads the schema, resetting to empty on a missing file, parse
// failure or unknown version. Callers hold the lock.
func (s *FileStore) load() *fileSchema {
	empty := &fileSchema{Version: SchemaVersion, Workspaces: make(map[string]Entry)}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WithError(err).Warn("failed to read metadata file")
		}
		return empty
	}

	var schema fileSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		s.logger.WithError(err).Warn("resetting malformed metadata file")
		return empty
	}
	if schema.Version != SchemaVersion {
		s.logger.Warn("resetting metadata file with unknown version",
			zap.Int("version", schema.Version))
		return empty
	}
	if schema.Workspaces == nil {
		schema.Workspaces = make(map[string]Entry)
	}
	return &schema
}

func (s *FileStore) save(schema *fileSchema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".extmeta-*")
	if err != nil {
		return fmt.Errorf("creating temp metadata: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp metadata: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing metadata: %w", err)
	}
	return nil
}
