// Package extmeta stores per-workspace UI metadata: recency for
// ordering workspace lists, the streaming flag, and the last model
// used. The file backend is canonical; a SQLite backend is available
// behind the same interface.
package extmeta

import (
	"context"
	"sort"
)

// SchemaVersion identifies the persisted file layout.
const SchemaVersion = 1

// Entry is the metadata kept for one workspace.
type Entry struct {
	// Recency is a unix-milliseconds timestamp of the last interaction.
	Recency int64 `json:"recency"`

	// Streaming marks an active stream. Cleared in bulk at startup,
	// since no stream survives a restart.
	Streaming bool `json:"streaming"`

	// LastModel is the "provider:model" string last used here.
	LastModel string `json:"lastModel,omitempty"`
}

// WorkspaceEntry pairs an entry with its workspace id for listings.
type WorkspaceEntry struct {
	WorkspaceID string `json:"workspaceId"`
	Entry
}

// Store persists workspace metadata.
type Store interface {
	// UpdateRecency stamps the workspace with ts (unix ms); ts <= 0
	// means now.
	UpdateRecency(ctx context.Context, workspaceID string, ts int64) error

	// SetStreaming flips the streaming flag. A non-empty lastModel also
	// records the model; an empty one leaves it untouched.
	SetStreaming(ctx context.Context, workspaceID string, streaming bool, lastModel string) error

	// Get returns the entry, or nil when the workspace has none.
	Get(ctx context.Context, workspaceID string) (*Entry, error)

	// AllOrdered lists entries by recency, newest first.
	AllOrdered(ctx context.Context) ([]WorkspaceEntry, error)

	// Delete removes the entry, if present.
	Delete(ctx context.Context, workspaceID string) error

	// ClearStaleStreaming unsets every streaming flag and reports how
	// many were set. Called once at startup.
	ClearStaleStreaming(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

func sortByRecency(entries []WorkspaceEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Recency > entries[j].Recency
	})
}
