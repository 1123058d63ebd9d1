// Package events names the subjects and payloads published on the
// cmux event bus. The extension surface subscribes to these to keep
// workspace lists and metadata fresh without polling.
package events

import v1 "github.com/cmux/cmux/pkg/api/v1"

// Workspace lifecycle subjects.
const (
	WorkspaceCreated = "workspace.created"
	WorkspaceRenamed = "workspace.renamed"
	WorkspaceForked  = "workspace.forked"
	WorkspaceRemoved = "workspace.removed"

	// WorkspaceMetadata fires after any recency/streaming change.
	WorkspaceMetadata = "workspace.metadata"
)

// WorkspaceAll matches every workspace subject.
const WorkspaceAll = "workspace.>"

// WorkspacePayload is the data carried by workspace lifecycle events.
type WorkspacePayload struct {
	WorkspaceID string `json:"workspaceId"`
	// PreviousID is set on rename, where the workspace gets a new id.
	PreviousID string                `json:"previousId,omitempty"`
	Metadata   *v1.WorkspaceMetadata `json:"metadata,omitempty"`
}
