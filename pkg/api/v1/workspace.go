package v1

import "time"

// RuntimeKind selects where a workspace's files and commands live.
type RuntimeKind string

const (
	RuntimeLocal RuntimeKind = "local"
	RuntimeSSH   RuntimeKind = "ssh"
)

// RuntimeConfig describes the execution environment of a workspace.
type RuntimeConfig struct {
	Kind RuntimeKind `json:"kind"`

	// SrcBaseDir is the base directory under which workspace worktrees
	// are created, as <srcBaseDir>/<projectName>/<workspaceName>.
	SrcBaseDir string `json:"srcBaseDir"`

	// SSH-only fields.
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	IdentityFile string `json:"identityFile,omitempty"`
}

// WorkspaceMetadata identifies one workspace and where it lives.
// ID is derived from (ProjectPath, Name), so renaming produces a new ID.
type WorkspaceMetadata struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	ProjectPath   string        `json:"projectPath"`
	ProjectName   string        `json:"projectName"`
	WorkspacePath string        `json:"workspacePath"`
	Runtime       RuntimeConfig `json:"runtime"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// CreateWorkspaceRequest creates a worktree-backed workspace.
type CreateWorkspaceRequest struct {
	ProjectPath string         `json:"projectPath" binding:"required"`
	Name        string         `json:"name" binding:"required,max=255"`
	BaseBranch  string         `json:"baseBranch,omitempty"`
	Runtime     *RuntimeConfig `json:"runtime,omitempty"`
}

// RenameWorkspaceRequest renames a workspace. The workspace gets a new
// ID; chat history and metadata move with it.
type RenameWorkspaceRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	NewName     string `json:"newName" binding:"required,max=255"`
}

// ForkWorkspaceRequest creates a new workspace branched from an
// existing workspace's current state.
type ForkWorkspaceRequest struct {
	SourceWorkspaceID string `json:"sourceWorkspaceId" binding:"required"`
	Name              string `json:"name" binding:"required,max=255"`
}

// RemoveWorkspaceRequest deletes a workspace, its worktree and its
// stored chat state.
type RemoveWorkspaceRequest struct {
	WorkspaceID string `json:"workspaceId" binding:"required"`
	Force       bool   `json:"force,omitempty"`
}

// BranchListing reports a project's branches and the best guess at its
// trunk, for pre-filling workspace creation.
type BranchListing struct {
	Branches         []string `json:"branches"`
	RecommendedTrunk string   `json:"recommendedTrunk"`
}

// Project groups the workspaces created from one repository path.
type Project struct {
	Path       string              `json:"path"`
	Workspaces []WorkspaceMetadata `json:"workspaces"`
}
