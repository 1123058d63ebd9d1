package workspace

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/cmux/cmux/internal/common/config"
	cmuxerrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/common/keyedmutex"
	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/events"
	"github.com/cmux/cmux/internal/events/bus"
	"github.com/cmux/cmux/internal/extmeta"
	"github.com/cmux/cmux/internal/history"
	"github.com/cmux/cmux/internal/runtime"
	"github.com/cmux/cmux/internal/session"
	v1 "github.com/cmux/cmux/pkg/api/v1"
	"go.uber.org/zap"
)

// workspaceNamePattern keeps names usable as git branch names and
// directory names.
var workspaceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// trunkPreference orders the branches considered as a repository's
// trunk when the caller does not name a base branch.
var trunkPreference = []string{"main", "master", "trunk", "develop"}

const gitTimeoutSecs = 60

// Sessions is the slice of the session manager the workspace manager
// needs: tearing sessions down when their workspace goes away.
type Sessions interface {
	Remove(ctx context.Context, workspaceID string) error
}

// Manager owns workspace lifecycle: git worktrees on the workspace
// runtime, the persisted registry, and lifecycle events on the bus.
// It implements session.Resolver.
type Manager struct {
	registry *Registry
	bus      bus.EventBus
	history  *history.Store
	partials *history.PartialStore
	meta     extmeta.Store
	cfg      config.RuntimeConfig
	log      *logger.Logger

	// gitLocks serializes git mutations per repository.
	gitLocks *keyedmutex.KeyedMutex

	// runtimes caches one runtime per distinct config.
	runtimes *keyedmutex.KeyedMutex
	local    runtime.Runtime
	sshPool  map[string]runtime.Runtime

	sessions Sessions
}

// NewManager builds the workspace manager. The local runtime is created
// eagerly; SSH runtimes are dialed lazily per host.
func NewManager(
	registry *Registry,
	eventBus bus.EventBus,
	hist *history.Store,
	partials *history.PartialStore,
	meta extmeta.Store,
	cfg config.RuntimeConfig,
	log *logger.Logger,
) (*Manager, error) {
	local, err := runtime.NewLocal(cfg.SrcBaseDir, log)
	if err != nil {
		return nil, err
	}
	return &Manager{
		registry: registry,
		bus:      eventBus,
		history:  hist,
		partials: partials,
		meta:     meta,
		cfg:      cfg,
		log:      log.WithComponent("workspace"),
		gitLocks: keyedmutex.New(),
		runtimes: keyedmutex.New(),
		local:    local,
		sshPool:  make(map[string]runtime.Runtime),
	}, nil
}

// SetSessions hands the manager its session counterpart. Called once
// at wiring time; the two managers reference each other.
func (m *Manager) SetSessions(s Sessions) {
	m.sessions = s
}

// DeriveID computes a workspace id from its project path and name. The
// id changes when either does, which makes renames produce new ids.
func DeriveID(projectPath, name string) string {
	sum := blake3.Sum256([]byte(projectPath + "\x00" + name))
	return hex.EncodeToString(sum[:8])
}

// ResolveWorkspace implements session.Resolver.
func (m *Manager) ResolveWorkspace(ctx context.Context, workspaceID string) (session.WorkspaceRef, error) {
	meta, ok, err := m.registry.Find(ctx, workspaceID)
	if err != nil {
		return session.WorkspaceRef{}, err
	}
	if !ok {
		return session.WorkspaceRef{}, cmuxerrors.NotFound("workspace", workspaceID)
	}
	rt, err := m.runtimeFor(meta.Runtime)
	if err != nil {
		return session.WorkspaceRef{}, err
	}
	return session.WorkspaceRef{ID: meta.ID, Path: meta.WorkspacePath, Runtime: rt}, nil
}

// runtimeFor returns the runtime a workspace lives on, dialing SSH
// hosts at most once.
func (m *Manager) runtimeFor(rc v1.RuntimeConfig) (runtime.Runtime, error) {
	if rc.Kind == "" || rc.Kind == v1.RuntimeLocal {
		if rc.SrcBaseDir != "" && rc.SrcBaseDir != m.cfg.SrcBaseDir {
			return runtime.NewLocal(rc.SrcBaseDir, m.log)
		}
		return m.local, nil
	}
	if rc.Kind != v1.RuntimeSSH {
		return nil, cmuxerrors.InvalidArgument(fmt.Sprintf("unknown runtime kind %q", rc.Kind))
	}

	key := fmt.Sprintf("%s:%d:%s:%s", rc.Host, rc.Port, rc.IdentityFile, rc.SrcBaseDir)
	return keyedmutex.WithLockResult(context.Background(), m.runtimes, "ssh-pool", func() (runtime.Runtime, error) {
		if rt, ok := m.sshPool[key]; ok {
			return rt, nil
		}
		rt := runtime.NewSSH(runtime.SSHConfig{
			Host:           rc.Host,
			Port:           rc.Port,
			IdentityFile:   rc.IdentityFile,
			SrcBaseDir:     rc.SrcBaseDir,
			ConnectTimeout: m.cfg.SSHConnectTimeout,
		}, m.log)
		m.sshPool[key] = rt
		return rt, nil
	})
}

// Create makes a new worktree-backed workspace branched off the
// project's trunk (or the requested base branch).
func (m *Manager) Create(ctx context.Context, req v1.CreateWorkspaceRequest) (*v1.WorkspaceMetadata, error) {
	if !workspaceNamePattern.MatchString(req.Name) {
		return nil, cmuxerrors.InvalidArgument(fmt.Sprintf("invalid workspace name %q", req.Name))
	}
	projectPath, err := filepath.Abs(req.ProjectPath)
	if err != nil {
		return nil, cmuxerrors.InvalidArgument(fmt.Sprintf("invalid project path %q", req.ProjectPath))
	}

	rc := v1.RuntimeConfig{Kind: v1.RuntimeLocal, SrcBaseDir: m.cfg.SrcBaseDir}
	if req.Runtime != nil {
		rc = *req.Runtime
		if rc.SrcBaseDir == "" {
			rc.SrcBaseDir = m.cfg.SrcBaseDir
		}
	}
	rt, err := m.runtimeFor(rc)
	if err != nil {
		return nil, err
	}

	meta, err := keyedmutex.WithLockResult(ctx, m.gitLocks, projectPath, func() (*v1.WorkspaceMetadata, error) {
		base := req.BaseBranch
		if base == "" {
			listing, err := m.listBranches(ctx, rt, projectPath)
			if err != nil {
				return nil, err
			}
			base = listing.RecommendedTrunk
		}
		if base == "" {
			return nil, cmuxerrors.InvalidArgument("repository has no branches to base a workspace on")
		}

		wsPath := rt.WorkspacePath(projectPath, req.Name)
		if err := m.git(ctx, rt, projectPath,
			fmt.Sprintf("worktree add -b %s %s %s", quote(req.Name), quote(wsPath), quote(base)),
		); err != nil {
			return nil, err
		}

		meta := v1.WorkspaceMetadata{
			ID:            DeriveID(projectPath, req.Name),
			Name:          req.Name,
			ProjectPath:   projectPath,
			ProjectName:   filepath.Base(projectPath),
			WorkspacePath: wsPath,
			Runtime:       rc,
			CreatedAt:     time.Now().UTC(),
		}
		if err := m.registry.AddWorkspace(ctx, meta); err != nil {
			// registry rejected the workspace, undo the worktree
			if rmErr := m.removeWorktree(ctx, rt, projectPath, wsPath, true); rmErr != nil {
				m.log.WithError(rmErr).Warn("orphan worktree cleanup failed", zap.String("path", wsPath))
			}
			return nil, err
		}
		return &meta, nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.meta.UpdateRecency(ctx, meta.ID, 0); err != nil {
		m.log.WithWorkspaceID(meta.ID).WithError(err).Warn("recency seed failed")
	}
	m.publish(ctx, events.WorkspaceCreated, events.WorkspacePayload{WorkspaceID: meta.ID, Metadata: meta})
	m.log.WithWorkspaceID(meta.ID).Info("workspace created",
		zap.String("project", projectPath), zap.String("name", meta.Name))
	return meta, nil
}

// Rename gives a workspace a new name and therefore a new id. The
// worktree directory and git branch are renamed, and the chat history,
// partial, and extension metadata follow the new id.
func (m *Manager) Rename(ctx context.Context, req v1.RenameWorkspaceRequest) (*v1.WorkspaceMetadata, error) {
	if !workspaceNamePattern.MatchString(req.NewName) {
		return nil, cmuxerrors.InvalidArgument(fmt.Sprintf("invalid workspace name %q", req.NewName))
	}
	old, ok, err := m.registry.Find(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cmuxerrors.NotFound("workspace", req.WorkspaceID)
	}
	if old.Name == req.NewName {
		return &old, nil
	}
	rt, err := m.runtimeFor(old.Runtime)
	if err != nil {
		return nil, err
	}

	// Drop the live session so nothing streams across the rename.
	if m.sessions != nil {
		if err := m.sessions.Remove(ctx, old.ID); err != nil {
			return nil, err
		}
	}

	updated, err := keyedmutex.WithLockResult(ctx, m.gitLocks, old.ProjectPath, func() (*v1.WorkspaceMetadata, error) {
		newPath := rt.WorkspacePath(old.ProjectPath, req.NewName)
		if err := m.git(ctx, rt, old.ProjectPath,
			fmt.Sprintf("worktree move %s %s", quote(old.WorkspacePath), quote(newPath)),
		); err != nil {
			// worktree move refuses some layouts; fall back to a plain
			// rename plus repair
			if res, execErr := rt.Exec(ctx, runtime.ExecRequest{
				Command:     fmt.Sprintf("mv %s %s", quote(old.WorkspacePath), quote(newPath)),
				TimeoutSecs: gitTimeoutSecs,
			}); execErr != nil || res.ExitCode != 0 {
				return nil, err
			}
			if repairErr := m.git(ctx, rt, old.ProjectPath,
				fmt.Sprintf("worktree repair %s", quote(newPath)),
			); repairErr != nil {
				return nil, repairErr
			}
		}
		if err := m.gitIn(ctx, rt, newPath,
			fmt.Sprintf("branch -m %s %s", quote(old.Name), quote(req.NewName)),
		); err != nil {
			return nil, err
		}

		updated := old
		updated.ID = DeriveID(old.ProjectPath, req.NewName)
		updated.Name = req.NewName
		updated.WorkspacePath = newPath
		if err := m.registry.ReplaceWorkspace(ctx, old.ID, updated); err != nil {
			return nil, err
		}
		return &updated, nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.moveWorkspaceState(ctx, old.ID, updated.ID); err != nil {
		return nil, err
	}
	m.publish(ctx, events.WorkspaceRenamed, events.WorkspacePayload{
		WorkspaceID: updated.ID,
		PreviousID:  old.ID,
		Metadata:    updated,
	})
	m.log.WithWorkspaceID(updated.ID).Info("workspace renamed",
		zap.String("previous_id", old.ID), zap.String("name", updated.Name))
	return updated, nil
}

// Fork creates a new workspace whose branch starts at the source
// workspace's current commit.
func (m *Manager) Fork(ctx context.Context, req v1.ForkWorkspaceRequest) (*v1.WorkspaceMetadata, error) {
	if !workspaceNamePattern.MatchString(req.Name) {
		return nil, cmuxerrors.InvalidArgument(fmt.Sprintf("invalid workspace name %q", req.Name))
	}
	src, ok, err := m.registry.Find(ctx, req.SourceWorkspaceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cmuxerrors.NotFound("workspace", req.SourceWorkspaceID)
	}
	rt, err := m.runtimeFor(src.Runtime)
	if err != nil {
		return nil, err
	}

	meta, err := keyedmutex.WithLockResult(ctx, m.gitLocks, src.ProjectPath, func() (*v1.WorkspaceMetadata, error) {
		wsPath := rt.WorkspacePath(src.ProjectPath, req.Name)
		if err := m.git(ctx, rt, src.ProjectPath,
			fmt.Sprintf("worktree add -b %s %s %s", quote(req.Name), quote(wsPath), quote(src.Name)),
		); err != nil {
			return nil, err
		}
		meta := v1.WorkspaceMetadata{
			ID:            DeriveID(src.ProjectPath, req.Name),
			Name:          req.Name,
			ProjectPath:   src.ProjectPath,
			ProjectName:   src.ProjectName,
			WorkspacePath: wsPath,
			Runtime:       src.Runtime,
			CreatedAt:     time.Now().UTC(),
		}
		if err := m.registry.AddWorkspace(ctx, meta); err != nil {
			if rmErr := m.removeWorktree(ctx, rt, src.ProjectPath, wsPath, true); rmErr != nil {
				m.log.WithError(rmErr).Warn("orphan worktree cleanup failed", zap.String("path", wsPath))
			}
			return nil, err
		}
		return &meta, nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.meta.UpdateRecency(ctx, meta.ID, 0); err != nil {
		m.log.WithWorkspaceID(meta.ID).WithError(err).Warn("recency seed failed")
	}
	m.publish(ctx, events.WorkspaceForked, events.WorkspacePayload{
		WorkspaceID: meta.ID,
		PreviousID:  src.ID,
		Metadata:    meta,
	})
	m.log.WithWorkspaceID(meta.ID).Info("workspace forked", zap.String("source_id", src.ID))
	return meta, nil
}

// Remove deletes a workspace: the session is torn down, the worktree
// and branch removed, and all stored chat state dropped.
func (m *Manager) Remove(ctx context.Context, req v1.RemoveWorkspaceRequest) error {
	meta, ok, err := m.registry.Find(ctx, req.WorkspaceID)
	if err != nil {
		return err
	}
	if !ok {
		return cmuxerrors.NotFound("workspace", req.WorkspaceID)
	}
	rt, err := m.runtimeFor(meta.Runtime)
	if err != nil {
		return err
	}

	if m.sessions != nil {
		if err := m.sessions.Remove(ctx, meta.ID); err != nil {
			return err
		}
	}

	err = m.gitLocks.WithLock(ctx, meta.ProjectPath, func() error {
		if err := m.removeWorktree(ctx, rt, meta.ProjectPath, meta.WorkspacePath, req.Force); err != nil {
			return err
		}
		if err := m.git(ctx, rt, meta.ProjectPath,
			fmt.Sprintf("branch -D %s", quote(meta.Name)),
		); err != nil {
			m.log.WithWorkspaceID(meta.ID).WithError(err).Warn("branch delete failed")
		}
		return m.registry.RemoveWorkspace(ctx, meta.ID)
	})
	if err != nil {
		return err
	}

	if err := m.history.Delete(ctx, meta.ID); err != nil {
		m.log.WithWorkspaceID(meta.ID).WithError(err).Warn("history delete failed")
	}
	if err := m.partials.Clear(ctx, meta.ID); err != nil {
		m.log.WithWorkspaceID(meta.ID).WithError(err).Warn("partial delete failed")
	}
	if err := m.meta.Delete(ctx, meta.ID); err != nil {
		m.log.WithWorkspaceID(meta.ID).WithError(err).Warn("metadata delete failed")
	}

	m.publish(ctx, events.WorkspaceRemoved, events.WorkspacePayload{WorkspaceID: meta.ID})
	m.log.WithWorkspaceID(meta.ID).Info("workspace removed")
	return nil
}

// List returns all projects and their workspaces.
func (m *Manager) List(ctx context.Context) ([]v1.Project, error) {
	entries, err := m.registry.Projects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]v1.Project, len(entries))
	for i, e := range entries {
		out[i] = v1.Project{Path: e.Path, Workspaces: e.Workspaces}
	}
	return out, nil
}

// Get returns one workspace's metadata.
func (m *Manager) Get(ctx context.Context, workspaceID string) (*v1.WorkspaceMetadata, error) {
	meta, ok, err := m.registry.Find(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, cmuxerrors.NotFound("workspace", workspaceID)
	}
	return &meta, nil
}

// AddProject registers a repository for workspace creation. The path
// must be a git repository on the local runtime.
func (m *Manager) AddProject(ctx context.Context, projectPath string) error {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return cmuxerrors.InvalidArgument(fmt.Sprintf("invalid project path %q", projectPath))
	}
	if err := m.git(ctx, m.local, abs, "rev-parse --git-dir"); err != nil {
		return cmuxerrors.InvalidArgument(fmt.Sprintf("%s is not a git repository", abs))
	}
	return m.registry.AddProject(ctx, abs)
}

// RemoveProject drops a project that has no workspaces left.
func (m *Manager) RemoveProject(ctx context.Context, projectPath string) error {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return cmuxerrors.InvalidArgument(fmt.Sprintf("invalid project path %q", projectPath))
	}
	return m.registry.RemoveProject(ctx, abs)
}

// ListBranches reports a project's local branches and its likely trunk.
func (m *Manager) ListBranches(ctx context.Context, projectPath string) (*v1.BranchListing, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, cmuxerrors.InvalidArgument(fmt.Sprintf("invalid project path %q", projectPath))
	}
	return m.listBranches(ctx, m.local, abs)
}

func (m *Manager) listBranches(ctx context.Context, rt runtime.Runtime, projectPath string) (*v1.BranchListing, error) {
	res, err := rt.Exec(ctx, runtime.ExecRequest{
		Command:     fmt.Sprintf("git -C %s branch --format='%%(refname:short)'", quote(projectPath)),
		TimeoutSecs: gitTimeoutSecs,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("workspace: git branch: %s", strings.TrimSpace(res.Stderr))
	}

	var branches []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if b := strings.TrimSpace(line); b != "" {
			branches = append(branches, b)
		}
	}
	sort.Strings(branches)

	listing := &v1.BranchListing{Branches: branches}
	for _, want := range trunkPreference {
		for _, b := range branches {
			if b == want {
				listing.RecommendedTrunk = b
				return listing, nil
			}
		}
	}

	// No conventional trunk name, fall back to HEAD's branch.
	head, err := rt.Exec(ctx, runtime.ExecRequest{
		Command:     fmt.Sprintf("git -C %s rev-parse --abbrev-ref HEAD", quote(projectPath)),
		TimeoutSecs: gitTimeoutSecs,
	})
	if err == nil && head.ExitCode == 0 {
		if b := strings.TrimSpace(head.Stdout); b != "" && b != "HEAD" {
			listing.RecommendedTrunk = b
		}
	}
	if listing.RecommendedTrunk == "" && len(branches) > 0 {
		listing.RecommendedTrunk = branches[0]
	}
	return listing, nil
}

// removeWorktree tries git worktree remove first, then falls back to
// deleting the directory and pruning stale worktree records.
func (m *Manager) removeWorktree(ctx context.Context, rt runtime.Runtime, projectPath, wsPath string, force bool) error {
	cmd := "worktree remove"
	if force {
		cmd += " --force"
	}
	err := m.git(ctx, rt, projectPath, fmt.Sprintf("%s %s", cmd, quote(wsPath)))
	if err == nil {
		return nil
	}
	if !force {
		return err
	}

	if res, execErr := rt.Exec(ctx, runtime.ExecRequest{
		Command:     fmt.Sprintf("rm -rf %s", quote(wsPath)),
		TimeoutSecs: gitTimeoutSecs,
	}); execErr != nil || res.ExitCode != 0 {
		return err
	}
	return m.git(ctx, rt, projectPath, "worktree prune")
}

// moveWorkspaceState migrates history, partial, and extension metadata
// from one workspace id to another.
func (m *Manager) moveWorkspaceState(ctx context.Context, oldID, newID string) error {
	if err := m.history.Rename(ctx, oldID, newID); err != nil {
		return err
	}
	if err := m.partials.Rename(ctx, oldID, newID); err != nil {
		return err
	}

	entry, err := m.meta.Get(ctx, oldID)
	if err != nil {
		return err
	}
	if entry != nil {
		if err := m.meta.UpdateRecency(ctx, newID, entry.Recency); err != nil {
			return err
		}
		if entry.LastModel != "" {
			if err := m.meta.SetStreaming(ctx, newID, false, entry.LastModel); err != nil {
				return err
			}
		}
		if err := m.meta.Delete(ctx, oldID); err != nil {
			return err
		}
	}
	return nil
}

// git runs a git subcommand against the project repository.
func (m *Manager) git(ctx context.Context, rt runtime.Runtime, projectPath, args string) error {
	return m.runGit(ctx, rt, fmt.Sprintf("git -C %s %s", quote(projectPath), args))
}

// gitIn runs a git subcommand with the worktree as the repo context.
func (m *Manager) gitIn(ctx context.Context, rt runtime.Runtime, dir, args string) error {
	return m.runGit(ctx, rt, fmt.Sprintf("git -C %s %s", quote(dir), args))
}

func (m *Manager) runGit(ctx context.Context, rt runtime.Runtime, command string) error {
	res, err := rt.Exec(ctx, runtime.ExecRequest{Command: command, TimeoutSecs: gitTimeoutSecs})
	if err != nil {
		return fmt.Errorf("workspace: %s: %w", command, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("workspace: %s: exit %d: %s", command, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, subject string, payload events.WorkspacePayload) {
	data := map[string]any{"workspaceId": payload.WorkspaceID}
	if payload.PreviousID != "" {
		data["previousId"] = payload.PreviousID
	}
	if payload.Metadata != nil {
		data["metadata"] = payload.Metadata
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(subject, "workspace-manager", data)); err != nil {
		m.log.WithError(err).Warn("event publish failed", zap.String("subject", subject))
	}
}

// quote single-quotes s for POSIX shells.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
