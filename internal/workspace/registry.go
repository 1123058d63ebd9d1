// Package workspace manages worktree-backed workspaces: the persisted
// project registry, git worktree lifecycle over the workspace runtime,
// and branch discovery.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cmux/cmux/internal/common/keyedmutex"
	"github.com/cmux/cmux/internal/common/logger"
	v1 "github.com/cmux/cmux/pkg/api/v1"
)

const registryLockKey = "workspace-registry"

// ProjectEntry is a registered repository and its workspaces.
type ProjectEntry struct {
	Path       string                 `json:"path"`
	Workspaces []v1.WorkspaceMetadata `json:"workspaces"`
}

// registrySchema is the on-disk config.json shape: projects are stored
// as [projectPath, entry] pairs, preserving insertion order.
type registrySchema struct {
	Projects []projectPair `json:"projects"`
}

type projectPair struct {
	Path  string
	Entry ProjectEntry
}

func (p projectPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Path, p.Entry})
}

func (p *projectPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.Path); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Entry)
}

// Registry persists the project/workspace catalog at config.json.
// All mutations go through a keyed mutex and an atomic rename write.
type Registry struct {
	path  string
	locks *keyedmutex.KeyedMutex
	log   *logger.Logger
}

// NewRegistry creates the parent directory if needed.
func NewRegistry(path string, locks *keyedmutex.KeyedMutex, log *logger.Logger) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create config dir: %w", err)
	}
	return &Registry{path: path, locks: locks, log: log.WithComponent("workspace.registry")}, nil
}

// Projects returns every registered project in insertion order.
func (r *Registry) Projects(ctx context.Context) ([]ProjectEntry, error) {
	return keyedmutex.WithLockResult(ctx, r.locks, registryLockKey, func() ([]ProjectEntry, error) {
		schema := r.load()
		out := make([]ProjectEntry, len(schema.Projects))
		for i, p := range schema.Projects {
			out[i] = p.Entry
		}
		return out, nil
	})
}

// Workspaces returns every workspace across all projects.
func (r *Registry) Workspaces(ctx context.Context) ([]v1.WorkspaceMetadata, error) {
	projects, err := r.Projects(ctx)
	if err != nil {
		return nil, err
	}
	var out []v1.WorkspaceMetadata
	for _, p := range projects {
		out = append(out, p.Workspaces...)
	}
	return out, nil
}

// Find returns the workspace with the given id, or false.
func (r *Registry) Find(ctx context.Context, workspaceID string) (v1.WorkspaceMetadata, bool, error) {
	type result struct {
		meta v1.WorkspaceMetadata
		ok   bool
	}
	res, err := keyedmutex.WithLockResult(ctx, r.locks, registryLockKey, func() (result, error) {
		schema := r.load()
		for _, p := range schema.Projects {
			for _, ws := range p.Entry.Workspaces {
				if ws.ID == workspaceID {
					return result{meta: ws, ok: true}, nil
				}
			}
		}
		return result{}, nil
	})
	return res.meta, res.ok, err
}

// AddProject registers a repository path. Idempotent.
func (r *Registry) AddProject(ctx context.Context, projectPath string) error {
	return r.mutate(ctx, func(schema *registrySchema) error {
		for _, p := range schema.Projects {
			if p.Path == projectPath {
				return nil
			}
		}
		schema.Projects = append(schema.Projects, projectPair{
			Path:  projectPath,
			Entry: ProjectEntry{Path: projectPath},
		})
		return nil
	})
}

// RemoveProject drops a project. Fails when workspaces remain.
func (r *Registry) RemoveProject(ctx context.Context, projectPath string) error {
	return r.mutate(ctx, func(schema *registrySchema) error {
		for i, p := range schema.Projects {
			if p.Path != projectPath {
				continue
			}
			if len(p.Entry.Workspaces) > 0 {
				return fmt.Errorf("workspace: project %s still has %d workspaces", projectPath, len(p.Entry.Workspaces))
			}
			schema.Projects = append(schema.Projects[:i], schema.Projects[i+1:]...)
			return nil
		}
		return nil
	})
}

// AddWorkspace records a workspace under its project, creating the
// project entry when absent.
func (r *Registry) AddWorkspace(ctx context.Context, meta v1.WorkspaceMetadata) error {
	return r.mutate(ctx, func(schema *registrySchema) error {
		for i, p := range schema.Projects {
			if p.Path != meta.ProjectPath {
				continue
			}
			for _, ws := range p.Entry.Workspaces {
				if ws.ID == meta.ID {
					return fmt.Errorf("workspace: id %s already registered", meta.ID)
				}
				if ws.Name == meta.Name {
					return fmt.Errorf("workspace: name %q already used in %s", meta.Name, meta.ProjectPath)
				}
			}
			schema.Projects[i].Entry.Workspaces = append(p.Entry.Workspaces, meta)
			return nil
		}
		schema.Projects = append(schema.Projects, projectPair{
			Path:  meta.ProjectPath,
			Entry: ProjectEntry{Path: meta.ProjectPath, Workspaces: []v1.WorkspaceMetadata{meta}},
		})
		return nil
	})
}

// RemoveWorkspace drops a workspace by id. A missing id is a no-op.
func (r *Registry) RemoveWorkspace(ctx context.Context, workspaceID string) error {
	return r.mutate(ctx, func(schema *registrySchema) error {
		for i, p := range schema.Projects {
			for j, ws := range p.Entry.Workspaces {
				if ws.ID == workspaceID {
					schema.Projects[i].Entry.Workspaces = append(p.Entry.Workspaces[:j], p.Entry.Workspaces[j+1:]...)
					return nil
				}
			}
		}
		return nil
	})
}

// ReplaceWorkspace swaps a workspace entry for a renamed one in a
// single registry write.
func (r *Registry) ReplaceWorkspace(ctx context.Context, oldID string, meta v1.WorkspaceMetadata) error {
	return r.mutate(ctx, func(schema *registrySchema) error {
		for i, p := range schema.Projects {
			for j, ws := range p.Entry.Workspaces {
				if ws.ID == oldID {
					schema.Projects[i].Entry.Workspaces[j] = meta
					return nil
				}
			}
		}
		return fmt.Errorf("workspace: id %s not registered", oldID)
	})
}

func (r *Registry) mutate(ctx context.Context, fn func(*registrySchema) error) error {
	return r.locks.WithLock(ctx, registryLockKey, func() error {
		schema := r.load()
		if err := fn(schema); err != nil {
			return err
		}
		return r.save(schema)
	})
}

// load parses config.json; a missing or corrupt file yields an empty
// registry with a warning rather than an error.
func (r *Registry) load() *registrySchema {
	schema := &registrySchema{}
	raw, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.WithError(err).Warn("config read failed, starting empty")
		}
		return schema
	}
	if err := json.Unmarshal(raw, schema); err != nil {
		r.log.WithError(err).Warn("config parse failed, starting empty")
		return &registrySchema{}
	}
	return schema
}

func (r *Registry) save(schema *registrySchema) error {
	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: marshal config: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("workspace: write config: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("workspace: replace config: %w", err)
	}
	return nil
}
