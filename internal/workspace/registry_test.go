package workspace

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmux/cmux/internal/common/keyedmutex"
	"github.com/cmux/cmux/internal/common/logger"
	v1 "github.com/cmux/cmux/pkg/api/v1"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "config.json"), keyedmutex.New(), newTestLogger(t))
	require.NoError(t, err)
	return reg
}

func testMeta(project, name string) v1.WorkspaceMetadata {
	return v1.WorkspaceMetadata{
		ID:            DeriveID(project, name),
		Name:          name,
		ProjectPath:   project,
		ProjectName:   filepath.Base(project),
		WorkspacePath: filepath.Join("/tmp/ws", filepath.Base(project), name),
		Runtime:       v1.RuntimeConfig{Kind: v1.RuntimeLocal, SrcBaseDir: "/tmp/ws"},
		CreatedAt:     time.Now().UTC(),
	}
}

func TestRegistryAddAndFind(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	meta := testMeta("/repos/alpha", "feature-x")
	require.NoError(t, reg.AddWorkspace(ctx, meta))

	got, ok, err := reg.Find(ctx, meta.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta.Name, got.Name)
	assert.Equal(t, meta.WorkspacePath, got.WorkspacePath)

	_, ok, err = reg.Find(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	meta := testMeta("/repos/alpha", "feature-x")
	require.NoError(t, reg.AddWorkspace(ctx, meta))

	err := reg.AddWorkspace(ctx, meta)
	require.Error(t, err)

	other := testMeta("/repos/alpha", "feature-x")
	other.ID = "different-id"
	err = reg.AddWorkspace(ctx, other)
	require.Error(t, err, "same name under one project must be rejected")
}

func TestRegistryPersistsAsPairArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	reg, err := NewRegistry(path, keyedmutex.New(), newTestLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, reg.AddWorkspace(ctx, testMeta("/repos/alpha", "one")))
	require.NoError(t, reg.AddWorkspace(ctx, testMeta("/repos/beta", "two")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc struct {
		Projects []json.RawMessage `json:"projects"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Projects, 2)

	var pair [2]json.RawMessage
	require.NoError(t, json.Unmarshal(doc.Projects[0], &pair))
	var projectPath string
	require.NoError(t, json.Unmarshal(pair[0], &projectPath))
	assert.Equal(t, "/repos/alpha", projectPath)

	// A fresh registry reads the same file back.
	reg2, err := NewRegistry(path, keyedmutex.New(), newTestLogger(t))
	require.NoError(t, err)
	projects, err := reg2.Projects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "/repos/alpha", projects[0].Path)
	assert.Equal(t, "/repos/beta", projects[1].Path)
}

func TestRegistryReplaceWorkspace(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	old := testMeta("/repos/alpha", "before")
	require.NoError(t, reg.AddWorkspace(ctx, old))

	renamed := testMeta("/repos/alpha", "after")
	require.NoError(t, reg.ReplaceWorkspace(ctx, old.ID, renamed))

	_, ok, err := reg.Find(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, ok, err := reg.Find(ctx, renamed.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "after", got.Name)
}

func TestRegistryRemoveProjectRequiresEmpty(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	meta := testMeta("/repos/alpha", "one")
	require.NoError(t, reg.AddWorkspace(ctx, meta))

	err := reg.RemoveProject(ctx, "/repos/alpha")
	require.Error(t, err)

	require.NoError(t, reg.RemoveWorkspace(ctx, meta.ID))
	require.NoError(t, reg.RemoveProject(ctx, "/repos/alpha"))

	projects, err := reg.Projects(ctx)
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestRegistryCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	reg, err := NewRegistry(path, keyedmutex.New(), newTestLogger(t))
	require.NoError(t, err)

	projects, err := reg.Projects(context.Background())
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestDeriveIDChangesWithName(t *testing.T) {
	a := DeriveID("/repos/alpha", "one")
	b := DeriveID("/repos/alpha", "two")
	c := DeriveID("/repos/beta", "one")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, DeriveID("/repos/alpha", "one"))
	assert.Len(t, a, 16)
}
