package tools

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireFind(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("find"); err != nil {
		t.Skip("find not available")
	}
}

func seedTree(t *testing.T, root string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	}
}

func TestGlobMatchesAcrossDirectories(t *testing.T) {
	requireFind(t)
	tc := newTestContext(t)
	seedTree(t, tc.WorkspacePath,
		"main.go",
		"internal/server/server.go",
		"internal/server/server_test.go",
		"docs/readme.md",
	)

	out := dispatchJSON(t, tc, "glob", `{"pattern":"**/*.go"}`)
	assert.Equal(t, float64(3), out["count"])
	matches, ok := out["matches"].([]any)
	require.True(t, ok)
	assert.Contains(t, matches, "internal/server/server.go")
	assert.NotContains(t, matches, "docs/readme.md")
}

func TestGlobIgnoresGitInternals(t *testing.T) {
	requireFind(t)
	tc := newTestContext(t)
	seedTree(t, tc.WorkspacePath,
		"a.txt",
		".git/objects/ab/cdef",
	)

	out := dispatchJSON(t, tc, "glob", `{"pattern":"**"}`)
	matches, ok := out["matches"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"a.txt"}, matches)
}

func TestGlobSubdirectorySearch(t *testing.T) {
	requireFind(t)
	tc := newTestContext(t)
	seedTree(t, tc.WorkspacePath,
		"src/a.ts",
		"src/deep/b.ts",
		"other/c.ts",
	)

	out := dispatchJSON(t, tc, "glob", `{"pattern":"**/*.ts","path":"src"}`)
	assert.Equal(t, float64(2), out["count"])
}

func TestGlobRejectsInvalidPattern(t *testing.T) {
	tc := newTestContext(t)
	r, err := NewBuiltinRegistry()
	require.NoError(t, err)

	_, err = r.Dispatch(context.Background(), tc, "glob", json.RawMessage(`{"pattern":"[unclosed"}`))
	assert.Error(t, err)
}
