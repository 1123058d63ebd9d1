package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispatchJSON(t *testing.T, tc ToolContext, name, args string) map[string]any {
	t.Helper()
	r, err := NewBuiltinRegistry()
	require.NoError(t, err)
	out, err := r.Dispatch(context.Background(), tc, name, json.RawMessage(args))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	return decoded
}

func TestFileWriteThenRead(t *testing.T) {
	tc := newTestContext(t)

	out := dispatchJSON(t, tc, "file_write", `{"path":"notes/hello.txt","content":"one\ntwo\nthree"}`)
	assert.Equal(t, float64(13), out["bytes_written"])

	raw, err := os.ReadFile(filepath.Join(tc.WorkspacePath, "notes", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree", string(raw))

	read := dispatchJSON(t, tc, "file_read", `{"path":"notes/hello.txt"}`)
	assert.Equal(t, "1\tone\n2\ttwo\n3\tthree\n", read["content"])
	assert.Equal(t, float64(3), read["total_lines"])
}

func TestFileReadOffsetAndLimit(t *testing.T) {
	tc := newTestContext(t)
	var content string
	for i := 1; i <= 10; i++ {
		content += fmt.Sprintf("line-%d\n", i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(tc.WorkspacePath, "big.txt"), []byte(content), 0o644))

	read := dispatchJSON(t, tc, "file_read", `{"path":"big.txt","offset":4,"limit":2}`)
	assert.Equal(t, "4\tline-4\n5\tline-5\n", read["content"])
	assert.Equal(t, float64(2), read["lines"])
}

func TestFileReadNotFound(t *testing.T) {
	tc := newTestContext(t)
	r, err := NewBuiltinRegistry()
	require.NoError(t, err)

	_, err = r.Dispatch(context.Background(), tc, "file_read", json.RawMessage(`{"path":"missing.txt"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestFileEditReplaceUniqueMatch(t *testing.T) {
	tc := newTestContext(t)
	path := filepath.Join(tc.WorkspacePath, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("count := 1\nreturn count\n"), 0o644))

	out := dispatchJSON(t, tc, "file_edit_replace", `{"path":"main.go","old_string":"count := 1","new_string":"count := 2"}`)
	assert.Equal(t, float64(1), out["replacements"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "count := 2\nreturn count\n", string(raw))
}

func TestFileEditReplaceAmbiguousMatch(t *testing.T) {
	tc := newTestContext(t)
	path := filepath.Join(tc.WorkspacePath, "dup.txt")
	require.NoError(t, os.WriteFile(path, []byte("aaa\naaa\n"), 0o644))
	r, err := NewBuiltinRegistry()
	require.NoError(t, err)

	_, err = r.Dispatch(context.Background(), tc, "file_edit_replace",
		json.RawMessage(`{"path":"dup.txt","old_string":"aaa","new_string":"bbb"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 times")

	out := dispatchJSON(t, tc, "file_edit_replace",
		`{"path":"dup.txt","old_string":"aaa","new_string":"bbb","replace_all":true}`)
	assert.Equal(t, float64(2), out["replacements"])
}

func TestFileEditReplaceOldStringMissing(t *testing.T) {
	tc := newTestContext(t)
	require.NoError(t, os.WriteFile(filepath.Join(tc.WorkspacePath, "a.txt"), []byte("hello"), 0o644))
	r, err := NewBuiltinRegistry()
	require.NoError(t, err)

	_, err = r.Dispatch(context.Background(), tc, "file_edit_replace",
		json.RawMessage(`{"path":"a.txt","old_string":"absent","new_string":"x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
