package runtime

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newLocalForTest(t *testing.T) *Local {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	rt, err := NewLocal(t.TempDir(), newTestLogger(t))
	require.NoError(t, err)
	return rt
}

func TestLocalExec_CapturesOutputAndExitCode(t *testing.T) {
	rt := newLocalForTest(t)
	ctx := context.Background()

	result, err := rt.Exec(ctx, ExecRequest{Command: "echo out; echo err >&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, "out\n", result.Stdout)
	assert.Equal(t, "err\n", result.Stderr)
	assert.Equal(t, 3, result.ExitCode)
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestLocalExec_CwdAndEnv(t *testing.T) {
	rt := newLocalForTest(t)
	dir := t.TempDir()

	result, err := rt.Exec(context.Background(), ExecRequest{
		Command: "pwd; printf '%s' \"$CMUX_TEST_VALUE\"",
		Cwd:     dir,
		Env:     map[string]string{"CMUX_TEST_VALUE": "hello"},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, dir)
	assert.Contains(t, result.Stdout, "hello")
	assert.Equal(t, 0, result.ExitCode)
}

func TestLocalExec_Stdin(t *testing.T) {
	rt := newLocalForTest(t)

	result, err := rt.Exec(context.Background(), ExecRequest{
		Command: "cat",
		Stdin:   []byte("piped input"),
	})
	require.NoError(t, err)
	assert.Equal(t, "piped input", result.Stdout)
}

func TestLocalExec_Timeout(t *testing.T) {
	rt := newLocalForTest(t)

	_, err := rt.Exec(context.Background(), ExecRequest{
		Command:     "sleep 10",
		TimeoutSecs: 1,
	})
	require.Error(t, err)
	assert.Equal(t, ErrTimeout, KindOf(err))
}

func TestLocalExec_CwdNotFound(t *testing.T) {
	rt := newLocalForTest(t)

	_, err := rt.Exec(context.Background(), ExecRequest{
		Command: "true",
		Cwd:     filepath.Join(t.TempDir(), "missing"),
	})
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, KindOf(err))
}

func TestLocalWriteFile_CreatesParentsAndReadsBack(t *testing.T) {
	rt := newLocalForTest(t)
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "a", "b", "c.txt")

	require.NoError(t, rt.WriteFile(ctx, target, bytes.NewReader([]byte("content"))))

	rc, err := rt.ReadFile(ctx, target)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))

	// No temp residue next to the target.
	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLocalBinaryRoundTrip(t *testing.T) {
	rt := newLocalForTest(t)
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "blob.bin")

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	require.NoError(t, rt.WriteFile(ctx, target, bytes.NewReader(payload)))
	rc, err := rt.ReadFile(ctx, target)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLocalStat(t *testing.T) {
	rt := newLocalForTest(t)
	ctx := context.Background()
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("12345"), 0o644))

	t.Run("file", func(t *testing.T) {
		info, err := rt.Stat(ctx, file)
		require.NoError(t, err)
		assert.Equal(t, int64(5), info.Size)
		assert.False(t, info.IsDirectory)
		assert.WithinDuration(t, time.Now(), info.ModifiedTime, time.Minute)
	})

	t.Run("directory", func(t *testing.T) {
		info, err := rt.Stat(ctx, dir)
		require.NoError(t, err)
		assert.True(t, info.IsDirectory)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := rt.Stat(ctx, filepath.Join(dir, "nope"))
		require.Error(t, err)
		assert.Equal(t, ErrNotFound, KindOf(err))
		assert.True(t, IsNotFound(err))
	})
}

func TestLocalReadFile_NotFound(t *testing.T) {
	rt := newLocalForTest(t)

	_, err := rt.ReadFile(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, KindOf(err))
}

func TestLocalWorkspacePath(t *testing.T) {
	rt, err := NewLocal("/srv/src", newTestLogger(t))
	require.NoError(t, err)

	got := rt.WorkspacePath("/home/dev/projects/myapp", "feature-x")
	assert.Equal(t, filepath.Join("/srv/src", "myapp", "feature-x"), got)
}

func TestProjectName(t *testing.T) {
	assert.Equal(t, "myapp", ProjectName("/home/dev/myapp"))
	assert.Equal(t, "myapp", ProjectName("/home/dev/myapp/"))
	assert.Equal(t, "myapp", ProjectName("/home/dev/myapp.git"))
}
