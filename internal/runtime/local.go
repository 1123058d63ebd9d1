package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/common/paths"
	"go.uber.org/zap"
)

// Local runs workspaces on the host machine.
type Local struct {
	srcBaseDir string
	logger     *logger.Logger
}

// NewLocal creates a local runtime rooted at srcBaseDir (supports ~).
func NewLocal(srcBaseDir string, log *logger.Logger) (*Local, error) {
	expanded, err := paths.ExpandHome(srcBaseDir)
	if err != nil {
		return nil, fmt.Errorf("expanding src base dir: %w", err)
	}
	return &Local{
		srcBaseDir: expanded,
		logger:     log.WithComponent("runtime.local"),
	}, nil
}

func (l *Local) Kind() string { return KindLocal }

// WorkspacePath lays out workspaces as <srcBaseDir>/<project>/<name>.
func (l *Local) WorkspacePath(projectPath, workspaceName string) string {
	return filepath.Join(l.srcBaseDir, ProjectName(projectPath), workspaceName)
}

// Exec runs the command through bash -c, honoring cwd, env, stdin,
// timeout and niceness.
func (l *Local) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if req.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSecs)*time.Second)
		defer cancel()
	}

	command := req.Command
	if req.Niceness > 0 {
		if _, err := exec.LookPath("nice"); err == nil {
			command = fmt.Sprintf("nice -n %d %s", req.Niceness, command)
		}
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	if req.Cwd != "" {
		cwd, err := paths.ExpandHome(req.Cwd)
		if err != nil {
			return nil, newError(ErrNotFound, req.Cwd, err)
		}
		info, err := os.Stat(cwd)
		if err != nil {
			return nil, classifyFSError(err, cwd)
		}
		if !info.IsDir() {
			return nil, newError(ErrNotADirectory, cwd, fmt.Errorf("cwd is not a directory"))
		}
		cmd.Dir = cwd
	}
	if len(req.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	l.logger.Debug("exec", zap.String("command", req.Command), zap.String("cwd", req.Cwd))
	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return result, newError(ErrTimeout, "", fmt.Errorf("command timed out after %ds", req.TimeoutSecs))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, newError(ErrTransport, "", err)
	}
	return result, nil
}

func (l *Local) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	expanded, err := paths.ExpandHome(path)
	if err != nil {
		return nil, newError(ErrNotFound, path, err)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, classifyFSError(err, path)
	}
	return f, nil
}

// WriteFile writes to a temp file in the target directory, then renames
// over the destination so readers never observe a torn file.
func (l *Local) WriteFile(ctx context.Context, path string, content io.Reader) error {
	expanded, err := paths.ExpandHome(path)
	if err != nil {
		return newError(ErrNotFound, path, err)
	}
	dir := filepath.Dir(expanded)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return classifyFSError(err, dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(expanded)+".tmp-*")
	if err != nil {
		return classifyFSError(err, dir)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return classifyFSError(err, path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return classifyFSError(err, path)
	}
	if err := os.Rename(tmpName, expanded); err != nil {
		os.Remove(tmpName)
		return classifyFSError(err, path)
	}
	return nil
}

func (l *Local) Stat(ctx context.Context, path string) (*FileInfo, error) {
	expanded, err := paths.ExpandHome(path)
	if err != nil {
		return nil, newError(ErrNotFound, path, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return nil, classifyFSError(err, path)
	}
	return &FileInfo{
		Size:         info.Size(),
		IsDirectory:  info.IsDir(),
		ModifiedTime: info.ModTime(),
	}, nil
}

// ProjectName derives the display name of a project from its path,
// trimming a trailing .git if present.
func ProjectName(projectPath string) string {
	name := filepath.Base(strings.TrimRight(projectPath, "/"))
	return strings.TrimSuffix(name, ".git")
}

func classifyFSError(err error, path string) *Error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newError(ErrNotFound, path, err)
	case errors.Is(err, fs.ErrPermission):
		return newError(ErrPermissionDenied, path, err)
	case errors.Is(err, syscall.ENOTDIR):
		return newError(ErrNotADirectory, path, err)
	default:
		return newError(ErrTransport, path, err)
	}
}
