// Package runtime abstracts where a workspace lives: commands, file IO
// and path layout against either the local machine or a remote host
// over SSH. Callers never branch on the runtime kind; both
// implementations satisfy the same interface with the same error
// taxonomy.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Runtime kinds.
const (
	KindLocal = "local"
	KindSSH   = "ssh"
)

// ExecRequest describes one command invocation. Command is interpreted
// by a shell on the target, so pipes and redirects work.
type ExecRequest struct {
	Command     string
	Cwd         string
	Env         map[string]string
	Stdin       []byte
	TimeoutSecs int
	// Niceness lowers CPU priority when > 0 (best effort).
	Niceness int
}

// ExecResult carries the outcome of a completed command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// FileInfo describes a path on the target.
type FileInfo struct {
	Size         int64
	IsDirectory  bool
	ModifiedTime time.Time
}

// Runtime is the execution environment of a workspace.
type Runtime interface {
	// Exec runs a shell command and waits for it. A non-zero exit code
	// is not an error; failures to run the command at all are.
	Exec(ctx context.Context, req ExecRequest) (*ExecResult, error)

	// ReadFile opens path for reading. The caller closes the reader.
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)

	// WriteFile replaces path with the reader's content atomically,
	// creating parent directories as needed.
	WriteFile(ctx context.Context, path string, content io.Reader) error

	// Stat describes path.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// WorkspacePath returns the absolute directory a workspace of the
	// given project and name occupies on this runtime.
	WorkspacePath(projectPath, workspaceName string) string

	// Kind reports "local" or "ssh".
	Kind() string
}

// Error kinds mirror the failure classes clients can act on.
const (
	ErrNotFound         = "not_found"
	ErrNotADirectory    = "not_a_directory"
	ErrPermissionDenied = "permission_denied"
	ErrTimeout          = "timeout"
	ErrTransport        = "transport_error"
)

// Error is a classified runtime failure.
type Error struct {
	Kind string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("runtime: %s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("runtime: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// KindOf returns the runtime error kind, or "" for foreign errors.
func KindOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsNotFound reports whether err is a not_found runtime error.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrNotFound
}

// IsTimeout reports whether err is a timeout runtime error.
func IsTimeout(err error) bool {
	return KindOf(err) == ErrTimeout
}
