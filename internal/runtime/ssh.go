package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sshExitTransport is the exit code the ssh client reserves for its own
// connection failures.
const sshExitTransport = 255

// SSHConfig describes how to reach the remote host.
type SSHConfig struct {
	Host           string
	Port           int
	IdentityFile   string
	SrcBaseDir     string
	ConnectTimeout int // seconds, 0 = 10
}

// runner executes one ssh invocation. Tests substitute it to run the
// remote command string locally.
type runner func(ctx context.Context, args []string, stdin io.Reader) (*ExecResult, error)

// SSH runs workspaces on a remote host through the ssh binary. All file
// IO rides on shell commands with base64 framing, so arbitrary bytes
// survive the transport.
type SSH struct {
	cfg    SSHConfig
	run    runner
	logger *logger.Logger
}

// NewSSH creates an SSH runtime for the given host configuration.
func NewSSH(cfg SSHConfig, log *logger.Logger) *SSH {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10
	}
	s := &SSH{
		cfg:    cfg,
		logger: log.WithComponent("runtime.ssh").WithFields(zap.String("host", cfg.Host)),
	}
	s.run = s.sshCommand
	return s
}

// newSSHWithRunner wires a custom transport; used by tests.
func newSSHWithRunner(cfg SSHConfig, run runner, log *logger.Logger) *SSH {
	s := NewSSH(cfg, log)
	s.run = run
	return s
}

func (s *SSH) Kind() string { return KindSSH }

// WorkspacePath lays out workspaces as <srcBaseDir>/<project>/<name> on
// the remote host. A leading ~ stays literal and expands remotely.
func (s *SSH) WorkspacePath(projectPath, workspaceName string) string {
	return path.Join(s.cfg.SrcBaseDir, ProjectName(projectPath), workspaceName)
}

func (s *SSH) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if req.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSecs)*time.Second)
		defer cancel()
	}

	var sb strings.Builder
	if req.Cwd != "" {
		sb.WriteString("cd ")
		sb.WriteString(remotePath(req.Cwd))
		sb.WriteString(" && ")
	}
	for k, v := range req.Env {
		sb.WriteString("export ")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(shellQuote(v))
		sb.WriteString(" && ")
	}
	// Stdin rides base64-encoded through the transport, decoded on the
	// remote side before it reaches the command.
	var stdin io.Reader
	if len(req.Stdin) > 0 {
		sb.WriteString("base64 -d | ")
		stdin = strings.NewReader(base64.StdEncoding.EncodeToString(req.Stdin))
	}
	if req.Niceness > 0 {
		sb.WriteString(fmt.Sprintf("nice -n %d ", req.Niceness))
	}
	sb.WriteString("sh -c ")
	sb.WriteString(shellQuote(req.Command))

	s.logger.Debug("exec", zap.String("command", req.Command), zap.String("cwd", req.Cwd))
	start := time.Now()
	result, err := s.run(ctx, s.sshArgs(sb.String()), stdin)
	if result != nil {
		result.Duration = time.Since(start)
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return result, newError(ErrTimeout, "", fmt.Errorf("command timed out after %ds", req.TimeoutSecs))
		}
		return result, newError(ErrTransport, "", err)
	}
	if result.ExitCode == sshExitTransport {
		return result, newError(ErrTransport, "", fmt.Errorf("ssh transport failure: %s", strings.TrimSpace(result.Stderr)))
	}
	return result, nil
}

// ReadFile fetches the file base64-encoded so binary content survives
// the shell pipeline.
func (s *SSH) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	cmd := fmt.Sprintf("base64 < %s", remotePath(p))
	result, err := s.runRemote(ctx, cmd, nil)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, classifyRemoteError(result.Stderr, p)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(result.Stdout, "\n", ""))
	if err != nil {
		return nil, newError(ErrTransport, p, fmt.Errorf("decoding remote file: %w", err))
	}
	return io.NopCloser(bytes.NewReader(decoded)), nil
}

// WriteFile streams base64 content to a temp file next to the target,
// then renames it into place.
func (s *SSH) WriteFile(ctx context.Context, p string, content io.Reader) error {
	raw, err := io.ReadAll(content)
	if err != nil {
		return newError(ErrTransport, p, err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	tmp := p + ".tmp-" + uuid.NewString()[:8]
	cmd := fmt.Sprintf(
		"mkdir -p %s && base64 -d > %s && mv -f %s %s",
		remotePath(path.Dir(p)), remotePath(tmp), remotePath(tmp), remotePath(p),
	)
	result, err := s.runRemote(ctx, cmd, strings.NewReader(encoded))
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return classifyRemoteError(result.Stderr, p)
	}
	return nil
}

func (s *SSH) Stat(ctx context.Context, p string) (*FileInfo, error) {
	cmd := fmt.Sprintf("stat -c '%%s %%F %%Y' %s", remotePath(p))
	result, err := s.runRemote(ctx, cmd, nil)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, classifyRemoteError(result.Stderr, p)
	}
	return parseStatOutput(result.Stdout, p)
}

// runRemote executes a raw remote command without the Exec envelope.
func (s *SSH) runRemote(ctx context.Context, remoteCmd string, stdin io.Reader) (*ExecResult, error) {
	result, err := s.run(ctx, s.sshArgs(remoteCmd), stdin)
	if err != nil {
		return nil, newError(ErrTransport, "", err)
	}
	if result.ExitCode == sshExitTransport {
		return nil, newError(ErrTransport, "", fmt.Errorf("ssh transport failure: %s", strings.TrimSpace(result.Stderr)))
	}
	return result, nil
}

func (s *SSH) sshArgs(remoteCmd string) []string {
	args := []string{
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", s.cfg.ConnectTimeout),
	}
	if s.cfg.IdentityFile != "" {
		args = append(args, "-i", s.cfg.IdentityFile)
	}
	if s.cfg.Port > 0 {
		args = append(args, "-p", strconv.Itoa(s.cfg.Port))
	}
	return append(args, s.cfg.Host, remoteCmd)
}

// sshCommand is the default transport: invoke the local ssh client.
func (s *SSH) sshCommand(ctx context.Context, args []string, stdin io.Reader) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, "ssh", args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}
	return result, nil
}

func parseStatOutput(out, p string) (*FileInfo, error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) < 3 {
		return nil, newError(ErrTransport, p, fmt.Errorf("unexpected stat output %q", out))
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, newError(ErrTransport, p, fmt.Errorf("parsing stat size: %w", err))
	}
	mtime, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return nil, newError(ErrTransport, p, fmt.Errorf("parsing stat mtime: %w", err))
	}
	kind := strings.Join(fields[1:len(fields)-1], " ")
	return &FileInfo{
		Size:         size,
		IsDirectory:  strings.Contains(kind, "directory"),
		ModifiedTime: time.Unix(mtime, 0),
	}, nil
}

func classifyRemoteError(stderr, p string) *Error {
	msg := strings.TrimSpace(stderr)
	switch {
	case strings.Contains(msg, "No such file or directory"):
		return newError(ErrNotFound, p, errors.New(msg))
	case strings.Contains(msg, "Not a directory"):
		return newError(ErrNotADirectory, p, errors.New(msg))
	case strings.Contains(msg, "Permission denied"):
		return newError(ErrPermissionDenied, p, errors.New(msg))
	default:
		return newError(ErrTransport, p, errors.New(msg))
	}
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// remotePath quotes a remote path, keeping a leading ~ expandable.
func remotePath(p string) string {
	if p == "~" {
		return `"$HOME"`
	}
	if strings.HasPrefix(p, "~/") {
		return `"$HOME"/` + shellQuote(p[2:])
	}
	return shellQuote(p)
}
