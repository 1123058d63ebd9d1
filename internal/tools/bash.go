package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cmux/cmux/internal/runtime"
)

const defaultBashTimeoutSecs = 120

func bashTool() (Definition, Handler) {
	def := Definition{
		Name:        "bash",
		Description: "Run a shell command in the workspace directory and return stdout, stderr and the exit code. Pipes and redirects work.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Shell command to run"},
				"timeout_secs": {"type": "integer", "minimum": 1, "maximum": 600, "description": "Kill the command after this many seconds (default 120)"},
				"niceness": {"type": "integer", "minimum": 0, "maximum": 19, "description": "Lower CPU priority for heavy commands"}
			},
			"required": ["command"]
		}`),
	}
	return def, runBash
}

func runBash(ctx context.Context, tc ToolContext, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Command     string `json:"command"`
		TimeoutSecs int    `json:"timeout_secs"`
		Niceness    int    `json:"niceness"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("bash: decode args: %w", err)
	}
	if params.TimeoutSecs <= 0 {
		params.TimeoutSecs = defaultBashTimeoutSecs
	}

	res, err := tc.Runtime.Exec(ctx, runtime.ExecRequest{
		Command:     params.Command,
		Cwd:         tc.WorkspacePath,
		TimeoutSecs: params.TimeoutSecs,
		Niceness:    params.Niceness,
	})
	if err != nil {
		if runtime.IsTimeout(err) {
			return nil, fmt.Errorf("bash: command timed out after %ds", params.TimeoutSecs)
		}
		return nil, fmt.Errorf("bash: %w", err)
	}

	return json.Marshal(map[string]any{
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	})
}
