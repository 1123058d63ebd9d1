package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cmux/cmux/internal/runtime"
)

const maxGlobMatches = 500

func globTool() (Definition, Handler) {
	def := Definition{
		Name:        "glob",
		Description: "Find files matching a glob pattern, for example **/*.go or src/**/*.ts. Matches are relative to the search directory.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern": {"type": "string", "description": "Glob pattern, ** matches across directories"},
				"path": {"type": "string", "description": "Directory to search, defaults to the workspace root"}
			},
			"required": ["pattern"]
		}`),
	}
	return def, runGlob
}

func runGlob(ctx context.Context, tc ToolContext, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("glob: decode args: %w", err)
	}
	if !doublestar.ValidatePattern(params.Pattern) {
		return nil, fmt.Errorf("glob: invalid pattern %q", params.Pattern)
	}

	dir := tc.WorkspacePath
	if params.Path != "" {
		dir = resolvePath(tc, params.Path)
	}

	// The file walk runs on the runtime so SSH workspaces list remote
	// files. .git internals are never interesting to the model.
	res, err := tc.Runtime.Exec(ctx, runtime.ExecRequest{
		Command:     `find . -path ./.git -prune -o -type f -print`,
		Cwd:         dir,
		TimeoutSecs: 30,
	})
	if err != nil {
		return nil, fmt.Errorf("glob: list files: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("glob: list files in %s: %s", dir, strings.TrimSpace(res.Stderr))
	}

	var matches []string
	truncated := false
	for _, line := range strings.Split(res.Stdout, "\n") {
		rel := strings.TrimPrefix(strings.TrimSpace(line), "./")
		if rel == "" {
			continue
		}
		ok, err := doublestar.Match(params.Pattern, rel)
		if err != nil || !ok {
			continue
		}
		if len(matches) >= maxGlobMatches {
			truncated = true
			break
		}
		matches = append(matches, rel)
	}

	return json.Marshal(map[string]any{
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	})
}
