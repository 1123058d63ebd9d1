package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cmux/cmux/internal/runtime"
)

const defaultReadLimitLines = 2000

// resolvePath joins a relative tool path onto the workspace directory.
// Runtime paths are slash-separated on both local and SSH targets.
func resolvePath(tc ToolContext, p string) string {
	if p == "" || path.IsAbs(p) {
		return p
	}
	return path.Join(tc.WorkspacePath, p)
}

func fileReadTool() (Definition, Handler) {
	def := Definition{
		Name:        "file_read",
		Description: "Read a text file from the workspace. Returns numbered lines; use offset and limit to page through large files.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, absolute or relative to the workspace"},
				"offset": {"type": "integer", "minimum": 1, "description": "1-based line to start from"},
				"limit": {"type": "integer", "minimum": 1, "description": "Maximum lines to return (default 2000)"}
			},
			"required": ["path"]
		}`),
	}
	return def, runFileRead
}

func runFileRead(ctx context.Context, tc ToolContext, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("file_read: decode args: %w", err)
	}
	if params.Offset <= 0 {
		params.Offset = 1
	}
	if params.Limit <= 0 {
		params.Limit = defaultReadLimitLines
	}

	target := resolvePath(tc, params.Path)
	rc, err := tc.Runtime.ReadFile(ctx, target)
	if err != nil {
		if runtime.IsNotFound(err) {
			return nil, fmt.Errorf("file_read: %s: file not found", params.Path)
		}
		return nil, fmt.Errorf("file_read: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("file_read: %s: %w", params.Path, err)
	}

	lines := strings.Split(string(raw), "\n")
	total := len(lines)
	start := params.Offset - 1
	if start >= total {
		return nil, fmt.Errorf("file_read: %s: offset %d past end of file (%d lines)", params.Path, params.Offset, total)
	}
	end := start + params.Limit
	if end > total {
		end = total
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%d\t%s\n", i+1, lines[i])
	}
	return json.Marshal(map[string]any{
		"content":     b.String(),
		"lines":       end - start,
		"total_lines": total,
	})
}

func fileWriteTool() (Definition, Handler) {
	def := Definition{
		Name:        "file_write",
		Description: "Write content to a file, replacing it if it exists. Parent directories are created as needed.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, absolute or relative to the workspace"},
				"content": {"type": "string", "description": "Full file content"}
			},
			"required": ["path", "content"]
		}`),
	}
	return def, runFileWrite
}

func runFileWrite(ctx context.Context, tc ToolContext, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("file_write: decode args: %w", err)
	}

	target := resolvePath(tc, params.Path)
	if err := tc.Runtime.WriteFile(ctx, target, strings.NewReader(params.Content)); err != nil {
		return nil, fmt.Errorf("file_write: %s: %w", params.Path, err)
	}
	return json.Marshal(map[string]any{
		"path":          params.Path,
		"bytes_written": len(params.Content),
	})
}

func fileEditReplaceTool() (Definition, Handler) {
	def := Definition{
		Name:        "file_edit_replace",
		Description: "Replace an exact string in a file. old_string must appear exactly once unless replace_all is set.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File path, absolute or relative to the workspace"},
				"old_string": {"type": "string", "description": "Exact text to replace"},
				"new_string": {"type": "string", "description": "Replacement text"},
				"replace_all": {"type": "boolean", "description": "Replace every occurrence instead of requiring a unique match"}
			},
			"required": ["path", "old_string", "new_string"]
		}`),
	}
	return def, runFileEditReplace
}

func runFileEditReplace(ctx context.Context, tc ToolContext, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Path       string `json:"path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("file_edit_replace: decode args: %w", err)
	}
	if params.OldString == "" {
		return nil, fmt.Errorf("file_edit_replace: old_string must not be empty")
	}
	if params.OldString == params.NewString {
		return nil, fmt.Errorf("file_edit_replace: old_string and new_string are identical")
	}

	target := resolvePath(tc, params.Path)
	rc, err := tc.Runtime.ReadFile(ctx, target)
	if err != nil {
		if runtime.IsNotFound(err) {
			return nil, fmt.Errorf("file_edit_replace: %s: file not found", params.Path)
		}
		return nil, fmt.Errorf("file_edit_replace: %w", err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("file_edit_replace: %s: %w", params.Path, err)
	}

	content := string(raw)
	count := strings.Count(content, params.OldString)
	switch {
	case count == 0:
		return nil, fmt.Errorf("file_edit_replace: %s: old_string not found", params.Path)
	case count > 1 && !params.ReplaceAll:
		return nil, fmt.Errorf("file_edit_replace: %s: old_string appears %d times; provide more context or set replace_all", params.Path, count)
	}

	replaced := count
	if !params.ReplaceAll {
		replaced = 1
		content = strings.Replace(content, params.OldString, params.NewString, 1)
	} else {
		content = strings.ReplaceAll(content, params.OldString, params.NewString)
	}

	if err := tc.Runtime.WriteFile(ctx, target, strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("file_edit_replace: %s: %w", params.Path, err)
	}
	return json.Marshal(map[string]any{
		"path":         params.Path,
		"replacements": replaced,
	})
}
