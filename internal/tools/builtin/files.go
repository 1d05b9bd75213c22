package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"flexicli/internal/logging"
	"flexicli/internal/tools"
)

const (
	// maxReadBytes caps what a single read_file returns.
	maxReadBytes = 256 * 1024

	// maxListEntries caps a directory listing.
	maxListEntries = 500
)

// ReadFile returns the read_file tool bound to scope.
func ReadFile(scope *Scope) tools.Tool {
	return &funcTool{
		name:        "read_file",
		description: "Read the contents of a file, optionally a line range",
		sensitivity: tools.SensitivityNone,
		schema: []byte(`{
			"type": "object",
			"properties": {
				"path":       {"type": "string", "description": "File path, relative to the workspace"},
				"start_line": {"type": "integer", "minimum": 1, "description": "First line to return (1-indexed)"},
				"end_line":   {"type": "integer", "minimum": 1, "description": "Last line to return (inclusive)"}
			},
			"required": ["path"]
		}`),
		run: func(ctx context.Context, args map[string]any, perms *tools.Permissions) (*tools.Result, error) {
			if err := requireFS(perms, tools.FSRead); err != nil {
				return tools.Fail(err.Error()), nil
			}
			path, err := scope.Resolve(argString(args, "path"))
			if err != nil {
				return tools.Fail(err.Error()), nil
			}

			content, err := os.ReadFile(path)
			if err != nil {
				if fileMissing(err) {
					return tools.Fail(fmt.Sprintf("file not found: %s", argString(args, "path"))), nil
				}
				return nil, fmt.Errorf("read %s: %w", path, err)
			}

			text := string(content)
			if start, end := argInt(args, "start_line", 0), argInt(args, "end_line", 0); start > 0 || end > 0 {
				text = sliceLines(text, start, end)
			}

			truncated := false
			if len(text) > maxReadBytes {
				text = text[:maxReadBytes]
				truncated = true
			}
			logging.Get(logging.CategoryTools).Debug("read_file %s (%d bytes)", path, len(text))
			return &tools.Result{Success: true, Output: text, Truncated: truncated}, nil
		},
	}
}

// sliceLines extracts an inclusive 1-indexed line range, clamping out of
// range bounds instead of failing.
func sliceLines(text string, start, end int) string {
	lines := strings.Split(text, "\n")
	if start < 1 {
		start = 1
	}
	if end < 1 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) || start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

// WriteFile returns the write_file tool bound to scope.
func WriteFile(scope *Scope) tools.Tool {
	return &funcTool{
		name:        "write_file",
		description: "Write content to a file, creating parent directories as needed",
		sensitivity: tools.SensitivityMedium,
		schema: []byte(`{
			"type": "object",
			"properties": {
				"path":    {"type": "string", "description": "File path, relative to the workspace"},
				"content": {"type": "string", "description": "Full file content to write"}
			},
			"required": ["path", "content"]
		}`),
		run: func(ctx context.Context, args map[string]any, perms *tools.Permissions) (*tools.Result, error) {
			if err := requireFS(perms, tools.FSWrite); err != nil {
				return tools.Fail(err.Error()), nil
			}
			path, err := scope.Resolve(argString(args, "path"))
			if err != nil {
				return tools.Fail(err.Error()), nil
			}
			content := argString(args, "content")

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create parent dirs for %s: %w", path, err)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("write %s: %w", path, err)
			}
			logging.Tools("write_file %s (%d bytes)", path, len(content))
			return tools.Ok(fmt.Sprintf("Wrote %d bytes to %s", len(content), argString(args, "path"))), nil
		},
	}
}

// EditFile returns the edit_file tool bound to scope. It replaces the
// first occurrence of old_text unless replace_all is set.
func EditFile(scope *Scope) tools.Tool {
	return &funcTool{
		name:        "edit_file",
		description: "Edit a file by replacing exact text",
		sensitivity: tools.SensitivityMedium,
		schema: []byte(`{
			"type": "object",
			"properties": {
				"path":        {"type": "string", "description": "File path, relative to the workspace"},
				"old_text":    {"type": "string", "description": "Exact text to find"},
				"new_text":    {"type": "string", "description": "Replacement text"},
				"replace_all": {"type": "boolean", "description": "Replace every occurrence instead of the first"}
			},
			"required": ["path", "old_text", "new_text"]
		}`),
		run: func(ctx context.Context, args map[string]any, perms *tools.Permissions) (*tools.Result, error) {
			if err := requireFS(perms, tools.FSWrite); err != nil {
				return tools.Fail(err.Error()), nil
			}
			path, err := scope.Resolve(argString(args, "path"))
			if err != nil {
				return tools.Fail(err.Error()), nil
			}
			oldText := argString(args, "old_text")
			if oldText == "" {
				return tools.Fail("old_text must not be empty"), nil
			}
			newText := argString(args, "new_text")

			content, err := os.ReadFile(path)
			if err != nil {
				if fileMissing(err) {
					return tools.Fail(fmt.Sprintf("file not found: %s", argString(args, "path"))), nil
				}
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			text := string(content)
			if !strings.Contains(text, oldText) {
				return tools.Fail("old_text not found in file"), nil
			}

			count := 1
			if argBool(args, "replace_all", false) {
				count = strings.Count(text, oldText)
				text = strings.ReplaceAll(text, oldText, newText)
			} else {
				text = strings.Replace(text, oldText, newText, 1)
			}
			if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
				return nil, fmt.Errorf("write %s: %w", path, err)
			}
			logging.Tools("edit_file %s (%d replacements)", path, count)
			return tools.Ok(fmt.Sprintf("Replaced %d occurrence(s) in %s", count, argString(args, "path"))), nil
		},
	}
}

// ListDir returns the list_dir tool bound to scope. Directories carry a
// trailing slash; hidden entries are skipped unless requested.
func ListDir(scope *Scope) tools.Tool {
	return &funcTool{
		name:        "list_dir",
		description: "List files in a directory",
		sensitivity: tools.SensitivityNone,
		schema: []byte(`{
			"type": "object",
			"properties": {
				"path":           {"type": "string", "description": "Directory path, relative to the workspace (default: workspace root)"},
				"recursive":      {"type": "boolean", "description": "Recurse into subdirectories"},
				"include_hidden": {"type": "boolean", "description": "Include dot-prefixed entries"}
			}
		}`),
		run: func(ctx context.Context, args map[string]any, perms *tools.Permissions) (*tools.Result, error) {
			if err := requireFS(perms, tools.FSRead); err != nil {
				return tools.Fail(err.Error()), nil
			}
			target := argString(args, "path")
			if target == "" {
				target = "."
			}
			path, err := scope.Resolve(target)
			if err != nil {
				return tools.Fail(err.Error()), nil
			}

			includeHidden := argBool(args, "include_hidden", false)
			var entries []string
			if argBool(args, "recursive", false) {
				entries, err = walkDir(ctx, path, includeHidden)
			} else {
				entries, err = listShallow(path, includeHidden)
			}
			if err != nil {
				if fileMissing(err) {
					return tools.Fail(fmt.Sprintf("file not found: %s", target)), nil
				}
				return nil, err
			}

			truncated := false
			if len(entries) > maxListEntries {
				entries = entries[:maxListEntries]
				truncated = true
			}
			if len(entries) == 0 {
				return tools.Ok("(empty)"), nil
			}
			return &tools.Result{Success: true, Output: strings.Join(entries, "\n"), Truncated: truncated}, nil
		},
	}
}

func listShallow(path string, includeHidden bool) ([]string, error) {
	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var entries []string
	for _, d := range dirents {
		name := d.Name()
		if !includeHidden && strings.HasPrefix(name, ".") {
			continue
		}
		if d.IsDir() {
			name += "/"
		}
		entries = append(entries, name)
	}
	sort.Strings(entries)
	return entries, nil
}

func walkDir(ctx context.Context, root string, includeHidden bool) ([]string, error) {
	var entries []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if !includeHidden && strings.HasPrefix(name, ".") && p != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			rel += "/"
		}
		entries = append(entries, rel)
		if len(entries) > maxListEntries {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	return entries, nil
}
