package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"flexicli/internal/tools"
)

// funcTool adapts a declarative definition plus a run function to the
// tool contract. All builtins are funcTools.
type funcTool struct {
	name        string
	description string
	sensitivity string
	schema      json.RawMessage
	run         func(ctx context.Context, args map[string]any, perms *tools.Permissions) (*tools.Result, error)
}

func (t *funcTool) Name() string                     { return t.name }
func (t *funcTool) Description() string              { return t.description }
func (t *funcTool) ParameterSchema() json.RawMessage { return t.schema }
func (t *funcTool) Sensitivity() string              { return t.sensitivity }

func (t *funcTool) Invoke(ctx context.Context, args map[string]any, perms *tools.Permissions) (*tools.Result, error) {
	return t.run(ctx, args, perms)
}

// Scope confines filesystem tools to a workspace root. Relative paths
// resolve against the root; absolute paths must already be inside it.
type Scope struct {
	root string
}

// NewScope anchors a scope at root.
func NewScope(root string) (*Scope, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("scope root: %w", err)
	}
	return &Scope{root: abs}, nil
}

// Root returns the absolute workspace root.
func (s *Scope) Root() string { return s.root }

// Resolve turns a tool-supplied path into an absolute path inside the
// scope, or fails when the path escapes it.
func (s *Scope) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return abs, nil
}

// requireFS checks the caller's filesystem tier against what the tool
// needs.
func requireFS(perms *tools.Permissions, need string) error {
	if perms == nil {
		return nil
	}
	have := perms.FilesystemAccess
	if have == "" {
		have = tools.FSWrite
	}
	rank := map[string]int{tools.FSNone: 0, tools.FSRead: 1, tools.FSWrite: 2}
	if rank[have] < rank[need] {
		return fmt.Errorf("filesystem access is %q, %q required", have, need)
	}
	return nil
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// argInt accepts both float64 (decoded JSON) and int (in-process
// callers).
func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// fileMissing reports whether err indicates the path does not exist, so
// callers can surface the executor-recoverable "file not found" wording.
func fileMissing(err error) bool {
	return os.IsNotExist(err)
}
