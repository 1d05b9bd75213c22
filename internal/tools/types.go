// Package tools defines the uniform tool contract and the registry that
// discovers, validates, and invokes tools on behalf of the executor.
//
// Every tool declares a name, a human-readable description, a JSON Schema
// for its arguments, and a sensitivity hint the approval gate uses as a
// floor when classifying calls. Invocation always runs through the
// registry, which enforces the caller's permission set, validates
// arguments against the schema, and wires abort plus deadline semantics
// around the tool's own Invoke.
package tools

import (
	"context"
	"encoding/json"
	"errors"
)

// Sensitivity hints carried by tools. The approval gate refines these
// per call; a tool's hint is the floor, never the ceiling.
const (
	SensitivityNone     = "none"
	SensitivityLow      = "low"
	SensitivityMedium   = "medium"
	SensitivityHigh     = "high"
	SensitivityCritical = "critical"
)

var (
	// ErrToolNotFound is returned by lookup when no registered tool
	// matches, even after fuzzy matching.
	ErrToolNotFound = errors.New("tool not found")

	// ErrDuplicateTool is returned by Register when a tool with the
	// same name is already registered.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrNotPermitted is returned when the caller's permissions do not
	// allow the requested tool.
	ErrNotPermitted = errors.New("tool not permitted")

	// ErrInvalidArgs is returned when arguments fail schema validation.
	ErrInvalidArgs = errors.New("invalid tool arguments")
)

// Tool is the uniform contract every tool implements.
type Tool interface {
	// Name is the canonical registration name, e.g. "read_file".
	Name() string

	// Description is a one-line summary used for system-prompt seeding
	// and error reporting.
	Description() string

	// ParameterSchema returns the JSON Schema for the args map. The
	// registry compiles it at registration and validates every call.
	ParameterSchema() json.RawMessage

	// Sensitivity returns the tool's sensitivity hint.
	Sensitivity() string

	// Invoke runs the tool. The context carries abort and deadline;
	// implementations must stop promptly when it is done. The registry
	// has already checked the allowed/restricted closure; perms is
	// passed through for finer checks the tool alone can make, such as
	// the filesystem tier for a write or network access for a fetch.
	// A non-nil error means the machinery failed; a tool-level failure
	// such as a missing file is reported in Result.Error with a nil
	// error so the model can see it and recover.
	Invoke(ctx context.Context, args map[string]any, perms *Permissions) (*Result, error)
}

// Result is the outcome of a single tool invocation.
type Result struct {
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Ok builds a successful result.
func Ok(output string) *Result {
	return &Result{Success: true, Output: output}
}

// Fail builds a tool-level failure result.
func Fail(msg string) *Result {
	return &Result{Success: false, Error: msg}
}
