package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"flexicli/internal/logging"
	"flexicli/internal/tools"
)

const (
	// maxShellOutput caps combined stdout+stderr per command.
	maxShellOutput = 64 * 1024

	defaultShellTimeout = 60 * time.Second
	maxShellTimeout     = 10 * time.Minute
)

// networkHeads are command heads that leave the machine. Refused when
// the caller's permissions withhold network access.
var networkHeads = map[string]struct{}{
	"curl": {}, "wget": {}, "ssh": {}, "scp": {}, "rsync": {},
	"nc": {}, "netcat": {}, "ping": {}, "telnet": {}, "ftp": {},
}

// limitedWriter buffers up to max bytes and silently discards the rest,
// remembering that it did.
type limitedWriter struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.buf.Len() >= w.max {
		w.truncated = true
		return len(p), nil
	}
	room := w.max - w.buf.Len()
	if len(p) > room {
		w.buf.Write(p[:room])
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

// Shell returns the shell tool bound to scope. Commands run through the
// platform shell with the scope root as the default working directory.
func Shell(scope *Scope) tools.Tool {
	return &funcTool{
		name:        "shell",
		description: "Execute a shell command and return its output",
		sensitivity: tools.SensitivityMedium,
		schema: []byte(`{
			"type": "object",
			"properties": {
				"command":         {"type": "string", "description": "Command to execute"},
				"working_dir":     {"type": "string", "description": "Working directory, relative to the workspace"},
				"timeout_seconds": {"type": "integer", "minimum": 1, "description": "Kill the command after this long (default 60)"}
			},
			"required": ["command"]
		}`),
		run: func(ctx context.Context, args map[string]any, perms *tools.Permissions) (*tools.Result, error) {
			command := strings.TrimSpace(argString(args, "command"))
			if command == "" {
				return tools.Fail("command must not be empty"), nil
			}
			if msg := refuseByPolicy(command, perms); msg != "" {
				return tools.Fail(msg), nil
			}

			dir := scope.Root()
			if wd := argString(args, "working_dir"); wd != "" {
				resolved, err := scope.Resolve(wd)
				if err != nil {
					return tools.Fail(err.Error()), nil
				}
				dir = resolved
			}

			timeout := defaultShellTimeout
			if secs := argInt(args, "timeout_seconds", 0); secs > 0 {
				timeout = time.Duration(secs) * time.Second
				if timeout > maxShellTimeout {
					timeout = maxShellTimeout
				}
			}
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var cmd *exec.Cmd
			if runtime.GOOS == "windows" {
				cmd = exec.CommandContext(runCtx, "cmd", "/C", command)
			} else {
				cmd = exec.CommandContext(runCtx, "sh", "-c", command)
			}
			cmd.Dir = dir
			cmd.Env = os.Environ()

			stdout := &limitedWriter{max: maxShellOutput}
			stderr := &limitedWriter{max: maxShellOutput}
			cmd.Stdout = stdout
			cmd.Stderr = stderr

			started := time.Now()
			runErr := cmd.Run()
			elapsed := time.Since(started)

			output := stdout.buf.String()
			if stderr.buf.Len() > 0 {
				if output != "" {
					output += "\n--- stderr ---\n"
				}
				output += stderr.buf.String()
			}
			truncated := stdout.truncated || stderr.truncated

			if runErr != nil {
				switch {
				case errors.Is(runCtx.Err(), context.DeadlineExceeded):
					logging.Tools("shell timed out after %s: %s", timeout, command)
					return &tools.Result{
						Success:   false,
						Output:    output,
						Error:     fmt.Sprintf("command timed out after %s", timeout),
						Truncated: truncated,
					}, nil
				case errors.Is(runCtx.Err(), context.Canceled):
					return &tools.Result{
						Success:   false,
						Output:    output,
						Error:     "command canceled",
						Truncated: truncated,
					}, nil
				}
				var exitErr *exec.ExitError
				if errors.As(runErr, &exitErr) {
					logging.Tools("shell exited %d in %s: %s", exitErr.ExitCode(), elapsed.Round(time.Millisecond), command)
					return &tools.Result{
						Success:   false,
						Output:    output,
						Error:     fmt.Sprintf("exit status %d", exitErr.ExitCode()),
						Truncated: truncated,
					}, nil
				}
				return nil, fmt.Errorf("run %q: %w", command, runErr)
			}

			logging.Tools("shell ok in %s: %s (%d bytes)", elapsed.Round(time.Millisecond), command, len(output))
			return &tools.Result{Success: true, Output: output, Truncated: truncated}, nil
		},
	}
}

// refuseByPolicy applies the hard permission caps a shell command can
// violate. The approval gate handles the interactive cases; this is the
// non-negotiable floor.
func refuseByPolicy(command string, perms *tools.Permissions) string {
	if perms == nil {
		return ""
	}
	heads := commandHeads(command)
	for _, head := range heads {
		if !perms.GitOperations && head == "git" {
			return "git operations are not permitted for this caller"
		}
		if !perms.NetworkAccess {
			if _, ok := networkHeads[head]; ok {
				return fmt.Sprintf("network access is not permitted for this caller (%s)", head)
			}
		}
	}
	return ""
}

// commandHeads returns the first token of each pipeline or sequence
// segment, lowercased, with leading env assignments and sudo stripped.
func commandHeads(command string) []string {
	segments := splitSegments(command)
	heads := make([]string, 0, len(segments))
	for _, seg := range segments {
		fields := strings.Fields(seg)
		for len(fields) > 0 {
			head := fields[0]
			if strings.Contains(head, "=") {
				fields = fields[1:]
				continue
			}
			if head == "sudo" || head == "env" || head == "nohup" || head == "time" {
				fields = fields[1:]
				continue
			}
			heads = append(heads, strings.ToLower(head))
			break
		}
	}
	return heads
}

// splitSegments breaks a shell command on |, ;, && and || without
// attempting full shell parsing. Quoted separators split too, which errs
// on the side of checking more heads than strictly necessary.
func splitSegments(command string) []string {
	replaced := strings.NewReplacer("&&", "\n", "||", "\n", "|", "\n", ";", "\n").Replace(command)
	parts := strings.Split(replaced, "\n")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
