package approval

import (
	"os"
	"path/filepath"
	"strings"
)

// Tool-name families. Classification keys off the resolved registry
// name, so aliases have already been folded by lookup.
var (
	shellTools = map[string]struct{}{
		"shell": {}, "bash": {}, "sh": {}, "run_command": {}, "execute_command": {}, "exec": {},
	}
	writeTools = map[string]struct{}{
		"write_file": {}, "edit_file": {}, "create_file": {}, "append_file": {},
	}
	deleteTools = map[string]struct{}{
		"delete_file": {}, "remove_file": {},
	}
	readTools = map[string]struct{}{
		"read_file": {}, "grep": {}, "glob": {}, "ls": {}, "list_dir": {},
		"list_files": {}, "memory": {}, "search": {}, "search_code": {},
	}

	// safeHeads are shell command heads that only observe.
	safeHeads = map[string]struct{}{
		"ls": {}, "cat": {}, "pwd": {}, "echo": {}, "which": {}, "find": {},
		"head": {}, "tail": {}, "grep": {}, "wc": {}, "stat": {}, "file": {},
		"du": {}, "df": {}, "env": {}, "printenv": {}, "date": {}, "whoami": {},
		"uname": {}, "type": {}, "dirname": {}, "basename": {}, "tree": {},
		"true": {}, "false": {}, "sort": {}, "uniq": {}, "cut": {}, "diff": {},
	}

	// criticalHeads always classify critical regardless of arguments.
	criticalHeads = map[string]struct{}{
		"sudo": {}, "chmod": {}, "chown": {}, "curl": {}, "wget": {},
		"format": {}, "mkfs": {}, "dd": {},
	}

	// sensitiveFileNames and sensitivePathPrefixes mark writes that can
	// change credentials, dependency resolution, or system behavior.
	sensitiveFileNames = map[string]struct{}{
		".env": {}, "package.json": {}, "Dockerfile": {}, "go.mod": {}, "go.sum": {},
	}
	sensitivePathPrefixes = []string{"/etc/", "/usr/", "/bin/", "/sbin/", "/boot/"}
	executableSuffixes    = []string{".sh", ".bash", ".exe", ".bat", ".cmd", ".ps1"}
)

// Classifier assigns a sensitivity to each tool call. Root anchors
// relative paths for the exists-already check on file writes; empty
// Root uses paths as given.
type Classifier struct {
	Root string
}

// Classify is a deterministic function of the call and the current
// filesystem state. Unrecognized tools classify low; the gate combines
// this with the tool's own sensitivity hint, so a conservative hint
// still prevails.
func (c *Classifier) Classify(tool string, args map[string]any) Sensitivity {
	name := strings.ToLower(tool)

	if _, ok := readTools[name]; ok {
		return SensitivityNone
	}
	if _, ok := shellTools[name]; ok {
		return classifyCommand(stringArg(args, "command", "script"))
	}
	if name == "git" || strings.HasPrefix(name, "git_") {
		return classifyGit(stringArg(args, "command", "subcommand", "args"))
	}
	if _, ok := deleteTools[name]; ok {
		return SensitivityHigh
	}
	if _, ok := writeTools[name]; ok {
		return c.classifyWrite(stringArg(args, "path", "file", "filename"))
	}
	return SensitivityLow
}

// Classify applies the default classifier, with relative write paths
// checked against the process working directory.
func Classify(tool string, args map[string]any) Sensitivity {
	var c Classifier
	return c.Classify(tool, args)
}

// classifyCommand grades a whole shell command by its worst segment.
func classifyCommand(command string) Sensitivity {
	command = strings.TrimSpace(command)
	if command == "" {
		return SensitivityMedium
	}

	worst := SensitivityNone
	for _, seg := range commandSegments(command) {
		worst = maxSensitivity(worst, classifySegment(seg))
		if worst == SensitivityCritical {
			break
		}
	}
	return worst
}

func classifySegment(segment string) Sensitivity {
	fields := strings.Fields(segment)
	// Skip leading VAR=value assignments; they are not the command.
	for len(fields) > 0 && strings.Contains(fields[0], "=") && !strings.HasPrefix(fields[0], "=") {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return SensitivityMedium
	}
	head := strings.ToLower(fields[0])
	rest := fields[1:]

	if _, ok := criticalHeads[head]; ok {
		return SensitivityCritical
	}
	if strings.HasPrefix(head, "mkfs.") {
		return SensitivityCritical
	}
	if head == "rm" {
		if hasRecursiveForce(rest) {
			return SensitivityCritical
		}
		return SensitivityHigh
	}
	if head == "mv" || head == "cp" {
		return SensitivityHigh
	}
	if head == "git" {
		// Through a shell the floor is medium; read-only git
		// subcommands classify low only for dedicated git tools.
		return maxSensitivity(SensitivityMedium, classifyGit(strings.Join(rest, " ")))
	}
	if _, ok := safeHeads[head]; ok {
		return SensitivityNone
	}
	return SensitivityMedium
}

// hasRecursiveForce reports whether an rm invocation carries both the
// recursive and force flags, in either combined or separate form.
func hasRecursiveForce(args []string) bool {
	recursive, force := false, false
	for _, a := range args {
		if !strings.HasPrefix(a, "-") || strings.HasPrefix(a, "--") {
			switch a {
			case "--recursive":
				recursive = true
			case "--force":
				force = true
			}
			continue
		}
		if strings.ContainsAny(a, "rR") {
			recursive = true
		}
		if strings.Contains(a, "f") {
			force = true
		}
	}
	return recursive && force
}

// classifyGit grades a git subcommand line.
func classifyGit(line string) Sensitivity {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return SensitivityLow
	}
	sub := fields[0]
	rest := fields[1:]

	switch sub {
	case "push", "rebase":
		return SensitivityHigh
	case "reset":
		if contains(rest, "--hard") {
			return SensitivityHigh
		}
		return SensitivityMedium
	case "clean":
		for _, a := range rest {
			if strings.HasPrefix(a, "-") && strings.ContainsAny(a, "fd") {
				return SensitivityHigh
			}
		}
		return SensitivityMedium
	case "add", "commit", "checkout":
		return SensitivityMedium
	default:
		return SensitivityLow
	}
}

// classifyWrite grades a file write by target path, then by whether the
// file already exists.
func (c *Classifier) classifyWrite(path string) Sensitivity {
	if path == "" {
		return SensitivityMedium
	}

	base := filepath.Base(path)
	if _, ok := sensitiveFileNames[base]; ok {
		return SensitivityHigh
	}
	if strings.HasPrefix(base, ".env.") || strings.HasPrefix(base, "Dockerfile.") {
		return SensitivityHigh
	}
	normalized := filepath.ToSlash(path)
	for _, prefix := range sensitivePathPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return SensitivityHigh
		}
	}
	lower := strings.ToLower(base)
	for _, suffix := range executableSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return SensitivityHigh
		}
	}

	resolved := path
	if !filepath.IsAbs(resolved) && c.Root != "" {
		resolved = filepath.Join(c.Root, resolved)
	}
	if _, err := os.Stat(resolved); err == nil {
		return SensitivityMedium
	}
	return SensitivityLow
}

// commandSegments splits on |, ;, && and || without full shell parsing.
func commandSegments(command string) []string {
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

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}

func stringArg(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
