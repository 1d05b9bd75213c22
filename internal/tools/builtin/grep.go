package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"flexicli/internal/logging"
	"flexicli/internal/tools"
)

const (
	// maxGrepFileBytes skips files larger than this; they are almost
	// always build artifacts or data blobs.
	maxGrepFileBytes = 1 << 20

	// grepScanBuffer is the line buffer ceiling, matching the longest
	// line the indexer tolerates.
	grepScanBuffer = 1 << 20

	defaultGrepResults = 50
)

// Grep returns the grep tool bound to scope. It searches file contents
// with a Go regexp and reports path:line: text matches.
func Grep(scope *Scope) tools.Tool {
	return &funcTool{
		name:        "grep",
		description: "Search file contents with a regular expression",
		sensitivity: tools.SensitivityNone,
		schema: []byte(`{
			"type": "object",
			"properties": {
				"pattern":      {"type": "string", "description": "Go regular expression"},
				"path":         {"type": "string", "description": "File or directory to search (default: workspace root)"},
				"file_pattern": {"type": "string", "description": "Glob filter on file names, e.g. *.go"},
				"max_results":  {"type": "integer", "minimum": 1, "description": "Stop after this many matches (default 50)"},
				"ignore_case":  {"type": "boolean", "description": "Case-insensitive match"}
			},
			"required": ["pattern"]
		}`),
		run: func(ctx context.Context, args map[string]any, perms *tools.Permissions) (*tools.Result, error) {
			if err := requireFS(perms, tools.FSRead); err != nil {
				return tools.Fail(err.Error()), nil
			}

			pattern := argString(args, "pattern")
			if argBool(args, "ignore_case", false) {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return tools.Fail(fmt.Sprintf("bad pattern: %v", err)), nil
			}

			target := argString(args, "path")
			if target == "" {
				target = "."
			}
			root, err := scope.Resolve(target)
			if err != nil {
				return tools.Fail(err.Error()), nil
			}

			filePattern := argString(args, "file_pattern")
			maxResults := argInt(args, "max_results", defaultGrepResults)
			if maxResults < 1 {
				maxResults = defaultGrepResults
			}

			info, err := os.Stat(root)
			if err != nil {
				if fileMissing(err) {
					return tools.Fail(fmt.Sprintf("file not found: %s", target)), nil
				}
				return nil, fmt.Errorf("stat %s: %w", root, err)
			}

			var matches []string
			truncated := false
			search := func(path, display string) error {
				found, err := grepFile(path, display, re, maxResults-len(matches))
				if err != nil {
					return nil
				}
				matches = append(matches, found...)
				return nil
			}

			if !info.IsDir() {
				_ = search(root, target)
			} else {
				err = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
					if err != nil {
						return nil
					}
					if ctx.Err() != nil {
						return ctx.Err()
					}
					if len(matches) >= maxResults {
						truncated = true
						return filepath.SkipAll
					}
					name := d.Name()
					if d.IsDir() {
						if strings.HasPrefix(name, ".") && p != root {
							return filepath.SkipDir
						}
						return nil
					}
					if strings.HasPrefix(name, ".") {
						return nil
					}
					if filePattern != "" {
						if ok, _ := filepath.Match(filePattern, name); !ok {
							return nil
						}
					}
					if fi, err := d.Info(); err != nil || fi.Size() > maxGrepFileBytes {
						return nil
					}
					rel, relErr := filepath.Rel(root, p)
					if relErr != nil {
						rel = p
					}
					return search(p, rel)
				})
				if err != nil {
					return nil, err
				}
			}

			if len(matches) >= maxResults {
				matches = matches[:maxResults]
				truncated = true
			}
			logging.Get(logging.CategoryTools).Debug("grep %q: %d matches", argString(args, "pattern"), len(matches))
			if len(matches) == 0 {
				return tools.Ok("no matches"), nil
			}
			return &tools.Result{Success: true, Output: strings.Join(matches, "\n"), Truncated: truncated}, nil
		},
	}
}

// grepFile scans one file line by line, returning up to limit matches as
// "display:line: text". Unreadable or binary-looking files yield an
// error the caller skips.
func grepFile(path, display string, re *regexp.Regexp, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), grepScanBuffer)

	var matches []string
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.ContainsRune(line, '\x00') {
			return matches, nil
		}
		if re.MatchString(line) {
			matches = append(matches, fmt.Sprintf("%s:%d: %s", display, lineNum, strings.TrimRight(line, "\r")))
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, scanner.Err()
}
