// Package gitctx ingests git history into the project store and
// produces per-file history excerpts for the git memory layer. A
// project without a .git directory is simply skipped, never an error.
package gitctx

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"flexicli/internal/logging"
	"flexicli/internal/store"
)

const commitMarker = "COMMIT:"

// IsRepo reports whether root lives inside a git work tree. A missing
// git binary counts as "no".
func IsRepo(ctx context.Context, root string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = root
	return cmd.Run() == nil
}

func hasCommits(ctx context.Context, root string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "HEAD")
	cmd.Dir = root
	return cmd.Run() == nil
}

// ScanHistory reads the newest limit commits, oldest first, with
// per-file change summaries from numstat.
func ScanHistory(ctx context.Context, root string, limit int) ([]store.GitCommit, error) {
	if limit <= 0 {
		limit = store.DefaultCommitCap
	}
	cmd := exec.CommandContext(ctx, "git", "log",
		fmt.Sprintf("-n%d", limit),
		"--reverse",
		"--pretty=format:"+commitMarker+"%H|%an|%ct|%s",
		"--numstat",
	)
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git log failed: %w", err)
	}
	return parseHistory(out), nil
}

// parseHistory walks log output where each commit starts with a marker
// line and is followed by numstat lines ("added\tdeleted\tpath").
func parseHistory(out []byte) []store.GitCommit {
	var commits []store.GitCommit
	var cur *store.GitCommit
	var summary []string

	flush := func() {
		if cur == nil {
			return
		}
		cur.DiffSummary = strings.Join(summary, "\n")
		commits = append(commits, *cur)
		cur, summary = nil, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, commitMarker) {
			flush()
			parts := strings.SplitN(strings.TrimPrefix(line, commitMarker), "|", 4)
			if len(parts) < 4 {
				continue
			}
			c := store.GitCommit{Hash: parts[0], Author: parts[1], Message: parts[3]}
			if ts, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
				c.Date = time.Unix(ts, 0).UTC()
			}
			cur = &c
			continue
		}
		if cur == nil || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		if fields[0] == "-" {
			summary = append(summary, fields[2]+" (binary)")
		} else {
			summary = append(summary, fmt.Sprintf("%s +%s -%s", fields[2], fields[0], fields[1]))
		}
	}
	flush()
	return commits
}

// Ingest scans history and writes it into the store. Returns the
// number of commits stored; a non-repo or empty repo stores zero.
func Ingest(ctx context.Context, st *store.Store, root string, limit int) (int, error) {
	log := logging.Get(logging.CategoryGit)
	if !IsRepo(ctx, root) {
		log.Debug("no git repository at %s, skipping ingestion", root)
		return 0, nil
	}
	if !hasCommits(ctx, root) {
		log.Debug("repository at %s has no commits yet", root)
		return 0, nil
	}

	timer := logging.StartTimer(logging.CategoryGit, "Ingest")
	defer timer.Stop()

	commits, err := ScanHistory(ctx, root, limit)
	if err != nil {
		return 0, err
	}
	n, err := st.InsertCommits(commits, limit)
	if err != nil {
		return n, err
	}
	log.Info("ingested %d commits from %s", n, root)
	return n, nil
}

// FileExcerpt returns recent patches touching path, each hunk carrying
// three lines of surrounding context. Callers trim to their budget.
func FileExcerpt(ctx context.Context, root, path string, maxCommits int) (string, error) {
	if maxCommits <= 0 {
		maxCommits = 3
	}
	cmd := exec.CommandContext(ctx, "git", "log",
		fmt.Sprintf("-n%d", maxCommits),
		"-p", "-U3",
		"--pretty=format:commit %h %an: %s",
		"--", path)
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git log -p failed for %s: %w", path, err)
	}
	return string(out), nil
}

// StoredSummary renders the stored commit records that mention path,
// oldest first. Used when live git access is unavailable.
func StoredSummary(st *store.Store, path string, limit int) (string, error) {
	commits, err := st.CommitsMentioning([]string{path}, limit)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range commits {
		fmt.Fprintf(&b, "%s %s %s: %s\n", c.Hash[:8], c.Date.Format("2006-01-02"), c.Author, c.Message)
		for _, line := range strings.Split(c.DiffSummary, "\n") {
			if line != "" && strings.Contains(line, path) {
				b.WriteString("  " + line + "\n")
			}
		}
	}
	return b.String(), nil
}

// RepoStatus is a snapshot of the working tree for status reporting.
type RepoStatus struct {
	Branch string
	Commit string
	Dirty  bool
}

// Describe reports branch, short head commit, and dirty state.
func Describe(ctx context.Context, root string) (*RepoStatus, error) {
	if !IsRepo(ctx, root) {
		return nil, fmt.Errorf("not a git repository: %s", root)
	}
	status := &RepoStatus{}

	if out, err := gitOutput(ctx, root, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		status.Branch = strings.TrimSpace(out)
	}
	if out, err := gitOutput(ctx, root, "rev-parse", "--short", "HEAD"); err == nil {
		status.Commit = strings.TrimSpace(out)
	}
	out, err := gitOutput(ctx, root, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}
	status.Dirty = strings.TrimSpace(out) != ""
	return status, nil
}

func gitOutput(ctx context.Context, root string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = root
	out, err := cmd.Output()
	return string(out), err
}
