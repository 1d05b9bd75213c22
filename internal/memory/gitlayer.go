package memory

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"flexicli/internal/budget"
	"flexicli/internal/gitctx"
	"flexicli/internal/logging"
	"flexicli/internal/store"
)

// gitFileTokenCap bounds the history excerpt carried per mentioned
// file.
const gitFileTokenCap = 500

// gitExcerptCommits is how many recent commits an excerpt covers.
const gitExcerptCommits = 3

// queryPathPattern finds file paths mentioned in free-form query text.
var queryPathPattern = regexp.MustCompile(
	`[A-Za-z0-9_][A-Za-z0-9_./-]*\.(?:go|py|rs|js|jsx|ts|tsx|java|rb|c|h|cpp|md|yaml|yml|json|toml|txt)\b`)

// filesInQuery extracts the file paths named in a query, first mention
// first, deduplicated. Paths are not required to exist on disk since
// deleted files still have useful history.
func filesInQuery(query string) []string {
	matches := queryPathPattern.FindAllString(query, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var files []string
	for _, m := range matches {
		p := strings.TrimPrefix(m, "./")
		if seen[p] {
			continue
		}
		seen[p] = true
		files = append(files, p)
	}
	return files
}

// collectGit builds the git-history section for files named in the
// query. Each file's excerpt comes from the live repository, falling
// back to ingested commits when git is unavailable, and is trimmed to
// the per-file token cap before being charged against the budget.
func collectGit(ctx context.Context, st *store.Store, man *budget.Manager, root, query string, scope *scopeFilter) (string, error) {
	files := filesInQuery(query)
	if len(files) == 0 {
		return "", nil
	}

	log := logging.Get(logging.CategoryGit)
	var sb strings.Builder
	for _, f := range files {
		if !scope.allows(f) {
			continue
		}
		excerpt, err := gitctx.FileExcerpt(ctx, root, f, gitExcerptCommits)
		if err != nil || excerpt == "" {
			stored, serr := gitctx.StoredSummary(st, f, gitExcerptCommits)
			if serr != nil || stored == "" {
				if err != nil {
					log.Debug("git excerpt unavailable for %s: %v", f, err)
				}
				continue
			}
			excerpt = stored
		}

		section := fmt.Sprintf("## %s\n%s\n", f, man.TrimToFit(excerpt, gitFileTokenCap))
		if _, err := man.Add(budget.CategoryGit, section); err != nil {
			break
		}
		sb.WriteString(section)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
