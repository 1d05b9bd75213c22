package indexer

import (
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// FileEntry is one indexable file found by the walk.
type FileEntry struct {
	Rel     string // slash-separated, relative to the project root
	Size    int64
	ModTime time.Time
}

// hiddenDirAllowed covers hidden directories that carry real project
// configuration. Everything else starting with a dot is skipped,
// .flexicli and .git always.
var hiddenDirAllowed = map[string]bool{
	".github":   true,
	".vscode":   true,
	".circleci": true,
	".config":   true,
}

// Walk lists indexable files under root, applying the skip rules:
// hidden and ignored directories are pruned, dotfiles and oversized
// files are dropped.
func Walk(root string, cfg Config) ([]FileEntry, error) {
	var files []FileEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		name := d.Name()

		if d.IsDir() {
			if skipDir(name, rel, cfg.IgnorePatterns) {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(name, ".") {
			return nil
		}
		if ignoredRel(rel, name, cfg.IgnorePatterns) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if cfg.MaxFileBytes > 0 && info.Size() > cfg.MaxFileBytes {
			return nil
		}
		files = append(files, FileEntry{Rel: rel, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	return files, err
}

func skipDir(name, rel string, patterns []string) bool {
	if strings.HasPrefix(name, ".") {
		return !hiddenDirAllowed[name]
	}
	return ignoredRel(rel, name, patterns)
}

// ignoredRel matches a relative path against ignore patterns: plain
// names match any path segment, globs match the whole relative path.
func ignoredRel(rel, name string, patterns []string) bool {
	for _, raw := range patterns {
		p := strings.TrimSuffix(strings.TrimSpace(filepath.ToSlash(raw)), "/")
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, "*?[") {
			if ok, _ := path.Match(p, rel); ok {
				return true
			}
			continue
		}
		if name == p || rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
	}
	return false
}
