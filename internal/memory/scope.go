package memory

import (
	"path"
	"strings"
)

// scopeFilter restricts which paths the retrieved and git layers may
// read. Mini-agents run with a scope so their context stays inside the
// files the parent handed them.
type scopeFilter struct {
	files    []string
	patterns []string
}

func newScopeFilter(files, patterns []string) *scopeFilter {
	f := &scopeFilter{}
	for _, p := range files {
		p = strings.TrimPrefix(strings.TrimSpace(p), "./")
		if p != "" {
			f.files = append(f.files, p)
		}
	}
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			f.patterns = append(f.patterns, p)
		}
	}
	if len(f.files) == 0 && len(f.patterns) == 0 {
		return nil
	}
	return f
}

// allows reports whether p falls inside the scope. Files match exactly
// or as directory prefixes; patterns match as globs against the full
// path and its basename, or as plain substrings when they carry no
// glob metacharacters.
func (f *scopeFilter) allows(p string) bool {
	if f == nil {
		return true
	}
	p = strings.TrimPrefix(p, "./")
	for _, file := range f.files {
		if p == file || strings.HasPrefix(p, file+"/") {
			return true
		}
	}
	for _, pat := range f.patterns {
		if !strings.ContainsAny(pat, "*?[") {
			if strings.Contains(p, pat) {
				return true
			}
			continue
		}
		if ok, err := path.Match(pat, p); err == nil && ok {
			return true
		}
		if ok, err := path.Match(pat, path.Base(p)); err == nil && ok {
			return true
		}
	}
	return false
}
