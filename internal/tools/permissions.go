package tools

import (
	"fmt"
	"sort"
	"strings"
)

// Filesystem access tiers, ordered none < read < write.
const (
	FSNone  = "none"
	FSRead  = "read"
	FSWrite = "write"
)

// Permissions bounds what a caller may invoke. The zero value is the
// most permissive: every registered tool allowed, nothing restricted,
// full filesystem access, no call cap.
type Permissions struct {
	// Allowed lists tool names the caller may use. Empty means all
	// registered tools.
	Allowed []string `json:"allowed,omitempty" yaml:"allowed,omitempty"`

	// Restricted lists tool names that are always refused, even when
	// Allowed names them.
	Restricted []string `json:"restricted,omitempty" yaml:"restricted,omitempty"`

	// ReadOnly refuses any tool that writes to the filesystem or
	// mutates external state.
	ReadOnly bool `json:"read_only,omitempty" yaml:"read_only,omitempty"`

	// NetworkAccess permits tools that leave the machine.
	NetworkAccess bool `json:"network_access,omitempty" yaml:"network_access,omitempty"`

	// FilesystemAccess is one of none, read, write. Empty means write.
	FilesystemAccess string `json:"filesystem_access,omitempty" yaml:"filesystem_access,omitempty"`

	// DangerousOperations permits calls the approval gate classifies
	// critical. Without it such calls are refused outright.
	DangerousOperations bool `json:"dangerous_operations,omitempty" yaml:"dangerous_operations,omitempty"`

	// GitOperations permits tools or shell commands that drive git.
	GitOperations bool `json:"git_operations,omitempty" yaml:"git_operations,omitempty"`

	// MaxToolCalls caps the number of invocations for the holder's
	// lifetime. Zero means unlimited.
	MaxToolCalls int `json:"max_tool_calls,omitempty" yaml:"max_tool_calls,omitempty"`
}

// DefaultPermissions returns the interactive-session default: everything
// allowed, full filesystem access, network and git on. Dangerous
// operations stay permitted here because the approval gate still prompts
// for them; spawned-agent templates withhold them instead.
func DefaultPermissions() *Permissions {
	return &Permissions{
		NetworkAccess:       true,
		FilesystemAccess:    FSWrite,
		GitOperations:       true,
		DangerousOperations: true,
	}
}

// ReadOnlyPermissions returns a permission set suitable for research
// style agents: reads only, no network, no git.
func ReadOnlyPermissions() *Permissions {
	return &Permissions{
		ReadOnly:         true,
		FilesystemAccess: FSRead,
	}
}

// Normalize removes restricted names from the allowed set and sorts both
// for stable reporting. It is called by Merge and should be called after
// hand-constructing a Permissions whose sets may overlap.
func (p *Permissions) Normalize() {
	if len(p.Restricted) > 0 && len(p.Allowed) > 0 {
		blocked := make(map[string]struct{}, len(p.Restricted))
		for _, name := range p.Restricted {
			blocked[name] = struct{}{}
		}
		kept := p.Allowed[:0]
		for _, name := range p.Allowed {
			if _, ok := blocked[name]; !ok {
				kept = append(kept, name)
			}
		}
		p.Allowed = kept
	}
	sort.Strings(p.Allowed)
	sort.Strings(p.Restricted)
}

// Merge combines two permission sets, keeping only capabilities both
// grant. Allowed intersects (empty meaning all), Restricted unions,
// booleans combine restrictively, FilesystemAccess takes the narrower
// tier, and MaxToolCalls takes the smaller nonzero cap. Used when a
// spawned agent requests permissions against its template defaults.
func (p *Permissions) Merge(other *Permissions) *Permissions {
	if other == nil {
		out := *p
		out.Allowed = append([]string(nil), p.Allowed...)
		out.Restricted = append([]string(nil), p.Restricted...)
		out.Normalize()
		return &out
	}

	out := &Permissions{
		Allowed:             intersect(p.Allowed, other.Allowed),
		Restricted:          union(p.Restricted, other.Restricted),
		ReadOnly:            p.ReadOnly || other.ReadOnly,
		NetworkAccess:       p.NetworkAccess && other.NetworkAccess,
		FilesystemAccess:    narrowerFS(p.FilesystemAccess, other.FilesystemAccess),
		DangerousOperations: p.DangerousOperations && other.DangerousOperations,
		GitOperations:       p.GitOperations && other.GitOperations,
		MaxToolCalls:        minNonzero(p.MaxToolCalls, other.MaxToolCalls),
	}
	out.Normalize()
	return out
}

// Allows reports whether the named tool passes this permission set. A
// nil receiver allows everything.
func (p *Permissions) Allows(name string) error {
	if p == nil {
		return nil
	}
	for _, blocked := range p.Restricted {
		if blocked == name {
			return fmt.Errorf("%w: %q is restricted", ErrNotPermitted, name)
		}
	}
	if len(p.Allowed) > 0 {
		for _, granted := range p.Allowed {
			if granted == name {
				return nil
			}
		}
		return fmt.Errorf("%w: %q is not in the allowed set [%s]",
			ErrNotPermitted, name, strings.Join(p.Allowed, ", "))
	}
	return nil
}

// fsRank orders filesystem tiers for narrowing. Unknown values rank as
// write so a typo never silently tightens a grant.
func fsRank(tier string) int {
	switch tier {
	case FSNone:
		return 0
	case FSRead:
		return 1
	default:
		return 2
	}
}

func narrowerFS(a, b string) string {
	if a == "" {
		a = FSWrite
	}
	if b == "" {
		b = FSWrite
	}
	if fsRank(a) <= fsRank(b) {
		return a
	}
	return b
}

// intersect returns names present in both sets, with an empty set
// meaning "all tools" on either side.
func intersect(a, b []string) []string {
	if len(a) == 0 {
		return append([]string(nil), b...)
	}
	if len(b) == 0 {
		return append([]string(nil), a...)
	}
	in := make(map[string]struct{}, len(b))
	for _, name := range b {
		in[name] = struct{}{}
	}
	var out []string
	for _, name := range a {
		if _, ok := in[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, name := range a {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	for _, name := range b {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

func minNonzero(a, b int) int {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
