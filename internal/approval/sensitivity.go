// Package approval classifies tool calls by sensitivity and decides,
// per the configured approval mode, whether a call may proceed, asking
// the user through a console or asynchronous transport when it must.
package approval

import (
	"errors"

	"flexicli/internal/tools"
)

// Sensitivity orders how much damage a tool call can do. Higher values
// require more caution.
type Sensitivity int

const (
	SensitivityNone Sensitivity = iota
	SensitivityLow
	SensitivityMedium
	SensitivityHigh
	SensitivityCritical
)

var sensitivityNames = []string{"none", "low", "medium", "high", "critical"}

func (s Sensitivity) String() string {
	if s < 0 || int(s) >= len(sensitivityNames) {
		return "unknown"
	}
	return sensitivityNames[s]
}

// ParseSensitivity maps a tool's sensitivity hint string to the ordered
// type. Unknown strings parse as low so a malformed hint never silently
// auto-approves a mutating tool in default mode yet never blocks a read.
func ParseSensitivity(hint string) Sensitivity {
	switch hint {
	case tools.SensitivityNone:
		return SensitivityNone
	case tools.SensitivityLow:
		return SensitivityLow
	case tools.SensitivityMedium:
		return SensitivityMedium
	case tools.SensitivityHigh:
		return SensitivityHigh
	case tools.SensitivityCritical:
		return SensitivityCritical
	default:
		return SensitivityLow
	}
}

func maxSensitivity(a, b Sensitivity) Sensitivity {
	if a > b {
		return a
	}
	return b
}

var (
	// ErrTerminated is returned when the user ends the session from an
	// approval prompt (Ctrl-C or closed stdin). The caller should stop
	// the whole turn, not just this call.
	ErrTerminated = errors.New("approval prompt terminated")

	// ErrDangerousNotPermitted is returned when a critical call is
	// refused because the caller's permissions withhold dangerous
	// operations. No prompt is shown; the refusal is absolute.
	ErrDangerousNotPermitted = errors.New("dangerous operation not permitted")
)
