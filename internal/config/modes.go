package config

import "fmt"

// Mode selects the response style and token budget profile.
type Mode string

const (
	// ModeDirect answers with minimal context and the tightest budget.
	ModeDirect Mode = "direct"
	// ModeConcise is the balanced default.
	ModeConcise Mode = "concise"
	// ModeDeep allows the largest context and output budgets.
	ModeDeep Mode = "deep"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDirect, ModeConcise, ModeDeep:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid mode %q (want direct, concise, or deep)", s)
}

// ApprovalMode controls how much the approval gate asks the user.
type ApprovalMode string

const (
	// ApprovalDefault prompts for medium and high sensitivity tools.
	ApprovalDefault ApprovalMode = "default"
	// ApprovalAutoEdit auto-approves file edits, prompts for high sensitivity.
	ApprovalAutoEdit ApprovalMode = "auto_edit"
	// ApprovalYolo approves everything without prompting.
	ApprovalYolo ApprovalMode = "yolo"
)

// ParseApprovalMode validates an approval mode string.
func ParseApprovalMode(s string) (ApprovalMode, error) {
	switch ApprovalMode(s) {
	case ApprovalDefault, ApprovalAutoEdit, ApprovalYolo:
		return ApprovalMode(s), nil
	}
	return "", fmt.Errorf("invalid approval mode %q (want default, auto_edit, or yolo)", s)
}
