package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"flexicli/internal/config"
	"flexicli/internal/logging"
	"flexicli/internal/tools"
)

// Request is one call awaiting a decision.
type Request struct {
	Tool        string
	Args        map[string]any
	Sensitivity Sensitivity
	Summary     string
}

// Response is the user's answer. Remember extends the answer to every
// later call with the same (tool, sensitivity) for this session.
type Response struct {
	Approved bool
	Remember bool
}

// Transport asks the user. Implementations must honor ctx cancellation.
type Transport interface {
	Ask(ctx context.Context, req *Request) (Response, error)
}

// Gate decides whether tool calls may proceed.
type Gate struct {
	mu         sync.Mutex
	mode       config.ApprovalMode
	transport  Transport
	classifier *Classifier
	remembered map[string]bool
}

// NewGate builds a gate. A nil classifier uses the default; a nil
// transport denies everything that would need a prompt.
func NewGate(mode config.ApprovalMode, transport Transport, classifier *Classifier) *Gate {
	if classifier == nil {
		classifier = &Classifier{}
	}
	return &Gate{
		mode:       mode,
		transport:  transport,
		classifier: classifier,
		remembered: make(map[string]bool),
	}
}

// SetMode switches the decision mode at runtime (REPL /mode command).
func (g *Gate) SetMode(mode config.ApprovalMode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mode = mode
}

// Mode returns the current decision mode.
func (g *Gate) Mode() config.ApprovalMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Check classifies the call and applies the decision mode. hint is the
// tool's own sensitivity hint and acts as a floor under the classified
// level. A critical call is refused outright when perms withhold
// dangerous operations, whatever the mode. The bool reports approval;
// ErrTerminated means the user ended the session from the prompt.
func (g *Gate) Check(ctx context.Context, tool, hint string, args map[string]any, perms *tools.Permissions) (bool, error) {
	sens := maxSensitivity(g.classifier.Classify(tool, args), ParseSensitivity(hint))

	if sens == SensitivityCritical && perms != nil && !perms.DangerousOperations {
		logging.Get(logging.CategoryApproval).Warn("refused critical call %s: dangerous operations withheld", tool)
		return false, fmt.Errorf("%w: %s", ErrDangerousNotPermitted, tool)
	}

	g.mu.Lock()
	mode := g.mode
	g.mu.Unlock()

	switch mode {
	case config.ApprovalYolo:
		logging.Get(logging.CategoryApproval).Debug("auto-approved %s (%s, mode=yolo)", tool, sens)
		return true, nil
	case config.ApprovalAutoEdit:
		if sens <= SensitivityMedium {
			logging.Get(logging.CategoryApproval).Debug("auto-approved %s (%s, mode=auto_edit)", tool, sens)
			return true, nil
		}
	default:
		if sens == SensitivityNone {
			return true, nil
		}
	}

	key := tool + "|" + sens.String()
	g.mu.Lock()
	answer, cached := g.remembered[key]
	g.mu.Unlock()
	if cached {
		logging.Get(logging.CategoryApproval).Debug("remembered answer for %s (%s): %v", tool, sens, answer)
		return answer, nil
	}

	if g.transport == nil {
		logging.Get(logging.CategoryApproval).Warn("denied %s (%s): no approval transport", tool, sens)
		return false, nil
	}

	resp, err := g.transport.Ask(ctx, &Request{
		Tool:        tool,
		Args:        args,
		Sensitivity: sens,
		Summary:     Summarize(tool, args),
	})
	if err != nil {
		return false, err
	}
	if resp.Remember {
		g.mu.Lock()
		g.remembered[key] = resp.Approved
		g.mu.Unlock()
	}
	logging.Approval("%s (%s): approved=%v remember=%v", tool, sens, resp.Approved, resp.Remember)
	return resp.Approved, nil
}

// Summarize renders a one-line description of the call for prompts and
// pending-approval listings.
func Summarize(tool string, args map[string]any) string {
	if cmd := stringArg(args, "command", "script"); cmd != "" {
		return oneLine(cmd, 120)
	}
	if path := stringArg(args, "path", "file", "filename"); path != "" {
		return path
	}
	if len(args) == 0 {
		return tool
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return tool
	}
	return oneLine(string(raw), 120)
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
