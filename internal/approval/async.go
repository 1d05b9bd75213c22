package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingRequest is an approval question surfaced to an external UI.
type PendingRequest struct {
	ID          string    `json:"id"`
	Tool        string    `json:"tool"`
	Sensitivity string    `json:"sensitivity"`
	Summary     string    `json:"summary"`
	RequestedAt time.Time `json:"requested_at"`
}

// AsyncTransport holds each question until the UI resolves it by ID.
// The notify callback fires once per question, from the asking
// goroutine; implementations should return quickly.
type AsyncTransport struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	notify  func(*PendingRequest)
}

type pendingEntry struct {
	req  *PendingRequest
	done chan Response
}

// NewAsyncTransport builds a transport. notify may be nil when the UI
// polls Pending instead of listening for pushes.
func NewAsyncTransport(notify func(*PendingRequest)) *AsyncTransport {
	return &AsyncTransport{
		pending: make(map[string]*pendingEntry),
		notify:  notify,
	}
}

// Ask registers the question and blocks until Resolve or ctx
// cancellation. Cancellation counts as denial and withdraws the
// question.
func (t *AsyncTransport) Ask(ctx context.Context, req *Request) (Response, error) {
	entry := &pendingEntry{
		req: &PendingRequest{
			ID:          uuid.NewString(),
			Tool:        req.Tool,
			Sensitivity: req.Sensitivity.String(),
			Summary:     req.Summary,
			RequestedAt: time.Now(),
		},
		done: make(chan Response, 1),
	}

	t.mu.Lock()
	t.pending[entry.req.ID] = entry
	t.mu.Unlock()

	if t.notify != nil {
		t.notify(entry.req)
	}

	select {
	case resp := <-entry.done:
		return resp, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, entry.req.ID)
		t.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

// Resolve answers a pending question. Unknown IDs (already resolved,
// withdrawn, or never issued) return an error.
func (t *AsyncTransport) Resolve(id string, approved, remember bool) error {
	t.mu.Lock()
	entry, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval with id %q", id)
	}
	entry.done <- Response{Approved: approved, Remember: remember}
	return nil
}

// Pending lists open questions, oldest first.
func (t *AsyncTransport) Pending() []*PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*PendingRequest, 0, len(t.pending))
	for _, entry := range t.pending {
		out = append(out, entry.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}
