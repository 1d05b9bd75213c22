package approval

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func consoleRequest() *Request {
	return &Request{
		Tool:        "shell",
		Sensitivity: SensitivityHigh,
		Summary:     "git push origin main",
	}
}

func TestConsoleApprove(t *testing.T) {
	var out bytes.Buffer
	tr := NewConsoleTransport(strings.NewReader("y\n"), &out)

	resp, err := tr.Ask(context.Background(), consoleRequest())
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.False(t, resp.Remember)
	assert.Contains(t, out.String(), "approval required: shell (high)")
	assert.Contains(t, out.String(), "git push origin main")
}

func TestConsoleAlwaysRemembers(t *testing.T) {
	var out bytes.Buffer
	tr := NewConsoleTransport(strings.NewReader("always\n"), &out)

	resp, err := tr.Ask(context.Background(), consoleRequest())
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.True(t, resp.Remember)
}

func TestConsoleDeny(t *testing.T) {
	for _, answer := range []string{"n\n", "no\n", "\n", "whatever\n"} {
		var out bytes.Buffer
		tr := NewConsoleTransport(strings.NewReader(answer), &out)

		resp, err := tr.Ask(context.Background(), consoleRequest())
		require.NoError(t, err, "answer %q", answer)
		assert.False(t, resp.Approved, "answer %q", answer)
	}
}

func TestConsoleClosedInputTerminates(t *testing.T) {
	var out bytes.Buffer
	tr := NewConsoleTransport(strings.NewReader(""), &out)

	_, err := tr.Ask(context.Background(), consoleRequest())
	require.ErrorIs(t, err, ErrTerminated)
}

func TestConsoleSequentialPrompts(t *testing.T) {
	var out bytes.Buffer
	tr := NewConsoleTransport(strings.NewReader("y\nn\n"), &out)

	resp, err := tr.Ask(context.Background(), consoleRequest())
	require.NoError(t, err)
	assert.True(t, resp.Approved)

	resp, err = tr.Ask(context.Background(), consoleRequest())
	require.NoError(t, err)
	assert.False(t, resp.Approved)
}

func TestSharedTransportUsesCallerLines(t *testing.T) {
	lines := make(chan string, 2)
	var out bytes.Buffer
	tr := NewSharedTransport(lines, &out)

	lines <- "y"
	resp, err := tr.Ask(context.Background(), consoleRequest())
	require.NoError(t, err)
	assert.True(t, resp.Approved)

	lines <- "  no  "
	resp, err = tr.Ask(context.Background(), consoleRequest())
	require.NoError(t, err)
	assert.False(t, resp.Approved)

	close(lines)
	_, err = tr.Ask(context.Background(), consoleRequest())
	require.ErrorIs(t, err, ErrTerminated)
}

func TestConsoleContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	tr := NewConsoleTransport(pr, &out)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Ask(ctx, consoleRequest())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAsyncResolveApproves(t *testing.T) {
	notified := make(chan *PendingRequest, 1)
	tr := NewAsyncTransport(func(req *PendingRequest) { notified <- req })

	type outcome struct {
		resp Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := tr.Ask(context.Background(), consoleRequest())
		done <- outcome{resp, err}
	}()

	var pending *PendingRequest
	select {
	case pending = <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("notify callback never fired")
	}
	assert.Equal(t, "shell", pending.Tool)
	assert.Equal(t, "high", pending.Sensitivity)

	require.NoError(t, tr.Resolve(pending.ID, true, true))

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.True(t, got.resp.Approved)
		assert.True(t, got.resp.Remember)
	case <-time.After(2 * time.Second):
		t.Fatal("Ask never returned after Resolve")
	}
}

func TestAsyncPendingListing(t *testing.T) {
	tr := NewAsyncTransport(nil)

	go func() {
		_, _ = tr.Ask(context.Background(), consoleRequest())
	}()

	require.Eventually(t, func() bool {
		return len(tr.Pending()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pending := tr.Pending()
	require.NoError(t, tr.Resolve(pending[0].ID, false, false))

	require.Eventually(t, func() bool {
		return len(tr.Pending()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAsyncUnknownID(t *testing.T) {
	tr := NewAsyncTransport(nil)
	require.Error(t, tr.Resolve("missing", true, false))
}

func TestAsyncContextCancelWithdraws(t *testing.T) {
	tr := NewAsyncTransport(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := tr.Ask(ctx, consoleRequest())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return len(tr.Pending()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Ask did not return after cancellation")
	}
	assert.Empty(t, tr.Pending())
}
