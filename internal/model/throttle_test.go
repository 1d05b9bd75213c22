package model

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"flexicli/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// fakeInner scripts one outcome per call. A non-nil gate makes every
// call block until the test sends on it.
type fakeInner struct {
	mu    sync.Mutex
	calls int
	order []string
	peak  int
	busy  int

	script []error
	gate   chan struct{}
}

func (f *fakeInner) Chat(ctx context.Context, messages []Message, mode config.Mode) (*Stream, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	if len(messages) > 0 {
		f.order = append(f.order, messages[len(messages)-1].Content)
	}
	f.busy++
	if f.busy > f.peak {
		f.peak = f.busy
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.mu.Lock()
			f.busy--
			f.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.busy--
	var err error
	if idx < len(f.script) {
		err = f.script[idx]
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s := newStream()
	s.push(context.Background(), "done")
	s.finish(Usage{PromptTokens: 1, CompletionTokens: 1}, nil)
	return s, nil
}

func (f *fakeInner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeInner) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeInner) peakBusy() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func newTestThrottle(inner Client, tweak func(*config.ThrottleSettings)) *ThrottledClient {
	cfg := config.ThrottleSettings{
		MaxConcurrentRequests: 4,
		RequestsPerMinute:     100000,
		TokensPerMinute:       10000000,
		RetryAttempts:         3,
		Enabled:               true,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return NewThrottledClient(inner, cfg, Options{
		BackoffBase:    5 * time.Millisecond,
		AttemptTimeout: 5 * time.Second,
	})
}

func userMessage(text string) []Message {
	return []Message{{Role: RoleUser, Content: text}}
}

func TestThrottleRetriesOnTransientErrors(t *testing.T) {
	inner := &fakeInner{script: []error{
		&APIError{Status: 429},
		&APIError{Status: 502},
		nil,
	}}
	tc := newTestThrottle(inner, nil)
	defer tc.Close()

	stream, err := tc.Chat(context.Background(), userMessage("q"), config.ModeDirect)
	require.NoError(t, err)
	text, err := stream.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", text)
	assert.Equal(t, 3, inner.count())
}

func TestThrottleGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &fakeInner{script: []error{
		&APIError{Status: 503},
		&APIError{Status: 503},
		&APIError{Status: 503},
		&APIError{Status: 503},
	}}
	tc := newTestThrottle(inner, nil)
	defer tc.Close()

	_, err := tc.Chat(context.Background(), userMessage("q"), config.ModeDirect)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 503, apiErr.Status)
	assert.Equal(t, 3, inner.count())
}

func TestThrottleDoesNotRetryClientErrors(t *testing.T) {
	inner := &fakeInner{script: []error{&APIError{Status: 400}}}
	tc := newTestThrottle(inner, nil)
	defer tc.Close()

	_, err := tc.Chat(context.Background(), userMessage("q"), config.ModeDirect)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, 1, inner.count())
}

func TestThrottleHonorsRetryAfter(t *testing.T) {
	inner := &fakeInner{script: []error{
		&APIError{Status: 429, RetryAfter: 200 * time.Millisecond},
		nil,
	}}
	tc := newTestThrottle(inner, nil)
	defer tc.Close()

	start := time.Now()
	stream, err := tc.Chat(context.Background(), userMessage("q"), config.ModeDirect)
	require.NoError(t, err)
	_, err = stream.Text(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, 2, inner.count())
}

func TestThrottleDispatchesInArrivalOrder(t *testing.T) {
	inner := &fakeInner{gate: make(chan struct{})}
	tc := newTestThrottle(inner, func(c *config.ThrottleSettings) {
		c.MaxConcurrentRequests = 1
	})
	defer tc.Close()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stream, err := tc.Chat(context.Background(), userMessage(fmt.Sprintf("call-%d", i)), config.ModeDirect)
			if err == nil {
				stream.Text(context.Background())
			}
		}(i)
		// Stagger submissions so arrival order is known.
		time.Sleep(30 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		inner.gate <- struct{}{}
	}
	wg.Wait()

	assert.Equal(t, []string{"call-0", "call-1", "call-2"}, inner.callOrder())
}

func TestThrottleQueuedAbortSkipsNetwork(t *testing.T) {
	inner := &fakeInner{gate: make(chan struct{})}
	tc := newTestThrottle(inner, func(c *config.ThrottleSettings) {
		c.MaxConcurrentRequests = 1
	})
	defer tc.Close()

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		stream, err := tc.Chat(context.Background(), userMessage("first"), config.ModeDirect)
		if err == nil {
			stream.Text(context.Background())
		}
	}()
	require.Eventually(t, func() bool { return inner.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := tc.Chat(ctx, userMessage("second"), config.ModeDirect)
		second <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-second, context.Canceled)

	inner.gate <- struct{}{}
	<-firstDone
	assert.Equal(t, 1, inner.count())
}

func TestThrottleCapsConcurrency(t *testing.T) {
	inner := &fakeInner{gate: make(chan struct{})}
	tc := newTestThrottle(inner, func(c *config.ThrottleSettings) {
		c.MaxConcurrentRequests = 2
	})
	defer tc.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream, err := tc.Chat(context.Background(), userMessage("x"), config.ModeDirect)
			if err == nil {
				stream.Text(context.Background())
			}
		}()
	}
	for i := 0; i < 5; i++ {
		inner.gate <- struct{}{}
	}
	wg.Wait()

	assert.Equal(t, 5, inner.count())
	assert.LessOrEqual(t, inner.peakBusy(), 2)
}

func TestThrottleDisabledBypassesQueue(t *testing.T) {
	inner := &fakeInner{}
	tc := newTestThrottle(inner, func(c *config.ThrottleSettings) {
		c.Enabled = false
	})
	defer tc.Close()

	stream, err := tc.Chat(context.Background(), userMessage("q"), config.ModeDirect)
	require.NoError(t, err)
	text, err := stream.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", text)
	assert.Equal(t, 1, inner.count())
}

func TestThrottleCloseFailsQueuedCalls(t *testing.T) {
	inner := &fakeInner{gate: make(chan struct{})}
	tc := newTestThrottle(inner, func(c *config.ThrottleSettings) {
		c.MaxConcurrentRequests = 1
	})

	firstErr := make(chan error, 1)
	go func() {
		stream, err := tc.Chat(context.Background(), userMessage("first"), config.ModeDirect)
		if err == nil {
			_, err = stream.Text(context.Background())
		}
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return inner.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := tc.Chat(context.Background(), userMessage("second"), config.ModeDirect)
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	tc.Close()
	require.ErrorIs(t, <-secondErr, ErrClientClosed)

	// The in-flight call is untouched by Close and completes normally.
	inner.gate <- struct{}{}
	require.NoError(t, <-firstErr)
	assert.Equal(t, 1, inner.count())

	_, err := tc.Chat(context.Background(), userMessage("third"), config.ModeDirect)
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestAPIErrorRetryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{429, true},
		{502, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
		{500, false},
		{504, false},
	}
	for _, tc := range cases {
		e := &APIError{Status: tc.status}
		assert.Equal(t, tc.want, e.Retryable(), "status %d", tc.status)
	}
}

func TestEstimateTokensClampsToBurst(t *testing.T) {
	inner := &fakeInner{}
	tc := newTestThrottle(inner, func(c *config.ThrottleSettings) {
		c.TokensPerMinute = 1000
	})
	defer tc.Close()

	huge := make([]byte, 0, 40000)
	for i := 0; i < 10000; i++ {
		huge = append(huge, "word "...)
	}
	got := tc.estimateTokens(userMessage(string(huge)))
	assert.Equal(t, 1000, got)

	assert.Equal(t, 500, tc.estimateTokens(userMessage("")))
}
