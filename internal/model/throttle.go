package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"flexicli/internal/budget"
	"flexicli/internal/config"
	"flexicli/internal/logging"
)

// ErrClientClosed is returned for calls made after Close.
var ErrClientClosed = errors.New("model client closed")

const (
	defaultBackoffBase    = time.Second
	defaultAttemptTimeout = 120 * time.Second
	queueDepth            = 64
)

// Options tune the throttled client. Zero values take the defaults.
type Options struct {
	// BackoffBase is the first retry delay; later attempts double it.
	BackoffBase time.Duration
	// AttemptTimeout bounds each individual request attempt.
	AttemptTimeout time.Duration
}

type chatTask struct {
	ctx      context.Context
	messages []Message
	mode     config.Mode
	result   chan chatOutcome
}

type chatOutcome struct {
	stream *Stream
	err    error
}

// ThrottledClient queues chat calls in arrival order and admits them
// against three gates: a request-per-minute bucket, a token-per-minute
// bucket, and a concurrency cap. Admission happens one call at a time,
// so a call at the head of the queue that is waiting for capacity is
// never overtaken by a later one. A queued call whose context dies is
// answered without touching the network.
//
// Retries live here rather than in HTTPClient so that a retried
// attempt is always a fresh request: the inner client fails with
// *APIError before producing any output, and only those failures with
// a retryable status (429, 502, 503) are attempted again.
type ThrottledClient struct {
	inner Client
	cfg   config.ThrottleSettings

	rpm       *rate.Limiter
	tpm       *rate.Limiter
	sem       *semaphore.Weighted
	tokenizer budget.Tokenizer
	tpmBurst  int

	backoffBase    time.Duration
	attemptTimeout time.Duration

	queue  chan *chatTask
	closed chan struct{}
	done   chan struct{}

	closeMu  sync.RWMutex
	isClosed bool
}

// NewThrottledClient wraps inner with the throttle policy in cfg.
func NewThrottledClient(inner Client, cfg config.ThrottleSettings, opts Options) *ThrottledClient {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 1
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.TokensPerMinute <= 0 {
		cfg.TokensPerMinute = 60000
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}

	t := &ThrottledClient{
		inner:          inner,
		cfg:            cfg,
		rpm:            rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute),
		tpm:            rate.NewLimiter(rate.Limit(float64(cfg.TokensPerMinute)/60.0), cfg.TokensPerMinute),
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		tokenizer:      budget.NewTokenizer(),
		tpmBurst:       cfg.TokensPerMinute,
		backoffBase:    opts.BackoffBase,
		attemptTimeout: opts.AttemptTimeout,
		queue:          make(chan *chatTask, queueDepth),
		closed:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	go t.dispatch()
	return t
}

// Chat enqueues the call and blocks until it is dispatched or fails.
// The returned stream is live; callers drain Fragments and read Usage
// after Done.
func (t *ThrottledClient) Chat(ctx context.Context, messages []Message, mode config.Mode) (*Stream, error) {
	if !t.cfg.Enabled {
		return t.inner.Chat(ctx, messages, mode)
	}

	task := &chatTask{
		ctx:      ctx,
		messages: messages,
		mode:     mode,
		result:   make(chan chatOutcome, 1),
	}

	// The read lock keeps the enqueue and the closed flag coherent:
	// once Close flips the flag, no task can slip past the shutdown
	// drain and wait forever.
	t.closeMu.RLock()
	if t.isClosed {
		t.closeMu.RUnlock()
		return nil, ErrClientClosed
	}
	select {
	case t.queue <- task:
		t.closeMu.RUnlock()
	case <-ctx.Done():
		t.closeMu.RUnlock()
		return nil, ctx.Err()
	}

	// Every enqueued task is answered exactly once, by admission, by
	// the worker, or by the shutdown drain. A dead context makes the
	// dispatcher answer when the task reaches the head of the queue.
	out := <-task.result
	return out.stream, out.err
}

// Close stops accepting calls, fails everything still queued, and
// waits for the dispatcher to exit. In-flight streams are unaffected;
// their contexts govern them.
func (t *ThrottledClient) Close() {
	t.closeMu.Lock()
	already := t.isClosed
	t.isClosed = true
	t.closeMu.Unlock()
	if !already {
		close(t.closed)
	}
	<-t.done
}

func (t *ThrottledClient) dispatch() {
	defer close(t.done)
	for {
		select {
		case task := <-t.queue:
			t.admit(task)
		case <-t.closed:
			for {
				select {
				case task := <-t.queue:
					task.result <- chatOutcome{err: ErrClientClosed}
				default:
					return
				}
			}
		}
	}
}

// admit runs the three admission gates in order on behalf of the head
// task, then hands the call to a worker goroutine. A task whose
// context died in the queue is answered immediately without touching
// the network or consuming capacity.
func (t *ThrottledClient) admit(task *chatTask) {
	if err := task.ctx.Err(); err != nil {
		task.result <- chatOutcome{err: err}
		return
	}

	// Admission waits stop on Close as well as on caller cancellation.
	ctx, cancel := context.WithCancel(task.ctx)
	defer cancel()
	go func() {
		select {
		case <-t.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := t.rpm.Wait(ctx); err != nil {
		task.result <- chatOutcome{err: t.admissionError("request rate", err)}
		return
	}
	tokens := t.estimateTokens(task.messages)
	if err := t.tpm.WaitN(ctx, tokens); err != nil {
		task.result <- chatOutcome{err: t.admissionError("token rate", err)}
		return
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		task.result <- chatOutcome{err: t.admissionError("concurrency", err)}
		return
	}

	go t.run(task)
}

func (t *ThrottledClient) admissionError(gate string, err error) error {
	select {
	case <-t.closed:
		return ErrClientClosed
	default:
		return fmt.Errorf("%s admission: %w", gate, err)
	}
}

// run executes one admitted call, retrying retryable failures, and
// releases the concurrency slot once the stream finishes.
func (t *ThrottledClient) run(task *chatTask) {
	stream, err := t.attemptWithRetry(task)
	if err != nil {
		t.sem.Release(1)
		task.result <- chatOutcome{err: err}
		return
	}

	task.result <- chatOutcome{stream: stream}
	// Hold the slot until the provider is done talking to us.
	select {
	case <-stream.Done():
	case <-task.ctx.Done():
	}
	t.sem.Release(1)
}

func (t *ThrottledClient) attemptWithRetry(task *chatTask) (*Stream, error) {
	var lastErr error
	for attempt := 1; attempt <= t.cfg.RetryAttempts; attempt++ {
		stream, err := t.attempt(task)
		if err == nil {
			return stream, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Retryable() || attempt == t.cfg.RetryAttempts {
			break
		}

		delay := t.backoffBase * time.Duration(1<<uint(attempt-1))
		if apiErr.Status == 429 && apiErr.RetryAfter > 0 {
			delay = apiErr.RetryAfter
		}
		logging.Model("chat attempt %d/%d failed with status %d, retrying in %v",
			attempt, t.cfg.RetryAttempts, apiErr.Status, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-task.ctx.Done():
			timer.Stop()
			return nil, task.ctx.Err()
		}
	}
	return nil, lastErr
}

// attempt makes one call under the per-attempt deadline. The deadline
// covers the whole exchange including streaming, so the cancel is
// deferred to stream completion rather than to this function's return.
func (t *ThrottledClient) attempt(task *chatTask) (*Stream, error) {
	attemptCtx, cancel := context.WithTimeout(task.ctx, t.attemptTimeout)
	stream, err := t.inner.Chat(attemptCtx, task.messages, task.mode)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		<-stream.Done()
		cancel()
	}()
	return stream, nil
}

// estimateTokens prices a request for the token bucket. The estimate
// is clamped to the bucket burst so oversized transcripts still admit
// instead of waiting forever.
func (t *ThrottledClient) estimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += t.tokenizer.Count(m.Content)
	}
	// Fixed allowance for provider framing and the reply itself.
	total += 500
	if total > t.tpmBurst {
		total = t.tpmBurst
	}
	if total < 1 {
		total = 1
	}
	return total
}
