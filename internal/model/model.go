// Package model talks to the LLM provider. HTTPClient speaks the
// OpenAI-compatible streaming chat protocol; ThrottledClient wraps any
// Client with the FIFO dispatch queue, concurrency and rate limits, and
// the retry policy every production call goes through.
package model

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"flexicli/internal/config"
)

// Message roles on the chat wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the provider's final token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Client produces completions.
type Client interface {
	// Chat sends the conversation and returns a stream of text
	// fragments. The returned error covers failures before any
	// fragment could exist; mid-stream failures surface via
	// Stream.Err after the fragment channel closes.
	Chat(ctx context.Context, messages []Message, mode config.Mode) (*Stream, error)
}

// Stream delivers completion fragments in order. The fragment channel
// closes when the completion ends; Usage and Err are valid after that.
type Stream struct {
	fragments chan string
	done      chan struct{}

	mu    sync.Mutex
	usage Usage
	err   error
}

func newStream() *Stream {
	return &Stream{
		fragments: make(chan string, 64),
		done:      make(chan struct{}),
	}
}

// Fragments returns the channel of text deltas.
func (s *Stream) Fragments() <-chan string { return s.fragments }

// Done closes when the stream has fully finished, whether it succeeded
// or failed. Useful for callers that hold resources open per stream.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Usage returns the provider's token accounting. Zero until Done.
func (s *Stream) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Err reports a mid-stream failure. Valid after the fragment channel
// closes.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Text drains the stream and returns the concatenated completion.
func (s *Stream) Text(ctx context.Context) (string, error) {
	var out []byte
	for {
		select {
		case frag, ok := <-s.fragments:
			if !ok {
				if err := s.Err(); err != nil {
					return string(out), err
				}
				return string(out), nil
			}
			out = append(out, frag...)
		case <-ctx.Done():
			return string(out), ctx.Err()
		}
	}
}

// NewStaticStream returns an already-finished stream that delivers
// text as a single fragment. Useful for canned completions and for
// faking a Client in packages that drive the loop.
func NewStaticStream(text string, usage Usage) *Stream {
	s := newStream()
	if text != "" {
		s.fragments <- text
	}
	s.finish(usage, nil)
	return s
}

// push delivers one fragment, giving up when ctx dies so a stalled
// consumer cannot wedge the producer.
func (s *Stream) push(ctx context.Context, fragment string) bool {
	select {
	case s.fragments <- fragment:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish seals the stream. Called exactly once by the producer.
func (s *Stream) finish(usage Usage, err error) {
	s.mu.Lock()
	s.usage = usage
	s.err = err
	s.mu.Unlock()
	close(s.fragments)
	close(s.done)
}

// APIError is a provider HTTP failure. ThrottledClient retries only
// when Retryable reports true.
type APIError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("api status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("api status %d", e.Status)
}

// Retryable reports whether the status is transient: rate limiting or
// a bad gateway moment.
func (e *APIError) Retryable() bool {
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}
