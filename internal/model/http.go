package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flexicli/internal/budget"
	"flexicli/internal/config"
	"flexicli/internal/logging"
)

// chatRequest is the OpenAI-compatible request body.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   float64        `json:"temperature"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatChunk covers both streaming chunks and error payloads.
type chatChunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPClient speaks the provider protocol directly, one attempt per
// call. Wrap it in ThrottledClient for queueing, rate limits, and
// retries.
type HTTPClient struct {
	cfg        config.ModelSettings
	httpClient *http.Client
}

// NewHTTPClient builds a client from provider settings. The underlying
// http.Client carries no timeout of its own; deadlines come from the
// caller's context.
func NewHTTPClient(cfg config.ModelSettings) *HTTPClient {
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

// Chat posts the conversation and streams the completion. Non-2xx
// responses return *APIError before any fragment is produced, which is
// what makes the retry policy safe: a stream never restarts after
// delivering output.
func (c *HTTPClient) Chat(ctx context.Context, messages []Message, mode config.Mode) (*Stream, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("model API key not configured")
	}

	body := chatRequest{
		Model:         c.cfg.Model,
		Messages:      messages,
		MaxTokens:     budget.CapsForMode(mode).PerCategory[budget.CategoryOutput],
		Temperature:   0.1,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	url := c.cfg.Endpoint + "/chat/completions"
	if c.cfg.APIVersion != "" {
		url += "?api-version=" + c.cfg.APIVersion
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIVersion != "" {
		// Azure-style deployments authenticate with an api-key header.
		req.Header.Set("api-key", c.cfg.APIKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		apiErr := &APIError{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		logging.ModelDebug("chat failed: %v", apiErr)
		return nil, apiErr
	}

	stream := newStream()
	go c.scan(ctx, resp.Body, stream, started)
	return stream, nil
}

// scan reads SSE lines off the response body and feeds the stream.
func (c *HTTPClient) scan(ctx context.Context, rc io.ReadCloser, stream *Stream, started time.Time) {
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var usage Usage
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			logging.ModelDebug("chat stream completed in %v (prompt=%d completion=%d)",
				time.Since(started), usage.PromptTokens, usage.CompletionTokens)
			stream.finish(usage, nil)
			return
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			stream.finish(usage, fmt.Errorf("provider error: %s", chunk.Error.Message))
			return
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !stream.push(ctx, delta) {
					stream.finish(usage, ctx.Err())
					return
				}
			}
		}
	}

	err := scanner.Err()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		logging.ModelDebug("chat stream broke after %v: %v", time.Since(started), err)
	}
	stream.finish(usage, err)
}

// parseRetryAfter handles the delay-seconds form of the header. The
// HTTP-date form is rare on chat APIs and parses as zero.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
