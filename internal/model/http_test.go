package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flexicli/internal/budget"
	"flexicli/internal/config"
)

// sseHandler writes each chunk as an SSE data line and ends with the
// [DONE] sentinel.
func sseHandler(chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func deltaChunk(text string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, text)
}

func usageChunk(prompt, completion int) string {
	return fmt.Sprintf(`{"choices":[],"usage":{"prompt_tokens":%d,"completion_tokens":%d}}`, prompt, completion)
}

func testSettings(endpoint string) config.ModelSettings {
	return config.ModelSettings{
		APIKey:   "test-key",
		Endpoint: endpoint,
		Model:    "test-model",
	}
}

func TestHTTPClientStreamsFragments(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		deltaChunk("Hello"),
		deltaChunk(", "),
		deltaChunk("world"),
		usageChunk(12, 34),
	))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(testSettings(srv.URL))
	stream, err := client.Chat(context.Background(), []Message{
		{Role: RoleUser, Content: "greet"},
	}, config.ModeConcise)
	require.NoError(t, err)

	text, err := stream.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)

	usage := stream.Usage()
	assert.Equal(t, 12, usage.PromptTokens)
	assert.Equal(t, 34, usage.CompletionTokens)
	assert.NoError(t, stream.Err())
}

func TestHTTPClientRequestShape(t *testing.T) {
	var (
		mu       sync.Mutex
		path     string
		auth     string
		accept   string
		captured chatRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		accept = r.Header.Get("Accept")
		json.NewDecoder(r.Body).Decode(&captured)
		mu.Unlock()
		sseHandler(deltaChunk("ok"))(w, r)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(testSettings(srv.URL))
	stream, err := client.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}, config.ModeConcise)
	require.NoError(t, err)
	_, err = stream.Text(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/chat/completions", path)
	assert.Equal(t, "Bearer test-key", auth)
	assert.Equal(t, "text/event-stream", accept)
	assert.Equal(t, "test-model", captured.Model)
	assert.True(t, captured.Stream)
	require.NotNil(t, captured.StreamOptions)
	assert.True(t, captured.StreamOptions.IncludeUsage)
	assert.Equal(t, budget.CapsForMode(config.ModeConcise).PerCategory[budget.CategoryOutput], captured.MaxTokens)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, RoleSystem, captured.Messages[0].Role)
	assert.Equal(t, "hi", captured.Messages[1].Content)
}

func TestHTTPClientAzureMode(t *testing.T) {
	var (
		mu         sync.Mutex
		apiKey     string
		auth       string
		apiVersion string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		apiKey = r.Header.Get("api-key")
		auth = r.Header.Get("Authorization")
		apiVersion = r.URL.Query().Get("api-version")
		mu.Unlock()
		sseHandler(deltaChunk("ok"))(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := testSettings(srv.URL)
	cfg.APIVersion = "2024-06-01"
	client := NewHTTPClient(cfg)
	stream, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, config.ModeDirect)
	require.NoError(t, err)
	_, err = stream.Text(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "test-key", apiKey)
	assert.Empty(t, auth)
	assert.Equal(t, "2024-06-01", apiVersion)
}

func TestHTTPClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(testSettings(srv.URL))
	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, config.ModeDirect)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, 2*time.Second, apiErr.RetryAfter)
	assert.Contains(t, apiErr.Body, "rate limited")
	assert.True(t, apiErr.Retryable())
}

func TestHTTPClientProviderErrorChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"overloaded\"}}\n\n")
		flusher.Flush()
	}))
	t.Cleanup(srv.Close)

	client := NewHTTPClient(testSettings(srv.URL))
	stream, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, config.ModeDirect)
	require.NoError(t, err)

	_, err = stream.Text(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestHTTPClientCancelMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", deltaChunk("partial"))
		flusher.Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewHTTPClient(testSettings(srv.URL))
	stream, err := client.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}}, config.ModeDirect)
	require.NoError(t, err)

	frag := <-stream.Fragments()
	assert.Equal(t, "partial", frag)
	cancel()

	select {
	case <-stream.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
	assert.Error(t, stream.Err())
}

func TestHTTPClientRequiresAPIKey(t *testing.T) {
	client := NewHTTPClient(config.ModelSettings{Endpoint: "http://localhost:1", Model: "m"})
	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, config.ModeDirect)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{" 5 ", 5 * time.Second},
		{"0", 0},
		{"-1", 0},
		{"soon", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseRetryAfter(tc.in), "header %q", tc.in)
	}
}
