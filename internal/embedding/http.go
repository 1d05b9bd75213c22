package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"flexicli/internal/config"
)

// =============================================================================
// OPENAI-COMPATIBLE HTTP ENGINE
// =============================================================================

// HTTPEngine generates embeddings from any OpenAI-compatible endpoint.
// When an API version is configured the Azure deployment URL form and
// api-key header are used; otherwise plain bearer auth.
type HTTPEngine struct {
	endpoint   string
	deployment string
	model      string
	apiKey     string
	apiVersion string
	client     *http.Client

	// discovered from the first successful response
	dims atomic.Int32
}

// NewHTTPEngine builds the engine from embedding settings.
func NewHTTPEngine(cfg config.EmbeddingSettings) (*HTTPEngine, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key required")
	}
	e := &HTTPEngine{
		endpoint:   cfg.Endpoint,
		deployment: cfg.Deployment,
		model:      cfg.ModelName,
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
	e.dims.Store(1536)
	return e, nil
}

func (e *HTTPEngine) url() string {
	if e.apiVersion != "" && e.deployment != "" {
		return fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
			e.endpoint, e.deployment, e.apiVersion)
	}
	return e.endpoint + "/embeddings"
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed generates an embedding for a single text.
func (e *HTTPEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one call.
func (e *HTTPEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := embedRequest{Input: texts}
	if e.apiVersion == "" {
		req.Model = e.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiVersion != "" {
		httpReq.Header.Set("api-key", e.apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, string(raw))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embedding endpoint error: %s", result.Error.Message)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Data))
	}

	// Responses may arrive out of order; the index field is authoritative.
	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	if len(vecs) > 0 && len(vecs[0]) > 0 {
		e.dims.Store(int32(len(vecs[0])))
	}
	return vecs, nil
}

// Dimensions returns the vector dimensionality, discovered from the
// first response (1536 until then).
func (e *HTTPEngine) Dimensions() int {
	return int(e.dims.Load())
}

// Name returns the engine name.
func (e *HTTPEngine) Name() string {
	model := e.model
	if model == "" {
		model = e.deployment
	}
	return "http:" + model
}

// HealthCheck embeds a trivial string to verify the endpoint.
func (e *HTTPEngine) HealthCheck(ctx context.Context) error {
	_, err := e.Embed(ctx, "ok")
	return err
}

var _ Engine = (*HTTPEngine)(nil)
var _ HealthChecker = (*HTTPEngine)(nil)
