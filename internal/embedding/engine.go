// Package embedding generates vector embeddings for semantic retrieval.
// Two backends are supported: a generic OpenAI-compatible HTTP endpoint
// (including Azure deployments) and Google GenAI.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"flexicli/internal/config"
	"flexicli/internal/logging"
)

// =============================================================================
// ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of produced vectors.
	Dimensions() int

	// Name identifies the engine and model, e.g. "http:text-embedding-3-small".
	Name() string
}

// HealthChecker is implemented by engines that can verify reachability
// before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewEngine selects a backend from the embedding settings. GenAI is
// chosen for googleapis endpoints or gemini models; everything else
// goes through the generic HTTP engine.
func NewEngine(cfg config.EmbeddingSettings) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	if !cfg.Enabled() {
		return nil, fmt.Errorf("no embedding endpoint configured")
	}

	var engine Engine
	var err error
	if strings.Contains(cfg.Endpoint, "googleapis.com") || strings.HasPrefix(cfg.ModelName, "gemini") {
		engine, err = NewGenAIEngine(cfg.APIKey, cfg.ModelName)
	} else {
		engine, err = NewHTTPEngine(cfg)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("engine init failed: %v", err)
		return nil, err
	}

	logging.Get(logging.CategoryEmbedding).Info("embedding engine ready: %s (%d dims)",
		engine.Name(), engine.Dimensions())
	return engine, nil
}

// =============================================================================
// SIMILARITY UTILITIES
// =============================================================================

// CosineSimilarity computes cosine similarity between two vectors.
// Returns an error on dimension mismatch; zero-magnitude vectors score 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}

// Normalize scales a vector to unit length in place and returns it.
func Normalize(v []float32) []float32 {
	var mag float64
	for _, x := range v {
		mag += float64(x) * float64(x)
	}
	if mag == 0 {
		return v
	}
	inv := 1 / math.Sqrt(mag)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// SimilarityResult pairs a corpus index with its similarity score.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the K corpus vectors most similar to the query,
// sorted by similarity descending. Mismatched vectors are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 10
	}
	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("FindTopK skipped %d mismatched vectors", skipped)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// TokenSetOverlap is the degraded-mode similarity: Jaccard overlap of
// lowercased token sets. Used when no embedding engine is available.
func TokenSetOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_'
	}) {
		if len(f) > 1 {
			set[f] = true
		}
	}
	return set
}
