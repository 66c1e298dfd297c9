// Package embedding wraps an llm.Provider's Embed call with L2
// normalization, batching, and graceful degradation when the embedding
// backend is unavailable.
package embedding

import (
	"context"
	"log/slog"
	"math"

	"diagraph/internal/derrors"
	"diagraph/llm"
)

// Embedder produces fixed-dimension, L2-normalized vectors for text.
type Embedder struct {
	provider  llm.Provider
	dim       int
	batchSize int
}

// New wraps provider. dim is the expected output dimension, used to build
// zero-vector fallbacks when the backend is unavailable. batchSize bounds
// how many texts are sent to the provider per Embed call; 0 means no
// batching (a single call for all texts).
func New(provider llm.Provider, dim, batchSize int) *Embedder {
	return &Embedder{provider: provider, dim: dim, batchSize: batchSize}
}

// Encode returns one L2-normalized vector per input text, in order. If the
// backend is unavailable the call does not fail: it logs a warning and
// returns a zero vector of length dim for every text in the failed batch,
// so callers (the chunker/graph builder pipeline) degrade gracefully
// instead of aborting the whole ingestion.
func (e *Embedder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, derrors.New(derrors.InputInvalid, "embedding: no texts given", nil)
	}

	batch := e.batchSize
	if batch <= 0 {
		batch = len(texts)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.encodeBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *Embedder) encodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.provider.Embed(ctx, texts)
	if err != nil {
		slog.Warn("embedding: backend unavailable, falling back to zero vectors", "count", len(texts), "error", err)
		return zeroVectors(len(texts), e.dim), nil
	}

	normalized := make([][]float32, len(vecs))
	for i, v := range vecs {
		normalized[i] = normalize(v, e.dim)
	}
	return normalized, nil
}

func zeroVectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, dim)
	}
	return out
}

// normalize L2-normalizes v, padding or truncating to dim if dim > 0.
func normalize(v []float32, dim int) []float32 {
	if dim > 0 && len(v) != dim {
		resized := make([]float32, dim)
		copy(resized, v)
		v = resized
	}
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(math.Sqrt(sumSq))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
