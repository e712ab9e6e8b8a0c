package vector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/keepsake-ai/keepsake/internal/engine"
)

// embedTimeout bounds one embedding backend call. Batches cover a whole
// episode's fragments, so the budget is wider than a single-text call
// would need.
const embedTimeout = 30 * time.Second

// Embedder wraps an Engine to generate text embeddings for fragments and
// queries. Engine failures are reported as ErrUnavailable so callers can
// degrade to structured-only retrieval.
type Embedder struct {
	engine engine.Engine
	model  string
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model}
}

// Embed returns the embedding vector for a single text. Empty or
// whitespace-only text yields a nil vector and no error.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts in one backend
// call. Blank inputs come back as nil vectors at their positions; the rest
// are embedded together. Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	valid := make([]string, 0, len(texts))
	positions := make([]int, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) != "" {
			valid = append(valid, t)
			positions = append(positions, i)
		}
	}

	results := make([][]float32, len(texts))
	if len(valid) == 0 {
		return results, nil
	}

	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()
	vecs, err := e.engine.EmbedBatch(ctx, e.model, valid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for i, pos := range positions {
		if i < len(vecs) {
			results[pos] = vecs[i]
		}
	}
	return results, nil
}
