// Package engine abstracts the external LLM and embedding collaborators.
// Query understanding, entity extraction, and reranking all go through the
// same chat interface; the vector index goes through the embedding interface.
package engine

import "context"

// Engine is the client contract for an OpenAI-compatible inference service.
// Consumers depend on this interface instead of a concrete client so tests
// can substitute deterministic fakes.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's
	// response content. When jsonSchema is non-nil, structured JSON output
	// is requested from the backend.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)

	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// EmbedBatch returns embedding vectors for multiple texts in one call.
	// The result slice is index-aligned with the input.
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool
}
