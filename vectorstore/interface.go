package vectorstore

import (
	"context"
	"errors"
)

// ErrDimensionMismatch is returned when a vector does not match the collection.
var ErrDimensionMismatch = errors.New("vectorstore: vector dimension mismatch")

// VectorStore is a technology-agnostic interface for vector similarity search.
// Implementations can use Qdrant or the in-process MemoryStore.
type VectorStore interface {
	// Upsert inserts or replaces points by ID.
	Upsert(ctx context.Context, points []Point) error

	// Search performs vector similarity search with optional filtering.
	Search(ctx context.Context, vector []float32, filter SearchFilter, limit int) ([]SearchResult, error)

	// Get fetches points by ID without their vectors. Unknown IDs are skipped.
	Get(ctx context.Context, ids []string) ([]Point, error)

	// Delete removes points by ID.
	Delete(ctx context.Context, ids []string) error

	// Close releases any resources held by the vector store.
	Close() error
}

// Point is one stored vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// SearchFilter defines filtering options for vector search.
type SearchFilter struct {
	// Metadata filters results by payload key-value pairs. All must match.
	Metadata map[string]any

	// MinScore filters results below this similarity threshold (0.0-1.0).
	MinScore float32
}

// SearchResult represents a single result from vector similarity search.
type SearchResult struct {
	// ID is the unique identifier of the result.
	ID string

	// Score is the similarity score (0.0-1.0, higher is more similar).
	Score float32

	// Content is the text content associated with this vector.
	Content string

	// Metadata contains the rest of the payload.
	Metadata map[string]any
}
