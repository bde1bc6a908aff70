// Package embed turns text into dense vectors for the vector tier.
package embed

import (
	"context"
	"errors"
	"net/http"
)

// Embedder converts text into dense float32 vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per text in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	Dimension() int
}

// ErrEmptyInput is returned when there is nothing to embed.
var ErrEmptyInput = errors.New("embed: empty input")

type config struct {
	model      string
	dim        int
	baseURL    string
	httpClient *http.Client
}

// Option configures an embedder.
type Option func(*config)

// WithModel sets the embedding model name.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithDimension sets the output dimensionality.
func WithDimension(dim int) Option {
	return func(c *config) { c.dim = dim }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.httpClient = client }
}
