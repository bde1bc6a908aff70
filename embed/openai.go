package embed

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultOpenAIModel supports custom dimensions.
	DefaultOpenAIModel = "text-embedding-3-small"
	// DefaultDimension matches DefaultOpenAIModel.
	DefaultDimension = 1536

	openAIMaxBatch = 2048
)

// OpenAI embeds through the OpenAI embeddings API or a compatible provider.
type OpenAI struct {
	client *openai.Client
	model  string
	dim    int
}

var _ Embedder = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI embedder.
func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	cfg := config{
		model:      DefaultOpenAIModel,
		dim:        DefaultDimension,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(cfg.httpClient),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	client := openai.NewClient(reqOpts...)
	return &OpenAI{client: &client, model: cfg.model, dim: cfg.dim}
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch splits inputs above the provider's per-request limit.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i := 0; i < len(texts); i += openAIMaxBatch {
		end := min(i+openAIMaxBatch, len(texts))
		vecs, err := o.call(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("embed: batch [%d:%d]: %w", i, end, err)
		}
		copy(out[i:], vecs)
	}
	return out, nil
}

func (o *OpenAI) Dimension() int { return o.dim }

func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) call(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          o.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions:     openai.Int(int64(o.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, err
	}
	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= int64(len(texts)) {
			return nil, fmt.Errorf("unexpected embedding index %d for %d inputs", item.Index, len(texts))
		}
		v := make([]float32, len(item.Embedding))
		for j, f := range item.Embedding {
			v[j] = float32(f)
		}
		vecs[item.Index] = v
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return vecs, nil
}
