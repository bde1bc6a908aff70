package embed

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/creastat/memory"
)

// Hash is a deterministic bag-of-terms embedder. It needs no network and is
// used when no embedding provider is configured.
type Hash struct {
	dim int
}

var _ Embedder = (*Hash)(nil)

// NewHash creates a Hash embedder with dim buckets.
func NewHash(dim int) *Hash {
	if dim <= 0 {
		dim = 256
	}
	return &Hash{dim: dim}
}

func (h *Hash) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	v := make([]float32, h.dim)
	for _, term := range memory.Terms(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(term))
		sum := f.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		v[int(sum>>1)%h.dim] += sign
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range v {
			v[i] /= n
		}
	}
	return v, nil
}

func (h *Hash) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *Hash) Dimension() int { return h.dim }
