package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process VectorStore using cosine similarity.
type MemoryStore struct {
	mu     sync.RWMutex
	points map[string]Point
	dim    int
}

// NewMemoryStore creates an empty store. dim of zero accepts any dimension
// fixed by the first upsert.
func NewMemoryStore(dim int) *MemoryStore {
	return &MemoryStore{points: make(map[string]Point), dim: dim}
}

// Upsert implements VectorStore.
func (s *MemoryStore) Upsert(_ context.Context, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		if s.dim == 0 {
			s.dim = len(p.Vector)
		}
		if len(p.Vector) != s.dim {
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(p.Vector), s.dim)
		}
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		s.points[p.ID] = Point{ID: p.ID, Vector: vec, Payload: payload}
	}
	return nil
}

// Search implements VectorStore.
func (s *MemoryStore) Search(_ context.Context, vector []float32, filter SearchFilter, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dim != 0 && len(vector) != s.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.dim)
	}
	results := make([]SearchResult, 0, len(s.points))
	for _, p := range s.points {
		if !matches(p.Payload, filter.Metadata) {
			continue
		}
		score := cosine(vector, p.Vector)
		if filter.MinScore > 0 && score < filter.MinScore {
			continue
		}
		r := SearchResult{ID: p.ID, Score: score, Metadata: make(map[string]any, len(p.Payload))}
		for k, v := range p.Payload {
			if k == "content" {
				r.Content, _ = v.(string)
				continue
			}
			r.Metadata[k] = v
		}
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Get implements VectorStore.
func (s *MemoryStore) Get(_ context.Context, ids []string) ([]Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Point
	for _, id := range ids {
		p, ok := s.points[id]
		if !ok {
			continue
		}
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		out = append(out, Point{ID: id, Payload: payload})
	}
	return out, nil
}

// Delete implements VectorStore.
func (s *MemoryStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.points, id)
	}
	return nil
}

// Len returns the number of stored points.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Close implements VectorStore.
func (s *MemoryStore) Close() error { return nil }

func matches(payload, want map[string]any) bool {
	for k, v := range want {
		got, ok := payload[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

var _ VectorStore = (*MemoryStore)(nil)
