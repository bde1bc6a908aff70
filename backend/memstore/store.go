// Package memstore is the in-process basic tier. Memories live in a slice per
// tenant and are ranked by term overlap with the query.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/creastat/memory"
	"github.com/creastat/memory/backend"
	"github.com/creastat/memory/relsync"
)

// DefaultBatchSize is the preferred dialog batch size of the basic tier.
const DefaultBatchSize = 2

type options struct {
	batchSize int
	source    relsync.Source
	log       logrus.FieldLogger
}

// Option configures a Store.
type Option func(*options)

// WithBatchSize overrides the preferred batch size.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithSource sets the conversations source used by SyncToDatabase.
func WithSource(src relsync.Source) Option {
	return func(o *options) { o.source = src }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

type record struct {
	id     string
	tenant memory.TenantKey
	mc     memory.MemoryContext
	terms  map[string]struct{}
}

// Store is a backend.Backend kept entirely in memory.
type Store struct {
	mu      sync.RWMutex
	records map[memory.TenantKey][]*record
	byID    map[string]*record

	batchSize int
	log       logrus.FieldLogger
	syncer    *relsync.Syncer
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	o := options{batchSize: DefaultBatchSize, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store{
		records:   make(map[memory.TenantKey][]*record),
		byID:      make(map[string]*record),
		batchSize: o.batchSize,
		log:       o.log,
	}
	s.syncer = relsync.NewSyncer(o.source, s.Store, s.DialogBatchSize, relsync.WithLogger(o.log))
	return s
}

func (s *Store) Name() string        { return "basic" }
func (s *Store) Description() string { return "in-process memory ranked by term overlap" }

func (s *Store) Metrics() backend.PerformanceMetrics {
	return backend.PerformanceMetrics{Latency: 0.1, Throughput: 10000, Accuracy: 0.5}
}

func (s *Store) DialogBatchSize() int { return s.batchSize }

// Store appends mc to the tenant's memories.
func (s *Store) Store(_ context.Context, mc memory.MemoryContext, tenant memory.TenantKey) error {
	if err := tenant.Validate(); err != nil {
		return backend.NewError(backend.KindRejected, "store", err)
	}
	r := &record{
		id:     uuid.NewString(),
		tenant: tenant,
		mc:     mc,
		terms:  termSet(mc.Content),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[tenant] = append(s.records[tenant], r)
	s.byID[r.id] = r
	return nil
}

// Retrieve ranks the tenant's memories against query. An empty query returns
// the most recent memories with a zero score.
func (s *Store) Retrieve(_ context.Context, query string, topK int, tenant memory.TenantKey, filters backend.Filters) ([]backend.Result, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []backend.Result{}, nil
	}
	q := memory.Terms(query)

	s.mu.RLock()
	var out []backend.Result
	for key, recs := range s.records {
		if !inScope(key, tenant) {
			continue
		}
		for _, r := range recs {
			if !matchFilters(r.mc, filters) {
				continue
			}
			score := overlap(q, r.terms)
			if len(q) > 0 && score == 0 {
				continue
			}
			out = append(out, toResult(r, score))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > topK {
		out = out[:topK]
	}
	if out == nil {
		out = []backend.Result{}
	}
	return out, nil
}

// Update applies data to a memory. "content" replaces the text, "metadata"
// is merged, and any other key is merged into metadata.
func (s *Store) Update(_ context.Context, id string, data map[string]any, tenant memory.TenantKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.owned(id, tenant)
	if err != nil {
		return err
	}
	if r.mc.Metadata == nil {
		r.mc.Metadata = make(map[string]any)
	}
	for k, v := range data {
		switch k {
		case "content":
			c, ok := v.(string)
			if !ok {
				return backend.NewError(backend.KindRejected, "update", fmt.Errorf("content must be a string, got %T", v))
			}
			r.mc.Content = c
			r.terms = termSet(c)
		case "metadata":
			if m, ok := v.(map[string]any); ok {
				for mk, mv := range m {
					r.mc.Metadata[mk] = mv
				}
			}
		default:
			r.mc.Metadata[k] = v
		}
	}
	return nil
}

// Delete removes a memory owned by tenant.
func (s *Store) Delete(_ context.Context, id string, tenant memory.TenantKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.owned(id, tenant)
	if err != nil {
		return err
	}
	delete(s.byID, id)
	recs := s.records[r.tenant]
	for i, x := range recs {
		if x == r {
			s.records[r.tenant] = append(recs[:i], recs[i+1:]...)
			break
		}
	}
	if len(s.records[r.tenant]) == 0 {
		delete(s.records, r.tenant)
	}
	return nil
}

// Len returns the number of memories stored for tenant's scope.
func (s *Store) Len(tenant memory.TenantKey) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for key, recs := range s.records {
		if inScope(key, tenant) {
			n += len(recs)
		}
	}
	return n
}

// Contexts returns copies of every stored context in tenant's scope in
// insertion order per tenant key.
func (s *Store) Contexts(tenant memory.TenantKey) []memory.MemoryContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []memory.MemoryContext
	for key, recs := range s.records {
		if !inScope(key, tenant) {
			continue
		}
		for _, r := range recs {
			out = append(out, r.mc)
		}
	}
	return out
}

func (s *Store) SyncToDatabase(ctx context.Context, tenant memory.TenantKey, since, until *time.Time) error {
	return s.syncer.Sync(ctx, tenant, since, until)
}

func (s *Store) SyncStatus(tenant memory.TenantKey) backend.SyncStatus {
	return s.syncer.Status(tenant)
}

// SetSource swaps the conversations source used by SyncToDatabase.
func (s *Store) SetSource(src relsync.Source) { s.syncer.SetSource(src) }

func (s *Store) Close() error { return nil }

func (s *Store) owned(id string, tenant memory.TenantKey) (*record, error) {
	r, ok := s.byID[id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	if !inScope(r.tenant, tenant) {
		return nil, backend.ErrForbidden
	}
	return r, nil
}

// inScope reports whether a record stored under key is visible to tenant.
func inScope(key, tenant memory.TenantKey) bool {
	if key.UserID != tenant.UserID || key.RoleID != tenant.RoleID {
		return false
	}
	return !tenant.HasSession() || key.SessionID == tenant.SessionID
}

func matchFilters(mc memory.MemoryContext, filters backend.Filters) bool {
	for k, want := range filters {
		var got any
		switch k {
		case "conversation_id":
			got = mc.ConversationID
		case "source":
			got = mc.Source
		case "is_summarized":
			got = mc.IsSummarized
		default:
			v, ok := mc.Metadata[k]
			if !ok {
				return false
			}
			got = v
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func termSet(text string) map[string]struct{} {
	terms := memory.Terms(text)
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

// overlap is the share of query terms present in the record.
func overlap(query []string, terms map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for _, t := range query {
		if _, ok := terms[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

func toResult(r *record, score float64) backend.Result {
	md := make(map[string]any, len(r.mc.Metadata)+4)
	for k, v := range r.mc.Metadata {
		md[k] = v
	}
	md["source"] = r.mc.Source
	md["is_summarized"] = r.mc.IsSummarized
	md["summary_count"] = r.mc.SummaryCount
	md["session_id"] = r.tenant.SessionID
	if r.mc.ConversationID != "" {
		md["conversation_id"] = r.mc.ConversationID
	}
	return backend.Result{
		ID:        r.id,
		Content:   r.mc.Content,
		Score:     score,
		Timestamp: r.mc.Timestamp,
		Metadata:  md,
	}
}

var _ backend.Backend = (*Store)(nil)
