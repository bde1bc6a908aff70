// Package vector is the conversation RAG tier: each memory context becomes one
// embedded point in a vector store, filtered by tenant on retrieval.
package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/creastat/memory"
	"github.com/creastat/memory/backend"
	"github.com/creastat/memory/embed"
	"github.com/creastat/memory/relsync"
	"github.com/creastat/memory/vectorstore"
)

const (
	// DefaultBatchSize is the preferred dialog batch size of the vector tier.
	DefaultBatchSize = 5
	// DefaultHistoryTokens bounds the history folded into an embedding.
	DefaultHistoryTokens = 512
)

// reserved payload keys are owned by the tier and never overwritten by metadata.
var reserved = map[string]struct{}{
	"user_id": {}, "role_id": {}, "session_id": {}, "content": {}, "timestamp": {},
	"source": {}, "is_summarized": {}, "summary_count": {}, "conversation_id": {}, "roles": {},
}

var errEmptyContent = errors.New("nothing to embed")

type options struct {
	batchSize     int
	historyTokens int
	source        relsync.Source
	log           logrus.FieldLogger
}

// Option configures a Backend.
type Option func(*options)

// WithBatchSize overrides the preferred batch size.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithHistoryTokens bounds how much history is embedded with a context.
func WithHistoryTokens(n int) Option {
	return func(o *options) { o.historyTokens = n }
}

// WithSource sets the conversations source used by SyncToDatabase.
func WithSource(src relsync.Source) Option {
	return func(o *options) { o.source = src }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// Backend implements backend.Backend over a VectorStore and an Embedder.
type Backend struct {
	store         vectorstore.VectorStore
	embedder      embed.Embedder
	batchSize     int
	historyTokens int
	log           logrus.FieldLogger
	syncer        *relsync.Syncer
}

// New creates the vector tier.
func New(store vectorstore.VectorStore, embedder embed.Embedder, opts ...Option) *Backend {
	o := options{
		batchSize:     DefaultBatchSize,
		historyTokens: DefaultHistoryTokens,
		log:           logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	b := &Backend{
		store:         store,
		embedder:      embedder,
		batchSize:     o.batchSize,
		historyTokens: o.historyTokens,
		log:           o.log,
	}
	b.syncer = relsync.NewSyncer(o.source, b.Store, b.DialogBatchSize, relsync.WithLogger(o.log))
	return b
}

func (b *Backend) Name() string { return "vector" }

func (b *Backend) Description() string {
	return "conversation RAG over an embedding vector store"
}

func (b *Backend) Metrics() backend.PerformanceMetrics {
	return backend.PerformanceMetrics{Latency: 50, Throughput: 200, Accuracy: 0.8}
}

func (b *Backend) DialogBatchSize() int { return b.batchSize }

// Store embeds mc and upserts it as a new point.
func (b *Backend) Store(ctx context.Context, mc memory.MemoryContext, tenant memory.TenantKey) error {
	if err := tenant.Validate(); err != nil {
		return backend.NewError(backend.KindRejected, "store", err)
	}
	text := b.embeddingText(mc)
	if text == "" {
		return backend.NewError(backend.KindRejected, "store", errEmptyContent)
	}
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("vector: embed: %w", err)
	}
	point := vectorstore.Point{
		ID:      uuid.NewString(),
		Vector:  vec,
		Payload: payloadOf(mc, tenant),
	}
	point.Payload["content"] = text
	if err := b.store.Upsert(ctx, []vectorstore.Point{point}); err != nil {
		return fmt.Errorf("vector: upsert: %w", err)
	}
	b.log.WithFields(logrus.Fields{
		"user_id":    tenant.UserID,
		"role_id":    tenant.RoleID,
		"session_id": tenant.Session(),
		"point_id":   point.ID,
	}).Debug("vector: stored memory")
	return nil
}

// Retrieve embeds query and searches within the tenant scope.
func (b *Backend) Retrieve(ctx context.Context, query string, topK int, tenant memory.TenantKey, filters backend.Filters) ([]backend.Result, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" || topK <= 0 {
		return []backend.Result{}, nil
	}
	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vector: embed query: %w", err)
	}
	meta := make(map[string]any, len(filters)+3)
	for k, v := range filters {
		meta[k] = v
	}
	for k, v := range tenantFilter(tenant) {
		meta[k] = v
	}
	hits, err := b.store.Search(ctx, vec, vectorstore.SearchFilter{Metadata: meta}, topK)
	if err != nil {
		return nil, fmt.Errorf("vector: search: %w", err)
	}
	out := make([]backend.Result, 0, len(hits))
	for _, h := range hits {
		r := backend.Result{
			ID:       h.ID,
			Content:  h.Content,
			Score:    float64(h.Score),
			Metadata: h.Metadata,
		}
		if s, ok := h.Metadata["timestamp"].(string); ok {
			if ts, err := memory.ParseTime(s); err == nil {
				r.Timestamp = ts
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// Update rewrites a point. "content" is re-embedded; other keys are merged
// into the payload.
func (b *Backend) Update(ctx context.Context, id string, data map[string]any, tenant memory.TenantKey) error {
	point, err := b.owned(ctx, id, tenant)
	if err != nil {
		return err
	}
	for k, v := range data {
		switch k {
		case "content":
			c, ok := v.(string)
			if !ok || c == "" {
				return backend.NewError(backend.KindRejected, "update", fmt.Errorf("content must be a non-empty string"))
			}
			point.Payload["content"] = c
		case "metadata":
			if m, ok := v.(map[string]any); ok {
				mergeMetadata(point.Payload, m)
			}
		default:
			mergeMetadata(point.Payload, map[string]any{k: v})
		}
	}
	content, _ := point.Payload["content"].(string)
	vec, err := b.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("vector: embed: %w", err)
	}
	point.Vector = vec
	point.Payload["updated_at"] = memory.FormatTime(time.Now())
	if err := b.store.Upsert(ctx, []vectorstore.Point{point}); err != nil {
		return fmt.Errorf("vector: upsert: %w", err)
	}
	return nil
}

// Delete removes a point owned by tenant.
func (b *Backend) Delete(ctx context.Context, id string, tenant memory.TenantKey) error {
	if _, err := b.owned(ctx, id, tenant); err != nil {
		return err
	}
	if err := b.store.Delete(ctx, []string{id}); err != nil {
		return fmt.Errorf("vector: delete: %w", err)
	}
	return nil
}

func (b *Backend) SyncToDatabase(ctx context.Context, tenant memory.TenantKey, since, until *time.Time) error {
	return b.syncer.Sync(ctx, tenant, since, until)
}

func (b *Backend) SyncStatus(tenant memory.TenantKey) backend.SyncStatus {
	return b.syncer.Status(tenant)
}

// SetSource swaps the conversations source used by SyncToDatabase.
func (b *Backend) SetSource(src relsync.Source) { b.syncer.SetSource(src) }

func (b *Backend) Close() error { return b.store.Close() }

func (b *Backend) owned(ctx context.Context, id string, tenant memory.TenantKey) (vectorstore.Point, error) {
	if err := tenant.Validate(); err != nil {
		return vectorstore.Point{}, err
	}
	points, err := b.store.Get(ctx, []string{id})
	if err != nil {
		return vectorstore.Point{}, fmt.Errorf("vector: get: %w", err)
	}
	if len(points) == 0 {
		return vectorstore.Point{}, backend.ErrNotFound
	}
	p := points[0]
	for k, v := range tenantFilter(tenant) {
		if fmt.Sprint(p.Payload[k]) != v {
			return vectorstore.Point{}, backend.ErrForbidden
		}
	}
	return p, nil
}

// embeddingText is the content, or the bounded history transcript when the
// context has no content of its own.
func (b *Backend) embeddingText(mc memory.MemoryContext) string {
	if strings.TrimSpace(mc.Content) != "" {
		return mc.Content
	}
	hist := memory.TrimHistoryTokens(mc.History, b.historyTokens)
	parts := make([]string, 0, len(hist))
	for _, t := range hist {
		if strings.TrimSpace(t.Content) != "" {
			parts = append(parts, memory.RoleLabel(t.Source)+":"+t.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

func tenantFilter(tenant memory.TenantKey) map[string]string {
	f := map[string]string{"user_id": tenant.UserID, "role_id": tenant.RoleID}
	if tenant.HasSession() {
		f["session_id"] = tenant.SessionID
	}
	return f
}

func payloadOf(mc memory.MemoryContext, tenant memory.TenantKey) map[string]any {
	p := map[string]any{
		"user_id":       tenant.UserID,
		"role_id":       tenant.RoleID,
		"session_id":    tenant.SessionID,
		"content":       mc.Content,
		"timestamp":     memory.FormatTime(mc.Timestamp),
		"source":        mc.Source,
		"is_summarized": mc.IsSummarized,
		"summary_count": mc.SummaryCount,
		"roles":         mc.Roles(),
	}
	if mc.ConversationID != "" {
		p["conversation_id"] = mc.ConversationID
	}
	mergeMetadata(p, mc.Metadata)
	return p
}

func mergeMetadata(payload, metadata map[string]any) {
	for k, v := range metadata {
		if _, ok := reserved[k]; ok {
			continue
		}
		payload[k] = v
	}
}

var _ backend.Backend = (*Backend)(nil)
