// Package graph is the relational memory tier. Segments are stored in an
// embedded Badger database with edges from every term and dialog role to
// the segments that mention them.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/creastat/memory"
	"github.com/creastat/memory/backend"
	"github.com/creastat/memory/relsync"
)

// DefaultBatchSize is the preferred dialog batch size of the graph tier.
const DefaultBatchSize = 10

// Config locates the database.
type Config struct {
	// Dir is the data directory. Required unless InMemory is set.
	Dir string
	// InMemory keeps everything in memory, for tests and throwaway workers.
	InMemory bool
}

type segment struct {
	ID             string         `msgpack:"id"`
	UserID         string         `msgpack:"user_id"`
	RoleID         string         `msgpack:"role_id"`
	SessionID      string         `msgpack:"session_id,omitempty"`
	ConversationID string         `msgpack:"conversation_id,omitempty"`
	Content        string         `msgpack:"content"`
	Source         string         `msgpack:"source"`
	Roles          []string       `msgpack:"roles,omitempty"`
	Terms          []string       `msgpack:"terms,omitempty"`
	IsSummarized   bool           `msgpack:"is_summarized"`
	SummaryCount   int            `msgpack:"summary_count"`
	Timestamp      int64          `msgpack:"ts"`
	Metadata       map[string]any `msgpack:"metadata,omitempty"`
}

func (s *segment) tenant() memory.TenantKey {
	return memory.TenantKey{UserID: s.UserID, RoleID: s.RoleID, SessionID: s.SessionID}
}

type options struct {
	batchSize int
	source    relsync.Source
	log       logrus.FieldLogger
}

// Option configures a Backend.
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

// Backend implements backend.Backend on Badger.
type Backend struct {
	db        *badger.DB
	batchSize int
	log       logrus.FieldLogger
	syncer    *relsync.Syncer
}

// Open opens or creates the database.
func Open(cfg Config, opts ...Option) (*Backend, error) {
	o := options{batchSize: DefaultBatchSize, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("graph: dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{o.log})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("graph: open: %w", err)
	}
	b := &Backend{db: db, batchSize: o.batchSize, log: o.log}
	b.syncer = relsync.NewSyncer(o.source, b.Store, b.DialogBatchSize, relsync.WithLogger(o.log))
	return b, nil
}

func (b *Backend) Name() string { return "graph" }

func (b *Backend) Description() string {
	return "term and role graph over an embedded key-value store"
}

func (b *Backend) Metrics() backend.PerformanceMetrics {
	return backend.PerformanceMetrics{Latency: 5, Throughput: 2000, Accuracy: 0.7}
}

func (b *Backend) DialogBatchSize() int { return b.batchSize }

// Store writes mc as a new segment with its edges.
func (b *Backend) Store(_ context.Context, mc memory.MemoryContext, tenant memory.TenantKey) error {
	if err := tenant.Validate(); err != nil {
		return backend.NewError(backend.KindRejected, "store", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("graph: id: %w", err)
	}
	ts := mc.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	seg := &segment{
		ID:             id.String(),
		UserID:         tenant.UserID,
		RoleID:         tenant.RoleID,
		SessionID:      tenant.SessionID,
		ConversationID: mc.ConversationID,
		Content:        mc.Content,
		Source:         mc.Source,
		Roles:          mc.Roles(),
		Terms:          memory.Terms(mc.Content),
		IsSummarized:   mc.IsSummarized,
		SummaryCount:   mc.SummaryCount,
		Timestamp:      ts.UnixNano(),
		Metadata:       mc.Metadata,
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return writeSegment(txn, seg)
	}); err != nil {
		return fmt.Errorf("graph: store: %w", err)
	}
	return nil
}

// Retrieve ranks segments by the share of query terms they contain, newest
// first on ties. An empty query returns the most recent segments.
func (b *Backend) Retrieve(_ context.Context, query string, topK int, tenant memory.TenantKey, filters backend.Filters) ([]backend.Result, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []backend.Result{}, nil
	}
	terms := memory.Terms(query)

	var scored []scoredSegment
	err := b.db.View(func(txn *badger.Txn) error {
		if len(terms) == 0 {
			segs, err := scanSegments(txn, segPrefix(tenant))
			if err != nil {
				return err
			}
			for _, s := range segs {
				scored = append(scored, scoredSegment{seg: s})
			}
			return nil
		}
		hits := make(map[string]int)
		for _, term := range terms {
			for _, id := range scanEdges(txn, termPrefix(tenant, term)) {
				hits[id]++
			}
		}
		for id, n := range hits {
			s, err := readSegment(txn, segKey(tenant, id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			scored = append(scored, scoredSegment{seg: s, score: float64(n) / float64(len(terms))})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph: retrieve: %w", err)
	}

	out := make([]backend.Result, 0, topK)
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].seg.Timestamp > scored[j].seg.Timestamp
	})
	for _, s := range scored {
		if len(out) == topK {
			break
		}
		if tenant.HasSession() && s.seg.SessionID != tenant.SessionID {
			continue
		}
		if !matchFilters(s.seg, filters) {
			continue
		}
		out = append(out, s.result())
	}
	return out, nil
}

// Related returns the dialog roles and co-occurring terms linked to term in
// the tenant's graph, most frequent first.
func (b *Backend) Related(_ context.Context, tenant memory.TenantKey, term string, limit int) ([]string, error) {
	counts := make(map[string]int)
	term = strings.ToLower(term)
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range scanEdges(txn, termPrefix(tenant, term)) {
			s, err := readSegment(txn, segKey(tenant, id))
			if err != nil {
				continue
			}
			for _, t := range s.Terms {
				if t != term {
					counts[t]++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("graph: related: %w", err)
	}
	out := make([]string, 0, len(counts))
	for t := range counts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update rewrites a segment and its edges.
func (b *Backend) Update(_ context.Context, id string, data map[string]any, tenant memory.TenantKey) error {
	return b.db.Update(func(txn *badger.Txn) error {
		seg, err := owned(txn, id, tenant)
		if err != nil {
			return err
		}
		if err := deleteSegment(txn, seg); err != nil {
			return err
		}
		if seg.Metadata == nil {
			seg.Metadata = make(map[string]any)
		}
		for k, v := range data {
			switch k {
			case "content":
				c, ok := v.(string)
				if !ok {
					return backend.NewError(backend.KindRejected, "update", fmt.Errorf("content must be a string, got %T", v))
				}
				seg.Content = c
				seg.Terms = memory.Terms(c)
			case "metadata":
				if m, ok := v.(map[string]any); ok {
					for mk, mv := range m {
						seg.Metadata[mk] = mv
					}
				}
			default:
				seg.Metadata[k] = v
			}
		}
		return writeSegment(txn, seg)
	})
}

// Delete removes a segment and its edges.
func (b *Backend) Delete(_ context.Context, id string, tenant memory.TenantKey) error {
	return b.db.Update(func(txn *badger.Txn) error {
		seg, err := owned(txn, id, tenant)
		if err != nil {
			return err
		}
		return deleteSegment(txn, seg)
	})
}

func (b *Backend) SyncToDatabase(ctx context.Context, tenant memory.TenantKey, since, until *time.Time) error {
	return b.syncer.Sync(ctx, tenant, since, until)
}

func (b *Backend) SyncStatus(tenant memory.TenantKey) backend.SyncStatus {
	return b.syncer.Status(tenant)
}

// SetSource swaps the conversations source used by SyncToDatabase.
func (b *Backend) SetSource(src relsync.Source) { b.syncer.SetSource(src) }

func (b *Backend) Close() error { return b.db.Close() }

type scoredSegment struct {
	seg   *segment
	score float64
}

func (s scoredSegment) result() backend.Result {
	md := make(map[string]any, len(s.seg.Metadata)+6)
	for k, v := range s.seg.Metadata {
		md[k] = v
	}
	md["source"] = s.seg.Source
	md["roles"] = s.seg.Roles
	md["session_id"] = s.seg.SessionID
	md["is_summarized"] = s.seg.IsSummarized
	md["summary_count"] = s.seg.SummaryCount
	if s.seg.ConversationID != "" {
		md["conversation_id"] = s.seg.ConversationID
	}
	return backend.Result{
		ID:        s.seg.ID,
		Content:   s.seg.Content,
		Score:     s.score,
		Timestamp: time.Unix(0, s.seg.Timestamp).UTC(),
		Metadata:  md,
	}
}

// owned loads a segment by id, searching the user/role partition.
func owned(txn *badger.Txn, id string, tenant memory.TenantKey) (*segment, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	seg, err := readSegment(txn, segKey(tenant, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		if exists, _ := segmentExists(txn, id); exists {
			return nil, backend.ErrForbidden
		}
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if tenant.HasSession() && seg.SessionID != tenant.SessionID {
		return nil, backend.ErrForbidden
	}
	return seg, nil
}

func segmentExists(txn *badger.Txn, id string) (bool, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("seg:")})
	defer it.Close()
	suffix := ":" + id
	for it.Rewind(); it.Valid(); it.Next() {
		if strings.HasSuffix(string(it.Item().Key()), suffix) {
			return true, nil
		}
	}
	return false, nil
}

func writeSegment(txn *badger.Txn, seg *segment) error {
	data, err := msgpack.Marshal(seg)
	if err != nil {
		return err
	}
	t := seg.tenant()
	if err := txn.Set(segKey(t, seg.ID), data); err != nil {
		return err
	}
	for _, term := range seg.Terms {
		if err := txn.Set(termKey(t, term, seg.ID), nil); err != nil {
			return err
		}
	}
	for _, role := range seg.Roles {
		if err := txn.Set(relKey(t, role, seg.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

func deleteSegment(txn *badger.Txn, seg *segment) error {
	t := seg.tenant()
	if err := txn.Delete(segKey(t, seg.ID)); err != nil {
		return err
	}
	for _, term := range seg.Terms {
		if err := txn.Delete(termKey(t, term, seg.ID)); err != nil {
			return err
		}
	}
	for _, role := range seg.Roles {
		if err := txn.Delete(relKey(t, role, seg.ID)); err != nil {
			return err
		}
	}
	return nil
}

func readSegment(txn *badger.Txn, key []byte) (*segment, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var seg segment
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &seg)
	})
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

// scanSegments returns every segment under prefix, newest first.
func scanSegments(txn *badger.Txn, prefix []byte) ([]*segment, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := append(append([]byte{}, prefix...), 0xff)
	var out []*segment
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		var seg segment
		if err := it.Item().Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &seg)
		}); err != nil {
			continue
		}
		out = append(out, &seg)
	}
	return out, nil
}

func scanEdges(txn *badger.Txn, prefix []byte) []string {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, idFromEdge(it.Item().Key()))
	}
	return ids
}

func matchFilters(seg *segment, filters backend.Filters) bool {
	for k, want := range filters {
		switch k {
		case "role":
			found := false
			for _, r := range seg.Roles {
				if r == fmt.Sprint(want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case "conversation_id":
			if seg.ConversationID != fmt.Sprint(want) {
				return false
			}
		case "source":
			if seg.Source != fmt.Sprint(want) {
				return false
			}
		default:
			got, ok := seg.Metadata[k]
			if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
				return false
			}
		}
	}
	return true
}

// badgerLogger routes badger's chatter through logrus, demoting info to debug.
type badgerLogger struct {
	logrus.FieldLogger
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.FieldLogger.Debugf("graph: badger: "+format, args...)
}

var _ backend.Backend = (*Backend)(nil)
