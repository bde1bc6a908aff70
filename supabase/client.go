package supabase

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/creastat/memory"
	"github.com/creastat/memory/relsync"
)

// Config holds Supabase connection configuration
type Config struct {
	URL      string
	APIKey   string
	Table    string        // Default: conversations
	CacheTTL time.Duration // Default: 30 seconds
}

// Client implements Store over the Supabase REST API.
type Client struct {
	from     func(table string) *postgrest.QueryBuilder
	table    string
	cache    *cache
	cacheTTL time.Duration
	log      logrus.FieldLogger
}

// cache holds unsynced-row counts so status polling does not hit the database
type cache struct {
	mu     sync.RWMutex
	counts map[string]*cacheEntry[int]
}

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a new Supabase client
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return newClient(client.From, cfg, opts...), nil
}

// NewREST creates a client on a bare PostgREST endpoint.
func NewREST(rest *postgrest.Client, cfg Config, opts ...Option) *Client {
	return newClient(rest.From, cfg, opts...)
}

func newClient(from func(string) *postgrest.QueryBuilder, cfg Config, opts ...Option) *Client {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	c := &Client{
		from:     from,
		table:    cfg.Table,
		cacheTTL: cfg.CacheTTL,
		cache:    &cache{counts: make(map[string]*cacheEntry[int])},
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// scoped applies the tenant filter. The session is only constrained when
// the tenant carries one.
func scoped(f *postgrest.FilterBuilder, tenant memory.TenantKey) *postgrest.FilterBuilder {
	f = f.Eq("user_id", tenant.UserID).Eq("role_id", tenant.RoleID)
	if tenant.HasSession() {
		f = f.Eq("session_id", tenant.SessionID)
	}
	return f
}

// unsynced restricts to rows not yet synced inside the window. Both window
// bounds target created_at, so they are folded into the single or= tree
// instead of repeated column filters.
func unsynced(f *postgrest.FilterBuilder, w relsync.Window) *postgrest.FilterBuilder {
	var bounds []string
	if w.Since != nil {
		bounds = append(bounds, `created_at.gte."`+memory.FormatTime(*w.Since)+`"`)
	}
	if w.Until != nil {
		bounds = append(bounds, `created_at.lte."`+memory.FormatTime(*w.Until)+`"`)
	}
	if len(bounds) == 0 {
		return f.Or("is_sync.is.null,is_sync.is.false", "")
	}
	rest := strings.Join(bounds, ",")
	return f.Or("and(is_sync.is.null,"+rest+"),and(is_sync.is.false,"+rest+")", "")
}

// CountUnsynced implements relsync.Source. Counts are cached for CacheTTL.
func (c *Client) CountUnsynced(ctx context.Context, tenant memory.TenantKey, w relsync.Window) (int, error) {
	key := countKey(tenant, w)
	if n, ok := c.getCount(key); ok {
		return n, nil
	}

	q := scoped(c.from(c.table).Select("id", "exact", true), tenant)
	_, count, err := unsynced(q, w).Execute()
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced conversations: %w", err)
	}
	c.addCount(key, int(count))
	return int(count), nil
}

// ListUnsynced implements relsync.Source.
func (c *Client) ListUnsynced(ctx context.Context, tenant memory.TenantKey, w relsync.Window, limit int) ([]relsync.Row, error) {
	q := scoped(c.from(c.table).Select("*", "", false), tenant)
	var rows []conversationRow
	_, err := unsynced(q, w).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced conversations: %w", err)
	}
	return c.convert(rows), nil
}

// ListBefore implements relsync.Source.
func (c *Client) ListBefore(ctx context.Context, tenant memory.TenantKey, before time.Time, limit int) ([]relsync.Row, error) {
	var rows []conversationRow
	_, err := scoped(c.from(c.table).Select("*", "", false), tenant).
		Lt("created_at", memory.FormatTime(before)).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list earlier conversations: %w", err)
	}
	out := c.convert(rows)
	slices.Reverse(out)
	return out, nil
}

// MarkSynced implements relsync.Source.
func (c *Client) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatInt(id, 10)
	}
	_, _, err := c.from(c.table).
		Update(map[string]any{"is_sync": true}, "minimal", "").
		In("id", strIDs).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to mark conversations synced: %w", err)
	}
	c.clearCounts()
	return nil
}

// Insert implements Store.
func (c *Client) Insert(ctx context.Context, rows []relsync.Row) error {
	if len(rows) == 0 {
		return nil
	}
	payload := make([]conversationRow, len(rows))
	for i, r := range rows {
		payload[i] = fromRow(r)
	}
	_, _, err := c.from(c.table).Insert(payload, false, "", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("failed to insert conversations: %w", err)
	}
	c.clearCounts()
	return nil
}

// Close closes the Supabase client
func (c *Client) Close() error {
	// Supabase client doesn't require explicit close
	return nil
}

func (c *Client) convert(rows []conversationRow) []relsync.Row {
	out := make([]relsync.Row, 0, len(rows))
	for _, r := range rows {
		row, err := r.toRow()
		if err != nil {
			c.log.WithError(err).WithField("row_id", r.ID).Warn("supabase: skipping row with bad created_at")
			continue
		}
		out = append(out, row)
	}
	return out
}

func countKey(tenant memory.TenantKey, w relsync.Window) string {
	key := tenant.String()
	if w.Since != nil {
		key += "|" + memory.FormatTime(*w.Since)
	}
	key += "|"
	if w.Until != nil {
		key += memory.FormatTime(*w.Until)
	}
	return key
}

// getCount retrieves a cached count
func (c *Client) getCount(key string) (int, bool) {
	c.cache.mu.RLock()
	defer c.cache.mu.RUnlock()

	if e, ok := c.cache.counts[key]; ok && time.Now().Before(e.expiresAt) {
		return e.value, true
	}
	return 0, false
}

// addCount caches a count
func (c *Client) addCount(key string, n int) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	c.cache.counts[key] = &cacheEntry[int]{value: n, expiresAt: time.Now().Add(c.cacheTTL)}
}

// clearCounts drops every cached count after a write
func (c *Client) clearCounts() {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	clear(c.cache.counts)
}

// Compile-time check that Client implements Store
var _ Store = (*Client)(nil)
