package qdrant

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/creastat/memory/vectorstore"
)

// Config holds Qdrant connection configuration.
type Config struct {
	// URL is the Qdrant server address (e.g., "https://example.qdrant.io:6334").
	URL string

	// CollectionName is the collection memories are written to.
	CollectionName string

	// APIKey is optional API key for authentication.
	APIKey string
}

// indexedFields are the tenant payload keys every search filters on.
var indexedFields = []string{"user_id", "role_id", "session_id"}

// Client implements vectorstore.VectorStore for Qdrant.
type Client struct {
	client         *qdrant.Client
	collectionName string
}

// New creates a new Qdrant client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("qdrant collection name is required")
	}

	host, port, useTLS, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	qdrantClient, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &Client{
		client:         qdrantClient,
		collectionName: cfg.CollectionName,
	}, nil
}

// parseURL extracts host, port and TLS mode. A missing scheme means https and
// a missing port means the gRPC default 6334.
func parseURL(raw string) (string, int, bool, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to parse qdrant url: %w", err)
	}
	port := 6334
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid port: %w", err)
		}
		port = p
	}
	return u.Hostname(), port, u.Scheme == "https", nil
}

// EnsureCollection creates the collection with cosine distance and keyword
// indexes on the tenant fields when it does not exist yet.
func (c *Client) EnsureCollection(ctx context.Context, dim int) error {
	exists, err := c.client.CollectionExists(ctx, c.collectionName)
	if err != nil {
		return fmt.Errorf("qdrant collection check failed: %w", err)
	}
	if exists {
		return nil
	}
	err = c.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: c.collectionName,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection failed: %w", err)
	}
	for _, field := range indexedFields {
		_, err := c.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: c.collectionName,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("qdrant index %s failed: %w", field, err)
		}
	}
	return nil
}

// Upsert implements vectorstore.VectorStore.
func (c *Client) Upsert(ctx context.Context, points []vectorstore.Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		payload, err := qdrant.TryValueMap(normalizePayload(p.Payload))
		if err != nil {
			return fmt.Errorf("qdrant payload for %s: %w", p.ID, err)
		}
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		})
	}
	wait := true
	if _, err := c.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: c.collectionName,
		Wait:           &wait,
		Points:         structs,
	}); err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

// Search implements vectorstore.VectorStore.
func (c *Client) Search(ctx context.Context, vector []float32, filter vectorstore.SearchFilter, limit int) ([]vectorstore.SearchResult, error) {
	limitUint64 := uint64(limit)
	points, err := c.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: c.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limitUint64,
		Filter:         buildQdrantFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	results := make([]vectorstore.SearchResult, 0, len(points))
	for _, point := range points {
		if filter.MinScore > 0 && point.Score < filter.MinScore {
			continue
		}
		result := vectorstore.SearchResult{
			ID:       pointID(point.Id),
			Score:    point.Score,
			Metadata: make(map[string]any),
		}
		for k, v := range point.Payload {
			if k == "content" {
				result.Content = v.GetStringValue()
				continue
			}
			result.Metadata[k] = extractValue(v)
		}
		results = append(results, result)
	}
	return results, nil
}

// Get implements vectorstore.VectorStore.
func (c *Client) Get(ctx context.Context, ids []string) ([]vectorstore.Point, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}
	points, err := c.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: c.collectionName,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant get failed: %w", err)
	}
	out := make([]vectorstore.Point, 0, len(points))
	for _, p := range points {
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = extractValue(v)
		}
		out = append(out, vectorstore.Point{ID: pointID(p.Id), Payload: payload})
	}
	return out, nil
}

// Delete implements vectorstore.VectorStore.
func (c *Client) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}
	wait := true
	if _, err := c.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: c.collectionName,
		Wait:           &wait,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	}); err != nil {
		return fmt.Errorf("qdrant delete failed: %w", err)
	}
	return nil
}

// Close implements vectorstore.VectorStore.
func (c *Client) Close() error {
	return c.client.Close()
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

// normalizePayload rewrites values qdrant's value map cannot hold.
func normalizePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case time.Time:
			out[k] = val.UTC().Format(time.RFC3339Nano)
		case []string:
			list := make([]any, len(val))
			for i, s := range val {
				list[i] = s
			}
			out[k] = list
		case map[string]any:
			out[k] = normalizePayload(val)
		default:
			out[k] = v
		}
	}
	return out
}

// buildQdrantFilter converts SearchFilter to Qdrant Filter.
func buildQdrantFilter(filter vectorstore.SearchFilter) *qdrant.Filter {
	if len(filter.Metadata) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(filter.Metadata))
	for key, value := range filter.Metadata {
		conditions = append(conditions, buildMatchCondition(key, value))
	}
	return &qdrant.Filter{Must: conditions}
}

// buildMatchCondition creates a match condition for a key-value pair.
func buildMatchCondition(key string, value any) *qdrant.Condition {
	var match *qdrant.Match

	switch v := value.(type) {
	case string:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: v}}
	case []string:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Keywords{
			Keywords: &qdrant.RepeatedStrings{Strings: v},
		}}
	case int:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(v)}}
	case int64:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: v}}
	case bool:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}}
	default:
		match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: fmt.Sprintf("%v", v)}}
	}

	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: match,
			},
		},
	}
}

// extractValue extracts a Go value from a Qdrant Value.
func extractValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}

	switch val := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	case *qdrant.Value_ListValue:
		list := make([]any, 0, len(val.ListValue.GetValues()))
		for _, item := range val.ListValue.GetValues() {
			list = append(list, extractValue(item))
		}
		return list
	case *qdrant.Value_StructValue:
		m := make(map[string]any, len(val.StructValue.GetFields()))
		for k, item := range val.StructValue.GetFields() {
			m[k] = extractValue(item)
		}
		return m
	default:
		return nil
	}
}

// Compile-time check that Client implements VectorStore.
var _ vectorstore.VectorStore = (*Client)(nil)
