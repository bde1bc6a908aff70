package commands

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/creastat/memory/backend"
	"github.com/creastat/memory/backend/graph"
	"github.com/creastat/memory/backend/memstore"
	"github.com/creastat/memory/backend/vector"
	"github.com/creastat/memory/config"
	"github.com/creastat/memory/embed"
	"github.com/creastat/memory/manager"
	"github.com/creastat/memory/metadata"
	"github.com/creastat/memory/queue"
	"github.com/creastat/memory/relsync"
	"github.com/creastat/memory/supabase"
	"github.com/creastat/memory/vectorstore"
	"github.com/creastat/memory/vectorstore/qdrant"
)

// pipeline is a connected manager and the Redis client it runs on.
type pipeline struct {
	rdb *redis.Client
	mgr *manager.Manager
}

func (p *pipeline) close(ctx context.Context) {
	if err := p.mgr.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	p.rdb.Close()
}

func openPipeline(cmd *cobra.Command) (*pipeline, error) {
	cfg := globalConfig
	rdb, err := openRedis(cmd)
	if err != nil {
		return nil, err
	}

	src, err := openSource(cfg)
	if err != nil {
		rdb.Close()
		return nil, err
	}
	registry, err := newRegistry(cmd.Context(), cfg, src)
	if err != nil {
		rdb.Close()
		return nil, err
	}
	meta, err := metadata.NewStore(cfg.Metadata.Store,
		metadata.WithRedisClient(rdb),
		metadata.WithRedisTTL(cfg.Metadata.TTL))
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to create metadata store: %w", err)
	}

	opts := []manager.Option{
		manager.WithLogger(log),
		manager.WithMetadataStore(meta),
	}
	if cfg.Queue.Enabled || cfg.Memory.Coordinator.UseQueue {
		opts = append(opts, manager.WithQueue(queue.New(rdb, cfg.Queue.Config, queue.WithLogger(log))))
	}
	mgr, err := manager.New(rdb, registry, cfg.ManagerConfig(), opts...)
	if err != nil {
		rdb.Close()
		return nil, err
	}
	return &pipeline{rdb: rdb, mgr: mgr}, nil
}

// openSource returns the Supabase conversations source, or nil when Supabase
// is not configured.
func openSource(cfg *config.Config) (relsync.Source, error) {
	sc := cfg.Supabase
	if sc.URL == "" {
		return nil, nil
	}
	client, err := supabase.New(supabase.Config{
		URL:      sc.URL,
		APIKey:   sc.APIKey,
		Table:    sc.Table,
		CacheTTL: sc.CacheTTL,
	}, supabase.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// newRegistry registers the built-in tiers. Every factory opens its own
// resources so only the tiers actually used get connected.
func newRegistry(ctx context.Context, cfg *config.Config, src relsync.Source) (*backend.Registry, error) {
	reg := backend.NewRegistry()

	err := reg.Register(backend.LevelBasic, "basic", func() (backend.Backend, error) {
		opts := []memstore.Option{memstore.WithLogger(log)}
		if src != nil {
			opts = append(opts, memstore.WithSource(src))
		}
		return memstore.New(opts...), nil
	})
	if err != nil {
		return nil, err
	}

	err = reg.Register(backend.LevelVector, "vector", func() (backend.Backend, error) {
		store, err := openVectorStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts := []vector.Option{vector.WithLogger(log)}
		if src != nil {
			opts = append(opts, vector.WithSource(src))
		}
		return vector.New(store, newEmbedder(cfg.Embed), opts...), nil
	})
	if err != nil {
		return nil, err
	}

	err = reg.Register(backend.LevelGraph, "graph", func() (backend.Backend, error) {
		opts := []graph.Option{graph.WithLogger(log)}
		if src != nil {
			opts = append(opts, graph.WithSource(src))
		}
		return graph.Open(graph.Config{Dir: cfg.Graph.Dir, InMemory: cfg.Graph.InMemory}, opts...)
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

func openVectorStore(ctx context.Context, cfg *config.Config) (vectorstore.VectorStore, error) {
	if cfg.Qdrant.URL == "" {
		log.Warn("qdrant.url not set, vector tier keeps points in memory")
		return vectorstore.NewMemoryStore(cfg.Embed.Dimension), nil
	}
	client, err := qdrant.New(qdrant.Config{
		URL:            cfg.Qdrant.URL,
		CollectionName: cfg.Qdrant.Collection,
		APIKey:         cfg.Qdrant.APIKey,
	})
	if err != nil {
		return nil, err
	}
	if err := client.EnsureCollection(ctx, cfg.Embed.Dimension); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func newEmbedder(ec config.EmbedConfig) embed.Embedder {
	if ec.APIKey == "" {
		log.Warn("embed.api_key not set, using hashed term vectors")
		return embed.NewHash(ec.Dimension)
	}
	opts := []embed.Option{embed.WithDimension(ec.Dimension)}
	if ec.Model != "" {
		opts = append(opts, embed.WithModel(ec.Model))
	}
	if ec.BaseURL != "" {
		opts = append(opts, embed.WithBaseURL(ec.BaseURL))
	}
	return embed.NewOpenAI(ec.APIKey, opts...)
}
