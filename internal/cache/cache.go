// Package cache keeps the per-(repo, branch) working set — symbol
// graph, indexer, retriever — resident in the process so webhook
// handlers never rebuild it per request. Entries are loaded once and
// mutated in place by index runs; the map itself only changes on load
// and evict.
package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"reviewd/internal/embedding"
	"reviewd/internal/graph"
	"reviewd/internal/indexer"
	"reviewd/internal/parser"
	"reviewd/internal/progress"
	"reviewd/internal/retriever"
	"reviewd/internal/store"
)

// warmupConcurrency caps how many branches load at once during warmup.
const warmupConcurrency = 4

// Entry is the working set for one (repo, branch) pair. Graph and
// Retriever are entry-local; Indexer and Store are the shared process
// instances.
type Entry struct {
	Graph     *graph.SymbolGraph
	Indexer   *indexer.Indexer
	Retriever *retriever.Retriever
	Store     *store.Store
}

// Cache maps "repoID:branch" to its Entry.
type Cache struct {
	store   *store.Store
	indexer *indexer.Indexer
	engine  embedding.EmbeddingEngine
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	rcfg    retriever.Config

	loads singleflight.Group
}

func New(st *store.Store, registry *parser.Registry, engine embedding.EmbeddingEngine, bus *progress.Bus, rcfg retriever.Config, logger *zap.Logger) *Cache {
	return &Cache{
		store:   st,
		indexer: indexer.New(st, registry, engine, bus, logger),
		engine:  engine,
		logger:  logger,
		entries: make(map[string]*Entry),
		rcfg:    rcfg,
	}
}

func cacheKey(repoID, branch string) string {
	return repoID + ":" + branch
}

// Indexer returns the shared indexer, for callers that index before an
// entry exists (first full index of a branch).
func (c *Cache) Indexer() *indexer.Indexer {
	return c.indexer
}

// GetRepo returns the cached entry for the pair, or nil when it was
// never loaded.
func (c *Cache) GetRepo(repoID, branch string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[cacheKey(repoID, branch)]
}

// GetOrLoadRepo returns the cached entry, loading the branch from the
// store on a miss. Concurrent misses for the same key share a single
// load.
func (c *Cache) GetOrLoadRepo(ctx context.Context, repoID, branch string) (*Entry, error) {
	if e := c.GetRepo(repoID, branch); e != nil {
		return e, nil
	}

	key := cacheKey(repoID, branch)
	v, err, _ := c.loads.Do(key, func() (interface{}, error) {
		// A racing load may have won between the miss and here.
		if e := c.GetRepo(repoID, branch); e != nil {
			return e, nil
		}
		return c.load(ctx, repoID, branch)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (c *Cache) load(ctx context.Context, repoID, branch string) (*Entry, error) {
	g, err := c.indexer.LoadFromStorage(ctx, repoID, branch)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := &Entry{
		Graph:     g,
		Indexer:   c.indexer,
		Retriever: retriever.New(g, c.store, c.engine, c.rcfg, c.logger),
		Store:     c.store,
	}
	c.entries[cacheKey(repoID, branch)] = e

	c.logger.Info("cached repo graph",
		zap.String("repo", repoID),
		zap.String("branch", branch),
		zap.Int("symbols", g.SymbolCount()))
	return e, nil
}

// EvictRepo drops one branch entry, or with branch == "" every entry
// for the repo.
func (c *Cache) EvictRepo(repoID, branch string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if branch != "" {
		delete(c.entries, cacheKey(repoID, branch))
		return
	}
	prefix := repoID + ":"
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Len reports how many pairs are resident.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// SetRetrieverConfig applies new retrieval knobs to future loads and
// rebuilds the retriever of every resident entry. Used by config hot
// reload.
func (c *Cache) SetRetrieverConfig(cfg retriever.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rcfg = cfg
	for _, e := range c.entries {
		e.Retriever = retriever.New(e.Graph, c.store, c.engine, cfg, c.logger)
	}
}

// WarmupAllRepos loads every indexed (repo, branch) pair before the
// server accepts traffic. Pairs load concurrently and independently:
// one branch failing to load never stops the others, it is logged and
// skipped.
func (c *Cache) WarmupAllRepos(ctx context.Context) error {
	pairs, err := c.store.ListIndexedBranches(ctx)
	if err != nil {
		return err
	}
	if len(pairs) == 0 {
		c.logger.Info("warmup: no indexed branches")
		return nil
	}

	var failed atomic.Int64
	var eg errgroup.Group
	eg.SetLimit(warmupConcurrency)
	for _, p := range pairs {
		eg.Go(func() error {
			if _, err := c.GetOrLoadRepo(ctx, p.RepoID, p.Branch); err != nil {
				failed.Add(1)
				c.logger.Warn("warmup: branch failed to load",
					zap.String("repo", p.RepoID),
					zap.String("branch", p.Branch),
					zap.Error(err))
			}
			return nil
		})
	}
	eg.Wait()

	c.logger.Info("warmup complete",
		zap.Int("loaded", len(pairs)-int(failed.Load())),
		zap.Int64("failed", failed.Load()))
	return nil
}
