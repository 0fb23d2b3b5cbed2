// Package retriever assembles the code context a reviewer model sees
// for one diff: the changed symbols, their graph neighborhood, the
// blast radius and, at deep depth, semantically similar symbols.
package retriever

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"reviewd/internal/embedding"
	"reviewd/internal/graph"
	"reviewd/internal/store"
)

// Depth selects how far retrieval reaches.
type Depth string

const (
	DepthFast     Depth = "fast"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

// Config tunes one retriever instance.
type Config struct {
	Depth Depth
	TopK  int
}

// DefaultConfig matches the served defaults.
func DefaultConfig() Config {
	return Config{Depth: DepthStandard, TopK: 10}
}

// ReviewContext is everything retrieval found for one diff. The
// example fields are filled by the review runner, not here.
type ReviewContext struct {
	ChangedFiles      []string
	ChangedSymbols    []*graph.Symbol
	Callers           []*graph.Symbol
	Callees           []*graph.Symbol
	BlastRadius       graph.BlastRadius
	SemanticNeighbors []*graph.Symbol
	PriorExamples     []store.CommentExample
	RejectedExamples  []store.CommentExample
}

// Retriever reads one (repo, branch) graph. Instances are cheap; the
// cache builds one per entry.
type Retriever struct {
	graph  *graph.SymbolGraph
	store  *store.Store
	engine embedding.EmbeddingEngine
	cfg    Config
	logger *zap.Logger
}

func New(g *graph.SymbolGraph, st *store.Store, engine embedding.EmbeddingEngine, cfg Config, logger *zap.Logger) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.Depth == "" {
		cfg.Depth = DepthStandard
	}
	return &Retriever{graph: g, store: st, engine: engine, cfg: cfg, logger: logger}
}

// GetReviewContext builds the context for a unified diff.
func (r *Retriever) GetReviewContext(ctx context.Context, diffText string) (*ReviewContext, error) {
	files := ChangedFiles(diffText)

	var changed []*graph.Symbol
	for _, f := range files {
		changed = append(changed, r.graph.GetSymbolsInFile(f)...)
	}

	changedIDs := make(map[string]bool, len(changed))
	ids := make([]string, 0, len(changed))
	for _, s := range changed {
		changedIDs[s.ID] = true
		ids = append(ids, s.ID)
	}

	callerHops := 2
	if r.cfg.Depth == DepthFast {
		callerHops = 1
	}

	callers := make(map[string]*graph.Symbol)
	callees := make(map[string]*graph.Symbol)
	for _, s := range changed {
		for _, c := range r.graph.GetCallers(s.ID, callerHops) {
			if !changedIDs[c.ID] {
				callers[c.ID] = c
			}
		}
		for _, c := range r.graph.GetCallees(s.ID, 1) {
			if !changedIDs[c.ID] {
				callees[c.ID] = c
			}
		}
	}

	rc := &ReviewContext{
		ChangedFiles:   files,
		ChangedSymbols: changed,
		Callers:        sortedSymbols(callers),
		Callees:        sortedSymbols(callees),
		BlastRadius:    r.graph.GetBlastRadius(ids),
	}

	if r.cfg.Depth == DepthDeep && r.engine != nil && len(changed) > 0 {
		rc.SemanticNeighbors = r.semanticNeighbors(ctx, changed, changedIDs, callers, callees)
	}
	return rc, nil
}

// semanticNeighbors embeds the changed symbols, searches the vector
// table and reranks hits by cosine score damped with graph distance.
// Failures degrade to an empty list: missing neighbors only shrink the
// model's context.
func (r *Retriever) semanticNeighbors(ctx context.Context, changed []*graph.Symbol, changedIDs map[string]bool, callers, callees map[string]*graph.Symbol) []*graph.Symbol {
	texts := make([]string, len(changed))
	for i, s := range changed {
		texts[i] = embedding.SymbolText(s.QualifiedName, s.Signature, s.DocComment)
	}
	vectors, err := r.engine.EmbedBatch(ctx, texts)
	if err != nil {
		r.logger.Warn("deep retrieval embed failed", zap.Error(err))
		return nil
	}
	query := embedding.Average(vectors)
	if query == nil {
		return nil
	}

	hits, err := r.store.SearchEmbeddings(ctx, query, r.graph.RepoID(), r.graph.Branch(), 3*r.cfg.TopK)
	if err != nil {
		r.logger.Warn("deep retrieval search failed", zap.Error(err))
		return nil
	}

	// Graph distance from the changed set: 1 for direct neighbors,
	// 2 for two-hop, 3 for everything the search surfaced beyond that.
	near1 := make(map[string]bool)
	near2 := make(map[string]bool)
	for _, s := range changed {
		for _, n := range r.graph.GetCallers(s.ID, 1) {
			near1[n.ID] = true
		}
		for _, n := range r.graph.GetCallees(s.ID, 1) {
			near1[n.ID] = true
		}
		for _, n := range r.graph.GetCallers(s.ID, 2) {
			near2[n.ID] = true
		}
		for _, n := range r.graph.GetCallees(s.ID, 2) {
			near2[n.ID] = true
		}
	}

	type scored struct {
		id    string
		score float64
	}
	var candidates []scored
	for _, hit := range hits {
		if changedIDs[hit.ID] {
			continue
		}
		if _, known := callers[hit.ID]; known {
			continue
		}
		if _, known := callees[hit.ID]; known {
			continue
		}
		if _, inGraph := r.graph.GetSymbol(hit.ID); !inGraph {
			continue
		}
		distance := 3
		if near1[hit.ID] {
			distance = 1
		} else if near2[hit.ID] {
			distance = 2
		}
		candidates = append(candidates, scored{
			id:    hit.ID,
			score: hit.Score * (1.0 / float64(distance+1)),
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > r.cfg.TopK {
		candidates = candidates[:r.cfg.TopK]
	}

	neighbors := make([]*graph.Symbol, 0, len(candidates))
	for _, c := range candidates {
		if s, ok := r.graph.GetSymbol(c.id); ok {
			neighbors = append(neighbors, s)
		}
	}
	return neighbors
}

func sortedSymbols(m map[string]*graph.Symbol) []*graph.Symbol {
	out := make([]*graph.Symbol, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
