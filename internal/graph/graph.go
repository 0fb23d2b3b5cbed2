// Package graph holds the in-memory symbol-dependency graph for one
// (repository, branch) pair. The graph owns all symbols; edges carry
// ids only, never pointers, so call cycles need no special ownership
// handling.
package graph

import (
	"strings"
	"sync"
)

// SymbolGraph indexes symbols and edges for fast neighborhood queries.
//
// Call edges may arrive with a bare short name as their target (the
// parsers do not resolve language-level references). The short-name
// index resolves those to full ids at insert time, and AddSymbol
// retro-resolves edges that arrived before their target. The index is
// internal: it never leaks through GetAllSymbols and unresolved names
// never surface from a traversal.
type SymbolGraph struct {
	mu     sync.RWMutex
	repoID string
	branch string

	symbols   map[string]*Symbol
	outgoing  map[string][]Edge
	incoming  map[string][]Edge
	fileIndex map[string]map[string]struct{}
	nameIndex map[string][]string
	bareCalls map[string][]Edge
}

// New creates an empty graph for the given repository and branch.
func New(repoID, branch string) *SymbolGraph {
	return &SymbolGraph{
		repoID:    repoID,
		branch:    branch,
		symbols:   make(map[string]*Symbol),
		outgoing:  make(map[string][]Edge),
		incoming:  make(map[string][]Edge),
		fileIndex: make(map[string]map[string]struct{}),
		nameIndex: make(map[string][]string),
		bareCalls: make(map[string][]Edge),
	}
}

// RepoID returns the repository this graph belongs to.
func (g *SymbolGraph) RepoID() string { return g.repoID }

// Branch returns the branch this graph belongs to.
func (g *SymbolGraph) Branch() string { return g.branch }

// isBareName reports whether a calls target is an unqualified short
// name rather than a full symbol id.
func isBareName(to string) bool {
	return !strings.Contains(to, ":")
}

// AddSymbol inserts a symbol into the id map, the file index and the
// short-name index. Re-adding the same id overwrites the stored symbol
// and is idempotent in the file index. Bare call edges inserted before
// this symbol existed are resolved onto it now.
func (g *SymbolGraph) AddSymbol(s *Symbol) {
	if s == nil || s.ID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	_, existed := g.symbols[s.ID]
	g.symbols[s.ID] = s

	ids, ok := g.fileIndex[s.FilePath]
	if !ok {
		ids = make(map[string]struct{})
		g.fileIndex[s.FilePath] = ids
	}
	ids[s.ID] = struct{}{}

	if !existed {
		g.nameIndex[s.Name] = append(g.nameIndex[s.Name], s.ID)
		for _, e := range g.bareCalls[s.Name] {
			g.incoming[s.ID] = append(g.incoming[s.ID], e)
		}
	}
}

// AddEdge appends an edge to the outgoing map and mirrors it into the
// incoming map under every id the target resolves to. A bare calls
// target resolves through the short-name index to zero or more ids;
// any other target indexes once under itself. Duplicate edges are
// allowed and kept.
func (g *SymbolGraph) AddEdge(e Edge) {
	if e.From == "" || e.To == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.outgoing[e.From] = append(g.outgoing[e.From], e)

	if e.Kind == EdgeCalls && isBareName(e.To) {
		for _, id := range g.nameIndex[e.To] {
			g.incoming[id] = append(g.incoming[id], e)
		}
		g.bareCalls[e.To] = append(g.bareCalls[e.To], e)
		return
	}
	g.incoming[e.To] = append(g.incoming[e.To], e)
}

// RemoveFile removes every symbol of the file and every edge incident
// to those symbols from all indexes. After it returns no index holds a
// reference to a symbol of the removed file.
func (g *SymbolGraph) RemoveFile(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids, ok := g.fileIndex[path]
	if !ok {
		return
	}

	removed := make(map[string]struct{}, len(ids))
	for id := range ids {
		removed[id] = struct{}{}
	}

	// Tear down incoming mirrors of edges that originate in this file.
	// A bare calls edge was mirrored under every id its name resolves
	// to; the name index still lists exactly those ids.
	for id := range removed {
		for _, e := range g.outgoing[id] {
			for _, target := range g.resolveTargetsLocked(e) {
				if _, gone := removed[target]; gone {
					continue // map entry is deleted below
				}
				g.incoming[target] = filterEdges(g.incoming[target], func(in Edge) bool {
					_, fromRemoved := removed[in.From]
					return !fromRemoved
				})
				if len(g.incoming[target]) == 0 {
					delete(g.incoming, target)
				}
			}
		}
	}

	// Strip direct-id edges pointing into this file from their
	// sources' outgoing lists. Bare-name edges stay: they reference a
	// name, not a symbol, and query-time resolution can no longer
	// reach the removed ids.
	for id := range removed {
		for _, e := range g.incoming[id] {
			if _, fromRemoved := removed[e.From]; fromRemoved {
				continue
			}
			if e.Kind == EdgeCalls && isBareName(e.To) {
				continue
			}
			g.outgoing[e.From] = filterEdges(g.outgoing[e.From], func(out Edge) bool {
				return out != e
			})
			if len(g.outgoing[e.From]) == 0 {
				delete(g.outgoing, e.From)
			}
		}
	}

	for id := range removed {
		sym := g.symbols[id]
		delete(g.outgoing, id)
		delete(g.incoming, id)
		delete(g.symbols, id)
		if sym != nil {
			g.nameIndex[sym.Name] = filterIDs(g.nameIndex[sym.Name], id)
			if len(g.nameIndex[sym.Name]) == 0 {
				delete(g.nameIndex, sym.Name)
			}
		}
	}

	// Pending bare edges from removed sources must not be
	// retro-resolved onto symbols added later.
	for name, edges := range g.bareCalls {
		kept := filterEdges(edges, func(e Edge) bool {
			_, fromRemoved := removed[e.From]
			return !fromRemoved
		})
		if len(kept) == 0 {
			delete(g.bareCalls, name)
		} else {
			g.bareCalls[name] = kept
		}
	}

	delete(g.fileIndex, path)
}

// resolveTargetsLocked returns the ids an edge is currently mirrored
// under. Callers must hold the lock.
func (g *SymbolGraph) resolveTargetsLocked(e Edge) []string {
	if e.Kind == EdgeCalls && isBareName(e.To) {
		return g.nameIndex[e.To]
	}
	return []string{e.To}
}

// GetSymbol returns the symbol with the given id, if present.
func (g *SymbolGraph) GetSymbol(id string) (*Symbol, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.symbols[id]
	return s, ok
}

// GetAllSymbols returns every symbol in the graph.
func (g *SymbolGraph) GetAllSymbols() []*Symbol {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Symbol, 0, len(g.symbols))
	for _, s := range g.symbols {
		out = append(out, s)
	}
	return out
}

// GetSymbolsInFile returns the symbols currently indexed for a file.
func (g *SymbolGraph) GetSymbolsInFile(path string) []*Symbol {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Symbol
	for id := range g.fileIndex[path] {
		if s, ok := g.symbols[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// SymbolCount returns the number of symbols in the graph.
func (g *SymbolGraph) SymbolCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.symbols)
}

// EdgeCount returns the number of stored edges.
func (g *SymbolGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, edges := range g.outgoing {
		n += len(edges)
	}
	return n
}

// GetCallers walks incoming call edges from the given symbol up to
// hops levels (default 2 when hops <= 0) and returns the calling
// symbols. Unresolved bare names never surface: only ids present in
// the symbol table are returned.
func (g *SymbolGraph) GetCallers(id string, hops int) []*Symbol {
	if hops <= 0 {
		hops = 2
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.callersLocked(id, hops)
}

func (g *SymbolGraph) callersLocked(id string, hops int) []*Symbol {
	type queueItem struct {
		id    string
		depth int
	}
	visited := map[string]struct{}{id: {}}
	queue := []queueItem{{id: id, depth: 0}}
	var out []*Symbol

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.depth >= hops {
			continue
		}
		for _, e := range g.incoming[item.id] {
			if e.Kind != EdgeCalls {
				continue
			}
			if _, seen := visited[e.From]; seen {
				continue
			}
			visited[e.From] = struct{}{}
			sym, ok := g.symbols[e.From]
			if !ok {
				continue
			}
			out = append(out, sym)
			queue = append(queue, queueItem{id: e.From, depth: item.depth + 1})
		}
	}
	return out
}

// GetCallees walks outgoing call edges from the given symbol up to
// hops levels (default 1 when hops <= 0). Bare call targets resolve
// through the short-name index at query time; targets that resolve to
// nothing are skipped.
func (g *SymbolGraph) GetCallees(id string, hops int) []*Symbol {
	if hops <= 0 {
		hops = 1
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.calleesLocked(id, hops)
}

func (g *SymbolGraph) calleesLocked(id string, hops int) []*Symbol {
	type queueItem struct {
		id    string
		depth int
	}
	visited := map[string]struct{}{id: {}}
	queue := []queueItem{{id: id, depth: 0}}
	var out []*Symbol

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.depth >= hops {
			continue
		}
		for _, e := range g.outgoing[item.id] {
			if e.Kind != EdgeCalls {
				continue
			}
			for _, target := range g.resolveTargetsLocked(e) {
				if _, seen := visited[target]; seen {
					continue
				}
				visited[target] = struct{}{}
				sym, ok := g.symbols[target]
				if !ok {
					continue
				}
				out = append(out, sym)
				queue = append(queue, queueItem{id: target, depth: item.depth + 1})
			}
		}
	}
	return out
}

// GetBlastRadius computes the impact surface of a set of changed
// symbol ids. Direct callers are one hop out, transitive callers two
// hops minus the direct set, and the risk score weighs both against
// how many files the change touches.
func (g *SymbolGraph) GetBlastRadius(ids []string) BlastRadius {
	g.mu.RLock()
	defer g.mu.RUnlock()

	direct := make(map[string]*Symbol)
	twoHop := make(map[string]*Symbol)
	files := make(map[string]struct{})

	for _, id := range ids {
		if s, ok := g.symbols[id]; ok {
			files[s.FilePath] = struct{}{}
		}
		for _, s := range g.callersLocked(id, 1) {
			direct[s.ID] = s
		}
		for _, s := range g.callersLocked(id, 2) {
			twoHop[s.ID] = s
		}
	}

	br := BlastRadius{}
	for id, s := range direct {
		br.DirectCallers = append(br.DirectCallers, s)
		files[s.FilePath] = struct{}{}
		delete(twoHop, id)
	}
	for _, s := range twoHop {
		br.TransitiveCallers = append(br.TransitiveCallers, s)
		files[s.FilePath] = struct{}{}
	}
	for f := range files {
		br.AffectedFiles = append(br.AffectedFiles, f)
	}

	score := float64(len(br.DirectCallers)*10 + len(br.TransitiveCallers)*5)
	if len(br.AffectedFiles) > 5 {
		score *= 1.5
	}
	risk := int(score + 0.5)
	if risk > 100 {
		risk = 100
	}
	if risk < 0 {
		risk = 0
	}
	br.RiskScore = risk
	return br
}

func filterEdges(edges []Edge, keep func(Edge) bool) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func filterIDs(ids []string, drop string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
