package graph

import (
	"encoding/json"
	"fmt"
)

// snapshot is the wire form of a serialized graph: the full symbol and
// edge lists, no dedup. Everything else is rebuilt on load.
type snapshot struct {
	RepoID  string    `json:"repoId"`
	Branch  string    `json:"branch"`
	Symbols []*Symbol `json:"symbols"`
	Edges   []Edge    `json:"edges"`
}

// Serialize renders the graph as compact JSON. Deserializing the
// result yields a graph that behaves identically under every
// operation.
func (g *SymbolGraph) Serialize() (string, error) {
	g.mu.RLock()
	snap := snapshot{
		RepoID:  g.repoID,
		Branch:  g.branch,
		Symbols: make([]*Symbol, 0, len(g.symbols)),
	}
	for _, s := range g.symbols {
		snap.Symbols = append(snap.Symbols, s)
	}
	for _, edges := range g.outgoing {
		snap.Edges = append(snap.Edges, edges...)
	}
	g.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("serialize graph: %w", err)
	}
	return string(data), nil
}

// Deserialize loads a serialized graph into this one. Loading is
// additive: symbols first, then edges, so bare call targets resolve
// regardless of the order they were stored in. A graph that already
// holds data tolerates the duplicate adds.
func (g *SymbolGraph) Deserialize(data string) error {
	var snap snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return fmt.Errorf("deserialize graph: %w", err)
	}
	for _, s := range snap.Symbols {
		g.AddSymbol(s)
	}
	for _, e := range snap.Edges {
		g.AddEdge(e)
	}
	return nil
}
