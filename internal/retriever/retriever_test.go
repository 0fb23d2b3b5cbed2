package retriever

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"reviewd/internal/graph"
	"reviewd/internal/store"
)

type stubEngine struct{}

func (stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (stubEngine) Dimensions() int { return 3 }
func (stubEngine) Name() string    { return "stub" }

func addFunc(g *graph.SymbolGraph, file, name string) *graph.Symbol {
	s := &graph.Symbol{
		ID:            graph.SymbolID(file, name),
		RepoID:        "repo-1",
		FilePath:      file,
		Name:          name,
		QualifiedName: name,
		Kind:          graph.KindFunction,
		Signature:     "func " + name + "()",
	}
	g.AddSymbol(s)
	return s
}

func call(g *graph.SymbolGraph, from, to string) {
	g.AddEdge(graph.Edge{From: from, To: to, Kind: graph.EdgeCalls, RepoID: "repo-1"})
}

// testGraph: callB -> callA -> handle -> dep -> deepdep, with handle
// living in the changed file.
func testGraph() *graph.SymbolGraph {
	g := graph.New("repo-1", "main")
	addFunc(g, "svc.go", "handle")
	addFunc(g, "b.go", "callA")
	addFunc(g, "c.go", "callB")
	addFunc(g, "d.go", "dep")
	addFunc(g, "f.go", "deepdep")
	addFunc(g, "e.go", "stranger")
	call(g, "b.go:callA", "svc.go:handle")
	call(g, "c.go:callB", "b.go:callA")
	call(g, "svc.go:handle", "d.go:dep")
	call(g, "d.go:dep", "f.go:deepdep")
	return g
}

const svcDiff = "--- a/svc.go\n+++ b/svc.go\n@@ -1,2 +1,3 @@\n-func handle() {\n+func handle() error {\n+\treturn nil\n }\n"

func TestGetReviewContextStandard(t *testing.T) {
	r := New(testGraph(), nil, nil, Config{Depth: DepthStandard, TopK: 5}, zaptest.NewLogger(t))

	rc, err := r.GetReviewContext(context.Background(), svcDiff)
	require.NoError(t, err)

	assert.Equal(t, []string{"svc.go"}, rc.ChangedFiles)
	require.Len(t, rc.ChangedSymbols, 1)
	assert.Equal(t, "svc.go:handle", rc.ChangedSymbols[0].ID)

	assert.Equal(t, []string{"b.go:callA", "c.go:callB"}, ids(rc.Callers),
		"standard depth reaches two caller hops")
	assert.Equal(t, []string{"d.go:dep"}, ids(rc.Callees), "callees stay at one hop")

	assert.Equal(t, 1, len(rc.BlastRadius.DirectCallers))
	assert.Greater(t, rc.BlastRadius.RiskScore, 0)
	assert.Empty(t, rc.SemanticNeighbors, "no engine, no deep pass")
}

func TestGetReviewContextFast(t *testing.T) {
	r := New(testGraph(), nil, nil, Config{Depth: DepthFast, TopK: 5}, zaptest.NewLogger(t))

	rc, err := r.GetReviewContext(context.Background(), svcDiff)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.go:callA"}, ids(rc.Callers), "fast depth stops after one hop")
}

func TestGetReviewContextEmptyDiff(t *testing.T) {
	r := New(testGraph(), nil, nil, DefaultConfig(), zaptest.NewLogger(t))

	rc, err := r.GetReviewContext(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, rc.ChangedSymbols)
	assert.Empty(t, rc.Callers)
	assert.Equal(t, 0, rc.BlastRadius.RiskScore)
}

func TestGetReviewContextDeep(t *testing.T) {
	logger := zaptest.NewLogger(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "r.db"), 3, logger)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	// deepdep sits two call hops away, stranger is disconnected; both
	// are semantically close to the changed symbol. Direct neighbors
	// are excluded however similar they are.
	require.NoError(t, st.UpsertEmbedding(ctx, "b.go:callA", "repo-1", "main", []float32{1, 0, 0}))
	require.NoError(t, st.UpsertEmbedding(ctx, "d.go:dep", "repo-1", "main", []float32{1, 0, 0}))
	require.NoError(t, st.UpsertEmbedding(ctx, "f.go:deepdep", "repo-1", "main", []float32{0.8, 0.2, 0}))
	require.NoError(t, st.UpsertEmbedding(ctx, "e.go:stranger", "repo-1", "main", []float32{0.99, 0.01, 0}))
	require.NoError(t, st.UpsertEmbedding(ctx, "svc.go:handle", "repo-1", "main", []float32{1, 0, 0}))

	r := New(testGraph(), st, stubEngine{}, Config{Depth: DepthDeep, TopK: 2}, logger)

	rc, err := r.GetReviewContext(ctx, svcDiff)
	require.NoError(t, err)

	// deepdep: cosine ~0.97 damped by distance 2 -> ~0.32.
	// stranger: cosine ~0.9999 damped by distance 3 -> ~0.25.
	assert.Equal(t, []string{"f.go:deepdep", "e.go:stranger"}, ids(rc.SemanticNeighbors))
}

func TestGetReviewContextDeepWithoutChanges(t *testing.T) {
	r := New(testGraph(), nil, stubEngine{}, Config{Depth: DepthDeep, TopK: 2}, zaptest.NewLogger(t))

	rc, err := r.GetReviewContext(context.Background(), "--- a/unknown.go\n+++ b/unknown.go\n@@ -1 +1 @@\n-a\n+b\n")
	require.NoError(t, err)
	assert.Empty(t, rc.SemanticNeighbors, "no changed symbols, no deep pass")
}

func ids(symbols []*graph.Symbol) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, s.ID)
	}
	return out
}
