package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"reviewd/internal/graph"
	"reviewd/internal/parser"
	"reviewd/internal/progress"
	"reviewd/internal/store"
)

// stubEngine records batch sizes and returns constant vectors.
type stubEngine struct {
	batches [][]string
}

func (e *stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (e *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.batches = append(e.batches, texts)
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (e *stubEngine) Dimensions() int { return 3 }
func (e *stubEngine) Name() string    { return "stub" }

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "main.go", "package app\n\n// Run starts the app.\nfunc Run() {\n\thelper()\n}\n\nfunc helper() {}\n")
	writeFile(t, root, "lib/util.py", "def ping():\n    return \"pong\"\n")
	writeFile(t, root, "web/app.ts", "export function load(): void {}\n")
	writeFile(t, root, "node_modules/dep/index.js", "module.exports = 1\n")
	writeFile(t, root, "README.md", "# readme\n")
	return root
}

func newTestIndexer(t *testing.T, engine *stubEngine, bus *progress.Bus) (*Indexer, *store.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "index.db"), 3, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := parser.NewRegistry(logger)
	if engine == nil {
		return New(st, registry, nil, bus, logger), st
	}
	return New(st, registry, engine, bus, logger), st
}

func TestFullIndex(t *testing.T) {
	root := newTestRepo(t)
	engine := &stubEngine{}
	bus := progress.NewBus()
	ix, st := newTestIndexer(t, engine, bus)
	ctx := context.Background()

	// A stale row from an earlier run must not survive the re-index.
	require.NoError(t, st.SaveSymbols(ctx, []*graph.Symbol{{
		ID: "gone.go:Old", RepoID: "repo-1", FilePath: "gone.go",
		Name: "Old", QualifiedName: "Old", Kind: graph.KindFunction,
	}}, "main"))

	g := graph.New("repo-1", "main")
	stats, err := ix.FullIndex(ctx, root, "repo-1", "main", g)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.FileCount, "node_modules and README are not candidates")
	assert.Equal(t, stats.SymbolCount, g.SymbolCount())

	_, ok := g.GetSymbol("main.go:Run")
	assert.True(t, ok)
	_, ok = g.GetSymbol("lib/util.py:ping")
	assert.True(t, ok)
	_, ok = g.GetSymbol("web/app.ts:load")
	assert.True(t, ok)
	_, ok = g.GetSymbol("node_modules/dep/index.js:module")
	assert.False(t, ok)

	symbols, _, err := st.LoadAll(ctx, "repo-1", "main")
	require.NoError(t, err)
	assert.Len(t, symbols, g.SymbolCount())
	for _, s := range symbols {
		assert.NotEqual(t, "gone.go:Old", s.ID)
	}

	snap, err := st.LoadGraphSnapshot(ctx, "repo-1", "main")
	require.NoError(t, err)
	assert.NotEmpty(t, snap)

	hits, err := st.SearchEmbeddings(ctx, []float32{1, 0, 0}, "repo-1", "main", 50)
	require.NoError(t, err)
	assert.Len(t, hits, g.SymbolCount(), "every symbol got a vector")

	indexed, err := st.IsIndexedBranch(ctx, "repo-1", "main")
	require.NoError(t, err)
	assert.True(t, indexed)

	event, ok := bus.Get("repo-1", "main")
	require.True(t, ok)
	assert.Equal(t, progress.StepDone, event.Step)
	assert.Equal(t, g.SymbolCount(), event.SymbolCount)
}

func TestFullIndexSkipsBrokenFiles(t *testing.T) {
	root := newTestRepo(t)
	writeFile(t, root, "broken.go", "package {\n")
	ix, _ := newTestIndexer(t, nil, nil)

	g := graph.New("repo-1", "main")
	stats, err := ix.FullIndex(context.Background(), root, "repo-1", "main", g)
	require.NoError(t, err, "one unparsable file must not abort the run")

	assert.Equal(t, 4, stats.FileCount)
	_, ok := g.GetSymbol("main.go:Run")
	assert.True(t, ok)
}

func TestFullIndexEmbedsInBatches(t *testing.T) {
	root := t.TempDir()
	var src strings.Builder
	src.WriteString("package many\n")
	for i := 0; i < 70; i++ {
		fmt.Fprintf(&src, "func f%d() {}\n", i)
	}
	writeFile(t, root, "many.go", src.String())

	engine := &stubEngine{}
	ix, _ := newTestIndexer(t, engine, nil)

	g := graph.New("repo-1", "main")
	_, err := ix.FullIndex(context.Background(), root, "repo-1", "main", g)
	require.NoError(t, err)

	require.Len(t, engine.batches, 3)
	assert.Len(t, engine.batches[0], 32)
	assert.Len(t, engine.batches[1], 32)
	assert.Len(t, engine.batches[2], 6)
}

func TestIncrementalUpdate(t *testing.T) {
	root := newTestRepo(t)
	engine := &stubEngine{}
	ix, _ := newTestIndexer(t, engine, nil)
	ctx := context.Background()

	g := graph.New("repo-1", "main")
	_, err := ix.FullIndex(ctx, root, "repo-1", "main", g)
	require.NoError(t, err)
	engine.batches = nil

	// helper is renamed, app.ts is deleted.
	writeFile(t, root, "main.go", "package app\n\nfunc Run() {\n\thelper2()\n}\n\nfunc helper2() {}\n")
	require.NoError(t, os.Remove(filepath.Join(root, "web", "app.ts")))

	err = ix.IncrementalUpdate(ctx, root, []string{"main.go", "web/app.ts"}, "repo-1", "main", g)
	require.NoError(t, err)

	_, ok := g.GetSymbol("main.go:helper")
	assert.False(t, ok)
	_, ok = g.GetSymbol("main.go:helper2")
	assert.True(t, ok)
	_, ok = g.GetSymbol("web/app.ts:load")
	assert.False(t, ok, "deleted files drop out of the graph")

	_, ok = g.GetSymbol("lib/util.py:ping")
	assert.True(t, ok, "untouched files stay")

	// Only the reparsed file's symbols were re-embedded.
	require.Len(t, engine.batches, 1)
	assert.Len(t, engine.batches[0], 2)

	// Snapshot reflects the update.
	reloaded, err := ix.LoadFromStorage(ctx, "repo-1", "main")
	require.NoError(t, err)
	_, ok = reloaded.GetSymbol("main.go:helper2")
	assert.True(t, ok)
	_, ok = reloaded.GetSymbol("web/app.ts:load")
	assert.False(t, ok)
}

func TestIncrementalUpdateSkipsUnparsable(t *testing.T) {
	root := newTestRepo(t)
	ix, _ := newTestIndexer(t, nil, nil)
	ctx := context.Background()

	g := graph.New("repo-1", "main")
	_, err := ix.FullIndex(ctx, root, "repo-1", "main", g)
	require.NoError(t, err)

	writeFile(t, root, "main.go", "package {\n")
	writeFile(t, root, "lib/util.py", "def pong():\n    return 1\n")

	err = ix.IncrementalUpdate(ctx, root, []string{"main.go", "lib/util.py"}, "repo-1", "main", g)
	require.NoError(t, err)

	_, ok := g.GetSymbol("main.go:Run")
	assert.False(t, ok, "broken file was removed and stays removed")
	_, ok = g.GetSymbol("lib/util.py:pong")
	assert.True(t, ok, "later files still index after an earlier failure")
}

func TestLoadFromStorageFallsBackToRows(t *testing.T) {
	ix, st := newTestIndexer(t, nil, nil)
	ctx := context.Background()

	// Rows exist but no snapshot was ever written.
	require.NoError(t, st.SaveSymbols(ctx, []*graph.Symbol{{
		ID: "a.go:run", RepoID: "repo-1", FilePath: "a.go",
		Name: "run", QualifiedName: "run", Kind: graph.KindFunction,
	}}, "main"))
	require.NoError(t, st.SaveEdges(ctx, []graph.Edge{
		{From: "a.go:run", To: "helper", Kind: graph.EdgeCalls, RepoID: "repo-1"},
	}, "main"))

	g, err := ix.LoadFromStorage(ctx, "repo-1", "main")
	require.NoError(t, err)
	assert.Equal(t, 1, g.SymbolCount())
	assert.Equal(t, 1, g.EdgeCount())
}

func TestCollectFiles(t *testing.T) {
	root := newTestRepo(t)
	writeFile(t, root, "dist/bundle.js", "x")
	writeFile(t, root, "src/Deep.TS", "export function up(): void {}")

	files, err := collectFiles(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main.go", "lib/util.py", "web/app.ts", "src/Deep.TS"}, files)

	_, err = collectFiles(filepath.Join(root, "missing"))
	assert.Error(t, err)
}
