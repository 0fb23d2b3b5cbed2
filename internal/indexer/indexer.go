// Package indexer walks a checkout, parses every supported source file
// and keeps the in-memory graph, the durable store and the embedding
// table in step with each other.
package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"reviewd/internal/embedding"
	"reviewd/internal/graph"
	"reviewd/internal/parser"
	"reviewd/internal/progress"
	"reviewd/internal/store"
)

// embedBatchSize is how many symbols go to the embedding engine per
// request.
const embedBatchSize = 32

var denyDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"build":        true,
	".git":         true,
	".next":        true,
	"__pycache__":  true,
	"coverage":     true,
	".turbo":       true,
	"target":       true,
}

var acceptExts = map[string]bool{
	".ts":   true,
	".tsx":  true,
	".js":   true,
	".jsx":  true,
	".py":   true,
	".java": true,
	".go":   true,
	".cs":   true,
}

// Stats summarizes one full index run.
type Stats struct {
	SymbolCount int   `json:"symbolCount"`
	EdgeCount   int   `json:"edgeCount"`
	FileCount   int   `json:"fileCount"`
	DurationMs  int64 `json:"durationMs"`
}

// Indexer drives parsing and persistence for one process. The engine
// and bus are optional; without an engine no vectors are written,
// without a bus no progress is published.
type Indexer struct {
	store    *store.Store
	registry *parser.Registry
	engine   embedding.EmbeddingEngine
	bus      *progress.Bus
	logger   *zap.Logger
}

func New(st *store.Store, registry *parser.Registry, engine embedding.EmbeddingEngine, bus *progress.Bus, logger *zap.Logger) *Indexer {
	return &Indexer{
		store:    st,
		registry: registry,
		engine:   engine,
		bus:      bus,
		logger:   logger,
	}
}

func (ix *Indexer) emit(repoID, branch string, e progress.Event) {
	if ix.bus != nil {
		ix.bus.Set(repoID, branch, e)
	}
}

// FullIndex wipes the branch's rows, re-parses every file under
// repoPath into g and the store, snapshots the graph, embeds all
// symbols and marks the branch indexed. g is mutated in place.
func (ix *Indexer) FullIndex(ctx context.Context, repoPath, repoID, branch string, g *graph.SymbolGraph) (*Stats, error) {
	start := time.Now()
	ix.logger.Info("full index starting",
		zap.String("repo", repoID),
		zap.String("branch", branch),
		zap.String("path", repoPath))

	// Old rows must go first so symbols deleted upstream cannot
	// survive the re-index.
	if err := ix.store.DeleteAllForBranch(ctx, repoID, branch); err != nil {
		ix.emit(repoID, branch, progress.Event{Step: progress.StepError, Message: err.Error()})
		return nil, fmt.Errorf("clear branch %s@%s: %w", repoID, branch, err)
	}

	files, err := collectFiles(repoPath)
	if err != nil {
		ix.emit(repoID, branch, progress.Event{Step: progress.StepError, Message: err.Error()})
		return nil, fmt.Errorf("enumerate %s: %w", repoPath, err)
	}

	for i, rel := range files {
		ix.emit(repoID, branch, progress.Event{
			Step:     progress.StepParsing,
			File:     rel,
			Progress: i + 1,
			Total:    len(files),
		})
		if err := ix.indexFile(ctx, repoPath, rel, repoID, branch, g); err != nil {
			ix.emit(repoID, branch, progress.Event{Step: progress.StepError, Message: err.Error()})
			return nil, err
		}
	}

	if err := ix.snapshot(ctx, repoID, branch, g); err != nil {
		ix.emit(repoID, branch, progress.Event{Step: progress.StepError, Message: err.Error()})
		return nil, err
	}

	if ix.engine != nil {
		ix.embedSymbols(ctx, repoID, branch, g.GetAllSymbols())
	}

	if err := ix.store.AddIndexedBranch(ctx, repoID, branch); err != nil {
		return nil, err
	}

	stats := &Stats{
		SymbolCount: g.SymbolCount(),
		EdgeCount:   g.EdgeCount(),
		FileCount:   len(files),
		DurationMs:  time.Since(start).Milliseconds(),
	}
	ix.emit(repoID, branch, progress.Event{
		Step:        progress.StepDone,
		SymbolCount: stats.SymbolCount,
		EdgeCount:   stats.EdgeCount,
		Total:       stats.FileCount,
		DurationMs:  stats.DurationMs,
	})
	ix.logger.Info("full index finished",
		zap.String("repo", repoID),
		zap.String("branch", branch),
		zap.Int("files", stats.FileCount),
		zap.Int("symbols", stats.SymbolCount),
		zap.Int("edges", stats.EdgeCount),
		zap.Int64("duration_ms", stats.DurationMs))
	return stats, nil
}

// IncrementalUpdate re-indexes just the changed files: remove, reparse,
// re-add, embed the new symbols, then write a fresh snapshot. A file
// that fails to read or parse is logged and skipped; deleted files fail
// the read and so end up removed, which is the desired outcome.
func (ix *Indexer) IncrementalUpdate(ctx context.Context, repoPath string, changedFiles []string, repoID, branch string, g *graph.SymbolGraph) error {
	start := time.Now()
	var newSymbols []*graph.Symbol

	for _, file := range changedFiles {
		rel := filepath.ToSlash(file)
		g.RemoveFile(rel)
		if err := ix.store.DeleteByFile(ctx, rel, repoID, branch); err != nil {
			return err
		}

		content, err := os.ReadFile(filepath.Join(repoPath, filepath.FromSlash(rel)))
		if err != nil {
			ix.logger.Info("changed file not readable, treated as removed",
				zap.String("file", rel), zap.Error(err))
			continue
		}
		result, err := ix.registry.ParseFile(rel, content, repoID)
		if err != nil {
			ix.logger.Warn("skipping unparsable file", zap.String("file", rel), zap.Error(err))
			continue
		}
		if result == nil {
			continue
		}

		for _, s := range result.Symbols {
			g.AddSymbol(s)
		}
		for _, e := range result.Edges {
			g.AddEdge(e)
		}
		if err := ix.store.SaveSymbols(ctx, result.Symbols, branch); err != nil {
			return err
		}
		if err := ix.store.SaveEdges(ctx, result.Edges, branch); err != nil {
			return err
		}
		newSymbols = append(newSymbols, result.Symbols...)
	}

	if ix.engine != nil {
		ix.embedSymbols(ctx, repoID, branch, newSymbols)
	}

	if err := ix.snapshot(ctx, repoID, branch, g); err != nil {
		return err
	}

	ix.emit(repoID, branch, progress.Event{
		Step:        progress.StepDone,
		SymbolCount: g.SymbolCount(),
		EdgeCount:   g.EdgeCount(),
		DurationMs:  time.Since(start).Milliseconds(),
	})
	ix.logger.Info("incremental update finished",
		zap.String("repo", repoID),
		zap.String("branch", branch),
		zap.Int("changed_files", len(changedFiles)),
		zap.Int("new_symbols", len(newSymbols)))
	return nil
}

// LoadFromStorage rebuilds a graph from the snapshot, falling back to
// row-level load when the snapshot is missing or unreadable.
func (ix *Indexer) LoadFromStorage(ctx context.Context, repoID, branch string) (*graph.SymbolGraph, error) {
	g := graph.New(repoID, branch)

	snap, err := ix.store.LoadGraphSnapshot(ctx, repoID, branch)
	if err != nil {
		ix.logger.Warn("snapshot read failed, falling back to rows",
			zap.String("repo", repoID), zap.String("branch", branch), zap.Error(err))
	} else if snap != "" {
		if err := g.Deserialize(snap); err == nil {
			return g, nil
		}
		ix.logger.Warn("snapshot corrupt, falling back to rows",
			zap.String("repo", repoID), zap.String("branch", branch))
	}

	symbols, edges, err := ix.store.LoadAll(ctx, repoID, branch)
	if err != nil {
		return nil, err
	}
	for _, s := range symbols {
		g.AddSymbol(s)
	}
	for _, e := range edges {
		g.AddEdge(e)
	}
	return g, nil
}

func (ix *Indexer) indexFile(ctx context.Context, repoPath, rel, repoID, branch string, g *graph.SymbolGraph) error {
	content, err := os.ReadFile(filepath.Join(repoPath, filepath.FromSlash(rel)))
	if err != nil {
		ix.logger.Warn("skipping unreadable file", zap.String("file", rel), zap.Error(err))
		return nil
	}
	result, err := ix.registry.ParseFile(rel, content, repoID)
	if err != nil {
		ix.logger.Warn("skipping unparsable file", zap.String("file", rel), zap.Error(err))
		return nil
	}
	if result == nil {
		return nil
	}

	for _, s := range result.Symbols {
		g.AddSymbol(s)
	}
	for _, e := range result.Edges {
		g.AddEdge(e)
	}
	if err := ix.store.SaveSymbols(ctx, result.Symbols, branch); err != nil {
		return err
	}
	return ix.store.SaveEdges(ctx, result.Edges, branch)
}

func (ix *Indexer) snapshot(ctx context.Context, repoID, branch string, g *graph.SymbolGraph) error {
	snap, err := g.Serialize()
	if err != nil {
		return fmt.Errorf("serialize graph %s@%s: %w", repoID, branch, err)
	}
	return ix.store.SaveGraphSnapshot(ctx, repoID, branch, snap)
}

// embedSymbols vectorizes symbols in fixed-size batches. Embedding is
// best-effort: a failed batch is logged and the rest continue, since a
// missing vector only weakens deep retrieval.
func (ix *Indexer) embedSymbols(ctx context.Context, repoID, branch string, symbols []*graph.Symbol) {
	for batchStart := 0; batchStart < len(symbols); batchStart += embedBatchSize {
		end := batchStart + embedBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[batchStart:end]

		texts := make([]string, len(batch))
		for i, s := range batch {
			texts[i] = embedding.SymbolText(s.QualifiedName, s.Signature, s.DocComment)
		}

		vectors, err := ix.engine.EmbedBatch(ctx, texts)
		if err != nil {
			ix.logger.Warn("embedding batch failed",
				zap.String("repo", repoID), zap.Int("offset", batchStart), zap.Error(err))
			continue
		}
		for i, vec := range vectors {
			if i >= len(batch) {
				break
			}
			if err := ix.store.UpsertEmbedding(ctx, batch[i].ID, repoID, branch, vec); err != nil {
				ix.logger.Warn("embedding upsert failed",
					zap.String("symbol", batch[i].ID), zap.Error(err))
			}
		}
		ix.emit(repoID, branch, progress.Event{
			Step:     progress.StepEmbedding,
			Progress: end,
			Total:    len(symbols),
		})
	}
}

// collectFiles enumerates indexable files under root as slash-separated
// paths relative to root, pruning vendored and generated directories.
func collectFiles(root string) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, err
	}

	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && denyDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !acceptExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, nil
}
