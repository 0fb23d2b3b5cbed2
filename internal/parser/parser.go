// Package parser turns source files into symbols and edges. A Registry
// dispatches each file to the parser owning its extension; languages
// the registry does not know are skipped by the caller.
package parser

import (
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"reviewd/internal/graph"
)

// Result is the outcome of parsing one file.
type Result struct {
	Symbols []*graph.Symbol
	Edges   []graph.Edge
}

// Parser extracts symbols and edges from one source file. Ids must be
// stable across runs for unchanged source text.
type Parser interface {
	Parse(path string, content []byte, repoID string) (*Result, error)
	SupportedExtensions() []string
	Language() string
}

// Registry maps file extensions to language parsers.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
	logger  *zap.Logger
}

// NewRegistry builds a registry with every built-in language
// registered. A language whose parser fails to initialize is skipped;
// the others stay usable.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		parsers: make(map[string]Parser),
		logger:  logger,
	}
	r.Register(NewGoParser())
	r.Register(NewTypeScriptParser())
	r.Register(NewPythonParser())
	return r
}

// Register adds a parser for every extension it supports.
func (r *Registry) Register(p Parser) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.SupportedExtensions() {
		r.parsers[strings.ToLower(ext)] = p
	}
}

// ParserFor returns the parser owning the given extension.
func (r *Registry) ParserFor(ext string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[strings.ToLower(ext)]
	return p, ok
}

// Extensions returns every registered extension.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		out = append(out, ext)
	}
	return out
}

// ParseFile dispatches by extension. Unknown extensions return
// (nil, nil) so the caller can skip the file without treating it as a
// failure.
func (r *Registry) ParseFile(path string, content []byte, repoID string) (*Result, error) {
	p, ok := r.ParserFor(filepath.Ext(path))
	if !ok {
		return nil, nil
	}
	res, err := p.Parse(path, content, repoID)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("parse failed",
				zap.String("file", path),
				zap.String("language", p.Language()),
				zap.Error(err))
		}
		return nil, err
	}
	return res, nil
}

// firstLine returns the trimmed source line a declaration starts on,
// used as the symbol signature.
func firstLine(lines []string, startLine int) string {
	if startLine > 0 && startLine <= len(lines) {
		return strings.TrimSpace(lines[startLine-1])
	}
	return ""
}

// anchorImports attaches one imports edge per import target to the
// file's first declared symbol. The anchor keeps the edge tied to a
// real symbol so RemoveFile tears it down with the file; nothing
// traverses imports edges, so the anchor choice only affects storage.
func anchorImports(symbols []*graph.Symbol, imports []string, repoID string) []graph.Edge {
	if len(symbols) == 0 || len(imports) == 0 {
		return nil
	}
	from := symbols[0].ID
	edges := make([]graph.Edge, 0, len(imports))
	for _, target := range imports {
		if target == "" {
			continue
		}
		edges = append(edges, graph.Edge{
			From:   from,
			To:     target,
			Kind:   graph.EdgeImports,
			RepoID: repoID,
		})
	}
	return edges
}
