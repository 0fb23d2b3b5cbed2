package parser

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"reviewd/internal/graph"
)

// GoParser extracts symbols from Go source using the standard library
// AST, which is exact for Go and needs no grammar bindings.
type GoParser struct{}

// NewGoParser creates a Go source parser.
func NewGoParser() *GoParser {
	return &GoParser{}
}

func (p *GoParser) Language() string { return "go" }

func (p *GoParser) SupportedExtensions() []string {
	return []string{".go"}
}

// Parse extracts functions, methods and type declarations plus their
// call and import edges.
func (p *GoParser) Parse(path string, content []byte, repoID string) (*Result, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	lines := strings.Split(string(content), "\n")
	res := &Result{}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			sym := p.funcSymbol(fset, d, path, repoID, lines)
			res.Symbols = append(res.Symbols, sym)
			res.Edges = append(res.Edges, collectGoCalls(d.Body, sym.ID, repoID)...)

		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				res.Symbols = append(res.Symbols, p.typeSymbol(fset, d, ts, path, repoID, lines))
			}
		}
	}

	var imports []string
	for _, imp := range file.Imports {
		imports = append(imports, strings.Trim(imp.Path.Value, `"`))
	}
	res.Edges = append(res.Edges, anchorImports(res.Symbols, imports, repoID)...)

	return res, nil
}

func (p *GoParser) funcSymbol(fset *token.FileSet, d *ast.FuncDecl, path, repoID string, lines []string) *graph.Symbol {
	name := d.Name.Name
	qualified := name
	kind := graph.KindFunction

	if d.Recv != nil && len(d.Recv.List) > 0 {
		if recv := receiverTypeName(d.Recv.List[0].Type); recv != "" {
			qualified = recv + "." + name
			kind = graph.KindMethod
		}
	}

	start := fset.Position(d.Pos()).Line
	end := fset.Position(d.End()).Line
	doc := ""
	if d.Doc != nil {
		doc = strings.TrimSpace(d.Doc.Text())
	}

	return &graph.Symbol{
		ID:            graph.SymbolID(path, qualified),
		RepoID:        repoID,
		FilePath:      path,
		Name:          name,
		QualifiedName: qualified,
		Kind:          kind,
		Signature:     firstLine(lines, start),
		StartLine:     start,
		EndLine:       end,
		DocComment:    doc,
	}
}

func (p *GoParser) typeSymbol(fset *token.FileSet, d *ast.GenDecl, ts *ast.TypeSpec, path, repoID string, lines []string) *graph.Symbol {
	kind := graph.KindType
	switch ts.Type.(type) {
	case *ast.StructType:
		kind = graph.KindClass
	case *ast.InterfaceType:
		kind = graph.KindInterface
	}

	start := fset.Position(ts.Pos()).Line
	end := fset.Position(ts.End()).Line
	doc := ""
	if ts.Doc != nil {
		doc = strings.TrimSpace(ts.Doc.Text())
	} else if d.Doc != nil {
		doc = strings.TrimSpace(d.Doc.Text())
	}

	return &graph.Symbol{
		ID:            graph.SymbolID(path, ts.Name.Name),
		RepoID:        repoID,
		FilePath:      path,
		Name:          ts.Name.Name,
		QualifiedName: ts.Name.Name,
		Kind:          kind,
		Signature:     firstLine(lines, start),
		StartLine:     start,
		EndLine:       end,
		DocComment:    doc,
	}
}

func receiverTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverTypeName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr: // generic receiver
		return receiverTypeName(t.X)
	case *ast.IndexListExpr:
		return receiverTypeName(t.X)
	}
	return ""
}

// collectGoCalls yields one calls edge per call expression in the
// body. Callee names are bare: the graph resolves them against its
// short-name index.
func collectGoCalls(body *ast.BlockStmt, fromID, repoID string) []graph.Edge {
	if body == nil {
		return nil
	}
	var edges []graph.Edge
	ast.Inspect(body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		callee := ""
		switch fun := call.Fun.(type) {
		case *ast.Ident:
			callee = fun.Name
		case *ast.SelectorExpr:
			callee = fun.Sel.Name
		}
		if callee != "" {
			edges = append(edges, graph.Edge{
				From:   fromID,
				To:     callee,
				Kind:   graph.EdgeCalls,
				RepoID: repoID,
			})
		}
		return true
	})
	return edges
}
