package parser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"reviewd/internal/graph"
)

// PythonParser extracts symbols from Python sources via tree-sitter.
type PythonParser struct {
	mu     sync.Mutex
	parser *sitter.Parser
}

// NewPythonParser creates a Python parser.
func NewPythonParser() *PythonParser {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	return &PythonParser{parser: p}
}

func (p *PythonParser) Language() string { return "python" }

func (p *PythonParser) SupportedExtensions() []string {
	return []string{".py"}
}

// Parse extracts classes, functions and methods plus call, inherits
// and import edges. Docstrings become the symbol's doc comment.
func (p *PythonParser) Parse(path string, content []byte, repoID string) (*Result, error) {
	p.mu.Lock()
	tree, err := p.parser.ParseCtx(context.Background(), nil, content)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer tree.Close()

	w := &pyWalker{
		path:    path,
		repoID:  repoID,
		content: content,
		lines:   strings.Split(string(content), "\n"),
	}
	w.walk(tree.RootNode(), "")

	res := &Result{Symbols: w.symbols, Edges: w.edges}
	res.Edges = append(res.Edges, w.resolveHeritage()...)
	res.Edges = append(res.Edges, anchorImports(w.symbols, w.imports, repoID)...)
	return res, nil
}

type pyWalker struct {
	path    string
	repoID  string
	content []byte
	lines   []string

	symbols  []*graph.Symbol
	edges    []graph.Edge
	imports  []string
	heritage []pendingHeritage
}

func (w *pyWalker) text(n *sitter.Node) string {
	return string(w.content[n.StartByte():n.EndByte()])
}

func (w *pyWalker) walk(node *sitter.Node, className string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)

		switch child.Type() {
		case "class_definition":
			w.addClass(child, child)

		case "function_definition":
			w.addFunction(child, child, className)

		case "decorated_definition":
			// The decorator extends the symbol's line range.
			for j := 0; j < int(child.NamedChildCount()); j++ {
				inner := child.NamedChild(j)
				switch inner.Type() {
				case "function_definition":
					w.addFunction(inner, child, className)
				case "class_definition":
					w.addClass(inner, child)
				}
			}

		case "import_statement":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				name := child.NamedChild(j)
				switch name.Type() {
				case "dotted_name":
					w.imports = append(w.imports, w.text(name))
				case "aliased_import":
					if dotted := name.ChildByFieldName("name"); dotted != nil {
						w.imports = append(w.imports, w.text(dotted))
					}
				}
			}

		case "import_from_statement":
			if module := child.ChildByFieldName("module_name"); module != nil {
				w.imports = append(w.imports, w.text(module))
			}

		default:
			w.walk(child, className)
		}
	}
}

// addClass records a class symbol, its superclasses and its methods.
// span is the node whose lines bound the symbol (the decorated
// wrapper when present).
func (w *pyWalker) addClass(node, span *sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := w.text(nameNode)
	sym := w.newSymbol(name, "", graph.KindClass, span, node)
	w.symbols = append(w.symbols, sym)

	if supers := node.ChildByFieldName("superclasses"); supers != nil {
		for i := 0; i < int(supers.NamedChildCount()); i++ {
			arg := supers.NamedChild(i)
			switch arg.Type() {
			case "identifier":
				w.heritage = append(w.heritage, pendingHeritage{fromID: sym.ID, target: w.text(arg), kind: graph.EdgeInherits})
			case "attribute":
				if attr := arg.ChildByFieldName("attribute"); attr != nil {
					w.heritage = append(w.heritage, pendingHeritage{fromID: sym.ID, target: w.text(attr), kind: graph.EdgeInherits})
				}
			}
		}
	}

	if body := node.ChildByFieldName("body"); body != nil {
		w.walk(body, name)
	}
}

func (w *pyWalker) addFunction(node, span *sitter.Node, className string) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	kind := graph.KindFunction
	if className != "" {
		kind = graph.KindMethod
	}
	sym := w.newSymbol(w.text(nameNode), className, kind, span, node)
	w.symbols = append(w.symbols, sym)
	w.collectCalls(node.ChildByFieldName("body"), sym.ID)
}

func (w *pyWalker) newSymbol(name, className string, kind graph.SymbolKind, span, def *sitter.Node) *graph.Symbol {
	qualified := name
	if className != "" {
		qualified = className + "." + name
	}
	start := int(span.StartPoint().Row) + 1
	end := int(span.EndPoint().Row) + 1
	return &graph.Symbol{
		ID:            graph.SymbolID(w.path, qualified),
		RepoID:        w.repoID,
		FilePath:      w.path,
		Name:          name,
		QualifiedName: qualified,
		Kind:          kind,
		Signature:     firstLine(w.lines, int(def.StartPoint().Row)+1),
		StartLine:     start,
		EndLine:       end,
		DocComment:    docstring(def, w.content),
	}
}

func (w *pyWalker) resolveHeritage() []graph.Edge {
	if len(w.heritage) == 0 {
		return nil
	}
	byName := make(map[string]string, len(w.symbols))
	for _, s := range w.symbols {
		if _, ok := byName[s.Name]; !ok {
			byName[s.Name] = s.ID
		}
	}
	var edges []graph.Edge
	for _, h := range w.heritage {
		id, ok := byName[h.target]
		if !ok || id == h.fromID {
			continue
		}
		edges = append(edges, graph.Edge{From: h.fromID, To: id, Kind: h.kind, RepoID: w.repoID})
	}
	return edges
}

func (w *pyWalker) collectCalls(node *sitter.Node, fromID string) {
	if node == nil {
		return
	}
	if node.Type() == "call" {
		if fn := node.ChildByFieldName("function"); fn != nil {
			callee := ""
			switch fn.Type() {
			case "identifier":
				callee = w.text(fn)
			case "attribute":
				if attr := fn.ChildByFieldName("attribute"); attr != nil {
					callee = w.text(attr)
				}
			}
			if callee != "" {
				w.edges = append(w.edges, graph.Edge{
					From:   fromID,
					To:     callee,
					Kind:   graph.EdgeCalls,
					RepoID: w.repoID,
				})
			}
		}
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		w.collectCalls(node.NamedChild(i), fromID)
	}
}

// docstring returns the cleaned leading string literal of a
// definition's body, if any.
func docstring(def *sitter.Node, content []byte) string {
	body := def.ChildByFieldName("body")
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	str := first.NamedChild(0)
	if str.Type() != "string" {
		return ""
	}
	text := string(content[str.StartByte():str.EndByte()])
	for _, quote := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(text, quote) && strings.HasSuffix(text, quote) && len(text) >= 2*len(quote) {
			text = text[len(quote) : len(text)-len(quote)]
			break
		}
	}
	return strings.TrimSpace(text)
}
