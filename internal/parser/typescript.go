package parser

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"reviewd/internal/graph"
)

// TypeScriptParser extracts symbols from TypeScript and JavaScript
// sources via tree-sitter. The TypeScript grammar handles .ts and
// .tsx, the JavaScript grammar .js/.jsx/.mjs/.cjs.
type TypeScriptParser struct {
	mu       sync.Mutex // tree-sitter parsers are not safe for concurrent use
	tsParser *sitter.Parser
	jsParser *sitter.Parser
}

// NewTypeScriptParser creates a TypeScript/JavaScript parser.
func NewTypeScriptParser() *TypeScriptParser {
	tsParser := sitter.NewParser()
	tsParser.SetLanguage(typescript.GetLanguage())
	jsParser := sitter.NewParser()
	jsParser.SetLanguage(javascript.GetLanguage())
	return &TypeScriptParser{tsParser: tsParser, jsParser: jsParser}
}

func (p *TypeScriptParser) Language() string { return "typescript" }

func (p *TypeScriptParser) SupportedExtensions() []string {
	return []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"}
}

// Parse extracts classes, interfaces, type aliases, functions and
// methods plus call, inherits, implements and import edges.
func (p *TypeScriptParser) Parse(path string, content []byte, repoID string) (*Result, error) {
	parser := p.tsParser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".jsx", ".mjs", ".cjs":
		parser = p.jsParser
	}

	p.mu.Lock()
	tree, err := parser.ParseCtx(context.Background(), nil, content)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer tree.Close()

	w := &tsWalker{
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

// pendingHeritage is an extends/implements reference waiting for
// same-file resolution. Targets declared in other files are dropped:
// inherits and implements edges always carry a full symbol id.
type pendingHeritage struct {
	fromID string
	target string
	kind   graph.EdgeKind
}

type tsWalker struct {
	path    string
	repoID  string
	content []byte
	lines   []string

	symbols  []*graph.Symbol
	edges    []graph.Edge
	imports  []string
	heritage []pendingHeritage
}

func (w *tsWalker) text(n *sitter.Node) string {
	return string(w.content[n.StartByte():n.EndByte()])
}

func (w *tsWalker) walk(node *sitter.Node, className string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)

		switch child.Type() {
		case "class_declaration":
			if sym := w.addSymbol(child, "", graph.KindClass); sym != nil {
				w.collectHeritage(child, sym.ID)
				if body := child.ChildByFieldName("body"); body != nil {
					w.walk(body, sym.Name)
				}
			}

		case "interface_declaration":
			if sym := w.addSymbol(child, "", graph.KindInterface); sym != nil {
				w.collectHeritage(child, sym.ID)
			}

		case "type_alias_declaration":
			w.addSymbol(child, "", graph.KindType)

		case "enum_declaration":
			w.addSymbol(child, "", graph.KindType)

		case "function_declaration", "generator_function_declaration":
			if sym := w.addSymbol(child, "", graph.KindFunction); sym != nil {
				w.collectCalls(child.ChildByFieldName("body"), sym.ID)
			}

		case "method_definition":
			if sym := w.addSymbol(child, className, graph.KindMethod); sym != nil {
				w.collectCalls(child.ChildByFieldName("body"), sym.ID)
			}

		case "lexical_declaration", "variable_declaration":
			w.walkVarDecl(child)

		case "export_statement":
			w.walk(child, className)

		case "import_statement":
			if source := child.ChildByFieldName("source"); source != nil {
				w.imports = append(w.imports, strings.Trim(w.text(source), `'"`))
			}

		default:
			w.walk(child, className)
		}
	}
}

// walkVarDecl promotes const/let bindings whose value is a function
// expression or arrow function to function symbols.
func (w *tsWalker) walkVarDecl(node *sitter.Node) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		decl := node.NamedChild(i)
		if decl.Type() != "variable_declarator" {
			continue
		}
		value := decl.ChildByFieldName("value")
		if value == nil {
			continue
		}
		switch value.Type() {
		case "arrow_function", "function", "function_expression", "generator_function":
			nameNode := decl.ChildByFieldName("name")
			if nameNode == nil || nameNode.Type() != "identifier" {
				continue
			}
			sym := w.newSymbol(w.text(nameNode), "", graph.KindFunction, node)
			w.symbols = append(w.symbols, sym)
			w.collectCalls(value, sym.ID)
		}
	}
}

func (w *tsWalker) addSymbol(node *sitter.Node, className string, kind graph.SymbolKind) *graph.Symbol {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	sym := w.newSymbol(w.text(nameNode), className, kind, node)
	w.symbols = append(w.symbols, sym)
	return sym
}

func (w *tsWalker) newSymbol(name, className string, kind graph.SymbolKind, node *sitter.Node) *graph.Symbol {
	qualified := name
	if className != "" {
		qualified = className + "." + name
	}
	start := int(node.StartPoint().Row) + 1
	end := int(node.EndPoint().Row) + 1
	return &graph.Symbol{
		ID:            graph.SymbolID(w.path, qualified),
		RepoID:        w.repoID,
		FilePath:      w.path,
		Name:          name,
		QualifiedName: qualified,
		Kind:          kind,
		Signature:     firstLine(w.lines, start),
		StartLine:     start,
		EndLine:       end,
		DocComment:    docAbove(w.lines, start),
	}
}

// collectHeritage records extends/implements targets for same-file
// resolution after the walk.
func (w *tsWalker) collectHeritage(node *sitter.Node, fromID string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "class_heritage":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				clause := child.NamedChild(j)
				switch clause.Type() {
				case "extends_clause":
					w.pendHeritage(clause, fromID, graph.EdgeInherits)
				case "implements_clause":
					w.pendHeritage(clause, fromID, graph.EdgeImplements)
				case "identifier", "member_expression":
					// JavaScript: class X extends Y
					w.heritage = append(w.heritage, pendingHeritage{
						fromID: fromID,
						target: lastSegment(w.text(clause)),
						kind:   graph.EdgeInherits,
					})
				}
			}
		case "extends_type_clause": // interface extends
			w.pendHeritage(child, fromID, graph.EdgeInherits)
		}
	}
}

func (w *tsWalker) pendHeritage(clause *sitter.Node, fromID string, kind graph.EdgeKind) {
	for i := 0; i < int(clause.NamedChildCount()); i++ {
		item := clause.NamedChild(i)
		name := firstTypeName(item, w.content)
		if name == "" {
			continue
		}
		w.heritage = append(w.heritage, pendingHeritage{fromID: fromID, target: name, kind: kind})
	}
}

func (w *tsWalker) resolveHeritage() []graph.Edge {
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

// collectCalls walks a function body and emits one calls edge per call
// expression. Callee names are bare; resolution happens in the graph.
func (w *tsWalker) collectCalls(node *sitter.Node, fromID string) {
	if node == nil {
		return
	}
	if node.Type() == "call_expression" {
		if fn := node.ChildByFieldName("function"); fn != nil {
			callee := ""
			switch fn.Type() {
			case "identifier":
				callee = w.text(fn)
			case "member_expression":
				if prop := fn.ChildByFieldName("property"); prop != nil {
					callee = w.text(prop)
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

// firstTypeName digs the leading type identifier out of a heritage
// clause item, skipping generic arguments.
func firstTypeName(node *sitter.Node, content []byte) string {
	switch node.Type() {
	case "identifier", "type_identifier":
		return string(content[node.StartByte():node.EndByte()])
	case "member_expression", "nested_type_identifier":
		return lastSegment(string(content[node.StartByte():node.EndByte()]))
	case "generic_type":
		if name := node.ChildByFieldName("name"); name != nil {
			return firstTypeName(name, content)
		}
		if node.NamedChildCount() > 0 {
			return firstTypeName(node.NamedChild(0), content)
		}
	}
	return ""
}

func lastSegment(expr string) string {
	if i := strings.LastIndex(expr, "."); i >= 0 {
		return expr[i+1:]
	}
	return expr
}

// docAbove collects the comment block immediately above a declaration.
func docAbove(lines []string, startLine int) string {
	i := startLine - 2 // zero-based line above the declaration
	var block []string
	for i >= 0 {
		line := strings.TrimSpace(lines[i])
		if line == "" && len(block) == 0 {
			i--
			continue
		}
		if strings.HasPrefix(line, "//") {
			block = append([]string{strings.TrimSpace(strings.TrimPrefix(line, "//"))}, block...)
			i--
			continue
		}
		if strings.HasSuffix(line, "*/") {
			// Walk back to the start of the block comment.
			for i >= 0 {
				raw := strings.TrimSpace(lines[i])
				cleaned := strings.TrimSuffix(raw, "*/")
				cleaned = strings.TrimPrefix(cleaned, "/**")
				cleaned = strings.TrimPrefix(cleaned, "/*")
				cleaned = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cleaned), "*"))
				if cleaned != "" {
					block = append([]string{cleaned}, block...)
				}
				if strings.HasPrefix(raw, "/*") {
					break
				}
				i--
			}
		}
		break
	}
	return strings.TrimSpace(strings.Join(block, "\n"))
}
