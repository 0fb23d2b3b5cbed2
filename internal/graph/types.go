package graph

// SymbolKind classifies a parsed symbol.
type SymbolKind string

const (
	KindClass     SymbolKind = "class"
	KindInterface SymbolKind = "interface"
	KindFunction  SymbolKind = "function"
	KindMethod    SymbolKind = "method"
	KindType      SymbolKind = "type"
)

// EdgeKind classifies a relation between symbols.
type EdgeKind string

const (
	EdgeCalls      EdgeKind = "calls"
	EdgeInherits   EdgeKind = "inherits"
	EdgeImplements EdgeKind = "implements"
	EdgeImports    EdgeKind = "imports"
)

// Symbol is a named, locatable program entity. Its ID is stable across
// runs for unchanged source text: filePath + ":" + qualifiedName.
type Symbol struct {
	ID            string     `json:"id"`
	RepoID        string     `json:"repoId"`
	FilePath      string     `json:"filePath"`
	Name          string     `json:"name"`
	QualifiedName string     `json:"qualifiedName"`
	Kind          SymbolKind `json:"kind"`
	Signature     string     `json:"signature"`
	StartLine     int        `json:"startLine"`
	EndLine       int        `json:"endLine"`
	DocComment    string     `json:"docComment,omitempty"`
}

// SymbolID builds the stable identity for a symbol.
func SymbolID(filePath, qualifiedName string) string {
	return filePath + ":" + qualifiedName
}

// Edge is a directed relation. From is always a symbol id. To is a
// symbol id for inherits/implements, a possibly-bare callee name for
// calls, and a file path or module name for imports.
type Edge struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Kind   EdgeKind `json:"kind"`
	RepoID string   `json:"repoId"`
}

// BlastRadius describes the impact surface of a set of changed symbols.
type BlastRadius struct {
	DirectCallers     []*Symbol `json:"directCallers"`
	TransitiveCallers []*Symbol `json:"transitiveCallers"`
	AffectedFiles     []string  `json:"affectedFiles"`
	RiskScore         int       `json:"riskScore"`
}
