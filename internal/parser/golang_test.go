package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewd/internal/graph"
)

const goSource = `package sample

import "fmt"

// Greeter greets users.
type Greeter struct{}

// Service is the lookup contract.
type Service interface {
	Lookup(id string) string
}

type Alias = string

// Greet says hello.
func (g *Greeter) Greet(name string) string {
	return fmt.Sprintf("hello %s", name)
}

func run() {
	g := &Greeter{}
	g.Greet("x")
}
`

func TestGoParser(t *testing.T) {
	p := NewGoParser()
	res, err := p.Parse("internal/sample/sample.go", []byte(goSource), "repo-1")
	require.NoError(t, err)
	require.NotNil(t, res)

	byQName := map[string]*graph.Symbol{}
	for _, s := range res.Symbols {
		byQName[s.QualifiedName] = s
	}

	require.Contains(t, byQName, "Greeter")
	assert.Equal(t, graph.KindClass, byQName["Greeter"].Kind)
	assert.Equal(t, "Greeter greets users.", byQName["Greeter"].DocComment)

	require.Contains(t, byQName, "Service")
	assert.Equal(t, graph.KindInterface, byQName["Service"].Kind)

	require.Contains(t, byQName, "Alias")
	assert.Equal(t, graph.KindType, byQName["Alias"].Kind)

	require.Contains(t, byQName, "Greeter.Greet")
	method := byQName["Greeter.Greet"]
	assert.Equal(t, graph.KindMethod, method.Kind)
	assert.Equal(t, "Greet", method.Name)
	assert.Equal(t, "internal/sample/sample.go:Greeter.Greet", method.ID)
	assert.Equal(t, "func (g *Greeter) Greet(name string) string {", method.Signature)
	assert.Greater(t, method.EndLine, method.StartLine)

	require.Contains(t, byQName, "run")
	assert.Equal(t, graph.KindFunction, byQName["run"].Kind)

	var calls, imports []graph.Edge
	for _, e := range res.Edges {
		switch e.Kind {
		case graph.EdgeCalls:
			calls = append(calls, e)
		case graph.EdgeImports:
			imports = append(imports, e)
		}
	}

	assert.Contains(t, calls, graph.Edge{
		From: method.ID, To: "Sprintf", Kind: graph.EdgeCalls, RepoID: "repo-1",
	})
	assert.Contains(t, calls, graph.Edge{
		From: byQName["run"].ID, To: "Greet", Kind: graph.EdgeCalls, RepoID: "repo-1",
	})
	require.Len(t, imports, 1)
	assert.Equal(t, "fmt", imports[0].To)
}

func TestGoParserStableIDs(t *testing.T) {
	p := NewGoParser()
	a, err := p.Parse("x.go", []byte(goSource), "repo-1")
	require.NoError(t, err)
	b, err := p.Parse("x.go", []byte(goSource), "repo-1")
	require.NoError(t, err)

	require.Equal(t, len(a.Symbols), len(b.Symbols))
	for i := range a.Symbols {
		assert.Equal(t, a.Symbols[i].ID, b.Symbols[i].ID)
	}
}

func TestGoParserSyntaxError(t *testing.T) {
	p := NewGoParser()
	_, err := p.Parse("broken.go", []byte("package x\nfunc {"), "repo-1")
	require.Error(t, err)
}
