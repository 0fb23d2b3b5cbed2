package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap/zaptest"
)

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	t.Run("known extensions", func(t *testing.T) {
		for ext, lang := range map[string]string{
			".go":  "go",
			".ts":  "typescript",
			".tsx": "typescript",
			".js":  "typescript",
			".py":  "python",
		} {
			p, ok := r.ParserFor(ext)
			require.True(t, ok, "extension %s", ext)
			assert.Equal(t, lang, p.Language())
		}
	})

	t.Run("unknown extension is skipped", func(t *testing.T) {
		res, err := r.ParseFile("Main.java", []byte("class Main {}"), "repo-1")
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("case insensitive", func(t *testing.T) {
		p, ok := r.ParserFor(".GO")
		require.True(t, ok)
		assert.Equal(t, "go", p.Language())
	})

	t.Run("dispatches by path extension", func(t *testing.T) {
		res, err := r.ParseFile("pkg/a.go", []byte("package a\n\nfunc A() {}\n"), "repo-1")
		require.NoError(t, err)
		require.NotNil(t, res)
		require.Len(t, res.Symbols, 1)
		assert.Equal(t, "pkg/a.go:A", res.Symbols[0].ID)
	})

	t.Run("parse error propagates", func(t *testing.T) {
		_, err := r.ParseFile("pkg/bad.go", []byte("not go at all"), "repo-1")
		require.Error(t, err)
	})
}
