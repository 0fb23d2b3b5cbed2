package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical vectors", func(t *testing.T) {
		score, err := CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, score, 1e-9)
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		score, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
		require.NoError(t, err)
		assert.InDelta(t, 0.0, score, 1e-9)
	})

	t.Run("opposite vectors", func(t *testing.T) {
		score, err := CosineSimilarity([]float32{1, 1}, []float32{-1, -1})
		require.NoError(t, err)
		assert.InDelta(t, -1.0, score, 1e-9)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
		assert.Error(t, err)
	})

	t.Run("zero magnitude", func(t *testing.T) {
		score, err := CosineSimilarity([]float32{0, 0}, []float32{1, 2})
		require.NoError(t, err)
		assert.Equal(t, 0.0, score)
	})
}

func TestAverage(t *testing.T) {
	t.Run("component-wise mean", func(t *testing.T) {
		avg := Average([][]float32{{1, 2}, {3, 4}})
		assert.Equal(t, []float32{2, 3}, avg)
	})

	t.Run("skips mismatched widths", func(t *testing.T) {
		avg := Average([][]float32{{2, 4}, {1, 2, 3}})
		assert.Equal(t, []float32{2, 4}, avg)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Nil(t, Average(nil))
	})
}

func TestSymbolText(t *testing.T) {
	assert.Equal(t, "func Greet(name string) string\nGreet says hello.",
		SymbolText("Greeter.Greet", "func Greet(name string) string", "Greet says hello."))
	assert.Equal(t, "func run()", SymbolText("run", "func run()", ""))
	assert.Equal(t, "pkg.Thing", SymbolText("pkg.Thing", "  ", ""))
}

func TestOllamaEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embeddinggemma", req.Model)

		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	engine, err := NewOllamaEngine(srv.URL, "", 3)
	require.NoError(t, err)
	assert.Equal(t, "ollama:embeddinggemma", engine.Name())
	assert.Equal(t, 3, engine.Dimensions())

	vec, err := engine.Embed(context.Background(), "func main()")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	vecs, err := engine.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vecs[1])
}

func TestOllamaEngineServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	engine, err := NewOllamaEngine(srv.URL, "missing", 0)
	require.NoError(t, err)

	_, err = engine.Embed(context.Background(), "text")
	assert.ErrorContains(t, err, "status 404")
}

func TestNewEngineUnsupportedProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider = "carrier-pigeon"

	_, err := NewEngine(cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unsupported embedding provider")
}
