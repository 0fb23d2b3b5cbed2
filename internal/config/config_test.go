package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewd/internal/retriever"
)

// clearConfigEnv pins every variable the package reads to empty so
// tests do not inherit the developer's shell.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ANTHROPIC_API_KEY", "GEMINI_API_KEY",
		"GITHUB_TOKEN", "GITHUB_WEBHOOK_SECRET",
		"AZURE_DEVOPS_PAT", "AZURE_WEBHOOK_SECRET",
		"REVIEWD_ADDR", "REVIEWD_BASE_URL", "REVIEWD_API_KEY",
		"REVIEWD_FEEDBACK_SECRET", "REVIEWD_DB",
	} {
		t.Setenv(key, "")
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-test"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "data/reviewd.db", cfg.Database.Path)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, 0.7, cfg.Review.PrecisionThreshold)
	assert.Equal(t, "standard", cfg.Review.Depth)
	assert.Equal(t, 10, cfg.Review.TopK)
	assert.False(t, cfg.GitHub.Enabled())
	assert.False(t, cfg.Azure.Enabled())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(DefaultConfig(), cfg))
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "reviewd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  base_url: https://reviews.acme.dev
database:
  path: /var/lib/reviewd/db.sqlite
llm:
  provider: gemini
  api_key: file-key
  model: gemini-2.5-flash
review:
  precision_threshold: 0.55
  depth: deep
  top_k: 25
azure:
  org_url: https://dev.azure.com/acme
  project: platform
  pat: file-pat
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "https://reviews.acme.dev", cfg.Server.BaseURL)
	assert.Equal(t, "/var/lib/reviewd/db.sqlite", cfg.Database.Path)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "file-key", cfg.LLM.APIKey)
	assert.Equal(t, 0.55, cfg.Review.PrecisionThreshold)
	assert.Equal(t, "deep", cfg.Review.Depth)
	assert.Equal(t, 25, cfg.Review.TopK)
	assert.True(t, cfg.Azure.Enabled())

	// Sections the file does not mention keep their defaults.
	assert.Equal(t, "15s", cfg.Server.ShutdownTimeout)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "reviewd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: [unclosed"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestEnvOverrides(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "reviewd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  api_key: file-api-key
github:
  token: file-token
llm:
  provider: gemini
  api_key: file-key
`), 0644))

	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	t.Setenv("GITHUB_TOKEN", "ghp-env")
	t.Setenv("GITHUB_WEBHOOK_SECRET", "hook-env")
	t.Setenv("AZURE_DEVOPS_PAT", "pat-env")
	t.Setenv("REVIEWD_ADDR", ":7070")
	t.Setenv("REVIEWD_API_KEY", "api-env")
	t.Setenv("REVIEWD_FEEDBACK_SECRET", "fb-env")
	t.Setenv("REVIEWD_DB", "/tmp/env.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.LLM.Provider, "env key selects its provider")
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, "ghp-env", cfg.GitHub.Token)
	assert.Equal(t, "hook-env", cfg.GitHub.WebhookSecret)
	assert.Equal(t, "pat-env", cfg.Azure.PAT)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "api-env", cfg.Server.APIKey)
	assert.Equal(t, "fb-env", cfg.Server.FeedbackSecret)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
}

func TestGeminiKeyFillsEmbedding(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	t.Setenv("GEMINI_API_KEY", "gm-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	// With an anthropic key present the gemini key only serves the
	// embedding engine; completions stay on anthropic.
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, "gm-env", cfg.Embedding.GenAIAPIKey)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	clearConfigEnv(t)

	cfg := validConfig()
	cfg.Server.BaseURL = "https://reviews.acme.dev"
	cfg.GitHub.Token = "ghp-abc"
	cfg.Review.MaxDiffChars = 32000

	path := filepath.Join(t.TempDir(), "nested", "reviewd.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(cfg, loaded))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown llm provider", func(c *Config) { c.LLM.Provider = "openai" }, "invalid llm.provider"},
		{"missing llm key", func(c *Config) { c.LLM.APIKey = "" }, "LLM API key not configured"},
		{"genai without key", func(c *Config) { c.Embedding.Provider = "genai"; c.Embedding.GenAIAPIKey = "" }, "embedding.genai_api_key"},
		{"unknown embedding provider", func(c *Config) { c.Embedding.Provider = "openai" }, "invalid embedding.provider"},
		{"azure missing org", func(c *Config) { c.Azure.PAT = "pat" }, "azure.org_url"},
		{"azure missing project", func(c *Config) { c.Azure.OrgURL = "https://dev.azure.com/acme"; c.Azure.PAT = "pat" }, "azure.project"},
		{"azure missing pat", func(c *Config) { c.Azure.OrgURL = "https://dev.azure.com/acme"; c.Azure.Project = "p" }, "azure.pat"},
		{"threshold above one", func(c *Config) { c.Review.PrecisionThreshold = 1.5 }, "precision_threshold"},
		{"bad depth", func(c *Config) { c.Review.Depth = "exhaustive" }, "invalid review.depth"},
		{"negative topk", func(c *Config) { c.Review.TopK = -1 }, "top_k"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestShutdownGrace(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 15*time.Second, cfg.ShutdownGrace())

	cfg.Server.ShutdownTimeout = "90s"
	assert.Equal(t, 90*time.Second, cfg.ShutdownGrace())

	cfg.Server.ShutdownTimeout = "soon"
	assert.Equal(t, 15*time.Second, cfg.ShutdownGrace())

	cfg.Server.ShutdownTimeout = "-5s"
	assert.Equal(t, 15*time.Second, cfg.ShutdownGrace())
}

func TestRetrieverConfig(t *testing.T) {
	var zero ReviewConfig
	assert.Equal(t, retriever.DefaultConfig(), zero.RetrieverConfig())

	rc := ReviewConfig{Depth: "deep", TopK: 25}
	assert.Equal(t, retriever.Config{Depth: retriever.DepthDeep, TopK: 25}, rc.RetrieverConfig())
}
