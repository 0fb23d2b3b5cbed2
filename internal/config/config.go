// Package config loads the reviewd configuration: a single YAML file
// with one section per subsystem, environment overrides for secrets,
// and a file watcher that hot-reloads the tunable review knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"reviewd/internal/embedding"
	"reviewd/internal/llm"
	"reviewd/internal/retriever"
)

// Config is the full reviewd configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	LLM       llm.Config       `yaml:"llm"`
	Embedding embedding.Config `yaml:"embedding"`
	Review    ReviewConfig     `yaml:"review"`
	GitHub    GitHubConfig     `yaml:"github"`
	Azure     AzureConfig      `yaml:"azure"`
}

// ServerConfig configures the HTTP ingress.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// BaseURL is the public URL of this server, used to build the
	// feedback links appended to posted comments. Feedback links are
	// disabled when it is empty.
	BaseURL string `yaml:"base_url"`

	// APIKey guards the manual review endpoint.
	APIKey string `yaml:"api_key"`

	// FeedbackSecret signs feedback link tokens.
	FeedbackSecret string `yaml:"feedback_secret"`

	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ReviewConfig carries the reviewer tunables. These are the only
// settings the config watcher applies on reload.
type ReviewConfig struct {
	// PrecisionThreshold drops model comments whose confidence falls
	// below it. Zero means the runner default.
	PrecisionThreshold float64 `yaml:"precision_threshold"`

	// Depth selects retrieval reach: "fast", "standard" or "deep".
	Depth string `yaml:"depth"`

	// TopK bounds how many context symbols retrieval returns.
	TopK int `yaml:"top_k"`

	// MaxDiffChars caps the annotated diff section of the prompt.
	// Zero means the reviewer default. Applied at startup only.
	MaxDiffChars int `yaml:"max_diff_chars"`
}

// GitHubConfig configures the GitHub adapter and webhook.
type GitHubConfig struct {
	Token         string `yaml:"token"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// Enabled reports whether the operator configured GitHub at all.
func (g GitHubConfig) Enabled() bool {
	return g.Token != "" || g.WebhookSecret != ""
}

// AzureConfig configures the Azure DevOps adapter and webhook.
type AzureConfig struct {
	OrgURL        string `yaml:"org_url"` // e.g. https://dev.azure.com/acme
	Project       string `yaml:"project"`
	PAT           string `yaml:"pat"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// Enabled reports whether the operator configured Azure DevOps at all.
func (a AzureConfig) Enabled() bool {
	return a.OrgURL != "" || a.Project != "" || a.PAT != ""
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: "15s",
		},
		Database: DatabaseConfig{
			Path: "data/reviewd.db",
		},
		LLM: llm.Config{
			Provider:  "anthropic",
			MaxTokens: 4096,
		},
		Embedding: embedding.DefaultConfig(),
		Review: ReviewConfig{
			PrecisionThreshold: 0.7,
			Depth:              string(retriever.DepthStandard),
			TopK:               10,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file
// is not an error; the defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides lets the environment supply secrets and addresses
// so they stay out of the config file. A set variable wins over the
// file value.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "anthropic"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.LLM.Provider == "gemini" || c.LLM.APIKey == "" {
			c.LLM.APIKey = key
			c.LLM.Provider = "gemini"
		}
		if c.Embedding.GenAIAPIKey == "" {
			c.Embedding.GenAIAPIKey = key
		}
	}

	if tok := os.Getenv("GITHUB_TOKEN"); tok != "" {
		c.GitHub.Token = tok
	}
	if sec := os.Getenv("GITHUB_WEBHOOK_SECRET"); sec != "" {
		c.GitHub.WebhookSecret = sec
	}
	if pat := os.Getenv("AZURE_DEVOPS_PAT"); pat != "" {
		c.Azure.PAT = pat
	}
	if sec := os.Getenv("AZURE_WEBHOOK_SECRET"); sec != "" {
		c.Azure.WebhookSecret = sec
	}

	if addr := os.Getenv("REVIEWD_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if url := os.Getenv("REVIEWD_BASE_URL"); url != "" {
		c.Server.BaseURL = url
	}
	if key := os.Getenv("REVIEWD_API_KEY"); key != "" {
		c.Server.APIKey = key
	}
	if sec := os.Getenv("REVIEWD_FEEDBACK_SECRET"); sec != "" {
		c.Server.FeedbackSecret = sec
	}
	if path := os.Getenv("REVIEWD_DB"); path != "" {
		c.Database.Path = path
	}
}

// ShutdownGrace returns the drain window for graceful shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// ValidLLMProviders lists the supported completion providers.
var ValidLLMProviders = []string{"anthropic", "gemini"}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	validProvider := false
	for _, p := range ValidLLMProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid llm.provider: %s (valid: %v)", c.LLM.Provider, ValidLLMProviders)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set ANTHROPIC_API_KEY or GEMINI_API_KEY)")
	}

	switch c.Embedding.Provider {
	case "ollama":
		if c.Embedding.OllamaEndpoint == "" {
			return fmt.Errorf("embedding.ollama_endpoint is required for the ollama provider")
		}
	case "genai":
		if c.Embedding.GenAIAPIKey == "" {
			return fmt.Errorf("embedding.genai_api_key is required for the genai provider (set GEMINI_API_KEY)")
		}
	default:
		return fmt.Errorf("invalid embedding.provider: %s (valid: [ollama genai])", c.Embedding.Provider)
	}

	if c.Azure.Enabled() {
		if c.Azure.OrgURL == "" {
			return fmt.Errorf("azure.org_url is required when azure is configured")
		}
		if c.Azure.Project == "" {
			return fmt.Errorf("azure.project is required when azure is configured")
		}
		if c.Azure.PAT == "" {
			return fmt.Errorf("azure.pat is required when azure is configured (set AZURE_DEVOPS_PAT)")
		}
	}

	return c.Review.Validate()
}

// Validate checks the review tunables. It runs on every hot reload,
// so a bad edit never reaches the runner.
func (r ReviewConfig) Validate() error {
	if r.PrecisionThreshold < 0 || r.PrecisionThreshold > 1 {
		return fmt.Errorf("review.precision_threshold must be within [0, 1], got %v", r.PrecisionThreshold)
	}
	switch retriever.Depth(r.Depth) {
	case "", retriever.DepthFast, retriever.DepthStandard, retriever.DepthDeep:
	default:
		return fmt.Errorf("invalid review.depth: %s (valid: [fast standard deep])", r.Depth)
	}
	if r.TopK < 0 {
		return fmt.Errorf("review.top_k must not be negative, got %d", r.TopK)
	}
	return nil
}

// RetrieverConfig converts the review knobs into the retriever's
// config type. Zero values fall back to the retriever defaults.
func (r ReviewConfig) RetrieverConfig() retriever.Config {
	cfg := retriever.DefaultConfig()
	if r.Depth != "" {
		cfg.Depth = retriever.Depth(r.Depth)
	}
	if r.TopK > 0 {
		cfg.TopK = r.TopK
	}
	return cfg
}
