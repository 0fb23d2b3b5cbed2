package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"reviewd/internal/cache"
	"reviewd/internal/config"
	"reviewd/internal/embedding"
	"reviewd/internal/graph"
	"reviewd/internal/llm"
	"reviewd/internal/parser"
	"reviewd/internal/progress"
	"reviewd/internal/repos"
	"reviewd/internal/review"
	"reviewd/internal/server"
	"reviewd/internal/store"
	"reviewd/internal/vcs"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "reviewd",
	Short: "reviewd - code review grounded in a symbol graph",
	Long: `reviewd reviews pull requests with an LLM grounded in a symbol graph
of the repository.

It indexes registered repositories into a per-branch symbol graph,
retrieves the context around each change, and posts inline review
comments back to GitHub or Azure DevOps. Run 'reviewd serve' to accept
webhooks, or 'reviewd review' for a one-shot review from the terminal.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logCfg := zap.NewProductionConfig()
		if verbose {
			logCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = logCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and API server",
	Long: `Starts the HTTP server: platform webhooks, the manual review API,
indexing progress streams, feedback links and Prometheus metrics.

Graphs for all indexed branches are loaded before the listener opens,
and review settings reload from the config file without a restart.`,
	RunE: runServe,
}

// review flags
var (
	reviewPR          int
	reviewRepo        string
	reviewBaseBranch  string
	reviewDryRun      bool
	reviewIncremental bool
	reviewForceFull   bool

	reviewServer string
	reviewAPIKey string
	reviewRepoID string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review one pull request from the terminal",
	Long: `Runs a single review. Local mode builds the full stack in-process:

  reviewd review --repo platform-nx --pr 42 --dry-run

Delegate mode sends the request to a running server instead:

  reviewd review --server https://reviewd.example.com --api-key K --repo-id r1 --pr 42`,
	RunE: runReview,
}

// repos flags
var (
	repoID            string
	repoName          string
	repoURL           string
	repoPlatform      string
	repoDefaultBranch string
	repoClonePath     string
	repoSecret        string
)

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage registered repositories",
}

var reposAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a repository for webhooks and reviews",
	RunE:  runReposAdd,
}

var reposListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	RunE:  runReposList,
}

var reposTrackCmd = &cobra.Command{
	Use:   "track [repo] [branch]",
	Short: "Mark a branch as indexed so pushes to it update the graph",
	Args:  cobra.ExactArgs(2),
	RunE:  runReposTrack,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "reviewd.yaml", "Path to the config file")

	reviewCmd.Flags().IntVar(&reviewPR, "pr", 0, "Pull request number (required)")
	reviewCmd.Flags().StringVar(&reviewRepo, "repo", "", "Registered repo id, slug or clone path")
	reviewCmd.Flags().StringVar(&reviewBaseBranch, "base-branch", "", "Base branch for graph context (default: the repo's default branch)")
	reviewCmd.Flags().BoolVar(&reviewDryRun, "dry-run", false, "Print the review instead of posting it")
	reviewCmd.Flags().BoolVar(&reviewIncremental, "incremental", false, "Skip already reviewed iterations and refresh only changed files")
	reviewCmd.Flags().BoolVar(&reviewForceFull, "force-full", false, "Re-index the base branch from scratch before reviewing")
	reviewCmd.Flags().StringVar(&reviewServer, "server", "", "Delegate to a running reviewd server at this base URL")
	reviewCmd.Flags().StringVar(&reviewAPIKey, "api-key", "", "Bearer token for --server")
	reviewCmd.Flags().StringVar(&reviewRepoID, "repo-id", "", "Repo id on the server (with --server)")

	reposAddCmd.Flags().StringVar(&repoID, "id", "", "Repo id (required)")
	reposAddCmd.Flags().StringVar(&repoName, "name", "", "Display name")
	reposAddCmd.Flags().StringVar(&repoURL, "url", "", "Clone URL the platform reports (required)")
	reposAddCmd.Flags().StringVar(&repoPlatform, "platform", "", "github or azure (required)")
	reposAddCmd.Flags().StringVar(&repoDefaultBranch, "default-branch", "", "Default branch (default: main)")
	reposAddCmd.Flags().StringVar(&repoClonePath, "clone-path", "", "Local checkout used for indexing")
	reposAddCmd.Flags().StringVar(&repoSecret, "webhook-secret", "", "Per-repo webhook secret")
	_ = reposAddCmd.MarkFlagRequired("id")
	_ = reposAddCmd.MarkFlagRequired("url")
	_ = reposAddCmd.MarkFlagRequired("platform")

	reposCmd.AddCommand(reposAddCmd)
	reposCmd.AddCommand(reposListCmd)
	reposCmd.AddCommand(reposTrackCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(reposCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	engine, err := embedding.NewEngine(cfg.Embedding, logger)
	if err != nil {
		return fmt.Errorf("embedding engine: %w", err)
	}

	st, err := store.Open(cfg.Database.Path, engine.Dimensions(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	metrics := server.NewMetrics()
	client, err := llm.NewClient(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}
	client = llm.WithObserver(client, func(provider, outcome string) {
		metrics.LLMRequests.WithLabelValues(provider, outcome).Inc()
	})
	reviewer := llm.NewReviewer(client, logger)
	if cfg.Review.MaxDiffChars > 0 {
		reviewer.SetDiffBudget(cfg.Review.MaxDiffChars)
	}

	bus := progress.NewBus()
	c := cache.New(st, parser.NewRegistry(logger), engine, bus, cfg.Review.RetrieverConfig(), logger)
	rs := repos.New(st, logger)
	runner := review.NewRunner(st, c, reviewer, engine, review.Config{
		PrecisionThreshold: cfg.Review.PrecisionThreshold,
		FeedbackBaseURL:    cfg.Server.BaseURL,
		FeedbackSecret:     cfg.Server.FeedbackSecret,
	}, logger)

	watcher, err := config.NewWatcher(cfgPath, logger, func(rc config.ReviewConfig) {
		c.SetRetrieverConfig(rc.RetrieverConfig())
		runner.SetPrecisionThreshold(rc.PrecisionThreshold)
	})
	if err != nil {
		logger.Warn("config reload disabled", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("config reload disabled", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	if err := c.WarmupAllRepos(ctx); err != nil {
		logger.Warn("graph warmup incomplete", zap.Error(err))
	}

	srv := server.New(cfg, st, c, rs, runner, bus, metrics, logger)
	return srv.Run(ctx)
}

func runReview(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("interrupted, cancelling review")
		cancel()
	}()

	if reviewPR <= 0 {
		return fmt.Errorf("--pr is required")
	}
	if reviewServer != "" {
		return delegateReview(ctx)
	}
	return localReview(ctx)
}

// delegateReview posts the request to a running server and prints its
// response.
func delegateReview(ctx context.Context) error {
	if reviewRepoID == "" {
		return fmt.Errorf("--repo-id is required with --server")
	}

	body, err := json.Marshal(map[string]any{
		"repoId":      reviewRepoID,
		"prNumber":    reviewPR,
		"baseBranch":  reviewBaseBranch,
		"dryRun":      reviewDryRun,
		"incremental": reviewIncremental,
	})
	if err != nil {
		return err
	}

	url := strings.TrimSuffix(reviewServer, "/") + "/api/reviews"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if reviewAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+reviewAPIKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	return printJSON(out)
}

// localReview builds the whole stack in-process and runs one review.
func localReview(ctx context.Context) error {
	if reviewRepo == "" {
		return fmt.Errorf("--repo is required (or --server for delegate mode)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	engine, err := embedding.NewEngine(cfg.Embedding, logger)
	if err != nil {
		logger.Warn("embedding engine unavailable, reviewing without vector retrieval", zap.Error(err))
		engine = nil
	}
	dims := cfg.Embedding.Dimensions
	if engine != nil {
		dims = engine.Dimensions()
	}
	if dims <= 0 {
		dims = 768
	}

	st, err := store.Open(cfg.Database.Path, dims, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rs := repos.New(st, logger)
	repo, err := resolveRepoFlag(ctx, rs, reviewRepo)
	if err != nil {
		return err
	}

	branch := reviewBaseBranch
	if branch == "" {
		branch = repo.DefaultBranch
	}

	bus := progress.NewBus()
	c := cache.New(st, parser.NewRegistry(logger), engine, bus, cfg.Review.RetrieverConfig(), logger)

	if reviewForceFull || reviewIncremental {
		if err := refreshIndex(ctx, c, repo, branch, reviewForceFull); err != nil {
			return err
		}
	}

	client, err := llm.NewClient(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}
	reviewer := llm.NewReviewer(client, logger)
	if cfg.Review.MaxDiffChars > 0 {
		reviewer.SetDiffBudget(cfg.Review.MaxDiffChars)
	}

	runner := review.NewRunner(st, c, reviewer, engine, review.Config{
		PrecisionThreshold: cfg.Review.PrecisionThreshold,
		FeedbackBaseURL:    cfg.Server.BaseURL,
		FeedbackSecret:     cfg.Server.FeedbackSecret,
	}, logger)

	adapter, err := server.NewAdapterFactory(cfg.GitHub, cfg.Azure, logger)(repo)
	if err != nil {
		return err
	}

	res, err := runner.Run(ctx, review.Request{
		Repo:        repo,
		Adapter:     adapter,
		PRNumber:    reviewPR,
		BaseBranch:  reviewBaseBranch,
		DryRun:      reviewDryRun,
		Incremental: reviewIncremental,
		Trigger:     "cli",
	})
	if err != nil {
		return err
	}

	out, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return printJSON(out)
}

// resolveRepoFlag accepts a registered id, slug or URL, or a filesystem
// path equal to a registered clone path.
func resolveRepoFlag(ctx context.Context, rs *repos.Service, key string) (*store.Repo, error) {
	repo, err := rs.Resolve(ctx, key)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, store.ErrRepoNotFound) {
		return nil, err
	}

	if abs, absErr := filepath.Abs(key); absErr == nil {
		list, listErr := rs.List(ctx)
		if listErr != nil {
			return nil, listErr
		}
		for i := range list {
			if list[i].ClonePath == "" {
				continue
			}
			if cp, cpErr := filepath.Abs(list[i].ClonePath); cpErr == nil && cp == abs {
				return &list[i], nil
			}
		}
	}
	return nil, fmt.Errorf("repository %q is not registered (use 'reviewd repos add')", key)
}

// refreshIndex brings the branch graph up to date before the review.
// Full mode rebuilds from scratch; otherwise only the files the fetch
// changed are re-parsed.
func refreshIndex(ctx context.Context, c *cache.Cache, repo *store.Repo, branch string, full bool) error {
	if repo.ClonePath == "" {
		return fmt.Errorf("repo %s has no clone path; re-register it with --clone-path to enable indexing", repo.ID)
	}

	before, err := vcs.HeadSHA(ctx, repo.ClonePath)
	if err != nil {
		return err
	}
	if err := vcs.CloneOrFetch(ctx, repo.URL, repo.ClonePath, branch, logger); err != nil {
		return fmt.Errorf("fetch %s: %w", repo.ID, err)
	}

	if !full && before != "" {
		after, err := vcs.HeadSHA(ctx, repo.ClonePath)
		if err != nil {
			return err
		}
		if after == before {
			return nil
		}
		changed, err := vcs.ChangedFilesFromGit(ctx, repo.ClonePath, before, after)
		switch {
		case err != nil:
			logger.Warn("changed files unavailable, re-indexing fully", zap.Error(err))
		case len(changed) == 0:
			return nil
		default:
			if entry, lerr := c.GetOrLoadRepo(ctx, repo.ID, branch); lerr == nil {
				return entry.Indexer.IncrementalUpdate(ctx, repo.ClonePath, changed, repo.ID, branch, entry.Graph)
			}
			// No snapshot to update; rebuild below.
		}
	}

	c.EvictRepo(repo.ID, branch)
	g := graph.New(repo.ID, branch)
	if _, err := c.Indexer().FullIndex(ctx, repo.ClonePath, repo.ID, branch, g); err != nil {
		return fmt.Errorf("index %s@%s: %w", repo.ID, branch, err)
	}
	_, err = c.GetOrLoadRepo(ctx, repo.ID, branch)
	return err
}

func printJSON(raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

// openRegistry opens the store for the repos subcommands, which need
// the database but none of the review stack.
func openRegistry() (*repos.Service, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Path == "" {
		return nil, nil, fmt.Errorf("database.path is not configured")
	}
	dims := cfg.Embedding.Dimensions
	if dims <= 0 {
		dims = 768
	}
	st, err := store.Open(cfg.Database.Path, dims, logger)
	if err != nil {
		return nil, nil, err
	}
	return repos.New(st, logger), func() { st.Close() }, nil
}

func runReposAdd(cmd *cobra.Command, args []string) error {
	rs, closeStore, err := openRegistry()
	if err != nil {
		return err
	}
	defer closeStore()

	r := store.Repo{
		ID:            repoID,
		Name:          repoName,
		URL:           repoURL,
		Platform:      repoPlatform,
		DefaultBranch: repoDefaultBranch,
		ClonePath:     repoClonePath,
		WebhookSecret: repoSecret,
	}
	if err := rs.Register(context.Background(), r); err != nil {
		return err
	}
	fmt.Printf("registered %s (%s)\n", repoID, repoPlatform)
	return nil
}

func runReposList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rs, closeStore, err := openRegistry()
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := rs.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no repositories registered")
		return nil
	}

	tracked, err := rs.TrackedBranches(ctx)
	if err != nil {
		return err
	}
	branches := make(map[string][]string)
	for _, p := range tracked {
		branches[p.RepoID] = append(branches[p.RepoID], p.Branch)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSLUG\tPLATFORM\tURL\tINDEXED BRANCHES")
	for _, r := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Slug, r.Platform, r.URL, strings.Join(branches[r.ID], ","))
	}
	return w.Flush()
}

func runReposTrack(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	rs, closeStore, err := openRegistry()
	if err != nil {
		return err
	}
	defer closeStore()

	repo, err := rs.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	if err := rs.TrackBranch(ctx, repo.ID, args[1]); err != nil {
		return err
	}
	fmt.Printf("tracking %s@%s\n", repo.ID, args[1])
	return nil
}
