package review

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"reviewd/internal/cache"
	"reviewd/internal/graph"
	"reviewd/internal/llm"
	"reviewd/internal/parser"
	"reviewd/internal/progress"
	"reviewd/internal/retriever"
	"reviewd/internal/store"
	"reviewd/internal/vcs"
)

// runnerDiff touches src/auth.go; the only legal comment anchors are
// new-file lines 11 and 12.
const runnerDiff = `diff --git a/src/auth.go b/src/auth.go
--- a/src/auth.go
+++ b/src/auth.go
@@ -10,4 +10,5 @@
 func login() {
-	old := check()
+	fresh := check()
+	audit(fresh)
 	return
`

func conf(v float64) *float64 { return &v }

func sampleVCSDiff() *vcs.Diff {
	return &vcs.Diff{
		Files: []vcs.FileDiff{{Path: "src/auth.go", Status: "modified", Additions: 2, Deletions: 1}},
		Raw:   runnerDiff,
	}
}

type fakeAdapter struct {
	mu        sync.Mutex
	supports  bool
	latest    int
	latestErr error
	diff      *vcs.Diff
	diffErr   error
	submitErr error
	compareTo []int
	submitted []vcs.Review
	diffCalls int
}

func (f *fakeAdapter) GetPR(ctx context.Context, n int) (*vcs.PR, error) {
	return &vcs.PR{Number: n}, nil
}

func (f *fakeAdapter) GetDiff(ctx context.Context, n int) (*vcs.Diff, error) {
	f.mu.Lock()
	f.diffCalls++
	f.mu.Unlock()
	if f.diffErr != nil {
		return nil, f.diffErr
	}
	if f.diff == nil {
		return &vcs.Diff{}, nil
	}
	return f.diff, nil
}

func (f *fakeAdapter) GetFiles(ctx context.Context, n int) ([]string, error) {
	d, err := f.GetDiff(ctx, n)
	if err != nil {
		return nil, err
	}
	return d.ChangedFiles(), nil
}

func (f *fakeAdapter) AddInlineComment(ctx context.Context, n int, c vcs.Comment) error {
	return nil
}

func (f *fakeAdapter) SubmitReview(ctx context.Context, n int, review vcs.Review) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, review)
	return nil
}

func (f *fakeAdapter) GetReviewComments(ctx context.Context, n int) ([]vcs.ExistingComment, error) {
	return nil, nil
}

func (f *fakeAdapter) GetPRComments(ctx context.Context, n int) ([]vcs.ExistingComment, error) {
	return nil, nil
}

func (f *fakeAdapter) GetLatestIterationID(ctx context.Context, n int) (int, error) {
	return f.latest, f.latestErr
}

func (f *fakeAdapter) SetCompareToIteration(iteration int) {
	f.mu.Lock()
	f.compareTo = append(f.compareTo, iteration)
	f.mu.Unlock()
}

func (f *fakeAdapter) SupportsIterations() bool { return f.supports }

type fakeGen struct {
	mu        sync.Mutex
	resp      *llm.ReviewResponse
	err       error
	calls     int
	active    int
	maxActive int
	delay     time.Duration
	lastRC    *retriever.ReviewContext
}

func (g *fakeGen) GenerateReview(ctx context.Context, diffText string, rc *retriever.ReviewContext) (*llm.ReviewResponse, error) {
	g.mu.Lock()
	g.calls++
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.lastRC = rc
	delay := g.delay
	g.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	g.mu.Lock()
	g.active--
	g.mu.Unlock()

	if g.err != nil {
		return nil, g.err
	}
	out := *g.resp
	return &out, nil
}

func okResponse() *llm.ReviewResponse {
	return &llm.ReviewResponse{
		Summary: "one issue found",
		Verdict: "request_changes",
		Comments: []llm.Comment{
			{Path: "src/auth.go", Line: 11, Body: "audit before use", Severity: "warning", Confidence: conf(0.9)},
		},
	}
}

func newTestRunner(t *testing.T, gen Generator, cfg Config) (*Runner, *store.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "review.db")
	st, err := store.Open(dbPath, 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewRunner(st, nil, gen, nil, cfg, zaptest.NewLogger(t)), st, dbPath
}

func azureRepo() *store.Repo {
	return &store.Repo{ID: "r1", Platform: "azure", DefaultBranch: "main"}
}

func countRows(t *testing.T, dbPath, table string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestIterationSkipLeavesNoRows(t *testing.T) {
	gen := &fakeGen{resp: okResponse()}
	runner, st, dbPath := newTestRunner(t, gen, Config{})
	ctx := context.Background()

	require.NoError(t, st.SaveReviewedIteration(ctx, "r1", 7, "azure", 5))
	adapter := &fakeAdapter{supports: true, latest: 5, diff: sampleVCSDiff()}

	res, err := runner.Run(ctx, Request{
		Repo: azureRepo(), Adapter: adapter, PRNumber: 7, Incremental: true,
	})
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Equal(t, "comment", res.Verdict)
	assert.Zero(t, res.CommentCount)
	assert.Empty(t, res.ReviewID)

	assert.Zero(t, gen.calls)
	assert.Zero(t, adapter.diffCalls, "a skipped review must not fetch the diff")
	assert.Zero(t, countRows(t, dbPath, "reviews"))
	assert.Empty(t, adapter.compareTo)

	last, err := st.LastReviewedIteration(ctx, "r1", 7, "azure")
	require.NoError(t, err)
	assert.Equal(t, 5, last)
}

func TestIterationProceedRecordsAndComparesTo(t *testing.T) {
	gen := &fakeGen{resp: okResponse()}
	runner, st, dbPath := newTestRunner(t, gen, Config{})
	ctx := context.Background()

	require.NoError(t, st.SaveReviewedIteration(ctx, "r1", 7, "azure", 5))
	adapter := &fakeAdapter{supports: true, latest: 6, diff: sampleVCSDiff()}

	res, err := runner.Run(ctx, Request{
		Repo: azureRepo(), Adapter: adapter, PRNumber: 7, Incremental: true,
	})
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.NotEmpty(t, res.ReviewID)
	assert.Equal(t, 1, res.CommentCount)
	assert.Equal(t, 1, countRows(t, dbPath, "reviews"))
	assert.Equal(t, []int{5}, adapter.compareTo)
	require.Len(t, adapter.submitted, 1)

	last, err := st.LastReviewedIteration(ctx, "r1", 7, "azure")
	require.NoError(t, err)
	assert.Equal(t, 6, last)
}

func TestDryRunWritesNothing(t *testing.T) {
	gen := &fakeGen{resp: okResponse()}
	runner, st, dbPath := newTestRunner(t, gen, Config{})
	ctx := context.Background()

	adapter := &fakeAdapter{supports: true, latest: 1, diff: sampleVCSDiff()}

	res, err := runner.Run(ctx, Request{
		Repo: azureRepo(), Adapter: adapter, PRNumber: 7, DryRun: true,
	})
	require.NoError(t, err)

	assert.Empty(t, res.ReviewID)
	require.Len(t, res.Comments, 1)
	assert.Equal(t, "src/auth.go", res.Comments[0].FilePath)

	assert.Zero(t, countRows(t, dbPath, "reviews"))
	assert.Zero(t, countRows(t, dbPath, "review_comments"))
	assert.Empty(t, adapter.submitted)

	last, err := st.LastReviewedIteration(ctx, "r1", 7, "azure")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestIterationIdempotence(t *testing.T) {
	gen := &fakeGen{resp: okResponse()}
	runner, st, dbPath := newTestRunner(t, gen, Config{})
	ctx := context.Background()

	adapter := &fakeAdapter{supports: true, latest: 3, diff: sampleVCSDiff()}
	req := Request{Repo: azureRepo(), Adapter: adapter, PRNumber: 7, Incremental: true}

	first, err := runner.Run(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Skipped)

	second, err := runner.Run(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	assert.Equal(t, 1, countRows(t, dbPath, "reviews"))
	assert.Equal(t, 1, gen.calls)

	last, err := st.LastReviewedIteration(ctx, "r1", 7, "azure")
	require.NoError(t, err)
	assert.Equal(t, 3, last)
}

func TestPerPRSerialization(t *testing.T) {
	gen := &fakeGen{resp: okResponse(), delay: 20 * time.Millisecond}
	runner, _, _ := newTestRunner(t, gen, Config{})

	repo := &store.Repo{ID: "r1", Platform: "github", DefaultBranch: "main"}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adapter := &fakeAdapter{diff: sampleVCSDiff()}
			_, err := runner.Run(context.Background(), Request{
				Repo: repo, Adapter: adapter, PRNumber: 7, DryRun: true,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, gen.calls)
	assert.Equal(t, 1, gen.maxActive, "same-PR reviews must never overlap")
	assert.Equal(t, 0, runner.locks.pending())
}

func TestDiffLineValidationDropsBadAnchors(t *testing.T) {
	gen := &fakeGen{resp: &llm.ReviewResponse{
		Summary: "s",
		Verdict: "comment",
		Comments: []llm.Comment{
			{Path: "src/auth.go", Line: 11, Body: "ok", Severity: "info", Confidence: conf(0.9)},
			{Path: "/src/auth.go", Line: 12, Body: "leading slash ok", Severity: "info", Confidence: conf(0.9)},
			{Path: "src/auth.go", Line: 10, Body: "context line", Severity: "info", Confidence: conf(0.9)},
			{Path: "src/other.go", Line: 11, Body: "wrong file", Severity: "info", Confidence: conf(0.9)},
		},
	}}
	runner, _, _ := newTestRunner(t, gen, Config{})

	adapter := &fakeAdapter{diff: sampleVCSDiff()}
	res, err := runner.Run(context.Background(), Request{
		Repo: azureRepo(), Adapter: adapter, PRNumber: 7, DryRun: true,
	})
	require.NoError(t, err)

	require.Len(t, res.Comments, 2)
	assert.Equal(t, 11, res.Comments[0].Line)
	assert.Equal(t, "src/auth.go", res.Comments[1].FilePath, "leading slash must be normalized")
	assert.Equal(t, 12, res.Comments[1].Line)
}

func TestPrecisionThresholdFiltersScored(t *testing.T) {
	gen := &fakeGen{resp: &llm.ReviewResponse{
		Summary: "s",
		Verdict: "comment",
		Comments: []llm.Comment{
			{Path: "src/auth.go", Line: 11, Body: "high", Severity: "info", Confidence: conf(0.9)},
			{Path: "src/auth.go", Line: 12, Body: "low", Severity: "info", Confidence: conf(0.4)},
		},
	}}
	runner, _, _ := newTestRunner(t, gen, Config{PrecisionThreshold: 0.7})

	adapter := &fakeAdapter{diff: sampleVCSDiff()}
	res, err := runner.Run(context.Background(), Request{
		Repo: azureRepo(), Adapter: adapter, PRNumber: 7, DryRun: true,
	})
	require.NoError(t, err)

	require.Len(t, res.Comments, 1)
	assert.Equal(t, "high", res.Comments[0].Body)
}

func TestFilterByConfidence(t *testing.T) {
	high := llm.Comment{Body: "high", Confidence: conf(0.9)}
	low := llm.Comment{Body: "low", Confidence: conf(0.3)}
	unscored := llm.Comment{Body: "unscored"}

	t.Run("passing scored wins, unscored dropped", func(t *testing.T) {
		out := filterByConfidence([]llm.Comment{high, low, unscored}, 0.7)
		require.Len(t, out, 1)
		assert.Equal(t, "high", out[0].Body)
	})

	t.Run("all scored below falls back to unscored", func(t *testing.T) {
		out := filterByConfidence([]llm.Comment{low, unscored}, 0.7)
		require.Len(t, out, 1)
		assert.Equal(t, "unscored", out[0].Body)
	})

	t.Run("all scored below, nothing unscored", func(t *testing.T) {
		assert.Empty(t, filterByConfidence([]llm.Comment{low}, 0.7))
	})

	t.Run("only unscored pass through", func(t *testing.T) {
		assert.Len(t, filterByConfidence([]llm.Comment{unscored, unscored}, 0.7), 2)
	})

	t.Run("boundary confidence passes", func(t *testing.T) {
		exact := llm.Comment{Body: "exact", Confidence: conf(0.7)}
		assert.Len(t, filterByConfidence([]llm.Comment{exact}, 0.7), 1)
	})
}

func TestEmptyDiffReturnsZeroComments(t *testing.T) {
	gen := &fakeGen{resp: okResponse()}
	runner, _, dbPath := newTestRunner(t, gen, Config{})

	adapter := &fakeAdapter{diff: &vcs.Diff{}}
	res, err := runner.Run(context.Background(), Request{
		Repo: azureRepo(), Adapter: adapter, PRNumber: 7,
	})
	require.NoError(t, err)

	assert.Equal(t, "comment", res.Verdict)
	assert.Zero(t, res.CommentCount)
	assert.Zero(t, gen.calls, "model must not be invoked for an empty diff")
	assert.Zero(t, countRows(t, dbPath, "reviews"))
}

func TestModelErrorPersistsNothing(t *testing.T) {
	gen := &fakeGen{err: errors.New("model unavailable")}
	runner, st, dbPath := newTestRunner(t, gen, Config{})
	ctx := context.Background()

	adapter := &fakeAdapter{supports: true, latest: 2, diff: sampleVCSDiff()}
	_, err := runner.Run(ctx, Request{
		Repo: azureRepo(), Adapter: adapter, PRNumber: 7, Incremental: true,
	})
	require.ErrorContains(t, err, "model unavailable")

	assert.Zero(t, countRows(t, dbPath, "reviews"))
	assert.Empty(t, adapter.submitted)

	last, err := st.LastReviewedIteration(ctx, "r1", 7, "azure")
	require.NoError(t, err)
	assert.Zero(t, last, "failed reviews must not advance the iteration state")

	assert.Equal(t, 0, runner.locks.pending(), "lock must release on error")
}

func TestAdapterErrorsPropagate(t *testing.T) {
	gen := &fakeGen{resp: okResponse()}
	runner, _, dbPath := newTestRunner(t, gen, Config{})
	ctx := context.Background()

	t.Run("diff fetch failure", func(t *testing.T) {
		adapter := &fakeAdapter{diffErr: errors.New("504 gateway timeout")}
		_, err := runner.Run(ctx, Request{Repo: azureRepo(), Adapter: adapter, PRNumber: 7})
		require.ErrorContains(t, err, "fetch diff")
		assert.Zero(t, countRows(t, dbPath, "reviews"))
	})

	t.Run("iteration lookup failure on gated run", func(t *testing.T) {
		adapter := &fakeAdapter{supports: true, latestErr: errors.New("401")}
		_, err := runner.Run(ctx, Request{
			Repo: azureRepo(), Adapter: adapter, PRNumber: 7, Incremental: true,
		})
		require.ErrorContains(t, err, "latest iteration")
	})

	assert.Equal(t, 0, runner.locks.pending())
}

func TestPostFailureKeepsPersistedRows(t *testing.T) {
	gen := &fakeGen{resp: okResponse()}
	runner, _, dbPath := newTestRunner(t, gen, Config{})

	adapter := &fakeAdapter{diff: sampleVCSDiff(), submitErr: errors.New("503")}
	res, err := runner.Run(context.Background(), Request{
		Repo: azureRepo(), Adapter: adapter, PRNumber: 7,
	})
	require.NoError(t, err, "post failures are logged, not propagated")

	assert.NotEmpty(t, res.ReviewID)
	assert.Equal(t, 1, countRows(t, dbPath, "reviews"))
	assert.Equal(t, 1, countRows(t, dbPath, "review_comments"))
}

func TestFeedbackFooterAppendedAndPersisted(t *testing.T) {
	gen := &fakeGen{resp: okResponse()}
	runner, _, dbPath := newTestRunner(t, gen, Config{
		FeedbackBaseURL: "https://reviewd.local",
		FeedbackSecret:  "s3cret",
	})

	adapter := &fakeAdapter{diff: sampleVCSDiff()}
	_, err := runner.Run(context.Background(), Request{
		Repo: azureRepo(), Adapter: adapter, PRNumber: 7,
	})
	require.NoError(t, err)

	require.Len(t, adapter.submitted, 1)
	posted := adapter.submitted[0].Comments[0].Body
	assert.Contains(t, posted, feedbackFooterMarker)
	assert.Contains(t, posted, "https://reviewd.local/api/feedback?id=")

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var storedBody string
	require.NoError(t, db.QueryRow("SELECT body FROM review_comments").Scan(&storedBody))
	assert.Equal(t, posted, storedBody, "stored body matches the posted body verbatim")
}

func TestReviewContextComesFromGraph(t *testing.T) {
	gen := &fakeGen{resp: okResponse()}
	dbPath := filepath.Join(t.TempDir(), "review.db")
	st, err := store.Open(dbPath, 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	g := graph.New("r1", "main")
	g.AddSymbol(&graph.Symbol{
		ID:            graph.SymbolID("src/auth.go", "login"),
		RepoID:        "r1",
		FilePath:      "src/auth.go",
		Name:          "login",
		QualifiedName: "login",
		Kind:          graph.KindFunction,
	})
	snap, err := g.Serialize()
	require.NoError(t, err)
	require.NoError(t, st.SaveGraphSnapshot(ctx, "r1", "main", snap))
	require.NoError(t, st.AddIndexedBranch(ctx, "r1", "main"))

	c := cache.New(st, parser.NewRegistry(zaptest.NewLogger(t)), nil, progress.NewBus(),
		retriever.DefaultConfig(), zaptest.NewLogger(t))
	runner := NewRunner(st, c, gen, nil, Config{}, zaptest.NewLogger(t))

	adapter := &fakeAdapter{diff: sampleVCSDiff()}
	_, err = runner.Run(ctx, Request{
		Repo: azureRepo(), Adapter: adapter, PRNumber: 7, BaseBranch: "main", DryRun: true,
	})
	require.NoError(t, err)

	require.NotNil(t, gen.lastRC)
	require.Len(t, gen.lastRC.ChangedSymbols, 1)
	assert.Equal(t, "login", gen.lastRC.ChangedSymbols[0].Name)
}

func TestUnindexedBranchStillReviews(t *testing.T) {
	gen := &fakeGen{resp: okResponse()}
	st, err := store.Open(filepath.Join(t.TempDir(), "review.db"), 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c := cache.New(st, parser.NewRegistry(zaptest.NewLogger(t)), nil, progress.NewBus(),
		retriever.DefaultConfig(), zaptest.NewLogger(t))
	runner := NewRunner(st, c, gen, nil, Config{}, zaptest.NewLogger(t))

	adapter := &fakeAdapter{diff: sampleVCSDiff()}
	res, err := runner.Run(context.Background(), Request{
		Repo: azureRepo(), Adapter: adapter, PRNumber: 7, BaseBranch: "main", DryRun: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, gen.calls, "the model still runs without a graph")
	require.NotNil(t, gen.lastRC)
	assert.Empty(t, gen.lastRC.ChangedSymbols)
	assert.Equal(t, []string{"src/auth.go"}, gen.lastRC.ChangedFiles)
	assert.Equal(t, 1, res.CommentCount)
	assert.Zero(t, c.Len(), "unindexed branches must not be cached")
}

func TestHotReloadThreshold(t *testing.T) {
	gen := &fakeGen{resp: &llm.ReviewResponse{
		Summary: "s",
		Verdict: "comment",
		Comments: []llm.Comment{
			{Path: "src/auth.go", Line: 11, Body: "mid", Severity: "info", Confidence: conf(0.5)},
		},
	}}
	runner, _, _ := newTestRunner(t, gen, Config{PrecisionThreshold: 0.7})

	adapter := &fakeAdapter{diff: sampleVCSDiff()}
	req := Request{Repo: azureRepo(), Adapter: adapter, PRNumber: 7, DryRun: true}

	res, err := runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, res.CommentCount)

	runner.SetPrecisionThreshold(0.4)
	res, err = runner.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CommentCount)
}
