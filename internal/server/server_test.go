package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"reviewd/internal/cache"
	"reviewd/internal/config"
	"reviewd/internal/llm"
	"reviewd/internal/parser"
	"reviewd/internal/progress"
	"reviewd/internal/repos"
	"reviewd/internal/retriever"
	"reviewd/internal/review"
	"reviewd/internal/store"
	"reviewd/internal/vcs"
)

const zeroSHA = "0000000000000000000000000000000000000000"

// sampleDiffText touches src/auth.go; the only legal comment anchors
// are new-file lines 11 and 12.
const sampleDiffText = `diff --git a/src/auth.go b/src/auth.go
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

func sampleDiff() *vcs.Diff {
	return &vcs.Diff{
		Files: []vcs.FileDiff{{Path: "src/auth.go", Status: "modified", Additions: 2, Deletions: 1}},
		Raw:   sampleDiffText,
	}
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

type fakeGen struct {
	mu    sync.Mutex
	resp  *llm.ReviewResponse
	err   error
	calls int
}

func (g *fakeGen) GenerateReview(ctx context.Context, diffText string, rc *retriever.ReviewContext) (*llm.ReviewResponse, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	out := *g.resp
	return &out, nil
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeAdapter struct {
	mu        sync.Mutex
	supports  bool
	latest    int
	diff      *vcs.Diff
	diffErr   error
	submitted []vcs.Review
}

func (f *fakeAdapter) GetPR(ctx context.Context, n int) (*vcs.PR, error) {
	return &vcs.PR{Number: n}, nil
}

func (f *fakeAdapter) GetDiff(ctx context.Context, n int) (*vcs.Diff, error) {
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
	return f.latest, nil
}

func (f *fakeAdapter) SetCompareToIteration(iteration int) {}

func (f *fakeAdapter) SupportsIterations() bool { return f.supports }

func (f *fakeAdapter) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// testEnv is one fully wired server over a temp database, exposed
// through an httptest listener.
type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	st     *store.Store
	cache  *cache.Cache
	repos  *repos.Service
	bus    *progress.Bus
	dbPath string
}

func newTestEnv(t *testing.T, gen review.Generator, mutate func(*config.Config)) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dbPath := filepath.Join(t.TempDir(), "reviewd.db")
	st, err := store.Open(dbPath, 3, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Server.APIKey = "test-api-key"
	cfg.Server.BaseURL = "https://reviewd.test"
	cfg.Server.FeedbackSecret = "fb-secret"
	cfg.GitHub.WebhookSecret = "gh-secret"
	cfg.Azure.WebhookSecret = "az-secret"
	if mutate != nil {
		mutate(cfg)
	}

	bus := progress.NewBus()
	c := cache.New(st, parser.NewRegistry(logger), nil, bus, cfg.Review.RetrieverConfig(), logger)
	rs := repos.New(st, logger)
	runner := review.NewRunner(st, c, gen, nil, review.Config{
		PrecisionThreshold: cfg.Review.PrecisionThreshold,
		FeedbackBaseURL:    cfg.Server.BaseURL,
		FeedbackSecret:     cfg.Server.FeedbackSecret,
	}, logger)

	srv := New(cfg, st, c, rs, runner, bus, NewMetrics(), logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, st: st, cache: c, repos: rs, bus: bus, dbPath: dbPath}
}

func registerRepo(t *testing.T, env *testEnv, r store.Repo) *store.Repo {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.repos.Register(ctx, r))
	got, err := env.repos.ByID(ctx, r.ID)
	require.NoError(t, err)
	return got
}

func (env *testEnv) post(t *testing.T, path string, headers map[string]string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, env.ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func signGitHub(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func githubHeaders(event string, body []byte) map[string]string {
	return map[string]string{
		"Content-Type":        "application/json",
		"X-GitHub-Event":      event,
		"X-Hub-Signature-256": signGitHub("gh-secret", body),
	}
}

func azureHeaders() map[string]string {
	return map[string]string{
		"Content-Type":     "application/json",
		"X-Webhook-Secret": "az-secret",
	}
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
