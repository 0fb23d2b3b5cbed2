package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	githubAPIBase   = "https://api.github.com"
	githubDiffMedia = "application/vnd.github.v3.diff"
	githubJSONMedia = "application/vnd.github+json"
)

// GitHubConfig wires one repository on GitHub.
type GitHubConfig struct {
	Token   string
	Owner   string
	Repo    string
	BaseURL string // empty for api.github.com
}

// GitHubAdapter talks to the GitHub REST v3 API. GitHub has no
// iteration concept; every synchronize event re-reviews the full PR
// diff.
type GitHubAdapter struct {
	client  *http.Client
	baseURL string
	token   string
	owner   string
	repo    string
	logger  *zap.Logger
}

func NewGitHubAdapter(cfg GitHubConfig, logger *zap.Logger) *GitHubAdapter {
	base := cfg.BaseURL
	if base == "" {
		base = githubAPIBase
	}
	return &GitHubAdapter{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimSuffix(base, "/"),
		token:   cfg.Token,
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		logger:  logger,
	}
}

func (g *GitHubAdapter) prURL(prNumber int, suffix string) string {
	return fmt.Sprintf("%s/repos/%s/%s/pulls/%d%s", g.baseURL, g.owner, g.repo, prNumber, suffix)
}

// do issues one request and returns the body. Non-2xx statuses become
// errors carrying the response snippet GitHub sends.
func (g *GitHubAdapter) do(ctx context.Context, method, url, accept string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", accept)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("github %s %s: read body: %w", method, url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("github %s %s: %s: %s", method, url, resp.Status, snippet(body))
	}
	return body, nil
}

func (g *GitHubAdapter) doJSON(ctx context.Context, method, url string, payload, out any) error {
	body, err := g.do(ctx, method, url, githubJSONMedia, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

type githubPR struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	Head struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (g *GitHubAdapter) GetPR(ctx context.Context, prNumber int) (*PR, error) {
	var payload githubPR
	if err := g.doJSON(ctx, http.MethodGet, g.prURL(prNumber, ""), nil, &payload); err != nil {
		return nil, err
	}
	return &PR{
		Number:       payload.Number,
		Title:        payload.Title,
		Description:  payload.Body,
		Author:       payload.User.Login,
		SourceBranch: payload.Head.Ref,
		TargetBranch: payload.Base.Ref,
		State:        payload.State,
		URL:          payload.HTMLURL,
		HeadSHA:      payload.Head.SHA,
	}, nil
}

// GetDiff fetches the PR with the diff media type and parses the raw
// unified text.
func (g *GitHubAdapter) GetDiff(ctx context.Context, prNumber int) (*Diff, error) {
	body, err := g.do(ctx, http.MethodGet, g.prURL(prNumber, ""), githubDiffMedia, nil)
	if err != nil {
		return nil, err
	}
	return ParseUnifiedDiff(string(body)), nil
}

func (g *GitHubAdapter) GetFiles(ctx context.Context, prNumber int) ([]string, error) {
	var files []string
	for page := 1; ; page++ {
		var batch []struct {
			Filename string `json:"filename"`
		}
		url := g.prURL(prNumber, fmt.Sprintf("/files?per_page=100&page=%d", page))
		if err := g.doJSON(ctx, http.MethodGet, url, nil, &batch); err != nil {
			return nil, err
		}
		for _, f := range batch {
			files = append(files, f.Filename)
		}
		if len(batch) < 100 {
			return files, nil
		}
	}
}

func (g *GitHubAdapter) AddInlineComment(ctx context.Context, prNumber int, c Comment) error {
	pr, err := g.GetPR(ctx, prNumber)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"body":      c.Body,
		"commit_id": pr.HeadSHA,
		"path":      c.Path,
		"line":      c.Line,
		"side":      "RIGHT",
	}
	return g.doJSON(ctx, http.MethodPost, g.prURL(prNumber, "/comments"), payload, nil)
}

// SubmitReview posts the summary and every inline comment as one
// review, with the event mapped from the verdict.
func (g *GitHubAdapter) SubmitReview(ctx context.Context, prNumber int, review Review) error {
	comments := make([]map[string]any, 0, len(review.Comments))
	for _, c := range review.Comments {
		comments = append(comments, map[string]any{
			"path": c.Path,
			"line": c.Line,
			"side": "RIGHT",
			"body": c.Body,
		})
	}
	payload := map[string]any{
		"body":     review.Summary,
		"event":    githubReviewEvent(review.Verdict),
		"comments": comments,
	}
	return g.doJSON(ctx, http.MethodPost, g.prURL(prNumber, "/reviews"), payload, nil)
}

func githubReviewEvent(verdict string) string {
	switch verdict {
	case "approve":
		return "APPROVE"
	case "request_changes":
		return "REQUEST_CHANGES"
	default:
		return "COMMENT"
	}
}

func (g *GitHubAdapter) GetReviewComments(ctx context.Context, prNumber int) ([]ExistingComment, error) {
	var payload []struct {
		Body string `json:"body"`
		Path string `json:"path"`
		Line int    `json:"line"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := g.doJSON(ctx, http.MethodGet, g.prURL(prNumber, "/comments?per_page=100"), nil, &payload); err != nil {
		return nil, err
	}
	out := make([]ExistingComment, 0, len(payload))
	for _, c := range payload {
		out = append(out, ExistingComment{Author: c.User.Login, Body: c.Body, Path: c.Path, Line: c.Line})
	}
	return out, nil
}

func (g *GitHubAdapter) GetPRComments(ctx context.Context, prNumber int) ([]ExistingComment, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments?per_page=100", g.baseURL, g.owner, g.repo, prNumber)
	var payload []struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := g.doJSON(ctx, http.MethodGet, url, nil, &payload); err != nil {
		return nil, err
	}
	out := make([]ExistingComment, 0, len(payload))
	for _, c := range payload {
		out = append(out, ExistingComment{Author: c.User.Login, Body: c.Body})
	}
	return out, nil
}

// GetLatestIterationID is meaningless on GitHub; the runner never
// consults it because SupportsIterations is false.
func (g *GitHubAdapter) GetLatestIterationID(ctx context.Context, prNumber int) (int, error) {
	return 0, nil
}

func (g *GitHubAdapter) SetCompareToIteration(iteration int) {}

func (g *GitHubAdapter) SupportsIterations() bool { return false }

// snippet trims an error body for logging.
func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
