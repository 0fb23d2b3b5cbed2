package vcs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"reviewd/internal/diff"
)

const azureAPIVersion = "7.1"

// AzureConfig wires one repository on Azure DevOps.
type AzureConfig struct {
	OrgURL  string // https://dev.azure.com/<org>
	Project string
	Repo    string // repository name or id
	PAT     string
}

// AzureAdapter talks to the Azure DevOps Git API. Azure attaches a
// monotonic iteration id to every push on a PR, which is what makes
// incremental re-review possible: the diff is computed between the
// latest iteration and the one recorded after the previous review.
type AzureAdapter struct {
	client  *http.Client
	orgURL  string
	project string
	repo    string
	pat     string
	engine  *diff.Engine
	logger  *zap.Logger

	mu        sync.Mutex
	compareTo int
	userID    string
}

func NewAzureAdapter(cfg AzureConfig, logger *zap.Logger) *AzureAdapter {
	return &AzureAdapter{
		client:  &http.Client{Timeout: 30 * time.Second},
		orgURL:  strings.TrimSuffix(cfg.OrgURL, "/"),
		project: cfg.Project,
		repo:    cfg.Repo,
		pat:     cfg.PAT,
		engine:  diff.NewEngine(),
		logger:  logger,
	}
}

func (a *AzureAdapter) repoURL(suffix string) string {
	return fmt.Sprintf("%s/%s/_apis/git/repositories/%s%s", a.orgURL, a.project, a.repo, suffix)
}

func withAPIVersion(u string) string {
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "api-version=" + azureAPIVersion
}

func (a *AzureAdapter) do(ctx context.Context, method, rawURL, accept string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, err
	}
	token := base64.StdEncoding.EncodeToString([]byte(":" + a.pat))
	req.Header.Set("Authorization", "Basic "+token)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("azure %s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azure %s %s: read body: %w", method, rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("azure %s %s: %s: %s", method, rawURL, resp.Status, snippet(body))
	}
	return body, nil
}

func (a *AzureAdapter) doJSON(ctx context.Context, method, rawURL string, payload, out any) error {
	body, err := a.do(ctx, method, rawURL, "application/json", payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

type azurePR struct {
	PullRequestID int    `json:"pullRequestId"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Status        string `json:"status"`
	SourceRefName string `json:"sourceRefName"`
	TargetRefName string `json:"targetRefName"`
	CreatedBy     struct {
		DisplayName string `json:"displayName"`
	} `json:"createdBy"`
	LastMergeSourceCommit struct {
		CommitID string `json:"commitId"`
	} `json:"lastMergeSourceCommit"`
}

func (a *AzureAdapter) GetPR(ctx context.Context, prNumber int) (*PR, error) {
	var payload azurePR
	u := withAPIVersion(a.repoURL(fmt.Sprintf("/pullRequests/%d", prNumber)))
	if err := a.doJSON(ctx, http.MethodGet, u, nil, &payload); err != nil {
		return nil, err
	}
	return &PR{
		Number:       payload.PullRequestID,
		Title:        payload.Title,
		Description:  payload.Description,
		Author:       payload.CreatedBy.DisplayName,
		SourceBranch: strings.TrimPrefix(payload.SourceRefName, "refs/heads/"),
		TargetBranch: strings.TrimPrefix(payload.TargetRefName, "refs/heads/"),
		State:        payload.Status,
		HeadSHA:      payload.LastMergeSourceCommit.CommitID,
	}, nil
}

type azureIteration struct {
	ID              int `json:"id"`
	SourceRefCommit struct {
		CommitID string `json:"commitId"`
	} `json:"sourceRefCommit"`
	TargetRefCommit struct {
		CommitID string `json:"commitId"`
	} `json:"targetRefCommit"`
	CommonRefCommit struct {
		CommitID string `json:"commitId"`
	} `json:"commonRefCommit"`
}

func (a *AzureAdapter) listIterations(ctx context.Context, prNumber int) ([]azureIteration, error) {
	var payload struct {
		Value []azureIteration `json:"value"`
	}
	u := withAPIVersion(a.repoURL(fmt.Sprintf("/pullRequests/%d/iterations", prNumber)))
	if err := a.doJSON(ctx, http.MethodGet, u, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Value, nil
}

func (a *AzureAdapter) GetLatestIterationID(ctx context.Context, prNumber int) (int, error) {
	iterations, err := a.listIterations(ctx, prNumber)
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, it := range iterations {
		if it.ID > latest {
			latest = it.ID
		}
	}
	return latest, nil
}

// SetCompareToIteration pins the base of the next GetDiff so only
// commits after the given iteration are reviewed. Zero means compare
// against the merge base.
func (a *AzureAdapter) SetCompareToIteration(iteration int) {
	a.mu.Lock()
	a.compareTo = iteration
	a.mu.Unlock()
}

func (a *AzureAdapter) SupportsIterations() bool { return true }

type azureChange struct {
	ChangeType string `json:"changeType"`
	Item       struct {
		Path     string `json:"path"`
		IsFolder bool   `json:"isFolder"`
	} `json:"item"`
}

// GetDiff assembles the change set between the latest iteration and
// the pinned compare-to iteration. Azure serves change lists but not
// hunk content, so both blob versions are fetched and diffed locally.
func (a *AzureAdapter) GetDiff(ctx context.Context, prNumber int) (*Diff, error) {
	iterations, err := a.listIterations(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	if len(iterations) == 0 {
		return &Diff{}, nil
	}

	latest := iterations[0]
	for _, it := range iterations {
		if it.ID > latest.ID {
			latest = it
		}
	}

	a.mu.Lock()
	compareTo := a.compareTo
	a.mu.Unlock()

	changesURL := a.repoURL(fmt.Sprintf("/pullRequests/%d/iterations/%d/changes", prNumber, latest.ID))
	if compareTo > 0 {
		changesURL += fmt.Sprintf("?$compareTo=%d", compareTo)
	}
	var changes struct {
		ChangeEntries []azureChange `json:"changeEntries"`
	}
	if err := a.doJSON(ctx, http.MethodGet, withAPIVersion(changesURL), nil, &changes); err != nil {
		return nil, err
	}

	// New side is the latest iteration's source tip. Old side is the
	// compare-to iteration's source tip, or the merge base when there
	// is no earlier review to compare against.
	newCommit := latest.SourceRefCommit.CommitID
	oldCommit := latest.CommonRefCommit.CommitID
	if oldCommit == "" {
		oldCommit = latest.TargetRefCommit.CommitID
	}
	if compareTo > 0 {
		for _, it := range iterations {
			if it.ID == compareTo {
				oldCommit = it.SourceRefCommit.CommitID
				break
			}
		}
	}

	out := &Diff{}
	var raw strings.Builder
	for _, ch := range changes.ChangeEntries {
		if ch.Item.IsFolder {
			continue
		}
		path := strings.TrimPrefix(ch.Item.Path, "/")

		var oldContent, newContent string
		changeType := strings.ToLower(ch.ChangeType)
		if !strings.Contains(changeType, "add") {
			oldContent, err = a.fileContent(ctx, ch.Item.Path, oldCommit)
			if err != nil {
				a.logger.Warn("azure: old blob fetch failed, treating as added",
					zap.String("path", path), zap.Error(err))
			}
		}
		if !strings.Contains(changeType, "delete") {
			newContent, err = a.fileContent(ctx, ch.Item.Path, newCommit)
			if err != nil {
				a.logger.Warn("azure: new blob fetch failed, skipping file",
					zap.String("path", path), zap.Error(err))
				continue
			}
		}
		if isBinary(oldContent) || isBinary(newContent) {
			out.Files = append(out.Files, FileDiff{Path: path, Status: azureStatus(changeType)})
			continue
		}

		fd := a.engine.Compute(path, oldContent, newContent)
		file := FileDiff{
			Path:      path,
			Status:    azureStatus(changeType),
			Additions: fd.Additions(),
			Deletions: fd.Deletions(),
		}
		for _, h := range fd.Hunks {
			file.Hunks = append(file.Hunks, Hunk{
				OldStart: h.OldStart,
				OldLines: h.OldLines,
				NewStart: h.NewStart,
				NewLines: h.NewLines,
				Content:  renderHunkBody(h),
			})
		}
		out.Files = append(out.Files, file)
		out.Additions += file.Additions
		out.Deletions += file.Deletions
		raw.WriteString(fd.Unified())
	}
	out.Raw = raw.String()
	return out, nil
}

func (a *AzureAdapter) GetFiles(ctx context.Context, prNumber int) ([]string, error) {
	d, err := a.GetDiff(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	return d.ChangedFiles(), nil
}

// fileContent fetches one blob at one commit. A missing blob is not an
// error here; callers decide what absence means.
func (a *AzureAdapter) fileContent(ctx context.Context, path, commitID string) (string, error) {
	if commitID == "" {
		return "", nil
	}
	q := url.Values{}
	q.Set("path", path)
	q.Set("versionDescriptor.version", commitID)
	q.Set("versionDescriptor.versionType", "commit")
	q.Set("includeContent", "true")
	q.Set("api-version", azureAPIVersion)

	body, err := a.do(ctx, http.MethodGet, a.repoURL("/items")+"?"+q.Encode(), "text/plain", nil)
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return "", nil
		}
		return "", err
	}
	return string(body), nil
}

func azureStatus(changeType string) string {
	switch {
	case strings.Contains(changeType, "add"):
		return "added"
	case strings.Contains(changeType, "delete"):
		return "deleted"
	case strings.Contains(changeType, "rename"):
		return "renamed"
	default:
		return "modified"
	}
}

func renderHunkBody(h diff.Hunk) string {
	var b strings.Builder
	for _, l := range h.Lines {
		switch l.Type {
		case diff.LineAdded:
			b.WriteString("+" + l.Content + "\n")
		case diff.LineRemoved:
			b.WriteString("-" + l.Content + "\n")
		default:
			b.WriteString(" " + l.Content + "\n")
		}
	}
	return b.String()
}

func isBinary(content string) bool {
	return strings.ContainsRune(content, '\x00')
}

// AddInlineComment opens one active thread anchored to the new side of
// the file.
func (a *AzureAdapter) AddInlineComment(ctx context.Context, prNumber int, c Comment) error {
	payload := map[string]any{
		"comments": []map[string]any{
			{"content": c.Body, "commentType": "text"},
		},
		"status": "active",
		"threadContext": map[string]any{
			"filePath":       "/" + strings.TrimPrefix(c.Path, "/"),
			"rightFileStart": map[string]int{"line": c.Line, "offset": 1},
			"rightFileEnd":   map[string]int{"line": c.Line, "offset": 1},
		},
	}
	u := withAPIVersion(a.repoURL(fmt.Sprintf("/pullRequests/%d/threads", prNumber)))
	return a.doJSON(ctx, http.MethodPost, u, payload, nil)
}

// SubmitReview posts the summary as its own thread, each comment as an
// inline thread, then casts the vote the verdict maps to.
func (a *AzureAdapter) SubmitReview(ctx context.Context, prNumber int, review Review) error {
	if review.Summary != "" {
		payload := map[string]any{
			"comments": []map[string]any{
				{"content": review.Summary, "commentType": "text"},
			},
			"status": "active",
		}
		u := withAPIVersion(a.repoURL(fmt.Sprintf("/pullRequests/%d/threads", prNumber)))
		if err := a.doJSON(ctx, http.MethodPost, u, payload, nil); err != nil {
			return err
		}
	}

	for _, c := range review.Comments {
		if err := a.AddInlineComment(ctx, prNumber, c); err != nil {
			return err
		}
	}

	return a.castVote(ctx, prNumber, azureVote(review.Verdict))
}

func azureVote(verdict string) int {
	switch verdict {
	case "approve":
		return 10
	case "request_changes":
		return -5
	default:
		return 0
	}
}

func (a *AzureAdapter) castVote(ctx context.Context, prNumber, vote int) error {
	userID, err := a.authenticatedUserID(ctx)
	if err != nil {
		return err
	}
	u := withAPIVersion(a.repoURL(fmt.Sprintf("/pullRequests/%d/reviewers/%s", prNumber, userID)))
	return a.doJSON(ctx, http.MethodPut, u, map[string]int{"vote": vote}, nil)
}

// authenticatedUserID resolves and caches the PAT owner's id, which
// the vote endpoint addresses reviewers by.
func (a *AzureAdapter) authenticatedUserID(ctx context.Context) (string, error) {
	a.mu.Lock()
	cached := a.userID
	a.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var payload struct {
		AuthenticatedUser struct {
			ID string `json:"id"`
		} `json:"authenticatedUser"`
	}
	u := a.orgURL + "/_apis/connectionData"
	if err := a.doJSON(ctx, http.MethodGet, u, nil, &payload); err != nil {
		return "", err
	}
	if payload.AuthenticatedUser.ID == "" {
		return "", fmt.Errorf("azure: connectionData returned no user id")
	}

	a.mu.Lock()
	a.userID = payload.AuthenticatedUser.ID
	a.mu.Unlock()
	return payload.AuthenticatedUser.ID, nil
}

type azureThread struct {
	Comments []struct {
		Content string `json:"content"`
		Author  struct {
			DisplayName string `json:"displayName"`
		} `json:"author"`
	} `json:"comments"`
	ThreadContext *struct {
		FilePath       string `json:"filePath"`
		RightFileStart *struct {
			Line int `json:"line"`
		} `json:"rightFileStart"`
	} `json:"threadContext"`
}

func (a *AzureAdapter) listThreads(ctx context.Context, prNumber int) ([]azureThread, error) {
	var payload struct {
		Value []azureThread `json:"value"`
	}
	u := withAPIVersion(a.repoURL(fmt.Sprintf("/pullRequests/%d/threads", prNumber)))
	if err := a.doJSON(ctx, http.MethodGet, u, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Value, nil
}

// GetReviewComments returns the comments anchored to files.
func (a *AzureAdapter) GetReviewComments(ctx context.Context, prNumber int) ([]ExistingComment, error) {
	threads, err := a.listThreads(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	var out []ExistingComment
	for _, th := range threads {
		if th.ThreadContext == nil {
			continue
		}
		line := 0
		if th.ThreadContext.RightFileStart != nil {
			line = th.ThreadContext.RightFileStart.Line
		}
		for _, c := range th.Comments {
			out = append(out, ExistingComment{
				Author: c.Author.DisplayName,
				Body:   c.Content,
				Path:   strings.TrimPrefix(th.ThreadContext.FilePath, "/"),
				Line:   line,
			})
		}
	}
	return out, nil
}

// GetPRComments returns the discussion comments not anchored to any
// file.
func (a *AzureAdapter) GetPRComments(ctx context.Context, prNumber int) ([]ExistingComment, error) {
	threads, err := a.listThreads(ctx, prNumber)
	if err != nil {
		return nil, err
	}
	var out []ExistingComment
	for _, th := range threads {
		if th.ThreadContext != nil {
			continue
		}
		for _, c := range th.Comments {
			out = append(out, ExistingComment{Author: c.Author.DisplayName, Body: c.Content})
		}
	}
	return out, nil
}
