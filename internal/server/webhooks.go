package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"reviewd/internal/cache"
	"reviewd/internal/graph"
	"reviewd/internal/review"
	"reviewd/internal/store"
	"reviewd/internal/vcs"
)

// githubSignatureOK verifies the X-Hub-Signature-256 header against the
// raw body. An empty secret disables verification.
func githubSignatureOK(secret, header string, body []byte) bool {
	if secret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}

// sharedSecretOK compares a plain shared-secret header. An empty
// configured secret disables verification.
func sharedSecretOK(secret, header string) bool {
	if secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(header)) == 1
}

type githubPushPayload struct {
	Ref        string `json:"ref"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
}

type githubPRPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
}

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if !githubSignatureOK(s.cfg.GitHub.WebhookSecret, sig, body) {
		s.metrics.Webhooks.WithLabelValues("github", "rejected").Inc()
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	s.metrics.Webhooks.WithLabelValues("github", event).Inc()

	switch event {
	case "push":
		var p githubPushPayload
		if err := json.Unmarshal(body, &p); err != nil {
			s.logger.Warn("malformed github push payload", zap.Error(err))
			break
		}
		repo := s.repoForWebhook(r.Context(), p.Repository.CloneURL, p.Repository.HTMLURL)
		if repo == nil {
			break
		}
		if repo.WebhookSecret != "" && !githubSignatureOK(repo.WebhookSecret, sig, body) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		s.handlePush(r.Context(), repo, branchFromRef(p.Ref), p.Before, p.After)
	case "pull_request":
		var p githubPRPayload
		if err := json.Unmarshal(body, &p); err != nil {
			s.logger.Warn("malformed github pull_request payload", zap.Error(err))
			break
		}
		if p.Action != "opened" && p.Action != "synchronize" {
			break
		}
		repo := s.repoForWebhook(r.Context(), p.Repository.CloneURL, p.Repository.HTMLURL)
		if repo == nil {
			break
		}
		if repo.WebhookSecret != "" && !githubSignatureOK(repo.WebhookSecret, sig, body) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		s.scheduleReview(repo, p.Number, p.PullRequest.Base.Ref)
	}

	w.WriteHeader(http.StatusOK)
}

type azurePayload struct {
	EventType string `json:"eventType"`
	Resource  struct {
		// git.push
		RefUpdates []struct {
			Name        string `json:"name"`
			OldObjectID string `json:"oldObjectId"`
			NewObjectID string `json:"newObjectId"`
		} `json:"refUpdates"`
		Repository struct {
			RemoteURL string `json:"remoteUrl"`
			Name      string `json:"name"`
		} `json:"repository"`

		// git.pullrequest.*
		PullRequestID int    `json:"pullRequestId"`
		TargetRefName string `json:"targetRefName"`
	} `json:"resource"`
}

func (s *Server) handleAzureWebhook(w http.ResponseWriter, r *http.Request) {
	if !sharedSecretOK(s.cfg.Azure.WebhookSecret, r.Header.Get("X-Webhook-Secret")) {
		s.metrics.Webhooks.WithLabelValues("azure", "rejected").Inc()
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	var p azurePayload
	if err := json.Unmarshal(body, &p); err != nil {
		s.logger.Warn("malformed azure payload", zap.Error(err))
		s.metrics.Webhooks.WithLabelValues("azure", "malformed").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}
	s.metrics.Webhooks.WithLabelValues("azure", p.EventType).Inc()

	repo := s.repoForWebhook(r.Context(), p.Resource.Repository.RemoteURL, "")
	if repo != nil && repo.WebhookSecret != "" &&
		!sharedSecretOK(repo.WebhookSecret, r.Header.Get("X-Webhook-Secret")) {
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}

	switch p.EventType {
	case "git.push":
		if repo == nil || len(p.Resource.RefUpdates) == 0 {
			break
		}
		for _, ref := range p.Resource.RefUpdates {
			s.handlePush(r.Context(), repo, branchFromRef(ref.Name), ref.OldObjectID, ref.NewObjectID)
		}
	case "git.pullrequest.created", "git.pullrequest.updated":
		if repo == nil || p.Resource.PullRequestID == 0 {
			break
		}
		s.scheduleReview(repo, p.Resource.PullRequestID, branchFromRef(p.Resource.TargetRefName))
	}

	w.WriteHeader(http.StatusOK)
}

// repoForWebhook resolves a repository from the URLs a webhook payload
// carries. Unregistered repositories are logged and dropped; deliveries
// for them still answer 200.
func (s *Server) repoForWebhook(ctx context.Context, urls ...string) *store.Repo {
	for _, u := range urls {
		if u == "" {
			continue
		}
		repo, err := s.repos.ByURL(ctx, u)
		if err == nil {
			return repo
		}
	}
	s.logger.Info("webhook for unregistered repository", zap.Strings("urls", urls))
	return nil
}

func branchFromRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// handlePush applies a push to a tracked branch: fetch, diff the SHAs,
// re-index incrementally. Pushes to branches that were never indexed
// are dropped without touching the graph cache.
func (s *Server) handlePush(ctx context.Context, repo *store.Repo, branch, before, after string) {
	if branch == "" {
		return
	}
	tracked, err := s.repos.IsTracked(ctx, repo.ID, branch)
	if err != nil {
		s.logger.Error("indexed-branch check failed",
			zap.String("repo", repo.ID), zap.String("branch", branch), zap.Error(err))
		return
	}
	if !tracked {
		s.logger.Debug("push to untracked branch ignored",
			zap.String("repo", repo.ID), zap.String("branch", branch))
		return
	}
	if repo.ClonePath == "" {
		s.logger.Error("repository has no clone path, cannot index",
			zap.String("repo", repo.ID))
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.runIndex(repo, branch, before, after)
	}()
}

func (s *Server) runIndex(repo *store.Repo, branch, before, after string) {
	ctx := context.Background()
	start := time.Now()

	if err := vcs.CloneOrFetch(ctx, repo.URL, repo.ClonePath, branch, s.logger); err != nil {
		s.logger.Error("fetch for index failed",
			zap.String("repo", repo.ID), zap.String("branch", branch), zap.Error(err))
		return
	}

	mode := "incremental"
	var changed []string
	if vcs.IsZeroSHA(before) {
		mode = "full"
	} else {
		files, err := vcs.ChangedFilesFromGit(ctx, repo.ClonePath, before, after)
		if err != nil {
			s.logger.Warn("changed files unavailable, falling back to full index",
				zap.String("repo", repo.ID), zap.Error(err))
			mode = "full"
		} else if len(files) == 0 {
			return
		} else {
			changed = files
		}
	}

	var entry *cache.Entry
	if mode == "full" {
		// A full re-index starts from an empty graph; the refreshed
		// snapshot is adopted into the cache afterwards.
		s.cache.EvictRepo(repo.ID, branch)
		g := graph.New(repo.ID, branch)
		if _, err := s.cache.Indexer().FullIndex(ctx, repo.ClonePath, repo.ID, branch, g); err != nil {
			s.logger.Error("full index failed",
				zap.String("repo", repo.ID), zap.String("branch", branch), zap.Error(err))
			return
		}
		e, err := s.cache.GetOrLoadRepo(ctx, repo.ID, branch)
		if err != nil {
			s.logger.Error("reloading indexed branch failed",
				zap.String("repo", repo.ID), zap.String("branch", branch), zap.Error(err))
			return
		}
		entry = e
	} else {
		e, err := s.cache.GetOrLoadRepo(ctx, repo.ID, branch)
		if err != nil {
			s.logger.Error("loading branch for incremental index failed",
				zap.String("repo", repo.ID), zap.String("branch", branch), zap.Error(err))
			return
		}
		if err := e.Indexer.IncrementalUpdate(ctx, repo.ClonePath, changed, repo.ID, branch, e.Graph); err != nil {
			s.logger.Error("incremental index failed",
				zap.String("repo", repo.ID), zap.String("branch", branch), zap.Error(err))
			return
		}
		entry = e
	}

	s.metrics.IndexDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	s.metrics.GraphSymbols.WithLabelValues(repo.ID, branch).Set(float64(entry.Graph.SymbolCount()))
}

// scheduleReview runs a PR review on a background goroutine. Webhook
// triggers are incremental: on platforms with iterations only the new
// commits are reviewed, and replays of reviewed iterations skip.
func (s *Server) scheduleReview(repo *store.Repo, prNumber int, baseBranch string) {
	adapter, err := s.adapterFor(repo)
	if err != nil {
		s.logger.Error("no adapter for repository",
			zap.String("repo", repo.ID), zap.Error(err))
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		start := time.Now()
		res, err := s.runner.Run(context.Background(), review.Request{
			Repo:        repo,
			Adapter:     adapter,
			PRNumber:    prNumber,
			BaseBranch:  baseBranch,
			Incremental: true,
			Trigger:     "webhook",
		})
		s.observeReview("webhook", start, res, err)
		if err != nil {
			s.logger.Error("webhook review failed",
				zap.String("repo", repo.ID), zap.Int("pr", prNumber), zap.Error(err))
		}
	}()
}

func (s *Server) observeReview(trigger string, start time.Time, res *review.Result, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case res != nil && res.Skipped:
		outcome = "skipped"
	}
	s.metrics.Reviews.WithLabelValues(trigger, outcome).Inc()
	s.metrics.ReviewDuration.Observe(time.Since(start).Seconds())
	if err == nil && res != nil && !res.Skipped {
		s.metrics.CommentsPosted.Add(float64(res.CommentCount))
	}
}
