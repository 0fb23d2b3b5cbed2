// Package review orchestrates one pull-request review end to end:
// iteration gating, per-PR serialization, context retrieval, the model
// call, comment filtering, persistence and posting.
package review

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reviewd/internal/cache"
	"reviewd/internal/embedding"
	"reviewd/internal/llm"
	"reviewd/internal/retriever"
	"reviewd/internal/store"
	"reviewd/internal/vcs"
)

// Feedback signals readers can attach to a posted comment.
const (
	SignalAccepted = "accepted"
	SignalRejected = "rejected"
)

const (
	// DefaultPrecisionThreshold is the confidence bar a scored comment
	// must clear to be posted.
	DefaultPrecisionThreshold = 0.7

	// ragQueryBytes bounds how much of the diff is embedded to search
	// for prior feedback examples.
	ragQueryBytes = 8 << 10

	acceptedExampleLimit = 5
	rejectedExampleLimit = 3
)

// Generator produces a review from a diff and its retrieved context.
// *llm.Reviewer is the production implementation.
type Generator interface {
	GenerateReview(ctx context.Context, diffText string, rc *retriever.ReviewContext) (*llm.ReviewResponse, error)
}

// Config carries the runner's tunables.
type Config struct {
	// PrecisionThreshold is the minimum confidence for scored comments;
	// zero means DefaultPrecisionThreshold.
	PrecisionThreshold float64

	// FeedbackBaseURL and FeedbackSecret enable signed feedback links
	// on posted comments. Both must be set.
	FeedbackBaseURL string
	FeedbackSecret  string
}

// Request describes one review invocation.
type Request struct {
	Repo       *store.Repo
	Adapter    vcs.Adapter
	PRNumber   int
	BaseBranch string // graph branch backing the context; empty means the repo default
	DryRun     bool
	// Incremental engages the iteration gate on platforms that track
	// iterations: only commits since the last reviewed iteration are
	// fetched, and an already-reviewed iteration skips entirely.
	Incremental bool
	Trigger     string // webhook | api | cli
}

// Result summarizes one run. Comments is populated on dry runs only.
type Result struct {
	ReviewID     string                `json:"reviewId"`
	Verdict      string                `json:"verdict"`
	CommentCount int                   `json:"commentCount"`
	Skipped      bool                  `json:"skipped,omitempty"`
	Comments     []store.ReviewComment `json:"comments,omitempty"`
}

// Runner executes reviews. One instance serves the whole process; it
// serializes same-PR runs and lets distinct PRs proceed concurrently.
type Runner struct {
	store  *store.Store
	cache  *cache.Cache
	gen    Generator
	engine embedding.EmbeddingEngine // nil disables RAG and comment embeddings
	signer *FeedbackSigner
	logger *zap.Logger
	locks  *keyLocks

	mu        sync.RWMutex
	threshold float64
}

func NewRunner(st *store.Store, c *cache.Cache, gen Generator, engine embedding.EmbeddingEngine, cfg Config, logger *zap.Logger) *Runner {
	threshold := cfg.PrecisionThreshold
	if threshold <= 0 {
		threshold = DefaultPrecisionThreshold
	}
	return &Runner{
		store:     st,
		cache:     c,
		gen:       gen,
		engine:    engine,
		signer:    NewFeedbackSigner(cfg.FeedbackBaseURL, cfg.FeedbackSecret),
		logger:    logger,
		locks:     newKeyLocks(),
		threshold: threshold,
	}
}

// Signer exposes the feedback signer so the HTTP layer can verify
// incoming feedback tokens with the same secret. Nil when disabled.
func (r *Runner) Signer() *FeedbackSigner { return r.signer }

// SetPrecisionThreshold swaps the confidence bar. Used by config hot
// reload; safe during in-flight reviews.
func (r *Runner) SetPrecisionThreshold(t float64) {
	if t <= 0 {
		t = DefaultPrecisionThreshold
	}
	r.mu.Lock()
	r.threshold = t
	r.mu.Unlock()
}

func (r *Runner) precisionThreshold() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threshold
}

func skippedResult() *Result {
	return &Result{Verdict: "comment", Skipped: true}
}

// Run drives one review through the gate, the per-PR lock and the
// execute pipeline, then records the reviewed iteration.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Repo == nil || req.Adapter == nil {
		return nil, fmt.Errorf("review: repo and adapter are required")
	}

	gated := req.Incremental && req.Adapter.SupportsIterations()

	// Pre-lock gate: replayed and reviewer-activity webhooks carry an
	// iteration id that was already reviewed; drop them without
	// queueing behind an in-flight run.
	if gated {
		latest, last, err := r.iterationState(ctx, req)
		if err != nil {
			return nil, err
		}
		if latest <= last {
			r.logger.Info("skipping review, iteration already reviewed",
				zap.String("repo", req.Repo.ID),
				zap.Int("pr", req.PRNumber),
				zap.Int("iteration", latest))
			return skippedResult(), nil
		}
	}

	release := r.locks.acquire(req.Repo.ID + ":" + strconv.Itoa(req.PRNumber))
	defer release()

	var latest int
	if req.Adapter.SupportsIterations() {
		l, err := req.Adapter.GetLatestIterationID(ctx, req.PRNumber)
		if err != nil {
			if gated {
				return nil, fmt.Errorf("latest iteration for PR %d: %w", req.PRNumber, err)
			}
			// Non-incremental runs can still review; only the state
			// record is lost.
			r.logger.Warn("could not read latest iteration",
				zap.Int("pr", req.PRNumber), zap.Error(err))
		}
		latest = l
	}

	if gated {
		// Re-check under the lock: the previous holder may have just
		// reviewed this same iteration.
		last, err := r.store.LastReviewedIteration(ctx, req.Repo.ID, req.PRNumber, req.Repo.Platform)
		if err != nil {
			return nil, err
		}
		if latest <= last {
			return skippedResult(), nil
		}
		req.Adapter.SetCompareToIteration(last)
	}

	result, err := r.execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if !req.DryRun && latest > 0 {
		if err := r.store.SaveReviewedIteration(ctx, req.Repo.ID, req.PRNumber, req.Repo.Platform, latest); err != nil {
			r.logger.Error("failed to record reviewed iteration",
				zap.String("repo", req.Repo.ID),
				zap.Int("pr", req.PRNumber),
				zap.Int("iteration", latest),
				zap.Error(err))
		}
	}
	return result, nil
}

func (r *Runner) iterationState(ctx context.Context, req Request) (latest, last int, err error) {
	latest, err = req.Adapter.GetLatestIterationID(ctx, req.PRNumber)
	if err != nil {
		return 0, 0, fmt.Errorf("latest iteration for PR %d: %w", req.PRNumber, err)
	}
	last, err = r.store.LastReviewedIteration(ctx, req.Repo.ID, req.PRNumber, req.Repo.Platform)
	if err != nil {
		return 0, 0, err
	}
	return latest, last, nil
}

func (r *Runner) execute(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	d, err := req.Adapter.GetDiff(ctx, req.PRNumber)
	if err != nil {
		return nil, fmt.Errorf("fetch diff for PR %d: %w", req.PRNumber, err)
	}
	if len(d.Files) == 0 {
		r.logger.Info("empty diff, nothing to review",
			zap.String("repo", req.Repo.ID),
			zap.Int("pr", req.PRNumber))
		return &Result{Verdict: "comment"}, nil
	}

	rc := r.reviewContext(ctx, req, d)
	r.attachExamples(ctx, req.Repo.ID, d.Raw, rc)

	resp, err := r.gen.GenerateReview(ctx, d.Raw, rc)
	if err != nil {
		return nil, fmt.Errorf("generate review for PR %d: %w", req.PRNumber, err)
	}

	kept := filterByConfidence(resp.Comments, r.precisionThreshold())
	if dropped := len(resp.Comments) - len(kept); dropped > 0 {
		r.logger.Info("comments below confidence threshold",
			zap.Int("dropped", dropped),
			zap.Float64("threshold", r.precisionThreshold()))
	}
	valid := r.validateAgainstDiff(kept, retriever.AddedLines(d.Raw))

	comments := make([]store.ReviewComment, 0, len(valid))
	for _, c := range valid {
		id := uuid.NewString()
		body := c.Body
		if r.signer != nil {
			body += r.signer.Footer(id)
		}
		comments = append(comments, store.ReviewComment{
			ID:         id,
			RepoID:     req.Repo.ID,
			PRNumber:   req.PRNumber,
			FilePath:   c.Path,
			Line:       c.Line,
			Body:       body,
			Severity:   c.Severity,
			Confidence: c.Confidence,
		})
	}

	if req.DryRun {
		return &Result{
			Verdict:      resp.Verdict,
			CommentCount: len(comments),
			Comments:     comments,
		}, nil
	}

	reviewID := uuid.NewString()
	for i := range comments {
		comments[i].ReviewID = reviewID
	}
	rev := store.Review{
		ID:           reviewID,
		RepoID:       req.Repo.ID,
		PRNumber:     req.PRNumber,
		Verdict:      resp.Verdict,
		CommentCount: len(comments),
	}
	if err := r.store.SaveReview(ctx, rev, comments); err != nil {
		return nil, fmt.Errorf("persist review: %w", err)
	}
	r.embedComments(ctx, comments)

	post := vcs.Review{Summary: resp.Summary, Verdict: resp.Verdict}
	for _, c := range comments {
		post.Comments = append(post.Comments, vcs.Comment{
			Path:     c.FilePath,
			Line:     c.Line,
			Body:     c.Body,
			Severity: c.Severity,
		})
	}
	if err := req.Adapter.SubmitReview(ctx, req.PRNumber, post); err != nil {
		// The persisted rows stay; feedback links in them keep working
		// even if nothing reached the platform.
		r.logger.Error("review post failed",
			zap.String("repo", req.Repo.ID),
			zap.Int("pr", req.PRNumber),
			zap.Error(err))
	}

	r.logger.Info("review complete",
		zap.String("repo", req.Repo.ID),
		zap.Int("pr", req.PRNumber),
		zap.String("verdict", resp.Verdict),
		zap.Int("comments", len(comments)),
		zap.String("trigger", req.Trigger),
		zap.Duration("took", time.Since(started)))

	return &Result{
		ReviewID:     reviewID,
		Verdict:      resp.Verdict,
		CommentCount: len(comments),
	}, nil
}

// reviewContext builds retrieval context from the graph of the PR's
// base branch. A branch that was never indexed, or any retrieval
// failure, degrades to a minimal context: the review still runs, the
// model just sees less.
func (r *Runner) reviewContext(ctx context.Context, req Request, d *vcs.Diff) *retriever.ReviewContext {
	minimal := &retriever.ReviewContext{ChangedFiles: d.ChangedFiles()}

	branch := req.BaseBranch
	if branch == "" {
		branch = req.Repo.DefaultBranch
	}
	if r.cache == nil || branch == "" {
		return minimal
	}

	entry := r.cache.GetRepo(req.Repo.ID, branch)
	if entry == nil {
		indexed, err := r.store.IsIndexedBranch(ctx, req.Repo.ID, branch)
		if err != nil || !indexed {
			return minimal
		}
		entry, err = r.cache.GetOrLoadRepo(ctx, req.Repo.ID, branch)
		if err != nil {
			r.logger.Warn("graph load failed, reviewing without context",
				zap.String("repo", req.Repo.ID),
				zap.String("branch", branch),
				zap.Error(err))
			return minimal
		}
	}

	rc, err := entry.Retriever.GetReviewContext(ctx, d.Raw)
	if err != nil {
		r.logger.Warn("context retrieval failed, reviewing without context",
			zap.String("repo", req.Repo.ID),
			zap.String("branch", branch),
			zap.Error(err))
		return minimal
	}
	return rc
}

// attachExamples embeds the head of the diff and pulls the most similar
// past comments with reader feedback, split by signal. Failures leave
// the context without examples.
func (r *Runner) attachExamples(ctx context.Context, repoID, diffRaw string, rc *retriever.ReviewContext) {
	if r.engine == nil {
		return
	}
	query := diffRaw
	if len(query) > ragQueryBytes {
		query = query[:ragQueryBytes]
	}
	vec, err := r.engine.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("diff embedding failed, reviewing without examples", zap.Error(err))
		return
	}

	accepted, err := r.store.SearchCommentExamples(ctx, vec, repoID, SignalAccepted, acceptedExampleLimit)
	if err != nil {
		r.logger.Warn("accepted example search failed", zap.Error(err))
	}
	rejected, err := r.store.SearchCommentExamples(ctx, vec, repoID, SignalRejected, rejectedExampleLimit)
	if err != nil {
		r.logger.Warn("rejected example search failed", zap.Error(err))
	}

	for i := range accepted {
		accepted[i].Body = StripFeedbackFooter(accepted[i].Body)
	}
	for i := range rejected {
		rejected[i].Body = StripFeedbackFooter(rejected[i].Body)
	}
	rc.PriorExamples = accepted
	rc.RejectedExamples = rejected
}

// embedComments vectors each stored body (footer stripped) so future
// reviews can retrieve it as an example once feedback arrives.
func (r *Runner) embedComments(ctx context.Context, comments []store.ReviewComment) {
	if r.engine == nil || len(comments) == 0 {
		return
	}
	bodies := make([]string, len(comments))
	for i, c := range comments {
		bodies[i] = StripFeedbackFooter(c.Body)
	}
	vecs, err := r.engine.EmbedBatch(ctx, bodies)
	if err != nil {
		r.logger.Warn("comment embedding failed", zap.Error(err))
		return
	}
	for i, c := range comments {
		if i >= len(vecs) {
			break
		}
		if err := r.store.UpdateCommentEmbedding(ctx, c.ID, vecs[i]); err != nil {
			r.logger.Warn("storing comment embedding failed",
				zap.String("comment", c.ID), zap.Error(err))
		}
	}
}
