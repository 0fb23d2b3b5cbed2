package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"reviewd/internal/embedding"
)

// Review is one persisted review run against a pull request.
type Review struct {
	ID           string
	RepoID       string
	PRNumber     int
	Verdict      string
	CommentCount int
	CreatedAt    time.Time
}

// ReviewComment is one inline finding attached to a review.
type ReviewComment struct {
	ID         string
	ReviewID   string
	RepoID     string
	PRNumber   int
	FilePath   string
	Line       int
	Body       string
	Severity   string
	Confidence *float64
}

// CommentExample is a past comment with recorded reader feedback,
// returned by similarity search for prompt grounding.
type CommentExample struct {
	Body     string
	FilePath string
	Severity string
	Signal   string
	Score    float64
}

// SaveReview writes the review row and all of its comments in one
// transaction.
func (s *Store) SaveReview(ctx context.Context, rev Review, comments []ReviewComment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save review: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO reviews (id, repo_id, pr_number, verdict, comment_count) VALUES (?, ?, ?, ?, ?)",
		rev.ID, rev.RepoID, rev.PRNumber, rev.Verdict, rev.CommentCount)
	if err != nil {
		return fmt.Errorf("insert review %s: %w", rev.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO review_comments (id, review_id, repo_id, pr_number, file_path, line, body, severity, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare comment insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range comments {
		var conf sql.NullFloat64
		if c.Confidence != nil {
			conf = sql.NullFloat64{Float64: *c.Confidence, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, c.ID, rev.ID, rev.RepoID, rev.PRNumber,
			c.FilePath, c.Line, c.Body, c.Severity, conf); err != nil {
			return fmt.Errorf("insert comment %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit review %s: %w", rev.ID, err)
	}
	return nil
}

// UpdateCommentEmbedding attaches a body vector to a stored comment so
// later reviews can retrieve it by similarity.
func (s *Store) UpdateCommentEmbedding(ctx context.Context, commentID string, vector []float32) error {
	if len(vector) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE review_comments SET embedding = ? WHERE id = ?",
		encodeVector(vector), commentID)
	if err != nil {
		return fmt.Errorf("update comment embedding %s: %w", commentID, err)
	}
	return nil
}

// UpsertFeedback records or overwrites the reader signal for a comment.
func (s *Store) UpsertFeedback(ctx context.Context, commentID, signal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_feedback (comment_id, signal)
		VALUES (?, ?)
		ON CONFLICT(comment_id) DO UPDATE SET
			signal = excluded.signal,
			updated_at = CURRENT_TIMESTAMP`,
		commentID, signal)
	if err != nil {
		return fmt.Errorf("upsert feedback %s: %w", commentID, err)
	}
	return nil
}

// SearchCommentExamples returns up to limit past comments for the repo
// carrying the given feedback signal, nearest-first by cosine distance
// between the stored body vector and queryVec. Comments without an
// embedding are never returned.
func (s *Store) SearchCommentExamples(ctx context.Context, queryVec []float32, repoID, signal string, limit int) ([]CommentExample, error) {
	if len(queryVec) == 0 || limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vecExt {
		return s.searchExamplesVec(ctx, queryVec, repoID, signal, limit)
	}
	return s.searchExamplesLinear(ctx, queryVec, repoID, signal, limit)
}

func (s *Store) searchExamplesVec(ctx context.Context, queryVec []float32, repoID, signal string, limit int) ([]CommentExample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.body, c.file_path, c.severity, f.signal,
		       vec_distance_cosine(c.embedding, ?) AS distance
		FROM review_comments c
		JOIN comment_feedback f ON f.comment_id = c.id
		WHERE c.repo_id = ? AND f.signal = ?
		  AND c.embedding IS NOT NULL AND length(c.embedding) = ?
		ORDER BY distance ASC
		LIMIT ?`,
		encodeVector(queryVec), repoID, signal, len(queryVec)*4, limit)
	if err != nil {
		return nil, fmt.Errorf("comment example search: %w", err)
	}
	defer rows.Close()

	var out []CommentExample
	for rows.Next() {
		var ex CommentExample
		var distance float64
		if err := rows.Scan(&ex.Body, &ex.FilePath, &ex.Severity, &ex.Signal, &distance); err != nil {
			return nil, fmt.Errorf("scan comment example: %w", err)
		}
		ex.Score = 1 - distance
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s *Store) searchExamplesLinear(ctx context.Context, queryVec []float32, repoID, signal string, limit int) ([]CommentExample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.body, c.file_path, c.severity, f.signal, c.embedding
		FROM review_comments c
		JOIN comment_feedback f ON f.comment_id = c.id
		WHERE c.repo_id = ? AND f.signal = ? AND c.embedding IS NOT NULL`,
		repoID, signal)
	if err != nil {
		return nil, fmt.Errorf("load comment examples: %w", err)
	}
	defer rows.Close()

	var out []CommentExample
	for rows.Next() {
		var ex CommentExample
		var blob []byte
		if err := rows.Scan(&ex.Body, &ex.FilePath, &ex.Severity, &ex.Signal, &blob); err != nil {
			return nil, fmt.Errorf("scan comment example: %w", err)
		}
		score, err := embedding.CosineSimilarity(queryVec, decodeVector(blob))
		if err != nil {
			continue
		}
		ex.Score = score
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
