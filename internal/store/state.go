package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// BranchPair names one indexed (repo, branch) combination.
type BranchPair struct {
	RepoID string
	Branch string
}

// LastReviewedIteration returns the highest iteration already reviewed
// for the PR, or 0 when the PR has never been reviewed.
func (s *Store) LastReviewedIteration(ctx context.Context, repoID string, prNumber int, platform string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var iter int
	err := s.db.QueryRowContext(ctx,
		"SELECT last_reviewed_iteration FROM pr_review_state WHERE repo_id = ? AND pr_number = ? AND platform = ?",
		repoID, prNumber, platform).Scan(&iter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read review state %s#%d: %w", repoID, prNumber, err)
	}
	return iter, nil
}

// SaveReviewedIteration records that the PR has been reviewed up to the
// given iteration.
func (s *Store) SaveReviewedIteration(ctx context.Context, repoID string, prNumber int, platform string, iteration int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pr_review_state (repo_id, pr_number, platform, last_reviewed_iteration)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(repo_id, pr_number, platform) DO UPDATE SET
			last_reviewed_iteration = excluded.last_reviewed_iteration,
			updated_at = CURRENT_TIMESTAMP`,
		repoID, prNumber, platform, iteration)
	if err != nil {
		return fmt.Errorf("save review state %s#%d: %w", repoID, prNumber, err)
	}
	return nil
}

// IsIndexedBranch reports whether the branch has been indexed for the
// repo. A database that predates branch tracking has no
// indexed_branches table; every branch is treated as indexed there so
// webhooks keep flowing.
func (s *Store) IsIndexedBranch(ctx context.Context, repoID, branch string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM indexed_branches WHERE repo_id = ? AND branch = ?",
		repoID, branch).Scan(&n)
	if err != nil {
		if isMissingTable(err) {
			return true, nil
		}
		return false, fmt.Errorf("check indexed branch %s@%s: %w", repoID, branch, err)
	}
	return n > 0, nil
}

// AddIndexedBranch marks the branch as indexed. Idempotent.
func (s *Store) AddIndexedBranch(ctx context.Context, repoID, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO indexed_branches (repo_id, branch) VALUES (?, ?) ON CONFLICT(repo_id, branch) DO NOTHING",
		repoID, branch)
	if err != nil {
		return fmt.Errorf("add indexed branch %s@%s: %w", repoID, branch, err)
	}
	return nil
}

// RemoveIndexedBranch drops the branch from the indexed set. Removing
// a branch that was never indexed is not an error.
func (s *Store) RemoveIndexedBranch(ctx context.Context, repoID, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM indexed_branches WHERE repo_id = ? AND branch = ?",
		repoID, branch)
	if err != nil {
		return fmt.Errorf("remove indexed branch %s@%s: %w", repoID, branch, err)
	}
	return nil
}

// ListIndexedBranches returns every indexed (repo, branch) pair. When
// the table predates branch tracking, each registered repo is assumed
// to have its main branch indexed.
func (s *Store) ListIndexedBranches(ctx context.Context) ([]BranchPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT repo_id, branch FROM indexed_branches ORDER BY repo_id, branch")
	if err != nil {
		if isMissingTable(err) {
			return s.mainBranchPairs(ctx)
		}
		return nil, fmt.Errorf("list indexed branches: %w", err)
	}
	defer rows.Close()

	var out []BranchPair
	for rows.Next() {
		var p BranchPair
		if err := rows.Scan(&p.RepoID, &p.Branch); err != nil {
			return nil, fmt.Errorf("scan indexed branch: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) mainBranchPairs(ctx context.Context) ([]BranchPair, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM repos ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list repos for branch fallback: %w", err)
	}
	defer rows.Close()

	var out []BranchPair
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan repo id: %w", err)
		}
		out = append(out, BranchPair{RepoID: id, Branch: "main"})
	}
	return out, rows.Err()
}
