package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repo is one registered repository.
type Repo struct {
	ID            string
	Name          string
	Slug          string
	URL           string
	Platform      string
	DefaultBranch string
	ClonePath     string
	WebhookSecret string
	CreatedAt     time.Time
}

// ErrRepoNotFound is returned by repo lookups that match nothing.
var ErrRepoNotFound = errors.New("repo not found")

// RegisterRepo inserts or updates a repository registration keyed by id.
func (s *Store) RegisterRepo(ctx context.Context, r Repo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repos (id, name, slug, url, platform, default_branch, clone_path, webhook_secret)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			slug = excluded.slug,
			url = excluded.url,
			platform = excluded.platform,
			default_branch = excluded.default_branch,
			clone_path = excluded.clone_path,
			webhook_secret = excluded.webhook_secret`,
		r.ID, r.Name, r.Slug, r.URL, r.Platform, r.DefaultBranch, r.ClonePath, r.WebhookSecret)
	if err != nil {
		return fmt.Errorf("register repo %s: %w", r.ID, err)
	}
	return nil
}

// GetRepo looks a repository up by id.
func (s *Store) GetRepo(ctx context.Context, id string) (*Repo, error) {
	return s.repoBy(ctx, "id = ?", id)
}

// GetRepoByURL looks a repository up by its remote URL.
func (s *Store) GetRepoByURL(ctx context.Context, url string) (*Repo, error) {
	return s.repoBy(ctx, "url = ?", url)
}

// GetRepoBySlug looks a repository up by its URL-safe slug.
func (s *Store) GetRepoBySlug(ctx context.Context, slug string) (*Repo, error) {
	return s.repoBy(ctx, "slug = ?", slug)
}

func (s *Store) repoBy(ctx context.Context, where string, arg any) (*Repo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var r Repo
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, slug, url, platform, default_branch, clone_path, webhook_secret, created_at FROM repos WHERE "+where,
		arg).Scan(&r.ID, &r.Name, &r.Slug, &r.URL, &r.Platform, &r.DefaultBranch, &r.ClonePath, &r.WebhookSecret, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load repo: %w", err)
	}
	return &r, nil
}

// ListRepos returns every registered repository.
func (s *Store) ListRepos(ctx context.Context) ([]Repo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, slug, url, platform, default_branch, clone_path, webhook_secret, created_at FROM repos ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()

	var out []Repo
	for rows.Next() {
		var r Repo
		if err := rows.Scan(&r.ID, &r.Name, &r.Slug, &r.URL, &r.Platform, &r.DefaultBranch, &r.ClonePath, &r.WebhookSecret, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
