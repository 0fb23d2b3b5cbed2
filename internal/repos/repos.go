// Package repos manages repository registrations: which repositories
// the service reviews, on which platform, and which of their branches
// are indexed.
package repos

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"reviewd/internal/store"
)

var slugRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// NormalizeSlug derives a URL-safe slug from a display name: lowercase,
// runs of non-alphanumerics collapsed to a single dash, no leading or
// trailing dash.
func NormalizeSlug(name string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(name) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingDash = b.Len() > 0
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsValidSlug reports whether s is a well-formed slug.
func IsValidSlug(s string) bool {
	return slugRe.MatchString(s)
}

// Service validates and persists repository registrations and answers
// the lookups the webhook handlers need.
type Service struct {
	store  *store.Store
	logger *zap.Logger
}

func New(st *store.Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Register validates and persists one repository. An empty slug is
// derived from the name, an empty default branch falls back to main.
func (s *Service) Register(ctx context.Context, r store.Repo) error {
	if r.ID == "" {
		return fmt.Errorf("repo id is required")
	}
	if r.URL == "" {
		return fmt.Errorf("repo url is required")
	}
	switch r.Platform {
	case "github", "azure":
	default:
		return fmt.Errorf("unsupported platform %q", r.Platform)
	}
	if r.Slug == "" {
		r.Slug = NormalizeSlug(r.Name)
	}
	if !IsValidSlug(r.Slug) {
		return fmt.Errorf("invalid slug %q", r.Slug)
	}
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}

	if err := s.store.RegisterRepo(ctx, r); err != nil {
		return err
	}
	s.logger.Info("repository registered",
		zap.String("id", r.ID),
		zap.String("slug", r.Slug),
		zap.String("platform", r.Platform))
	return nil
}

func (s *Service) ByID(ctx context.Context, id string) (*store.Repo, error) {
	return s.store.GetRepo(ctx, id)
}

func (s *Service) BySlug(ctx context.Context, slug string) (*store.Repo, error) {
	return s.store.GetRepoBySlug(ctx, slug)
}

func (s *Service) List(ctx context.Context) ([]store.Repo, error) {
	return s.store.ListRepos(ctx)
}

// ByURL resolves a repository from a remote URL. Webhook payloads are
// inconsistent about the .git suffix, so both spellings are tried.
func (s *Service) ByURL(ctx context.Context, url string) (*store.Repo, error) {
	r, err := s.store.GetRepoByURL(ctx, url)
	if err == nil || !errors.Is(err, store.ErrRepoNotFound) {
		return r, err
	}
	alt := strings.TrimSuffix(url, ".git")
	if alt == url {
		alt = url + ".git"
	}
	return s.store.GetRepoByURL(ctx, alt)
}

// Resolve finds a repository by id, then slug, then URL.
func (s *Service) Resolve(ctx context.Context, key string) (*store.Repo, error) {
	r, err := s.store.GetRepo(ctx, key)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, store.ErrRepoNotFound) {
		return nil, err
	}
	r, err = s.store.GetRepoBySlug(ctx, key)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, store.ErrRepoNotFound) {
		return nil, err
	}
	return s.ByURL(ctx, key)
}

// TrackBranch marks the branch as indexed so pushes to it are applied
// incrementally.
func (s *Service) TrackBranch(ctx context.Context, repoID, branch string) error {
	return s.store.AddIndexedBranch(ctx, repoID, branch)
}

// UntrackBranch stops following the branch.
func (s *Service) UntrackBranch(ctx context.Context, repoID, branch string) error {
	return s.store.RemoveIndexedBranch(ctx, repoID, branch)
}

func (s *Service) IsTracked(ctx context.Context, repoID, branch string) (bool, error) {
	return s.store.IsIndexedBranch(ctx, repoID, branch)
}

func (s *Service) TrackedBranches(ctx context.Context) ([]store.BranchPair, error) {
	return s.store.ListIndexedBranches(ctx)
}
