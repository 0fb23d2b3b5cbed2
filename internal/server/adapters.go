package server

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"reviewd/internal/config"
	"reviewd/internal/store"
	"reviewd/internal/vcs"
)

// AdapterFactory builds a platform adapter for one registered repo.
// Adapters are per-request: Azure adapters carry compareTo state, so
// sharing one across concurrent reviews would cross-contaminate PRs.
type AdapterFactory func(repo *store.Repo) (vcs.Adapter, error)

// NewAdapterFactory wires the configured platform credentials into an
// AdapterFactory.
func NewAdapterFactory(gh config.GitHubConfig, az config.AzureConfig, logger *zap.Logger) AdapterFactory {
	return func(repo *store.Repo) (vcs.Adapter, error) {
		switch repo.Platform {
		case "github":
			owner, name, err := parseGitHubURL(repo.URL)
			if err != nil {
				return nil, err
			}
			return vcs.NewGitHubAdapter(vcs.GitHubConfig{
				Token: gh.Token,
				Owner: owner,
				Repo:  name,
			}, logger), nil
		case "azure":
			name := repo.Name
			if name == "" {
				name = repo.Slug
			}
			return vcs.NewAzureAdapter(vcs.AzureConfig{
				OrgURL:  az.OrgURL,
				Project: az.Project,
				Repo:    name,
				PAT:     az.PAT,
			}, logger), nil
		default:
			return nil, fmt.Errorf("unsupported platform %q for repo %s", repo.Platform, repo.ID)
		}
	}
}

// parseGitHubURL extracts owner and repository name from an https or
// ssh remote URL.
func parseGitHubURL(remote string) (owner, name string, err error) {
	var path string
	if strings.Contains(remote, "://") {
		u, perr := url.Parse(remote)
		if perr != nil {
			return "", "", fmt.Errorf("parse repo url %q: %w", remote, perr)
		}
		path = u.Path
	} else if at := strings.Index(remote, "@"); at >= 0 {
		// git@github.com:owner/repo.git
		colon := strings.Index(remote[at:], ":")
		if colon < 0 {
			return "", "", fmt.Errorf("unrecognized repo url %q", remote)
		}
		path = remote[at+colon+1:]
	} else {
		path = remote
	}

	path = strings.Trim(strings.TrimSuffix(strings.TrimSuffix(path, "/"), ".git"), "/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return "", "", fmt.Errorf("repo url %q has no owner/name", remote)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
