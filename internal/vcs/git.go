package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	cloneTimeout = 300 * time.Second
	fetchTimeout = 120 * time.Second
)

// CloneOrFetch makes path an up-to-date checkout of branch. A missing
// checkout is cloned single-branch; an existing one is fetched and
// hard-reset to the remote tip, so local state never drifts.
func CloneOrFetch(ctx context.Context, repoURL, path, branch string, logger *zap.Logger) error {
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		logger.Debug("fetching", zap.String("path", path), zap.String("branch", branch))
		if _, err := runGit(fetchCtx, path, "fetch", "origin", branch); err != nil {
			return err
		}
		if _, err := runGit(fetchCtx, path, "checkout", branch); err != nil {
			return err
		}
		_, err = runGit(fetchCtx, path, "reset", "--hard", "origin/"+branch)
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create clone parent: %w", err)
	}

	cloneCtx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()

	logger.Info("cloning", zap.String("url", repoURL), zap.String("branch", branch))
	_, err := runGit(cloneCtx, "", "clone", "--branch", branch, "--single-branch", repoURL, path)
	return err
}

// ChangedFilesFromGit lists the files changed between two commits in
// an existing checkout.
func ChangedFilesFromGit(ctx context.Context, repoPath, beforeSHA, afterSHA string) ([]string, error) {
	out, err := runGit(ctx, repoPath, "diff", "--name-only", beforeSHA, afterSHA)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// HeadSHA returns the commit id the checkout currently points at, or
// "" when path is not a git checkout yet.
func HeadSHA(ctx context.Context, repoPath string) (string, error) {
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err != nil {
		return "", nil
	}
	out, err := runGit(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsZeroSHA reports whether sha is git's null object id, which push
// payloads carry for branch creation and deletion.
func IsZeroSHA(sha string) bool {
	if sha == "" {
		return true
	}
	return strings.Trim(sha, "0") == ""
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
