// Package buildinfo resolves a human-readable identifier for the running
// build. Resolution is best-effort: it never fails the process and degrades
// to "unknown" when no version-control metadata is reachable.
package buildinfo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
)

// Unknown is the fallback identifier when every probe fails.
const Unknown = "unknown"

// Options control the resolver. The zero value probes the current working
// directory with a 5 second timeout.
type Options struct {
	// Dir is the directory to probe for git metadata.
	Dir string
	// ProbeTimeout bounds the trust-registration command and the git probe.
	ProbeTimeout time.Duration
	// DeployDescriptor is excluded from the working-tree modified check;
	// hosting platforms rewrite it on deploy.
	DeployDescriptor string
	// Getenv overrides environment lookup, for tests. Nil means os.Getenv.
	Getenv func(string) string
}

var trustOnce sync.Once

// Resolve returns the build identifier. It first checks the hosting
// platform's commit signal and only probes local git metadata when the
// signal is absent. The result format is
// "<sha7>[ (modified)] (<branch>@<owner>/<repo>)".
func Resolve(ctx context.Context, logger *slog.Logger, opts Options) string {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}

	if id, ok := fromEnvSignal(getenv); ok {
		return id
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ProbeTimeout)
	defer cancel()

	// Hugging Face Spaces run the checkout under a different owner than the
	// process user, which git refuses to read until the directory is trusted.
	if getenv("SPACE_ID") != "" {
		trustOnce.Do(func() {
			cmd := exec.CommandContext(ctx, "git", "config", "--global", "--add", "safe.directory", opts.Dir)
			if err := cmd.Run(); err != nil {
				logger.Debug("git trust registration failed", slog.String("error", err.Error()))
			}
		})
	}

	result := make(chan string, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Debug("build info probe panicked", slog.Any("panic", r))
				result <- Unknown
			}
		}()
		id, err := probe(opts.Dir, opts.DeployDescriptor)
		if err != nil {
			logger.Debug("build info probe failed", slog.String("error", err.Error()))
			result <- Unknown
			return
		}
		result <- id
	}()

	select {
	case id := <-result:
		return id
	case <-ctx.Done():
		logger.Warn("build info probe timed out", slog.Duration("timeout", opts.ProbeTimeout))
		return Unknown
	}
}

// fromEnvSignal synthesizes the identifier from the hosting platform's
// commit/branch/repo environment signal, when present.
func fromEnvSignal(getenv func(string) string) (string, bool) {
	commit := getenv("RENDER_GIT_COMMIT")
	if commit == "" {
		return "", false
	}
	sha := commit
	if len(sha) > 7 {
		sha = sha[:7]
	}
	branch := getenv("RENDER_GIT_BRANCH")
	slug := getenv("RENDER_GIT_REPO_SLUG")
	if branch != "" && slug != "" {
		return fmt.Sprintf("%s (%s@%s)", sha, branch, slug), true
	}
	return sha, true
}

func probe(dir, deployDescriptor string) (string, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	sha := head.Hash().String()[:7]
	branch := head.Name().Short()

	remote, err := repo.Remote("origin")
	if err != nil {
		return "", fmt.Errorf("resolve origin remote: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("origin remote has no URL")
	}
	ownerRepo, err := parseOwnerRepo(urls[0])
	if err != nil {
		return "", err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("worktree status: %w", err)
	}

	modified := ""
	for path, fs := range status {
		if path == deployDescriptor {
			continue
		}
		if fs.Worktree != gogit.Unmodified || fs.Staging != gogit.Unmodified {
			modified = " (modified)"
			break
		}
	}

	return fmt.Sprintf("%s%s (%s@%s)", sha, modified, branch, ownerRepo), nil
}

// parseOwnerRepo extracts "owner/repo" from a remote URL in either scp-like
// (git@host:owner/repo.git) or URL (https://host/owner/repo.git) form.
func parseOwnerRepo(remote string) (string, error) {
	s := strings.TrimSuffix(remote, ".git")
	s = strings.TrimSuffix(s, "/")
	if !strings.Contains(s, "://") {
		if i := strings.LastIndex(s, ":"); i >= 0 {
			s = s[i+1:]
		}
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("cannot parse owner/repo from remote %q", remote)
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1], nil
}
