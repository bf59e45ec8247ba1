// Package gitops is a thin wrapper around the git binary. It exposes only
// the operations the reconciler needs — clone, fetch, reset, gc, ref
// listing, head and hash-object — and funnels every failure through one
// GitError so callers never have to inspect exec.ExitError or parse git's
// stderr themselves.
package gitops

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/utilitywarehouse/git-librarian/internal/utils"
)

// ErrGit is the sentinel every GitError wraps, so callers can test for it
// with errors.Is regardless of the specific command that failed.
var ErrGit = errors.New("git operation failed")

// GitError carries the command that was run alongside the wrapped cause,
// which itself already carries git's stderr (see internal/utils.RunCommand).
type GitError struct {
	Op  string
	Err error
}

func (e *GitError) Error() string { return fmt.Sprintf("git %s: %v", e.Op, e.Err) }
func (e *GitError) Unwrap() error { return errors.Join(ErrGit, e.Err) }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &GitError{Op: op, Err: err}
}

const (
	// FetchSoftTimeout, CloneSoftTimeout and GCSoftTimeout are the
	// GIT_HTTP_LOW_SPEED_TIME thresholds (§4.1): not wall-clock bounds,
	// but "abort the transfer if it's been stalled below
	// GIT_HTTP_LOW_SPEED_LIMIT bytes/s for this many seconds".
	FetchSoftTimeout = 4 * time.Second
	CloneSoftTimeout = 8 * time.Second
	GCSoftTimeout    = 10 * time.Second

	lowSpeedLimit = 2000
)

// Client runs git commands against on-disk repositories. It is safe for
// concurrent use: every method takes its own explicit path and carries no
// mutable state beyond construction-time configuration.
type Client struct {
	gitExec string
	log     *slog.Logger
	envs    []string // env vars applied to every invocation (e.g. GIT_SSH)
}

// New returns a Client. gitExec defaults to "git" resolved from PATH.
func New(gitExec string, log *slog.Logger, envs []string) *Client {
	if gitExec == "" {
		gitExec = exec.Command("git").String()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{gitExec: gitExec, log: log, envs: envs}
}

func (c *Client) run(ctx context.Context, envs []string, cwd string, args ...string) (string, error) {
	return utils.RunCommand(ctx, c.log, append(append([]string{}, c.envs...), envs...), cwd, c.gitExec, args...)
}

func lowSpeedEnv(soft time.Duration) []string {
	return []string{
		fmt.Sprintf("GIT_HTTP_LOW_SPEED_TIME=%d", int(soft.Seconds())),
		fmt.Sprintf("GIT_HTTP_LOW_SPEED_LIMIT=%d", lowSpeedLimit),
	}
}

// CloneOpts configures Clone.
type CloneOpts struct {
	// Bare produces an exact mirror (git clone --mirror).
	Bare bool
	// Shared produces a clone sharing the source's object store
	// (an `alternates` file is left pointing at it) — used for
	// pinned-commit clones per §4.6.4/§9 "Commit-pinned clones".
	Shared bool
	// Branch, if set, produces a single-branch working clone of that
	// branch. Mutually exclusive with Bare.
	Branch string
	// Envs are extra per-call environment variables (credentials).
	Envs []string
}

// Clone creates dst from url (or from an on-disk bare_path passed as url
// for shared commit clones).
func (c *Client) Clone(ctx context.Context, dst, url string, opts CloneOpts) error {
	args := []string{"clone", "--no-hardlinks"}
	switch {
	case opts.Bare:
		args = append(args, "--mirror")
	case opts.Shared:
		args = append(args, "--shared", "--no-checkout")
	case opts.Branch != "":
		args = append(args, "--branch", opts.Branch, "--single-branch")
	}
	args = append(args, url, dst)

	envs := append(lowSpeedEnv(CloneSoftTimeout), opts.Envs...)
	_, err := c.run(ctx, envs, "", args...)
	return wrap("clone", err)
}

// Fetch runs `git fetch origin --no-tags [--prune]` in path.
func (c *Client) Fetch(ctx context.Context, path string, prune bool, envs []string) error {
	args := []string{"fetch", "origin", "--no-tags"}
	if prune {
		args = append(args, "--prune")
	}
	allEnvs := append(lowSpeedEnv(FetchSoftTimeout), envs...)
	_, err := c.run(ctx, allEnvs, path, args...)
	return wrap("fetch", err)
}

// Reset moves HEAD to treeish; when hard is set, the working tree is reset
// too (`git reset --hard`).
func (c *Client) Reset(ctx context.Context, path, treeish string, hard bool) error {
	args := []string{"reset", treeish}
	if hard {
		args = []string{"reset", "--hard", treeish}
	}
	_, err := c.run(ctx, nil, path, args...)
	return wrap("reset", err)
}

// GC runs `git gc --quiet`, optionally --aggressive. bare selects which
// directory holds the git dir: true runs against path itself (a bare
// mirror), false against path/.git (a non-bare clone), matching jens
// git.py:29-36's gc(repository_path, aggressive, bare).
func (c *Client) GC(ctx context.Context, path string, bare, aggressive bool) error {
	gitDir := path
	if !bare {
		gitDir = filepath.Join(path, ".git")
	}
	args := []string{"gc", "--quiet"}
	if aggressive {
		args = append(args, "--aggressive")
	}
	envs := lowSpeedEnv(GCSoftTimeout)
	_, err := c.run(ctx, envs, gitDir, args...)
	return wrap("gc", err)
}

// GetRefs returns local branch heads only (refs/heads/*) — no tags, no
// remote-tracking refs — as a map of branch name to SHA.
func (c *Client) GetRefs(ctx context.Context, path string) (map[string]string, error) {
	out, err := c.run(ctx, nil, path, "for-each-ref", "--format=%(refname:short) %(objectname)", "refs/heads/")
	if err != nil {
		return nil, wrap("get_refs", err)
	}

	refs := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}
		refs[parts[0]] = parts[1]
	}
	return refs, nil
}

// GetHead returns the current HEAD SHA, 7 characters if short is set.
func (c *Client) GetHead(ctx context.Context, path string, short bool) (string, error) {
	args := []string{"rev-parse", "HEAD"}
	if short {
		args = []string{"rev-parse", "--short=7", "HEAD"}
	}
	out, err := c.run(ctx, nil, path, args...)
	if err != nil {
		return "", wrap("get_head", err)
	}
	return out, nil
}

// HashObject returns git's content-addressed blob SHA of the given file.
func (c *Client) HashObject(ctx context.Context, path string) (string, error) {
	dir, file := splitDirFile(path)
	out, err := c.run(ctx, nil, dir, "hash-object", file)
	if err != nil {
		return "", wrap("hash_object", err)
	}
	return out, nil
}

func splitDirFile(path string) (string, string) {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}
