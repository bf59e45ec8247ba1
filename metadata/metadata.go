// Package metadata refreshes the two metadata repositories (the
// repository manifest, the environment definitions) the reconciler
// reads every run, coordinating with the webhook producer's shared lock
// on the manifest file (§4.3).
package metadata

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/utilitywarehouse/git-librarian/gitops"
	"github.com/utilitywarehouse/git-librarian/internal/lock"
)

// Config points at the two metadata working trees and the manifest file
// lock the webhook producer also takes (shared) while reading.
type Config struct {
	RepoMetadataDir string
	EnvMetadataDir  string
	ManifestPath    string // inside RepoMetadataDir
}

// Refresher fetches+hard-resets both metadata repositories to
// origin/master every run.
type Refresher struct {
	cfg Config
	git *gitops.Client
}

// New returns a Refresher.
func New(cfg Config, git *gitops.Client) *Refresher {
	return &Refresher{cfg: cfg, git: git}
}

// Refresh implements §4.3 steps 1-2. Any git failure aborts the whole
// refresh with a wrapped error — a torn metadata checkout must never be
// read by the reconciler.
func (r *Refresher) Refresh(ctx context.Context) error {
	if err := r.git.Fetch(ctx, r.cfg.EnvMetadataDir, true, nil); err != nil {
		return fmt.Errorf("unable to fetch environment metadata: %w", err)
	}
	if err := r.git.Reset(ctx, r.cfg.EnvMetadataDir, "origin/master", true); err != nil {
		return fmt.Errorf("unable to reset environment metadata: %w", err)
	}

	if err := r.git.Fetch(ctx, r.cfg.RepoMetadataDir, true, nil); err != nil {
		return fmt.Errorf("unable to fetch repository metadata: %w", err)
	}

	manifestPath := r.cfg.ManifestPath
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(r.cfg.RepoMetadataDir, manifestPath)
	}
	fl := lock.NewFileLock(manifestPath)
	defer fl.Close()
	if err := fl.Lock(true); err != nil {
		return fmt.Errorf("unable to acquire exclusive manifest lock: %w", err)
	}

	err := r.git.Reset(ctx, r.cfg.RepoMetadataDir, "origin/master", true)
	unlockErr := fl.Unlock()
	if err != nil {
		return fmt.Errorf("unable to reset repository metadata: %w", err)
	}
	if unlockErr != nil {
		return fmt.Errorf("unable to release manifest lock: %w", unlockErr)
	}
	return nil
}
