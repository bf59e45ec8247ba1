// Package reconciler is the core of the system: RepoReconciler converges
// bare mirrors and their ref clones against the manifest (§4.6);
// EnvironmentReconciler converges environment trees against declared
// environment YAMLs (§4.7).
package reconciler

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/utilitywarehouse/git-librarian/auth"
	"github.com/utilitywarehouse/git-librarian/desiredinventory"
	"github.com/utilitywarehouse/git-librarian/gitops"
	"github.com/utilitywarehouse/git-librarian/hintqueue"
	"github.com/utilitywarehouse/git-librarian/inventory"
	"github.com/utilitywarehouse/git-librarian/manifest"
	"github.com/utilitywarehouse/git-librarian/refname"
	"github.com/utilitywarehouse/git-librarian/reposdelta"
)

// RepoConfig configures a RepoReconciler.
type RepoConfig struct {
	BareDir           string
	CloneDir          string
	HashPrefix        string
	MandatoryBranches []string
	// Concurrency is the existing-bare refresh worker pool size. Zero
	// selects the default, ceil(1.5 × runtime.NumCPU()) (§4.6.2/§5).
	Concurrency int
}

func (c RepoConfig) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return int(math.Ceil(1.5 * float64(runtime.NumCPU())))
}

// RepoReconciler converges on-disk bares/clones against the manifest.
type RepoReconciler struct {
	cfg    RepoConfig
	git    *gitops.Client
	auth   *auth.Resolver
	hints  *hintqueue.Queue // optional, for hint re-enqueue on fetch failure (§4.6.5)
	log    *slog.Logger
}

// NewRepoReconciler returns a RepoReconciler. hints may be nil if hint
// re-enqueue on failure isn't wanted (e.g. in tests).
func NewRepoReconciler(cfg RepoConfig, git *gitops.Client, resolver *auth.Resolver, hints *hintqueue.Queue, log *slog.Logger) *RepoReconciler {
	if log == nil {
		log = slog.Default()
	}
	return &RepoReconciler{cfg: cfg, git: git, auth: resolver, hints: hints, log: log}
}

func (r *RepoReconciler) barePath(p manifest.Partition, repo string) string {
	return filepath.Join(r.cfg.BareDir, string(p), repo)
}

func (r *RepoReconciler) clonesRoot(p manifest.Partition, repo string) string {
	return filepath.Join(r.cfg.CloneDir, string(p), repo)
}

func (r *RepoReconciler) clonePath(p manifest.Partition, repo, ref string) string {
	return filepath.Join(r.clonesRoot(p, repo), refname.Dirname(ref, r.cfg.HashPrefix))
}

// Reconcile runs one full pass over every partition and returns the
// per-partition new/existing/deleted repo delta for the environment
// reconciler to consume.
func (r *RepoReconciler) Reconcile(ctx context.Context, man *manifest.Manifest, inv *inventory.Inventory,
	desired *desiredinventory.DesiredInventory, hints *hintqueue.HintSet,
) reposdelta.Set {
	result := make(reposdelta.Set)
	for _, p := range manifest.Partitions() {
		result[p] = r.reconcilePartition(ctx, p, man, inv, desired, hints)
	}
	return result
}

func (r *RepoReconciler) reconcilePartition(ctx context.Context, p manifest.Partition, man *manifest.Manifest,
	inv *inventory.Inventory, desired *desiredinventory.DesiredInventory, hints *hintqueue.HintSet,
) reposdelta.Delta {
	manifestRepos := man.URLs(p)
	existingRepos := make(map[string]bool)
	for _, name := range inv.Repos(p) {
		existingRepos[name] = true
	}

	var newRepos, existing, deletedRepos []string
	for name := range manifestRepos {
		if existingRepos[name] {
			existing = append(existing, name)
		} else {
			newRepos = append(newRepos, name)
		}
	}
	for name := range existingRepos {
		if _, ok := manifestRepos[name]; !ok {
			deletedRepos = append(deletedRepos, name)
		}
	}
	sort.Strings(newRepos)
	sort.Strings(existing)
	sort.Strings(deletedRepos)

	delta := reposdelta.Delta{Existing: existing}

	for _, repo := range newRepos {
		if r.createBare(ctx, p, repo, manifestRepos[repo], man, inv, desired) {
			delta.New = append(delta.New, repo)
		}
	}

	r.refreshExisting(ctx, p, existing, man, inv, desired, hints)

	for _, repo := range deletedRepos {
		r.pruneRepo(p, repo, inv)
		delta.Deleted = append(delta.Deleted, repo)
	}

	return delta
}

// createBare implements §4.6.1, serially.
func (r *RepoReconciler) createBare(ctx context.Context, p manifest.Partition, repo, url string,
	man *manifest.Manifest, inv *inventory.Inventory, desired *desiredinventory.DesiredInventory,
) bool {
	bare := r.barePath(p, repo)
	envs := r.auth.EnvFor(ctx, url, man.AuthFor(p, repo))
	start := time.Now()

	if err := r.git.Clone(ctx, bare, url, gitops.CloneOpts{Bare: true, Envs: envs}); err != nil {
		r.log.Error("unable to create bare mirror", "partition", p, "repo", repo, "err", err)
		os.RemoveAll(bare)
		recordMirror(string(p), repo, false, time.Since(start).Seconds())
		return false
	}

	refs, err := r.git.GetRefs(ctx, bare)
	if err != nil {
		r.log.Error("unable to list refs of new bare", "partition", p, "repo", repo, "err", err)
		os.RemoveAll(bare)
		recordMirror(string(p), repo, false, time.Since(start).Seconds())
		return false
	}

	for _, mandatory := range r.cfg.MandatoryBranches {
		if _, ok := refs[mandatory]; !ok {
			r.log.Error("repo rejected: missing mandatory branches", "partition", p, "repo", repo, "missing", mandatory)
			os.RemoveAll(bare)
			recordMirror(string(p), repo, false, time.Since(start).Seconds())
			return false
		}
	}

	recordMirror(string(p), repo, true, time.Since(start).Seconds())

	initial := r.desiredRefSet(p, repo, refs, desired)
	inv.InitRepo(p, repo)
	for ref := range initial {
		r.expandRef(ctx, p, repo, bare, ref, inv)
	}
	return true
}

// desiredRefSet computes MandatoryBranches ∪ { r ∈ desired : commit(r) ||
// r ∈ refs }, used both at bare creation (§4.6.1 step 4) and in ref
// comparison (§4.6.3).
func (r *RepoReconciler) desiredRefSet(p manifest.Partition, repo string, refs map[string]string, desired *desiredinventory.DesiredInventory) map[string]bool {
	set := make(map[string]bool)
	for _, m := range r.cfg.MandatoryBranches {
		set[m] = true
	}
	if desired == nil {
		return set
	}
	for _, ref := range desired.Refs(p, repo) {
		if refname.IsCommit(ref, r.cfg.HashPrefix) {
			set[ref] = true
			continue
		}
		if _, ok := refs[ref]; ok {
			set[ref] = true
		}
	}
	return set
}

// refreshExisting implements §4.6.2's parallel fan-out with HintSet
// narrowing.
func (r *RepoReconciler) refreshExisting(ctx context.Context, p manifest.Partition, existing []string,
	man *manifest.Manifest, inv *inventory.Inventory, desired *desiredinventory.DesiredInventory, hints *hintqueue.HintSet,
) {
	toRefresh, hinted := r.narrowByHints(p, existing, hints)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.concurrency())

	for _, repo := range toRefresh {
		repo := repo
		g.Go(func() error {
			r.refreshBare(gctx, p, repo, man, inv, desired, hinted)
			return nil // per-repo failures are isolated, never abort the group (§7)
		})
	}
	_ = g.Wait()
}

func (r *RepoReconciler) narrowByHints(p manifest.Partition, existing []string, hints *hintqueue.HintSet) ([]string, bool) {
	if hints == nil {
		return existing, false
	}
	if !hints.Has(p) {
		return nil, true
	}
	names := hints.Names(p)
	var narrowed []string
	for _, repo := range existing {
		if names[repo] {
			narrowed = append(narrowed, repo)
		}
	}
	return narrowed, true
}

func (r *RepoReconciler) refreshBare(ctx context.Context, p manifest.Partition, repo string,
	man *manifest.Manifest, inv *inventory.Inventory, desired *desiredinventory.DesiredInventory, hinted bool,
) {
	bare := r.barePath(p, repo)
	start := time.Now()

	fail := func(stage string, err error) {
		r.log.Error("unable to refresh bare", "partition", p, "repo", repo, "stage", stage, "err", err)
		recordMirror(string(p), repo, false, time.Since(start).Seconds())
		if hinted && r.hints != nil {
			if enqErr := r.hints.Enqueue(string(p), repo); enqErr != nil {
				r.log.Error("unable to re-enqueue hint after failed fetch", "partition", p, "repo", repo, "err", enqErr)
			}
		}
	}

	oldRefs, err := r.git.GetRefs(ctx, bare)
	if err != nil {
		fail("get_refs_before", err)
		return
	}

	url := man.URLs(p)[repo]
	envs := r.auth.EnvFor(ctx, url, man.AuthFor(p, repo))
	if err := r.git.Fetch(ctx, bare, true, envs); err != nil {
		fail("fetch", err)
		return
	}

	newRefs, err := r.git.GetRefs(ctx, bare)
	if err != nil {
		fail("get_refs_after", err)
		return
	}

	recordMirror(string(p), repo, true, time.Since(start).Seconds())

	newList, moved, deleted := r.compareRefs(p, repo, oldRefs, newRefs, inv, desired)
	for _, ref := range newList {
		r.expandRef(ctx, p, repo, bare, ref, inv)
	}
	for _, ref := range moved {
		r.refreshClone(ctx, p, repo, ref)
	}
	for _, ref := range deleted {
		r.removeClone(p, repo, ref, inv)
	}
}

// compareRefs implements §4.6.3.
func (r *RepoReconciler) compareRefs(p manifest.Partition, repo string, oldRefs, newRefs map[string]string,
	inv *inventory.Inventory, desired *desiredinventory.DesiredInventory,
) (newList, moved, deleted []string) {
	desiredSet := r.desiredRefSet(p, repo, newRefs, desired)
	current := inv.Refs(p, repo)
	currentSet := make(map[string]bool, len(current))
	for _, ref := range current {
		currentSet[ref] = true
	}

	for ref := range desiredSet {
		if !currentSet[ref] {
			if refname.IsCommit(ref, r.cfg.HashPrefix) || func() bool { _, ok := newRefs[ref]; return ok }() {
				newList = append(newList, ref)
			}
		}
	}

	for _, ref := range current {
		if !desiredSet[ref] {
			deleted = append(deleted, ref)
			continue
		}
		if refname.IsCommit(ref, r.cfg.HashPrefix) {
			continue
		}
		newHead, stillPresent := newRefs[ref]
		if !stillPresent {
			deleted = append(deleted, ref)
			continue
		}
		if newHead != oldRefs[ref] {
			moved = append(moved, ref)
		}
	}

	sort.Strings(newList)
	sort.Strings(moved)
	sort.Strings(deleted)
	return newList, moved, deleted
}

// expandRef implements §4.6.4's "new" case.
func (r *RepoReconciler) expandRef(ctx context.Context, p manifest.Partition, repo, bare, ref string, inv *inventory.Inventory) {
	clone := r.clonePath(p, repo, ref)

	var err error
	if hex, ok := refname.Hex(ref, r.cfg.HashPrefix); ok {
		if err = r.git.Clone(ctx, clone, bare, gitops.CloneOpts{Shared: true}); err == nil {
			err = r.git.Reset(ctx, clone, hex, true)
		}
	} else {
		err = r.git.Clone(ctx, clone, bare, gitops.CloneOpts{Branch: ref})
	}

	if err != nil {
		r.log.Error("unable to expand ref into a clone", "partition", p, "repo", repo, "ref", ref, "err", err)
		os.RemoveAll(clone)
		return
	}
	inv.AppendRef(p, repo, ref)
}

// refreshClone implements §4.6.4's "moved" case.
func (r *RepoReconciler) refreshClone(ctx context.Context, p manifest.Partition, repo, ref string) {
	clone := r.clonePath(p, repo, ref)
	if err := r.git.Fetch(ctx, clone, false, nil); err != nil {
		r.log.Error("unable to fetch moved clone", "partition", p, "repo", repo, "ref", ref, "err", err)
		return
	}
	if err := r.git.Reset(ctx, clone, "origin/"+ref, true); err != nil {
		r.log.Error("unable to reset moved clone", "partition", p, "repo", repo, "ref", ref, "err", err)
	}
}

// removeClone implements §4.6.4's "deleted" case.
func (r *RepoReconciler) removeClone(p manifest.Partition, repo, ref string, inv *inventory.Inventory) {
	if err := os.RemoveAll(r.clonePath(p, repo, ref)); err != nil {
		r.log.Error("unable to remove clone", "partition", p, "repo", repo, "ref", ref, "err", err)
	}
	inv.RemoveRef(p, repo, ref)
}

// pruneRepo implements the "prune deleted bares" step: expand with
// new=[], moved=[], deleted=inventory[repo], then remove both roots.
func (r *RepoReconciler) pruneRepo(p manifest.Partition, repo string, inv *inventory.Inventory) {
	for _, ref := range inv.Refs(p, repo) {
		r.removeClone(p, repo, ref, inv)
	}
	if err := os.RemoveAll(r.clonesRoot(p, repo)); err != nil {
		r.log.Error("unable to remove clones root", "partition", p, "repo", repo, "err", err)
	}
	if err := os.RemoveAll(r.barePath(p, repo)); err != nil {
		r.log.Error("unable to remove bare", "partition", p, "repo", repo, "err", err)
	}
	inv.DeleteRepo(p, repo)
}
