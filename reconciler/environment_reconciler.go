package reconciler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/utilitywarehouse/git-librarian/envdef"
	"github.com/utilitywarehouse/git-librarian/environment"
	"github.com/utilitywarehouse/git-librarian/inventory"
	"github.com/utilitywarehouse/git-librarian/reposdelta"
)

// EnvConfig configures an EnvironmentReconciler.
type EnvConfig struct {
	EnvMetadataDir       string
	CacheDir             string // CACHE/environments, annotation store
	ProtectedEnvironments []string
}

// EnvironmentReconciler converges materialised environment trees against
// the declared environment definitions (§4.7).
type EnvironmentReconciler struct {
	cfg EnvConfig
	env *environment.Manager
	log *slog.Logger
}

// NewEnvironmentReconciler returns an EnvironmentReconciler.
func NewEnvironmentReconciler(cfg EnvConfig, mgr *environment.Manager, log *slog.Logger) *EnvironmentReconciler {
	if log == nil {
		log = slog.Default()
	}
	return &EnvironmentReconciler{cfg: cfg, env: mgr, log: log}
}

func (r *EnvironmentReconciler) protected(name string) bool {
	for _, p := range r.cfg.ProtectedEnvironments {
		if p == name {
			return true
		}
	}
	return false
}

// Reconcile implements §4.7's full pass: compute the delta between
// declared environment definitions and materialised trees, then create
// new, purge deleted (skipping protected names), recreate changed, and
// refresh not-changed environments against the repo delta the
// RepoReconciler produced this run.
func (r *EnvironmentReconciler) Reconcile(ctx context.Context, inv *inventory.Inventory, repoDelta reposdelta.Set) error {
	declared, err := r.declaredEnvironments()
	if err != nil {
		return err
	}
	current, err := r.currentEnvironments()
	if err != nil {
		return err
	}

	var created, deleted, changed, notChanged []string
	for name := range declared {
		if current[name] {
			if r.changed(name) {
				changed = append(changed, name)
			} else {
				notChanged = append(notChanged, name)
			}
		} else {
			created = append(created, name)
		}
	}
	for name := range current {
		if _, ok := declared[name]; !ok {
			deleted = append(deleted, name)
		}
	}
	sort.Strings(created)
	sort.Strings(deleted)
	sort.Strings(changed)
	sort.Strings(notChanged)

	for _, name := range created {
		r.create(ctx, name, declared[name], inv)
	}

	for _, name := range deleted {
		if r.protected(name) {
			r.log.Warn("refusing to purge protected environment", "environment", name)
			continue
		}
		if err := r.env.Purge(name); err != nil {
			r.log.Error("unable to purge deleted environment", "environment", name, "err", err)
		}
	}

	for _, name := range changed {
		if err := r.env.Recreate(ctx, declared[name], inv); err != nil {
			r.log.Error("unable to recreate changed environment", "environment", name, "err", err)
		}
	}

	for _, name := range notChanged {
		r.env.RefreshNotChanged(declared[name], repoDelta)
	}

	recordEnvironments("created", len(created))
	recordEnvironments("deleted", len(deleted))
	recordEnvironments("changed", len(changed))
	recordEnvironments("notchanged", len(notChanged))

	return nil
}

func (r *EnvironmentReconciler) create(ctx context.Context, name string, env *envdef.Environment, inv *inventory.Inventory) {
	if err := r.env.Create(ctx, env, inv); err != nil {
		r.log.Error("unable to create new environment", "environment", name, "err", err)
	}
}

// declaredEnvironments parses every "<name>.yaml" under EnvMetadataDir,
// skipping (and logging) invalid ones (§4.7.1).
func (r *EnvironmentReconciler) declaredEnvironments() (map[string]*envdef.Environment, error) {
	entries, err := os.ReadDir(r.cfg.EnvMetadataDir)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*envdef.Environment)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".yaml")
		data, err := os.ReadFile(filepath.Join(r.cfg.EnvMetadataDir, e.Name()))
		if err != nil {
			r.log.Error("unable to read environment definition", "environment", name, "err", err)
			continue
		}
		env, err := envdef.Parse(name, data)
		if err != nil {
			r.log.Error("invalid environment definition, skipping", "environment", name, "err", err)
			continue
		}
		out[name] = env
	}
	return out, nil
}

// currentEnvironments lists every name already recorded as an annotation
// in CacheDir — one file per materialised environment (§4.7.2).
func (r *EnvironmentReconciler) currentEnvironments() (map[string]bool, error) {
	out := make(map[string]bool)
	entries, err := os.ReadDir(r.cfg.CacheDir)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			out[e.Name()] = true
		}
	}
	return out, nil
}

// changed reports whether env's current YAML content hash differs from
// its stored annotation (§4.7.5). Any error reading either side is
// treated as "changed" so the environment gets rebuilt rather than
// silently drifting.
func (r *EnvironmentReconciler) changed(name string) bool {
	stored, err := os.ReadFile(filepath.Join(r.cfg.CacheDir, name))
	if err != nil {
		return true
	}
	current, err := r.env.HashFor(context.Background(), name)
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(stored)) != strings.TrimSpace(current)
}
