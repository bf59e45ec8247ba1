// Package environment materialises one environment's directory tree:
// module/hostgroup/site/common-hieradata symlinks, an optional
// environment.conf, and its content-hash annotation (§4.7).
package environment

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/utilitywarehouse/git-librarian/envdef"
	"github.com/utilitywarehouse/git-librarian/gitops"
	"github.com/utilitywarehouse/git-librarian/internal/utils"
	"github.com/utilitywarehouse/git-librarian/inventory"
	"github.com/utilitywarehouse/git-librarian/manifest"
	"github.com/utilitywarehouse/git-librarian/refname"
	"github.com/utilitywarehouse/git-librarian/reposdelta"
)

// Config is everything the Manager needs besides an Environment value.
type Config struct {
	EnvironmentsDir      string
	CloneDir             string
	CacheDir             string // CACHE/environments
	EnvMetadataDir       string
	HashPrefix           string
	CommonHieradataItems []string
	DirectoryEnvironments bool
}

// Manager builds/tears down environment trees.
type Manager struct {
	cfg Config
	git *gitops.Client
	log *slog.Logger
}

// New returns a Manager.
func New(cfg Config, git *gitops.Client, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, git: git, log: log}
}

func (m *Manager) envDir(name string) string { return filepath.Join(m.cfg.EnvironmentsDir, name) }

func (m *Manager) annotationPath(name string) string {
	return filepath.Join(m.cfg.CacheDir, name)
}

func (m *Manager) clonePath(p manifest.Partition, element, ref string) string {
	return filepath.Join(m.cfg.CloneDir, string(p), element, refname.Dirname(ref, m.cfg.HashPrefix))
}

func (m *Manager) resolveRef(env *envdef.Environment, p manifest.Partition, element string) (ref string, overridden bool) {
	if ref, ok := env.Override(p, element); ok {
		return ref, true
	}
	if env.HasDefault {
		return env.Default, false
	}
	return "master", false
}

// Create builds environment E's full tree per §4.7 steps 2-9.
func (m *Manager) Create(ctx context.Context, env *envdef.Environment, inv *inventory.Inventory) error {
	dir := m.envDir(env.Name)
	for _, sub := range []string{
		"modules", "hostgroups", "hieradata",
		"hieradata/module_names", "hieradata/hostgroups", "hieradata/fqdns",
	} {
		if err := os.MkdirAll(filepath.Join(dir, sub), utils.DefaultDirMode); err != nil {
			return fmt.Errorf("unable to create environment tree for %q: %w", env.Name, err)
		}
	}

	for _, mod := range m.selectElements(env, manifest.Modules, inv) {
		branch, _ := m.resolveRef(env, manifest.Modules, mod)
		if err := m.linkModule(env.Name, mod, branch); err != nil {
			m.log.Error("unable to link module", "environment", env.Name, "module", mod, "err", err)
		}
	}

	for _, hg := range m.selectElements(env, manifest.Hostgroups, inv) {
		branch, _ := m.resolveRef(env, manifest.Hostgroups, hg)
		if err := m.linkHostgroup(env.Name, hg, branch); err != nil {
			m.log.Error("unable to link hostgroup", "environment", env.Name, "hostgroup", hg, "err", err)
		}
	}

	if err := m.linkSite(env); err != nil {
		m.log.Error("unable to link site", "environment", env.Name, "err", err)
	}

	if err := m.linkCommonHieradata(env); err != nil {
		m.log.Error("unable to link common hieradata", "environment", env.Name, "err", err)
	}

	if m.cfg.DirectoryEnvironments {
		if err := m.writeEnvironmentConf(env); err != nil {
			m.log.Error("unable to write environment.conf", "environment", env.Name, "err", err)
		}
	}

	return m.annotate(ctx, env.Name)
}

// selectElements implements §4.7 step 3: all inventory elements when
// `default` is set, else the intersection of overrides and inventory.
func (m *Manager) selectElements(env *envdef.Environment, p manifest.Partition, inv *inventory.Inventory) []string {
	if env.HasDefault {
		return inv.Repos(p)
	}
	overrides, ok := env.Overrides[p]
	if !ok {
		return nil
	}
	present := make(map[string]bool)
	for _, r := range inv.Repos(p) {
		present[r] = true
	}
	var out []string
	for element := range overrides {
		if present[element] {
			out = append(out, element)
		}
	}
	return out
}

func (m *Manager) linkModule(envName, mod, branch string) error {
	base := m.clonePath(manifest.Modules, mod, branch)
	if err := utils.PublishSymlink(filepath.Join(m.envDir(envName), "modules", mod), filepath.Join(base, "code")); err != nil {
		return err
	}
	return utils.PublishSymlink(filepath.Join(m.envDir(envName), "hieradata", "module_names", mod), filepath.Join(base, "data"))
}

func (m *Manager) linkHostgroup(envName, hg, branch string) error {
	base := m.clonePath(manifest.Hostgroups, hg, branch)
	if err := utils.PublishSymlink(filepath.Join(m.envDir(envName), "hostgroups", "hg_"+hg), filepath.Join(base, "code")); err != nil {
		return err
	}
	if err := utils.PublishSymlink(filepath.Join(m.envDir(envName), "hieradata", "hostgroups", hg), filepath.Join(base, "data", "hostgroup")); err != nil {
		return err
	}
	return utils.PublishSymlink(filepath.Join(m.envDir(envName), "hieradata", "fqdns", hg), filepath.Join(base, "data", "fqdns"))
}

func (m *Manager) linkSite(env *envdef.Environment) error {
	branch, _ := m.resolveRef(env, manifest.Common, "site")
	base := m.clonePath(manifest.Common, "site", branch)
	return utils.PublishSymlink(filepath.Join(m.envDir(env.Name), "site"), filepath.Join(base, "code"))
}

func (m *Manager) linkCommonHieradata(env *envdef.Environment) error {
	branch, _ := m.resolveRef(env, manifest.Common, "hieradata")
	base := m.clonePath(manifest.Common, "hieradata", branch)

	var firstErr error
	for _, item := range m.cfg.CommonHieradataItems {
		target := filepath.Join(base, "data", item)
		if err := utils.PublishSymlink(filepath.Join(m.envDir(env.Name), "hieradata", item), target); err != nil {
			m.log.Error("unable to link common hieradata item", "environment", env.Name, "item", item, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) writeEnvironmentConf(env *envdef.Environment) error {
	content := "modulepath = modules:hostgroups\nmanifest   = site/site.pp\n"
	if env.Parser != "" {
		content += fmt.Sprintf("parser     = %s\n", env.Parser)
	}
	return utils.WriteFileAtomic(filepath.Join(m.envDir(env.Name), "environment.conf"), []byte(content), 0644)
}

// HashFor returns the current content-hash of environment name's YAML
// definition, the same value annotate() persists — used by the
// environment reconciler to decide whether an environment changed
// without needing to know how the hash is computed (§4.7.5).
func (m *Manager) HashFor(ctx context.Context, envName string) (string, error) {
	return m.git.HashObject(ctx, filepath.Join(m.cfg.EnvMetadataDir, envName+".yaml"))
}

func (m *Manager) annotate(ctx context.Context, envName string) error {
	hash, err := m.HashFor(ctx, envName)
	if err != nil {
		m.log.Error("unable to compute environment annotation", "environment", envName, "err", err)
		return nil // annotation write failure is non-fatal (§7)
	}
	if err := utils.WriteFileAtomic(m.annotationPath(envName), []byte(hash), 0644); err != nil {
		m.log.Error("unable to write environment annotation", "environment", envName, "err", err)
	}
	return nil
}

// Purge removes E's directory tree and cache annotation (§4.7.7).
func (m *Manager) Purge(envName string) error {
	if err := os.RemoveAll(m.envDir(envName)); err != nil {
		return fmt.Errorf("unable to purge environment %q: %w", envName, err)
	}
	if err := os.Remove(m.annotationPath(envName)); err != nil {
		if os.IsNotExist(err) {
			m.log.Debug("no annotation to remove", "environment", envName)
		} else {
			m.log.Error("unable to remove environment annotation", "environment", envName, "err", err)
		}
	}
	return nil
}

// Recreate purges and recreates E, used when its YAML has changed.
func (m *Manager) Recreate(ctx context.Context, env *envdef.Environment, inv *inventory.Inventory) error {
	if err := m.Purge(env.Name); err != nil {
		return err
	}
	return m.Create(ctx, env, inv)
}

// RefreshNotChanged applies §4.7.6: an environment whose YAML is
// unchanged still needs its module/hostgroup symlinks kept in sync with
// repos that were added to or removed from the manifest this run.
func (m *Manager) RefreshNotChanged(env *envdef.Environment, delta reposdelta.Set) {
	m.refreshPartition(env, manifest.Modules, delta[manifest.Modules], m.linkModule, m.unlinkModule)
	m.refreshPartition(env, manifest.Hostgroups, delta[manifest.Hostgroups], m.linkHostgroup, m.unlinkHostgroup)
}

func (m *Manager) refreshPartition(env *envdef.Environment, p manifest.Partition, d reposdelta.Delta,
	link func(envName, element, branch string) error, unlink func(envName, element string) error,
) {
	if env.HasDefault {
		for _, element := range d.New {
			branch, _ := m.resolveRef(env, p, element)
			if err := link(env.Name, element, branch); err != nil {
				m.log.Error("unable to link new element", "environment", env.Name, "partition", p, "element", element, "err", err)
			}
		}
	}
	for _, element := range d.Deleted {
		if err := unlink(env.Name, element); err != nil {
			m.log.Error("unable to unlink deleted element", "environment", env.Name, "partition", p, "element", element, "err", err)
		}
	}
}

func (m *Manager) unlinkModule(envName, mod string) error {
	if err := utils.RemoveIfSymlink(filepath.Join(m.envDir(envName), "modules", mod)); err != nil {
		return err
	}
	return utils.RemoveIfSymlink(filepath.Join(m.envDir(envName), "hieradata", "module_names", mod))
}

func (m *Manager) unlinkHostgroup(envName, hg string) error {
	if err := utils.RemoveIfSymlink(filepath.Join(m.envDir(envName), "hostgroups", "hg_"+hg)); err != nil {
		return err
	}
	if err := utils.RemoveIfSymlink(filepath.Join(m.envDir(envName), "hieradata", "hostgroups", hg)); err != nil {
		return err
	}
	return utils.RemoveIfSymlink(filepath.Join(m.envDir(envName), "hieradata", "fqdns", hg))
}
