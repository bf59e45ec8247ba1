package reconciler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/utilitywarehouse/git-librarian/auth"
	"github.com/utilitywarehouse/git-librarian/desiredinventory"
	"github.com/utilitywarehouse/git-librarian/gitops"
	"github.com/utilitywarehouse/git-librarian/inventory"
	"github.com/utilitywarehouse/git-librarian/manifest"
)

const testGitUser = "git-librarian-reconciler-test"

func TestMain(m *testing.M) {
	tmp, err := os.MkdirTemp("", "git-librarian-reconciler-*")
	if err != nil {
		panic(err)
	}
	os.Setenv("GIT_CONFIG_GLOBAL", filepath.Join(tmp, "gitconfig"))
	os.Setenv("GIT_CONFIG_SYSTEM", "/dev/null")
	mustExec(nil, "", "git", "config", "--global", "user.name", testGitUser)
	mustExec(nil, "", "git", "config", "--global", "user.email", testGitUser+"@example.com")
	code := m.Run()
	os.RemoveAll(tmp)
	os.Exit(code)
}

func mustExec(t *testing.T, cwd, command string, args ...string) string {
	out, err := runForTest(cwd, command, args...)
	if err != nil {
		if t != nil {
			t.Fatalf("exec %s %v: %v", command, args, err)
		}
		panic(err)
	}
	return out
}

func runForTest(cwd, command string, args ...string) (string, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = cwd
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func mustInitUpstream(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	mustExec(t, dir, "git", "init", "-q", "-b", "master")
	mustCommit(t, dir, "README.md", "hello")
}

func mustCommit(t *testing.T, dir, file, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	mustExec(t, dir, "git", "add", file)
	mustExec(t, dir, "git", "commit", "-q", "-m", "commit "+file)
}

func newTestReconciler(root string) (*RepoReconciler, manifest.Partition) {
	cfg := RepoConfig{
		BareDir:           filepath.Join(root, "BARE"),
		CloneDir:          filepath.Join(root, "CLONE"),
		HashPrefix:        "commit/",
		MandatoryBranches: []string{"master"},
		Concurrency:       2,
	}
	git := gitops.New("git", nil, nil)
	resolver := auth.NewResolver(nil, root)
	return NewRepoReconciler(cfg, git, resolver, nil, nil), manifest.Modules
}

func TestReconcile_CreatesNewBareAndExpandsMandatoryBranch(t *testing.T) {
	root := t.TempDir()
	upstream := filepath.Join(root, "upstream", "foo")
	mustInitUpstream(t, upstream)

	r, p := newTestReconciler(root)
	man := &manifest.Manifest{Repositories: map[manifest.Partition]map[string]manifest.Repo{
		manifest.Modules:    {"foo": {Name: "foo", URL: upstream}},
		manifest.Hostgroups: {},
		manifest.Common:     {},
	}}

	inv := inventory.New()
	delta := r.Reconcile(context.Background(), man, inv, nil, nil)

	if len(delta[p].New) != 1 || delta[p].New[0] != "foo" {
		t.Fatalf("expected foo to be a new repo, got %+v", delta[p])
	}
	if !inv.HasRepo(p, "foo") {
		t.Fatal("expected inventory to contain foo")
	}
	refs := inv.Refs(p, "foo")
	if len(refs) != 1 || refs[0] != "master" {
		t.Fatalf("expected master ref in inventory, got %v", refs)
	}

	clone := filepath.Join(root, "CLONE", "modules", "foo", "master")
	if _, err := os.Stat(filepath.Join(clone, "README.md")); err != nil {
		t.Fatalf("expected expanded clone working tree: %v", err)
	}
}

func TestReconcile_RejectsBareMissingMandatoryBranch(t *testing.T) {
	root := t.TempDir()
	upstream := filepath.Join(root, "upstream", "bar")
	if err := os.MkdirAll(upstream, 0755); err != nil {
		t.Fatal(err)
	}
	mustExec(t, upstream, "git", "init", "-q", "-b", "develop")
	mustCommit(t, upstream, "README.md", "hello")

	r, p := newTestReconciler(root)
	man := &manifest.Manifest{Repositories: map[manifest.Partition]map[string]manifest.Repo{
		manifest.Modules:    {"bar": {Name: "bar", URL: upstream}},
		manifest.Hostgroups: {},
		manifest.Common:     {},
	}}

	inv := inventory.New()
	delta := r.Reconcile(context.Background(), man, inv, nil, nil)

	if len(delta[p].New) != 0 {
		t.Fatalf("expected bar to be rejected, got %+v", delta[p])
	}
	if inv.HasRepo(p, "bar") {
		t.Fatal("rejected repo must not remain in inventory")
	}
	if _, err := os.Stat(filepath.Join(root, "BARE", "modules", "bar")); !os.IsNotExist(err) {
		t.Fatal("rejected bare must be cleaned up")
	}
}

func TestReconcile_PrunesDeletedRepo(t *testing.T) {
	root := t.TempDir()
	upstream := filepath.Join(root, "upstream", "foo")
	mustInitUpstream(t, upstream)

	r, p := newTestReconciler(root)
	man := &manifest.Manifest{Repositories: map[manifest.Partition]map[string]manifest.Repo{
		manifest.Modules:    {"foo": {Name: "foo", URL: upstream}},
		manifest.Hostgroups: {},
		manifest.Common:     {},
	}}
	inv := inventory.New()
	r.Reconcile(context.Background(), man, inv, nil, nil)

	emptyManifest := &manifest.Manifest{Repositories: map[manifest.Partition]map[string]manifest.Repo{
		manifest.Modules:    {},
		manifest.Hostgroups: {},
		manifest.Common:     {},
	}}
	delta := r.Reconcile(context.Background(), emptyManifest, inv, nil, nil)

	if len(delta[p].Deleted) != 1 || delta[p].Deleted[0] != "foo" {
		t.Fatalf("expected foo to be deleted, got %+v", delta[p])
	}
	if inv.HasRepo(p, "foo") {
		t.Fatal("expected foo removed from inventory")
	}
	if _, err := os.Stat(filepath.Join(root, "BARE", "modules", "foo")); !os.IsNotExist(err) {
		t.Fatal("expected bare removed from disk")
	}
}

func TestReconcile_RefreshesExistingAndPicksUpNewBranch(t *testing.T) {
	root := t.TempDir()
	upstream := filepath.Join(root, "upstream", "foo")
	mustInitUpstream(t, upstream)

	r, p := newTestReconciler(root)
	man := &manifest.Manifest{Repositories: map[manifest.Partition]map[string]manifest.Repo{
		manifest.Modules:    {"foo": {Name: "foo", URL: upstream}},
		manifest.Hostgroups: {},
		manifest.Common:     {},
	}}
	inv := inventory.New()
	r.Reconcile(context.Background(), man, inv, nil, nil)

	mustExec(t, upstream, "git", "checkout", "-q", "-b", "feature")
	mustCommit(t, upstream, "feature.txt", "work")
	mustExec(t, upstream, "git", "checkout", "-q", "master")

	envMetaDir := filepath.Join(root, "envmeta")
	if err := os.MkdirAll(envMetaDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(envMetaDir, "staging.yaml"),
		[]byte("notifications: a@b\noverrides:\n  modules:\n    foo: feature\n"), 0644); err != nil {
		t.Fatal(err)
	}
	desired, err := desiredinventory.Build(nil, envMetaDir, "commit/")
	if err != nil {
		t.Fatalf("desiredinventory.Build: %v", err)
	}

	delta := r.Reconcile(context.Background(), man, inv, desired, nil)

	_ = delta
	refs := inv.Refs(p, "foo")
	found := false
	for _, ref := range refs {
		if ref == "feature" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected feature ref to be picked up, refs=%v", refs)
	}
	if _, err := os.Stat(filepath.Join(root, "CLONE", "modules", "foo", "feature", "feature.txt")); err != nil {
		t.Fatalf("expected feature clone expanded: %v", err)
	}
}
