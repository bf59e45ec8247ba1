package environment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/utilitywarehouse/git-librarian/envdef"
	"github.com/utilitywarehouse/git-librarian/gitops"
	"github.com/utilitywarehouse/git-librarian/inventory"
	"github.com/utilitywarehouse/git-librarian/manifest"
	"github.com/utilitywarehouse/git-librarian/reposdelta"
)

func TestMain(m *testing.M) {
	tmp, err := os.MkdirTemp("", "git-librarian-environment-*")
	if err != nil {
		panic(err)
	}
	os.Setenv("GIT_CONFIG_GLOBAL", filepath.Join(tmp, "gitconfig"))
	os.Setenv("GIT_CONFIG_SYSTEM", "/dev/null")
	code := m.Run()
	os.RemoveAll(tmp)
	os.Exit(code)
}

func newTestManager(t *testing.T, root string) (*Manager, string) {
	t.Helper()
	envMetaDir := filepath.Join(root, "envmeta")
	if err := os.MkdirAll(envMetaDir, 0755); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		EnvironmentsDir:       filepath.Join(root, "ENVIRONMENTS"),
		CloneDir:              filepath.Join(root, "CLONE"),
		CacheDir:               filepath.Join(root, "CACHE", "environments"),
		EnvMetadataDir:        envMetaDir,
		HashPrefix:            "commit/",
		CommonHieradataItems:  []string{"common.yaml"},
		DirectoryEnvironments: true,
	}
	git := gitops.New("git", nil, nil)
	return New(cfg, git, nil), envMetaDir
}

func writeEnvYAML(t *testing.T, envMetaDir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(envMetaDir, name+".yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestCreate_DefaultOnlyEnvironment(t *testing.T) {
	root := t.TempDir()
	mgr, envMetaDir := newTestManager(t, root)

	writeEnvYAML(t, envMetaDir, "production", "notifications: a@b\ndefault: master\n")
	env, err := envdef.Parse("production", readFile(t, filepath.Join(envMetaDir, "production.yaml")))
	if err != nil {
		t.Fatalf("envdef.Parse: %v", err)
	}

	inv := inventory.New()
	inv.InitRepo(manifest.Modules, "foo")
	inv.AppendRef(manifest.Modules, "foo", "master")

	if err := mgr.Create(context.Background(), env, inv); err != nil {
		t.Fatalf("Create: %v", err)
	}

	link := filepath.Join(root, "ENVIRONMENTS", "production", "modules", "foo")
	rawTarget, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	resolved := filepath.Join(filepath.Dir(link), rawTarget)
	want := filepath.Join(root, "CLONE", "modules", "foo", "master", "code")
	if resolved != want {
		t.Errorf("modules/foo -> %q, want %q", resolved, want)
	}

	annotation := filepath.Join(root, "CACHE", "environments", "production")
	if _, err := os.Stat(annotation); err != nil {
		t.Errorf("expected annotation to be written: %v", err)
	}

	conf := filepath.Join(root, "ENVIRONMENTS", "production", "environment.conf")
	if _, err := os.Stat(conf); err != nil {
		t.Errorf("expected environment.conf to be written: %v", err)
	}
}

func TestCreate_OverrideOnlyEnvironment_LinksOnlyOverridden(t *testing.T) {
	root := t.TempDir()
	mgr, envMetaDir := newTestManager(t, root)

	writeEnvYAML(t, envMetaDir, "test", "notifications: a@b\noverrides:\n  modules:\n    foo: bar\n")
	env, err := envdef.Parse("test", readFile(t, filepath.Join(envMetaDir, "test.yaml")))
	if err != nil {
		t.Fatalf("envdef.Parse: %v", err)
	}

	inv := inventory.New()
	inv.InitRepo(manifest.Modules, "foo")
	inv.AppendRef(manifest.Modules, "foo", "bar")
	inv.InitRepo(manifest.Modules, "baz")
	inv.AppendRef(manifest.Modules, "baz", "master")

	if err := mgr.Create(context.Background(), env, inv); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := os.Lstat(filepath.Join(root, "ENVIRONMENTS", "test", "modules", "foo")); err != nil {
		t.Errorf("expected modules/foo to be linked: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(root, "ENVIRONMENTS", "test", "modules", "baz")); !os.IsNotExist(err) {
		t.Errorf("expected modules/baz to NOT be linked (no default, not overridden)")
	}
}

func TestPurge_RemovesTreeAndAnnotation(t *testing.T) {
	root := t.TempDir()
	mgr, envMetaDir := newTestManager(t, root)
	writeEnvYAML(t, envMetaDir, "gone", "notifications: a@b\ndefault: master\n")
	env, _ := envdef.Parse("gone", readFile(t, filepath.Join(envMetaDir, "gone.yaml")))

	if err := mgr.Create(context.Background(), env, inventory.New()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mgr.Purge("gone"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "ENVIRONMENTS", "gone")); !os.IsNotExist(err) {
		t.Error("expected environment dir to be removed")
	}
	if _, err := os.Stat(filepath.Join(root, "CACHE", "environments", "gone")); !os.IsNotExist(err) {
		t.Error("expected annotation to be removed")
	}
}

func TestPurge_MissingAnnotationIsNotAnError(t *testing.T) {
	root := t.TempDir()
	mgr, _ := newTestManager(t, root)
	if err := os.MkdirAll(filepath.Join(root, "ENVIRONMENTS", "x"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Purge("x"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
}

func TestRefreshNotChanged_LinksNewAndUnlinksDeleted(t *testing.T) {
	root := t.TempDir()
	mgr, envMetaDir := newTestManager(t, root)

	writeEnvYAML(t, envMetaDir, "production", "notifications: a@b\ndefault: master\n")
	env, _ := envdef.Parse("production", readFile(t, filepath.Join(envMetaDir, "production.yaml")))

	inv := inventory.New()
	inv.InitRepo(manifest.Modules, "existing")
	inv.AppendRef(manifest.Modules, "existing", "master")
	if err := mgr.Create(context.Background(), env, inv); err != nil {
		t.Fatalf("Create: %v", err)
	}

	delta := reposdelta.Set{
		manifest.Modules: {New: []string{"fresh"}, Deleted: []string{"existing"}},
	}
	mgr.RefreshNotChanged(env, delta)

	if _, err := os.Lstat(filepath.Join(root, "ENVIRONMENTS", "production", "modules", "fresh")); err != nil {
		t.Errorf("expected new module to be linked: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(root, "ENVIRONMENTS", "production", "modules", "existing")); !os.IsNotExist(err) {
		t.Errorf("expected deleted module symlink to be removed")
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
