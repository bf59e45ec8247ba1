package desiredinventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/utilitywarehouse/git-librarian/manifest"
)

func writeEnv(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestBuild_AccumulatesAndDedups(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, "production", `
notifications: a@b
default: master
overrides:
  modules:
    foo: release
`)
	writeEnv(t, dir, "staging", `
notifications: a@b
default: master
overrides:
  modules:
    foo: release
    bar: commit/DEADBEEF
`)

	d, err := Build(nil, dir, "commit/")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	refs := d.Refs(manifest.Modules, "foo")
	if len(refs) != 1 || refs[0] != "release" {
		t.Errorf("Refs(modules, foo) = %v", refs)
	}

	barRefs := d.Refs(manifest.Modules, "bar")
	if len(barRefs) != 1 || barRefs[0] != "commit/deadbeef" {
		t.Errorf("Refs(modules, bar) = %v, want lowercased hex", barRefs)
	}
}

func TestBuild_SkipsInvalidEnvironments(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, "broken", `default: master`) // missing notifications
	writeEnv(t, dir, "good", `
notifications: a@b
overrides:
  modules:
    foo: bar
`)

	d, err := Build(nil, dir, "commit/")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if refs := d.Refs(manifest.Modules, "foo"); len(refs) != 1 {
		t.Errorf("Refs(modules, foo) = %v, want [bar] from the valid environment only", refs)
	}
}

func TestBuild_EmptyDir(t *testing.T) {
	d, err := Build(nil, t.TempDir(), "commit/")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, p := range manifest.Partitions() {
		if refs := d.Refs(p, "anything"); refs != nil {
			t.Errorf("Refs(%s, anything) = %v, want nil", p, refs)
		}
	}
}
