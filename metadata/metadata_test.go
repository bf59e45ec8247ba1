package metadata

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/utilitywarehouse/git-librarian/gitops"
)

func TestMain(m *testing.M) {
	tmp, err := os.MkdirTemp("", "git-librarian-metadata-*")
	if err != nil {
		panic(err)
	}
	os.Setenv("GIT_CONFIG_GLOBAL", filepath.Join(tmp, "gitconfig"))
	os.Setenv("GIT_CONFIG_SYSTEM", "/dev/null")
	run(nil, "", "git", "config", "--global", "user.name", "git-librarian-metadata-test")
	run(nil, "", "git", "config", "--global", "user.email", "test@example.com")
	code := m.Run()
	os.RemoveAll(tmp)
	os.Exit(code)
}

func run(t *testing.T, dir, command string, args ...string) string {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if t != nil {
			t.Fatalf("exec %s %v: %v\n%s", command, args, err, out)
		}
		panic(err)
	}
	return string(out)
}

func initRepo(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	run(t, dir, "git", "init", "-q", "-b", "master")
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	run(t, dir, "git", "add", "f.txt")
	run(t, dir, "git", "commit", "-q", "-m", "init")
}

func TestRefresh_PullsBothMetadataRepos(t *testing.T) {
	root := t.TempDir()

	repoUpstream := filepath.Join(root, "upstream-repo")
	initRepo(t, repoUpstream)
	envUpstream := filepath.Join(root, "upstream-env")
	initRepo(t, envUpstream)

	repoWork := filepath.Join(root, "repo-metadata")
	run(t, "", "git", "clone", "-q", repoUpstream, repoWork)
	envWork := filepath.Join(root, "env-metadata")
	run(t, "", "git", "clone", "-q", envUpstream, envWork)

	if err := os.WriteFile(filepath.Join(repoUpstream, "f.txt"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}
	run(t, repoUpstream, "git", "add", "f.txt")
	run(t, repoUpstream, "git", "commit", "-q", "-m", "update")

	r := New(Config{
		RepoMetadataDir: repoWork,
		EnvMetadataDir:  envWork,
		ManifestPath:    "manifest.yaml",
	}, gitops.New("git", nil, nil))

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(repoWork, "f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "b" {
		t.Errorf("f.txt = %q, want %q", content, "b")
	}
}
