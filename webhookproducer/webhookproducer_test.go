package webhookproducer

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/utilitywarehouse/git-librarian/hintqueue"
)

func writeManifest(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestHandler(t *testing.T, manifestPath string, cfg Config) (*Handler, *hintqueue.Queue) {
	t.Helper()
	root := t.TempDir()
	cfg.ManifestPath = manifestPath
	q := hintqueue.New(nil, filepath.Join(root, "hints"))
	return New(cfg, q, nil), q
}

func TestServeHTTP_ExactMatchEnqueuesHint(t *testing.T) {
	root := t.TempDir()
	manifestPath := filepath.Join(root, "manifest.yaml")
	writeManifest(t, manifestPath, "repositories:\n  modules:\n    foo: file:///tmp/foo\n")

	h, q := newTestHandler(t, manifestPath, Config{})

	body := `{"repository":{"git_ssh_url":"file:///tmp/foo"}}`
	req := httptest.NewRequest(http.MethodPost, "/gitlab", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	count, err := q.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one enqueued hint, got %d", count)
	}
}

func TestServeHTTP_NoMatchReturns404(t *testing.T) {
	root := t.TempDir()
	manifestPath := filepath.Join(root, "manifest.yaml")
	writeManifest(t, manifestPath, "repositories:\n  modules:\n    foo: file:///tmp/foo\n")

	h, _ := newTestHandler(t, manifestPath, Config{})

	body := `{"repository":{"git_ssh_url":"file:///tmp/bar"}}`
	req := httptest.NewRequest(http.MethodPost, "/gitlab", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestServeHTTP_MalformedBodyReturns400(t *testing.T) {
	root := t.TempDir()
	manifestPath := filepath.Join(root, "manifest.yaml")
	writeManifest(t, manifestPath, "repositories:\n  modules: {}\n")

	h, _ := newTestHandler(t, manifestPath, Config{})

	req := httptest.NewRequest(http.MethodPost, "/gitlab", strings.NewReader(`not json`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestServeHTTP_MissingTokenReturns401(t *testing.T) {
	root := t.TempDir()
	manifestPath := filepath.Join(root, "manifest.yaml")
	writeManifest(t, manifestPath, "repositories:\n  modules:\n    foo: file:///tmp/foo\n")

	h, _ := newTestHandler(t, manifestPath, Config{SecretToken: "s3cr3t"})

	body := `{"repository":{"git_ssh_url":"file:///tmp/foo"}}`
	req := httptest.NewRequest(http.MethodPost, "/gitlab", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestServeHTTP_FuzzyMatchEnqueuesHint(t *testing.T) {
	root := t.TempDir()
	manifestPath := filepath.Join(root, "manifest.yaml")
	writeManifest(t, manifestPath, "repositories:\n  modules:\n    foo: https://git.internal.example.com/infra/puppet-foo\n")

	h, q := newTestHandler(t, manifestPath, Config{FuzzyPrefixes: []string{"git@gitlab.example.com:"}})

	body := `{"repository":{"git_ssh_url":"git@gitlab.example.com:infra/puppet-foo.git"}}`
	req := httptest.NewRequest(http.MethodPost, "/gitlab", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	count, err := q.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one enqueued hint, got %d", count)
	}
}
