// Package webhookproducer serves the single HTTP endpoint that lets a
// GitLab push-event webhook narrow the reconciler's next run instead of
// waiting for the full poll interval (§4.9).
package webhookproducer

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"

	"github.com/utilitywarehouse/git-librarian/giturl"
	"github.com/utilitywarehouse/git-librarian/hintqueue"
	"github.com/utilitywarehouse/git-librarian/internal/lock"
	"github.com/utilitywarehouse/git-librarian/manifest"
)

// Config configures the Handler.
type Config struct {
	ManifestPath string
	SecretToken  string   // optional; if set, X-Gitlab-Token must match
	FuzzyPrefixes []string
}

// Handler is the `/gitlab` HTTP endpoint.
type Handler struct {
	cfg   Config
	hints *hintqueue.Queue
	log   *slog.Logger
}

// New returns a Handler.
func New(cfg Config, hints *hintqueue.Queue, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cfg: cfg, hints: hints, log: log}
}

type pushEvent struct {
	Repository struct {
		GitSSHURL string `json:"git_ssh_url"`
	} `json:"repository"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.SecretToken != "" {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Gitlab-Token")), []byte(h.cfg.SecretToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Error("unable to read webhook body", "err", err)
		http.Error(w, "Malformed request", http.StatusBadRequest)
		return
	}

	var event pushEvent
	if err := json.Unmarshal(body, &event); err != nil || event.Repository.GitSSHURL == "" {
		http.Error(w, "Malformed request", http.StatusBadRequest)
		return
	}

	p, name, err := h.match(event.Repository.GitSSHURL)
	if err != nil {
		h.log.Error("unable to read manifest for webhook match", "err", err)
		http.Error(w, "Internal Server Error!", http.StatusInternalServerError)
		return
	}
	if p == "" {
		http.Error(w, "Repository not found", http.StatusNotFound)
		return
	}

	if err := h.hints.Enqueue(string(p), name); err != nil {
		if errors.Is(err, hintqueue.ErrMessaging) {
			h.log.Error("unable to enqueue hint", "partition", p, "repo", name, "err", err)
			http.Error(w, "Queue not accessible", http.StatusInternalServerError)
			return
		}
		h.log.Error("unexpected error enqueuing hint", "partition", p, "repo", name, "err", err)
		http.Error(w, "Internal Server Error!", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// match opens the manifest under a SHARED advisory lock (coordinating
// with the metadata refresher's EXCLUSIVE lock during reset, §4.3/§4.9),
// reads it, releases the lock, then matches hookURL exact-then-fuzzy.
// Exact match always wins over a fuzzy one, and matching is deterministic
// first-match-wins by partition order, then by sorted name — unlike the
// original's fuzzy loop, which keeps overwriting its match variable and
// so effectively returns the LAST fuzzy hit, not the first.
func (h *Handler) match(hookURL string) (manifest.Partition, string, error) {
	fl := lock.NewFileLock(h.cfg.ManifestPath)
	defer fl.Close()
	if err := fl.Lock(false); err != nil {
		return "", "", err
	}

	man, err := manifest.Load(h.cfg.ManifestPath)
	fl.Unlock()
	if err != nil {
		return "", "", err
	}

	var fuzzyPartition manifest.Partition
	var fuzzyName string

	ordered := make(map[manifest.Partition][]string)
	for _, p := range manifest.Partitions() {
		for name := range man.URLs(p) {
			ordered[p] = append(ordered[p], name)
		}
		sort.Strings(ordered[p])
	}

	for _, p := range manifest.Partitions() {
		names := man.URLs(p)
		for _, name := range ordered[p] {
			url := names[name]
			same, _ := giturl.SameRawURL(hookURL, url)
			if same {
				return p, name, nil
			}
		}
	}

	if len(h.cfg.FuzzyPrefixes) == 0 {
		return "", "", nil
	}

	for _, p := range manifest.Partitions() {
		names := man.URLs(p)
		for _, name := range ordered[p] {
			url := names[name]
			if giturl.FuzzyMatch(hookURL, url, h.cfg.FuzzyPrefixes) {
				if fuzzyPartition == "" {
					fuzzyPartition = p
					fuzzyName = name
				}
			}
		}
	}

	return fuzzyPartition, fuzzyName, nil
}
