// Package runner ties every component together into one reconciliation
// pass: acquire the run lock, refresh metadata, drain hints, reconcile
// repos then environments, persist the inventory, release the lock (§9).
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/utilitywarehouse/git-librarian/desiredinventory"
	"github.com/utilitywarehouse/git-librarian/hintqueue"
	"github.com/utilitywarehouse/git-librarian/inventory"
	"github.com/utilitywarehouse/git-librarian/manifest"
	"github.com/utilitywarehouse/git-librarian/metadata"
	"github.com/utilitywarehouse/git-librarian/reconciler"
	"github.com/utilitywarehouse/git-librarian/runlock"
)

// Config is everything one reconciliation pass needs to locate its
// on-disk state and the metadata it reads every run.
type Config struct {
	BareDir        string
	CloneDir       string
	CacheDir       string // CACHE/repositories lives here
	ManifestPath   string // REPO_METADATADIR/<manifest file>
	EnvMetadataDir string
	HashPrefix     string
	Mode           string // "POLL" or "ONDEMAND", logging only (§9)
}

// Runner executes one reconciliation pass at a time.
type Runner struct {
	cfg      Config
	lock     runlock.RunLock
	metadata *metadata.Refresher
	hints    *hintqueue.Queue
	repos    *reconciler.RepoReconciler
	envs     *reconciler.EnvironmentReconciler
	log      *slog.Logger
}

// New wires a Runner out of its already-constructed collaborators.
func New(cfg Config, lock runlock.RunLock, md *metadata.Refresher, hints *hintqueue.Queue,
	repos *reconciler.RepoReconciler, envs *reconciler.EnvironmentReconciler, log *slog.Logger,
) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{cfg: cfg, lock: lock, metadata: md, hints: hints, repos: repos, envs: envs, log: log}
}

func (r *Runner) inventoryPath() string {
	return filepath.Join(r.cfg.CacheDir, "repositories")
}

// Run executes exactly one pass. It acquires the run lock first and
// releases it on every return path, including panics recovered by the
// caller's own machinery (Run itself does not recover).
func (r *Runner) Run(ctx context.Context) error {
	start := time.Now()
	r.log.Info("run starting", "mode", r.cfg.Mode)

	if err := r.lock.Acquire(runLockTries, runLockWait); err != nil {
		recordRunLockAcquired(false)
		return fmt.Errorf("unable to acquire run lock: %w", err)
	}
	recordRunLockAcquired(true)
	defer func() {
		if err := r.lock.Release(); err != nil {
			r.log.Error("unable to release run lock", "err", err)
		}
	}()

	if err := r.metadata.Refresh(ctx); err != nil {
		return fmt.Errorf("unable to refresh metadata: %w", err)
	}

	hints, err := r.hints.Drain()
	if err != nil {
		return fmt.Errorf("unable to drain hint queue: %w", err)
	}
	if r.cfg.Mode != "ONDEMAND" {
		hints = nil // narrowing only applies when hint-driven (§9)
	}

	inv, err := inventory.Load(r.inventoryPath())
	if err != nil {
		r.log.Warn("inventory unreadable, regenerating from filesystem state", "err", err)
		inv, err = inventory.Regenerate(r.log, r.cfg.BareDir, r.cfg.CloneDir, r.cfg.HashPrefix)
		if err != nil {
			return fmt.Errorf("unable to regenerate inventory: %w", err)
		}
	}

	desired, err := desiredinventory.Build(r.log, r.cfg.EnvMetadataDir, r.cfg.HashPrefix)
	if err != nil {
		return fmt.Errorf("unable to build desired inventory: %w", err)
	}

	man, err := manifest.Load(r.cfg.ManifestPath)
	if err != nil {
		return fmt.Errorf("unable to load manifest: %w", err)
	}

	repoDelta := r.repos.Reconcile(ctx, man, inv, desired, hints)

	if err := r.envs.Reconcile(ctx, inv, repoDelta); err != nil {
		return fmt.Errorf("unable to reconcile environments: %w", err)
	}

	if err := inv.Persist(r.inventoryPath()); err != nil {
		return fmt.Errorf("unable to persist inventory: %w", err)
	}

	recordHintQueueDepth(r.hints)
	recordRunDuration(time.Since(start).Seconds())
	r.log.Info("run complete", "duration", time.Since(start).String())
	return nil
}

const (
	runLockTries = 3
	runLockWait  = 5 * time.Second
)

var (
	hintQueueDepth   prometheus.Gauge
	runDuration      prometheus.Histogram
	runLockAcquired  *prometheus.CounterVec
)

// EnableMetrics registers the runner's top-level Prometheus metrics:
//   - git_librarian_hint_queue_depth
//   - git_librarian_run_duration_seconds
//   - git_librarian_run_lock_acquired_total (tags: success)
func EnableMetrics(namespace string, registerer prometheus.Registerer) {
	hintQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hint_queue_depth",
		Help:      "Number of hint-queue elements remaining on disk after the last drain",
	})
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall-clock duration of a full reconciliation pass",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	runLockAcquired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "run_lock_acquired_total",
		Help:      "Count of run lock acquisition attempts",
	}, []string{"success"})

	registerer.MustRegister(hintQueueDepth, runDuration, runLockAcquired)
}

func recordHintQueueDepth(q *hintqueue.Queue) {
	if hintQueueDepth == nil {
		return
	}
	n, err := q.Count()
	if err != nil {
		return
	}
	hintQueueDepth.Set(float64(n))
}

func recordRunDuration(seconds float64) {
	if runDuration == nil {
		return
	}
	runDuration.Observe(seconds)
}

func recordRunLockAcquired(success bool) {
	if runLockAcquired == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	runLockAcquired.WithLabelValues(label).Inc()
}
