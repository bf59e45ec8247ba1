package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mirrorCount         *prometheus.CounterVec
	mirrorLatency       *prometheus.HistogramVec
	lastMirrorTimestamp *prometheus.GaugeVec
	environmentsTotal   *prometheus.GaugeVec
)

// EnableMetrics registers the reconciler's Prometheus metrics:
//   - git_librarian_repo_mirror_count (tags: partition, repo, success)
//   - git_librarian_repo_mirror_latency_seconds (tags: partition, repo)
//   - git_librarian_repo_last_mirror_timestamp (tags: partition, repo)
//   - git_librarian_environments_total (tags: state)
func EnableMetrics(namespace string, registerer prometheus.Registerer) {
	mirrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "repo_mirror_count",
		Help:      "Count of repo mirror (bare fetch/clone) operations",
	}, []string{"partition", "repo", "success"})

	mirrorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "repo_mirror_latency_seconds",
		Help:      "Latency of repo mirror (bare fetch/clone) operations",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 20, 30, 60, 90, 120},
	}, []string{"partition", "repo"})

	lastMirrorTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "repo_last_mirror_timestamp",
		Help:      "Timestamp of the last successful repo mirror",
	}, []string{"partition", "repo"})

	environmentsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "environments_total",
		Help:      "Number of materialised environments by last-run outcome",
	}, []string{"state"})

	registerer.MustRegister(mirrorCount, mirrorLatency, lastMirrorTimestamp, environmentsTotal)
}

func recordMirror(partition, repo string, success bool, seconds float64) {
	if mirrorCount == nil {
		return
	}
	successLabel := "false"
	if success {
		successLabel = "true"
	}
	mirrorCount.WithLabelValues(partition, repo, successLabel).Inc()
	mirrorLatency.WithLabelValues(partition, repo).Observe(seconds)
	if success {
		lastMirrorTimestamp.WithLabelValues(partition, repo).SetToCurrentTime()
	}
}

func recordEnvironments(state string, n int) {
	if environmentsTotal == nil {
		return
	}
	environmentsTotal.WithLabelValues(state).Set(float64(n))
}
