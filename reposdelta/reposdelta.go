// Package reposdelta is the shared per-partition repo delta shape produced
// by the repo reconciler (§4.6) and consumed by the environment reconciler
// (§4.7.6, "refreshing a not-changed environment").
package reposdelta

import "github.com/utilitywarehouse/git-librarian/manifest"

// Delta is one partition's new/existing/deleted repo name sets, computed
// against the manifest (§4.6).
type Delta struct {
	New      []string
	Existing []string
	Deleted  []string
}

// Set is the per-partition delta produced by one RepoReconciler run.
type Set map[manifest.Partition]Delta
