// Package inventory tracks, persists and (if needed) regenerates the
// current on-disk state: for every partition, which repos are mirrored and
// which refs each has a clone for.
package inventory

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/utilitywarehouse/git-librarian/internal/lock"
	"github.com/utilitywarehouse/git-librarian/internal/utils"
	"github.com/utilitywarehouse/git-librarian/manifest"
	"github.com/utilitywarehouse/git-librarian/refname"
)

// ErrRepositories is the sentinel every inventory I/O failure wraps.
var ErrRepositories = errors.New("repositories error")

// Inventory is {partition → {repo → set of refs}}, safe for concurrent
// read-modify-write during the parallel bare-refresh fan-out (§4.6.2).
type Inventory struct {
	mu   lock.RWMutex
	data map[manifest.Partition]map[string][]string
}

// New returns an empty Inventory.
func New() *Inventory {
	inv := &Inventory{data: make(map[manifest.Partition]map[string][]string)}
	for _, p := range manifest.Partitions() {
		inv.data[p] = make(map[string][]string)
	}
	return inv
}

// Repos returns the repo names currently tracked for a partition.
func (inv *Inventory) Repos(p manifest.Partition) []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	names := make([]string, 0, len(inv.data[p]))
	for name := range inv.data[p] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Refs returns a copy of the ref list for (partition, repo).
func (inv *Inventory) Refs(p manifest.Partition, repo string) []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	refs := inv.data[p][repo]
	out := make([]string, len(refs))
	copy(out, refs)
	return out
}

// HasRepo reports whether (partition, repo) is tracked at all.
func (inv *Inventory) HasRepo(p manifest.Partition, repo string) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	_, ok := inv.data[p][repo]
	return ok
}

// InitRepo registers repo with an empty ref list, overwriting any previous
// entry — used when a brand new bare is created (§4.6.1 step 5).
func (inv *Inventory) InitRepo(p manifest.Partition, repo string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.data[p][repo] = nil
}

// AppendRef records that ref now has a clone for (partition, repo).
func (inv *Inventory) AppendRef(p manifest.Partition, repo, ref string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	refs := inv.data[p][repo]
	for _, r := range refs {
		if r == ref {
			return
		}
	}
	inv.data[p][repo] = append(refs, ref)
}

// RemoveRef forgets ref for (partition, repo).
func (inv *Inventory) RemoveRef(p manifest.Partition, repo, ref string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	refs := inv.data[p][repo]
	out := refs[:0]
	for _, r := range refs {
		if r != ref {
			out = append(out, r)
		}
	}
	inv.data[p][repo] = out
}

// DeleteRepo forgets repo entirely — called once its bare has been removed.
func (inv *Inventory) DeleteRepo(p manifest.Partition, repo string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.data[p], repo)
}

// snapshot is the gob-encoded wire shape (Inventory itself holds a mutex
// and can't be encoded directly).
type snapshot struct {
	Data map[manifest.Partition]map[string][]string
}

func (inv *Inventory) snapshot() snapshot {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make(map[manifest.Partition]map[string][]string, len(inv.data))
	for p, repos := range inv.data {
		rc := make(map[string][]string, len(repos))
		for repo, refs := range repos {
			cp := make([]string, len(refs))
			copy(cp, refs)
			rc[repo] = cp
		}
		out[p] = rc
	}
	return snapshot{Data: out}
}

// Persist gob-encodes the inventory and writes it atomically to path.
func (inv *Inventory) Persist(path string) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(inv.snapshot()); err != nil {
		return fmt.Errorf("%w: encode inventory: %w", ErrRepositories, err)
	}
	if err := utils.WriteFileAtomic(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("%w: write inventory: %w", ErrRepositories, err)
	}
	return nil
}

// Load reads the persisted blob at path. A missing or corrupt blob is
// reported as an error — callers should fall back to Regenerate.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read inventory: %w", ErrRepositories, err)
	}

	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("%w: decode inventory: %w", ErrRepositories, err)
	}

	inv := New()
	for p, repos := range snap.Data {
		if !partitionKnown(p) {
			continue
		}
		for repo, refs := range repos {
			cp := make([]string, len(refs))
			copy(cp, refs)
			inv.data[p][repo] = cp
		}
	}
	return inv, nil
}

func partitionKnown(p manifest.Partition) bool {
	for _, known := range manifest.Partitions() {
		if p == known {
			return true
		}
	}
	return false
}

// Regenerate rebuilds an Inventory from filesystem state: repo names come
// from BARE/<partition> entries, ref lists from CLONE/<partition>/<repo>
// entries (dirnames reversed back to canonical ref form). Used when the
// persisted blob is absent or corrupt (§4.4).
func Regenerate(log *slog.Logger, bareDir, cloneDir, hashPrefix string) (*Inventory, error) {
	if log == nil {
		log = slog.Default()
	}
	inv := New()

	for _, p := range manifest.Partitions() {
		repoNames, err := listDirs(filepath.Join(bareDir, string(p)))
		if err != nil {
			continue
		}
		for _, repo := range repoNames {
			dirnames, err := listDirs(filepath.Join(cloneDir, string(p), repo))
			if err != nil {
				dirnames = nil
			}
			refs := make([]string, 0, len(dirnames))
			for _, d := range dirnames {
				refs = append(refs, refname.FromDirname(d, hashPrefix))
			}
			inv.data[p][repo] = refs
		}
	}

	log.Warn("inventory regenerated from filesystem state")
	return inv, nil
}

func listDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
