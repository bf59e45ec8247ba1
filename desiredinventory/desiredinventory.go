// Package desiredinventory derives, from every declared environment
// definition, the set of repo refs that must exist in addition to the
// process-wide mandatory branches (§4.5).
package desiredinventory

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/utilitywarehouse/git-librarian/envdef"
	"github.com/utilitywarehouse/git-librarian/manifest"
	"github.com/utilitywarehouse/git-librarian/refname"
)

// DesiredInventory is {partition → {element → de-duplicated list of
// desired refs}}, accumulated from every environment's overrides.
type DesiredInventory struct {
	data map[manifest.Partition]map[string][]string
}

// Refs returns the desired refs for (partition, element); nil if none.
func (d *DesiredInventory) Refs(p manifest.Partition, element string) []string {
	return d.data[p][element]
}

// Build walks envMetadataDir for every "<name>.yaml" file, validates it
// (invalid environments are skipped, logged at ERROR — they're also
// skipped by the environment reconciler) and accumulates overrides.
// hashPrefix canonicalises pinned-commit hex to lowercase before dedup.
func Build(log *slog.Logger, envMetadataDir, hashPrefix string) (*DesiredInventory, error) {
	if log == nil {
		log = slog.Default()
	}

	d := &DesiredInventory{data: make(map[manifest.Partition]map[string][]string)}
	for _, p := range manifest.Partitions() {
		d.data[p] = make(map[string][]string)
	}

	entries, err := os.ReadDir(envMetadataDir)
	if err != nil {
		return nil, err
	}

	seen := make(map[manifest.Partition]map[string]map[string]bool)
	for _, p := range manifest.Partitions() {
		seen[p] = make(map[string]map[string]bool)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".yaml")

		data, err := os.ReadFile(filepath.Join(envMetadataDir, e.Name()))
		if err != nil {
			log.Error("unable to read environment definition", "environment", name, "err", err)
			continue
		}

		env, err := envdef.Parse(name, data)
		if err != nil {
			log.Error("invalid environment definition, skipping", "environment", name, "err", err)
			continue
		}

		for p, overrides := range env.Overrides {
			for element, ref := range overrides {
				ref = canonicalise(ref, hashPrefix)
				if seen[p][element] == nil {
					seen[p][element] = make(map[string]bool)
				}
				if seen[p][element][ref] {
					continue
				}
				seen[p][element][ref] = true
				d.data[p][element] = append(d.data[p][element], ref)
			}
		}
	}

	for p, elements := range d.data {
		for element, refs := range elements {
			sort.Strings(refs)
			d.data[p][element] = refs
		}
	}

	return d, nil
}

// canonicalise lowercases the hex portion of a pinned-commit ref (the
// prefix and branch names are left untouched).
func canonicalise(ref, hashPrefix string) string {
	hex, ok := refname.Hex(ref, hashPrefix)
	if !ok {
		return ref
	}
	return ref[:len(ref)-len(hex)] + strings.ToLower(hex)
}
