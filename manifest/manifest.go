// Package manifest loads and validates the repository manifest: the YAML
// file enumerating every mirrored repository, grouped by partition.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/utilitywarehouse/git-librarian/auth"
)

// ErrRepositories is the sentinel wrapped by every manifest load/validation
// failure.
var ErrRepositories = errors.New("repositories error")

// Partition is one of the three closed partitions every repository,
// override and on-disk bare/clone root is classified by.
type Partition string

const (
	Modules    Partition = "modules"
	Hostgroups Partition = "hostgroups"
	Common     Partition = "common"
)

// Partitions returns the three partitions in a fixed, stable order.
func Partitions() []Partition { return []Partition{Modules, Hostgroups, Common} }

func (p Partition) valid() bool {
	switch p {
	case Modules, Hostgroups, Common:
		return true
	default:
		return false
	}
}

var nameRgx = regexp.MustCompile(`^\w+$`)

// Repo is one manifest entry: a name, its git URL, and optional
// per-repository authentication (zero value when none is configured).
type Repo struct {
	Name string
	URL  string
	Auth auth.Config
}

// Manifest is the parsed, validated repository manifest.
type Manifest struct {
	Repositories map[Partition]map[string]Repo
}

// URLs returns a flat partition -> name -> url view, the shape
// RepoReconciler's delta computation (§4.6) operates on.
func (m *Manifest) URLs(p Partition) map[string]string {
	out := make(map[string]string, len(m.Repositories[p]))
	for name, r := range m.Repositories[p] {
		out[name] = r.URL
	}
	return out
}

// AuthFor returns the auth config for (partition, name), or the zero value
// if the repo has none configured.
func (m *Manifest) AuthFor(p Partition, name string) auth.Config {
	if repos, ok := m.Repositories[p]; ok {
		if r, ok := repos[name]; ok {
			return r.Auth
		}
	}
	return auth.Config{}
}

// repoEntry accepts either a bare URL string or a {url, auth} mapping, so
// the common case (most repos need no auth override) stays a one-liner.
type repoEntry struct {
	URL  string
	Auth auth.Config
}

func (e *repoEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&e.URL)
	}

	var full struct {
		URL  string      `yaml:"url"`
		Auth auth.Config `yaml:"auth"`
	}
	if err := value.Decode(&full); err != nil {
		return err
	}
	e.URL = full.URL
	e.Auth = full.Auth
	return nil
}

type rawManifest struct {
	Repositories map[string]map[string]repoEntry `yaml:"repositories"`
}

// Load reads and validates the manifest YAML at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read manifest: %w: %w", ErrRepositories, err)
	}
	return Parse(data)
}

// Parse validates and decodes manifest YAML content.
func Parse(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unable to decode manifest: %w: %w", ErrRepositories, err)
	}

	m := &Manifest{Repositories: make(map[Partition]map[string]Repo)}
	for _, p := range Partitions() {
		m.Repositories[p] = make(map[string]Repo)
	}

	for partitionName, repos := range raw.Repositories {
		p := Partition(partitionName)
		if !p.valid() {
			return nil, fmt.Errorf("%w: unknown partition %q in manifest", ErrRepositories, partitionName)
		}
		for name, entry := range repos {
			if !nameRgx.MatchString(name) {
				return nil, fmt.Errorf("%w: invalid repo name %q in partition %q", ErrRepositories, name, partitionName)
			}
			if entry.URL == "" {
				return nil, fmt.Errorf("%w: repo %q in partition %q has no url", ErrRepositories, name, partitionName)
			}
			m.Repositories[p][name] = Repo{Name: name, URL: entry.URL, Auth: entry.Auth}
		}
	}

	return m, nil
}
