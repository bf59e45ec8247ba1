// Package envdef parses and validates environment definition YAML files
// (§3 Environment, §4.7 validation rules) into a pure data structure, kept
// free of filesystem/linking concerns so desiredinventory can consume it
// without depending on the environment package's tree-building machinery.
package envdef

import (
	"errors"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/utilitywarehouse/git-librarian/internal/strictyaml"
	"github.com/utilitywarehouse/git-librarian/manifest"
)

// ErrEnvironments is the sentinel every validation/parse failure wraps.
var ErrEnvironments = errors.New("environments error")

var nameRgx = regexp.MustCompile(`^\w+$`)

// Parser is the closed set of allowed `parser` values.
type Parser string

const (
	ParserCurrent Parser = "current"
	ParserFuture  Parser = "future"
)

// Environment is one validated environment definition.
type Environment struct {
	Name          string
	Notifications string
	Default       string // "" means unset
	HasDefault    bool
	Overrides     map[manifest.Partition]map[string]string
	Parser        Parser
}

type rawEnvironment struct {
	Notifications string                       `yaml:"notifications"`
	Default       string                       `yaml:"default"`
	Overrides     map[string]map[string]string `yaml:"overrides"`
	Parser        string                       `yaml:"parser"`
}

var allowedKeys = strictyaml.AllowedKeys(rawEnvironment{})

// Parse validates and decodes one environment's YAML content. name is the
// environment name derived from its filename (stripped of ".yaml").
func Parse(name string, data []byte) (*Environment, error) {
	if !nameRgx.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid environment name %q", ErrEnvironments, name)
	}

	var rawGeneric map[string]interface{}
	if err := yaml.Unmarshal(data, &rawGeneric); err != nil {
		return nil, fmt.Errorf("%w: unable to decode %q: %w", ErrEnvironments, name, err)
	}
	if rawGeneric == nil {
		return nil, fmt.Errorf("%w: %q is empty", ErrEnvironments, name)
	}
	if key := strictyaml.FindUnexpectedKey(rawGeneric, allowedKeys); key != "" {
		return nil, fmt.Errorf("%w: %q has unexpected key %q", ErrEnvironments, name, key)
	}

	if rawGeneric["notifications"] == nil {
		return nil, fmt.Errorf("%w: %q is missing notifications", ErrEnvironments, name)
	}

	if v, ok := rawGeneric["overrides"]; ok && v == nil {
		return nil, fmt.Errorf("%w: %q has a null overrides mapping", ErrEnvironments, name)
	}

	var raw rawEnvironment
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: unable to decode %q: %w", ErrEnvironments, name, err)
	}

	env := &Environment{
		Name:          name,
		Notifications: raw.Notifications,
		Default:       raw.Default,
		HasDefault:    raw.Default != "",
		Overrides:     make(map[manifest.Partition]map[string]string),
	}

	switch Parser(raw.Parser) {
	case "":
		env.Parser = ""
	case ParserCurrent, ParserFuture:
		env.Parser = Parser(raw.Parser)
	default:
		return nil, fmt.Errorf("%w: %q has invalid parser %q", ErrEnvironments, name, raw.Parser)
	}

	for partitionName, elements := range raw.Overrides {
		p := manifest.Partition(partitionName)
		if !partitionKnown(p) {
			return nil, fmt.Errorf("%w: %q has unknown override partition %q", ErrEnvironments, name, partitionName)
		}
		if len(elements) == 0 {
			return nil, fmt.Errorf("%w: %q has an empty override mapping for %q", ErrEnvironments, name, partitionName)
		}
		env.Overrides[p] = elements
	}

	return env, nil
}

func partitionKnown(p manifest.Partition) bool {
	for _, known := range manifest.Partitions() {
		if p == known {
			return true
		}
	}
	return false
}

// Override returns the override ref for (partition, element), if any.
func (e *Environment) Override(p manifest.Partition, element string) (string, bool) {
	refs, ok := e.Overrides[p]
	if !ok {
		return "", false
	}
	ref, ok := refs[element]
	return ref, ok
}
