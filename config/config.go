// Package config loads git-librarian's YAML configuration, watches it
// for changes via fsnotify, and builds the process slog.Logger.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/utilitywarehouse/git-librarian/internal/strictyaml"
)

// Main holds the main.* configuration block.
type Main struct {
	BareDir                 string   `yaml:"baredir"`
	CloneDir                string   `yaml:"clonedir"`
	EnvironmentsDir         string   `yaml:"environmentsdir"`
	CacheDir                string   `yaml:"cachedir"`
	LogDir                  string   `yaml:"logdir"`
	RepositoryMetadata      string   `yaml:"repositorymetadata"`
	RepositoryMetadataDir   string   `yaml:"repositorymetadatadir"`
	EnvironmentsMetadataDir string   `yaml:"environmentsmetadatadir"`
	MandatoryBranches       []string `yaml:"mandatorybranches"`
	ProtectedEnvironments   []string `yaml:"protectedenvironments"`
	CommonHieradataItems    []string `yaml:"common_hieradata_items"`
	HashPrefix              string   `yaml:"hashprefix"`
	DirectoryEnvironments   bool     `yaml:"directory_environments"`
	Mode                    string   `yaml:"mode"`
}

// Lock holds the lock.* configuration block.
type Lock struct {
	Type string `yaml:"type"`
	Name string `yaml:"name"`
}

// FileLock holds the filelock.* configuration block.
type FileLock struct {
	LockDir string `yaml:"lockdir"`
}

// Messaging holds the messaging.* configuration block.
type Messaging struct {
	QueueDir string `yaml:"queuedir"`
}

// Git holds the git.* configuration block.
type Git struct {
	SSHCmdPath string `yaml:"ssh_cmd_path"`
}

// GitlabProducer holds the gitlabproducer.* configuration block.
type GitlabProducer struct {
	SecretToken      string   `yaml:"secret_token"`
	FuzzyURLPrefixes []string `yaml:"fuzzy_url_prefixes"`
}

// Config is the full process configuration (§6).
type Config struct {
	Main           Main           `yaml:"main"`
	Lock           Lock           `yaml:"lock"`
	FileLock       FileLock       `yaml:"filelock"`
	Messaging      Messaging      `yaml:"messaging"`
	Git            Git            `yaml:"git"`
	GitlabProducer GitlabProducer `yaml:"gitlabproducer"`
}

var allowedKeys = strictyaml.AllowedKeys(Config{})

// applyDefaults fills the zero-valued hashprefix, mode, lock type and lock
// name fields with their defaults after parsing; other fields keep their
// parsed values.
func (c *Config) applyDefaults() {
	if c.Main.HashPrefix == "" {
		c.Main.HashPrefix = "commit/"
	}
	if c.Main.Mode == "" {
		c.Main.Mode = "POLL"
	}
	if c.Lock.Type == "" {
		c.Lock.Type = "FILE"
	}
	if c.Lock.Name == "" {
		c.Lock.Name = "git-librarian"
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes configuration YAML content.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if key := strictyaml.FindUnexpectedKey(raw, allowedKeys); key != "" {
		return nil, fmt.Errorf("unexpected top-level config key %q", key)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// NewLogger builds the process slog.Logger, honouring a custom "trace"
// level below slog.LevelDebug the way the teacher's daemon does.
func NewLogger(level string) (*slog.Logger, *slog.LevelVar) {
	levels := map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	lv := new(slog.LevelVar)
	lv.Set(slog.LevelInfo)
	if l, ok := levels[strings.ToLower(level)]; ok {
		lv.Set(l)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
	return logger, lv
}
