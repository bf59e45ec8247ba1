package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/utilitywarehouse/git-librarian/giturl"
	"github.com/utilitywarehouse/git-librarian/internal/lock"
)

const loadCredsScript = `#!/bin/sh

case "$1" in
  Username*) echo "$REPO_USERNAME" ;;
  Password*) echo "$REPO_PASSWORD" ;;
esac
`

// Config is per-repository authentication configuration, decoded from a
// manifest entry's optional "auth" block.
type Config struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	SSHKeyPath        string `yaml:"ssh_key_path"`
	SSHKnownHostsPath string `yaml:"ssh_known_hosts_path"`

	GithubAppID             string `yaml:"github_app_id"`
	GithubAppInstallationID string `yaml:"github_app_installation_id"`
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Resolver turns a repository's remote URL + Config into the environment
// variables a gitops.Client call needs to authenticate, caching minted
// GitHub App tokens across calls.
type Resolver struct {
	log       *slog.Logger
	scratch   string // dir for the ephemeral GIT_ASKPASS script
	lock      lock.RWMutex
	ghTokens  map[string]cachedToken // keyed by appID+"/"+installationID
}

// NewResolver returns a Resolver. scratch is a writable directory the
// resolver may use to stage an askpass helper script.
func NewResolver(log *slog.Logger, scratch string) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{log: log, scratch: scratch, ghTokens: make(map[string]cachedToken)}
}

// EnvFor returns the environment variables that should be set on a git
// child process operating on remote with the given auth config. A nil
// slice means "nothing to set" (e.g. a file:// URL).
func (r *Resolver) EnvFor(ctx context.Context, remote string, cfg Config) []string {
	if giturl.IsSCPURL(remote) || giturl.IsSSHURL(remote) {
		return []string{r.gitSSHCommand(cfg)}
	}

	if !giturl.IsHTTPSURL(remote) {
		return nil
	}

	gURL, err := giturl.Parse(remote)
	if err != nil {
		r.log.Error("unable to parse remote url for auth", "remote", remote, "err", err)
		return nil
	}

	var username, password string
	switch {
	case cfg.Username != "" && cfg.Password != "":
		username, password = cfg.Username, cfg.Password
	case cfg.Password != "":
		username, password = "-", cfg.Password
	case cfg.GithubAppInstallationID != "" && gURL.Host == "github.com":
		token, err := r.githubAppToken(ctx, cfg, strings.TrimSuffix(gURL.Repo, ".git"))
		if err != nil {
			r.log.Error("unable to get github app token", "err", err)
			return nil
		}
		username, password = "-", token
	default:
		return nil
	}

	script, err := r.ensureCredsLoader()
	if err != nil {
		r.log.Error("unable to write creds loader script", "err", err)
		return nil
	}

	return []string{
		fmt.Sprintf("GIT_ASKPASS=%s", script),
		fmt.Sprintf("REPO_USERNAME=%s", username),
		fmt.Sprintf("REPO_PASSWORD=%s", password),
	}
}

func (r *Resolver) ensureCredsLoader() (string, error) {
	path := filepath.Join(r.scratch, "git-librarian-creds-loader.sh")

	_, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(r.scratch, 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(loadCredsScript), 0750); err != nil {
			return "", err
		}
	case err != nil:
		return "", fmt.Errorf("unable to check if script file exists err:%w", err)
	}

	return path, nil
}

func (r *Resolver) gitSSHCommand(cfg Config) string {
	sshKeyPath := cfg.SSHKeyPath
	if sshKeyPath == "" {
		sshKeyPath = "/dev/null"
	}
	knownHostsOptions := "-o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no"
	if cfg.SSHKeyPath != "" && cfg.SSHKnownHostsPath != "" {
		knownHostsOptions = fmt.Sprintf("-o UserKnownHostsFile=%s", cfg.SSHKnownHostsPath)
	}
	return fmt.Sprintf(`GIT_SSH_COMMAND=ssh -q -F none -o IdentitiesOnly=yes -o IdentityFile=%s %s`, sshKeyPath, knownHostsOptions)
}

func (r *Resolver) githubAppToken(ctx context.Context, cfg Config, repo string) (string, error) {
	key := cfg.GithubAppID + "/" + cfg.GithubAppInstallationID

	r.lock.RLock()
	cached, ok := r.ghTokens[key]
	r.lock.RUnlock()
	if ok && cached.expiresAt.After(time.Now().UTC().Add(10*time.Minute)) {
		return cached.token, nil
	}

	perms := TokenRequestPermissions{
		Repositories: []string{repo},
		Permissions:  map[string]string{"contents": "read"},
	}

	token, err := GithubAppInstallationToken(ctx, cfg.GithubAppID, cfg.GithubAppInstallationID, cfg.GithubAppPrivateKeyPath, perms)
	if err != nil {
		return "", err
	}

	r.lock.Lock()
	r.ghTokens[key] = cachedToken{token: token.Token, expiresAt: token.ExpiresAt}
	r.lock.Unlock()

	r.log.Debug("new github app access token created", "installation", cfg.GithubAppInstallationID)
	return token.Token, nil
}
