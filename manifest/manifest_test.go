package manifest

import (
	"errors"
	"testing"
)

func TestParse_Simple(t *testing.T) {
	data := []byte(`
repositories:
  modules:
    apache: git@github.com:example/puppet-apache.git
    nginx: https://github.com/example/puppet-nginx.git
  hostgroups:
    web: git@github.com:example/hostgroups-web.git
  common:
    hiera: git@github.com:example/common-hiera.git
`)
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := m.URLs(Modules)["apache"]; got != "git@github.com:example/puppet-apache.git" {
		t.Errorf("modules/apache url = %q", got)
	}
	if got := m.URLs(Hostgroups)["web"]; got == "" {
		t.Errorf("hostgroups/web missing")
	}
	if got := m.URLs(Common)["hiera"]; got == "" {
		t.Errorf("common/hiera missing")
	}
}

func TestParse_WithAuth(t *testing.T) {
	data := []byte(`
repositories:
  modules:
    secure:
      url: https://github.com/example/secure.git
      auth:
        github_app_id: "123"
        github_app_installation_id: "456"
        github_app_private_key_path: /etc/git-librarian/app.pem
`)
	m, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a := m.AuthFor(Modules, "secure")
	if a.GithubAppID != "123" || a.GithubAppInstallationID != "456" {
		t.Errorf("AuthFor() = %+v, want github app creds", a)
	}
	if got := m.URLs(Modules)["secure"]; got != "https://github.com/example/secure.git" {
		t.Errorf("url = %q", got)
	}
}

func TestParse_UnknownPartition(t *testing.T) {
	_, err := Parse([]byte(`
repositories:
  bogus:
    foo: git@github.com:example/foo.git
`))
	if !errors.Is(err, ErrRepositories) {
		t.Fatalf("Parse() err = %v, want ErrRepositories", err)
	}
}

func TestParse_InvalidName(t *testing.T) {
	_, err := Parse([]byte(`
repositories:
  modules:
    "bad name": git@github.com:example/foo.git
`))
	if !errors.Is(err, ErrRepositories) {
		t.Fatalf("Parse() err = %v, want ErrRepositories", err)
	}
}

func TestParse_MissingURL(t *testing.T) {
	_, err := Parse([]byte(`
repositories:
  modules:
    foo:
      auth:
        username: bob
`))
	if !errors.Is(err, ErrRepositories) {
		t.Fatalf("Parse() err = %v, want ErrRepositories", err)
	}
}

func TestParse_EmptyManifestIsValid(t *testing.T) {
	m, err := Parse([]byte(`repositories: {}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, p := range Partitions() {
		if len(m.URLs(p)) != 0 {
			t.Errorf("partition %s not empty", p)
		}
	}
}
