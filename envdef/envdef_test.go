package envdef

import (
	"errors"
	"testing"

	"github.com/utilitywarehouse/git-librarian/manifest"
)

func TestParse_DefaultOnly(t *testing.T) {
	env, err := Parse("production", []byte(`
notifications: a@b
default: master
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !env.HasDefault || env.Default != "master" {
		t.Errorf("env = %+v", env)
	}
}

func TestParse_WithOverrides(t *testing.T) {
	env, err := Parse("test", []byte(`
notifications: a@b
default: master
overrides:
  modules:
    foo: bar
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ref, ok := env.Override(manifest.Modules, "foo")
	if !ok || ref != "bar" {
		t.Errorf("Override(modules, foo) = %q, %v", ref, ok)
	}
}

func TestParse_MissingNotifications(t *testing.T) {
	_, err := Parse("bad", []byte(`default: master`))
	if !errors.Is(err, ErrEnvironments) {
		t.Fatalf("err = %v, want ErrEnvironments", err)
	}
}

func TestParse_NullOverrides(t *testing.T) {
	_, err := Parse("bad", []byte(`
notifications: a@b
overrides:
`))
	if !errors.Is(err, ErrEnvironments) {
		t.Fatalf("err = %v, want ErrEnvironments", err)
	}
}

func TestParse_UnknownOverridePartition(t *testing.T) {
	_, err := Parse("bad", []byte(`
notifications: a@b
overrides:
  bogus:
    foo: bar
`))
	if !errors.Is(err, ErrEnvironments) {
		t.Fatalf("err = %v, want ErrEnvironments", err)
	}
}

func TestParse_InvalidParser(t *testing.T) {
	_, err := Parse("bad", []byte(`
notifications: a@b
parser: nonsense
`))
	if !errors.Is(err, ErrEnvironments) {
		t.Fatalf("err = %v, want ErrEnvironments", err)
	}
}

func TestParse_InvalidName(t *testing.T) {
	_, err := Parse("bad name", []byte(`notifications: a@b`))
	if !errors.Is(err, ErrEnvironments) {
		t.Fatalf("err = %v, want ErrEnvironments", err)
	}
}

func TestParse_UnexpectedKey(t *testing.T) {
	_, err := Parse("bad", []byte(`
notifications: a@b
bogus_key: 1
`))
	if !errors.Is(err, ErrEnvironments) {
		t.Fatalf("err = %v, want ErrEnvironments", err)
	}
}
