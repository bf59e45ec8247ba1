package runlock

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestFileBackend_AcquireRelease(t *testing.T) {
	dir := t.TempDir()
	rl, err := New(nil, File, dir, "test.lock")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rl.Acquire(1, 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := rl.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := rl.Renew(10 * time.Second); err != nil {
		t.Fatalf("Renew: %v", err)
	}
}

func TestFileBackend_Contention(t *testing.T) {
	dir := t.TempDir()
	name := "contended.lock"

	first, err := New(nil, File, dir, name)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Acquire(1, 0); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	second, err := New(nil, File, dir, name)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = second.Acquire(2, time.Millisecond)
	if !errors.Is(err, ErrLockExists) {
		t.Fatalf("second Acquire() err = %v, want ErrLockExists", err)
	}
}

func TestFileBackend_ReleaseThenReacquire(t *testing.T) {
	dir := t.TempDir()
	name := "reacquire.lock"

	first, err := New(nil, File, dir, name)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Acquire(1, 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := New(nil, File, dir, name)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := second.Acquire(1, 0); err != nil {
		t.Fatalf("second Acquire after release: %v", err)
	}
}

func TestDisabledBackend_AlwaysSucceeds(t *testing.T) {
	rl, err := New(nil, Disabled, "", "whatever")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rl.Acquire(1, 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := rl.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestUnknownBackend(t *testing.T) {
	_, err := New(nil, Backend("bogus"), filepath.Join(t.TempDir()), "x")
	if !errors.Is(err, ErrLock) {
		t.Fatalf("New() err = %v, want ErrLock", err)
	}
}
