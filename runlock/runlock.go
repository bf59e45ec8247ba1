// Package runlock implements the global single-writer run lock (§4.8):
// a FILE backend using a POSIX advisory file lock, and a DISABLED no-op
// backend, both behind one RunLock interface with try-with-backoff.
package runlock

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/utilitywarehouse/git-librarian/internal/lock"
)

// ErrLock is the sentinel every lock failure wraps.
var ErrLock = errors.New("lock error")

// ErrLockExists distinguishes contention (lock already held) from any
// other acquisition failure.
var ErrLockExists = errors.New("lock already taken")

// Backend selects the RunLock implementation.
type Backend string

const (
	File     Backend = "FILE"
	Disabled Backend = "DISABLED"
)

// RunLock is a single-writer lock supporting try-with-backoff acquisition.
type RunLock interface {
	// Acquire tries up to tries times, sleeping waittime between
	// attempts, returning ErrLockExists if every attempt found the lock
	// held.
	Acquire(tries int, waittime time.Duration) error
	// Release releases a held lock. No-op if never acquired.
	Release() error
	// Renew is a no-op for the FILE/DISABLED backends; the interface is
	// preserved for future remote backends (§4.8).
	Renew(ttl time.Duration) error
}

// New constructs a RunLock for the given backend. dir and name are only
// used by the FILE backend (lock file at dir/name).
func New(log *slog.Logger, backend Backend, dir, name string) (RunLock, error) {
	if log == nil {
		log = slog.Default()
	}
	switch backend {
	case File:
		return &fileLock{log: log, path: filepath.Join(dir, name), name: name}, nil
	case Disabled:
		return &disabledLock{log: log, name: name}, nil
	default:
		return nil, fmt.Errorf("%w: unknown lock backend %q", ErrLock, backend)
	}
}

type fileLock struct {
	log  *slog.Logger
	path string
	name string
	fl   *lock.FileLock
}

func (l *fileLock) Acquire(tries int, waittime time.Duration) error {
	if tries < 1 {
		tries = 1
	}
	fl := lock.NewFileLock(l.path)

	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		l.log.Info("obtaining lock", "name", l.name, "attempt", attempt)
		ok, err := fl.TryLock(true)
		if err != nil {
			lastErr = fmt.Errorf("%w: %w", ErrLock, err)
		} else if ok {
			l.fl = fl
			l.log.Debug("lock acquired", "name", l.name)
			return nil
		} else {
			lastErr = fmt.Errorf("%w: %w", ErrLock, ErrLockExists)
		}

		if attempt == tries {
			break
		}
		l.log.Debug("couldn't lock, sleeping", "name", l.name, "waittime", waittime)
		time.Sleep(waittime)
	}
	return lastErr
}

func (l *fileLock) Release() error {
	if l.fl == nil {
		return nil
	}
	l.log.Info("releasing lock", "name", l.name)
	return l.fl.Close()
}

func (l *fileLock) Renew(ttl time.Duration) error { return nil }

type disabledLock struct {
	log  *slog.Logger
	name string
}

func (l *disabledLock) Acquire(tries int, waittime time.Duration) error {
	l.log.Warn("danger zone: no locking has been configured", "name", l.name)
	return nil
}

func (l *disabledLock) Release() error            { return nil }
func (l *disabledLock) Renew(ttl time.Duration) error { return nil }
