package lock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is a POSIX advisory file lock (flock(2)). It backs both the
// FILE RunLock backend and the manifest-file coordination lock shared
// between the metadata refresher (exclusive, during reset) and the
// webhook producer (shared, while reading).
//
// A single FileLock value is not safe for concurrent use by multiple
// goroutines. Each FileLock opens its own *os.File, and flock is a
// per-open-file-description lock, so two FileLocks on the same path
// contend with each other even within one process.
type FileLock struct {
	path string
	f    *os.File
}

// NewFileLock returns a FileLock for the given path. The file is created
// (if missing) on first Lock/TryLock call, not here.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock attempts to acquire the lock without blocking. exclusive
// selects LOCK_EX vs LOCK_SH. It returns (false, nil) on contention,
// (true, nil) on success, and a non-nil error for any other failure.
func (l *FileLock) TryLock(exclusive bool) (bool, error) {
	if err := l.open(); err != nil {
		return false, err
	}

	how := unix.LOCK_SH | unix.LOCK_NB
	if exclusive {
		how = unix.LOCK_EX | unix.LOCK_NB
	}

	if err := unix.Flock(int(l.f.Fd()), how); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("unable to flock %s: %w", l.path, err)
	}
	return true, nil
}

// Lock blocks until the lock is acquired.
func (l *FileLock) Lock(exclusive bool) error {
	if err := l.open(); err != nil {
		return err
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	if err := unix.Flock(int(l.f.Fd()), how); err != nil {
		return fmt.Errorf("unable to flock %s: %w", l.path, err)
	}
	return nil
}

// Unlock releases the lock. It is also released implicitly when the
// underlying file descriptor is closed or the process exits.
func (l *FileLock) Unlock() error {
	if l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unable to unlock %s: %w", l.path, err)
	}
	return nil
}

// Close releases the lock and closes the underlying file descriptor.
func (l *FileLock) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *FileLock) open() error {
	if l.f != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("unable to open lock file %s: %w", l.path, err)
	}
	l.f = f
	return nil
}
