// Package lock provides the two mutual-exclusion primitives the rest of
// git-librarian builds on: an in-process, deadlock-detecting RWMutex for
// protecting shared in-memory state (the inventory map, the auth
// resolver's token cache), and a POSIX advisory file lock for coordinating across
// processes (the global run lock, and the manifest read/reset coupling
// between the reconciler and the webhook producer).
package lock

import (
	deadlock "github.com/sasha-s/go-deadlock"
)

// RWMutex is a drop-in replacement for sync.RWMutex that detects
// lock-ordering cycles via go-deadlock in every build. It is used anywhere multiple
// goroutines share mutable state, e.g. the inventory map mutated by the
// repo-reconciler's worker pool.
type RWMutex struct {
	mu deadlock.RWMutex
}

func (m *RWMutex) Lock()         { m.mu.Lock() }
func (m *RWMutex) Unlock()       { m.mu.Unlock() }
func (m *RWMutex) RLock()        { m.mu.RLock() }
func (m *RWMutex) RUnlock()      { m.mu.RUnlock() }
func (m *RWMutex) TryLock() bool  { return m.mu.TryLock() }
func (m *RWMutex) TryRLock() bool { return m.mu.TryRLock() }
