// Package lock is a daemonfx plugin providing a single-instance guard: a
// daemon acquires an exclusive advisory lock (github.com/gofrs/flock,
// the same library the core IPC transport uses for its payload-store
// mutual exclusion) on a well-known path before entering its run loop, so
// a second copy started by mistake exits immediately instead of
// contending for the same worker pools.
package lock

import (
	"fmt"

	"github.com/gofrs/flock"
)

// SingleInstance wraps one exclusive advisory lock.
type SingleInstance struct {
	fl *flock.Flock
}

// New builds a SingleInstance guarding path, not yet acquired.
func New(path string) *SingleInstance {
	return &SingleInstance{fl: flock.New(path)}
}

// TryAcquire attempts a non-blocking exclusive lock, returning ok=false
// (no error) if another process already holds it.
func (s *SingleInstance) TryAcquire() (ok bool, err error) {
	ok, err = s.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("daemonfx/plugins/lock: try lock: %w", err)
	}
	return ok, nil
}

// Release unlocks, if held.
func (s *SingleInstance) Release() error {
	return s.fl.Unlock()
}

// Locked reports whether this instance currently holds the lock.
func (s *SingleInstance) Locked() bool {
	return s.fl.Locked()
}
