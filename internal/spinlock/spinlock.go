// Package spinlock provides a raw compare-and-swap lock for serializing
// access to task-table entries.
//
// Try-lock is a single CAS, unlock is a release store, and a contended
// lock spins with a CPU hint rather than parking on a futex.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// T is a single spinlock. The zero value is unlocked.
type T struct {
	held atomic.Bool
}

// Lock spins until the lock is acquired.
func (l *T) Lock() {
	for !l.TryLock() {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock with a single CAS and reports
// whether it succeeded.
func (l *T) TryLock() bool {
	return l.held.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking an already-unlocked lock is a bug
// in the caller and is not detected here, matching a raw spinlock's
// contract.
func (l *T) Unlock() {
	l.held.Store(false)
}
