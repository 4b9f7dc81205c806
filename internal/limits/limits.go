// Package limits tracks system-wide resource limits that bound how
// many kernel objects may exist at once.
//
// The filesystem, network, and block-layer caps a general-purpose
// kernel would carry are dropped since those subsystems are out of
// scope here; a Channels field bounds outstanding channel endpoints so
// endpoint allocation isn't the one kernel resource left uncapped.
package limits

import "sync/atomic"

// Atomic is a numeric limit that can be atomically taken and given
// back.
type Atomic struct {
	n int64
}

// Given increases the limit by n.
func (a *Atomic) Given(n uint) {
	atomic.AddInt64(&a.n, int64(n))
}

// Taken tries to decrement the limit by n, reporting whether the
// budget allowed it.
func (a *Atomic) Taken(n uint) bool {
	if atomic.AddInt64(&a.n, -int64(n)) >= 0 {
		return true
	}
	atomic.AddInt64(&a.n, int64(n))
	return false
}

// Take decrements the limit by one.
func (a *Atomic) Take() bool { return a.Taken(1) }

// Give increments the limit by one.
func (a *Atomic) Give() { a.Given(1) }

// Remaining reports the current budget, for tests and diagnostics.
func (a *Atomic) Remaining() int64 { return atomic.LoadInt64(&a.n) }

// System describes the configured system-wide limits that bound
// channel subsystem resource usage.
type System struct {
	// Channels bounds the total number of live endpoints across all
	// tasks. Only established channels count (two endpoints each);
	// pending requests take nothing from it.
	Channels Atomic
	// Tasks bounds the number of live tasks in the table.
	Tasks Atomic
}

// NewSystem returns the default set of limits.
func NewSystem() *System {
	s := &System{}
	s.Channels.Given(4096)
	s.Tasks.Given(1 << 20)
	return s
}
