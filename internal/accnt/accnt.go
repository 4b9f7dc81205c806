// Package accnt accumulates per-task CPU usage.
//
// There is no syscall ABI exposing usage data to userspace in this
// design, so Fetch returns a plain Usage snapshot instead of an
// encoded buffer.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// T accumulates nanoseconds of user and system time for one task.
type T struct {
	mu     sync.Mutex
	userns int64
	sysns  int64
}

// Usage is a point-in-time snapshot of accumulated usage.
type Usage struct {
	UserNanos int64
	SysNanos  int64
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *T) Utadd(delta int64) {
	atomic.AddInt64(&a.userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *T) Systadd(delta int64) {
	atomic.AddInt64(&a.sysns, delta)
}

// Now returns the current time in nanoseconds since the Unix epoch.
func (a *T) Now() int64 {
	return time.Now().UnixNano()
}

// IoTime removes time spent waiting for I/O from system time.
func (a *T) IoTime(since int64) {
	a.Systadd(since - a.Now())
}

// SleepTime removes time spent blocked in a channel receive from
// system time.
func (a *T) SleepTime(since int64) {
	a.Systadd(since - a.Now())
}

// Finish credits system time since inttime and finalizes accounting at
// task teardown.
func (a *T) Finish(inttime int64) {
	a.Systadd(a.Now() - inttime)
}

// Add merges another task's usage into this one, used when a task
// reaps a dead child's accounting.
func (a *T) Add(n *T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	atomic.AddInt64(&a.userns, atomic.LoadInt64(&n.userns))
	atomic.AddInt64(&a.sysns, atomic.LoadInt64(&n.sysns))
}

// Fetch returns a consistent snapshot of accumulated usage.
func (a *T) Fetch() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Usage{
		UserNanos: atomic.LoadInt64(&a.userns),
		SysNanos:  atomic.LoadInt64(&a.sysns),
	}
}
