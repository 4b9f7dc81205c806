// Package stats counts channel subsystem events.
//
// Counters are cheap atomics and the channel subsystem is small
// enough that always-on accounting costs nothing worth trading
// observability for; there is no compile-time killswitch.
package stats

import (
	"strconv"
	"sync/atomic"
)

// Counter is a monotonically increasing event counter.
type Counter struct {
	n int64
}

// Inc increments the counter by one.
func (c *Counter) Inc() { atomic.AddInt64(&c.n, 1) }

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) { atomic.AddInt64(&c.n, delta) }

// Load returns the counter's current value.
func (c *Counter) Load() int64 { return atomic.LoadInt64(&c.n) }

// Registry holds the channel subsystem's event counters.
type Registry struct {
	ChannelsRequested Counter
	ChannelsOpened    Counter
	ChannelsDenied    Counter
	MessagesCreated   Counter
	MessagesSent      Counter
	MessagesRead      Counter
	MessagesRetired   Counter
	TasksReaped       Counter
}

// fields enumerates the registry's named counters, for String and the
// pprof exporter.
func (r *Registry) fields() []struct {
	Name string
	C    *Counter
} {
	return []struct {
		Name string
		C    *Counter
	}{
		{"ChannelsRequested", &r.ChannelsRequested},
		{"ChannelsOpened", &r.ChannelsOpened},
		{"ChannelsDenied", &r.ChannelsDenied},
		{"MessagesCreated", &r.MessagesCreated},
		{"MessagesSent", &r.MessagesSent},
		{"MessagesRead", &r.MessagesRead},
		{"MessagesRetired", &r.MessagesRetired},
		{"TasksReaped", &r.TasksReaped},
	}
}

// String renders every counter's current value, one per line.
func (r *Registry) String() string {
	s := ""
	for _, f := range r.fields() {
		s += "\n\t#" + f.Name + ": " + strconv.FormatInt(f.C.Load(), 10)
	}
	return s + "\n"
}
