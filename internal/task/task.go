// Package task holds the per-task data model the channel subsystem
// operates on: the task record, its channel endpoints, and its
// pending message queue.
//
// Blocking is implemented with a channel closed to wake a parked
// task, and the table itself is hashtable-backed, restricted down to
// exactly the fields the channel subsystem needs.
package task

import (
	"sync/atomic"

	"rvkernel/internal/accnt"
	"rvkernel/internal/hashtable"
	"rvkernel/internal/limits"
	"rvkernel/internal/spinlock"
	"rvkernel/internal/vm"
)

// Tid identifies a task for its whole lifetime.
type Tid uint64

// State is the task's scheduling state.
type State int

const (
	Running State = iota
	Blocked
	Dead
)

// ChannelId is a per-task dense index into that task's endpoint set.
type ChannelId uint64

// MessageId is unique within one channel pair.
type MessageId uint64

// Endpoint is one task's half of a channel.
type Endpoint struct {
	PeerTask     Tid
	PeerEndpoint ChannelId

	// idSource is the atomic counter shared by both endpoints of a
	// channel pair; Go's GC keeps it alive exactly as long as either
	// endpoint references it, so it needs no explicit refcounting.
	idSource *atomic.Uint64

	Outbound map[MessageId]vm.Range
	Inbound  map[MessageId]InboundEntry
}

// InboundEntry is a received region awaiting read and retire.
type InboundEntry struct {
	Range vm.Range
	Len   int
}

// NewEndpointPair builds the two cross-referenced endpoints of a fresh
// channel, sharing one MessageId counter.
func NewEndpointPair(fromTid Tid, fromCid ChannelId, toTid Tid, toCid ChannelId) (from, to *Endpoint) {
	counter := &atomic.Uint64{}
	from = &Endpoint{
		PeerTask:     toTid,
		PeerEndpoint: toCid,
		idSource:     counter,
		Outbound:     make(map[MessageId]vm.Range),
		Inbound:      make(map[MessageId]InboundEntry),
	}
	to = &Endpoint{
		PeerTask:     fromTid,
		PeerEndpoint: fromCid,
		idSource:     counter,
		Outbound:     make(map[MessageId]vm.Range),
		Inbound:      make(map[MessageId]InboundEntry),
	}
	return from, to
}

// NextMessageID atomically fetch-adds the shared counter with
// acquire-release ordering (Go's atomic.Uint64.Add is a full
// read-modify-write, stronger than required but never weaker).
func (e *Endpoint) NextMessageID() MessageId {
	return MessageId(e.idSource.Add(1) - 1)
}

// Sender names the origin of a queued message: either the kernel or a
// user task.
type Sender struct {
	FromKernel bool
	Tid        Tid
}

// KernelSender is the Sender value used for kernel-synthesized
// notifications.
func KernelSender() Sender { return Sender{FromKernel: true} }

// NotificationKind enumerates the kernel-synthesized notifications
// that can appear in a message queue or as a request_channel reply.
type NotificationKind int

const (
	ChannelRequest NotificationKind = iota
	ChannelOpened
	ChannelRequestDenied
)

// Notification is a kernel-synthesized event; Arg holds the Tid for
// ChannelRequest or the ChannelId for ChannelOpened, and is unused for
// ChannelRequestDenied.
type Notification struct {
	Kind NotificationKind
	Arg  uint64
}

// Message is either empty (the default reply to a blocking
// request_channel) or carries a kernel notification.
type Message struct {
	HasNotification bool
	Notification    Notification
}

// EmptyMessage is the default message returned when a task blocks in
// request_channel.
func EmptyMessage() Message { return Message{} }

// NotificationMessage wraps n as an immediate (non-blocking) reply.
func NotificationMessage(n Notification) Message {
	return Message{HasNotification: true, Notification: n}
}

// QueueEntry is one entry in a task's message queue.
type QueueEntry struct {
	Sender  Sender
	Message Message
}

// Task is a task's record, restricted to the fields the channel
// subsystem needs.
type Task struct {
	spinlock.T

	Tid         Tid
	State       State
	Promiscuous bool

	Channels               map[ChannelId]*Endpoint
	nextChannelID          uint64
	MessageQueue           []QueueEntry
	IncomingChannelRequest map[Tid]struct{}

	Accnt accnt.T

	// Space is this task's address space, used by the channel
	// subsystem's shared-region broker to allocate, detach, attach and
	// deallocate message buffers.
	Space *vm.Space

	// park is closed by Unblock to wake a task parked in
	// request_channel; it has no receive side here because this layer
	// has no scheduler to hand control back to.
	park chan struct{}
}

// New creates an empty, Running task record backed by space.
func New(tid Tid, space *vm.Space) *Task {
	return &Task{
		Tid:                    tid,
		Space:                  space,
		Channels:               make(map[ChannelId]*Endpoint),
		IncomingChannelRequest: make(map[Tid]struct{}),
		park:                   make(chan struct{}),
	}
}

// NextChannelID hands out a strictly monotonic per-task id, rather
// than reusing the lowest free slot, since reuse after removal would
// let a stale ChannelId silently resolve to an unrelated endpoint.
func (t *Task) NextChannelID() ChannelId {
	id := t.nextChannelID
	t.nextChannelID++
	return ChannelId(id)
}

// PushBack appends an entry to the message queue.
func (t *Task) PushBack(e QueueEntry) {
	t.MessageQueue = append(t.MessageQueue, e)
}

// PushFront inserts an entry at the head of the queue. Used solely for
// ChannelOpened, the one deliberate exception to per-producer FIFO.
func (t *Task) PushFront(e QueueEntry) {
	t.MessageQueue = append([]QueueEntry{e}, t.MessageQueue...)
}

// Block transitions the task to Blocked and arms its park channel.
func (t *Task) Block() {
	t.State = Blocked
	t.park = make(chan struct{})
}

// Unblock transitions the task back to Running and releases anything
// waiting on its park channel.
func (t *Task) Unblock() {
	if t.State != Blocked {
		return
	}
	t.State = Running
	close(t.park)
}

// IsDead reports whether the task has been torn down.
func (t *Task) IsDead() bool { return t.State == Dead }

// Table is the task table: a concurrent map keyed by Tid, backed by
// internal/hashtable, bounded by a system-wide task limit.
type Table struct {
	ht     *hashtable.T
	limits *limits.System
}

// NewTable creates an empty task table bounded by lim.
func NewTable(lim *limits.System) *Table {
	return &Table{ht: hashtable.New(256), limits: lim}
}

// Limits returns the system-wide resource caps this table enforces.
func (tt *Table) Limits() *limits.System {
	return tt.limits
}

// Get looks up tid, without locking the returned task.
func (tt *Table) Get(tid Tid) (*Task, bool) {
	v, ok := tt.ht.Get(tid)
	if !ok {
		return nil, false
	}
	return v.(*Task), true
}

// Insert adds a freshly created task to the table, failing if the
// system-wide task limit is exhausted.
func (tt *Table) Insert(t *Task) bool {
	if !tt.limits.Tasks.Take() {
		return false
	}
	tt.ht.Set(t.Tid, t)
	return true
}

// Remove finalizes t's accounting and deletes it from the table. The
// caller must already hold t's lock and have torn down its endpoints.
func (tt *Table) Remove(t *Task) {
	t.Accnt.Finish(t.Accnt.Now())
	tt.ht.Del(t.Tid)
	tt.limits.Tasks.Give()
}

// LockPair locks a and b in ascending Tid order, to avoid deadlocking
// against a concurrent operation locking the same pair in the opposite
// order. The caller must not already hold either lock.
func LockPair(a, b *Task) {
	if a.Tid == b.Tid {
		a.Lock()
		return
	}
	first, second := a, b
	if b.Tid < a.Tid {
		first, second = b, a
	}
	first.Lock()
	second.Lock()
}

// UnlockPair releases locks taken by LockPair.
func UnlockPair(a, b *Task) {
	if a.Tid == b.Tid {
		a.Unlock()
		return
	}
	a.Unlock()
	b.Unlock()
}
