// Package ipc implements the channel establishment protocol and
// message lifecycle operations: request_channel, create_channel,
// create_message, send_message, read_message, retire_message, and the
// task-death cleanup path that tears down a dying task's endpoints.
package ipc

import (
	"fmt"
	"log"
	"sync"

	"rvkernel/internal/mem"
	"rvkernel/internal/stats"
	"rvkernel/internal/task"
	"rvkernel/internal/util"
	"rvkernel/internal/vm"
)

// Subsystem is the channel subsystem's entry point: the task table it
// operates over, its event counters, and the orphaned-endpoint log
// dedup.
type Subsystem struct {
	Tasks *task.Table
	Stats *stats.Registry

	orphanMu     sync.Mutex
	orphanLogged map[orphanKey]bool
}

// orphanKey names one (sender, channel) pair whose peer has already
// been found orphaned, so repeat hits against the same dead endpoint
// log once instead of flooding the console.
type orphanKey struct {
	tid task.Tid
	cid task.ChannelId
}

// NewSubsystem creates a channel subsystem bound to tasks.
func NewSubsystem(tasks *task.Table, st *stats.Registry) *Subsystem {
	return &Subsystem{Tasks: tasks, Stats: st}
}

func (s *Subsystem) logOrphan(tid task.Tid, cid task.ChannelId, detail string) {
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	if s.orphanLogged == nil {
		s.orphanLogged = make(map[orphanKey]bool)
	}
	key := orphanKey{tid, cid}
	if s.orphanLogged[key] {
		return
	}
	s.orphanLogged[key] = true
	log.Printf("ipc: orphaned endpoint tid=%d cid=%d (%s)", tid, cid, detail)
}

// RequestChannel asks to open a channel to another task.
func (s *Subsystem) RequestChannel(from *task.Task, to task.Tid) (task.Message, error) {
	if to == from.Tid {
		return task.Message{}, InvalidArgument(0)
	}
	toTask, ok := s.Tasks.Get(to)
	if !ok {
		return task.Message{}, ErrInvalidRecipient
	}

	task.LockPair(from, toTask)
	defer task.UnlockPair(from, toTask)

	if toTask.IsDead() {
		return task.Message{}, ErrInvalidRecipient
	}
	if !toTask.Promiscuous {
		s.Stats.ChannelsDenied.Inc()
		return task.NotificationMessage(task.Notification{Kind: task.ChannelRequestDenied}), nil
	}

	toTask.IncomingChannelRequest[from.Tid] = struct{}{}
	toTask.PushBack(task.QueueEntry{
		Sender:  task.KernelSender(),
		Message: task.NotificationMessage(task.Notification{Kind: task.ChannelRequest, Arg: uint64(from.Tid)}),
	})
	s.Stats.ChannelsRequested.Inc()

	log.Printf("ipc: blocking %d on request_channel to %d", from.Tid, to)
	from.Block()
	return task.EmptyMessage(), nil
}

// CreateChannel accepts a pending request and establishes the channel.
func (s *Subsystem) CreateChannel(from *task.Task, to task.Tid) (task.ChannelId, error) {
	if to == from.Tid {
		return 0, InvalidArgument(0)
	}
	toTask, ok := s.Tasks.Get(to)
	if !ok {
		return 0, ErrInvalidRecipient
	}

	task.LockPair(from, toTask)
	defer task.UnlockPair(from, toTask)

	if toTask.IsDead() {
		return 0, ErrInvalidRecipient
	}

	// Endpoint creation is bounded by the system-wide channel limit:
	// every other system resource in this subsystem is capped and
	// channels shouldn't be the exception. Exhaustion here is treated
	// like allocator exhaustion elsewhere in this subsystem: a kernel
	// panic, not a returned error, since the default budget is generous
	// relative to any expected workload.
	lim := s.Tasks.Limits()
	if !lim.Channels.Take() {
		panic("ipc: system channel limit exhausted")
	}
	if !lim.Channels.Take() {
		lim.Channels.Give()
		panic("ipc: system channel limit exhausted")
	}

	fromCid := from.NextChannelID()
	toCid := toTask.NextChannelID()
	fromEp, toEp := task.NewEndpointPair(from.Tid, fromCid, toTask.Tid, toCid)

	if _, blocked := from.IncomingChannelRequest[to]; blocked {
		delete(from.IncomingChannelRequest, to)
		log.Printf("ipc: unblocking %d", to)
		toTask.Unblock()
	}

	from.Channels[fromCid] = fromEp
	toTask.Channels[toCid] = toEp

	toTask.PushFront(task.QueueEntry{
		Sender:  task.KernelSender(),
		Message: task.NotificationMessage(task.Notification{Kind: task.ChannelOpened, Arg: uint64(toCid)}),
	})
	s.Stats.ChannelsOpened.Inc()

	return fromCid, nil
}

// CreateMessage allocates a fresh outbound message buffer on a
// channel. The underlying allocator is assumed infallible at this
// layer: an exhausted pool surfaces as a kernel panic, not a returned
// error.
func (s *Subsystem) CreateMessage(t *task.Task, cid task.ChannelId, size int) (task.MessageId, uintptr, int, error) {
	t.Lock()
	defer t.Unlock()

	ep, ok := t.Channels[cid]
	if !ok {
		return 0, 0, 0, InvalidArgument(0)
	}

	// A zero-byte message still needs one page to carry a MessageId, so
	// the ceil-division result is floored at 1 rather than 0.
	nPages := util.DivRoundup(size, mem.PageSize)
	if nPages == 0 {
		nPages = 1
	}
	mid := ep.NextMessageID()
	rng, ok := t.Space.AllocShared(nPages, vm.ChannelFlags)
	if !ok {
		panic("ipc: shared region allocator exhausted")
	}
	ep.Outbound[mid] = rng
	s.Stats.MessagesCreated.Inc()
	return mid, rng.Start, rng.NPages * mem.PageSize, nil
}

// SendMessage transfers ownership of a prepared message to the peer
// endpoint.
func (s *Subsystem) SendMessage(from *task.Task, cid task.ChannelId, mid task.MessageId, length int) error {
	from.Lock()
	ep, ok := from.Channels[cid]
	if !ok {
		from.Unlock()
		return InvalidArgument(0)
	}
	peerTid := ep.PeerTask
	from.Unlock()

	peer, havePeer := s.Tasks.Get(peerTid)
	if havePeer {
		task.LockPair(from, peer)
		defer task.UnlockPair(from, peer)
	} else {
		from.Lock()
		defer from.Unlock()
	}

	// Re-resolve under the lock(s) now held: a concurrent teardown may
	// have removed the channel while we looked the peer up above.
	ep, ok = from.Channels[cid]
	if !ok {
		return InvalidArgument(0)
	}
	rng, ok := ep.Outbound[mid]
	if !ok {
		return InvalidArgument(1)
	}
	delete(ep.Outbound, mid)

	if rng.NPages*mem.PageSize < length {
		if err := from.Space.Dealloc(rng.Start); err != nil {
			panic(fmt.Sprintf("ipc: dealloc of a just-removed outbound region failed: %v", err))
		}
		return InvalidArgument(2)
	}

	frames, err := from.Space.Detach(rng.Start)
	if err != nil {
		panic(fmt.Sprintf("ipc: detach of a validated outbound region failed: %v", err))
	}

	if !havePeer || peer.IsDead() {
		from.Space.FreeFrames(frames)
		s.logOrphan(from.Tid, cid, "peer task dead or gone")
		return ErrInvalidRecipient
	}

	peerRange := peer.Space.AttachShared(frames, vm.ChannelFlags)
	peerEp, ok := peer.Channels[ep.PeerEndpoint]
	if !ok {
		if err := peer.Space.Dealloc(peerRange.Start); err != nil {
			panic(fmt.Sprintf("ipc: dealloc of a just-attached region failed: %v", err))
		}
		s.logOrphan(from.Tid, cid, "peer closed its endpoint")
		return ErrInvalidRecipient
	}

	peerEp.Inbound[mid] = task.InboundEntry{Range: peerRange, Len: length}
	s.Stats.MessagesSent.Inc()
	return nil
}

// ReadMessage returns the oldest unread message on a channel. An
// empty inbound map returns the (0, 0, 0) sentinel rather than an
// error.
func (s *Subsystem) ReadMessage(t *task.Task, cid task.ChannelId) (task.MessageId, uintptr, int, error) {
	t.Lock()
	defer t.Unlock()

	ep, ok := t.Channels[cid]
	if !ok {
		return 0, 0, 0, InvalidArgument(0)
	}
	if len(ep.Inbound) == 0 {
		return 0, 0, 0, nil
	}

	first, set := task.MessageId(0), false
	for id := range ep.Inbound {
		if !set || id < first {
			first, set = id, true
		}
	}
	e := ep.Inbound[first]
	s.Stats.MessagesRead.Inc()
	return first, e.Range.Start, e.Len, nil
}

// RetireMessage releases a received message's buffer back to the
// allocator.
func (s *Subsystem) RetireMessage(t *task.Task, cid task.ChannelId, mid task.MessageId) error {
	t.Lock()
	defer t.Unlock()

	ep, ok := t.Channels[cid]
	if !ok {
		return InvalidArgument(0)
	}
	e, ok := ep.Inbound[mid]
	if !ok {
		return InvalidArgument(1)
	}
	delete(ep.Inbound, mid)
	if err := t.Space.Dealloc(e.Range.Start); err != nil {
		panic(fmt.Sprintf("ipc: dealloc of a validated inbound region failed: %v", err))
	}
	s.Stats.MessagesRetired.Inc()
	return nil
}

// TeardownTask runs the task-death cleanup path: every
// outbound and inbound region the dying task holds is deallocated, and
// any task blocked in request_channel targeting it is unblocked with a
// deferred ChannelRequestDenied. It is invoked by the task-teardown
// path, never by an IPC syscall directly.
func (s *Subsystem) TeardownTask(dying *task.Task) {
	dying.Lock()
	lim := s.Tasks.Limits()
	for _, ep := range dying.Channels {
		for _, rng := range ep.Outbound {
			if err := dying.Space.Dealloc(rng.Start); err != nil {
				panic(fmt.Sprintf("ipc: teardown dealloc of outbound region failed: %v", err))
			}
		}
		for _, e := range ep.Inbound {
			if err := dying.Space.Dealloc(e.Range.Start); err != nil {
				panic(fmt.Sprintf("ipc: teardown dealloc of inbound region failed: %v", err))
			}
		}
		lim.Channels.Give()
	}
	dying.Channels = make(map[task.ChannelId]*task.Endpoint)

	requesters := make([]task.Tid, 0, len(dying.IncomingChannelRequest))
	for tid := range dying.IncomingChannelRequest {
		requesters = append(requesters, tid)
	}
	dying.IncomingChannelRequest = make(map[task.Tid]struct{})
	dying.State = task.Dead
	dying.Unlock()

	for _, tid := range requesters {
		requester, ok := s.Tasks.Get(tid)
		if !ok {
			continue
		}
		requester.Lock()
		requester.PushBack(task.QueueEntry{
			Sender:  task.KernelSender(),
			Message: task.NotificationMessage(task.Notification{Kind: task.ChannelRequestDenied}),
		})
		requester.Unblock()
		requester.Unlock()
	}
	s.Stats.TasksReaped.Inc()
}
