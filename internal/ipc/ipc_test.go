package ipc

import (
	"testing"

	"rvkernel/internal/limits"
	"rvkernel/internal/mem"
	"rvkernel/internal/stats"
	"rvkernel/internal/task"
	"rvkernel/internal/vm"
)

type harness struct {
	sub   *Subsystem
	table *task.Table
}

func newHarness() *harness {
	tbl := task.NewTable(limits.NewSystem())
	return &harness{sub: NewSubsystem(tbl, &stats.Registry{}), table: tbl}
}

func (h *harness) newTask(tid task.Tid, promiscuous bool) *task.Task {
	alloc := mem.NewAllocator()
	alloc.AddRegion(64)
	space := vm.NewSpace(alloc, uintptr(tid)<<32)
	t := task.New(tid, space)
	t.Promiscuous = promiscuous
	if !h.table.Insert(t) {
		panic("test setup: Insert failed")
	}
	return t
}

func kerr(err error) *KError {
	if err == nil {
		return nil
	}
	return err.(*KError)
}

// Scenario: happy path round trip.
func TestHappyPathRoundTrip(t *testing.T) {
	h := newHarness()
	a := h.newTask(1, false)
	b := h.newTask(2, true)

	if _, err := h.sub.RequestChannel(a, b.Tid); err != nil {
		t.Fatalf("RequestChannel: %v", err)
	}
	if a.State != task.Blocked {
		t.Fatal("A should be blocked after request_channel")
	}
	if len(b.MessageQueue) != 1 || b.MessageQueue[0].Message.Notification.Kind != task.ChannelRequest {
		t.Fatalf("B's queue should contain ChannelRequest, got %+v", b.MessageQueue)
	}

	bCid, err := h.sub.CreateChannel(b, a.Tid)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if bCid != 0 {
		t.Fatalf("bCid = %d, want 0", bCid)
	}
	if a.State != task.Running {
		t.Fatal("A should be unblocked after B's create_channel")
	}
	if len(a.MessageQueue) != 1 || a.MessageQueue[0].Message.Notification.Kind != task.ChannelOpened {
		t.Fatalf("A's queue should contain ChannelOpened at head, got %+v", a.MessageQueue)
	}
	aCid := task.ChannelId(a.MessageQueue[0].Message.Notification.Arg)

	mid, vaddr, size, err := h.sub.CreateMessage(a, aCid, 100)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if mid != 0 || size != mem.PageSize || vaddr == 0 {
		t.Fatalf("CreateMessage = (%d, %#x, %d)", mid, vaddr, size)
	}

	if err := h.sub.SendMessage(a, aCid, mid, 5); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(a.Channels[aCid].Outbound) != 0 {
		t.Fatal("A's outbound should be empty after send")
	}

	rmid, rvaddr, rlen, err := h.sub.ReadMessage(b, bCid)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if rmid != mid || rlen != 5 || rvaddr == 0 {
		t.Fatalf("ReadMessage = (%d, %#x, %d)", rmid, rvaddr, rlen)
	}

	if err := h.sub.RetireMessage(b, bCid, rmid); err != nil {
		t.Fatalf("RetireMessage: %v", err)
	}
	if len(b.Channels[bCid].Inbound) != 0 {
		t.Fatal("B's inbound should be empty after retire")
	}
}

// Scenario: self-channel rejection.
func TestSelfChannelRejection(t *testing.T) {
	h := newHarness()
	a := h.newTask(1, true)

	_, err := h.sub.RequestChannel(a, a.Tid)
	if kerr(err) == nil || kerr(err).Kind != KindInvalidArgument || kerr(err).Arg != 0 {
		t.Fatalf("RequestChannel(self) = %v, want InvalidArgument(0)", err)
	}
	_, err = h.sub.CreateChannel(a, a.Tid)
	if kerr(err) == nil || kerr(err).Kind != KindInvalidArgument || kerr(err).Arg != 0 {
		t.Fatalf("CreateChannel(self) = %v, want InvalidArgument(0)", err)
	}
}

// Scenario: non-promiscuous refusal.
func TestNonPromiscuousRefusal(t *testing.T) {
	h := newHarness()
	a := h.newTask(1, false)
	b := h.newTask(2, false)

	msg, err := h.sub.RequestChannel(a, b.Tid)
	if err != nil {
		t.Fatalf("RequestChannel: %v", err)
	}
	if !msg.HasNotification || msg.Notification.Kind != task.ChannelRequestDenied {
		t.Fatalf("expected ChannelRequestDenied, got %+v", msg)
	}
	if a.State != task.Running {
		t.Fatal("A should remain Running when refused")
	}
	if len(b.MessageQueue) != 0 {
		t.Fatal("B's queue should be untouched when not promiscuous")
	}
}

// Scenario: dead recipient.
func TestDeadRecipientOnSend(t *testing.T) {
	h := newHarness()
	a := h.newTask(1, false)
	b := h.newTask(2, true)

	if _, err := h.sub.RequestChannel(a, b.Tid); err != nil {
		t.Fatalf("RequestChannel: %v", err)
	}
	aCid, err := h.sub.CreateChannel(b, a.Tid)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	_ = aCid
	bCid := task.ChannelId(a.MessageQueue[0].Message.Notification.Arg)

	mid, _, _, err := h.sub.CreateMessage(a, bCid, 10)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	h.sub.TeardownTask(b)

	err = h.sub.SendMessage(a, bCid, mid, 5)
	if kerr(err) == nil || kerr(err).Kind != KindInvalidRecipient {
		t.Fatalf("SendMessage after peer death = %v, want InvalidRecipient", err)
	}
	if len(a.Channels[bCid].Outbound) != 0 {
		t.Fatal("A's outbound entry should already be removed")
	}
}

// Scenario: undersized send.
func TestUndersizedSend(t *testing.T) {
	h := newHarness()
	a := h.newTask(1, false)
	b := h.newTask(2, true)

	if _, err := h.sub.RequestChannel(a, b.Tid); err != nil {
		t.Fatalf("RequestChannel: %v", err)
	}
	if _, err := h.sub.CreateChannel(b, a.Tid); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	cid := task.ChannelId(a.MessageQueue[0].Message.Notification.Arg)

	mid, _, size, err := h.sub.CreateMessage(a, cid, mem.PageSize)
	if err != nil || size != mem.PageSize {
		t.Fatalf("CreateMessage = %d, %v", size, err)
	}

	err = h.sub.SendMessage(a, cid, mid, mem.PageSize*2)
	if kerr(err) == nil || kerr(err).Kind != KindInvalidArgument || kerr(err).Arg != 2 {
		t.Fatalf("SendMessage(oversized len) = %v, want InvalidArgument(2)", err)
	}
	if len(a.Channels[cid].Outbound) != 0 {
		t.Fatal("A's outbound entry should be gone after a failed send")
	}
}

func TestCreateChannelRespectsSystemLimit(t *testing.T) {
	lim := &limits.System{}
	lim.Channels.Given(2) // room for exactly one channel (2 endpoints)
	lim.Tasks.Given(10)
	tbl := task.NewTable(lim)
	h := &harness{sub: NewSubsystem(tbl, &stats.Registry{}), table: tbl}
	a := h.newTask(1, false)
	b := h.newTask(2, true)
	c := h.newTask(3, true)

	if _, err := h.sub.CreateChannel(a, b.Tid); err != nil {
		t.Fatalf("first CreateChannel: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic once the channel budget is exhausted")
		}
	}()
	h.sub.CreateChannel(a, c.Tid)
}

// Scenario: read sentinel.
func TestReadSentinel(t *testing.T) {
	h := newHarness()
	a := h.newTask(1, false)
	b := h.newTask(2, true)

	if _, err := h.sub.RequestChannel(a, b.Tid); err != nil {
		t.Fatalf("RequestChannel: %v", err)
	}
	if _, err := h.sub.CreateChannel(b, a.Tid); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	cid := task.ChannelId(a.MessageQueue[0].Message.Notification.Arg)

	mid, vaddr, length, err := h.sub.ReadMessage(a, cid)
	if err != nil || mid != 0 || vaddr != 0 || length != 0 {
		t.Fatalf("ReadMessage on empty inbound = (%d, %#x, %d), %v, want (0,0,0),nil", mid, vaddr, length, err)
	}
}
