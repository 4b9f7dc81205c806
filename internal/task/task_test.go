package task

import (
	"testing"

	"rvkernel/internal/limits"
	"rvkernel/internal/mem"
	"rvkernel/internal/vm"
)

func newTestSpace() *vm.Space {
	a := mem.NewAllocator()
	a.AddRegion(16)
	return vm.NewSpace(a, 0x2000_0000)
}

func TestNextChannelIDMonotonic(t *testing.T) {
	tk := New(1, newTestSpace())
	ids := []ChannelId{tk.NextChannelID(), tk.NextChannelID(), tk.NextChannelID()}
	for i, id := range ids {
		if id != ChannelId(i) {
			t.Fatalf("ids[%d] = %d, want %d", i, id, i)
		}
	}
}

func TestPushFrontOrdering(t *testing.T) {
	tk := New(1, newTestSpace())
	tk.PushBack(QueueEntry{Sender: KernelSender(), Message: EmptyMessage()})
	tk.PushFront(QueueEntry{Sender: KernelSender(), Message: NotificationMessage(Notification{Kind: ChannelOpened})})
	if len(tk.MessageQueue) != 2 {
		t.Fatalf("len = %d, want 2", len(tk.MessageQueue))
	}
	if tk.MessageQueue[0].Message.Notification.Kind != ChannelOpened {
		t.Fatal("PushFront should place ChannelOpened at the head")
	}
}

func TestBlockUnblock(t *testing.T) {
	tk := New(1, newTestSpace())
	tk.Block()
	if tk.State != Blocked {
		t.Fatal("Block should set State to Blocked")
	}
	tk.Unblock()
	if tk.State != Running {
		t.Fatal("Unblock should set State back to Running")
	}
}

func TestTableInsertGetRemove(t *testing.T) {
	tt := NewTable(limits.NewSystem())
	tk := New(42, newTestSpace())
	if !tt.Insert(tk) {
		t.Fatal("Insert should succeed under a fresh table")
	}
	got, ok := tt.Get(42)
	if !ok || got.Tid != 42 {
		t.Fatalf("Get = %v, %v, want tid 42", got, ok)
	}
	tt.Remove(tk)
	if _, ok := tt.Get(42); ok {
		t.Fatal("Get after Remove should fail")
	}
}

func TestLockPairOrdering(t *testing.T) {
	a := New(5, newTestSpace())
	b := New(2, newTestSpace())
	LockPair(a, b)
	defer UnlockPair(a, b)
	if b.TryLock() {
		t.Fatal("b should already be locked by LockPair")
	}
}
