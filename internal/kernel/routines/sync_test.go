package routines

import (
	"testing"
	"time"

	"github.com/zboralski/xrecomp/internal/kernel"
)

func TestCriticalSectionRecursion(t *testing.T) {
	h := newHarness(t)
	cs := h.scratch(kernel.CritSectSize)
	field := func(off uint32) int32 { return h.mem.ReadI32(cs + off) }

	h.call(291, cs)
	if got := field(kernel.CritSectLockCount); got != -1 {
		t.Fatalf("initial LockCount = %d", got)
	}

	h.call(277, cs)
	h.call(277, cs)
	if got := field(kernel.CritSectRecursionCount); got != 2 {
		t.Errorf("RecursionCount = %d, want 2", got)
	}
	if got := uint32(field(kernel.CritSectOwningThread)); got != kernel.MainThread {
		t.Errorf("OwningThread = %d", got)
	}
	if got := field(kernel.CritSectLockCount); got != 1 {
		t.Errorf("LockCount = %d, want 1", got)
	}

	h.call(294, cs)
	h.call(294, cs)
	if field(kernel.CritSectRecursionCount) != 0 || field(kernel.CritSectOwningThread) != 0 {
		t.Error("section still owned after balanced leaves")
	}
	if got := field(kernel.CritSectLockCount); got != -1 {
		t.Errorf("LockCount after leave = %d", got)
	}

	// An extra leave is reported and changes nothing.
	h.call(294, cs)
	if got := field(kernel.CritSectLockCount); got != -1 {
		t.Errorf("unbalanced leave changed LockCount to %d", got)
	}
}

func TestKernelEventWait(t *testing.T) {
	h := newHarness(t)
	ev := h.scratch(16)
	timeout := h.scratch(8)
	h.mem.WriteU64(timeout, relative(10*time.Millisecond)) // 10 ms relative

	// Synchronization event: a satisfied wait resets it.
	h.mem.WriteU8(ev, synchronizationEvent)
	if prev := h.call(145, ev, 0, 0); prev != 0 {
		t.Errorf("KeSetEvent previous state = %d", prev)
	}
	if st := h.status(159, ev, 0, 0, 0, timeout); st != kernel.StatusSuccess {
		t.Errorf("wait on signaled event = %s", st)
	}
	if h.mem.ReadU32(ev+kernel.EventSignalState) != 0 {
		t.Error("synchronization event not reset")
	}
	if st := h.status(159, ev, 0, 0, 0, timeout); st != kernel.StatusTimeout {
		t.Errorf("wait on reset event = %s", st)
	}
	if h.clock.Elapsed() != 10*time.Millisecond {
		t.Errorf("timeout elapsed %v", h.clock.Elapsed())
	}

	// Notification event stays signaled.
	h.mem.WriteU8(ev, notificationEvent)
	h.call(145, ev, 0, 0)
	for i := 0; i < 2; i++ {
		if st := h.status(159, ev, 0, 0, 0, 0); st != kernel.StatusSuccess {
			t.Errorf("notification wait %d = %s", i, st)
		}
	}

	// An unbounded wait on an unsignaled object cannot be satisfied by
	// anyone else; it is reported and treated as satisfied.
	h.mem.WriteU32(ev+kernel.EventSignalState, 0)
	if st := h.status(159, ev, 0, 0, 0, 0); st != kernel.StatusSuccess {
		t.Errorf("unbounded wait = %s", st)
	}
}

func TestHandleEvents(t *testing.T) {
	h := newHarness(t)
	hp, prev := h.scratch(4), h.scratch(4)

	if st := h.status(189, hp, 0, synchronizationEvent, 0); st != kernel.StatusSuccess {
		t.Fatalf("NtCreateEvent = %s", st)
	}
	ev := h.mem.ReadU32(hp)
	if st := h.status(234, ev, 0, 0); st != kernel.StatusSuccess {
		// Unbounded wait on an unsignaled event returns success with a
		// warning; anything else is a bug.
		t.Errorf("NtWaitForSingleObject = %s", st)
	}
	h.mem.WriteU32(prev, 0xFF)
	if st := h.status(225, ev, prev); st != kernel.StatusSuccess {
		t.Fatalf("NtSetEvent = %s", st)
	}
	if h.mem.ReadU32(prev) != 0 {
		t.Errorf("previous state = %d", h.mem.ReadU32(prev))
	}

	// Second event, never signaled; wait-any reports the signaled index.
	h.status(189, hp, 0, notificationEvent, 0)
	other := h.mem.ReadU32(hp)
	handles := h.scratch(8)
	h.mem.WriteU32(handles, other)
	h.mem.WriteU32(handles+4, ev)
	if got := h.call(233, 2, handles, waitAny, 0, 0); got != uint32(kernel.StatusSuccess)+1 {
		t.Errorf("wait any = 0x%X, want 1", got)
	}

	zero := h.scratch(8)
	if st := h.status(233, 2, handles, waitAll, 0, zero); st != kernel.StatusTimeout {
		t.Errorf("wait all with one unsignaled = %s", st)
	}
	if st := h.status(233, 0, handles, waitAll, 0, zero); st != kernel.StatusInvalidParameter {
		t.Errorf("wait on zero handles = %s", st)
	}

	if st := h.status(187, ev); st != kernel.StatusSuccess {
		t.Errorf("NtClose = %s", st)
	}
	if st := h.status(225, ev, 0); st != kernel.StatusInvalidHandle {
		t.Errorf("NtSetEvent on closed handle = %s", st)
	}
}
