package routines

import (
	"testing"
	"time"

	"github.com/zboralski/xrecomp/internal/dispatch"
	"github.com/zboralski/xrecomp/internal/kernel"
	"github.com/zboralski/xrecomp/internal/machine"
)

const (
	startRoutine   = 0x00010100
	nestedRoutine  = 0x00010200
	exitingRoutine = 0x00010300
)

// createThread calls PsCreateSystemThreadEx with the given start routine
// and contexts, returning the status and the handle and id written back.
func (h *harness) createThread(start, ctx1, ctx2 uint32) (kernel.Status, uint32, uint32) {
	h.t.Helper()
	hp, idp := h.scratch(4), h.scratch(4)
	st := h.status(255, hp, 0, 0x4000, 0, idp, ctx1, ctx2, 0, 0, start)
	return st, h.mem.ReadU32(hp), h.mem.ReadU32(idp)
}

func TestCreateThreadRunsInline(t *testing.T) {
	var (
		ran        bool
		gotCtx     [2]uint32
		gotRet     uint32
		threadSeen uint32
		h          *harness
	)
	start := func(c *machine.Context) {
		ran = true
		gotRet = c.ReadU32(c.ESP)
		gotCtx = [2]uint32{c.Arg(0), c.Arg(1)}
		threadSeen = h.bridge.CurrentThread()
		// Clobber everything the caller might care about.
		c.EBX, c.ESI, c.EDI, c.EBP = 1, 2, 3, 4
		c.EAX = 0x1234
		c.Pop()
		c.ESP += 8
	}
	h = newHarness(t, dispatch.Entry{Addr: startRoutine, Name: "thread_main", Fn: start})

	h.ctx.EBX, h.ctx.ESI, h.ctx.EDI, h.ctx.EBP = 0xB, 0x51, 0xD1, 0xB9
	st, handle, id := h.createThread(startRoutine, 0xC0DE0001, 0xC0DE0002)
	if st != kernel.StatusSuccess {
		t.Fatalf("status = %s", st)
	}
	if !ran {
		t.Fatal("start routine did not run before the call returned")
	}
	if gotCtx != [2]uint32{0xC0DE0001, 0xC0DE0002} {
		t.Errorf("start contexts = %#x", gotCtx)
	}
	if gotRet != machine.ReturnSentinel {
		t.Errorf("start routine return address = 0x%08X", gotRet)
	}
	if threadSeen == kernel.MainThread || threadSeen != id {
		t.Errorf("thread during start = %d, id written = %d", threadSeen, id)
	}
	if handle == 0 {
		t.Error("no handle written")
	}
	if h.ctx.EBX != 0xB || h.ctx.ESI != 0x51 || h.ctx.EDI != 0xD1 || h.ctx.EBP != 0xB9 {
		t.Errorf("callee-saved registers not restored: %s", h.ctx.Registers)
	}
	if h.bridge.ThreadActive() || h.bridge.CurrentThread() != kernel.MainThread {
		t.Error("execution context still active")
	}

	// A second context gets fresh identifiers.
	_, handle2, id2 := h.createThread(startRoutine, 0, 0)
	if handle2 == handle || id2 == id {
		t.Errorf("identifiers reused: handle 0x%X/0x%X id %d/%d", handle, handle2, id, id2)
	}
}

func TestCreateThreadRefusesNesting(t *testing.T) {
	var h *harness
	var inner kernel.Status
	outer := func(c *machine.Context) {
		inner, _, _ = h.createThread(nestedRoutine, 0, 0)
		c.Pop()
		c.ESP += 8
	}
	innerRan := false
	nested := func(c *machine.Context) {
		innerRan = true
		c.Pop()
		c.ESP += 8
	}
	h = newHarness(t,
		dispatch.Entry{Addr: startRoutine, Name: "outer", Fn: outer},
		dispatch.Entry{Addr: nestedRoutine, Name: "inner", Fn: nested},
	)

	if st, _, _ := h.createThread(startRoutine, 0, 0); st != kernel.StatusSuccess {
		t.Fatalf("outer status = %s", st)
	}
	if inner != kernel.StatusUnsuccessful {
		t.Errorf("nested status = %s, want %s", inner, kernel.StatusUnsuccessful)
	}
	if innerRan {
		t.Error("nested start routine ran")
	}
}

func TestTerminateThreadUnwinds(t *testing.T) {
	var h *harness
	after := false
	exiting := func(c *machine.Context) {
		h.ctx.Push(0x2A)
		h.disp.Call(c, h.addr(258))
		after = true
	}
	h = newHarness(t, dispatch.Entry{Addr: exitingRoutine, Name: "exiting", Fn: exiting})

	h.ctx.ESI = 0x5151
	if st, _, _ := h.createThread(exitingRoutine, 0, 0); st != kernel.StatusSuccess {
		t.Fatalf("status = %s", st)
	}
	if after {
		t.Error("execution continued after PsTerminateSystemThread")
	}
	if h.ctx.ESI != 0x5151 {
		t.Error("registers not restored after terminate")
	}
	if h.bridge.ThreadActive() {
		t.Error("context still active after terminate")
	}

	// Outside a context the call is reported and returns.
	h.ctx.Push(0)
	h.disp.Call(h.ctx, h.addr(258))
	if h.ctx.ESP != h.ctx.StackTop() {
		t.Error("terminate outside a context unbalanced the stack")
	}
}

func TestDelayAdvancesVirtualClock(t *testing.T) {
	h := newHarness(t)
	interval := h.scratch(8)
	h.mem.WriteU64(interval, relative(25*time.Millisecond)) // 25 ms relative
	if st := h.status(256, 0, 0, interval); st != kernel.StatusSuccess {
		t.Fatalf("status = %s", st)
	}
	if got := h.clock.Elapsed().Milliseconds(); got != 25 {
		t.Errorf("elapsed = %d ms, want 25", got)
	}

	h.call(151, 1500)
	if got := h.clock.Elapsed().Microseconds(); got != 26500 {
		t.Errorf("elapsed after stall = %d us", got)
	}
}
