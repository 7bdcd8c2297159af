package kernel

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zboralski/xrecomp/internal/arena"
	"github.com/zboralski/xrecomp/internal/config"
	"github.com/zboralski/xrecomp/internal/dispatch"
	"github.com/zboralski/xrecomp/internal/heap"
	"github.com/zboralski/xrecomp/internal/image"
	"github.com/zboralski/xrecomp/internal/log"
	"github.com/zboralski/xrecomp/internal/machine"
)

// testOrdinals fills the 16-entry thunk table of the small layout.
var testOrdinals = []uint32{
	322, // XboxHardwareInfo (data)
	187, // NtClose
	255, // PsCreateSystemThreadEx
	160, // KfRaiseIrql (fastcall)
	999, // not a kernel export
	8,   // DbgPrint (cdecl)
	3,   // AvSetDisplayMode
	2,   // AvSendTVEncoderOption, unregistered
	156, // KeTickCount (data)
	164, // LaunchDataPage (data)
	328, // XeImageFileName (data)
	17,  // ExEventObjectType (data)
	189, // NtCreateEvent
	225, // NtSetEvent
	145, // KeSetEvent
	159, // KeWaitForSingleObject
}

type fixture struct {
	cfg    *config.Config
	mem    *arena.Arena
	heap   *heap.Heap
	ctx    *machine.Context
	bridge *Bridge
	disp   *dispatch.Dispatcher
}

func newFixture(t *testing.T, reg *Registry) *fixture {
	t.Helper()
	cfg := config.Small()
	data := make([]byte, 0x4000)
	for i, ord := range testOrdinals {
		binary.LittleEndian.PutUint32(data[0x1000+4*i:], PlaceholderBit|ord)
	}
	img, err := image.FromBytes(data, cfg)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	a, err := arena.Map(img, cfg, log.NewNop())
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	h := heap.New(cfg.Heap.Base.U32(), uint64(cfg.Heap.Size), cfg.Heap.MinAlign.U32(), log.NewNop())
	c := machine.New(a, cfg.Stack.Base.U32(), uint32(cfg.Stack.Size))
	b := NewBridge(a, h, cfg.Kernel, reg, Services{}, log.NewNop())
	d := dispatch.New(log.NewNop(), b)
	b.SetDispatcher(d)
	return &fixture{cfg: cfg, mem: a, heap: h, ctx: c, bridge: b, disp: d}
}

func (f *fixture) init(t *testing.T) Stats {
	t.Helper()
	st, err := f.bridge.Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return st
}

func (f *fixture) entry(i int) uint32 {
	return f.mem.ReadU32(f.cfg.Kernel.ThunkTable.U32() + uint32(i)*4)
}

func testRegistry() *Registry {
	r := NewRegistry()
	r.RegisterFunc("ob", 187, func(k *Call) { k.ReturnStatus(StatusSuccess) })
	r.RegisterFunc("hal", 160, func(k *Call) {
		old := k.Bridge.SetIRQL(uint8(k.Ctx.ECX))
		k.Return(uint32(old))
	})
	r.RegisterFunc("dbg", 8, func(k *Call) { k.Return(0) })
	return r
}

func TestInitClassifiesEverySlot(t *testing.T) {
	f := newFixture(t, testRegistry())
	st := f.init(t)

	want := Stats{Total: 16, Data: 5, Function: 10, Bridged: 3, Unbridged: 7, Unknown: 1}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	data := f.cfg.Kernel.DataBase.U32()
	syn := f.cfg.Kernel.SyntheticBase.U32()
	for i, ord := range testOrdinals {
		got := f.entry(i)
		e, known := LookupExport(uint16(ord))
		switch {
		case !known:
			if got != PlaceholderBit|ord {
				t.Errorf("slot %d: unknown ordinal rewritten to 0x%08X", i, got)
			}
		case e.Kind == Data:
			if got < data || got >= data+f.cfg.Kernel.DataSize.U32() {
				t.Errorf("slot %d (%s): 0x%08X outside data region", i, e.Name, got)
			}
		case e.Kind == Function:
			if got != syn+uint32(i)*4 {
				t.Errorf("slot %d (%s): got 0x%08X, want 0x%08X", i, e.Name, got, syn+uint32(i)*4)
			}
		}
	}
	if got := f.entry(0); got != data+DataHardwareInfo {
		t.Errorf("hardware info slot = 0x%08X", got)
	}
	if got := f.mem.ReadU32(data + DataHardwareInfo); got != hardwareFlags {
		t.Errorf("hardware flags = 0x%X", got)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	f := newFixture(t, testRegistry())
	f.init(t)
	before := make([]uint32, len(testOrdinals))
	for i := range before {
		before[i] = f.entry(i)
	}
	page := f.mem.ReadU32(f.bridge.DataAddr(DataLaunchDataPage))

	st := f.init(t)
	if st.Skipped != 15 {
		t.Errorf("second Init skipped %d entries, want 15", st.Skipped)
	}
	for i := range before {
		if got := f.entry(i); got != before[i] {
			t.Errorf("slot %d changed: 0x%08X -> 0x%08X", i, before[i], got)
		}
	}
	if got := f.mem.ReadU32(f.bridge.DataAddr(DataLaunchDataPage)); got != page {
		t.Errorf("launch page reallocated: 0x%08X -> 0x%08X", page, got)
	}
}

func TestThunkTableStaysReadOnly(t *testing.T) {
	f := newFixture(t, testRegistry())
	f.init(t)
	if !f.mem.IsReadOnly(f.cfg.Kernel.ThunkTable.U32(), 4) {
		t.Fatal("thunk table writable after Init")
	}
}

func TestDataRecords(t *testing.T) {
	f := newFixture(t, testRegistry())
	f.init(t)

	name, err := ReadAnsiString(f.mem, f.entry(10))
	if err != nil {
		t.Fatalf("XeImageFileName: %v", err)
	}
	if name != f.cfg.Kernel.ImageName {
		t.Errorf("XeImageFileName = %q", name)
	}

	ver := f.bridge.DataAddr(DataKrnlVersion)
	if got := f.mem.ReadU16(ver + 4); got != kernelBuild {
		t.Errorf("kernel build = %d", got)
	}

	page := f.mem.ReadU32(f.entry(9))
	if !f.heap.Contains(page) || page%launchPageSize != 0 {
		t.Errorf("launch data page 0x%08X", page)
	}

	ev := f.entry(11)
	tag := f.mem.ReadU32(ev)
	if s, _ := f.mem.ReadString(tag, 8); s != "Evnt" {
		t.Errorf("event type tag = %q", s)
	}
}

// call performs a host-initiated call to a slot with the given stack
// arguments, pushed right to left.
func (f *fixture) call(slot int, args ...uint32) {
	for i := len(args) - 1; i >= 0; i-- {
		f.ctx.Push(args[i])
	}
	f.disp.Call(f.ctx, f.bridge.SyntheticAddr(slot))
}

func TestStdcallCleanup(t *testing.T) {
	f := newFixture(t, testRegistry())
	f.init(t)

	for _, s := range f.bridge.Slots() {
		if s.Kind != Function {
			continue
		}
		args := make([]uint32, s.ArgBytes/4)
		sp := f.ctx.ESP
		f.call(s.Index, args...)
		if f.ctx.ESP != sp {
			t.Errorf("%s: ESP 0x%08X after call, want 0x%08X", s.Export.Name, f.ctx.ESP, sp)
		}
		f.ctx.ESP = sp
	}
}

func TestCdeclLeavesArguments(t *testing.T) {
	f := newFixture(t, testRegistry())
	f.init(t)

	sp := f.ctx.ESP
	f.call(5, 0x1000, 7)
	if f.ctx.ESP != sp-8 {
		t.Errorf("DbgPrint: ESP = 0x%08X, want caller-owned args at 0x%08X", f.ctx.ESP, sp-8)
	}
}

func TestFastcallUsesRegisters(t *testing.T) {
	f := newFixture(t, testRegistry())
	f.init(t)

	f.ctx.ECX = 2
	sp := f.ctx.ESP
	f.call(3)
	if f.ctx.ESP != sp {
		t.Errorf("KfRaiseIrql moved ESP by %d", int64(f.ctx.ESP)-int64(sp))
	}
	if f.bridge.IRQL() != 2 || f.ctx.EAX != 0 {
		t.Errorf("irql=%d eax=%d", f.bridge.IRQL(), f.ctx.EAX)
	}
}

func TestUnregisteredRoutineReturnsZero(t *testing.T) {
	f := newFixture(t, testRegistry())
	f.init(t)

	f.ctx.EAX = 0x5555
	sp := f.ctx.ESP
	f.call(7, 1, 2, 3, 4)
	if f.ctx.EAX != 0 {
		t.Errorf("EAX = 0x%X, want 0", f.ctx.EAX)
	}
	if f.ctx.ESP != sp {
		t.Errorf("ESP = 0x%08X, want 0x%08X", f.ctx.ESP, sp)
	}
	f.call(7, 1, 2, 3, 4)
	if got := f.bridge.Fallbacks()[2]; got != 2 {
		t.Errorf("fallback count = %d, want 2", got)
	}
}

func TestRoutineReadsArguments(t *testing.T) {
	reg := testRegistry()
	var got []uint32
	reg.RegisterFunc("av", 3, func(k *Call) {
		for i := 0; i < 6; i++ {
			got = append(got, k.Arg(i))
		}
		if k.ReturnAddr != machine.ReturnSentinel {
			t.Errorf("return address 0x%08X", k.ReturnAddr)
		}
	})
	f := newFixture(t, reg)
	f.init(t)

	slot, ok := f.bridge.Slot(3)
	if !ok || !slot.Bridged() {
		t.Fatal("AvSetDisplayMode slot not bridged")
	}
	sp := f.ctx.ESP
	f.call(slot.Index, 10, 11, 12, 13, 14, 15)
	if diff := cmp.Diff([]uint32{10, 11, 12, 13, 14, 15}, got); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if f.ctx.ESP != sp {
		t.Errorf("ESP = 0x%08X, want 0x%08X", f.ctx.ESP, sp)
	}
}

func TestTryResolveRejectsForeignAddresses(t *testing.T) {
	f := newFixture(t, testRegistry())
	f.init(t)

	syn := f.cfg.Kernel.SyntheticBase.U32()
	for _, addr := range []uint32{syn + 2, syn + 4*16, syn + 4*4, syn + 0, 0x00010000} {
		if _, ok := f.bridge.TryResolve(addr); ok {
			t.Errorf("TryResolve(0x%08X) succeeded", addr)
		}
	}
	if tgt, ok := f.bridge.TryResolve(syn + 4); !ok || tgt.Name != "NtClose" || tgt.Tier != dispatch.TierKernel {
		t.Errorf("TryResolve(NtClose slot) = %+v, %v", tgt, ok)
	}
}

func TestTickCountRefreshed(t *testing.T) {
	f := newFixture(t, testRegistry())
	clk := &stepClock{}
	f.bridge.services.Clock = clk
	f.init(t)

	clk.ticks = 42
	f.call(1, 0)
	if got := f.mem.ReadU32(f.entry(8)); got != 42 {
		t.Errorf("KeTickCount = %d, want 42", got)
	}
}

type stepClock struct{ ticks uint32 }

func (c *stepClock) SystemTime() uint64           { return 0 }
func (c *stepClock) PerformanceCounter() uint64   { return uint64(c.ticks) }
func (c *stepClock) PerformanceFrequency() uint64 { return 1000 }
func (c *stepClock) TickCount() uint32            { return c.ticks }
func (c *stepClock) Sleep(d time.Duration)        { c.ticks += uint32(d / time.Millisecond) }
