package routines

import (
	"crypto/sha1"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zboralski/xrecomp/internal/hostsvc"
	"github.com/zboralski/xrecomp/internal/kernel"
)

func TestFormatGuest(t *testing.T) {
	h := newHarness(t)
	pi := math.Float64bits(3.14159)
	tests := []struct {
		format string
		args   []uint32
		want   string
	}{
		{"plain text", nil, "plain text"},
		{"%d apples, %u left", []uint32{uint32(0xFFFFFFFB), 0xFFFFFFFF}, "-5 apples, 4294967295 left"},
		{"[%08X] [%x] [%o]", []uint32{0xBEEF, 255, 8}, "[0000BEEF] [ff] [10]"},
		{"[%-4d] [%*d]", []uint32{7, 5, 42}, "[7   ] [   42]"},
		{"%s=%5.3s", []uint32{0, 0}, "(null)=  (nu"},
		{"%c%c %%", []uint32{'o', 'k'}, "ok %"},
		{"%I64d %llx", []uint32{0xFFFFFFFF, 0xFFFFFFFF, 0, 1}, "-1 100000000"},
		{"%.2f", []uint32{uint32(pi), uint32(pi >> 32)}, "3.14"},
		{"%ld %hd", []uint32{12, 34}, "12 34"},
		{"tail %", nil, "tail %"},
		{"%q", nil, "%q"},
	}
	for _, tt := range tests {
		f := h.cstring(tt.format)
		for i := len(tt.args) - 1; i >= 0; i-- {
			h.ctx.Push(tt.args[i])
		}
		h.ctx.Push(f)
		k := &kernel.Call{Ctx: h.ctx, Bridge: h.bridge}
		got := formatGuest(k, f, 1)
		h.ctx.ESP = h.ctx.StackTop()
		if got != tt.want {
			t.Errorf("format %q = %q, want %q", tt.format, got, tt.want)
		}
	}
}

func TestFormatGuestStrings(t *testing.T) {
	h := newHarness(t)
	f := h.cstring("%s loaded from %5.3s")
	name, dir := h.cstring("level01"), h.cstring("media")
	h.ctx.Push(dir)
	h.ctx.Push(name)
	k := &kernel.Call{Ctx: h.ctx, Bridge: h.bridge}
	if got := formatGuest(k, f, 0); got != "level01 loaded from   med" {
		t.Errorf("got %q", got)
	}
}

func TestDbgPrintIsCdecl(t *testing.T) {
	h := newHarness(t)
	f := h.cstring("frame %d")
	h.ctx.Push(60)
	h.ctx.Push(f)
	before := h.ctx.ESP
	h.disp.Call(h.ctx, h.addr(8))
	if h.ctx.ESP != before {
		t.Errorf("DbgPrint popped its arguments: ESP moved by %d", int32(h.ctx.ESP-before))
	}
	if st := kernel.Status(h.ctx.EAX); st != kernel.StatusSuccess {
		t.Errorf("status = %s", st)
	}
}

func TestIrqlFastcall(t *testing.T) {
	h := newHarness(t)
	h.ctx.ECX = dispatchLevel
	if old := h.call(160); old != passiveLevel {
		t.Errorf("KfRaiseIrql returned %d", old)
	}
	if h.bridge.IRQL() != dispatchLevel {
		t.Errorf("IRQL = %d", h.bridge.IRQL())
	}
	h.ctx.ECX = passiveLevel
	h.call(161)
	if h.bridge.IRQL() != passiveLevel {
		t.Errorf("IRQL after lower = %d", h.bridge.IRQL())
	}
	if old := h.call(129); old != passiveLevel || h.bridge.IRQL() != dispatchLevel {
		t.Errorf("KeRaiseIrqlToDpcLevel = %d, IRQL %d", old, h.bridge.IRQL())
	}
}

func TestTimeQueries(t *testing.T) {
	h := newHarness(t)
	h.clock.Advance(3 * time.Second)

	h.call(126)
	if got := uint64(h.ctx.EDX)<<32 | uint64(h.ctx.EAX); got != 3*hostsvc.AcpiFrequency {
		t.Errorf("KeQueryPerformanceCounter = %d", got)
	}
	h.call(127)
	if h.ctx.EAX != hostsvc.AcpiFrequency || h.ctx.EDX != 0 {
		t.Errorf("KeQueryPerformanceFrequency = %d:%d", h.ctx.EDX, h.ctx.EAX)
	}
	p := h.scratch(8)
	h.call(128, p)
	if got, want := h.mem.ReadU64(p), hostsvc.FileTime(epoch.Add(3*time.Second)); got != want {
		t.Errorf("KeQuerySystemTime = %d, want %d", got, want)
	}

	// The tick count data export follows the clock on every bridged call.
	if got := h.mem.ReadU32(h.bridge.DataAddr(kernel.DataTickCount)); got != 3000 {
		t.Errorf("KeTickCount = %d", got)
	}
}

func TestDisplayRoutines(t *testing.T) {
	h := newHarness(t)
	h.call(3, 0xFD000000, 0, 0x04401313, 0x1E, 2560, 0x03C00000)
	mode, ok := h.svc.Display.(*hostsvc.Display).Mode()
	if !ok || mode.Mode != 0x04401313 || mode.Pitch != 2560 || mode.FrameBuffer != 0x03C00000 {
		t.Errorf("display mode = %+v, %v", mode, ok)
	}

	h.call(4, 0x00123000)
	if got := h.call(1); got != 0x00123000 {
		t.Errorf("AvGetSavedDataAddress = 0x%X", got)
	}
}

func TestBugCheck(t *testing.T) {
	h := newHarness(t)
	for i := 4; i >= 1; i-- {
		h.ctx.Push(uint32(i))
	}
	h.ctx.Push(0xDEAD)
	defer func() {
		r := recover()
		bc, ok := r.(*kernel.BugCheck)
		if !ok {
			t.Fatalf("recovered %T", r)
		}
		if bc.Code != 0xDEAD || bc.Params != [4]uint32{1, 2, 3, 4} {
			t.Errorf("bug check = %+v", bc)
		}
	}()
	h.disp.Call(h.ctx, h.addr(98))
}

func TestSHA1(t *testing.T) {
	h := newHarness(t)
	ctx, digest := h.scratch(128), h.scratch(20)
	msg := "The quick brown fox jumps over the lazy dog"
	in := h.cstring(msg)

	h.call(337, ctx)
	h.call(338, ctx, in, 10)
	h.call(338, ctx, in+10, uint32(len(msg)-10))
	h.call(339, ctx, digest)

	got, err := h.mem.View(digest, 20)
	if err != nil {
		t.Fatal(err)
	}
	want := sha1.Sum([]byte(msg))
	if string(got) != string(want[:]) {
		t.Errorf("digest = %x, want %x", got, want)
	}
}

func TestSHAContextLivesInGuestMemory(t *testing.T) {
	h := newHarness(t)
	ctx, clone := h.scratch(shaContextSize), h.scratch(shaContextSize)
	digest, cloneDigest := h.scratch(20), h.scratch(20)
	prefix := strings.Repeat("a", 70) // spans one full block
	in := h.cstring(prefix + "left" + "right")

	h.call(337, ctx)
	if got := h.mem.ReadU32(ctx); got != 0x67452301 {
		t.Errorf("State[0] after init = %#x, want 0x67452301", got)
	}
	h.call(338, ctx, in, uint32(len(prefix)))
	if got := h.mem.ReadU64(ctx + shaCount); got != uint64(len(prefix))*8 {
		t.Errorf("Count = %d bits, want %d", got, len(prefix)*8)
	}

	// Copy the context the way the program would with memcpy.
	var block [shaContextSize]byte
	if err := h.mem.Read(ctx, block[:]); err != nil {
		t.Fatal(err)
	}
	if err := h.mem.Write(clone, block[:]); err != nil {
		t.Fatal(err)
	}

	h.call(338, ctx, in+uint32(len(prefix)), 4)
	h.call(338, clone, in+uint32(len(prefix))+4, 5)
	h.call(339, ctx, digest)
	h.call(339, clone, cloneDigest)

	tests := []struct {
		name string
		addr uint32
		msg  string
	}{
		{"original", digest, prefix + "left"},
		{"copy", cloneDigest, prefix + "right"},
	}
	for _, tt := range tests {
		got, err := h.mem.View(tt.addr, 20)
		if err != nil {
			t.Fatal(err)
		}
		want := sha1.Sum([]byte(tt.msg))
		if diff := cmp.Diff(want[:], got); diff != "" {
			t.Errorf("%s digest mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

func TestRC4KeySchedule(t *testing.T) {
	h := newHarness(t)
	state, key := h.scratch(rc4StateSize), h.cstring("Key")
	h.call(340, state, 3, key)
	// First bytes of the RC4 state after scheduling the key "Key".
	b, err := h.mem.View(state, rc4StateSize)
	if err != nil {
		t.Fatal(err)
	}
	if string(b[:4]) != "\x4b\x33\x84\x9d" || b[256] != 0 || b[257] != 0 {
		t.Errorf("state = % x ... % x", b[:4], b[256:])
	}
}
