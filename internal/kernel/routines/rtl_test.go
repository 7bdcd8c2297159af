package routines

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zboralski/xrecomp/internal/kernel"
)

func TestInitAnsiString(t *testing.T) {
	h := newHarness(t)
	dst := h.scratch(kernel.AnsiStringSize)
	src := h.cstring(`\Device\CdRom0`)

	h.call(289, dst, src)
	if got := h.mem.ReadU16(dst); got != 14 {
		t.Errorf("Length = %d", got)
	}
	if got := h.mem.ReadU16(dst + 2); got != 15 {
		t.Errorf("MaximumLength = %d", got)
	}
	if got := h.mem.ReadU32(dst + 4); got != src {
		t.Errorf("Buffer = 0x%08X", got)
	}

	h.call(289, dst, 0)
	if h.mem.ReadU32(dst) != 0 || h.mem.ReadU32(dst+4) != 0 {
		t.Error("null source did not clear the string")
	}
}

func TestNtStatusToDosError(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		status kernel.Status
		want   uint32
	}{
		{kernel.StatusSuccess, 0},
		{kernel.StatusObjectNameNotFound, 2},
		{kernel.StatusObjectPathNotFound, 3},
		{kernel.StatusAccessDenied, 5},
		{kernel.StatusInvalidHandle, 6},
		{kernel.StatusNoMemory, 8},
		{kernel.StatusEndOfFile, 38},
		{kernel.StatusInvalidParameter, 87},
		{kernel.StatusObjectNameCollision, 183},
		{0xC0001234, errorMrMidNotFound},
	}
	for _, tt := range tests {
		if got := h.call(301, uint32(tt.status)); got != tt.want {
			t.Errorf("RtlNtStatusToDosError(%s) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestStringComparisonAndConversion(t *testing.T) {
	h := newHarness(t)
	ansi := func(s string) uint32 {
		p := h.scratch(kernel.AnsiStringSize)
		kernel.WriteAnsiString(h.mem, p, h.cstring(s), len(s))
		return p
	}
	a, b := ansi("Default.XBE"), ansi("default.xbe")
	if h.call(279, a, b, 0) != 0 {
		t.Error("case-sensitive compare matched")
	}
	if h.call(279, a, b, 1) != 1 {
		t.Error("case-insensitive compare failed")
	}

	wide := h.scratch(kernel.AnsiStringSize)
	if st := h.status(260, wide, a, 1); st != kernel.StatusSuccess {
		t.Fatalf("RtlAnsiStringToUnicodeString = %s", st)
	}
	if got := h.mem.ReadU16(wide); got != 22 {
		t.Errorf("unicode Length = %d", got)
	}
	back := h.scratch(kernel.AnsiStringSize)
	if st := h.status(308, back, wide, 1); st != kernel.StatusSuccess {
		t.Fatalf("RtlUnicodeStringToAnsiString = %s", st)
	}
	if got, err := kernel.ReadAnsiString(h.mem, back); err != nil || got != "Default.XBE" {
		t.Errorf("round trip = %q, %v", got, err)
	}

	words := h.scratch(16)
	for i := uint32(0); i < 3; i++ {
		h.mem.WriteU32(words+4*i, 0xFFFFFFFF)
	}
	if got := h.call(269, words, 16, 0xFFFFFFFF); got != 12 {
		t.Errorf("RtlCompareMemoryUlong = %d, want 12", got)
	}
}

func TestTimeFields(t *testing.T) {
	h := newHarness(t)
	when := time.Date(2005, 3, 14, 15, 9, 26, 535*1e6, time.UTC)
	tp, fields := h.scratch(8), h.scratch(timeFieldsSize)
	h.mem.WriteU64(tp, fileTime(when))

	h.call(305, tp, fields)
	got := make([]uint16, timeFieldsSize/2)
	for i := range got {
		got[i] = h.mem.ReadU16(fields + uint32(2*i))
	}
	want := []uint16{2005, 3, 14, 15, 9, 26, 535, uint16(time.Monday)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TIME_FIELDS mismatch (-want +got):\n%s", diff)
	}

	out := h.scratch(8)
	if h.call(304, fields, out) != 1 {
		t.Fatal("RtlTimeFieldsToTime rejected valid fields")
	}
	if h.mem.ReadU64(out) != fileTime(when) {
		t.Errorf("round trip = %d, want %d", h.mem.ReadU64(out), fileTime(when))
	}

	// 31 February
	h.mem.WriteU16(fields+2, 2)
	h.mem.WriteU16(fields+4, 31)
	if h.call(304, fields, out) != 0 {
		t.Error("RtlTimeFieldsToTime accepted 31 February")
	}
}

func TestRaiseExceptionStopsTheCall(t *testing.T) {
	h := newHarness(t)
	rec := h.scratch(16)
	h.mem.WriteU32(rec, 0xC0000005)
	h.ctx.Push(rec)
	defer func() {
		r := recover()
		bc, ok := r.(*kernel.BugCheck)
		if !ok {
			t.Fatalf("recovered %T, want *kernel.BugCheck", r)
		}
		if bc.Code != 0xC0000005 || bc.Routine != "RtlRaiseException" {
			t.Errorf("bug check = %+v", bc)
		}
	}()
	h.disp.Call(h.ctx, h.addr(302))
	t.Fatal("RtlRaiseException returned")
}
