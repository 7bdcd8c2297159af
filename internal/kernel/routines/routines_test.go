package routines

import (
	"math"
	"testing"
	"time"

	"github.com/zboralski/xrecomp/internal/kernel"
)

func TestReadTimeout(t *testing.T) {
	h := newHarness(t)
	now := int64(h.clock.SystemTime())
	tests := []struct {
		name  string
		nilp  bool
		value int64
		want  time.Duration
	}{
		{name: "nil waits forever", nilp: true, want: kernel.Infinite},
		{name: "zero polls", value: 0, want: 0},
		{name: "relative", value: -250_000, want: 25 * time.Millisecond},
		{name: "largest relative", value: -(math.MaxInt64 / 100), want: time.Duration(math.MaxInt64/100) * 100},
		{name: "relative overflow", value: -(math.MaxInt64/100 + 1), want: kernel.Infinite},
		{name: "most negative", value: math.MinInt64, want: kernel.Infinite},
		{name: "absolute future", value: now + 100_000, want: 10 * time.Millisecond},
		{name: "absolute past", value: now - 1, want: 0},
		{name: "absolute overflow", value: math.MaxInt64, want: kernel.Infinite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ptr uint32
			if !tt.nilp {
				ptr = h.scratch(8)
				h.mem.WriteU64(ptr, uint64(tt.value))
			}
			k := &kernel.Call{Ctx: h.ctx, Bridge: h.bridge}
			if got := readTimeout(k, ptr); got != tt.want {
				t.Errorf("readTimeout(%d) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestDelayWithOverflowingIntervalDoesNotSleep(t *testing.T) {
	h := newHarness(t)
	interval := h.scratch(8)
	h.mem.WriteU64(interval, 1<<63) // math.MinInt64
	if st := h.status(256, 0, 0, interval); st != kernel.StatusSuccess {
		t.Fatalf("status = %s", st)
	}
	if got := h.clock.Elapsed(); got != 0 {
		t.Errorf("elapsed = %v, want 0", got)
	}
	if h.ctx.ESP != h.ctx.StackTop() {
		t.Error("stack unbalanced")
	}
}
