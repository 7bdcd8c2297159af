package hostsvc

import (
	"math/bits"
	"sync"
	"time"
)

// AcpiFrequency is the performance counter rate of the original hardware.
const AcpiFrequency = 3579545

// epochDelta is the number of 100ns intervals between 1601-01-01 and
// 1970-01-01.
const epochDelta = 116444736000000000

// FileTime converts t to 100ns intervals since 1601-01-01 UTC.
func FileTime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100 + epochDelta)
}

// scale converts an elapsed duration to counter ticks at freq Hz without
// overflowing for long runs.
func scale(d time.Duration, freq uint64) uint64 {
	if d <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(d), freq)
	q, _ := bits.Div64(hi, lo, uint64(time.Second))
	return q
}

// Clock is the wall-clock implementation of kernel.Clock.
type Clock struct {
	start time.Time
}

// NewClock starts a clock at the current time.
func NewClock() *Clock { return &Clock{start: time.Now()} }

func (c *Clock) SystemTime() uint64 { return FileTime(time.Now()) }

func (c *Clock) PerformanceCounter() uint64 {
	return scale(time.Since(c.start), AcpiFrequency)
}

func (c *Clock) PerformanceFrequency() uint64 { return AcpiFrequency }

func (c *Clock) TickCount() uint32 {
	return uint32(time.Since(c.start) / time.Millisecond)
}

func (c *Clock) Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// VirtualClock is a deterministic clock: time only moves when the program
// sleeps or the host calls Advance.
type VirtualClock struct {
	mu      sync.Mutex
	base    time.Time
	elapsed time.Duration
}

// NewVirtualClock creates a clock reading base.
func NewVirtualClock(base time.Time) *VirtualClock {
	return &VirtualClock{base: base}
}

// Advance moves the clock forward.
func (c *VirtualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.elapsed += d
	c.mu.Unlock()
}

// Elapsed returns the virtual time since creation.
func (c *VirtualClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

func (c *VirtualClock) SystemTime() uint64 { return FileTime(c.base.Add(c.Elapsed())) }

func (c *VirtualClock) PerformanceCounter() uint64 {
	return scale(c.Elapsed(), AcpiFrequency)
}

func (c *VirtualClock) PerformanceFrequency() uint64 { return AcpiFrequency }

func (c *VirtualClock) TickCount() uint32 {
	return uint32(c.Elapsed() / time.Millisecond)
}

func (c *VirtualClock) Sleep(d time.Duration) { c.Advance(d) }
