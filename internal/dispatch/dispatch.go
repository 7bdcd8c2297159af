// Package dispatch routes indirect control transfers in translated code.
// An original-program address is resolved through an ordered chain of
// resolvers: hand-written overrides first, then the table of translated
// routines, then the kernel bridge. The first hit wins.
package dispatch

import (
	"sync"

	"github.com/zboralski/xrecomp/internal/log"
	"github.com/zboralski/xrecomp/internal/machine"
)

// Func is a translated routine or bridge. It operates entirely on the
// shared execution state.
type Func func(c *machine.Context)

// Tier identifies which resolver produced a target.
type Tier int

const (
	TierNone Tier = iota
	TierOverride
	TierTable
	TierKernel
)

func (t Tier) String() string {
	switch t {
	case TierOverride:
		return "override"
	case TierTable:
		return "table"
	case TierKernel:
		return "kernel"
	}
	return "none"
}

// Target is a resolved call destination.
type Target struct {
	Addr uint32
	Name string
	Tier Tier
	Fn   Func
}

// Resolver maps an address to a callable target.
type Resolver interface {
	Name() string
	TryResolve(addr uint32) (Target, bool)
}

// MissFunc observes unresolved addresses.
type MissFunc func(addr, returnAddr uint32)

// Dispatcher walks its resolver chain in order. The chain is fixed at
// construction; resolution is deterministic for the lifetime of the value.
type Dispatcher struct {
	chain  []Resolver
	log    *log.Logger
	onMiss MissFunc

	mu     sync.Mutex
	misses map[uint32]int
	calls  uint64
}

// New creates a dispatcher over the given resolvers, consulted in order.
// Nil resolvers are skipped.
func New(l *log.Logger, resolvers ...Resolver) *Dispatcher {
	if l == nil {
		l = log.NewNop()
	}
	d := &Dispatcher{log: l.WithCategory("dispatch"), misses: make(map[uint32]int)}
	for _, r := range resolvers {
		if r != nil {
			d.chain = append(d.chain, r)
		}
	}
	return d
}

// OnMiss registers a callback invoked for every unresolved call.
func (d *Dispatcher) OnMiss(fn MissFunc) { d.onMiss = fn }

// Chain returns the resolver names in consultation order.
func (d *Dispatcher) Chain() []string {
	names := make([]string, len(d.chain))
	for i, r := range d.chain {
		names[i] = r.Name()
	}
	return names
}

// Resolve returns the first target any resolver yields for addr.
func (d *Dispatcher) Resolve(addr uint32) (Target, bool) {
	for _, r := range d.chain {
		if t, ok := r.TryResolve(addr); ok {
			return t, true
		}
	}
	return Target{Addr: addr}, false
}

// ICall performs an indirect call to addr. The caller has already pushed
// the return address, exactly as the original `call` instruction would.
// An unresolved address is a soft failure: the return address is popped,
// EAX is cleared and execution continues.
func (d *Dispatcher) ICall(c *machine.Context, addr uint32) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	if t, ok := d.Resolve(addr); ok {
		t.Fn(c)
		return
	}
	ret := c.Pop()
	c.EAX = 0
	d.miss(addr, ret)
}

// Call pushes the return sentinel and performs an indirect call. It is the
// entry point for host-initiated calls into translated code.
func (d *Dispatcher) Call(c *machine.Context, addr uint32) {
	c.Push(machine.ReturnSentinel)
	d.ICall(c, addr)
}

// Func returns a callable that dispatches to addr, resolving on every call.
func (d *Dispatcher) Func(addr uint32) Func {
	return func(c *machine.Context) { d.ICall(c, addr) }
}

func (d *Dispatcher) miss(addr, ret uint32) {
	d.mu.Lock()
	d.misses[addr]++
	n := d.misses[addr]
	d.mu.Unlock()

	d.log.DispatchMiss(addr, ret, n)
	d.log.Trace(ret, "dispatch", "", "addr="+log.Hex(addr))
	if d.onMiss != nil {
		d.onMiss(addr, ret)
	}
}

// Misses returns a copy of the per-address miss counts.
func (d *Dispatcher) Misses() map[uint32]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint32]int, len(d.misses))
	for k, v := range d.misses {
		out[k] = v
	}
	return out
}

// Calls returns the number of indirect calls dispatched.
func (d *Dispatcher) Calls() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
