// Package kernel replaces the host kernel the original program imported by
// ordinal. At startup it rewrites the program's thunk table: data imports
// are pointed at records in a small kernel data region, routine imports at
// synthetic addresses that the dispatcher's last tier resolves to bound
// bridge functions.
package kernel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/arena"
	"github.com/zboralski/xrecomp/internal/config"
	"github.com/zboralski/xrecomp/internal/dispatch"
	"github.com/zboralski/xrecomp/internal/heap"
	"github.com/zboralski/xrecomp/internal/log"
	"github.com/zboralski/xrecomp/internal/machine"
)

// PlaceholderBit marks an unresolved thunk entry; the low bits hold the
// ordinal.
const PlaceholderBit = 0x80000000

// ThunkSlot is one entry of the program's import table.
type ThunkSlot struct {
	Index    int
	Entry    uint32 // logical address of the table entry
	Raw      uint32 // value found before resolution
	Ordinal  uint16
	Kind     ExportKind // Unknown when the ordinal is not in the export map
	Export   Export
	Target   uint32 // value stored in the entry after resolution
	ArgBytes uint32
	Routine  *RoutineDef

	fn    dispatch.Func
	calls uint64
}

// Bridged reports whether a routine implements the slot.
func (s *ThunkSlot) Bridged() bool { return s.Routine != nil }

// Calls returns how many times the slot was invoked.
func (s *ThunkSlot) Calls() uint64 { return s.calls }

// Stats summarizes a thunk table resolution.
type Stats struct {
	Total     int
	Data      int
	Function  int
	Bridged   int
	Unbridged int
	Unknown   int
	Skipped   int // entries already resolved by an earlier Init
}

func (s Stats) String() string {
	return fmt.Sprintf("%d slots: %d data, %d function (%d bridged, %d fallback), %d unknown",
		s.Total, s.Data, s.Function, s.Bridged, s.Unbridged, s.Unknown)
}

// Bridge owns the thunk table, the kernel data region and the per-slot
// bridge functions.
type Bridge struct {
	mem      *arena.Arena
	heap     *heap.Heap
	cfg      config.KernelConfig
	registry *Registry
	services Services
	disp     *dispatch.Dispatcher
	log      *log.Logger

	slots     []*ThunkSlot
	dataReady bool
	calls     uint64
	fallbacks map[uint16]int

	irql         uint8
	threadActive bool
	threads      uint32 // last thread id handed out; 1 is the main context
	current      uint32
	handles      uint32
}

// MainThread is the thread id of the host-initiated execution context.
const MainThread = 1

// NewBridge creates a bridge. Init must be called before the first
// dispatch.
func NewBridge(mem *arena.Arena, h *heap.Heap, cfg config.KernelConfig, reg *Registry, svc Services, l *log.Logger) *Bridge {
	if reg == nil {
		reg = DefaultRegistry
	}
	if l == nil {
		l = log.NewNop()
	}
	return &Bridge{
		mem:       mem,
		heap:      h,
		cfg:       cfg,
		registry:  reg,
		services:  svc,
		log:       l.WithCategory("kernel"),
		fallbacks: make(map[uint16]int),
		threads:   MainThread,
		current:   MainThread,
	}
}

// SetDispatcher gives routines that call back into translated code access
// to the dispatcher.
func (b *Bridge) SetDispatcher(d *dispatch.Dispatcher) { b.disp = d }

// SyntheticAddr returns the synthetic address assigned to slot i.
func (b *Bridge) SyntheticAddr(i int) uint32 {
	return b.cfg.SyntheticBase.U32() + uint32(i)*4
}

// DataAddr returns the logical address of a data record offset.
func (b *Bridge) DataAddr(off uint32) uint32 { return b.cfg.DataBase.U32() + off }

func (b *Bridge) isSynthetic(v uint32) (int, bool) {
	base := b.cfg.SyntheticBase.U32()
	if v < base || (v-base)%4 != 0 {
		return 0, false
	}
	i := int((v - base) / 4)
	return i, i < b.cfg.ThunkCount
}

// Init populates the kernel data region (once) and resolves every thunk
// entry. Each entry ends up as exactly one of: a data record address, the
// slot's synthetic address, or the untouched placeholder for ordinals the
// bridge does not know. Entries already resolved by an earlier call are
// left alone, so Init is idempotent.
func (b *Bridge) Init() (Stats, error) {
	if !b.dataReady {
		if err := populateData(b.mem, b.heap, b.cfg.DataBase.U32(), b.cfg.DataSize.U32(), b.cfg.ImageName); err != nil {
			return Stats{}, err
		}
		b.dataReady = true
	}

	n := b.cfg.ThunkCount
	table := b.cfg.ThunkTable.U32()
	if b.slots == nil {
		b.slots = make([]*ThunkSlot, n)
	}

	var st Stats
	err := b.mem.WithWritable(table, uint32(n)*4, func() error {
		for i := 0; i < n; i++ {
			entry := table + uint32(i)*4
			v := b.mem.ReadU32(entry)
			if prev := b.slots[i]; prev != nil && prev.Kind != Unknown && v == prev.Target {
				st.Skipped++
				st.count(prev)
				continue
			}
			s := b.resolve(i, entry, v)
			b.slots[i] = s
			if s.Target != v {
				b.mem.WriteU32(entry, s.Target)
			}
			st.count(s)
		}
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("patch thunk table: %w", err)
	}
	st.Total = n

	b.log.Info("thunk table resolved",
		log.Addr(table),
		zap.Int("slots", n),
		zap.Int("data", st.Data),
		zap.Int("function", st.Function),
		zap.Int("bridged", st.Bridged),
		zap.Int("unknown", st.Unknown),
		zap.Int("skipped", st.Skipped),
	)
	return st, nil
}

func (st *Stats) count(s *ThunkSlot) {
	switch s.Kind {
	case Data:
		st.Data++
	case Function:
		st.Function++
		if s.Bridged() {
			st.Bridged++
		} else {
			st.Unbridged++
		}
	default:
		st.Unknown++
	}
}

// resolve classifies one raw entry.
func (b *Bridge) resolve(i int, entry, v uint32) *ThunkSlot {
	s := &ThunkSlot{Index: i, Entry: entry, Raw: v, Target: v}
	if v&PlaceholderBit == 0 {
		b.log.Warn("thunk entry is not a placeholder", zap.Int("slot", i), log.Ptr("value", v))
		return s
	}
	if _, ok := b.isSynthetic(v); ok {
		b.log.Warn("synthetic thunk entry without slot state", zap.Int("slot", i), log.Ptr("value", v))
		return s
	}
	ord := v &^ PlaceholderBit
	if ord > 0xFFFF {
		b.log.Warn("thunk ordinal out of range", zap.Int("slot", i), log.Ptr("value", v))
		return s
	}
	s.Ordinal = uint16(ord)
	e, ok := LookupExport(s.Ordinal)
	if !ok {
		b.log.Warn("unknown kernel ordinal", zap.Int("slot", i), log.Ordinal(s.Ordinal))
		return s
	}
	s.Export, s.Kind = e, e.Kind

	switch e.Kind {
	case Data:
		off, ok := dataOffsets[s.Ordinal]
		if !ok {
			s.Kind = Unknown
			return s
		}
		s.Target = b.DataAddr(off)
	case Function:
		s.Target = b.SyntheticAddr(i)
		s.ArgBytes = e.ArgBytes
		if def, ok := b.registry.Lookup(s.Ordinal); ok {
			s.Routine = def
			b.log.BridgeInstall(def.Category, e.Name, s.Ordinal, s.Target)
		}
		s.fn = b.slotFunc(s)
	}
	return s
}

// slotFunc binds the call sequence for one slot: pop the return address,
// refresh the tick counter, run the routine (or default EAX to zero), then
// remove the callee-popped argument bytes.
func (b *Bridge) slotFunc(s *ThunkSlot) dispatch.Func {
	return func(c *machine.Context) {
		ret := c.Pop()
		b.calls++
		s.calls++
		b.tick()
		if s.Routine != nil {
			s.Routine.Fn(&Call{Ctx: c, Bridge: b, Slot: s, ReturnAddr: ret})
		} else {
			b.fallback(s, ret)
			c.EAX = 0
		}
		c.ESP += s.ArgBytes
	}
}

func (b *Bridge) fallback(s *ThunkSlot, ret uint32) {
	b.fallbacks[s.Ordinal]++
	n := b.fallbacks[s.Ordinal]
	if n == 1 {
		b.log.Warn("no bridge for kernel routine",
			log.Fn(s.Export.Name), log.Ordinal(s.Ordinal), log.Ptr("ret", ret))
	} else {
		b.log.Fallback(s.Export.Name, s.Ordinal)
	}
	b.log.Trace(ret, "fallback", s.Export.Name, "ret=0")
}

func (b *Bridge) tick() {
	if b.services.Clock == nil || !b.dataReady {
		return
	}
	b.mem.WriteU32(b.DataAddr(DataTickCount), b.services.Clock.TickCount())
}

// Name implements dispatch.Resolver.
func (b *Bridge) Name() string { return "kernel" }

// TryResolve implements dispatch.Resolver for synthetic addresses.
func (b *Bridge) TryResolve(addr uint32) (dispatch.Target, bool) {
	i, ok := b.isSynthetic(addr)
	if !ok || i >= len(b.slots) {
		return dispatch.Target{}, false
	}
	s := b.slots[i]
	if s == nil || s.Kind != Function || s.Target != addr {
		return dispatch.Target{}, false
	}
	return dispatch.Target{Addr: addr, Name: s.Export.Name, Tier: dispatch.TierKernel, Fn: s.fn}, true
}

// Slots returns the resolved thunk slots in table order.
func (b *Bridge) Slots() []*ThunkSlot {
	out := make([]*ThunkSlot, len(b.slots))
	copy(out, b.slots)
	return out
}

// Slot returns the slot for an ordinal, if the table imports it.
func (b *Bridge) Slot(ordinal uint16) (*ThunkSlot, bool) {
	for _, s := range b.slots {
		if s != nil && s.Kind != Unknown && s.Ordinal == ordinal {
			return s, true
		}
	}
	return nil, false
}

// Calls returns the total number of bridged calls.
func (b *Bridge) Calls() uint64 { return b.calls }

// Fallbacks returns per-ordinal counts of calls to unregistered routines.
func (b *Bridge) Fallbacks() map[uint16]int {
	out := make(map[uint16]int, len(b.fallbacks))
	for k, v := range b.fallbacks {
		out[k] = v
	}
	return out
}

// Services returns the external collaborators.
func (b *Bridge) Services() Services { return b.services }

// Heap returns the allocator behind the memory routines.
func (b *Bridge) Heap() *heap.Heap { return b.heap }

// Dispatcher returns the dispatcher set with SetDispatcher.
func (b *Bridge) Dispatcher() *dispatch.Dispatcher { return b.disp }

// Logger returns the bridge logger.
func (b *Bridge) Logger() *log.Logger { return b.log }

// IRQL returns the emulated interrupt request level.
func (b *Bridge) IRQL() uint8 { return b.irql }

// SetIRQL changes the interrupt request level and returns the old one.
func (b *Bridge) SetIRQL(v uint8) uint8 {
	old := b.irql
	b.irql = v
	return old
}

// NewHandle returns a fresh opaque handle value for objects the bridge
// fabricates (threads, symbolic links).
func (b *Bridge) NewHandle() uint32 {
	b.handles++
	return 0xBEEF0000 + b.handles
}

// BeginThread marks an inline execution context as running and returns its
// thread id. It fails while another context is active.
func (b *Bridge) BeginThread() (uint32, bool) {
	if b.threadActive {
		return 0, false
	}
	b.threadActive = true
	b.threads++
	b.current = b.threads
	return b.threads, true
}

// EndThread marks the inline execution context as finished.
func (b *Bridge) EndThread() {
	b.threadActive = false
	b.current = MainThread
}

// CurrentThread returns the id of the running execution context.
func (b *Bridge) CurrentThread() uint32 { return b.current }

// ThreadActive reports whether an inline execution context is running.
func (b *Bridge) ThreadActive() bool { return b.threadActive }
