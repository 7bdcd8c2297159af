package kernel

import (
	"fmt"

	"github.com/zboralski/xrecomp/internal/arena"
	"github.com/zboralski/xrecomp/internal/dispatch"
	"github.com/zboralski/xrecomp/internal/heap"
	"github.com/zboralski/xrecomp/internal/machine"
)

// Call is the view a routine gets of one bridged invocation. The return
// address has already been popped, so argument n sits at ESP+4n.
type Call struct {
	Ctx        *machine.Context
	Bridge     *Bridge
	Slot       *ThunkSlot
	ReturnAddr uint32
}

// Arg returns the n-th 32-bit stack argument.
func (k *Call) Arg(n int) uint32 {
	return k.Ctx.ReadU32(k.Ctx.ESP + 4*uint32(n))
}

// Arg64 returns a 64-bit by-value argument occupying slots n and n+1.
func (k *Call) Arg64(n int) uint64 {
	return uint64(k.Arg(n)) | uint64(k.Arg(n+1))<<32
}

// Mem returns the arena.
func (k *Call) Mem() *arena.Arena { return k.Ctx.Arena }

// Return stores a 32-bit result in EAX.
func (k *Call) Return(v uint32) { k.Ctx.EAX = v }

// Return64 stores a 64-bit result in EDX:EAX.
func (k *Call) Return64(v uint64) {
	k.Ctx.EAX = uint32(v)
	k.Ctx.EDX = uint32(v >> 32)
}

// ReturnStatus stores an NTSTATUS in EAX.
func (k *Call) ReturnStatus(s Status) { k.Ctx.EAX = uint32(s) }

// Name returns the export name of the slot.
func (k *Call) Name() string { return k.Slot.Export.Name }

// Category returns the routine's logging category.
func (k *Call) Category() string {
	if k.Slot.Routine != nil {
		return k.Slot.Routine.Category
	}
	return "kernel"
}

// Log reports the call to the trace collector and the debug log.
func (k *Call) Log(format string, args ...interface{}) {
	k.Bridge.log.Trace(k.ReturnAddr, k.Category(), k.Name(), fmt.Sprintf(format, args...))
}

// Services returns the external collaborators.
func (k *Call) Services() Services { return k.Bridge.services }

// Heap returns the allocator.
func (k *Call) Heap() *heap.Heap { return k.Bridge.heap }

// Dispatcher returns the dispatcher for routines that call back into
// translated code.
func (k *Call) Dispatcher() *dispatch.Dispatcher { return k.Bridge.disp }

// View returns n bytes of guest memory at addr.
func (k *Call) View(addr, n uint32) ([]byte, error) { return k.Ctx.View(addr, n) }

// ReadString reads a NUL-terminated string of at most max bytes.
func (k *Call) ReadString(addr uint32, max int) (string, error) {
	return k.Ctx.ReadString(addr, max)
}
