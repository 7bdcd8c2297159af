// Package machine holds the execution state shared by every translated
// routine: the eight general-purpose registers and the simulated stack that
// lives inside the arena.
package machine

import (
	"fmt"

	"github.com/zboralski/xrecomp/internal/arena"
)

// ReturnSentinel is pushed as the return address for host-initiated calls.
// Translated code never jumps to it; a `ret` simply pops it.
const ReturnSentinel uint32 = 0xDEADBEEF

// Registers is the general-purpose register file. EAX doubles as the
// accumulator/return slot and EDX as the high half of 64-bit results.
type Registers struct {
	EAX, ECX, EDX, EBX uint32
	ESP, EBP, ESI, EDI uint32
}

func (r Registers) String() string {
	return fmt.Sprintf("eax=%08x ecx=%08x edx=%08x ebx=%08x esp=%08x ebp=%08x esi=%08x edi=%08x",
		r.EAX, r.ECX, r.EDX, r.EBX, r.ESP, r.EBP, r.ESI, r.EDI)
}

// Context is the execution state handed to every translated routine and
// kernel bridge. Memory accessors are promoted from the embedded arena, so
// translated code reads as c.ReadU32(c.ESP + 4).
//
// A Context has exactly one writer at a time; it carries no locks.
type Context struct {
	Registers
	*arena.Arena

	stackBase uint32 // lowest valid stack address
	stackEnd  uint32 // one past the highest stack byte
}

// New creates a context whose stack occupies [stackBase, stackBase+stackSize)
// in a. ESP starts 16 bytes below the top.
func New(a *arena.Arena, stackBase, stackSize uint32) *Context {
	c := &Context{
		Arena:     a,
		stackBase: stackBase,
		stackEnd:  stackBase + stackSize,
	}
	c.ESP = c.StackTop()
	return c
}

// StackTop returns the initial stack pointer.
func (c *Context) StackTop() uint32 { return c.stackEnd - 16 }

// StackBase returns the lowest valid stack address.
func (c *Context) StackBase() uint32 { return c.stackBase }

// StackEnd returns one past the highest stack byte.
func (c *Context) StackEnd() uint32 { return c.stackEnd }

// Push decrements ESP by four and stores v. The operand is evaluated by the
// caller before the decrement, so Push(c.ESP) stores the old stack pointer,
// matching `push esp`.
func (c *Context) Push(v uint32) {
	sp := c.ESP - 4
	if sp < c.stackBase || sp > c.stackEnd-4 {
		panic(&arena.Fault{Addr: sp, Size: 4, Write: true})
	}
	c.WriteU32(sp, v)
	c.ESP = sp
}

// Pop loads the word at ESP and increments ESP by four.
func (c *Context) Pop() uint32 {
	sp := c.ESP
	if sp < c.stackBase || sp > c.stackEnd-4 {
		panic(&arena.Fault{Addr: sp, Size: 4})
	}
	v := c.ReadU32(sp)
	c.ESP = sp + 4
	return v
}

// Arg returns the n-th 32-bit stack argument of a routine that has just
// been called, with its return address still on the stack.
func (c *Context) Arg(n int) uint32 {
	return c.ReadU32(c.ESP + 4 + 4*uint32(n))
}

// Snapshot returns a copy of the register file.
func (c *Context) Snapshot() Registers { return c.Registers }

// Restore replaces the register file.
func (c *Context) Restore(r Registers) { c.Registers = r }

// StackDepth returns the number of bytes pushed since the initial top.
func (c *Context) StackDepth() uint32 { return c.StackTop() - c.ESP }
