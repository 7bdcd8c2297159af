// Package heap implements the bump allocator that serves every dynamic
// allocation request from the translated program. Memory is handed out
// monotonically from a fixed logical region and never reclaimed.
package heap

import (
	"math/bits"

	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/log"
)

// DefaultMinAlign is the alignment floor when none is configured.
const DefaultMinAlign = 4

// Heap is a monotonic allocator over [base, base+size). Not safe for
// concurrent use; the translated program runs on one host thread.
type Heap struct {
	base     uint32
	size     uint64
	cursor   uint64 // offset of the next free byte
	minAlign uint32
	sizes    map[uint32]uint32
	failures int
	log      *log.Logger
}

// New creates an allocator over the logical region [base, base+size).
func New(base uint32, size uint64, minAlign uint32, l *log.Logger) *Heap {
	if minAlign < DefaultMinAlign {
		minAlign = DefaultMinAlign
	}
	minAlign = roundPow2(minAlign)
	if l == nil {
		l = log.NewNop()
	}
	return &Heap{
		base:     base,
		size:     size,
		minAlign: minAlign,
		sizes:    make(map[uint32]uint32),
		log:      l.WithCategory("heap"),
	}
}

// roundPow2 returns the smallest power of two >= v.
func roundPow2(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	if v&(v-1) == 0 {
		return v
	}
	return 1 << (32 - bits.LeadingZeros32(v-1))
}

// Alloc returns the logical address of a fresh block of at least size
// bytes aligned to align, or 0 when the region is exhausted. A zero size is
// treated as one byte so distinct calls never return the same address.
// Alignments that are not a power of two are rounded up to one.
func (h *Heap) Alloc(size, align uint32) uint32 {
	if size == 0 {
		size = 1
	}
	if align < h.minAlign {
		align = h.minAlign
	}
	align = roundPow2(align)
	if align == 0 {
		h.failures++
		h.log.Warn("alignment overflows the address space", log.Size(uint64(size)))
		return 0
	}

	// Align the absolute address, not the offset, so blocks are correctly
	// aligned even when the base is not.
	addr := uint64(h.base) + h.cursor
	aligned := (addr + uint64(align) - 1) &^ (uint64(align) - 1)
	end := aligned + uint64(size)
	if end > uint64(h.base)+h.size || end > 1<<32 {
		h.failures++
		h.log.Warn("heap exhausted",
			log.Size(uint64(size)),
			zap.Uint32("align", align),
			zap.Uint64("remaining", h.Remaining()),
		)
		return 0
	}
	h.cursor = end - uint64(h.base)
	h.sizes[uint32(aligned)] = size
	return uint32(aligned)
}

// Free releases nothing. Blocks stay valid until the runtime is torn down.
func (h *Heap) Free(addr uint32) {}

// SizeOf returns the requested size of a block returned by Alloc, or 0 for
// unknown addresses.
func (h *Heap) SizeOf(addr uint32) uint32 {
	return h.sizes[addr]
}

// Contains reports whether addr lies inside the allocator's region.
func (h *Heap) Contains(addr uint32) bool {
	return addr >= h.base && uint64(addr)-uint64(h.base) < h.size
}

// Base returns the start of the region.
func (h *Heap) Base() uint32 { return h.base }

// Size returns the region size.
func (h *Heap) Size() uint64 { return h.size }

// Used returns the number of bytes consumed, including alignment padding.
func (h *Heap) Used() uint64 { return h.cursor }

// Remaining returns the bytes left above the cursor.
func (h *Heap) Remaining() uint64 { return h.size - h.cursor }

// Failures returns how many requests could not be satisfied.
func (h *Heap) Failures() int { return h.failures }

// Blocks returns the number of live blocks handed out.
func (h *Heap) Blocks() int { return len(h.sizes) }
