package routines

import "github.com/zboralski/xrecomp/internal/kernel"

const (
	memRelease       = 0x8000
	allocGranularity = 64 << 10
	poolAlign        = 16

	pageReadOnly  = 0x02
	pageReadWrite = 0x04

	// MM_STATISTICS is nine ULONGs.
	mmStatisticsSize   = 36
	totalPhysicalPages = 64 << 20 / pageSize
)

func init() {
	kernel.RegisterFunc("mm", 15, exAllocatePool)
	kernel.RegisterFunc("mm", 16, exAllocatePoolWithTag)
	kernel.RegisterFunc("mm", 24, exQueryPoolBlockSize)
	kernel.RegisterFunc("mm", 165, mmAllocateContiguousMemory)
	kernel.RegisterFunc("mm", 166, mmAllocateContiguousMemoryEx)
	kernel.RegisterFunc("mm", 168, mmClaimGpuInstanceMemory)
	kernel.RegisterFunc("mm", 169, mmCreateKernelStack)
	kernel.RegisterFunc("mm", 170, mmDeleteKernelStack)
	kernel.RegisterFunc("mm", 171, mmFreeContiguousMemory)
	kernel.RegisterFunc("mm", 173, mmGetPhysicalAddress)
	kernel.RegisterFunc("mm", 175, mmNoOp)
	kernel.RegisterFunc("mm", 176, mmNoOp)
	kernel.RegisterFunc("mm", 178, mmNoOp)
	kernel.RegisterFunc("mm", 179, mmQueryAddressProtect)
	kernel.RegisterFunc("mm", 180, mmQueryAllocationSize)
	kernel.RegisterFunc("mm", 181, mmQueryStatistics)
	kernel.RegisterFunc("mm", 182, mmSetAddressProtect)
	kernel.RegisterFunc("mm", 184, ntAllocateVirtualMemory)
	kernel.RegisterFunc("mm", 199, ntFreeVirtualMemory)
}

// alloc serves every allocation routine from the arena allocator and
// returns 0 on exhaustion.
func alloc(k *kernel.Call, size, align uint32) uint32 {
	addr := k.Heap().Alloc(size, align)
	k.Log("size=%d align=0x%X -> 0x%08X", size, align, addr)
	return addr
}

func exAllocatePool(k *kernel.Call) {
	k.Return(alloc(k, k.Arg(0), poolAlign))
}

func exAllocatePoolWithTag(k *kernel.Call) {
	k.Return(alloc(k, k.Arg(0), poolAlign))
}

func exQueryPoolBlockSize(k *kernel.Call) {
	k.Return(k.Heap().SizeOf(k.Arg(0)))
}

func mmAllocateContiguousMemory(k *kernel.Call) {
	k.Return(alloc(k, k.Arg(0), pageSize))
}

// MmAllocateContiguousMemoryEx(size, lowest, highest, alignment, protect)
func mmAllocateContiguousMemoryEx(k *kernel.Call) {
	size, low, high, align := k.Arg(0), k.Arg(1), k.Arg(2), k.Arg(3)
	if align == 0 || align&(align-1) != 0 {
		align = pageSize
	}
	addr := alloc(k, size, align)
	if addr != 0 && (addr < low || (high != 0 && addr+size-1 > high)) {
		k.Log("block 0x%08X outside requested range 0x%08X-0x%08X", addr, low, high)
	}
	k.Return(addr)
}

// MmClaimGpuInstanceMemory(size, *padding)
func mmClaimGpuInstanceMemory(k *kernel.Call) {
	if pad := k.Arg(1); pad != 0 {
		k.Mem().WriteU32(pad, 0)
	}
	k.Return(alloc(k, k.Arg(0), pageSize))
}

// MmCreateKernelStack returns the top of a fresh stack block.
func mmCreateKernelStack(k *kernel.Call) {
	size := k.Arg(0)
	base := alloc(k, size, pageSize)
	if base == 0 {
		k.Return(0)
		return
	}
	k.Return(base + size)
}

func mmDeleteKernelStack(k *kernel.Call) {
	k.Heap().Free(k.Arg(1))
	k.Return(0)
}

func mmFreeContiguousMemory(k *kernel.Call) {
	k.Heap().Free(k.Arg(0))
	k.Return(0)
}

// Logical addresses double as physical ones.
func mmGetPhysicalAddress(k *kernel.Call) {
	k.Return(k.Arg(0))
}

func mmNoOp(k *kernel.Call) {
	k.Log("ignored")
	k.Return(0)
}

func mmQueryAddressProtect(k *kernel.Call) {
	addr := k.Arg(0)
	switch {
	case !k.Mem().Contains(addr, 1):
		k.Return(0)
	case k.Mem().IsReadOnly(addr, 1):
		k.Return(pageReadOnly)
	default:
		k.Return(pageReadWrite)
	}
}

func mmQueryAllocationSize(k *kernel.Call) {
	k.Return(k.Heap().SizeOf(k.Arg(0)))
}

func mmQueryStatistics(k *kernel.Call) {
	p := k.Arg(0)
	if p == 0 {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	h := k.Heap()
	avail := uint32(h.Remaining() / pageSize)
	if avail > totalPhysicalPages {
		avail = totalPhysicalPages / 2
	}
	m := k.Mem()
	if err := m.Zero(p, mmStatisticsSize); err != nil {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	m.WriteU32(p+0, mmStatisticsSize)
	m.WriteU32(p+4, totalPhysicalPages)
	m.WriteU32(p+8, avail)
	m.WriteU32(p+12, uint32(h.Used()))
	m.WriteU32(p+16, uint32(h.Size()))
	k.ReturnStatus(kernel.StatusSuccess)
}

// Arena protection is fixed at map time; requests are only recorded.
func mmSetAddressProtect(k *kernel.Call) {
	k.Log("addr=0x%08X size=%d protect=0x%X", k.Arg(0), k.Arg(1), k.Arg(2))
	k.Return(0)
}

// NtAllocateVirtualMemory(*BaseAddress, ZeroBits, *RegionSize, AllocationType, Protect)
func ntAllocateVirtualMemory(k *kernel.Call) {
	basePtr, sizePtr, typ := k.Arg(0), k.Arg(2), k.Arg(3)
	if basePtr == 0 || sizePtr == 0 {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	m := k.Mem()
	size := m.ReadU32(sizePtr)
	if size == 0 {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	size = (size + pageSize - 1) &^ (pageSize - 1)

	// Committing inside an earlier reservation needs no new memory.
	if req := m.ReadU32(basePtr); req != 0 && k.Heap().Contains(req) {
		k.Log("commit 0x%08X size=%d type=0x%X", req, size, typ)
		m.WriteU32(sizePtr, size)
		k.ReturnStatus(kernel.StatusSuccess)
		return
	}

	addr := alloc(k, size, allocGranularity)
	if addr == 0 {
		k.ReturnStatus(kernel.StatusNoMemory)
		return
	}
	m.WriteU32(basePtr, addr)
	m.WriteU32(sizePtr, size)
	k.ReturnStatus(kernel.StatusSuccess)
}

// NtFreeVirtualMemory(*BaseAddress, *RegionSize, FreeType)
func ntFreeVirtualMemory(k *kernel.Call) {
	basePtr, sizePtr, typ := k.Arg(0), k.Arg(1), k.Arg(2)
	m := k.Mem()
	if basePtr == 0 || m.ReadU32(basePtr) == 0 {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	k.Heap().Free(m.ReadU32(basePtr))
	if typ&memRelease != 0 {
		m.WriteU32(basePtr, 0)
		if sizePtr != 0 {
			m.WriteU32(sizePtr, 0)
		}
	}
	k.ReturnStatus(kernel.StatusSuccess)
}
