package arena

import (
	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/config"
	"github.com/zboralski/xrecomp/internal/log"
)

// Thread information block fields read through the segment-relative
// accesses that translate to absolute low addresses.
const (
	tibExceptionList = 0x00
	tibStackBase     = 0x04
	tibStackLimit    = 0x08
	tibSelf          = 0x18
	tibCurrentThread = 0x20
	tibPrcb          = 0x28

	endOfExceptionChain = 0xFFFFFFFF
)

// writeLowMemory populates the low-address block that translated code
// reads as the thread information block. Pointer fields that code would
// chase are aimed at a zero-filled sentinel block so that every
// dereference yields zero and dependent logic is skipped.
func (a *Arena) writeLowMemory(cfg *config.Config) {
	sentinel := cfg.LowMemory.SentinelAddr.U32()
	a.WriteU32(tibExceptionList, endOfExceptionChain)
	a.WriteU32(tibStackBase, cfg.StackTop())
	a.WriteU32(tibStackLimit, cfg.Stack.Base.U32())
	a.WriteU32(tibSelf, a.base)
	a.WriteU32(tibCurrentThread, sentinel)
	a.WriteU32(tibPrcb, sentinel)
	if err := a.Zero(sentinel, cfg.LowMemory.SentinelSize.U32()); err != nil {
		a.log.Warn("low memory sentinel", zap.Error(err))
	}
	a.log.Debug("low memory fixups", log.Ptr("sentinel", sentinel), log.Ptr("stack_top", cfg.StackTop()))
}
