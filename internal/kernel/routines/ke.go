package routines

import (
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/kernel"
	"github.com/zboralski/xrecomp/internal/log"
)

func init() {
	// hal
	kernel.RegisterFunc("hal", 40, halSoftwareInterrupt)
	kernel.RegisterFunc("hal", 41, halNoOp)
	kernel.RegisterFunc("hal", 44, halGetInterruptVector)
	kernel.RegisterFunc("hal", 46, halReadSMCTrayState)
	kernel.RegisterFunc("hal", 47, halReadWritePCISpace)
	kernel.RegisterFunc("hal", 49, halSoftwareInterrupt)
	kernel.RegisterFunc("hal", 358, halIsResetOrShutdownPending)
	kernel.RegisterFunc("hal", 360, halInitiateShutdown)
	kernel.RegisterFunc("hal", 97, keBugCheck)
	kernel.RegisterFunc("hal", 98, keBugCheckEx)

	// irql
	kernel.RegisterFunc("hal", 129, keRaiseIrqlToDpcLevel)
	kernel.RegisterFunc("hal", 160, kfRaiseIrql)
	kernel.RegisterFunc("hal", 161, kfLowerIrql)

	// time
	kernel.RegisterFunc("time", 126, keQueryPerformanceCounter)
	kernel.RegisterFunc("time", 127, keQueryPerformanceFrequency)
	kernel.RegisterFunc("time", 128, keQuerySystemTime)
	kernel.RegisterFunc("time", 151, keStallExecutionProcessor)

	// av
	kernel.RegisterFunc("av", 1, avGetSavedDataAddress)
	kernel.RegisterFunc("av", 2, avSendTVEncoderOption)
	kernel.RegisterFunc("av", 3, avSetDisplayMode)
	kernel.RegisterFunc("av", 4, avSetSavedDataAddress)

	// network phy
	kernel.RegisterFunc("phy", 252, phyGetLinkState)
	kernel.RegisterFunc("phy", 253, phyInitialize)

	kernel.RegisterFunc("dbg", 8, dbgPrint)
}

// Fastcall: the routine reads ECX/EDX and owns no stack arguments.
func halSoftwareInterrupt(k *kernel.Call) {
	k.Log("irql=%d", uint8(k.Ctx.ECX))
	k.Return(0)
}

func halNoOp(k *kernel.Call) { k.Return(0) }

// HalGetInterruptVector(BusInterruptLevel, *Irql)
func halGetInterruptVector(k *kernel.Call) {
	if p := k.Arg(1); p != 0 {
		k.Mem().WriteU8(p, passiveLevel)
	}
	k.Return(0)
}

const trayMediaDetected = 0x10

// HalReadSMCTrayState(*TrayState, *ChangeCount) reports a closed tray with
// media present.
func halReadSMCTrayState(k *kernel.Call) {
	m := k.Mem()
	if p := k.Arg(0); p != 0 {
		m.WriteU32(p, trayMediaDetected)
	}
	if p := k.Arg(1); p != 0 {
		m.WriteU32(p, 0)
	}
	k.ReturnStatus(kernel.StatusSuccess)
}

// HalReadWritePCISpace(Bus, Slot, Register, Buffer, Length, WritePCISpace)
// reads as all zeros; writes are dropped.
func halReadWritePCISpace(k *kernel.Call) {
	buf, n, write := k.Arg(3), k.Arg(4), k.Arg(5)&0xFF != 0
	if !write && buf != 0 && n != 0 {
		_ = k.Mem().Zero(buf, n)
	}
	k.Log("bus=%d slot=%d reg=0x%X len=%d write=%t", k.Arg(0), k.Arg(1), k.Arg(2), n, write)
	k.Return(0)
}

func halIsResetOrShutdownPending(k *kernel.Call) { k.Return(0) }

func halInitiateShutdown(k *kernel.Call) {
	k.Bridge.Logger().Warn("shutdown requested", log.Ptr("ret", k.ReturnAddr))
	k.Return(0)
}

func keBugCheck(k *kernel.Call) {
	panic(&kernel.BugCheck{Code: k.Arg(0), Routine: k.Name()})
}

func keBugCheckEx(k *kernel.Call) {
	panic(&kernel.BugCheck{
		Code:    k.Arg(0),
		Params:  [4]uint32{k.Arg(1), k.Arg(2), k.Arg(3), k.Arg(4)},
		Routine: k.Name(),
	})
}

func keRaiseIrqlToDpcLevel(k *kernel.Call) {
	k.Return(uint32(k.Bridge.SetIRQL(dispatchLevel)))
}

// KfRaiseIrql(CL = NewIrql) returns the previous level.
func kfRaiseIrql(k *kernel.Call) {
	n := uint8(k.Ctx.ECX)
	if old := k.Bridge.IRQL(); n < old {
		k.Bridge.Logger().Debug("raise below current level",
			zap.Uint8("old", old), zap.Uint8("new", n))
	}
	k.Return(uint32(k.Bridge.SetIRQL(n)))
}

// KfLowerIrql(CL = NewIrql)
func kfLowerIrql(k *kernel.Call) {
	k.Bridge.SetIRQL(uint8(k.Ctx.ECX))
	k.Return(0)
}

func keQueryPerformanceCounter(k *kernel.Call) {
	clk := k.Services().Clock
	if clk == nil {
		k.Return64(0)
		return
	}
	k.Return64(clk.PerformanceCounter())
}

func keQueryPerformanceFrequency(k *kernel.Call) {
	clk := k.Services().Clock
	if clk == nil {
		k.Return64(0)
		return
	}
	k.Return64(clk.PerformanceFrequency())
}

// KeQuerySystemTime(*CurrentTime)
func keQuerySystemTime(k *kernel.Call) {
	var now uint64
	if clk := k.Services().Clock; clk != nil {
		now = clk.SystemTime()
	}
	if p := k.Arg(0); p != 0 {
		k.Mem().WriteU64(p, now)
	}
	k.Return(0)
}

// KeStallExecutionProcessor(MicroSeconds)
func keStallExecutionProcessor(k *kernel.Call) {
	if clk := k.Services().Clock; clk != nil {
		clk.Sleep(time.Duration(k.Arg(0)) * time.Microsecond)
	}
	k.Return(0)
}

func avGetSavedDataAddress(k *kernel.Call) {
	if disp := k.Services().Display; disp != nil {
		k.Return(disp.SavedDataAddress())
		return
	}
	k.Return(0)
}

func avSetSavedDataAddress(k *kernel.Call) {
	if disp := k.Services().Display; disp != nil {
		disp.SetSavedDataAddress(k.Arg(0))
	}
	k.Return(0)
}

// AvSendTVEncoderOption(RegisterBase, Option, Param, *Result)
func avSendTVEncoderOption(k *kernel.Call) {
	if p := k.Arg(3); p != 0 {
		k.Mem().WriteU32(p, 0)
	}
	k.Return(0)
}

// AvSetDisplayMode(RegisterBase, Step, Mode, Format, Pitch, FrameBuffer)
func avSetDisplayMode(k *kernel.Call) {
	m := kernel.DisplayMode{
		Step:        k.Arg(1),
		Mode:        k.Arg(2),
		Format:      k.Arg(3),
		Pitch:       k.Arg(4),
		FrameBuffer: k.Arg(5),
	}
	k.Log("mode=0x%X format=0x%X pitch=%d fb=0x%08X", m.Mode, m.Format, m.Pitch, m.FrameBuffer)
	if disp := k.Services().Display; disp != nil {
		disp.SetMode(m)
	}
	k.Return(0)
}

const linkActive = 0x01

func phyGetLinkState(k *kernel.Call) { k.Return(linkActive) }

func phyInitialize(k *kernel.Call) { k.ReturnStatus(kernel.StatusSuccess) }

// DbgPrint(Format, ...) is cdecl; the caller removes the arguments.
func dbgPrint(k *kernel.Call) {
	msg := formatGuest(k, k.Arg(0), 1)
	k.Bridge.Logger().Info("DbgPrint", zap.String("msg", msg), log.Ptr("ret", k.ReturnAddr))
	k.Log("%s", msg)
	k.ReturnStatus(kernel.StatusSuccess)
}
