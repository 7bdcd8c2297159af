package routines

import (
	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/dispatch"
	"github.com/zboralski/xrecomp/internal/kernel"
	"github.com/zboralski/xrecomp/internal/log"
	"github.com/zboralski/xrecomp/internal/machine"
)

func init() {
	kernel.RegisterFunc("ps", 124, keQueryBasePriorityThread)
	kernel.RegisterFunc("ps", 143, keSetBasePriorityThread)
	kernel.RegisterFunc("ps", 238, ntYieldExecution)
	kernel.RegisterFunc("ps", 255, psCreateSystemThreadEx)
	kernel.RegisterFunc("ps", 256, keDelayExecutionThread)
	kernel.RegisterFunc("ps", 258, psTerminateSystemThread)
}

// threadExit unwinds an inline execution context back to the routine that
// started it.
type threadExit struct{ status uint32 }

// PsCreateSystemThreadEx(*ThreadHandle, ThreadExtraSize, KernelStackSize,
// TlsDataSize, *ThreadId, StartContext1, StartContext2, CreateSuspended,
// DebugStack, StartRoutine)
//
// The start routine runs to completion before this call returns, on the
// caller's stack and register file. Callee-saved registers and ESP are
// restored afterwards so the caller observes an ordinary stdcall return.
func psCreateSystemThreadEx(k *kernel.Call) {
	handlePtr, idPtr := k.Arg(0), k.Arg(4)
	ctx1, ctx2 := k.Arg(5), k.Arg(6)
	start := k.Arg(9)
	b := k.Bridge
	l := b.Logger()

	id, ok := b.BeginThread()
	if !ok {
		l.Error("nested execution context refused",
			log.Ptr("start", start), log.Ptr("ret", k.ReturnAddr))
		k.ReturnStatus(kernel.StatusUnsuccessful)
		return
	}
	defer b.EndThread()

	handle := b.NewHandle()
	m := k.Mem()
	if handlePtr != 0 {
		m.WriteU32(handlePtr, handle)
	}
	if idPtr != 0 {
		m.WriteU32(idPtr, id)
	}
	k.Log("start=0x%08X ctx1=0x%08X ctx2=0x%08X handle=0x%08X", start, ctx1, ctx2, handle)

	d := k.Dispatcher()
	if start == 0 || d == nil {
		l.Warn("execution context has nothing to run", log.Ptr("start", start))
		k.ReturnStatus(kernel.StatusSuccess)
		return
	}

	c := k.Ctx
	saved := c.Snapshot()
	c.Push(ctx2)
	c.Push(ctx1)
	exit, terminated := runInline(d, c, start)
	c.Restore(saved)

	l.Info("execution context finished",
		zap.Uint32("thread", id),
		log.Ptr("start", start),
		log.Ptr("exit", exit),
		zap.Bool("terminated", terminated),
	)
	k.ReturnStatus(kernel.StatusSuccess)
}

func runInline(d *dispatch.Dispatcher, c *machine.Context, start uint32) (exit uint32, terminated bool) {
	defer func() {
		if r := recover(); r != nil {
			t, ok := r.(threadExit)
			if !ok {
				panic(r)
			}
			exit, terminated = t.status, true
		}
	}()
	d.Call(c, start)
	return c.EAX, false
}

// PsTerminateSystemThread(ExitStatus) ends the inline context. Outside one
// there is nothing to terminate.
func psTerminateSystemThread(k *kernel.Call) {
	status := k.Arg(0)
	if !k.Bridge.ThreadActive() {
		k.Bridge.Logger().Warn("terminate outside an execution context", log.Ptr("status", status))
		k.Return(0)
		return
	}
	panic(threadExit{status: status})
}

// KeDelayExecutionThread(WaitMode, Alertable, *Interval)
func keDelayExecutionThread(k *kernel.Call) {
	d := readTimeout(k, k.Arg(2))
	clk := k.Services().Clock
	if clk == nil {
		unavailable(k, "clock")
		return
	}
	if d == kernel.Infinite {
		k.Bridge.Logger().Warn("infinite delay skipped", log.Ptr("ret", k.ReturnAddr))
		d = 0
	}
	k.Log("%s", d)
	clk.Sleep(d)
	k.ReturnStatus(kernel.StatusSuccess)
}

func ntYieldExecution(k *kernel.Call) {
	if clk := k.Services().Clock; clk != nil {
		clk.Sleep(0)
	}
	k.ReturnStatus(kernel.StatusSuccess)
}

func keQueryBasePriorityThread(k *kernel.Call) { k.Return(0) }

func keSetBasePriorityThread(k *kernel.Call) {
	k.Log("thread=0x%08X priority=%d", k.Arg(0), int32(k.Arg(1)))
	k.Return(0)
}

