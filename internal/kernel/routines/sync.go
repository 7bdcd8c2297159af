package routines

import (
	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/kernel"
	"github.com/zboralski/xrecomp/internal/log"
)

// Event types in DISPATCHER_HEADER.Type.
const (
	notificationEvent    = 0
	synchronizationEvent = 1
)

// Wait types for the multiple-object waits.
const (
	waitAll = 0
	waitAny = 1
)

func init() {
	kernel.RegisterFunc("sync", 145, keSetEvent)
	kernel.RegisterFunc("sync", 159, keWaitForSingleObject)
	kernel.RegisterFunc("sync", 189, ntCreateEvent)
	kernel.RegisterFunc("sync", 225, ntSetEvent)
	kernel.RegisterFunc("sync", 233, ntWaitForMultipleObjectsEx)
	kernel.RegisterFunc("sync", 234, ntWaitForSingleObject)
	kernel.RegisterFunc("sync", 277, rtlEnterCriticalSection)
	kernel.RegisterFunc("sync", 291, rtlInitializeCriticalSection)
	kernel.RegisterFunc("sync", 294, rtlLeaveCriticalSection)
}

// RtlInitializeCriticalSection(*CriticalSection)
func rtlInitializeCriticalSection(k *kernel.Call) {
	cs := k.Arg(0)
	m := k.Mem()
	if err := m.Zero(cs, kernel.CritSectSize); err != nil {
		k.Bridge.Logger().Warn("bad critical section", log.Ptr("cs", cs), zap.Error(err))
		k.Return(0)
		return
	}
	m.WriteU8(cs, synchronizationEvent)
	m.WriteU32(cs+kernel.CritSectLockCount, 0xFFFFFFFF)
	k.Return(0)
}

// RtlEnterCriticalSection(*CriticalSection). Only one context runs at a
// time, so entering never blocks; a section held by another context means
// that context ended without leaving it, and ownership is taken over.
func rtlEnterCriticalSection(k *kernel.Call) {
	cs := k.Arg(0)
	m := k.Mem()
	me := k.Bridge.CurrentThread()
	owner := m.ReadU32(cs + kernel.CritSectOwningThread)
	depth := m.ReadI32(cs + kernel.CritSectRecursionCount)

	switch {
	case owner == me && depth > 0:
		depth++
	case owner != 0 && depth > 0:
		k.Bridge.Logger().Warn("critical section held by finished context",
			log.Ptr("cs", cs), zap.Uint32("owner", owner), zap.Uint32("thread", me))
		depth = 1
	default:
		depth = 1
	}
	m.WriteU32(cs+kernel.CritSectOwningThread, me)
	m.WriteU32(cs+kernel.CritSectRecursionCount, uint32(depth))
	m.WriteU32(cs+kernel.CritSectLockCount, uint32(m.ReadI32(cs+kernel.CritSectLockCount)+1))
	k.Return(0)
}

// RtlLeaveCriticalSection(*CriticalSection)
func rtlLeaveCriticalSection(k *kernel.Call) {
	cs := k.Arg(0)
	m := k.Mem()
	me := k.Bridge.CurrentThread()
	owner := m.ReadU32(cs + kernel.CritSectOwningThread)
	depth := m.ReadI32(cs + kernel.CritSectRecursionCount)
	if owner != me || depth <= 0 {
		k.Bridge.Logger().Warn("leave of unowned critical section",
			log.Ptr("cs", cs), zap.Uint32("owner", owner), zap.Int32("depth", depth))
		k.Return(0)
		return
	}
	depth--
	if depth == 0 {
		m.WriteU32(cs+kernel.CritSectOwningThread, 0)
	}
	m.WriteU32(cs+kernel.CritSectRecursionCount, uint32(depth))
	m.WriteU32(cs+kernel.CritSectLockCount, uint32(m.ReadI32(cs+kernel.CritSectLockCount)-1))
	k.Return(0)
}

// KeSetEvent(*Event, Increment, Wait) signals an in-memory KEVENT and
// returns its previous state.
func keSetEvent(k *kernel.Call) {
	ev := k.Arg(0)
	m := k.Mem()
	prev := m.ReadU32(ev + kernel.EventSignalState)
	m.WriteU32(ev+kernel.EventSignalState, 1)
	k.Return(prev)
}

// KeWaitForSingleObject(*Object, WaitReason, WaitMode, Alertable, *Timeout)
// waits on an in-memory dispatcher object. Nothing else can run while this
// context waits, so an unsignaled object either times out or, for an
// unbounded wait, is reported and treated as satisfied.
func keWaitForSingleObject(k *kernel.Call) {
	obj := k.Arg(0)
	timeout := readTimeout(k, k.Arg(4))
	m := k.Mem()
	if m.ReadI32(obj+kernel.EventSignalState) > 0 {
		if m.ReadU8(obj) == synchronizationEvent {
			m.WriteU32(obj+kernel.EventSignalState, 0)
		}
		k.ReturnStatus(kernel.StatusSuccess)
		return
	}
	if timeout == kernel.Infinite {
		k.Bridge.Logger().Warn("unbounded wait on unsignaled object",
			log.Ptr("object", obj), log.Ptr("ret", k.ReturnAddr))
		k.ReturnStatus(kernel.StatusSuccess)
		return
	}
	if clk := k.Services().Clock; clk != nil {
		clk.Sleep(timeout)
	}
	k.ReturnStatus(kernel.StatusTimeout)
}

// NtCreateEvent(*EventHandle, *ObjectAttributes, EventType, InitialState)
func ntCreateEvent(k *kernel.Call) {
	hp, typ, initial := k.Arg(0), k.Arg(2), k.Arg(3)&0xFF != 0
	if hp == 0 {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	s := k.Services().Sync
	if s == nil {
		unavailable(k, "sync")
		return
	}
	h := s.CreateEvent(typ == notificationEvent, initial)
	k.Mem().WriteU32(hp, h)
	k.Log("handle=0x%X manual=%t signaled=%t", h, typ == notificationEvent, initial)
	k.ReturnStatus(kernel.StatusSuccess)
}

// NtSetEvent(EventHandle, *PreviousState)
func ntSetEvent(k *kernel.Call) {
	s := k.Services().Sync
	if s == nil {
		unavailable(k, "sync")
		return
	}
	prev, err := s.SetEvent(k.Arg(0))
	if err != nil {
		k.ReturnStatus(kernel.StatusOf(err))
		return
	}
	if p := k.Arg(1); p != 0 {
		k.Mem().WriteU32(p, boolU32(prev))
	}
	k.ReturnStatus(kernel.StatusSuccess)
}

// NtWaitForSingleObject(Handle, Alertable, *Timeout)
func ntWaitForSingleObject(k *kernel.Call) {
	s := k.Services().Sync
	if s == nil {
		unavailable(k, "sync")
		return
	}
	k.ReturnStatus(s.Wait(k.Arg(0), readTimeout(k, k.Arg(2))))
}

// NtWaitForMultipleObjectsEx(Count, *Handles, WaitType, Alertable,
// *Timeout). Any-waits return STATUS_WAIT_0 + index of the
// first signaled handle.
func ntWaitForMultipleObjectsEx(k *kernel.Call) {
	s := k.Services().Sync
	if s == nil {
		unavailable(k, "sync")
		return
	}
	n, handles, typ := k.Arg(0), k.Arg(1), k.Arg(2)
	timeout := readTimeout(k, k.Arg(4))
	if n == 0 || handles == 0 || n > 64 {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	m := k.Mem()
	for i := uint32(0); i < n; i++ {
		st := s.Wait(m.ReadU32(handles+4*i), 0)
		switch {
		case st.IsError():
			k.ReturnStatus(st)
			return
		case typ == waitAny && st == kernel.StatusSuccess:
			k.Return(uint32(kernel.StatusSuccess) + i)
			return
		case typ == waitAll && st != kernel.StatusSuccess:
			k.ReturnStatus(s.Wait(m.ReadU32(handles+4*i), timeout))
			return
		}
	}
	if typ == waitAll {
		k.ReturnStatus(kernel.StatusSuccess)
		return
	}
	k.ReturnStatus(s.Wait(m.ReadU32(handles), timeout))
}
