package routines

import "github.com/zboralski/xrecomp/internal/kernel"

func init() {
	kernel.RegisterFunc("ob", 197, ntDuplicateObject)
	kernel.RegisterFunc("ob", 246, obReferenceObjectByHandle)
	kernel.RegisterFunc("ob", 247, obReferenceObjectByName)
	kernel.RegisterFunc("ob", 250, obfDereferenceObject)
}

// Handles double as object pointers; there is no object table to consult.

// ObReferenceObjectByHandle(Handle, ObjectType, *ReturnedObject)
func obReferenceObjectByHandle(k *kernel.Call) {
	h, out := k.Arg(0), k.Arg(2)
	if out == 0 {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	k.Mem().WriteU32(out, h)
	k.ReturnStatus(kernel.StatusSuccess)
}

// ObReferenceObjectByName(*ObjectName, Attributes, ObjectType, ParseContext, *Object)
func obReferenceObjectByName(k *kernel.Call) {
	name, _ := kernel.ReadAnsiString(k.Mem(), k.Arg(0))
	k.Log("%q not found", name)
	k.ReturnStatus(kernel.StatusObjectNameNotFound)
}

// ObfDereferenceObject(ECX = Object)
func obfDereferenceObject(k *kernel.Call) {
	k.Log("object=0x%08X", k.Ctx.ECX)
	k.Return(0)
}

// NtDuplicateObject(SourceHandle, *TargetHandle, Options)
func ntDuplicateObject(k *kernel.Call) {
	if out := k.Arg(1); out != 0 {
		k.Mem().WriteU32(out, k.Arg(0))
	}
	k.ReturnStatus(kernel.StatusSuccess)
}
