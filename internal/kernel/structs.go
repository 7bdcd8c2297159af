package kernel

import (
	"fmt"

	"github.com/zboralski/xrecomp/internal/arena"
)

// Guest structure layouts shared by several routines.
const (
	// ANSI_STRING { USHORT Length; USHORT MaximumLength; PCHAR Buffer; }
	AnsiStringSize = 8

	// OBJECT_ATTRIBUTES { HANDLE RootDirectory; PANSI_STRING ObjectName; ULONG Attributes; }
	ObjectAttributesName = 4

	// IO_STATUS_BLOCK { NTSTATUS Status; ULONG_PTR Information; }
	IoStatusBlockSize = 8

	// KEVENT starts with a DISPATCHER_HEADER; SignalState is its second word.
	EventSignalState = 4

	// RTL_CRITICAL_SECTION follows its embedded KEVENT.
	CritSectLockCount      = 16
	CritSectRecursionCount = 20
	CritSectOwningThread   = 24
	CritSectSize           = 28
)

// maxGuestString bounds strings read from ANSI_STRING buffers.
const maxGuestString = 1024

// ReadAnsiString decodes the ANSI_STRING at addr.
func ReadAnsiString(a *arena.Arena, addr uint32) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("null ANSI_STRING")
	}
	hdr, err := a.View(addr, AnsiStringSize)
	if err != nil {
		return "", err
	}
	n := uint32(hdr[0]) | uint32(hdr[1])<<8
	buf := uint32(hdr[4]) | uint32(hdr[5])<<8 | uint32(hdr[6])<<16 | uint32(hdr[7])<<24
	if n == 0 {
		return "", nil
	}
	if n > maxGuestString || buf == 0 {
		return "", fmt.Errorf("ANSI_STRING at 0x%08X: length %d buffer 0x%08X", addr, n, buf)
	}
	b, err := a.View(buf, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteAnsiString fills the ANSI_STRING at addr to describe a
// NUL-terminated string already stored at buf.
func WriteAnsiString(a *arena.Arena, addr, buf uint32, length int) {
	a.WriteU16(addr, uint16(length))
	a.WriteU16(addr+2, uint16(length+1))
	a.WriteU32(addr+4, buf)
}

// ObjectPath returns the object name referenced by an OBJECT_ATTRIBUTES.
func ObjectPath(a *arena.Arena, attrs uint32) (string, error) {
	if attrs == 0 {
		return "", fmt.Errorf("null OBJECT_ATTRIBUTES")
	}
	name, err := a.View(attrs+ObjectAttributesName, 4)
	if err != nil {
		return "", err
	}
	ptr := uint32(name[0]) | uint32(name[1])<<8 | uint32(name[2])<<16 | uint32(name[3])<<24
	return ReadAnsiString(a, ptr)
}

// WriteIoStatus fills an IO_STATUS_BLOCK; a null pointer is ignored.
func WriteIoStatus(a *arena.Arena, iosb uint32, s Status, info uint32) {
	if iosb == 0 {
		return
	}
	a.WriteU32(iosb, uint32(s))
	a.WriteU32(iosb+4, info)
}
