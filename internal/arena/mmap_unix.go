//go:build linux || darwin

package arena

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	mmapProt  = unix.PROT_READ | unix.PROT_WRITE
	mmapFlags = unix.MAP_PRIVATE | unix.MAP_ANON | unix.MAP_NORESERVE
)

// reserveAt maps size bytes using hint as a non-fixed placement hint. The
// kernel may honour the hint or pick another address; anything other than
// the hint is unmapped and reported as an error so the caller can move on.
func reserveAt(hint uintptr, size uint64) ([]byte, func() error, error) {
	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size), mmapProt, mmapFlags)
	if err != nil {
		return nil, nil, err
	}
	if uintptr(ptr) != hint {
		_ = unix.MunmapPtr(ptr, uintptr(size))
		return nil, nil, fmt.Errorf("kernel placed mapping at %#x", uintptr(ptr))
	}
	return sliceOf(ptr, size), releaser(ptr, size), nil
}

func reserveAny(size uint64) ([]byte, func() error, bool, error) {
	ptr, err := unix.MmapPtr(-1, 0, nil, uintptr(size), mmapProt, mmapFlags)
	if err != nil {
		return nil, nil, false, err
	}
	return sliceOf(ptr, size), releaser(ptr, size), true, nil
}

func sliceOf(ptr unsafe.Pointer, size uint64) []byte {
	return unsafe.Slice((*byte)(ptr), int(size))
}

func releaser(ptr unsafe.Pointer, size uint64) func() error {
	return func() error { return unix.MunmapPtr(ptr, uintptr(size)) }
}

func setReadOnly(b []byte, ro bool) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if ro {
		prot = unix.PROT_READ
	}
	return unix.Mprotect(b, prot)
}

func hostAddr(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
}
