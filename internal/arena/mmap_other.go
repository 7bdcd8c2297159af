//go:build !(linux || darwin)

package arena

import (
	"errors"
	"unsafe"
)

var errNoHint = errors.New("hinted placement unsupported on this platform")

func reserveAt(hint uintptr, size uint64) ([]byte, func() error, error) {
	return nil, nil, errNoHint
}

// reserveAny falls back to the Go heap. Only software protection applies.
func reserveAny(size uint64) ([]byte, func() error, bool, error) {
	return make([]byte, size), nil, false, nil
}

func setReadOnly(b []byte, ro bool) error { return nil }

func hostAddr(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(mem)))
}
