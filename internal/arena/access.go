package arena

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// index bounds-checks an access and returns its offset into the arena.
// Violations panic with *Fault.
func (a *Arena) index(addr, n uint32, write bool) uint64 {
	if !a.Contains(addr, n) {
		panic(&Fault{Addr: addr, Size: n, Write: write})
	}
	if write && len(a.ro) > 0 && a.IsReadOnly(addr, n) {
		panic(&Fault{Addr: addr, Size: n, Write: true, ReadOnly: true})
	}
	return uint64(addr) - uint64(a.base)
}

// Typed little-endian accessors. These mirror the loads and stores the
// translated code performs and fault rather than return errors.

func (a *Arena) ReadU8(addr uint32) uint8 {
	return a.mem[a.index(addr, 1, false)]
}

func (a *Arena) ReadU16(addr uint32) uint16 {
	i := a.index(addr, 2, false)
	return binary.LittleEndian.Uint16(a.mem[i:])
}

func (a *Arena) ReadU32(addr uint32) uint32 {
	i := a.index(addr, 4, false)
	return binary.LittleEndian.Uint32(a.mem[i:])
}

func (a *Arena) ReadU64(addr uint32) uint64 {
	i := a.index(addr, 8, false)
	return binary.LittleEndian.Uint64(a.mem[i:])
}

func (a *Arena) ReadI8(addr uint32) int8   { return int8(a.ReadU8(addr)) }
func (a *Arena) ReadI16(addr uint32) int16 { return int16(a.ReadU16(addr)) }
func (a *Arena) ReadI32(addr uint32) int32 { return int32(a.ReadU32(addr)) }

func (a *Arena) ReadF32(addr uint32) float32 {
	return math.Float32frombits(a.ReadU32(addr))
}

func (a *Arena) ReadF64(addr uint32) float64 {
	return math.Float64frombits(a.ReadU64(addr))
}

func (a *Arena) WriteU8(addr uint32, v uint8) {
	a.mem[a.index(addr, 1, true)] = v
}

func (a *Arena) WriteU16(addr uint32, v uint16) {
	i := a.index(addr, 2, true)
	binary.LittleEndian.PutUint16(a.mem[i:], v)
}

func (a *Arena) WriteU32(addr uint32, v uint32) {
	i := a.index(addr, 4, true)
	binary.LittleEndian.PutUint32(a.mem[i:], v)
}

func (a *Arena) WriteU64(addr uint32, v uint64) {
	i := a.index(addr, 8, true)
	binary.LittleEndian.PutUint64(a.mem[i:], v)
}

func (a *Arena) WriteF32(addr uint32, v float32) {
	a.WriteU32(addr, math.Float32bits(v))
}

func (a *Arena) WriteF64(addr uint32, v float64) {
	a.WriteU64(addr, math.Float64bits(v))
}

// Error-returning accessors for kernel routines, which validate guest
// pointers instead of faulting.

func (a *Arena) check(addr, n uint32, write bool) (uint64, error) {
	if !a.Contains(addr, n) {
		return 0, &Fault{Addr: addr, Size: n, Write: write}
	}
	if write && a.IsReadOnly(addr, n) {
		return 0, &Fault{Addr: addr, Size: n, Write: true, ReadOnly: true}
	}
	return uint64(addr) - uint64(a.base), nil
}

// View returns the host bytes backing [addr, addr+n) for reading.
func (a *Arena) View(addr, n uint32) ([]byte, error) {
	i, err := a.check(addr, n, false)
	if err != nil {
		return nil, err
	}
	return a.mem[i : i+uint64(n) : i+uint64(n)], nil
}

// MutView returns the host bytes backing [addr, addr+n) for writing. It
// fails on read-only ranges.
func (a *Arena) MutView(addr, n uint32) ([]byte, error) {
	i, err := a.check(addr, n, true)
	if err != nil {
		return nil, err
	}
	return a.mem[i : i+uint64(n) : i+uint64(n)], nil
}

// Read copies len(buf) bytes starting at addr into buf.
func (a *Arena) Read(addr uint32, buf []byte) error {
	src, err := a.View(addr, uint32(len(buf)))
	if err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

// Write copies buf into the arena at addr.
func (a *Arena) Write(addr uint32, buf []byte) error {
	dst, err := a.MutView(addr, uint32(len(buf)))
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

// Zero clears n bytes at addr.
func (a *Arena) Zero(addr, n uint32) error {
	dst, err := a.MutView(addr, n)
	if err != nil {
		return err
	}
	clear(dst)
	return nil
}

// ReadString reads a NUL-terminated string of at most max bytes.
func (a *Arena) ReadString(addr uint32, max int) (string, error) {
	if !a.Contains(addr, 1) {
		return "", &Fault{Addr: addr, Size: 1}
	}
	i := uint64(addr) - uint64(a.base)
	end := i + uint64(max)
	if end > a.size {
		end = a.size
	}
	b := a.mem[i:end]
	if n := bytes.IndexByte(b, 0); n >= 0 {
		return string(b[:n]), nil
	}
	return "", fmt.Errorf("string at 0x%08X longer than %d bytes", addr, max)
}

// WriteString writes s followed by a NUL terminator.
func (a *Arena) WriteString(addr uint32, s string) error {
	dst, err := a.MutView(addr, uint32(len(s))+1)
	if err != nil {
		return err
	}
	copy(dst, s)
	dst[len(s)] = 0
	return nil
}
