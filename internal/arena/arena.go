// Package arena maps a program image into a flat host reservation so that
// every 32-bit logical address the translated code computes resolves to
// host memory by adding a single signed offset.
package arena

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/config"
	"github.com/zboralski/xrecomp/internal/image"
	"github.com/zboralski/xrecomp/internal/log"
)

// ErrPlacement is returned when no host placement could be obtained.
var ErrPlacement = errors.New("arena placement failed")

// Placement records how the reservation was obtained.
type Placement struct {
	Requested uint64 // hint that succeeded; 0 when the OS chose
	Host      uintptr
	Attempts  int
	OSChosen  bool
	Mapped    bool // backed by an anonymous mapping rather than the Go heap
}

type span struct {
	start, end uint64 // logical, end exclusive
	name       string
	unlocked   int
	hw         bool // pages inside the span are mprotected
}

// Arena is a contiguous logical address range backed by host memory.
type Arena struct {
	mem       []byte
	base      uint32
	size      uint64
	offset    int64
	placement Placement
	ro        []*span
	release   func() error
	log       *log.Logger
}

// Reserve obtains host memory for the configured arena without loading an
// image. Candidates are tried in order: the logical base itself, each
// configured fallback, then whatever address the OS chooses. A hinted
// attempt is accepted only when the host returns exactly the hint.
func Reserve(cfg *config.Config, l *log.Logger) (*Arena, error) {
	if l == nil {
		l = log.NewNop()
	}
	size := uint64(cfg.Arena.Size)
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized arena", ErrPlacement)
	}

	var hints []uint64
	if cfg.Arena.LogicalBase != 0 {
		hints = append(hints, uint64(cfg.Arena.LogicalBase))
	}
	for _, h := range cfg.Arena.Fallbacks {
		hints = append(hints, uint64(h))
	}

	a := &Arena{base: cfg.Arena.LogicalBase.U32(), size: size, log: l}
	attempts := 0
	for _, hint := range hints {
		if uint64(uintptr(hint)) != hint {
			continue
		}
		attempts++
		mem, release, err := reserveAt(uintptr(hint), size)
		if err != nil {
			l.Debug("placement attempt failed", log.Ptr("hint", uint32(hint)), zap.Error(err))
			continue
		}
		a.mem, a.release = mem, release
		a.placement = Placement{Requested: hint, Host: uintptr(hint), Attempts: attempts, Mapped: true}
		break
	}
	if a.mem == nil {
		attempts++
		mem, release, mapped, err := reserveAny(size)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPlacement, err)
		}
		a.mem, a.release = mem, release
		a.placement = Placement{Host: hostAddr(mem), Attempts: attempts, OSChosen: true, Mapped: mapped}
	}
	a.offset = int64(a.placement.Host) - int64(a.base)

	l.Info("arena placed",
		zap.String("host", log.Hex64(uint64(a.placement.Host))),
		zap.String("logical", log.Hex(a.base)),
		zap.String("offset", fmt.Sprintf("%+#x", a.offset)),
		zap.Int("attempts", attempts),
		zap.Bool("os_chosen", a.placement.OSChosen),
		log.Size(size),
	)
	return a, nil
}

// Map reserves the arena, copies every non-code section of img to its
// logical address, writes the low-memory fixups and protects read-only
// sections. Code sections are never copied; translated code replaces them.
func Map(img *image.Image, cfg *config.Config, l *log.Logger) (*Arena, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	a, err := Reserve(cfg, l)
	if err != nil {
		return nil, err
	}
	if err := a.load(img); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.LowMemory.Enabled {
		a.writeLowMemory(cfg)
	}
	for _, s := range img.Sections {
		if s.Kind == image.ReadOnly {
			a.protect(s, cfg.Arena.ProtectReadOnly)
		}
	}
	return a, nil
}

func (a *Arena) load(img *image.Image) error {
	for _, s := range img.Sections {
		if s.Kind == image.Code {
			continue
		}
		if !a.Contains(s.VirtualAddr, s.VirtualSize) {
			return fmt.Errorf("%w: section %s [0x%08X, 0x%X) outside arena", image.ErrMalformed, s.Name, s.VirtualAddr, s.End())
		}
		n := s.CopySize()
		dst := a.mem[uint64(s.VirtualAddr)-uint64(a.base):]
		copy(dst[:n], img.Data[s.RawOffset:uint64(s.RawOffset)+uint64(n)])
		a.log.Debug("section copied",
			zap.String("name", s.Name),
			zap.Stringer("kind", s.Kind),
			log.Addr(s.VirtualAddr),
			log.Size(uint64(n)),
			zap.Uint32("zero_fill", s.VirtualSize-n),
		)
	}
	return nil
}

// protect registers the software read-only range and, when requested and
// the arena is page-backed, write-protects the whole pages inside it.
// Partial pages at either edge stay writable so neighbouring data is
// unaffected.
func (a *Arena) protect(s image.Section, hardware bool) {
	sp := &span{start: uint64(s.VirtualAddr), end: s.End(), name: s.Name}
	a.ro = append(a.ro, sp)
	if !hardware || !a.placement.Mapped {
		return
	}
	if lo, hi, ok := a.innerPages(sp); ok {
		if err := setReadOnly(a.mem[lo:hi], true); err != nil {
			a.log.Warn("mprotect failed", zap.String("section", s.Name), zap.Error(err))
			return
		}
		sp.hw = true
	}
}

// innerPages rounds a logical span inward to host page boundaries and
// returns the matching arena slice indices.
func (a *Arena) innerPages(sp *span) (lo, hi uint64, ok bool) {
	page := uint64(os.Getpagesize())
	hostStart := uint64(a.placement.Host) + sp.start - uint64(a.base)
	hostEnd := hostStart + (sp.end - sp.start)
	first := (hostStart + page - 1) &^ (page - 1)
	last := hostEnd &^ (page - 1)
	if first >= last {
		return 0, 0, false
	}
	lo = first - uint64(a.placement.Host)
	hi = last - uint64(a.placement.Host)
	return lo, hi, true
}

// WithWritable lifts read-only protection over [addr, addr+size) for the
// duration of fn. Used to patch tables that live in constant sections.
func (a *Arena) WithWritable(addr, size uint32, fn func() error) error {
	if !a.Contains(addr, size) {
		return &Fault{Addr: addr, Size: size, Write: true}
	}
	start, end := uint64(addr), uint64(addr)+uint64(size)
	var lifted []*span
	for _, sp := range a.ro {
		if sp.start < end && start < sp.end {
			lifted = append(lifted, sp)
		}
	}
	for _, sp := range lifted {
		sp.unlocked++
		if sp.hw && sp.unlocked == 1 {
			lo, hi, _ := a.innerPages(sp)
			if err := setReadOnly(a.mem[lo:hi], false); err != nil {
				sp.unlocked--
				return fmt.Errorf("unprotect %s: %w", sp.name, err)
			}
		}
	}
	defer func() {
		for _, sp := range lifted {
			sp.unlocked--
			if sp.hw && sp.unlocked == 0 {
				lo, hi, _ := a.innerPages(sp)
				if err := setReadOnly(a.mem[lo:hi], true); err != nil {
					a.log.Warn("re-protect failed", zap.String("section", sp.name), zap.Error(err))
				}
			}
		}
	}()
	return fn()
}

// IsReadOnly reports whether any byte of [addr, addr+size) is currently
// write-protected.
func (a *Arena) IsReadOnly(addr, size uint32) bool {
	start, end := uint64(addr), uint64(addr)+uint64(size)
	for _, sp := range a.ro {
		if sp.unlocked == 0 && sp.start < end && start < sp.end {
			return true
		}
	}
	return false
}

// Close releases the host reservation. The arena must not be used again.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	for _, sp := range a.ro {
		if sp.hw {
			lo, hi, _ := a.innerPages(sp)
			_ = setReadOnly(a.mem[lo:hi], false)
			sp.hw = false
		}
	}
	var err error
	if a.release != nil {
		err = a.release()
	}
	a.mem, a.size, a.release = nil, 0, nil
	return err
}

// Offset returns the signed translation offset (host - logical).
func (a *Arena) Offset() int64 { return a.offset }

// LogicalBase returns the lowest logical address in the arena.
func (a *Arena) LogicalBase() uint32 { return a.base }

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 { return a.size }

// HostBase returns the host address backing LogicalBase.
func (a *Arena) HostBase() uintptr { return a.placement.Host }

// Placement returns how the reservation was obtained.
func (a *Arena) Placement() Placement { return a.placement }

// Identity reports whether logical addresses equal host addresses.
func (a *Arena) Identity() bool { return a.offset == 0 && a.placement.Mapped }

// Contains reports whether [addr, addr+size) lies inside the arena.
func (a *Arena) Contains(addr, size uint32) bool {
	if addr < a.base {
		return false
	}
	return uint64(addr)-uint64(a.base)+uint64(size) <= a.size
}

// Host translates a logical address to a host address.
func (a *Arena) Host(addr uint32) uintptr {
	return uintptr(int64(addr) + a.offset)
}

// Logical translates a host address back to a logical one.
func (a *Arena) Logical(host uintptr) (uint32, bool) {
	v := int64(host) - a.offset
	if v < int64(a.base) || uint64(v-int64(a.base)) >= a.size {
		return 0, false
	}
	return uint32(v), true
}
