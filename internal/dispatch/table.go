package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicate is returned when two routines claim the same address.
var ErrDuplicate = errors.New("duplicate dispatch address")

// Entry binds an original-program address to its translated routine.
type Entry struct {
	Addr uint32
	Name string
	Fn   Func
}

// Table is the immutable, address-sorted set of translated routines.
type Table struct {
	entries []Entry
}

// NewTable sorts entries by address and rejects duplicates.
func NewTable(entries []Entry) (*Table, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Addr == sorted[i-1].Addr {
			return nil, fmt.Errorf("%w: 0x%08X (%s, %s)", ErrDuplicate, sorted[i].Addr, sorted[i-1].Name, sorted[i].Name)
		}
	}
	for _, e := range sorted {
		if e.Fn == nil {
			return nil, fmt.Errorf("dispatch entry 0x%08X (%s) has no routine", e.Addr, e.Name)
		}
	}
	return &Table{entries: sorted}, nil
}

func (t *Table) Name() string { return "table" }

// TryResolve binary-searches the table.
func (t *Table) TryResolve(addr uint32) (Target, bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Addr >= addr })
	if i < len(t.entries) && t.entries[i].Addr == addr {
		e := t.entries[i]
		return Target{Addr: addr, Name: e.Name, Tier: TierTable, Fn: e.Fn}, true
	}
	return Target{}, false
}

// Len returns the number of routines.
func (t *Table) Len() int { return len(t.entries) }

// Entries returns the routines in ascending address order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Overrides is the small, linearly scanned list of hand-written routines
// that take precedence over everything else.
type Overrides struct {
	entries []Entry
}

// NewOverrides creates an override list. Later entries for the same
// address are ignored.
func NewOverrides(entries ...Entry) *Overrides {
	o := &Overrides{}
	for _, e := range entries {
		o.Add(e)
	}
	return o
}

// Add appends an override unless the address is already claimed.
func (o *Overrides) Add(e Entry) bool {
	for _, x := range o.entries {
		if x.Addr == e.Addr {
			return false
		}
	}
	o.entries = append(o.entries, e)
	return true
}

func (o *Overrides) Name() string { return "overrides" }

func (o *Overrides) TryResolve(addr uint32) (Target, bool) {
	for _, e := range o.entries {
		if e.Addr == addr {
			return Target{Addr: addr, Name: e.Name, Tier: TierOverride, Fn: e.Fn}, true
		}
	}
	return Target{}, false
}

// Len returns the number of overrides.
func (o *Overrides) Len() int { return len(o.entries) }

var (
	genMu     sync.Mutex
	generated []Entry
)

// Register adds a translated routine to the process-wide generated set.
// Generated packages call it from init().
func Register(addr uint32, name string, fn Func) {
	genMu.Lock()
	defer genMu.Unlock()
	generated = append(generated, Entry{Addr: addr, Name: name, Fn: fn})
}

// Generated builds a table from every routine registered so far.
func Generated() (*Table, error) {
	genMu.Lock()
	entries := make([]Entry, len(generated))
	copy(entries, generated)
	genMu.Unlock()
	return NewTable(entries)
}
