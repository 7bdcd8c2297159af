package kernel

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/log"
)

// Routine implements one kernel export.
type Routine func(k *Call)

// RoutineDef binds a routine to its ordinal.
type RoutineDef struct {
	Ordinal  uint16
	Name     string
	Category string // for logging: "mm", "file", "sync", ...
	Fn       Routine
}

// Registry holds bridge routines keyed by ordinal.
type Registry struct {
	mu       sync.RWMutex
	routines map[uint16]*RoutineDef
}

// DefaultRegistry is the global registry populated from init() functions.
var DefaultRegistry = NewRegistry()

// Debug enables registration logging.
var Debug bool

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{routines: make(map[uint16]*RoutineDef)}
}

// Register adds a routine. A later registration for the same ordinal
// replaces the earlier one.
func (r *Registry) Register(def RoutineDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if def.Name == "" {
		if e, ok := LookupExport(def.Ordinal); ok {
			def.Name = e.Name
		}
	}
	r.routines[def.Ordinal] = &def

	if Debug && log.L != nil {
		log.L.Debug("registered",
			zap.String("cat", def.Category),
			log.Fn(def.Name),
			log.Ordinal(def.Ordinal),
		)
	}
}

// RegisterFunc is a convenience wrapper around Register.
func (r *Registry) RegisterFunc(category string, ordinal uint16, fn Routine) {
	r.Register(RoutineDef{Ordinal: ordinal, Category: category, Fn: fn})
}

// Lookup returns the routine for an ordinal.
func (r *Registry) Lookup(ordinal uint16) (*RoutineDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.routines[ordinal]
	return def, ok
}

// Count returns the number of registered routines.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routines)
}

// List returns all routines ordered by ordinal.
func (r *Registry) List() []RoutineDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoutineDef, 0, len(r.routines))
	for _, d := range r.routines {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// Register adds a routine to the default registry.
func Register(def RoutineDef) { DefaultRegistry.Register(def) }

// RegisterFunc adds a routine to the default registry.
func RegisterFunc(category string, ordinal uint16, fn Routine) {
	DefaultRegistry.RegisterFunc(category, ordinal, fn)
}
