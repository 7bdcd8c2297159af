// Package recomp assembles a runnable session from a program image and a
// layout: it maps the arena, builds the allocator and execution context,
// wires the three-tier dispatcher and resolves the kernel thunk table.
// Host code enters translated code only through Runtime.Call.
package recomp

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/arena"
	"github.com/zboralski/xrecomp/internal/config"
	"github.com/zboralski/xrecomp/internal/dispatch"
	"github.com/zboralski/xrecomp/internal/heap"
	"github.com/zboralski/xrecomp/internal/hostsvc"
	"github.com/zboralski/xrecomp/internal/image"
	"github.com/zboralski/xrecomp/internal/kernel"
	_ "github.com/zboralski/xrecomp/internal/kernel/routines"
	"github.com/zboralski/xrecomp/internal/log"
	"github.com/zboralski/xrecomp/internal/machine"
	"github.com/zboralski/xrecomp/internal/trace"
)

var (
	// ErrClosed is returned by Call after Close.
	ErrClosed = errors.New("runtime closed")
	// ErrHostFault wraps a Go runtime error raised inside translated code,
	// such as a nil dereference or an out-of-range slice access.
	ErrHostFault = errors.New("host fault")
)

// TraceFunc matches the logger trace callback.
type TraceFunc func(pc uint32, category, name, detail string)

type options struct {
	logger    *log.Logger
	services  *kernel.Services
	overrides []dispatch.Entry
	table     *dispatch.Table
	registry  *kernel.Registry
	onCall    TraceFunc
}

// Option customizes New.
type Option func(*options)

// WithLogger sets the session's parent logger.
func WithLogger(l *log.Logger) Option { return func(o *options) { o.logger = l } }

// WithServices replaces the host-backed collaborators.
func WithServices(s kernel.Services) Option { return func(o *options) { o.services = &s } }

// WithOverrides adds hand-written routines consulted before the table.
func WithOverrides(entries ...dispatch.Entry) Option {
	return func(o *options) { o.overrides = append(o.overrides, entries...) }
}

// WithTable replaces the generated routine table.
func WithTable(t *dispatch.Table) Option { return func(o *options) { o.table = t } }

// WithRegistry replaces the default kernel routine registry.
func WithRegistry(r *kernel.Registry) Option { return func(o *options) { o.registry = r } }

// WithOnCall observes every traced bridge and dispatch event.
func WithOnCall(fn TraceFunc) Option { return func(o *options) { o.onCall = fn } }

// Runtime owns every component of one session.
type Runtime struct {
	session string
	cfg     *config.Config
	img     *image.Image
	log     *log.Logger

	mem      *arena.Arena
	heap     *heap.Heap
	ctx      *machine.Context
	services kernel.Services
	bridge   *kernel.Bridge
	table    *dispatch.Table
	disp     *dispatch.Dispatcher
	trace    *trace.Collector
	stats    kernel.Stats

	closed bool
}

// New builds a session for img laid out according to cfg.
func New(img *image.Image, cfg *config.Config, opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	session := uuid.NewString()
	l := o.logger
	if l == nil {
		l = log.Default()
	}
	l = l.WithSession(session)
	collector := trace.NewCollector(session)
	onCall := o.onCall
	l.SetOnTrace(func(pc uint32, category, name, detail string) {
		collector.Record(pc, category, name, detail)
		if onCall != nil {
			onCall(pc, category, name, detail)
		}
	})

	r := &Runtime{session: session, cfg: cfg, img: img, log: l, trace: collector}

	mem, err := arena.Map(img, cfg, l.WithCategory("arena"))
	if err != nil {
		return nil, fmt.Errorf("map image: %w", err)
	}
	r.mem = mem
	r.heap = heap.New(cfg.Heap.Base.U32(), uint64(cfg.Heap.Size), cfg.Heap.MinAlign.U32(), l)
	r.ctx = machine.New(mem, cfg.Stack.Base.U32(), uint32(cfg.Stack.Size))

	if o.services != nil {
		r.services = *o.services
	} else {
		r.services = hostsvc.New(cfg.Host, l)
	}

	r.table = o.table
	if r.table == nil {
		if r.table, err = dispatch.Generated(); err != nil {
			r.Close()
			return nil, err
		}
	}

	kcfg := cfg.Kernel
	if img.ThunkTable != 0 {
		kcfg.ThunkTable = config.Hex(img.ThunkTable)
		if img.ThunkCount > 0 {
			kcfg.ThunkCount = img.ThunkCount
		}
	}
	r.bridge = kernel.NewBridge(mem, r.heap, kcfg, o.registry, r.services, l)

	var chain []dispatch.Resolver
	if len(o.overrides) > 0 {
		chain = append(chain, dispatch.NewOverrides(o.overrides...))
	}
	chain = append(chain, r.table, r.bridge)
	r.disp = dispatch.New(l, chain...)
	r.bridge.SetDispatcher(r.disp)

	if r.stats, err = r.bridge.Init(); err != nil {
		r.Close()
		return nil, err
	}

	l.Info("runtime ready",
		zap.Strings("chain", r.disp.Chain()),
		zap.Int("routines", r.table.Len()),
		zap.String("thunks", r.stats.String()),
	)
	return r, nil
}

// Call invokes the routine at addr with the return sentinel pushed, as a
// native call would. Memory faults, bug checks and Go runtime errors raised
// inside the call are returned as errors and the register file is restored
// to its state before the call. Any other panic propagates.
func (r *Runtime) Call(addr uint32) (err error) {
	if r.closed {
		return ErrClosed
	}
	saved := r.ctx.Snapshot()
	prev := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(prev)
		rec := recover()
		if rec == nil {
			return
		}
		r.ctx.Restore(saved)
		err = r.contain(addr, rec)
	}()
	r.disp.Call(r.ctx, addr)
	return nil
}

// Invoke pushes args right to left, calls addr and returns EAX. The stack
// pointer is reset to its value before the pushes, so cdecl and stdcall
// targets both leave the stack balanced.
func (r *Runtime) Invoke(addr uint32, args ...uint32) (uint32, error) {
	if r.closed {
		return 0, ErrClosed
	}
	base := r.ctx.ESP
	for i := len(args) - 1; i >= 0; i-- {
		r.ctx.Push(args[i])
	}
	err := r.Call(addr)
	r.ctx.ESP = base
	if err != nil {
		return 0, err
	}
	return r.ctx.EAX, nil
}

func (r *Runtime) contain(addr uint32, rec interface{}) error {
	var err error
	switch v := rec.(type) {
	case *arena.Fault:
		err = v
	case *kernel.BugCheck:
		err = v
	case runtime.Error:
		err = fmt.Errorf("%w: %v", ErrHostFault, v)
	default:
		panic(rec)
	}
	r.log.Error("call aborted", log.Addr(addr), zap.Error(err))
	r.log.Trace(addr, "fault", "", err.Error())
	return fmt.Errorf("call 0x%08X: %w", addr, err)
}

// CallAll calls every routine of the table in ascending address order,
// continuing past failures. It returns the number of calls that completed
// and the joined errors of the rest.
func (r *Runtime) CallAll() (int, error) {
	var (
		done int
		errs []error
	)
	for _, e := range r.table.Entries() {
		if err := r.Call(e.Addr); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// Close releases host resources. It is safe to call more than once.
func (r *Runtime) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if fs, ok := r.services.Files.(*hostsvc.Files); ok {
		fs.CloseAll()
	}
	if r.mem == nil {
		return nil
	}
	return r.mem.Close()
}

// Session returns the session id stamped on logs and trace events.
func (r *Runtime) Session() string { return r.session }

// Config returns the layout the session was built with.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Image returns the program image.
func (r *Runtime) Image() *image.Image { return r.img }

// Arena returns the mapped address space.
func (r *Runtime) Arena() *arena.Arena { return r.mem }

// Heap returns the allocator.
func (r *Runtime) Heap() *heap.Heap { return r.heap }

// Context returns the shared execution state.
func (r *Runtime) Context() *machine.Context { return r.ctx }

// Bridge returns the kernel bridge.
func (r *Runtime) Bridge() *kernel.Bridge { return r.bridge }

// Dispatcher returns the resolver chain.
func (r *Runtime) Dispatcher() *dispatch.Dispatcher { return r.disp }

// Table returns the translated routine table.
func (r *Runtime) Table() *dispatch.Table { return r.table }

// Trace returns the event collector.
func (r *Runtime) Trace() *trace.Collector { return r.trace }

// Stats returns the thunk table resolution summary.
func (r *Runtime) Stats() kernel.Stats { return r.stats }
