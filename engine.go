// Package dynhook intercepts native functions at runtime. A hook is described
// by a Setup (return type, calling convention, parameters) and attached to a
// function entry with InstallDetour or to a virtual table slot of one object
// with HookVirtual. Callbacks run before (Pre) and after (Post) the original
// and decide through their Result whether it runs and what the caller gets
// back.
//
// The Engine owns the hook registries. In native mode, enabled with
// WithNativeEntry, installing a hook patches code: the target is redirected
// to a generated bridge that saves the registers and calls the host's native
// entry points, which in turn call HandleNative. Without native entry points
// hooks are driven from Go through Detour.Invoke and Engine.InvokeVirtual
// over a Frame.
package dynhook

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/k2io/dynhook/internal/inline"
	"github.com/k2io/dynhook/internal/logging"
	"github.com/k2io/dynhook/internal/trampoline"
	"github.com/k2io/dynhook/internal/vtable"
)

var errHandlerPanic = errors.New("callback panicked")

type diagKind int

const (
	diagHandler diagKind = iota
	diagMissingOverride
	diagOffThread
	diagFrame
	diagUnbalanced
	diagTeardown
)

var diagNames = [...]string{"handler", "missing_override", "off_thread", "frame", "unbalanced", "teardown"}

// Stats is a snapshot of the engine state and its diagnostic counters.
type Stats struct {
	Detours      int
	VirtualHooks int
	Callbacks    int
	Bridges      int
	// PendingTeardown counts hook points removed while calls were in flight.
	PendingTeardown int

	Diagnostics     uint64
	OffThread       uint64
	HandlerErrors   uint64
	Panics          uint64
	MissingOverride uint64
}

// NativeEntry holds the addresses of the host's native entry points. Each is
// called by a bridge with (hook id, save area) and must forward to
// Engine.HandleNative, returning its result in the integer return register.
type NativeEntry struct {
	Pre  uintptr
	Post uintptr
}

// Engine is a hook registry. It is safe for concurrent use; callbacks only
// run for calls made on the main thread.
type Engine struct {
	mu sync.Mutex

	cfg     *Config
	abi     ABI
	log     zerolog.Logger
	mem     Memory
	alloc   trampoline.Allocator
	patcher Patcher
	slots   SlotPatcher
	entry   NativeEntry

	threadID   func() int
	mainThread int

	detours map[uintptr]*Detour
	vhooks  map[slotKey]*slotHook
	ids     map[HookID]*Callback
	bridges map[uint64]*chain
	pending []*HookEntry
	retired []*chain

	nextID     HookID
	nextBridge uint64
	stats      Stats
	closed     bool

	logSet, mainSet bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg *Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log, e.logSet = l, true }
}

// WithMemory sets the address space hooks live in. Default ProcessMemory.
func WithMemory(m Memory) Option {
	return func(e *Engine) { e.mem = m }
}

// WithAllocator sets where bridges are placed.
func WithAllocator(a trampoline.Allocator) Option {
	return func(e *Engine) { e.alloc = a }
}

// WithPatcher replaces the function entry patcher.
func WithPatcher(p Patcher) Option {
	return func(e *Engine) { e.patcher = p }
}

// WithSlotPatcher replaces the virtual table patcher.
func WithSlotPatcher(p SlotPatcher) Option {
	return func(e *Engine) { e.slots = p }
}

// WithNativeEntry enables native mode.
func WithNativeEntry(pre, post uintptr) Option {
	return func(e *Engine) { e.entry = NativeEntry{Pre: pre, Post: post} }
}

// WithThreadID replaces the function identifying the calling thread.
func WithThreadID(f func() int) Option {
	return func(e *Engine) { e.threadID = f }
}

// WithMainThread sets the main thread. The default is the thread calling New.
func WithMainThread(id int) Option {
	return func(e *Engine) { e.mainThread, e.mainSet = id, true }
}

// New returns an engine. Unless WithMainThread is given, the calling thread
// becomes the main thread; lock it with runtime.LockOSThread first.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      DefaultConfig(),
		mem:      ProcessMemory{},
		threadID: currentThread,
		detours:  make(map[uintptr]*Detour),
		vhooks:   make(map[slotKey]*slotHook),
		ids:      make(map[HookID]*Callback),
		bridges:  make(map[uint64]*chain),
	}
	for _, o := range opts {
		o(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	abi, err := e.cfg.abi()
	if err != nil {
		return nil, err
	}
	e.abi = abi
	if !e.logSet {
		e.log = logging.NewWithComponent(e.cfg.logging(), "dynhook")
	}
	if !e.mainSet {
		e.mainThread = e.threadID()
	}
	if e.native() {
		if err := e.defaultPatchers(); err != nil {
			return nil, err
		}
	}
	e.log.Debug().
		Str("abi", e.abi.String()).
		Bool("native", e.native()).
		Int("main_thread", e.mainThread).
		Msg("engine ready")
	return e, nil
}

func (e *Engine) native() bool { return e.entry.Pre != 0 && e.entry.Post != 0 }

func (e *Engine) defaultPatchers() error {
	if e.alloc == nil {
		e.alloc = trampoline.NewPageAllocator()
	}
	if e.patcher == nil {
		mode := 64
		if e.abi == X86 {
			mode = 32
		}
		opts := []inline.Option{
			inline.WithLogger(e.log),
			inline.WithDebug(e.cfg.Debug),
		}
		if _, ok := e.mem.(*Buffer); ok {
			opts = append(opts, inline.WithProtect(func(uintptr, uintptr, bool) error { return nil }))
		}
		e.patcher = InlinePatcher(inline.New(mode, e.mem, e.alloc, opts...))
	}
	if e.slots == nil {
		var protect vtable.ProtectFunc
		if _, ok := e.mem.(ProcessMemory); ok {
			protect = vtable.ReadOnlyTables
		}
		e.slots = TablePatcher(vtable.New(e.mem, e.abi.PtrSize(), protect))
	}
	return nil
}

// ABI returns the ABI the engine patches code for.
func (e *Engine) ABI() ABI { return e.abi }

// MainThread returns the id of the thread callbacks run on.
func (e *Engine) MainThread() int { return e.mainThread }

// NewSetup is NewSetup with the engine's ABI as the default.
func (e *Engine) NewSetup(ret ReturnType, conv CallConv, this ThisPolicy, opts ...SetupOption) (*Setup, error) {
	return NewSetup(ret, conv, this, append([]SetupOption{WithABI(e.abi)}, opts...)...)
}

func (e *Engine) onMainThread() bool { return e.threadID() == e.mainThread }

func (e *Engine) newCallback(phase Phase, h Handler, this ThisPolicy, opts []CallbackOption) *Callback {
	e.nextID++
	cb := &Callback{id: e.nextID, phase: phase, handler: h, this: this, returnInterest: true}
	for _, o := range opts {
		o(cb)
	}
	e.ids[cb.id] = cb
	return cb
}

// report records a diagnostic. It must not be called with the lock held.
func (e *Engine) report(kind diagKind, log zerolog.Logger, err error, msg string) {
	e.mu.Lock()
	e.stats.Diagnostics++
	switch kind {
	case diagHandler:
		e.stats.HandlerErrors++
		if errors.Is(err, errHandlerPanic) {
			e.stats.Panics++
		}
	case diagMissingOverride:
		e.stats.MissingOverride++
	case diagOffThread:
		e.stats.OffThread++
	}
	e.mu.Unlock()

	ev := log.Error()
	if kind == diagOffThread {
		ev = log.Warn()
	}
	ev.Err(err).Str("diagnostic", diagNames[kind]).Msg(msg)
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.Detours = len(e.detours)
	s.VirtualHooks = len(e.vhooks)
	s.Callbacks = len(e.ids)
	s.Bridges = len(e.bridges)
	s.PendingTeardown = len(e.retired)
	return s
}

// retire takes a hook point with no callbacks left out of service. Its
// patch is undone now if no call is running through it, else at EndFrame.
// A patch that cannot be undone stays retired and is retried at EndFrame.
// Called with the lock held.
func (e *Engine) retire(c *chain) error {
	c.retired = true
	if c.inflight > 0 {
		e.retired = append(e.retired, c)
		return nil
	}
	if err := e.teardown(c); err != nil {
		e.retired = append(e.retired, c)
		return err
	}
	return nil
}

// teardown undoes the patch of c and frees its bridge. While the target
// still jumps into the bridge the bridge is kept. Called with the lock held.
func (e *Engine) teardown(c *chain) error {
	b := c.bridge
	if b == nil {
		return nil
	}
	if err := b.redirect.Remove(); err != nil {
		return fmt.Errorf("remove redirect: %w", err)
	}
	c.bridge = nil
	delete(e.bridges, b.id)
	if err := e.alloc.Free(b.block); err != nil {
		return fmt.Errorf("free bridge: %w", err)
	}
	return nil
}

// settle tears down a retired hook point driven from Go once its last call
// returned. Native hook points wait for EndFrame: the bridge is still on the
// stack when post returns.
func (e *Engine) settle(c *chain) {
	e.mu.Lock()
	if c.retired && c.inflight == 0 && c.bridge == nil {
		e.retired = dropChain(e.retired, c)
	}
	e.mu.Unlock()
}

func dropChain(s []*chain, c *chain) []*chain {
	for i, x := range s {
		if x == c {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// flushRetired tears down every retired hook point without calls in flight.
// Called with the lock held.
func (e *Engine) flushRetired() error {
	var errs []error
	keep := e.retired[:0]
	for _, c := range e.retired {
		if c.inflight > 0 {
			keep = append(keep, c)
			continue
		}
		if err := e.teardown(c); err != nil {
			if c.bridge != nil {
				keep = append(keep, c)
			}
			errs = append(errs, err)
		}
	}
	clear(e.retired[len(keep):])
	e.retired = keep
	return errors.Join(errs...)
}

// Close removes every hook and undoes every patch. Calls still in flight
// keep their bridges until the next EndFrame.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var removed []*Callback
	var errs []error
	for _, cb := range e.registered(func(*Callback) bool { return true }) {
		rm, err := e.removeLocked(cb)
		removed = append(removed, rm...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	e.pending = nil
	clear(e.detours)
	if err := e.flushRetired(); err != nil {
		errs = append(errs, err)
	}
	e.mu.Unlock()

	notify(removed)
	e.log.Debug().Int("callbacks", len(removed)).Msg("engine closed")
	return errors.Join(errs...)
}
