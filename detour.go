package dynhook

import (
	"fmt"
	"slices"
)

type detourState int

const (
	// stateUninstalled: registered, no callbacks yet, nothing patched
	stateUninstalled detourState = iota
	stateInstalled
	// stateDestroyed: the last callback went away, the detour is unusable
	stateDestroyed
)

// Detour is the hook on one function address. It exists while it has
// callbacks; removing the last one destroys it and undoes the patch, and a
// later InstallDetour at the address creates a new Detour.
type Detour struct {
	e     *Engine
	addr  uintptr
	setup *Setup
	c     *chain

	pre, post []*Callback
	state     detourState
}

// InstallDetour returns the detour at addr, creating it if the address is
// not hooked yet. Installing twice with compatible setups returns the same
// Detour. A detour without callbacks is replaced by an install with another
// signature. The target is patched when the first callback is added.
func (e *Engine) InstallDetour(setup *Setup, addr uintptr) (*Detour, error) {
	if addr == 0 {
		return nil, fmt.Errorf("%w: null target", ErrHookNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if d, ok := e.detours[addr]; ok {
		if d.setup.sameSignature(setup) {
			return d, nil
		}
		if d.state != stateUninstalled {
			return nil, fmt.Errorf("%w at %#x", ErrIncompatibleConvention, addr)
		}
		// nothing was ever attached or patched: the new setup takes the address
		d.state = stateDestroyed
		delete(e.detours, addr)
		e.log.Debug().Str("addr", fmt.Sprintf("%#x", addr)).Msg("replacing unused detour")
	}
	if err := e.flushAt(addr); err != nil {
		return nil, err
	}
	a := setup.freeze()
	d := &Detour{
		e:     e,
		addr:  addr,
		setup: setup,
	}
	d.c = newChain(e, a, e.log.With().Str("addr", fmt.Sprintf("%#x", addr)).Logger())
	d.c.snapshot = d.snapshot
	e.detours[addr] = d
	return d, nil
}

// flushAt frees a retired hook point still patched at addr, so the address
// can be hooked again. Called with the lock held.
func (e *Engine) flushAt(addr uintptr) error {
	for _, c := range e.retired {
		if c.bridge == nil || c.target != addr {
			continue
		}
		if c.inflight > 0 {
			return fmt.Errorf("%w at %#x: previous hook still running", ErrDoubleHook, addr)
		}
		if err := e.teardown(c); err != nil {
			return err
		}
		e.retired = dropChain(e.retired, c)
		return nil
	}
	return nil
}

// Address returns the hooked function address.
func (d *Detour) Address() uintptr { return d.addr }

// Installed reports whether the target is hooked with at least one callback.
func (d *Detour) Installed() bool {
	d.e.mu.Lock()
	defer d.e.mu.Unlock()
	return d.state == stateInstalled
}

// Destroyed reports whether the detour lost its last callback.
func (d *Detour) Destroyed() bool {
	d.e.mu.Lock()
	defer d.e.mu.Unlock()
	return d.state == stateDestroyed
}

// NumCallbacks returns the number of callbacks in phase.
func (d *Detour) NumCallbacks(phase Phase) int {
	d.e.mu.Lock()
	defer d.e.mu.Unlock()
	return len(*d.list(phase))
}

func (d *Detour) list(phase Phase) *[]*Callback {
	if phase == Post {
		return &d.post
	}
	return &d.pre
}

// AddCallback registers h to run in phase. The first callback patches the
// target; if that fails nothing is registered.
func (d *Detour) AddCallback(phase Phase, h Handler, opts ...CallbackOption) (*Callback, error) {
	e := d.e
	if h == nil {
		return nil, ErrNilHandler
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if d.state == stateDestroyed {
		return nil, ErrDetourDestroyed
	}
	if d.state == stateUninstalled {
		err := e.installNative(d.c, func(code, cell uintptr) (Redirection, error) {
			return e.patcher.Patch(d.addr, code, cell)
		})
		if err != nil {
			return nil, fmt.Errorf("install detour at %#x: %w", d.addr, err)
		}
		d.c.target = d.addr
		d.state = stateInstalled
	}
	cb := e.newCallback(phase, h, d.setup.This(), opts)
	cb.detour = d
	l := d.list(phase)
	*l = append(slices.Clone(*l), cb)
	return cb, nil
}

// RemoveCallback unregisters cb. Removing the last callback destroys the
// detour; the patch is undone at once unless a call is running through it.
func (d *Detour) RemoveCallback(cb *Callback) error {
	e := d.e
	e.mu.Lock()
	if cb == nil || cb.detour != d || cb.removed {
		e.mu.Unlock()
		return ErrCallbackNotFound
	}
	removed, err := e.removeLocked(cb)
	e.mu.Unlock()
	notify(removed)
	return err
}

// removeCallback drops cb from the detour. Called with the lock held.
func (d *Detour) removeCallback(cb *Callback) error {
	l := d.list(cb.phase)
	i := slices.Index(*l, cb)
	if i < 0 {
		return ErrCallbackNotFound
	}
	*l = slices.Delete(slices.Clone(*l), i, i+1)
	if len(d.pre) > 0 || len(d.post) > 0 {
		return nil
	}
	d.state = stateDestroyed
	if d.e.detours[d.addr] == d {
		delete(d.e.detours, d.addr)
	}
	return d.e.retire(d.c)
}

func (d *Detour) snapshot(phase Phase, _ *Frame) []*Callback {
	if phase == Post {
		return d.post
	}
	return d.pre
}

// Invoke drives a call of the hooked function from Go. original stands for
// the function body and is skipped when a pre callback supersedes it.
func (d *Detour) Invoke(f *Frame, original func(*Frame)) Result {
	return d.c.invoke(f, original)
}

// Detour returns the detour at addr.
func (e *Engine) Detour(addr uintptr) (*Detour, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.detours[addr]
	return d, ok
}

// Hook installs a detour at addr and registers h in one step.
func (e *Engine) Hook(setup *Setup, addr uintptr, phase Phase, h Handler, opts ...CallbackOption) (*Callback, error) {
	d, err := e.InstallDetour(setup, addr)
	if err != nil {
		return nil, err
	}
	return d.AddCallback(phase, h, opts...)
}
