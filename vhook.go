package dynhook

import (
	"fmt"
	"slices"
)

type slotKey struct {
	instance uintptr
	slot     int
}

// slotHook is the hook point of one virtual slot of one instance.
type slotHook struct {
	key     slotKey
	setup   *Setup
	c       *chain
	entries []*HookEntry
}

// HookEntry is a callback on a virtual slot of one object.
type HookEntry struct {
	*Callback
	instance uintptr
	slot     int
	// pending: the object is gone, the entry is swept at EndFrame
	pending bool
	sh      *slotHook
}

// Instance returns the hooked object.
func (h *HookEntry) Instance() uintptr { return h.instance }

// Slot returns the hooked virtual table index.
func (h *HookEntry) Slot() int { return h.slot }

// HookVirtual registers h on virtual slot slot of instance. Only calls whose
// receiver is instance reach the callback, even when other objects share
// the virtual table. The setup must describe a thiscall function.
func (e *Engine) HookVirtual(setup *Setup, instance uintptr, slot int, phase Phase, h Handler, opts ...CallbackOption) (*HookEntry, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if instance == 0 {
		return nil, fmt.Errorf("%w: null instance", ErrHookNotFound)
	}
	if !setup.current().HasReceiver() {
		return nil, fmt.Errorf("%w: virtual hooks need a thiscall setup", ErrNoReceiver)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	key := slotKey{instance, slot}
	sh, ok := e.vhooks[key]
	if ok && !sh.setup.sameSignature(setup) {
		return nil, fmt.Errorf("%w: slot %d of %#x", ErrIncompatibleConvention, slot, instance)
	}
	if !ok {
		var err error
		if sh, err = e.newSlotHook(setup, key); err != nil {
			return nil, err
		}
	}
	cb := e.newCallback(phase, h, setup.This(), opts)
	entry := &HookEntry{Callback: cb, instance: instance, slot: slot, sh: sh}
	cb.entry = entry
	sh.entries = append(slices.Clone(sh.entries), entry)
	return entry, nil
}

// newSlotHook creates and installs the hook point for key. Called with the
// lock held.
func (e *Engine) newSlotHook(setup *Setup, key slotKey) (*slotHook, error) {
	a := setup.freeze()
	sh := &slotHook{key: key, setup: setup}
	sh.c = newChain(e, a, e.log.With().
		Str("instance", fmt.Sprintf("%#x", key.instance)).
		Int("slot", key.slot).
		Logger())
	sh.c.snapshot = sh.snapshot
	if e.native() {
		if e.slots == nil {
			return nil, ErrNoSlotPatcher
		}
		err := e.installNative(sh.c, func(code, cell uintptr) (Redirection, error) {
			return e.slots.Redirect(key.instance, key.slot, code, cell)
		})
		if err != nil {
			return nil, fmt.Errorf("hook slot %d of %#x: %w", key.slot, key.instance, err)
		}
	}
	e.vhooks[key] = sh
	return sh, nil
}

// snapshot filters the entries by receiver: a shared virtual table routes
// calls on every object through the redirect.
func (sh *slotHook) snapshot(phase Phase, f *Frame) []*Callback {
	this, err := sh.c.adapter.Receiver(f)
	if err != nil || this != sh.key.instance {
		return nil
	}
	var cbs []*Callback
	for _, en := range sh.entries {
		if en.phase == phase && !en.pending {
			cbs = append(cbs, en.Callback)
		}
	}
	return cbs
}

// InvokeVirtual drives a virtual call of slot on instance from Go. Calls on
// slots without hooks just run original.
func (e *Engine) InvokeVirtual(instance uintptr, slot int, f *Frame, original func(*Frame)) Result {
	e.mu.Lock()
	sh := e.vhooks[slotKey{instance, slot}]
	e.mu.Unlock()
	if sh == nil {
		if original != nil {
			original(f)
		}
		return Ignored
	}
	return sh.c.invoke(f, original)
}

// RemoveHook removes a virtual hook entry.
func (e *Engine) RemoveHook(entry *HookEntry) error {
	if entry == nil {
		return ErrHookNotFound
	}
	e.mu.Lock()
	if entry.removed {
		e.mu.Unlock()
		return ErrHookNotFound
	}
	removed, err := e.removeLocked(entry.Callback)
	e.mu.Unlock()
	notify(removed)
	return err
}

// RemoveHookID removes the callback registered under id, detour or virtual.
func (e *Engine) RemoveHookID(id HookID) error {
	e.mu.Lock()
	cb, ok := e.ids[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrHookNotFound, id)
	}
	removed, err := e.removeLocked(cb)
	e.mu.Unlock()
	notify(removed)
	return err
}

// removeEntry drops en from its slot hook, retiring the hook point with the
// last entry. Called with the lock held.
func (e *Engine) removeEntry(en *HookEntry) error {
	sh := en.sh
	i := slices.Index(sh.entries, en)
	if i < 0 {
		return nil
	}
	sh.entries = slices.Delete(slices.Clone(sh.entries), i, i+1)
	if len(sh.entries) > 0 {
		return nil
	}
	if e.vhooks[sh.key] == sh {
		delete(e.vhooks, sh.key)
	}
	return e.retire(sh.c)
}
