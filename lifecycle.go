package dynhook

import (
	"errors"
	"fmt"
	"slices"
)

// removeLocked unregisters cb and returns the callbacks whose removal
// functions must run once the lock is released.
func (e *Engine) removeLocked(cb *Callback) ([]*Callback, error) {
	if cb.removed {
		return nil, nil
	}
	cb.removed = true
	delete(e.ids, cb.id)
	var err error
	switch {
	case cb.detour != nil:
		err = cb.detour.removeCallback(cb)
	case cb.entry != nil:
		err = e.removeEntry(cb.entry)
	}
	return []*Callback{cb}, err
}

// InstanceDestroyed tells the engine that the object at instance is gone.
// Its virtual hooks stop firing at once and are removed at the next
// EndFrame. It returns the number of entries marked.
func (e *Engine) InstanceDestroyed(instance uintptr) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for key, sh := range e.vhooks {
		if key.instance != instance {
			continue
		}
		for _, en := range sh.entries {
			if !en.pending {
				en.pending = true
				e.pending = append(e.pending, en)
				n++
			}
		}
	}
	if n > 0 {
		e.log.Debug().Str("instance", fmt.Sprintf("%#x", instance)).Int("entries", n).Msg("instance destroyed")
	}
	return n
}

// EndFrame is the periodic safe point of the host. It sweeps the entries of
// destroyed objects and undoes the patches of hook points removed while a
// call was running through them. It must not be called from a callback.
func (e *Engine) EndFrame() error {
	e.mu.Lock()
	var removed []*Callback
	var errs []error
	for _, en := range e.pending {
		rm, err := e.removeLocked(en.Callback)
		removed = append(removed, rm...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	e.pending = nil
	if err := e.flushRetired(); err != nil {
		errs = append(errs, err)
	}
	e.mu.Unlock()

	notify(removed)
	err := errors.Join(errs...)
	if err != nil {
		e.report(diagTeardown, e.log, err, "end of frame cleanup failed")
	}
	return err
}

// registered returns the live callbacks matching keep in registration
// order, so removal functions run predictably. Called with the lock held.
func (e *Engine) registered(keep func(*Callback) bool) []*Callback {
	var cbs []*Callback
	for _, cb := range e.ids {
		if keep(cb) {
			cbs = append(cbs, cb)
		}
	}
	slices.SortFunc(cbs, func(a, b *Callback) int { return int(a.id - b.id) })
	return cbs
}

// RemoveOwner removes every callback tagged with owner and returns how many
// were removed.
func (e *Engine) RemoveOwner(owner string) (int, error) {
	e.mu.Lock()
	cbs := e.registered(func(cb *Callback) bool { return cb.owner == owner })
	var removed []*Callback
	var errs []error
	for _, cb := range cbs {
		rm, err := e.removeLocked(cb)
		removed = append(removed, rm...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	e.mu.Unlock()

	notify(removed)
	return len(removed), errors.Join(errs...)
}
