package dynhook

// Callback is one registered handler. Detour callbacks are returned by
// Detour.AddCallback; virtual hooks wrap one in a HookEntry.
type Callback struct {
	id             HookID
	phase          Phase
	handler        Handler
	owner          string
	this           ThisPolicy
	returnInterest bool
	removal        func(HookID)

	removed bool
	detour  *Detour
	entry   *HookEntry
}

// ID returns the hook id assigned at registration.
func (cb *Callback) ID() HookID { return cb.id }

// Phase returns the phase the callback runs in.
func (cb *Callback) Phase() Phase { return cb.phase }

// Owner returns the owner tag given with WithOwner.
func (cb *Callback) Owner() string { return cb.owner }

// CallbackOption configures a callback registration.
type CallbackOption func(*Callback)

// WithOwner tags the callback so RemoveOwner can drop it together with the
// other callbacks of the same plugin.
func WithOwner(owner string) CallbackOption {
	return func(cb *Callback) { cb.owner = owner }
}

// WithReturnInterest controls whether the callback sees the return value.
// It is on by default; without it Return and SetReturn fail.
func WithReturnInterest(on bool) CallbackOption {
	return func(cb *Callback) { cb.returnInterest = on }
}

// WithRemoval registers a function called once when the callback is
// removed, whichever path removes it.
func WithRemoval(f func(HookID)) CallbackOption {
	return func(cb *Callback) { cb.removal = f }
}

// WithThis overrides the receiver policy of the setup for this callback.
func WithThis(p ThisPolicy) CallbackOption {
	return func(cb *Callback) { cb.this = p }
}

// notify runs the removal functions of cbs outside the engine lock.
func notify(cbs []*Callback) {
	for _, cb := range cbs {
		if cb.removal != nil {
			cb.removal(cb.id)
		}
	}
}
