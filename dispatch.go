package dynhook

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/k2io/dynhook/internal/convention"
)

// record is what the pre phase of one invocation leaves for its post phase.
type record struct {
	action Result
	ret    []byte
	args   []byte
}

// chain is the dispatch state shared by every callback on one hook point,
// a detour target or a virtual slot of one instance. Its fields past the
// snapshot function are guarded by the engine lock.
type chain struct {
	e       *Engine
	adapter *convention.Adapter
	log     zerolog.Logger

	// snapshot returns the callbacks to run for an invocation. Called with
	// the engine lock held.
	snapshot func(phase Phase, f *Frame) []*Callback

	// target is the patched function address of a detour.
	target   uintptr
	inflight int
	retired  bool
	// records and retAddrs are stacks keyed by the stack pointer the call
	// entered with, so calls on different threads pair up.
	records  map[uintptr][]record
	retAddrs map[uintptr][]uintptr
	bridge   *bridge
}

func newChain(e *Engine, a *convention.Adapter, log zerolog.Logger) *chain {
	return &chain{
		e:        e,
		adapter:  a,
		log:      log,
		records:  make(map[uintptr][]record),
		retAddrs: make(map[uintptr][]uintptr),
	}
}

// invoke drives one call from Go: pre callbacks, the original unless
// superseded, then post callbacks.
func (c *chain) invoke(f *Frame, original func(*Frame)) Result {
	if err := c.adapter.MirrorHidden(f); err != nil {
		c.e.report(diagFrame, c.log, err, "cannot mirror hidden return pointer")
	}
	sp, err := f.StackPointer()
	if err != nil {
		c.e.report(diagFrame, c.log, err, "cannot read stack pointer")
	}
	r := c.pre(f, sp)
	if r < Supersede && original != nil {
		original(f)
	}
	c.post(f, sp)
	c.e.settle(c)
	return r
}

func (c *chain) pre(f *Frame, key uintptr) Result {
	e := c.e
	e.mu.Lock()
	c.inflight++
	main := e.onMainThread()
	var cbs []*Callback
	if main {
		cbs = c.snapshot(Pre, f)
	}
	e.mu.Unlock()

	if !main {
		e.report(diagOffThread, c.log, ErrWrongThread, "skipping callbacks")
	}
	result, value := Ignored, []byte(nil)
	if len(cbs) > 0 {
		result, value = c.run(Pre, cbs, f, nil, nil)
	}
	if result >= Override {
		if err := c.adapter.WriteReturn(f, value); err != nil {
			e.report(diagFrame, c.log, err, "cannot write return value")
			result = Ignored
		}
	}
	// the arguments the original is entered with, for the post callbacks
	args, err := c.adapter.Capture(f)
	if err != nil {
		e.report(diagFrame, c.log, err, "cannot save arguments")
	}

	e.mu.Lock()
	c.records[key] = append(c.records[key], record{action: result, ret: value, args: args})
	e.mu.Unlock()
	return result
}

func (c *chain) post(f *Frame, key uintptr) Result {
	e := c.e
	e.mu.Lock()
	rec, ok := c.popRecord(key)
	main := e.onMainThread()
	var cbs []*Callback
	if main {
		cbs = c.snapshot(Post, f)
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		c.inflight--
		e.mu.Unlock()
	}()

	if !ok {
		e.report(diagUnbalanced, c.log, fmt.Errorf("no pre record for stack %#x", key), "post without pre")
	}
	if rec.action >= Override {
		// the original ran over the value a pre callback chose
		if err := c.adapter.WriteReturn(f, rec.ret); err != nil {
			e.report(diagFrame, c.log, err, "cannot restore return value")
		}
	}
	if !main {
		e.report(diagOffThread, c.log, ErrWrongThread, "skipping callbacks")
	}
	if len(cbs) == 0 {
		return Ignored
	}

	var ret []byte
	if c.adapter.Return().Type != Void {
		v, err := c.adapter.ReadReturn(f)
		if err != nil {
			e.report(diagFrame, c.log, err, "cannot read return value")
		}
		ret = v
	}
	work := rec.args
	if work == nil {
		v, err := c.adapter.Capture(f)
		if err != nil {
			e.report(diagFrame, c.log, err, "cannot capture arguments")
			return Ignored
		}
		work = v
	}
	result, value := c.run(Post, cbs, f, work, ret)
	if result >= Override {
		if err := c.adapter.WriteReturn(f, value); err != nil {
			e.report(diagFrame, c.log, err, "cannot write return value")
			return Ignored
		}
	}
	return result
}

func (c *chain) popRecord(key uintptr) (record, bool) {
	s := c.records[key]
	if len(s) == 0 {
		return record{}, false
	}
	r := s[len(s)-1]
	if len(s) == 1 {
		delete(c.records, key)
	} else {
		c.records[key] = s[:len(s)-1]
	}
	return r, true
}

// run invokes cbs in order and folds their decisions. In pre each callback
// captures the live frame, so it sees the parameters earlier callbacks
// applied; in post the callbacks share work, the arguments the original was
// entered with.
func (c *chain) run(phase Phase, cbs []*Callback, f *Frame, work, ret []byte) (Result, []byte) {
	e := c.e
	hasRet := c.adapter.Return().Type != Void
	var agg aggregator
	for _, cb := range cbs {
		args := work
		if phase == Pre {
			v, err := c.adapter.Capture(f)
			if err != nil {
				e.report(diagFrame, c.log, err, "cannot capture arguments")
				break
			}
			args = v
		}
		ctx := newContext(phase, c.adapter, f.Mem, args)
		ctx.maxStr = e.cfg.MaxStringLength
		ctx.retAccess = hasRet && cb.returnInterest
		if phase == Post && ctx.retAccess && ret != nil {
			ctx.retKnown = true
			ctx.origRet = ret
		}
		if cb.this == ThisAddress {
			if this, err := c.adapter.Receiver(f); err == nil {
				ctx.this, ctx.thisOK = this, true
			}
		}

		log := c.log.With().Int("hook_id", int(cb.id)).Str("phase", phase.String()).Logger()
		r, err := call(cb, ctx)
		if err != nil {
			e.report(diagHandler, log, err, "callback failed")
			continue
		}
		if !r.valid() {
			e.report(diagHandler, log, fmt.Errorf("unknown result %d", int(r)), "callback failed")
			continue
		}
		act := r.action()
		var value []byte
		if act >= Override && hasRet {
			if !ctx.retChanged {
				e.report(diagMissingOverride, log, ErrNoReturnValue, fmt.Sprintf("%s without a return value", act))
				continue
			}
			value = ctx.newRet
		}
		if r.paramsChanged() {
			c.apply(phase, ctx, f, work, log)
		}
		agg.add(act, value)
	}
	return agg.final, agg.value
}

// apply pushes the parameters a callback changed: into the live frame in
// pre, into the shared working copy in post.
func (c *chain) apply(phase Phase, ctx *Context, f *Frame, work []byte, log zerolog.Logger) {
	for i, changed := range ctx.changed {
		if !changed {
			continue
		}
		if phase == Post {
			copy(c.adapter.Segment(i, work), c.adapter.Segment(i, ctx.args))
			continue
		}
		if err := c.adapter.Replay(i, ctx.args, f); err != nil {
			c.e.report(diagFrame, log, err, fmt.Sprintf("cannot apply parameter %d", i))
		}
	}
}

func call(cb *Callback, ctx *Context) (r Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, p)
		}
	}()
	return cb.handler(ctx)
}
