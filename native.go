package dynhook

import (
	"fmt"

	"github.com/k2io/dynhook/internal/asm"
	"github.com/k2io/dynhook/internal/convention"
	"github.com/k2io/dynhook/internal/inline"
	"github.com/k2io/dynhook/internal/trampoline"
	"github.com/k2io/dynhook/internal/vtable"
)

// Redirection is an applied patch.
type Redirection interface {
	Remove() error
}

// Patcher redirects a function entry to bridge. Before the redirect is live
// it stores in cell the address that runs the original function.
type Patcher interface {
	Patch(target, bridge, cell uintptr) (Redirection, error)
}

// SlotPatcher redirects a virtual table slot of instance to target, storing
// the previous slot value in cell first.
type SlotPatcher interface {
	Redirect(instance uintptr, slot int, target, cell uintptr) (Redirection, error)
}

type inlinePatcher struct{ p *inline.Patcher }

func (a inlinePatcher) Patch(target, bridge, cell uintptr) (Redirection, error) {
	h, err := a.p.Patch(target, bridge, cell)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// InlinePatcher adapts an inline patcher.
func InlinePatcher(p *inline.Patcher) Patcher { return inlinePatcher{p} }

type tablePatcher struct{ p *vtable.Patcher }

func (a tablePatcher) Redirect(instance uintptr, slot int, target, cell uintptr) (Redirection, error) {
	r, err := a.p.Redirect(instance, slot, target, cell)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// TablePatcher adapts a virtual table patcher.
func TablePatcher(p *vtable.Patcher) SlotPatcher { return tablePatcher{p} }

// bridge is the generated code and save area of one native hook point.
type bridge struct {
	id       uint64
	block    *trampoline.Block
	frame    *Frame
	save     uintptr
	post     uintptr
	ptr      int
	pop      int
	redirect Redirection
}

// installNative generates a bridge for c and hands it to redirect. Nothing
// is left behind when a step fails. Called with the lock held; a no-op
// outside native mode.
func (e *Engine) installNative(c *chain, redirect func(code, cell uintptr) (Redirection, error)) error {
	if !e.native() {
		return nil
	}
	a := c.adapter
	if a.ABI() != e.abi {
		return fmt.Errorf("%w: setup is %s, engine patches %s", ErrIncompatibleConvention, a.ABI(), e.abi)
	}
	regs, err := convention.NewRegisters(a.ABI(), a.SavedRegisters())
	if err != nil {
		return err
	}
	gen, err := trampoline.ForABI(a.ABI())
	if err != nil {
		return err
	}
	ptr := a.ABI().PtrSize()
	id := e.nextBridge + 1
	spec := trampoline.Spec{
		HookID:    id,
		Slots:     regs.Slots(),
		PreEntry:  uint64(e.entry.Pre),
		PostEntry: uint64(e.entry.Post),
		SkipCode:  int8(Supersede),
		PopSize:   a.PopSize(),
		Class:     a.ReturnClass(),
	}
	// code size does not depend on the addresses
	probe, err := gen.Emit(spec)
	if err != nil {
		return err
	}
	block, err := e.alloc.Alloc(len(probe.Bytes), regs.Size()+ptr)
	if err != nil {
		return err
	}
	b, err := e.buildBridge(gen, spec, block, regs, ptr)
	if err != nil {
		_ = e.alloc.Free(block)
		return err
	}
	b.id = id
	cell := block.Data + uintptr(regs.Size())
	b.redirect, err = redirect(block.Code, cell)
	if err != nil {
		_ = e.alloc.Free(block)
		return err
	}
	e.nextBridge = id
	c.bridge = b
	e.bridges[id] = c
	c.log.Debug().
		Uint64("bridge", id).
		Str("code", fmt.Sprintf("%#x", block.Code)).
		Int("size", len(probe.Bytes)).
		Msg("bridge installed")
	return nil
}

func (e *Engine) buildBridge(gen trampoline.Generator, spec trampoline.Spec, block *trampoline.Block, regs *convention.Registers, ptr int) (*bridge, error) {
	spec.SaveArea = uint64(block.Data)
	spec.Cell = uint64(block.Data) + uint64(regs.Size())
	code, err := gen.Emit(spec)
	if err != nil {
		return nil, err
	}
	if err := trampoline.Write(e.mem, block, code.Bytes); err != nil {
		return nil, err
	}
	if err := e.alloc.Seal(block); err != nil {
		return nil, err
	}
	save, err := e.mem.Bytes(block.Data, regs.Size())
	if err != nil {
		return nil, err
	}
	if err := regs.Bind(save); err != nil {
		return nil, err
	}
	if e.cfg.Debug {
		e.log.Debug().Msg("bridge code:\n" + asm.Listing(code.Bytes, gen.Mode(), uint64(block.Code)))
	}
	return &bridge{
		block: block,
		frame: &Frame{Regs: regs, Mem: e.mem},
		save:  block.Data,
		post:  block.Code + uintptr(code.PostOffset),
		ptr:   ptr,
		pop:   spec.PopSize,
	}, nil
}

// HandleNative runs one phase of a call that entered bridge id. The host's
// native entry points forward here with the save area address the bridge
// passed; the result goes back to the bridge, which skips the original on
// Supersede.
//
// On Pre the return address of the call is swapped for the post stub, so the
// original returns into the bridge; Post puts it back.
func (e *Engine) HandleNative(phase Phase, id uint64, regs uintptr) Result {
	e.mu.Lock()
	c := e.bridges[id]
	var b *bridge
	if c != nil {
		b = c.bridge
	}
	e.mu.Unlock()
	if b == nil {
		e.report(diagFrame, e.log, fmt.Errorf("bridge %d", id), "call through unknown bridge")
		return Ignored
	}
	if regs != 0 && regs != b.save {
		e.report(diagFrame, c.log, fmt.Errorf("save area %#x, expected %#x", regs, b.save), "bridge mismatch")
		return Ignored
	}
	sp, err := b.frame.StackPointer()
	if err != nil {
		e.report(diagFrame, c.log, err, "cannot read stack pointer")
		return Ignored
	}

	if phase == Pre {
		ra, err := convention.ReadPtr(e.mem, sp, b.ptr)
		if err != nil {
			e.report(diagFrame, c.log, err, "cannot read return address")
			return Ignored
		}
		if err := convention.WritePtr(e.mem, sp, b.ptr, b.post); err != nil {
			e.report(diagFrame, c.log, err, "cannot redirect return address")
			return Ignored
		}
		e.mu.Lock()
		c.retAddrs[sp] = append(c.retAddrs[sp], ra)
		e.mu.Unlock()
		if err := c.adapter.MirrorHidden(b.frame); err != nil {
			e.report(diagFrame, c.log, err, "cannot mirror hidden return pointer")
		}
		return c.pre(b.frame, sp)
	}

	// the post stub reserved the return slot where the callee popped its
	// arguments, PopSize bytes above the entry stack pointer
	key := sp - uintptr(b.pop)
	r := c.post(b.frame, key)
	e.mu.Lock()
	s := c.retAddrs[key]
	var ra uintptr
	if n := len(s); n > 0 {
		ra = s[n-1]
		if n == 1 {
			delete(c.retAddrs, key)
		} else {
			c.retAddrs[key] = s[:n-1]
		}
	}
	e.mu.Unlock()
	if ra == 0 {
		e.report(diagUnbalanced, c.log, fmt.Errorf("no return address for stack %#x", key), "post without pre")
		return r
	}
	if err := convention.WritePtr(e.mem, sp, b.ptr, ra); err != nil {
		e.report(diagFrame, c.log, err, "cannot restore return address")
	}
	return r
}
