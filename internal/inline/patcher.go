// Package inline redirects a function by overwriting its first instructions
// with a jump to a bridge.
//
// The overwritten instructions are copied into a relocated block followed by
// a jump back to the first untouched instruction; that block is the way to
// call the original function while it is patched:
//
//	target:     jmp bridge            ; int3 padding up to the copied length
//	relocated:  <copied instructions>
//	            jmp target+length
//
// Near bridges get a 5 byte JMP rel32. On amd64 a bridge out of rel32 range
// gets the 13 byte "mov r11, imm64; jmp r11" sequence, so r11 must not carry
// anything at function entry.
package inline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/k2io/dynhook/internal/asm"
	"github.com/k2io/dynhook/internal/convention"
	"github.com/k2io/dynhook/internal/trampoline"
)

var (
	// ErrDoubleHook means already hooked
	ErrDoubleHook = errors.New("double hook")
	// ErrHookNotFound means the hook not found
	ErrHookNotFound = errors.New("hook not found")
	// ErrRelativeAddr means the prologue cannot be moved
	ErrRelativeAddr = errors.New("relative address in instruction")
	// ErrShortFunction means the function ends before the patch fits
	ErrShortFunction = errors.New("function too short to patch")
)

// window is how many bytes of a target are read for decoding.
const window = 32

// ProtectFunc makes the pages covering [addr, addr+size) writable, or
// executable and read only again.
type ProtectFunc func(addr, size uintptr, writable bool) error

// Hook is one applied patch.
type Hook struct {
	p *Patcher
	// Target is the patched function.
	Target uintptr
	// Relocated is the entry of the moved prologue.
	Relocated uintptr
	saved     []byte
	block     *trampoline.Block
}

// Remove restores the original instructions.
func (h *Hook) Remove() error {
	return h.p.Unpatch(h.Target)
}

// Patcher applies and removes patches. It is safe for concurrent use.
type Patcher struct {
	mu      sync.Mutex
	mode    int
	mem     convention.Memory
	alloc   trampoline.Allocator
	protect ProtectFunc
	log     zerolog.Logger
	debug   bool
	hooks   map[uintptr]*Hook
}

// Option configures a Patcher.
type Option func(*Patcher)

// WithProtect replaces the page protection function.
func WithProtect(f ProtectFunc) Option {
	return func(p *Patcher) { p.protect = f }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Patcher) { p.log = l }
}

// WithDebug logs the disassembly of every moved prologue.
func WithDebug(on bool) Option {
	return func(p *Patcher) { p.debug = on }
}

// New returns a Patcher for mode 32 or 64. Relocated prologues are placed
// in blocks from alloc, which must be addressable through mem.
func New(mode int, mem convention.Memory, alloc trampoline.Allocator, opts ...Option) *Patcher {
	p := &Patcher{
		mode:    mode,
		mem:     mem,
		alloc:   alloc,
		protect: protectPages,
		log:     zerolog.Nop(),
		hooks:   make(map[uintptr]*Hook),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Patch redirects target to bridge and stores the address of the relocated
// prologue in the pointer sized cell before the jump is written.
func (p *Patcher) Patch(target, bridge, cell uintptr) (*Hook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.hooks[target]; ok {
		return nil, fmt.Errorf("%w at %#x", ErrDoubleHook, target)
	}
	jump, err := p.jumpSeq(target, bridge)
	if err != nil {
		return nil, err
	}
	code, err := p.mem.Bytes(target, window)
	if err != nil {
		return nil, err
	}
	pro, err := Analyze(code, p.mode, len(jump))
	if err != nil {
		return nil, err
	}
	if !pro.Relocatable {
		return nil, fmt.Errorf("%w at %#x", ErrRelativeAddr, target)
	}
	saved := append([]byte(nil), code[:pro.Length]...)

	block, err := p.relocate(target, saved)
	if err != nil {
		return nil, err
	}
	if err := convention.WritePtr(p.mem, cell, p.mode/8, block.Code); err != nil {
		_ = p.alloc.Free(block)
		return nil, err
	}

	a := asm.New(p.mode)
	a.Raw(jump)
	a.Pad(pro.Length)
	patch, _ := a.Bytes()
	if err := p.write(target, patch); err != nil {
		_ = p.alloc.Free(block)
		return nil, err
	}

	h := &Hook{p: p, Target: target, Relocated: block.Code, saved: saved, block: block}
	p.hooks[target] = h
	p.log.Debug().
		Str("target", fmt.Sprintf("%#x", target)).
		Str("bridge", fmt.Sprintf("%#x", bridge)).
		Int("length", pro.Length).
		Msg("patched")
	return h, nil
}

// Unpatch restores the instructions of target.
func (p *Patcher) Unpatch(target uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hooks[target]
	if !ok {
		return fmt.Errorf("%w at %#x", ErrHookNotFound, target)
	}
	if err := p.write(target, h.saved); err != nil {
		return err
	}
	delete(p.hooks, target)
	if err := p.alloc.Free(h.block); err != nil {
		p.log.Warn().Err(err).Str("target", fmt.Sprintf("%#x", target)).Msg("free relocated prologue")
	}
	return nil
}

// Hooked reports whether target is patched.
func (p *Patcher) Hooked(target uintptr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.hooks[target]
	return ok
}

func (p *Patcher) jumpSeq(from, to uintptr) ([]byte, error) {
	a := asm.New(p.mode)
	a.SetOrigin(uint64(from))
	if p.mode == 32 || !asm.OverflowsS32(uint64(from)+5, uint64(to)) {
		a.JmpRel(uint64(to))
	} else {
		a.MovImm(convention.R11, uint64(to))
		a.JmpReg(convention.R11)
	}
	return a.Bytes()
}

func (p *Patcher) relocate(target uintptr, prologue []byte) (*trampoline.Block, error) {
	const backJump = 14
	block, err := p.alloc.Alloc(len(prologue)+backJump, 0)
	if err != nil {
		return nil, err
	}
	a := asm.New(p.mode)
	a.SetOrigin(uint64(block.Code))
	a.Raw(prologue)
	back := uint64(target) + uint64(len(prologue))
	if p.mode == 64 {
		a.JmpRIP(back)
	} else {
		a.JmpRel(back)
	}
	code, err := a.Bytes()
	if err == nil {
		err = trampoline.Write(p.mem, block, code)
	}
	if err == nil {
		err = p.alloc.Seal(block)
	}
	if err != nil {
		_ = p.alloc.Free(block)
		return nil, err
	}
	if p.debug {
		p.log.Debug().Str("code", asm.Listing(code, p.mode, uint64(block.Code))).Msg("relocated prologue")
	}
	return block, nil
}

// write copies b over live code, flipping the page protection around it.
func (p *Patcher) write(addr uintptr, b []byte) error {
	if err := p.protect(addr, uintptr(len(b)), true); err != nil {
		return fmt.Errorf("unprotect %#x: %w", addr, err)
	}
	dst, err := p.mem.Bytes(addr, len(b))
	if err == nil {
		copy(dst, b)
	}
	if perr := p.protect(addr, uintptr(len(b)), false); perr != nil && err == nil {
		err = fmt.Errorf("reprotect %#x: %w", addr, perr)
	}
	return err
}
