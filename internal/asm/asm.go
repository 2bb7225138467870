// Package asm emits the handful of x86 and x86-64 instructions used by the
// bridges and the prologue patcher.
package asm

import (
	"errors"
	"fmt"

	"github.com/k2io/dynhook/internal/convention"
)

var (
	// ErrRegister means an operand register cannot be encoded in the mode
	ErrRegister = errors.New("register not encodable")
	// ErrLabel means a jump refers to a label that was never placed
	ErrLabel = errors.New("undefined label")
	// ErrRelOverflow means a rel32 displacement does not reach its target
	ErrRelOverflow = errors.New("rel32 offset overflow")
)

// Cond is the second opcode byte of a near conditional jump.
type Cond byte

const (
	JE  Cond = 0x84
	JNE Cond = 0x85
)

// Label is a position in the emitted code.
type Label int

type fixup struct {
	at    int
	label Label
}

// Assembler accumulates machine code. The first encoding error is kept and
// reported by Bytes.
type Assembler struct {
	mode   int
	origin uint64
	buf    []byte
	labels []int
	fixups []fixup
	err    error
}

// New returns an Assembler for mode 32 or 64.
func New(mode int) *Assembler {
	return &Assembler{mode: mode}
}

// SetOrigin sets the address the code will be placed at. It only matters
// for JmpRel.
func (a *Assembler) SetOrigin(addr uint64) { a.origin = addr }

// Len is the number of bytes emitted so far.
func (a *Assembler) Len() int { return len(a.buf) }

// Err returns the first encoding error.
func (a *Assembler) Err() error { return a.err }

// Bytes resolves label references and returns the code.
func (a *Assembler) Bytes() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, f := range a.fixups {
		at := a.labels[f.label]
		if at < 0 {
			return nil, fmt.Errorf("%w: %d", ErrLabel, f.label)
		}
		rel := uint32(int32(at - (f.at + 4)))
		put32(a.buf[f.at:], rel)
	}
	return a.buf, nil
}

// NewLabel reserves a label to be placed with Mark.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Mark places l at the current position.
func (a *Assembler) Mark(l Label) { a.labels[l] = len(a.buf) }

func (a *Assembler) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *Assembler) emit(b ...byte) { a.buf = append(a.buf, b...) }

func (a *Assembler) imm32(v uint32) {
	a.emit(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (a *Assembler) imm64(v uint64) {
	a.imm32(uint32(v))
	a.imm32(uint32(v >> 32))
}

func put32(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// gpr returns the encoding number of a full width general purpose register.
func (a *Assembler) gpr(r convention.Register) int {
	switch {
	case a.mode == 64 && r >= convention.RAX && r <= convention.R15:
		return r.Num()
	case a.mode == 32 && r >= convention.EAX && r <= convention.EDI:
		return r.Num()
	}
	a.fail(fmt.Errorf("%w: %s in %d-bit mode", ErrRegister, r, a.mode))
	return 0
}

func (a *Assembler) xmm(r convention.Register) int {
	if !r.IsXMM() || (a.mode == 32 && r.Num() > 7) {
		a.fail(fmt.Errorf("%w: %s in %d-bit mode", ErrRegister, r, a.mode))
		return 0
	}
	return r.Num()
}

// rex emits a REX prefix when one is needed. It is a no-op in 32-bit mode.
func (a *Assembler) rex(w bool, reg, base int) {
	if a.mode != 64 {
		return
	}
	p := byte(0x40)
	if w {
		p |= 0x08
	}
	if reg >= 8 {
		p |= 0x04
	}
	if base >= 8 {
		p |= 0x01
	}
	if p != 0x40 {
		a.emit(p)
	}
}

// mem emits a ModRM addressing [base+disp32].
func (a *Assembler) mem(reg, base int, disp int32) {
	a.emit(0x80 | byte(reg&7)<<3 | byte(base&7))
	if base&7 == 4 {
		a.emit(0x24) // SIB for rsp / r12
	}
	a.imm32(uint32(disp))
}

// abs emits a ModRM addressing an absolute 32-bit address.
func (a *Assembler) abs(reg int, addr uint32) {
	a.emit(byte(reg&7)<<3 | 0x05)
	a.imm32(addr)
}

func (a *Assembler) wide() bool { return a.mode == 64 }

// Push pushes a general purpose register.
func (a *Assembler) Push(r convention.Register) {
	n := a.gpr(r)
	a.rex(false, 0, n)
	a.emit(0x50 | byte(n&7))
}

// Pop pops a general purpose register.
func (a *Assembler) Pop(r convention.Register) {
	n := a.gpr(r)
	a.rex(false, 0, n)
	a.emit(0x58 | byte(n&7))
}

// PushImm32 pushes a sign extended 32-bit immediate.
func (a *Assembler) PushImm32(v uint32) {
	a.emit(0x68)
	a.imm32(v)
}

// MovImm loads an immediate of the mode width into r.
func (a *Assembler) MovImm(r convention.Register, v uint64) {
	n := a.gpr(r)
	a.rex(true, 0, n)
	a.emit(0xb8 | byte(n&7))
	if a.wide() {
		a.imm64(v)
		return
	}
	a.imm32(uint32(v))
}

// MovReg copies src into dst.
func (a *Assembler) MovReg(dst, src convention.Register) {
	d, s := a.gpr(dst), a.gpr(src)
	a.rex(true, s, d)
	a.emit(0x89, 0xc0|byte(s&7)<<3|byte(d&7))
}

// Store writes src to [base+disp]. XMM registers store their low quadword.
func (a *Assembler) Store(base convention.Register, disp int32, src convention.Register) {
	b := a.gpr(base)
	if src.IsXMM() {
		x := a.xmm(src)
		a.emit(0x66)
		a.rex(false, x, b)
		a.emit(0x0f, 0xd6)
		a.mem(x, b, disp)
		return
	}
	s := a.gpr(src)
	a.rex(true, s, b)
	a.emit(0x89)
	a.mem(s, b, disp)
}

// Load reads [base+disp] into dst.
func (a *Assembler) Load(dst, base convention.Register, disp int32) {
	b := a.gpr(base)
	if dst.IsXMM() {
		x := a.xmm(dst)
		a.emit(0xf3)
		a.rex(false, x, b)
		a.emit(0x0f, 0x7e)
		a.mem(x, b, disp)
		return
	}
	d := a.gpr(dst)
	a.rex(true, d, b)
	a.emit(0x8b)
	a.mem(d, b, disp)
}

// StoreAbs writes src to an absolute address. 32-bit mode only.
func (a *Assembler) StoreAbs(addr uint32, src convention.Register) {
	if a.wide() {
		a.fail(fmt.Errorf("%w: absolute store in 64-bit mode", ErrRegister))
		return
	}
	if src.IsXMM() {
		a.emit(0x66, 0x0f, 0xd6)
		a.abs(a.xmm(src), addr)
		return
	}
	a.emit(0x89)
	a.abs(a.gpr(src), addr)
}

// LoadAbs reads an absolute address into dst. 32-bit mode only.
func (a *Assembler) LoadAbs(dst convention.Register, addr uint32) {
	if a.wide() {
		a.fail(fmt.Errorf("%w: absolute load in 64-bit mode", ErrRegister))
		return
	}
	if dst.IsXMM() {
		a.emit(0xf3, 0x0f, 0x7e)
		a.abs(a.xmm(dst), addr)
		return
	}
	a.emit(0x8b)
	a.abs(a.gpr(dst), addr)
}

// FstpAbs pops st0 into a double at an absolute address.
func (a *Assembler) FstpAbs(addr uint32) {
	a.emit(0xdd)
	a.abs(3, addr)
}

// FldAbs pushes the double at an absolute address onto the x87 stack.
func (a *Assembler) FldAbs(addr uint32) {
	a.emit(0xdd)
	a.abs(0, addr)
}

// Lea loads the address base+disp into dst.
func (a *Assembler) Lea(dst, base convention.Register, disp int32) {
	d, b := a.gpr(dst), a.gpr(base)
	a.rex(true, d, b)
	a.emit(0x8d)
	a.mem(d, b, disp)
}

func (a *Assembler) arith8(ext int, r convention.Register, v int8) {
	n := a.gpr(r)
	a.rex(true, 0, n)
	a.emit(0x83, 0xc0|byte(ext)<<3|byte(n&7), byte(v))
}

// AddImm8 adds a sign extended byte to r.
func (a *Assembler) AddImm8(r convention.Register, v int8) { a.arith8(0, r, v) }

// SubImm8 subtracts a sign extended byte from r.
func (a *Assembler) SubImm8(r convention.Register, v int8) { a.arith8(5, r, v) }

// CmpImm8 compares the low 32 bits of r with a sign extended byte.
func (a *Assembler) CmpImm8(r convention.Register, v int8) {
	n := a.gpr(r)
	a.rex(false, 0, n)
	a.emit(0x83, 0xf8|byte(n&7), byte(v))
}

// CallReg calls the address held in r.
func (a *Assembler) CallReg(r convention.Register) {
	n := a.gpr(r)
	a.rex(false, 0, n)
	a.emit(0xff, 0xd0|byte(n&7))
}

// JmpReg jumps to the address held in r.
func (a *Assembler) JmpReg(r convention.Register) {
	n := a.gpr(r)
	a.rex(false, 0, n)
	a.emit(0xff, 0xe0|byte(n&7))
}

// JmpMem jumps to the address stored at [r].
func (a *Assembler) JmpMem(r convention.Register) {
	n := a.gpr(r)
	if n&7 == 4 || n&7 == 5 {
		a.fail(fmt.Errorf("%w: %s as indirect jump base", ErrRegister, r))
		return
	}
	a.rex(false, 0, n)
	a.emit(0xff, 0x20|byte(n&7))
}

// JmpAbs jumps to the address stored at an absolute address. 32-bit mode only.
func (a *Assembler) JmpAbs(addr uint32) {
	if a.wide() {
		a.fail(fmt.Errorf("%w: absolute jump in 64-bit mode", ErrRegister))
		return
	}
	a.emit(0xff)
	a.abs(4, addr)
}

// JmpRIP jumps to target through a quadword placed right after the
// instruction. 64-bit mode only; no register is clobbered.
func (a *Assembler) JmpRIP(target uint64) {
	if !a.wide() {
		a.fail(fmt.Errorf("%w: rip relative jump in 32-bit mode", ErrRegister))
		return
	}
	a.emit(0xff, 0x25, 0, 0, 0, 0)
	a.imm64(target)
}

// Jmp jumps to a label.
func (a *Assembler) Jmp(l Label) {
	a.emit(0xe9)
	a.fixups = append(a.fixups, fixup{at: len(a.buf), label: l})
	a.imm32(0)
}

// Jcc jumps to a label when c holds.
func (a *Assembler) Jcc(c Cond, l Label) {
	a.emit(0x0f, byte(c))
	a.fixups = append(a.fixups, fixup{at: len(a.buf), label: l})
	a.imm32(0)
}

// JmpRel jumps to an absolute target with a rel32 displacement computed from
// the origin. In 32-bit mode every target is reachable.
func (a *Assembler) JmpRel(target uint64) {
	next := a.origin + uint64(len(a.buf)) + 5
	if a.wide() && OverflowsS32(next, target) {
		a.fail(fmt.Errorf("%w: %#x -> %#x", ErrRelOverflow, next, target))
		return
	}
	a.emit(0xe9)
	a.imm32(uint32(target - next))
}

// Raw appends already encoded bytes.
func (a *Assembler) Raw(b []byte) { a.emit(b...) }

// Ret returns, popping n bytes of arguments when n > 0.
func (a *Assembler) Ret(n uint16) {
	if n == 0 {
		a.emit(0xc3)
		return
	}
	a.emit(0xc2, byte(n), byte(n>>8))
}

// Pad fills up to n bytes with int3 so that Len reaches n.
func (a *Assembler) Pad(n int) {
	for len(a.buf) < n {
		a.emit(0xcc)
	}
}

// OverflowsS32 reports whether a rel32 displacement from v1 cannot reach v2.
func OverflowsS32(v1, v2 uint64) bool {
	diff := int64(v2 - v1)
	return diff > 1<<31-1 || diff < -1<<31
}
