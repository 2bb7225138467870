package convention

import (
	"encoding/binary"
	"fmt"
)

// Register names a CPU register. Within each family the order follows the
// x86 register encoding, so Num yields the ModRM number.
type Register uint8

const (
	None Register = iota

	AL
	CL
	DL
	BL
	AH
	CH
	DH
	BH

	AX
	CX
	DX
	BX
	SP
	BP
	SI
	DI

	EAX
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI

	RAX
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15

	ST0

	registerCount
)

var registerNames = [registerCount]string{
	"none",
	"al", "cl", "dl", "bl", "ah", "ch", "dh", "bh",
	"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7",
	"xmm8", "xmm9", "xmm10", "xmm11", "xmm12", "xmm13", "xmm14", "xmm15",
	"st0",
}

func (r Register) String() string {
	if r < registerCount {
		return registerNames[r]
	}
	return fmt.Sprintf("Register(%d)", uint8(r))
}

// ParseRegister maps a register name to a Register.
func ParseRegister(s string) (Register, error) {
	for i, n := range registerNames {
		if n == s {
			return Register(i), nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnsupportedRegister, s)
}

// Num is the encoding number of r within its family.
func (r Register) Num() int {
	switch {
	case r >= AL && r <= BH:
		return int(r - AL)
	case r >= AX && r <= DI:
		return int(r - AX)
	case r >= EAX && r <= EDI:
		return int(r - EAX)
	case r >= RAX && r <= R15:
		return int(r - RAX)
	case r >= XMM0 && r <= XMM15:
		return int(r - XMM0)
	}
	return 0
}

// Width is the number of bytes r holds in a save area.
func (r Register) Width() int {
	switch {
	case r >= AL && r <= BH:
		return 1
	case r >= AX && r <= DI:
		return 2
	case r >= EAX && r <= EDI:
		return 4
	case r >= RAX && r <= R15, r >= XMM0 && r <= XMM15, r == ST0:
		return 8
	}
	return 0
}

// IsXMM reports whether r is a vector register.
func (r Register) IsXMM() bool { return r >= XMM0 && r <= XMM15 }

// IsGPR reports whether r is a general purpose register of any width.
func (r Register) IsGPR() bool { return r >= AL && r <= R15 }

// GPR returns the full width general purpose register numbered n.
func GPR(abi ABI, n int) Register {
	if abi == X86 {
		return EAX + Register(n)
	}
	return RAX + Register(n)
}

// XMM returns the vector register numbered n.
func XMM(n int) Register { return XMM0 + Register(n) }

// storage returns the register that holds r in a save area and the byte
// offset of r inside it.
func (r Register) storage(abi ABI) (Register, int, error) {
	wide := abi != X86
	switch {
	case r >= AL && r <= BL:
		return GPR(abi, r.Num()), 0, nil
	case r >= AH && r <= BH:
		return GPR(abi, r.Num()-4), 1, nil
	case r >= AX && r <= DI:
		return GPR(abi, r.Num()), 0, nil
	case r >= EAX && r <= EDI:
		return GPR(abi, r.Num()), 0, nil
	case r >= RAX && r <= R15:
		if wide {
			return r, 0, nil
		}
	case r >= XMM0 && r <= XMM7:
		return r, 0, nil
	case r >= XMM8 && r <= XMM15:
		if wide {
			return r, 0, nil
		}
	case r == ST0:
		return r, 0, nil
	}
	return None, 0, fmt.Errorf("%w: %s on %s", ErrUnsupportedRegister, r, abi)
}

// Slot is the position of one register in a save area.
type Slot struct {
	Reg    Register
	Offset int
	Size   int
}

// Registers is a register save area. Every saved register occupies an
// 8-byte slot, in the order the registers were first listed.
type Registers struct {
	abi   ABI
	slots []Slot
	index map[Register]int
	buf   []byte
}

// NewRegisters lays out a save area for regs. Sub-registers are stored in
// their full width parent.
func NewRegisters(abi ABI, regs []Register) (*Registers, error) {
	r := &Registers{abi: abi, index: make(map[Register]int)}
	off := 0
	for _, reg := range regs {
		base, _, err := reg.storage(abi)
		if err != nil {
			return nil, err
		}
		if _, ok := r.index[base]; ok {
			continue
		}
		r.index[base] = len(r.slots)
		r.slots = append(r.slots, Slot{Reg: base, Offset: off, Size: base.Width()})
		off += 8
	}
	r.buf = make([]byte, off)
	return r, nil
}

// ABI returns the abi the save area was laid out for.
func (r *Registers) ABI() ABI { return r.abi }

// Size is the byte size of the save area.
func (r *Registers) Size() int { return len(r.buf) }

// Slots returns the save area layout.
func (r *Registers) Slots() []Slot {
	return append([]Slot(nil), r.slots...)
}

// Bind makes buf the backing storage of the save area. Generated code
// writes registers into buf, so it must not move.
func (r *Registers) Bind(buf []byte) error {
	if len(buf) != len(r.buf) {
		return fmt.Errorf("%w: save area is %d bytes, got %d", ErrOutOfBounds, len(r.buf), len(buf))
	}
	r.buf = buf
	return nil
}

// Bytes returns the live storage of reg, or nil when reg is not saved.
func (r *Registers) Bytes(reg Register) []byte {
	base, off, err := reg.storage(r.abi)
	if err != nil {
		return nil
	}
	i, ok := r.index[base]
	if !ok {
		return nil
	}
	s := r.slots[i].Offset + off
	return r.buf[s : s+reg.Width() : s+reg.Width()]
}

// Uint reads reg as an unsigned integer.
func (r *Registers) Uint(reg Register) (uint64, error) {
	b := r.Bytes(reg)
	if b == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotSaved, reg)
	}
	return Uint(b), nil
}

// SetUint stores v into reg, truncated to the register width.
func (r *Registers) SetUint(reg Register, v uint64) error {
	b := r.Bytes(reg)
	if b == nil {
		return fmt.Errorf("%w: %s", ErrNotSaved, reg)
	}
	PutUint(b, v)
	return nil
}

// Uint decodes a little endian unsigned integer of len(b) bytes.
func Uint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// PutUint encodes v little endian into all of b.
func PutUint(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
}
