package inline

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded prologue instruction.
type Instruction struct {
	Offset      int
	Inst        x86asm.Inst
	Relocatable bool
}

// Prologue describes the whole instructions covering the first Length bytes
// of a function.
type Prologue struct {
	Length      int
	Relocatable bool
	Insts       []Instruction
}

// Analyze decodes instructions from code until at least size bytes are
// covered. The prologue is relocatable when none of those instructions
// addresses memory or a branch target relative to its own position.
func Analyze(code []byte, mode, size int) (Prologue, error) {
	p := Prologue{Relocatable: true}
	for p.Length < size {
		if p.Length >= len(code) {
			return p, fmt.Errorf("%w: %d of %d bytes decoded", ErrShortFunction, p.Length, size)
		}
		i, err := analysis(code[p.Length:], mode)
		if err != nil {
			return p, fmt.Errorf("decode at +%#x: %w", p.Length, err)
		}
		i.Offset = p.Length
		p.Insts = append(p.Insts, i)
		p.Relocatable = p.Relocatable && i.Relocatable
		p.Length += i.Inst.Len
		if p.Length < size && i.Inst.Op == x86asm.RET {
			return p, fmt.Errorf("%w: returns after %d bytes", ErrShortFunction, p.Length)
		}
	}
	return p, nil
}

func analysis(src []byte, mode int) (Instruction, error) {
	inst, err := x86asm.Decode(src, mode)
	if err != nil {
		return Instruction{}, err
	}
	in := Instruction{Inst: inst, Relocatable: true}
	for _, a := range inst.Args {
		switch arg := a.(type) {
		case x86asm.Mem:
			if arg.Base == x86asm.RIP {
				in.Relocatable = false
			}
		case x86asm.Rel:
			in.Relocatable = false
		}
	}
	return in, nil
}
