package trampoline

import (
	"fmt"

	"github.com/k2io/dynhook/internal/asm"
	cv "github.com/k2io/dynhook/internal/convention"
)

// amd64 emits bridges for SysV and Win64. R11 is the scratch register: it
// carries no argument in either convention and is caller saved.
type amd64 struct {
	win64 bool
}

func (amd64) Mode() int { return 64 }

func (g amd64) Emit(s Spec) (Code, error) {
	if _, ok := findSlot(s.Slots, cv.RAX); !ok {
		return Code{}, fmt.Errorf("%w: rax must be saved", cv.ErrNotSaved)
	}
	if _, ok := findSlot(s.Slots, cv.R11); ok {
		return Code{}, fmt.Errorf("%w: r11", cv.ErrReservedRegister)
	}
	a := asm.New(64)
	g.pre(a, s)
	post := a.Len()
	g.post(a, s)
	code, err := a.Bytes()
	if err != nil {
		return Code{}, err
	}
	return Code{Bytes: code, PostOffset: post}, nil
}

func (g amd64) pre(a *asm.Assembler, s Spec) {
	skip := a.NewLabel()
	// the push realigns the stack to 16 bytes for the call
	a.Push(cv.R11)
	a.MovImm(cv.R11, s.SaveArea)
	g.save(a, s)
	g.call(a, s.PreEntry, s.HookID)
	a.CmpImm8(cv.RAX, s.SkipCode)
	a.MovImm(cv.R11, s.SaveArea)
	g.restore(a, s)
	a.Pop(cv.R11)
	a.Jcc(asm.JE, skip)
	a.MovImm(cv.R11, s.Cell)
	a.JmpMem(cv.R11)
	a.Mark(skip)
	a.Ret(uint16(s.PopSize))
}

func (g amd64) post(a *asm.Assembler, s Spec) {
	// slot for the caller's return address
	a.SubImm8(cv.RSP, 8)
	a.Push(cv.R11)
	a.MovImm(cv.R11, s.SaveArea)
	g.save(a, s)
	g.call(a, s.PostEntry, s.HookID)
	a.MovImm(cv.R11, s.SaveArea)
	g.restore(a, s)
	a.Pop(cv.R11)
	a.Ret(0)
}

// save stores every slot. The stack pointer is recorded as it was before
// the r11 push, so it points at the return address (pre) or the reserved
// slot (post).
func (g amd64) save(a *asm.Assembler, s Spec) {
	var sp *cv.Slot
	for i, sl := range s.Slots {
		switch sl.Reg {
		case cv.RSP:
			sp = &s.Slots[i]
		case cv.ST0:
		default:
			a.Store(cv.R11, int32(sl.Offset), sl.Reg)
		}
	}
	if sp != nil {
		a.Lea(cv.RAX, cv.RSP, 8)
		a.Store(cv.R11, int32(sp.Offset), cv.RAX)
	}
}

func (g amd64) restore(a *asm.Assembler, s Spec) {
	for _, sl := range s.Slots {
		switch sl.Reg {
		case cv.RSP, cv.ST0:
		default:
			a.Load(sl.Reg, cv.R11, int32(sl.Offset))
		}
	}
}

func (g amd64) call(a *asm.Assembler, entry, id uint64) {
	if g.win64 {
		a.MovImm(cv.RCX, id)
		a.MovReg(cv.RDX, cv.R11)
		a.SubImm8(cv.RSP, 32) // shadow space
		a.MovImm(cv.RAX, entry)
		a.CallReg(cv.RAX)
		a.AddImm8(cv.RSP, 32)
		return
	}
	a.MovImm(cv.RDI, id)
	a.MovReg(cv.RSI, cv.R11)
	a.MovImm(cv.RAX, entry)
	a.CallReg(cv.RAX)
}
