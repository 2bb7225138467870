package trampoline

import (
	"fmt"
	"math"

	"github.com/k2io/dynhook/internal/asm"
	cv "github.com/k2io/dynhook/internal/convention"
)

// x86 emits 32-bit bridges. All save area accesses use absolute addresses,
// so no scratch register is needed. The native entries are cdecl.
type x86 struct{}

func (x86) Mode() int { return 32 }

func (g x86) Emit(s Spec) (Code, error) {
	for _, v := range []uint64{s.SaveArea + uint64(8*len(s.Slots)), s.Cell, s.PreEntry, s.PostEntry, s.HookID} {
		if v > math.MaxUint32 {
			return Code{}, fmt.Errorf("%w: %#x", ErrAddressRange, v)
		}
	}
	if _, ok := findSlot(s.Slots, cv.EAX); !ok {
		return Code{}, fmt.Errorf("%w: eax must be saved", cv.ErrNotSaved)
	}
	if s.Class == cv.ReturnFloat {
		if _, ok := findSlot(s.Slots, cv.ST0); !ok {
			return Code{}, fmt.Errorf("%w: st0 must be saved for float returns", cv.ErrNotSaved)
		}
	}
	a := asm.New(32)
	g.pre(a, s)
	post := a.Len()
	g.post(a, s)
	code, err := a.Bytes()
	if err != nil {
		return Code{}, err
	}
	return Code{Bytes: code, PostOffset: post}, nil
}

func (g x86) addr(s Spec, sl cv.Slot) uint32 {
	return uint32(s.SaveArea) + uint32(sl.Offset)
}

func (g x86) pre(a *asm.Assembler, s Spec) {
	skip := a.NewLabel()
	g.save(a, s)
	g.call(a, s, s.PreEntry)
	a.CmpImm8(cv.EAX, s.SkipCode)
	g.restore(a, s)
	a.Jcc(asm.JE, skip)
	a.JmpAbs(uint32(s.Cell))
	a.Mark(skip)
	// a skipped float function still has to leave its result in st0
	if st, ok := findSlot(s.Slots, cv.ST0); ok && s.Class == cv.ReturnFloat {
		a.FldAbs(g.addr(s, st))
	}
	a.Ret(uint16(s.PopSize))
}

func (g x86) post(a *asm.Assembler, s Spec) {
	a.SubImm8(cv.ESP, 4)
	st, float := findSlot(s.Slots, cv.ST0)
	float = float && s.Class == cv.ReturnFloat
	if float {
		a.FstpAbs(g.addr(s, st))
	}
	g.save(a, s)
	g.call(a, s, s.PostEntry)
	g.restore(a, s)
	if float {
		a.FldAbs(g.addr(s, st))
	}
	a.Ret(0)
}

func (g x86) save(a *asm.Assembler, s Spec) {
	for _, sl := range s.Slots {
		if sl.Reg == cv.ST0 {
			continue
		}
		a.StoreAbs(g.addr(s, sl), sl.Reg)
	}
}

func (g x86) restore(a *asm.Assembler, s Spec) {
	for _, sl := range s.Slots {
		switch sl.Reg {
		case cv.ESP, cv.ST0:
		default:
			a.LoadAbs(sl.Reg, g.addr(s, sl))
		}
	}
}

func (g x86) call(a *asm.Assembler, s Spec, entry uint64) {
	a.PushImm32(uint32(s.SaveArea))
	a.PushImm32(uint32(s.HookID))
	a.MovImm(cv.EAX, entry)
	a.CallReg(cv.EAX)
	a.AddImm8(cv.ESP, 8)
}
