package symbols

import (
	"debug/elf"
	"errors"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) Format() string { return "elf" }

// Symbols merges the static and dynamic tables. Stripped shared objects only
// have the latter.
func (e *elfFile) Symbols() (map[string]uintptr, error) {
	off := make(map[string]uintptr)
	syms, err := e.elf.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	addElf(off, syms)
	dyn, err := e.elf.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	addElf(off, dyn)
	return off, nil
}

func addElf(off map[string]uintptr, stab []elf.Symbol) {
	for _, k := range stab {
		if k.Name == "" || k.Value == 0 {
			continue
		}
		if _, ok := off[k.Name]; !ok {
			off[k.Name] = uintptr(k.Value)
		}
	}
}

func (e *elfFile) Code(addr uintptr, n int) ([]byte, error) {
	a := uint64(addr)
	for _, s := range e.elf.Sections {
		if s.Type != elf.SHT_PROGBITS || s.Flags&elf.SHF_ALLOC == 0 || a < s.Addr || a >= s.Addr+s.Size {
			continue
		}
		return readSection(s, a-s.Addr, s.Size, n)
	}
	return nil, ErrNoCode
}

func (e *elfFile) Mode() int {
	switch e.elf.Machine {
	case elf.EM_386:
		return 32
	case elf.EM_X86_64:
		return 64
	}
	return 0
}
