package symbols

import (
	"debug/macho"
	"io"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) Format() string { return "macho" }

func (f *machoFile) Symbols() (map[string]uintptr, error) {
	off := make(map[string]uintptr)
	if f.macho.Symtab == nil {
		return off, nil
	}
	for _, s := range f.macho.Symtab.Syms {
		if s.Value != 0 {
			off[s.Name] = uintptr(s.Value)
		}
	}
	return off, nil
}

func (f *machoFile) Code(addr uintptr, n int) ([]byte, error) {
	a := uint64(addr)
	for _, s := range f.macho.Sections {
		if a < s.Addr || a >= s.Addr+s.Size {
			continue
		}
		return readSection(s, a-s.Addr, s.Size, n)
	}
	return nil, ErrNoCode
}

func (f *machoFile) Mode() int {
	switch f.macho.Cpu {
	case macho.Cpu386:
		return 32
	case macho.CpuAmd64:
		return 64
	}
	return 0
}
