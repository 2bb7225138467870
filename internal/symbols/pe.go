package symbols

import (
	"debug/pe"
	"io"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

func (f *peFile) Format() string { return "pe" }

// Symbols turns section relative COFF values into image relative addresses.
func (f *peFile) Symbols() (map[string]uintptr, error) {
	off := make(map[string]uintptr)
	for _, s := range f.pe.Symbols {
		n := int(s.SectionNumber)
		if n <= 0 || n > len(f.pe.Sections) {
			continue
		}
		off[s.Name] = uintptr(f.pe.Sections[n-1].VirtualAddress) + uintptr(s.Value)
	}
	return off, nil
}

// Code takes an image relative address, as Symbols returns.
func (f *peFile) Code(addr uintptr, n int) ([]byte, error) {
	a := uint32(addr)
	for _, s := range f.pe.Sections {
		if a < s.VirtualAddress || a >= s.VirtualAddress+s.Size {
			continue
		}
		return readSection(s, uint64(a-s.VirtualAddress), uint64(s.Size), n)
	}
	return nil, ErrNoCode
}

func (f *peFile) Mode() int {
	switch f.pe.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return 32
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return 64
	}
	return 0
}
