// Package symbols reads the symbol table of an object file, so hook targets
// can be named instead of given as raw addresses.
package symbols

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrUnknownFormat means the file is not ELF, Mach-O or PE
	ErrUnknownFormat = errors.New("unrecognized object file")
	// ErrSymbolNotFound means the symbol table has no such name
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrNoCode means no section of the file holds the address
	ErrNoCode = errors.New("address not mapped by any section")
)

type rawFile interface {
	Symbols() (map[string]uintptr, error)
	Format() string
	// Code reads n bytes at the link time address addr.
	Code(addr uintptr, n int) ([]byte, error)
	// Mode is the x86 decoding mode, 0 for other machines.
	Mode() int
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// Table is the symbol table of one file. Values are as recorded in the file:
// link time addresses for ELF and Mach-O, image relative addresses for PE.
type Table struct {
	Path   string
	Format string
	Syms   map[string]uintptr
}

// Read loads the symbol table of the file at name.
func Read(name string) (*Table, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for _, try := range objType {
		raw, err := try(r)
		if err != nil {
			continue
		}
		syms, err := raw.Symbols()
		if err != nil {
			return nil, fmt.Errorf("read %s symbols of %s: %w", raw.Format(), name, err)
		}
		return &Table{Path: name, Format: raw.Format(), Syms: syms}, nil
	}
	return nil, fmt.Errorf("open %s: %w", name, ErrUnknownFormat)
}

// Code is a piece of machine code read from an object file.
type Code struct {
	Addr  uintptr
	Bytes []byte
	// Mode is 32 or 64 for x86 files, 0 otherwise.
	Mode int
}

// ReadCode reads n bytes at addr from the file at name. Fewer bytes are
// returned when the section ends first.
func ReadCode(name string, addr uintptr, n int) (*Code, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	for _, try := range objType {
		raw, err := try(r)
		if err != nil {
			continue
		}
		b, err := raw.Code(addr, n)
		if err != nil {
			return nil, fmt.Errorf("read %#x of %s: %w", addr, name, err)
		}
		return &Code{Addr: addr, Bytes: b, Mode: raw.Mode()}, nil
	}
	return nil, fmt.Errorf("open %s: %w", name, ErrUnknownFormat)
}

// readSection reads up to n bytes at off of a section of size bytes.
func readSection(r io.ReaderAt, off, size uint64, n int) ([]byte, error) {
	if rest := size - off; uint64(n) > rest {
		n = int(rest)
	}
	b := make([]byte, n)
	if _, err := r.ReadAt(b, int64(off)); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return b, nil
}

// ReadSymbols returns the name to value map of the file at name.
func ReadSymbols(name string) (map[string]uintptr, error) {
	t, err := Read(name)
	if err != nil {
		return nil, err
	}
	return t.Syms, nil
}

// Lookup returns the value of sym. Mach-O names carry a leading underscore,
// which may be omitted.
func (t *Table) Lookup(sym string) (uintptr, error) {
	if v, ok := t.Syms[sym]; ok {
		return v, nil
	}
	if v, ok := t.Syms["_"+sym]; ok && t.Format == "macho" {
		return v, nil
	}
	return 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, sym, t.Path)
}
