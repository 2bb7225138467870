package dynhook

import (
	"fmt"

	"github.com/k2io/dynhook/internal/symbols"
)

// Symbols returns the symbol table of the object file at path.
func Symbols(path string) (map[string]uintptr, error) {
	return symbols.ReadSymbols(path)
}

// LookupSymbol returns the value of name in the object file at path.
func LookupSymbol(path, name string) (uintptr, error) {
	t, err := symbols.Read(path)
	if err != nil {
		return 0, err
	}
	return t.Lookup(name)
}

// InstallDetourSymbol installs a detour on the function name of the object
// file at path, loaded at base. base is added to the symbol value; pass zero
// for executables linked at their load address.
func (e *Engine) InstallDetourSymbol(setup *Setup, path, name string, base uintptr) (*Detour, error) {
	v, err := LookupSymbol(path, name)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}
	return e.InstallDetour(setup, base+v)
}
