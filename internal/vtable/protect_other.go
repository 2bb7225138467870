//go:build !unix

package vtable

import "errors"

// ReadOnlyTables is not available on this platform.
func ReadOnlyTables(addr, size uintptr, writable bool) error {
	return errors.New("page protection not supported")
}
