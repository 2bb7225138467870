//go:build unix

package vtable

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ReadOnlyTables flips the pages of a slot between read-write and read
// only, for tables living in relocation read-only segments.
func ReadOnlyTables(addr, size uintptr, writable bool) error {
	page := uintptr(unix.Getpagesize())
	start := addr &^ (page - 1)
	end := (addr + size + page - 1) &^ (page - 1)
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start), prot)
}
