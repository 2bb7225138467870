//go:build unix

package inline

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

func makeSlice(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// protectPages changes the protection of every page overlapping the range.
func protectPages(addr, size uintptr, writable bool) error {
	prot := unix.PROT_EXEC | unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	start := pageSize * (addr / pageSize)
	length := pageSize * ((addr + size + pageSize - 1 - start) / pageSize)
	for i := uintptr(0); i < length; i += pageSize {
		if err := unix.Mprotect(makeSlice(start+i, pageSize), prot); err != nil {
			return err
		}
	}
	return nil
}
