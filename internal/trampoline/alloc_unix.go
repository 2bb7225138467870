//go:build unix

package trampoline

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageAllocator maps anonymous pages per block. The code pages are mapped
// read-write and flipped to read-execute by Seal; the data pages that follow
// stay read-write.
type PageAllocator struct {
	pageSize int
}

// NewPageAllocator returns an allocator using the system page size.
func NewPageAllocator() *PageAllocator {
	return &PageAllocator{pageSize: unix.Getpagesize()}
}

func (p *PageAllocator) Alloc(codeSize, dataSize int) (*Block, error) {
	cs := roundUp(codeSize, p.pageSize)
	ds := roundUp(dataSize, p.pageSize)
	mem, err := unix.Mmap(-1, 0, cs+ds, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAlloc, cs+ds, err)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	return &Block{
		Code:     base,
		CodeSize: codeSize,
		Data:     base + uintptr(cs),
		DataSize: dataSize,
		mapping:  mem,
		split:    cs,
	}, nil
}

func (p *PageAllocator) Seal(b *Block) error {
	if err := unix.Mprotect(b.mapping[:b.split], unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("%w: mprotect: %v", ErrAlloc, err)
	}
	b.sealed = true
	return nil
}

func (p *PageAllocator) Free(b *Block) error {
	if b.mapping == nil {
		return fmt.Errorf("%w: block %#x not mapped", ErrAlloc, b.Code)
	}
	err := unix.Munmap(b.mapping)
	b.mapping = nil
	return err
}
