//go:build !unix

package trampoline

import "fmt"

// PageAllocator is unavailable on this platform.
type PageAllocator struct{}

func NewPageAllocator() *PageAllocator { return &PageAllocator{} }

func (p *PageAllocator) Alloc(codeSize, dataSize int) (*Block, error) {
	return nil, fmt.Errorf("%w: no page allocator on this platform", ErrAlloc)
}

func (p *PageAllocator) Seal(b *Block) error { return ErrAlloc }

func (p *PageAllocator) Free(b *Block) error { return ErrAlloc }
