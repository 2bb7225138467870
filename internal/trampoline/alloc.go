package trampoline

import (
	"fmt"
	"sync"

	"github.com/k2io/dynhook/internal/convention"
)

// Block is a piece of memory holding one bridge: a code region that turns
// executable when sealed and a data region that stays writable.
type Block struct {
	Code     uintptr
	CodeSize int
	Data     uintptr
	DataSize int

	mapping []byte
	split   int
	sealed  bool
}

// Sealed reports whether the code region has been made executable.
func (b *Block) Sealed() bool { return b.sealed }

// Allocator hands out blocks. Code is written while the block is unsealed;
// Seal makes it executable and read only before anything can jump to it.
type Allocator interface {
	Alloc(codeSize, dataSize int) (*Block, error)
	Seal(b *Block) error
	Free(b *Block) error
}

// Write copies code into the code region of b through m.
func Write(m convention.Memory, b *Block, code []byte) error {
	if b.sealed {
		return fmt.Errorf("%w: block %#x is sealed", ErrAlloc, b.Code)
	}
	if len(code) > b.CodeSize {
		return fmt.Errorf("%w: %d bytes of code for a %d byte block", ErrAlloc, len(code), b.CodeSize)
	}
	dst, err := m.Bytes(b.Code, len(code))
	if err != nil {
		return err
	}
	copy(dst, code)
	return nil
}

// BufferAllocator places blocks inside a convention.Buffer. It backs
// emulated address spaces, where nothing is executed natively.
type BufferAllocator struct {
	mu   sync.Mutex
	buf  *convention.Buffer
	next uintptr
	live map[uintptr]*Block
}

// NewBufferAllocator allocates from buf, starting at its base.
func NewBufferAllocator(buf *convention.Buffer) *BufferAllocator {
	return &BufferAllocator{buf: buf, next: buf.Base, live: make(map[uintptr]*Block)}
}

func (p *BufferAllocator) Alloc(codeSize, dataSize int) (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs := roundUp(codeSize, 16)
	ds := roundUp(dataSize, 16)
	end := p.buf.Base + uintptr(len(p.buf.Data))
	if p.next+uintptr(cs+ds) > end {
		return nil, fmt.Errorf("%w: buffer exhausted", ErrAlloc)
	}
	b := &Block{Code: p.next, CodeSize: codeSize, Data: p.next + uintptr(cs), DataSize: dataSize, split: cs}
	p.next += uintptr(cs + ds)
	p.live[b.Code] = b
	return b, nil
}

func (p *BufferAllocator) Seal(b *Block) error {
	b.sealed = true
	return nil
}

func (p *BufferAllocator) Free(b *Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[b.Code]; !ok {
		return fmt.Errorf("%w: block %#x not allocated", ErrAlloc, b.Code)
	}
	delete(p.live, b.Code)
	return nil
}

// Live is the number of blocks not yet freed.
func (p *BufferAllocator) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func roundUp(n, to int) int {
	if n <= 0 {
		return to
	}
	return (n + to - 1) / to * to
}
