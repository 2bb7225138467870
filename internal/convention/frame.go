package convention

import (
	"fmt"
	"math"
	"unsafe"
)

// Memory gives access to the address space the hooked code runs in.
type Memory interface {
	// Bytes returns n live bytes starting at addr.
	Bytes(addr uintptr, n int) ([]byte, error)
}

// Frame is the live state of an intercepted call: the saved registers and
// the memory the stack pointer refers to.
type Frame struct {
	Regs *Registers
	Mem  Memory
}

// StackPointer returns the saved stack pointer.
func (f *Frame) StackPointer() (uintptr, error) {
	v, err := f.Regs.Uint(f.Regs.abi.StackPointer())
	return uintptr(v), err
}

// ProcessMemory is the memory of the current process.
type ProcessMemory struct{}

func (ProcessMemory) Bytes(addr uintptr, n int) ([]byte, error) {
	if addr == 0 {
		return nil, ErrNullAddress
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrOutOfBounds, n)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n), nil
}

// Buffer is a Memory backed by a byte slice mapped at Base.
type Buffer struct {
	Base uintptr
	Data []byte
}

// NewBuffer returns a zeroed Buffer of size bytes mapped at base.
func NewBuffer(base uintptr, size int) *Buffer {
	return &Buffer{Base: base, Data: make([]byte, size)}
}

func (b *Buffer) Bytes(addr uintptr, n int) ([]byte, error) {
	if addr == 0 {
		return nil, ErrNullAddress
	}
	size := uintptr(len(b.Data))
	if n < 0 || addr < b.Base || addr-b.Base > size || uintptr(n) > size-(addr-b.Base) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrOutOfBounds, addr, n)
	}
	off := addr - b.Base
	end := off + uintptr(n)
	return b.Data[off:end:end], nil
}

// ReadPtr reads a size byte pointer at addr.
func ReadPtr(m Memory, addr uintptr, size int) (uintptr, error) {
	b, err := m.Bytes(addr, size)
	if err != nil {
		return 0, err
	}
	return uintptr(Uint(b)), nil
}

// WritePtr writes a size byte pointer at addr.
func WritePtr(m Memory, addr uintptr, size int, v uintptr) error {
	b, err := m.Bytes(addr, size)
	if err != nil {
		return err
	}
	PutUint(b, uint64(v))
	return nil
}

// ReadCString reads a NUL terminated string of at most max bytes.
func ReadCString(m Memory, addr uintptr, max int) (string, error) {
	var s []byte
	for i := 0; i < max; i++ {
		b, err := m.Bytes(addr+uintptr(i), 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		s = append(s, b[0])
	}
	return string(s), nil
}

// DecodeInt decodes a little endian signed integer, sign extending from len(b).
func DecodeInt(b []byte) int64 {
	v := Uint(b)
	if n := uint(len(b)) * 8; n > 0 && n < 64 {
		shift := 64 - n
		return int64(v<<shift) >> shift
	}
	return int64(v)
}

// DecodeFloat decodes a float32 or float64 depending on len(b).
func DecodeFloat(b []byte) float64 {
	if len(b) == 4 {
		return float64(math.Float32frombits(uint32(Uint(b))))
	}
	return math.Float64frombits(Uint(b))
}

// PutFloat encodes v as a float32 or float64 depending on len(b).
func PutFloat(b []byte, v float64) {
	if len(b) == 4 {
		PutUint(b, uint64(math.Float32bits(float32(v))))
		return
	}
	PutUint(b, math.Float64bits(v))
}
