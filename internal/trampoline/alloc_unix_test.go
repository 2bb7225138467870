//go:build linux

package trampoline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/dynhook/internal/convention"
)

func TestPageAllocator(t *testing.T) {
	p := NewPageAllocator()
	b, err := p.Alloc(64, 128)
	require.NoError(t, err)
	assert.Zero(t, b.Code%uintptr(p.pageSize))
	assert.Equal(t, b.Code+uintptr(p.pageSize), b.Data)

	var mem convention.ProcessMemory
	require.NoError(t, Write(mem, b, []byte{0x90, 0xc3}))
	data, err := mem.Bytes(b.Data, 8)
	require.NoError(t, err)
	convention.PutUint(data, 0xdeadbeef)

	require.NoError(t, p.Seal(b))
	assert.True(t, b.Sealed())
	code, err := mem.Bytes(b.Code, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0xc3}, code)
	// data stays writable after sealing
	convention.PutUint(data, 1)
	assert.Equal(t, uint64(1), convention.Uint(data))

	require.NoError(t, p.Free(b))
	assert.ErrorIs(t, p.Free(b), ErrAlloc)
}
