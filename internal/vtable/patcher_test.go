package vtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/dynhook/internal/convention"
)

const (
	base  = 0x10000
	table = 0x10100
	objA  = 0x10200
	objB  = 0x10210
	cells = 0x10300
	orig  = 0xaaaa
)

func setup(t *testing.T) (*convention.Buffer, *Patcher) {
	t.Helper()
	mem := convention.NewBuffer(base, 0x1000)
	for i := 0; i < 4; i++ {
		require.NoError(t, convention.WritePtr(mem, table+uintptr(8*i), 8, orig+uintptr(i)))
	}
	require.NoError(t, convention.WritePtr(mem, objA, 8, table))
	require.NoError(t, convention.WritePtr(mem, objB, 8, table))
	return mem, New(mem, 8, nil)
}

func ptr(t *testing.T, mem convention.Memory, addr uintptr) uintptr {
	t.Helper()
	v, err := convention.ReadPtr(mem, addr, 8)
	require.NoError(t, err)
	return v
}

func TestRedirect(t *testing.T) {
	mem, p := setup(t)
	r, err := p.Redirect(objA, 2, 0xbeef, cells)
	require.NoError(t, err)
	assert.Equal(t, uintptr(table+16), r.Addr)
	assert.Equal(t, uintptr(0xbeef), ptr(t, mem, table+16))
	assert.Equal(t, uintptr(orig+2), ptr(t, mem, cells))

	require.NoError(t, r.Remove())
	assert.Equal(t, uintptr(orig+2), ptr(t, mem, table+16))
	assert.ErrorIs(t, r.Remove(), ErrRemoved)
	assert.Zero(t, p.Depth(table+16))
}

func TestChainRemoveMiddle(t *testing.T) {
	mem, p := setup(t)
	ra, err := p.Redirect(objA, 1, 0xa1, cells)
	require.NoError(t, err)
	rb, err := p.Redirect(objB, 1, 0xb1, cells+8)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Depth(table+8))
	assert.Equal(t, uintptr(0xb1), ptr(t, mem, table+8))
	assert.Equal(t, uintptr(0xa1), ptr(t, mem, cells+8))

	// dropping the older redirect links the newer one straight to the original
	require.NoError(t, ra.Remove())
	assert.Equal(t, uintptr(0xb1), ptr(t, mem, table+8))
	assert.Equal(t, uintptr(orig+1), ptr(t, mem, cells+8))

	require.NoError(t, rb.Remove())
	assert.Equal(t, uintptr(orig+1), ptr(t, mem, table+8))
}

func TestRedirectErrors(t *testing.T) {
	mem, p := setup(t)
	_, err := p.Redirect(objA, -1, 0xbeef, cells)
	assert.ErrorIs(t, err, ErrSlot)

	require.NoError(t, convention.WritePtr(mem, objB, 8, 0))
	_, err = p.Redirect(objB, 0, 0xbeef, cells)
	assert.ErrorIs(t, err, ErrNullTable)

	_, err = p.Redirect(0x90000, 0, 0xbeef, cells)
	assert.ErrorIs(t, err, convention.ErrOutOfBounds)
}

func TestProtectCalls(t *testing.T) {
	mem := convention.NewBuffer(base, 0x1000)
	require.NoError(t, convention.WritePtr(mem, objA, 8, table))
	var calls []bool
	p := New(mem, 8, func(addr, size uintptr, writable bool) error {
		assert.Equal(t, uintptr(table), addr)
		assert.Equal(t, uintptr(8), size)
		calls = append(calls, writable)
		return nil
	})
	r, err := p.Redirect(objA, 0, 1, cells)
	require.NoError(t, err)
	require.NoError(t, r.Remove())
	assert.Equal(t, []bool{true, false, true, false}, calls)
}
