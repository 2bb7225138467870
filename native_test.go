package dynhook

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/dynhook/internal/convention"
	"github.com/k2io/dynhook/internal/inline"
	"github.com/k2io/dynhook/internal/trampoline"
)

const (
	memBase    = 0x400000
	fnAddr     = 0x408000
	vtableAddr = 0x40a000
	objAddr    = 0x40a100
	methodAddr = 0x40b000
	nativeSP   = 0x40c800
	retAddr    = 0x401234
	preEntry   = 0x40e000
	postEntry  = 0x40e100
)

// push rbp; mov rbp, rsp; sub rsp, 0x20; mov [rbp-4], edi; mov [rbp-8], esi; ret
var prologue64 = []byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x20, 0x89, 0x7d, 0xfc, 0x89, 0x75, 0xf8, 0xc3}

type nativeFixture struct {
	mem   *Buffer
	alloc *trampoline.BufferAllocator
	e     *Engine
}

func newNative(t *testing.T, code []byte) *nativeFixture {
	t.Helper()
	mem := NewBuffer(memBase, 0x10000)
	f := &nativeFixture{
		mem:   mem,
		alloc: trampoline.NewBufferAllocator(&Buffer{Base: memBase, Data: mem.Data[:0x4000]}),
	}
	copy(mem.Data[fnAddr-memBase:], code)
	for i := 0; i < 4; i++ {
		require.NoError(t, convention.WritePtr(mem, vtableAddr+uintptr(8*i), 8, methodAddr+uintptr(0x10*i)))
	}
	require.NoError(t, convention.WritePtr(mem, objAddr, 8, vtableAddr))
	f.e = newEngine(t, WithMemory(mem), WithAllocator(f.alloc), WithNativeEntry(preEntry, postEntry))
	return f
}

func (f *nativeFixture) at(addr uintptr, n int) []byte {
	return f.mem.Data[addr-memBase : addr-memBase+uintptr(n)]
}

func (f *nativeFixture) ptr(t *testing.T, addr uintptr) uintptr {
	t.Helper()
	v, err := convention.ReadPtr(f.mem, addr, 8)
	require.NoError(t, err)
	return v
}

// enter fills the save area of b the way the bridge would on a call of
// add(a, b) with retAddr on the stack.
func (f *nativeFixture) enter(t *testing.T, b *bridge, x, y int32) {
	t.Helper()
	require.NoError(t, convention.WritePtr(f.mem, nativeSP, 8, retAddr))
	require.NoError(t, b.frame.Regs.SetUint(convention.RSP, nativeSP))
	require.NoError(t, b.frame.Regs.SetUint(convention.RDI, uint64(uint32(x))))
	require.NoError(t, b.frame.Regs.SetUint(convention.RSI, uint64(uint32(y))))
}

func TestNativeDetour(t *testing.T) {
	f := newNative(t, prologue64)
	e := f.e
	s := addSetup(t, e)
	d, err := e.InstallDetour(s, fnAddr)
	require.NoError(t, err)
	assert.False(t, d.Installed())
	assert.Equal(t, prologue64, f.at(fnAddr, len(prologue64)))

	_, err = d.AddCallback(Pre, func(ctx *Context) (Result, error) {
		a, err := ctx.ParamInt(0)
		if err != nil {
			return Ignored, err
		}
		assert.Equal(t, int64(2), a)
		return Handled, nil
	})
	require.NoError(t, err)
	var got int64
	_, err = d.AddCallback(Post, func(ctx *Context) (Result, error) {
		v, err := ctx.ReturnInt()
		got = v
		return Ignored, err
	})
	require.NoError(t, err)
	assert.True(t, d.Installed())
	assert.Equal(t, byte(0xe9), f.at(fnAddr, 1)[0])
	assert.Equal(t, 1, e.Stats().Bridges)

	b := d.c.bridge
	require.NotNil(t, b)
	// the cell holds the relocated prologue the bridge calls through
	cell := b.block.Data + uintptr(b.frame.Regs.Size())
	assert.NotZero(t, f.ptr(t, cell))

	f.enter(t, b, 2, 3)
	assert.Equal(t, Handled, e.HandleNative(Pre, b.id, b.save))
	assert.Equal(t, b.post, f.ptr(t, nativeSP))

	require.NoError(t, b.frame.Regs.SetUint(convention.RAX, 5))
	assert.Equal(t, Ignored, e.HandleNative(Post, b.id, b.save))
	assert.Equal(t, uintptr(retAddr), f.ptr(t, nativeSP))
	assert.Equal(t, int64(5), got)
	assert.Zero(t, e.Stats().Diagnostics)
}

func TestNativeSupersede(t *testing.T) {
	f := newNative(t, prologue64)
	e := f.e
	_, err := e.Hook(addSetup(t, e), fnAddr, Pre, returning(Supersede, 99))
	require.NoError(t, err)
	d, ok := e.Detour(fnAddr)
	require.True(t, ok)
	b := d.c.bridge

	f.enter(t, b, 2, 3)
	assert.Equal(t, Supersede, e.HandleNative(Pre, b.id, b.save))
	rax, err := b.frame.Regs.Uint(convention.RAX)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), rax)

	// the post stub still runs and hands the return address back
	assert.Equal(t, Ignored, e.HandleNative(Post, b.id, b.save))
	assert.Equal(t, uintptr(retAddr), f.ptr(t, nativeSP))
	rax, err = b.frame.Regs.Uint(convention.RAX)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), rax)
}

func TestNativeRemoveRestores(t *testing.T) {
	f := newNative(t, prologue64)
	e := f.e
	cb, err := e.Hook(addSetup(t, e), fnAddr, Pre, result(Ignored))
	require.NoError(t, err)
	assert.Equal(t, 2, f.alloc.Live())

	d, _ := e.Detour(fnAddr)
	require.NoError(t, d.RemoveCallback(cb))
	assert.Equal(t, prologue64, f.at(fnAddr, len(prologue64)))
	assert.Zero(t, f.alloc.Live())
	st := e.Stats()
	assert.Zero(t, st.Bridges)
	assert.Zero(t, st.Detours)

	// the address can be hooked again
	_, err = e.Hook(addSetup(t, e), fnAddr, Pre, result(Ignored))
	require.NoError(t, err)
	assert.Equal(t, byte(0xe9), f.at(fnAddr, 1)[0])
}

func TestNativeRemoveInFlight(t *testing.T) {
	f := newNative(t, prologue64)
	e := f.e
	cb, err := e.Hook(addSetup(t, e), fnAddr, Pre, result(Ignored))
	require.NoError(t, err)
	d, _ := e.Detour(fnAddr)
	b := d.c.bridge

	f.enter(t, b, 1, 1)
	e.HandleNative(Pre, b.id, b.save)
	require.NoError(t, d.RemoveCallback(cb))
	assert.True(t, d.Destroyed())
	assert.Equal(t, 1, e.Stats().PendingTeardown)
	assert.Equal(t, byte(0xe9), f.at(fnAddr, 1)[0])

	_, err = e.InstallDetour(addSetup(t, e), fnAddr)
	assert.ErrorIs(t, err, ErrDoubleHook)

	e.HandleNative(Post, b.id, b.save)
	assert.Equal(t, uintptr(retAddr), f.ptr(t, nativeSP))
	// the bridge is still on the stack when post returns
	assert.Equal(t, 1, e.Stats().PendingTeardown)

	require.NoError(t, e.EndFrame())
	assert.Zero(t, e.Stats().PendingTeardown)
	assert.Equal(t, prologue64, f.at(fnAddr, len(prologue64)))
	assert.Zero(t, f.alloc.Live())
}

var errStuck = errors.New("page is read only")

// stuckPatcher patches through the inline patcher, but its redirections
// refuse to come off while fails is positive.
type stuckPatcher struct {
	p     Patcher
	fails int
}

func (s *stuckPatcher) Patch(target, bridge, cell uintptr) (Redirection, error) {
	r, err := s.p.Patch(target, bridge, cell)
	if err != nil {
		return nil, err
	}
	return stuckRedirection{r, s}, nil
}

type stuckRedirection struct {
	r Redirection
	s *stuckPatcher
}

func (r stuckRedirection) Remove() error {
	if r.s.fails > 0 {
		r.s.fails--
		return errStuck
	}
	return r.r.Remove()
}

func TestNativeRemoveFailureKeepsBridge(t *testing.T) {
	f := newNative(t, prologue64)
	noProtect := inline.WithProtect(func(uintptr, uintptr, bool) error { return nil })
	sp := &stuckPatcher{p: InlinePatcher(inline.New(64, f.mem, f.alloc, noProtect))}
	e := newEngine(t, WithMemory(f.mem), WithAllocator(f.alloc), WithNativeEntry(preEntry, postEntry), WithPatcher(sp))

	cb, err := e.Hook(addSetup(t, e), fnAddr, Pre, result(Ignored))
	require.NoError(t, err)
	live := f.alloc.Live()
	require.NotZero(t, live)
	d, _ := e.Detour(fnAddr)

	sp.fails = 2
	assert.ErrorIs(t, d.RemoveCallback(cb), errStuck)
	// the target still jumps into the bridge, so nothing is freed
	assert.Equal(t, byte(0xe9), f.at(fnAddr, 1)[0])
	assert.Equal(t, live, f.alloc.Live())
	st := e.Stats()
	assert.Equal(t, 1, st.Bridges)
	assert.Equal(t, 1, st.PendingTeardown)

	assert.ErrorIs(t, e.EndFrame(), errStuck)
	assert.Equal(t, live, f.alloc.Live())
	assert.Equal(t, 1, e.Stats().PendingTeardown)

	require.NoError(t, e.EndFrame())
	assert.Equal(t, prologue64, f.at(fnAddr, len(prologue64)))
	assert.Zero(t, f.alloc.Live())
	st = e.Stats()
	assert.Zero(t, st.Bridges)
	assert.Zero(t, st.PendingTeardown)
}

func TestNativeInstallFailure(t *testing.T) {
	// call rel32 cannot be moved
	f := newNative(t, []byte{0xe8, 0x10, 0x00, 0x00, 0x00, 0x90, 0xc3})
	e := f.e
	d, err := e.InstallDetour(addSetup(t, e), fnAddr)
	require.NoError(t, err)
	_, err = d.AddCallback(Pre, result(Ignored))
	assert.ErrorIs(t, err, inline.ErrRelativeAddr)
	assert.False(t, d.Installed())
	assert.Zero(t, d.NumCallbacks(Pre))
	assert.Zero(t, f.alloc.Live())
	st := e.Stats()
	assert.Zero(t, st.Bridges)
	assert.Zero(t, st.Callbacks)
	assert.Equal(t, byte(0xe8), f.at(fnAddr, 1)[0])
}

func TestNativeABIMismatch(t *testing.T) {
	f := newNative(t, prologue64)
	s, err := NewSetup(ReturnType{Type: Int}, CDecl, ThisIgnore, WithABI(X86))
	require.NoError(t, err)
	_, err = f.e.Hook(s, fnAddr, Pre, result(Ignored))
	assert.ErrorIs(t, err, ErrIncompatibleConvention)
	assert.Zero(t, f.alloc.Live())
}

func TestHandleNativeUnknown(t *testing.T) {
	f := newNative(t, prologue64)
	e := f.e
	assert.Equal(t, Ignored, e.HandleNative(Pre, 42, 0))

	_, err := e.Hook(addSetup(t, e), fnAddr, Pre, result(Supersede))
	require.NoError(t, err)
	d, _ := e.Detour(fnAddr)
	b := d.c.bridge
	f.enter(t, b, 1, 1)
	assert.Equal(t, Ignored, e.HandleNative(Pre, b.id, b.save+8))
	assert.Equal(t, uintptr(retAddr), f.ptr(t, nativeSP))
	assert.Equal(t, uint64(2), e.Stats().Diagnostics)
}

func TestNativeVirtualHook(t *testing.T) {
	f := newNative(t, prologue64)
	e := f.e
	s := methodSetup(t, e)
	calls := 0
	entry, err := e.HookVirtual(s, objAddr, 2, Pre, func(ctx *Context) (Result, error) {
		calls++
		return Ignored, nil
	})
	require.NoError(t, err)

	sh := entry.sh
	b := sh.c.bridge
	require.NotNil(t, b)
	assert.Equal(t, b.block.Code, f.ptr(t, vtableAddr+16))
	cell := b.block.Data + uintptr(b.frame.Regs.Size())
	assert.Equal(t, uintptr(methodAddr+0x20), f.ptr(t, cell))

	f.enter(t, b, 0, 7)
	require.NoError(t, b.frame.Regs.SetUint(convention.RDI, objAddr))
	e.HandleNative(Pre, b.id, b.save)
	e.HandleNative(Post, b.id, b.save)
	assert.Equal(t, 1, calls)

	require.NoError(t, e.RemoveHook(entry))
	assert.Equal(t, uintptr(methodAddr+0x20), f.ptr(t, vtableAddr+16))
	assert.Zero(t, f.alloc.Live())
}

func TestNativeCloseUnpatches(t *testing.T) {
	f := newNative(t, prologue64)
	e := f.e
	_, err := e.Hook(addSetup(t, e), fnAddr, Pre, result(Ignored))
	require.NoError(t, err)
	_, err = e.HookVirtual(methodSetup(t, e), objAddr, 1, Post, result(Ignored))
	require.NoError(t, err)

	require.NoError(t, e.Close())
	assert.Equal(t, prologue64, f.at(fnAddr, len(prologue64)))
	assert.Equal(t, uintptr(methodAddr+0x10), f.ptr(t, vtableAddr+8))
	assert.Zero(t, f.alloc.Live())
}
