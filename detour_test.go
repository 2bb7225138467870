package dynhook

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/dynhook/internal/convention"
)

func returning(r Result, v int64) Handler {
	return func(ctx *Context) (Result, error) {
		if err := ctx.SetReturnInt(v); err != nil {
			return Ignored, err
		}
		return r, nil
	}
}

func result(r Result) Handler {
	return func(*Context) (Result, error) { return r, nil }
}

func TestDecisions(t *testing.T) {
	tests := []struct {
		name     string
		pre      []Handler
		want     Result
		calls    int
		returned int64
	}{
		{"no opinion", []Handler{result(Ignored)}, Ignored, 1, 5},
		{"handled", []Handler{result(Ignored), result(Handled), result(Ignored)}, Handled, 1, 5},
		{"override runs the body", []Handler{returning(Override, 99)}, Override, 1, 99},
		{"supersede skips the body", []Handler{returning(Supersede, 99)}, Supersede, 0, 99},
		{"highest wins", []Handler{returning(Override, 1), returning(Supersede, 2), result(Handled)}, Supersede, 0, 2},
		{"last equal wins", []Handler{returning(Override, 1), returning(Override, 2)}, Override, 1, 2},
		{"lower after higher", []Handler{returning(Override, 1), returning(Handled, 2)}, Override, 1, 1},
		{"missing value degrades", []Handler{result(Supersede)}, Ignored, 1, 5},
		{"error discards", []Handler{func(ctx *Context) (Result, error) {
			_ = ctx.SetReturnInt(7)
			return Supersede, errors.New("boom")
		}}, Ignored, 1, 5},
		{"panic discards", []Handler{func(*Context) (Result, error) { panic("boom") }, returning(Override, 3)}, Override, 1, 3},
		{"unknown result", []Handler{result(Result(9))}, Ignored, 1, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			s := addSetup(t, e)
			d, err := e.InstallDetour(s, target)
			require.NoError(t, err)
			for _, h := range tt.pre {
				_, err := d.AddCallback(Pre, h)
				require.NoError(t, err)
			}
			var b body
			f := addFrame(t, s, 2, 3)
			assert.Equal(t, tt.want, d.Invoke(f, b.run))
			assert.Equal(t, tt.calls, b.calls)
			assert.Equal(t, tt.returned, returned(t, s, f))
		})
	}
}

func TestDiagnosticsCounted(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	d, err := e.InstallDetour(s, target)
	require.NoError(t, err)
	_, err = d.AddCallback(Pre, func(*Context) (Result, error) { panic("boom") })
	require.NoError(t, err)
	_, err = d.AddCallback(Pre, func(*Context) (Result, error) { return Ignored, errors.New("boom") })
	require.NoError(t, err)
	_, err = d.AddCallback(Pre, result(Override))
	require.NoError(t, err)

	var b body
	d.Invoke(addFrame(t, s, 1, 1), b.run)
	st := e.Stats()
	assert.Equal(t, uint64(3), st.Diagnostics)
	assert.Equal(t, uint64(2), st.HandlerErrors)
	assert.Equal(t, uint64(1), st.Panics)
	assert.Equal(t, uint64(1), st.MissingOverride)
}

func TestPostSeesReturn(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	d, err := e.InstallDetour(s, target)
	require.NoError(t, err)

	var seen, orig int64
	_, err = d.AddCallback(Post, func(ctx *Context) (Result, error) {
		v, err := ctx.ReturnInt()
		seen = v
		return Ignored, err
	})
	require.NoError(t, err)
	_, err = d.AddCallback(Post, func(ctx *Context) (Result, error) {
		b, err := ctx.OriginalReturn()
		require.NoError(t, err)
		orig = int64(int32(b[0]))
		return returning(Override, seen*10)(ctx)
	})
	require.NoError(t, err)

	var b body
	f := addFrame(t, s, 4, 5)
	d.Invoke(f, b.run)
	assert.Equal(t, int64(9), seen)
	assert.Equal(t, int64(9), orig)
	assert.Equal(t, int64(90), returned(t, s, f))
}

func TestOverrideRestoredAfterBody(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	d, err := e.InstallDetour(s, target)
	require.NoError(t, err)
	_, err = d.AddCallback(Pre, returning(Override, 42))
	require.NoError(t, err)
	var post int64
	_, err = d.AddCallback(Post, func(ctx *Context) (Result, error) {
		v, err := ctx.ReturnInt()
		post = v
		return Ignored, err
	})
	require.NoError(t, err)

	var b body
	f := addFrame(t, s, 1, 2)
	assert.Equal(t, Override, d.Invoke(f, b.run))
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, int64(42), post)
	assert.Equal(t, int64(42), returned(t, s, f))
}

func TestChangedParams(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	d, err := e.InstallDetour(s, target)
	require.NoError(t, err)

	// an unchanged result leaves the arguments alone even after a set
	_, err = d.AddCallback(Pre, func(ctx *Context) (Result, error) {
		return Handled, ctx.SetParamInt(0, 1000)
	})
	require.NoError(t, err)
	_, err = d.AddCallback(Pre, func(ctx *Context) (Result, error) {
		v, err := ctx.ParamInt(0)
		require.NoError(t, err)
		assert.Equal(t, int64(10), v)
		return ChangedHandled, ctx.SetParamInt(1, 20)
	})
	require.NoError(t, err)
	var third int64
	_, err = d.AddCallback(Pre, func(ctx *Context) (Result, error) {
		v, err := ctx.ParamInt(1)
		third = v
		return Ignored, err
	})
	require.NoError(t, err)

	var inPost int64
	_, err = d.AddCallback(Post, func(ctx *Context) (Result, error) {
		v, err := ctx.ParamInt(1)
		inPost = v
		return Ignored, err
	})
	require.NoError(t, err)

	var b body
	f := addFrame(t, s, 10, 2)
	assert.Equal(t, Handled, d.Invoke(f, b.run))
	assert.Equal(t, int64(20), third)
	assert.Equal(t, int64(30), returned(t, s, f))
	assert.Equal(t, int64(20), inPost)
}

func TestPostSeesEntryArguments(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	d, err := e.InstallDetour(s, target)
	require.NoError(t, err)

	var first, second int64
	_, err = d.AddCallback(Post, func(ctx *Context) (Result, error) {
		v, err := ctx.ParamInt(0)
		first = v
		if err != nil {
			return Ignored, err
		}
		return ChangedHandled, ctx.SetParamInt(0, 77)
	})
	require.NoError(t, err)
	_, err = d.AddCallback(Post, func(ctx *Context) (Result, error) {
		v, err := ctx.ParamInt(0)
		second = v
		return Ignored, err
	})
	require.NoError(t, err)

	f := addFrame(t, s, 3, 4)
	d.Invoke(f, func(f *Frame) {
		_ = f.Regs.SetUint(convention.RDI, 0xdead)
	})
	assert.Equal(t, int64(3), first)
	assert.Equal(t, int64(77), second)
	// post changes stay in the working copy
	v, err := f.Regs.Uint(convention.RDI)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdead), v)
}

func TestInstallIdempotent(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	d1, err := e.InstallDetour(s, target)
	require.NoError(t, err)
	d2, err := e.InstallDetour(addSetup(t, e), target)
	require.NoError(t, err)
	assert.Same(t, d1, d2)

	_, err = d1.AddCallback(Pre, result(Ignored))
	require.NoError(t, err)
	other, err := e.NewSetup(ReturnType{Type: Void}, CDecl, ThisIgnore)
	require.NoError(t, err)
	_, err = e.InstallDetour(other, target)
	assert.ErrorIs(t, err, ErrIncompatibleConvention)

	_, err = e.InstallDetour(s, 0)
	assert.ErrorIs(t, err, ErrHookNotFound)

	assert.ErrorIs(t, s.AddParam(Int, 0, ByValue, NoRegister), ErrSetupInUse)
}

func TestInstallReplacesUnusedDetour(t *testing.T) {
	e := newEngine(t)
	unused, err := e.InstallDetour(addSetup(t, e), target)
	require.NoError(t, err)

	other, err := e.NewSetup(ReturnType{Type: Void}, CDecl, ThisIgnore)
	require.NoError(t, err)
	d, err := e.InstallDetour(other, target)
	require.NoError(t, err)
	assert.NotSame(t, unused, d)
	assert.True(t, unused.Destroyed())
	_, err = unused.AddCallback(Pre, result(Ignored))
	assert.ErrorIs(t, err, ErrDetourDestroyed)

	got, ok := e.Detour(target)
	require.True(t, ok)
	assert.Same(t, d, got)
	assert.Equal(t, 1, e.Stats().Detours)
	_, err = d.AddCallback(Pre, result(Ignored))
	assert.NoError(t, err)
}

// A callback that calls the hooked function again nests a second
// invocation inside the first; each keeps its own override.
func TestReentrantCall(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	d, err := e.InstallDetour(s, target)
	require.NoError(t, err)

	var b body
	var inner *Frame
	_, err = d.AddCallback(Pre, func(ctx *Context) (Result, error) {
		a, err := ctx.ParamInt(0)
		if err != nil {
			return Ignored, err
		}
		if a == 10 {
			return returning(Override, 200)(ctx)
		}
		nested, err := s.NewFrame(ctx.mem)
		if err != nil {
			return Ignored, err
		}
		_ = nested.Regs.SetUint(convention.RSP, stackTop-0x100)
		_ = nested.Regs.SetUint(convention.RDI, 10)
		_ = nested.Regs.SetUint(convention.RSI, 20)
		d.Invoke(nested, b.run)
		inner = nested
		return returning(Override, 100)(ctx)
	})
	require.NoError(t, err)
	var seen []int64
	_, err = d.AddCallback(Post, func(ctx *Context) (Result, error) {
		v, err := ctx.ReturnInt()
		seen = append(seen, v)
		return Ignored, err
	})
	require.NoError(t, err)

	f := addFrame(t, s, 1, 2)
	assert.Equal(t, Override, d.Invoke(f, b.run))
	assert.Equal(t, 2, b.calls)
	assert.Equal(t, int64(100), returned(t, s, f))
	require.NotNil(t, inner)
	assert.Equal(t, int64(200), returned(t, s, inner))
	// the inner call completes first
	assert.Equal(t, []int64{200, 100}, seen)
	assert.Zero(t, e.Stats().Diagnostics)
}

func TestDetourDestroyedWithLastCallback(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	d, err := e.InstallDetour(s, target)
	require.NoError(t, err)
	assert.False(t, d.Installed())

	var removed []HookID
	onRemove := WithRemoval(func(id HookID) { removed = append(removed, id) })
	a, err := d.AddCallback(Pre, result(Handled), onRemove)
	require.NoError(t, err)
	b, err := d.AddCallback(Post, result(Ignored), onRemove)
	require.NoError(t, err)
	assert.True(t, d.Installed())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 1, d.NumCallbacks(Pre))

	require.NoError(t, d.RemoveCallback(a))
	assert.ErrorIs(t, d.RemoveCallback(a), ErrCallbackNotFound)
	assert.False(t, d.Destroyed())

	require.NoError(t, d.RemoveCallback(b))
	assert.True(t, d.Destroyed())
	assert.Equal(t, []HookID{a.ID(), b.ID()}, removed)
	_, ok := e.Detour(target)
	assert.False(t, ok)

	_, err = d.AddCallback(Pre, result(Handled))
	assert.ErrorIs(t, err, ErrDetourDestroyed)

	d2, err := e.InstallDetour(s, target)
	require.NoError(t, err)
	assert.NotSame(t, d, d2)
	_, err = d2.AddCallback(Pre, result(Handled))
	require.NoError(t, err)
}

func TestRemoveCallbackForeign(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	d1, err := e.InstallDetour(s, target)
	require.NoError(t, err)
	d2, err := e.InstallDetour(s, target+0x100)
	require.NoError(t, err)
	cb, err := d1.AddCallback(Pre, result(Ignored))
	require.NoError(t, err)

	assert.ErrorIs(t, d2.RemoveCallback(cb), ErrCallbackNotFound)
	assert.ErrorIs(t, d2.RemoveCallback(nil), ErrCallbackNotFound)
	_, err = d1.AddCallback(Pre, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestRemoveDuringDispatch(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	d, err := e.InstallDetour(s, target)
	require.NoError(t, err)

	var order []string
	var second *Callback
	removals := 0
	_, err = d.AddCallback(Pre, func(*Context) (Result, error) {
		order = append(order, "first")
		if second != nil {
			require.NoError(t, d.RemoveCallback(second))
		}
		return Ignored, nil
	})
	require.NoError(t, err)
	second, err = d.AddCallback(Pre, func(*Context) (Result, error) {
		order = append(order, "second")
		return Ignored, nil
	}, WithRemoval(func(HookID) { removals++ }))
	require.NoError(t, err)

	var b body
	d.Invoke(addFrame(t, s, 1, 1), b.run)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 1, removals)

	order = nil
	second = nil
	d.Invoke(addFrame(t, s, 1, 1), b.run)
	assert.Equal(t, []string{"first"}, order)
	assert.Equal(t, 1, removals)
}

func TestRemoveLastDuringDispatch(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	d, err := e.InstallDetour(s, target)
	require.NoError(t, err)
	var self *Callback
	self, err = d.AddCallback(Pre, func(*Context) (Result, error) {
		require.NoError(t, d.RemoveCallback(self))
		assert.Equal(t, 1, e.Stats().PendingTeardown)
		return Ignored, nil
	})
	require.NoError(t, err)

	var b body
	d.Invoke(addFrame(t, s, 1, 1), b.run)
	assert.True(t, d.Destroyed())
	assert.Equal(t, 1, b.calls)
	assert.Zero(t, e.Stats().PendingTeardown)
}

func TestRemoveOwner(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	var removed []HookID
	onRemove := WithRemoval(func(id HookID) { removed = append(removed, id) })
	a, err := e.Hook(s, target, Pre, result(Ignored), WithOwner("plugin"), onRemove)
	require.NoError(t, err)
	_, err = e.Hook(s, target, Post, result(Ignored), WithOwner("other"))
	require.NoError(t, err)
	c, err := e.Hook(s, target+0x40, Pre, result(Ignored), WithOwner("plugin"), onRemove)
	require.NoError(t, err)
	assert.Equal(t, "plugin", a.Owner())

	n, err := e.RemoveOwner("plugin")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []HookID{a.ID(), c.ID()}, removed)

	d, ok := e.Detour(target)
	require.True(t, ok)
	assert.True(t, d.Installed())
	_, ok = e.Detour(target + 0x40)
	assert.False(t, ok)

	n, err = e.RemoveOwner("plugin")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseRemovesInRegistrationOrder(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	var removed []HookID
	onRemove := WithRemoval(func(id HookID) { removed = append(removed, id) })
	var want []HookID
	for i := 0; i < 8; i++ {
		phase := Pre
		if i%2 == 1 {
			phase = Post
		}
		cb, err := e.Hook(s, target+uintptr(0x40*(i%3)), phase, result(Ignored), onRemove)
		require.NoError(t, err)
		want = append(want, cb.ID())
	}

	require.NoError(t, e.Close())
	assert.Equal(t, want, removed)
	assert.Zero(t, e.Stats().Callbacks)
}

func TestRemoveHookIDDetour(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	cb, err := e.Hook(s, target, Pre, result(Ignored))
	require.NoError(t, err)
	require.NoError(t, e.RemoveHookID(cb.ID()))
	assert.ErrorIs(t, e.RemoveHookID(cb.ID()), ErrHookNotFound)
	assert.Zero(t, e.Stats().Detours)
}

func TestReturnInterest(t *testing.T) {
	e := newEngine(t)
	s := addSetup(t, e)
	d, err := e.InstallDetour(s, target)
	require.NoError(t, err)
	_, err = d.AddCallback(Post, func(ctx *Context) (Result, error) {
		_, err := ctx.Return()
		assert.ErrorIs(t, err, ErrNoReturnValue)
		assert.ErrorIs(t, ctx.SetReturnInt(1), ErrNoReturnValue)
		return Ignored, nil
	}, WithReturnInterest(false))
	require.NoError(t, err)
	var b body
	d.Invoke(addFrame(t, s, 1, 1), b.run)
	assert.Zero(t, e.Stats().Diagnostics)
}

func TestVoidSupersede(t *testing.T) {
	e := newEngine(t)
	s, err := e.NewSetup(ReturnType{Type: Void}, CDecl, ThisIgnore)
	require.NoError(t, err)
	f, err := s.NewFrame(NewBuffer(stackBase, 0x1000))
	require.NoError(t, err)

	d, err := e.InstallDetour(s, target)
	require.NoError(t, err)
	_, err = d.AddCallback(Pre, result(Supersede))
	require.NoError(t, err)
	calls := 0
	assert.Equal(t, Supersede, d.Invoke(f, func(*Frame) { calls++ }))
	assert.Zero(t, calls)
	assert.Zero(t, e.Stats().MissingOverride)
}
