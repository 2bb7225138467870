package dynhook

import (
	"fmt"
	"math"
	"slices"

	"github.com/k2io/dynhook/internal/convention"
)

// Context is the view a callback gets of one intercepted call. It is only
// valid until the callback returns.
//
// Parameters are read from a copy of the arguments taken when the callback
// was invoked. Setters write into a second buffer and mark the parameter
// changed; a callback must return ChangedHandled or ChangedOverride for the
// changes to reach the call.
type Context struct {
	phase   Phase
	adapter *convention.Adapter
	mem     Memory
	maxStr  int

	orig    []byte
	args    []byte
	changed []bool

	// return value: known in post, settable whenever the hook returns something
	retType    convention.Return
	retKnown   bool
	retAccess  bool
	origRet    []byte
	newRet     []byte
	retChanged bool

	this   uintptr
	thisOK bool
}

func newContext(phase Phase, a *convention.Adapter, mem Memory, args []byte) *Context {
	return &Context{
		phase:   phase,
		adapter: a,
		mem:     mem,
		orig:    args,
		args:    slices.Clone(args),
		changed: make([]bool, a.NumParams()),
		retType: a.Return(),
	}
}

// Phase reports whether the callback runs before or after the original.
func (c *Context) Phase() Phase { return c.phase }

// NumParams is the number of explicit parameters.
func (c *Context) NumParams() int { return c.adapter.NumParams() }

// This returns the receiver of a thiscall function registered with the
// ThisAddress policy.
func (c *Context) This() (uintptr, error) {
	if !c.thisOK {
		return 0, ErrThisIgnored
	}
	return c.this, nil
}

func (c *Context) param(i int, types ...DataType) (convention.Param, error) {
	p, err := c.adapter.Param(i)
	if err != nil {
		return p, err
	}
	if len(types) > 0 && !slices.Contains(types, p.Type) {
		return p, fmt.Errorf("%w: parameter %d is %s", ErrTypeMismatch, i, p.Type)
	}
	return p, nil
}

// value returns the declared bytes of parameter i in the current buffer.
func (c *Context) value(i int, p convention.Param) []byte {
	seg := c.adapter.Segment(i, c.args)
	if p.Pass == ByRef {
		return seg[:c.adapter.ABI().PtrSize()]
	}
	return seg[:p.Size]
}

// set zeroes the slot of parameter i and writes b into it.
func (c *Context) set(i int, b []byte) {
	seg := c.adapter.Segment(i, c.args)
	clear(seg)
	copy(seg, b)
	c.changed[i] = true
}

// Param returns the raw bytes of parameter i. By reference parameters
// yield the pointer.
func (c *Context) Param(i int) ([]byte, error) {
	p, err := c.param(i)
	if err != nil {
		return nil, err
	}
	return slices.Clone(c.value(i, p)), nil
}

// OriginalParam returns parameter i as it was before any callback changed it.
func (c *Context) OriginalParam(i int) ([]byte, error) {
	p, err := c.param(i)
	if err != nil {
		return nil, err
	}
	seg := c.adapter.Segment(i, c.orig)
	if p.Pass == ByRef {
		return slices.Clone(seg[:c.adapter.ABI().PtrSize()]), nil
	}
	return slices.Clone(seg[:p.Size]), nil
}

// SetParam replaces the raw bytes of parameter i.
func (c *Context) SetParam(i int, b []byte) error {
	p, err := c.param(i)
	if err != nil {
		return err
	}
	if n := len(c.value(i, p)); len(b) != n {
		return fmt.Errorf("%w: parameter %d is %d bytes, got %d", ErrInvalidSize, i, n, len(b))
	}
	c.set(i, b)
	return nil
}

// ParamChanged reports whether parameter i was set in this callback.
func (c *Context) ParamChanged(i int) bool {
	return i >= 0 && i < len(c.changed) && c.changed[i]
}

// scalar returns the bytes of a scalar parameter, read through the pointer
// when it is passed by reference.
func (c *Context) scalar(i int, p convention.Param) ([]byte, error) {
	if p.Pass == ByRef {
		return c.deref(i, p)
	}
	return c.value(i, p), nil
}

// store writes a scalar parameter. By reference values land in the
// caller's memory; the pointer itself is left alone.
func (c *Context) store(i int, p convention.Param, b []byte) error {
	if p.Pass == ByRef {
		return c.writeRef(i, p, b)
	}
	c.set(i, b)
	return nil
}

// ParamInt reads an integer parameter, sign extended.
func (c *Context) ParamInt(i int) (int64, error) {
	p, err := c.param(i, Int)
	if err != nil {
		return 0, err
	}
	b, err := c.scalar(i, p)
	if err != nil {
		return 0, err
	}
	return convention.DecodeInt(b), nil
}

// SetParamInt writes an integer parameter, truncated to its size.
func (c *Context) SetParamInt(i int, v int64) error {
	p, err := c.param(i, Int)
	if err != nil {
		return err
	}
	b := make([]byte, p.Size)
	convention.PutUint(b, uint64(v))
	return c.store(i, p, b)
}

// ParamBool reads a boolean parameter.
func (c *Context) ParamBool(i int) (bool, error) {
	p, err := c.param(i, Bool)
	if err != nil {
		return false, err
	}
	b, err := c.scalar(i, p)
	if err != nil {
		return false, err
	}
	return convention.Uint(b) != 0, nil
}

// SetParamBool writes a boolean parameter.
func (c *Context) SetParamBool(i int, v bool) error {
	p, err := c.param(i, Bool)
	if err != nil {
		return err
	}
	b := make([]byte, p.Size)
	if v {
		b[0] = 1
	}
	return c.store(i, p, b)
}

// ParamFloat reads a float or double parameter.
func (c *Context) ParamFloat(i int) (float64, error) {
	p, err := c.param(i, Float)
	if err != nil {
		return 0, err
	}
	b, err := c.scalar(i, p)
	if err != nil {
		return 0, err
	}
	return convention.DecodeFloat(b), nil
}

// SetParamFloat writes a float or double parameter.
func (c *Context) SetParamFloat(i int, v float64) error {
	p, err := c.param(i, Float)
	if err != nil {
		return err
	}
	b := make([]byte, p.Size)
	convention.PutFloat(b, v)
	return c.store(i, p, b)
}

func (c *Context) pointerLike(i int) (convention.Param, error) {
	p, err := c.param(i)
	if err != nil {
		return p, err
	}
	if p.Type != Pointer && p.Pass != ByRef {
		return p, fmt.Errorf("%w: parameter %d is %s", ErrNotPointer, i, p.Type)
	}
	return p, nil
}

// ParamPointer reads a pointer parameter, or the address of a by reference
// parameter.
func (c *Context) ParamPointer(i int) (uintptr, error) {
	p, err := c.pointerLike(i)
	if err != nil {
		return 0, err
	}
	return uintptr(convention.Uint(c.value(i, p))), nil
}

// SetParamPointer replaces a pointer parameter, or the address a by
// reference parameter refers to.
func (c *Context) SetParamPointer(i int, v uintptr) error {
	if _, err := c.pointerLike(i); err != nil {
		return err
	}
	b := make([]byte, c.adapter.ABI().PtrSize())
	convention.PutUint(b, uint64(v))
	c.set(i, b)
	return nil
}

// IsNullParam reports whether a pointer-like parameter is null.
func (c *Context) IsNullParam(i int) (bool, error) {
	v, err := c.ParamPointer(i)
	if err != nil {
		return false, err
	}
	return v == 0, nil
}

// ParamString reads the NUL terminated string a pointer parameter points
// to, up to the configured maximum length.
func (c *Context) ParamString(i int) (string, error) {
	ptr, err := c.ParamPointer(i)
	if err != nil {
		return "", err
	}
	if ptr == 0 {
		return "", fmt.Errorf("parameter %d: %w", i, convention.ErrNullAddress)
	}
	return convention.ReadCString(c.mem, ptr, c.maxStr)
}

func (c *Context) deref(i int, p convention.Param) ([]byte, error) {
	ptr := uintptr(convention.Uint(c.value(i, p)))
	if ptr == 0 {
		return nil, fmt.Errorf("parameter %d: %w", i, convention.ErrNullAddress)
	}
	b, err := c.mem.Bytes(ptr, p.Size)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// writeRef stores b in the memory a by reference parameter points to. The
// object is shared with the caller, so the write is visible at once.
func (c *Context) writeRef(i int, p convention.Param, b []byte) error {
	dst, err := c.deref(i, p)
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// ParamObject returns a copy of an object parameter. By reference objects
// are read through their pointer.
func (c *Context) ParamObject(i int) ([]byte, error) {
	p, err := c.param(i, Object)
	if err != nil {
		return nil, err
	}
	if p.Pass == ByRef {
		b, err := c.deref(i, p)
		return slices.Clone(b), err
	}
	return slices.Clone(c.value(i, p)), nil
}

// SetParamObject replaces an object parameter. By value objects are staged
// like every other parameter; by reference objects are written in place.
func (c *Context) SetParamObject(i int, b []byte) error {
	p, err := c.param(i, Object)
	if err != nil {
		return err
	}
	if len(b) != p.Size {
		return fmt.Errorf("%w: object is %d bytes, got %d", ErrInvalidSize, p.Size, len(b))
	}
	if p.Pass == ByRef {
		return c.writeRef(i, p, b)
	}
	c.set(i, b)
	return nil
}

// Return returns the current return value: the one set by this callback,
// else the value the call returned. Before the original has run only a value
// set by this callback is available.
func (c *Context) Return() ([]byte, error) {
	if !c.retAccess {
		return nil, ErrNoReturnValue
	}
	if c.retChanged {
		return slices.Clone(c.newRet), nil
	}
	if !c.retKnown {
		return nil, fmt.Errorf("%w before the original function ran", ErrNoReturnValue)
	}
	return slices.Clone(c.origRet), nil
}

// OriginalReturn returns the value the call returned, ignoring SetReturn.
func (c *Context) OriginalReturn() ([]byte, error) {
	if !c.retAccess || !c.retKnown {
		return nil, ErrNoReturnValue
	}
	return slices.Clone(c.origRet), nil
}

// SetReturn sets the return value used by Override and Supersede.
func (c *Context) SetReturn(b []byte) error {
	if !c.retAccess {
		return ErrNoReturnValue
	}
	if len(b) != c.retType.Size {
		return fmt.Errorf("%w: return value is %d bytes, got %d", ErrInvalidSize, c.retType.Size, len(b))
	}
	c.newRet = slices.Clone(b)
	c.retChanged = true
	return nil
}

// ReturnChanged reports whether SetReturn was called by this callback.
func (c *Context) ReturnChanged() bool { return c.retChanged }

func (c *Context) retIs(types ...DataType) error {
	if !c.retAccess {
		return ErrNoReturnValue
	}
	if !slices.Contains(types, c.retType.Type) {
		return fmt.Errorf("%w: return value is %s", ErrTypeMismatch, c.retType.Type)
	}
	return nil
}

// ReturnInt reads an integer return value.
func (c *Context) ReturnInt() (int64, error) {
	if err := c.retIs(Int); err != nil {
		return 0, err
	}
	b, err := c.Return()
	if err != nil {
		return 0, err
	}
	return convention.DecodeInt(b), nil
}

// SetReturnInt sets an integer return value.
func (c *Context) SetReturnInt(v int64) error {
	if err := c.retIs(Int); err != nil {
		return err
	}
	b := make([]byte, c.retType.Size)
	convention.PutUint(b, uint64(v))
	return c.SetReturn(b)
}

// ReturnBool reads a boolean return value.
func (c *Context) ReturnBool() (bool, error) {
	if err := c.retIs(Bool); err != nil {
		return false, err
	}
	b, err := c.Return()
	if err != nil {
		return false, err
	}
	return convention.Uint(b) != 0, nil
}

// SetReturnBool sets a boolean return value.
func (c *Context) SetReturnBool(v bool) error {
	if err := c.retIs(Bool); err != nil {
		return err
	}
	b := make([]byte, c.retType.Size)
	if v {
		b[0] = 1
	}
	return c.SetReturn(b)
}

// ReturnFloat reads a float or double return value.
func (c *Context) ReturnFloat() (float64, error) {
	if err := c.retIs(Float); err != nil {
		return math.NaN(), err
	}
	b, err := c.Return()
	if err != nil {
		return math.NaN(), err
	}
	return convention.DecodeFloat(b), nil
}

// SetReturnFloat sets a float or double return value.
func (c *Context) SetReturnFloat(v float64) error {
	if err := c.retIs(Float); err != nil {
		return err
	}
	b := make([]byte, c.retType.Size)
	convention.PutFloat(b, v)
	return c.SetReturn(b)
}

// ReturnPointer reads a pointer return value.
func (c *Context) ReturnPointer() (uintptr, error) {
	if err := c.retIs(Pointer); err != nil {
		return 0, err
	}
	b, err := c.Return()
	if err != nil {
		return 0, err
	}
	return uintptr(convention.Uint(b)), nil
}

// SetReturnPointer sets a pointer return value.
func (c *Context) SetReturnPointer(v uintptr) error {
	if err := c.retIs(Pointer); err != nil {
		return err
	}
	b := make([]byte, c.retType.Size)
	convention.PutUint(b, uint64(v))
	return c.SetReturn(b)
}
