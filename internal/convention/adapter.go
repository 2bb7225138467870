package convention

import "fmt"

var (
	sysvInt   = []Register{RDI, RSI, RDX, RCX, R8, R9}
	sysvFloat = []Register{XMM0, XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7}
	win64Int  = []Register{RCX, RDX, R8, R9}
	x86Fast   = []Register{ECX, EDX}
)

// ArgSlot is the location of one argument.
type ArgSlot struct {
	// Register is None when the argument lives on the stack.
	Register Register
	// Stack is the byte offset from the stack pointer at function entry.
	Stack int
	// Offset is the position of the argument in the canonical buffer.
	Offset int
	Size   int
}

// Layout is the placement of all arguments of a function. In the canonical
// buffer stack arguments come first, in declaration order, followed by the
// register arguments in declaration order.
type Layout struct {
	StackSize    int
	RegisterSize int
	Args         []ArgSlot
}

// Adapter maps the typed arguments and return value of one function onto
// its call frame.
type Adapter struct {
	abi    ABI
	kind   Kind
	params []Param
	args   []ArgSlot
	ret    Return
	class  ReturnClass

	hidden   *ArgSlot
	receiver *ArgSlot

	stackSize int
	regSize   int
	popSize   int
}

// New computes the layout of a function. Fixed registers that do not fit the
// convention are reported here and never at call time.
func New(abi ABI, kind Kind, params []Param, ret Return) (*Adapter, error) {
	switch abi {
	case X86, SysV, Win64:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownABI, abi)
	}
	if kind > FastCall {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	r, err := normalizeReturn(abi, ret)
	if err != nil {
		return nil, fmt.Errorf("return value: %w", err)
	}
	a := &Adapter{
		abi:    abi,
		kind:   kind,
		ret:    r,
		class:  classify(r),
		params: make([]Param, len(params)),
		args:   make([]ArgSlot, len(params)),
	}
	for i, p := range params {
		np, err := normalizeParam(abi, p)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		a.params[i] = np
	}
	used, err := a.reserveFixed()
	if err != nil {
		return nil, err
	}
	switch abi {
	case X86:
		err = a.layoutX86(used)
	case SysV:
		err = a.layoutSysV(used)
	case Win64:
		err = a.layoutWin64(used)
	}
	if err != nil {
		return nil, err
	}
	a.assignOffsets()
	return a, nil
}

func classify(r Return) ReturnClass {
	switch r.Type {
	case Float:
		return ReturnFloat
	case Object:
		switch r.Size {
		case 1, 2, 4, 8:
			return ReturnScalar
		}
		return ReturnHidden
	}
	return ReturnScalar
}

func (a *Adapter) reserveFixed() (map[Register]bool, error) {
	used := make(map[Register]bool)
	for i, p := range a.params {
		if p.Register == None {
			continue
		}
		if err := a.checkFixed(p); err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		base, _, _ := p.Register.storage(a.abi)
		if used[base] {
			return nil, fmt.Errorf("parameter %d: %w: %s", i, ErrRegisterInUse, p.Register)
		}
		used[base] = true
	}
	return used, nil
}

func (a *Adapter) checkFixed(p Param) error {
	reg := p.Register
	base, _, err := reg.storage(a.abi)
	if err != nil {
		return err
	}
	switch {
	case reg == ST0:
		return fmt.Errorf("%w: %s cannot carry an argument", ErrUnsupportedRegister, reg)
	case base == a.abi.StackPointer():
		return fmt.Errorf("%w: %s", ErrReservedRegister, reg)
	case a.abi != X86 && base == R11:
		// scratch register of the amd64 bridges
		return fmt.Errorf("%w: %s", ErrReservedRegister, reg)
	}
	if n := slotSize(a.abi, p); n > reg.Width() {
		return fmt.Errorf("%w: %d bytes in %s", ErrRegisterTooSmall, n, reg)
	}
	return nil
}

func take(used map[Register]bool, regs []Register) Register {
	for _, r := range regs {
		if !used[r] {
			used[r] = true
			return r
		}
	}
	return None
}

func fixedSlot(p Param) ArgSlot {
	return ArgSlot{Register: p.Register, Size: p.Register.Width()}
}

func (a *Adapter) layoutX86(used map[Register]bool) error {
	stack := 4
	if a.class == ReturnHidden {
		a.hidden = &ArgSlot{Stack: stack, Size: 4}
		stack += 4
	}
	if a.kind == ThisCall {
		if used[ECX] {
			return fmt.Errorf("receiver: %w: ecx", ErrRegisterInUse)
		}
		used[ECX] = true
		a.receiver = &ArgSlot{Register: ECX, Size: 4}
	}
	for i, p := range a.params {
		if p.Register != None {
			a.args[i] = fixedSlot(p)
			continue
		}
		if a.kind == FastCall && intClass(a.abi, p) && slotSize(a.abi, p) <= 4 {
			if r := take(used, x86Fast); r != None {
				a.args[i] = ArgSlot{Register: r, Size: 4}
				continue
			}
		}
		size := align(slotSize(a.abi, p), 4)
		a.args[i] = ArgSlot{Stack: stack, Size: size}
		stack += size
	}
	if a.kind != CDecl {
		a.popSize = stack - 4
	}
	return nil
}

func (a *Adapter) layoutSysV(used map[Register]bool) error {
	if a.class == ReturnHidden {
		r := take(used, sysvInt)
		if r == None {
			return fmt.Errorf("hidden return pointer: %w", ErrRegisterInUse)
		}
		a.hidden = &ArgSlot{Register: r, Size: 8}
	}
	if a.kind == ThisCall {
		r := take(used, sysvInt)
		if r == None {
			return fmt.Errorf("receiver: %w", ErrRegisterInUse)
		}
		a.receiver = &ArgSlot{Register: r, Size: 8}
	}
	stack := 8
	for i, p := range a.params {
		if p.Register != None {
			a.args[i] = fixedSlot(p)
			continue
		}
		r := None
		switch {
		case p.Pass == ByValue && p.Type == Float:
			r = take(used, sysvFloat)
		case intClass(a.abi, p):
			r = take(used, sysvInt)
		}
		if r != None {
			a.args[i] = ArgSlot{Register: r, Size: r.Width()}
			continue
		}
		size := align(slotSize(a.abi, p), 8)
		a.args[i] = ArgSlot{Stack: stack, Size: size}
		stack += size
	}
	return nil
}

func (a *Adapter) layoutWin64(used map[Register]bool) error {
	pos := 0
	next := func(float bool) (ArgSlot, error) {
		defer func() { pos++ }()
		if pos >= len(win64Int) {
			// the caller reserves 32 bytes of shadow space for the register arguments
			return ArgSlot{Stack: 8 + 8*pos, Size: 8}, nil
		}
		r := win64Int[pos]
		if float {
			r = XMM(pos)
		}
		if used[r] {
			return ArgSlot{}, fmt.Errorf("%w: %s", ErrRegisterInUse, r)
		}
		used[r] = true
		return ArgSlot{Register: r, Size: 8}, nil
	}
	if a.kind == ThisCall {
		s, err := next(false)
		if err != nil {
			return fmt.Errorf("receiver: %w", err)
		}
		a.receiver = &s
	}
	if a.class == ReturnHidden {
		s, err := next(false)
		if err != nil {
			return fmt.Errorf("hidden return pointer: %w", err)
		}
		a.hidden = &s
	}
	for i, p := range a.params {
		if p.Register != None {
			a.args[i] = fixedSlot(p)
			continue
		}
		if p.Type == Object && p.Pass == ByValue {
			switch p.Size {
			case 1, 2, 4, 8:
			default:
				a.params[i].Pass = ByRef
			}
		}
		s, err := next(p.Type == Float && a.params[i].Pass == ByValue)
		if err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
		a.args[i] = s
	}
	return nil
}

func (a *Adapter) assignOffsets() {
	off := 0
	for i := range a.args {
		if a.args[i].Register == None {
			a.args[i].Offset = off
			off += a.args[i].Size
		}
	}
	a.stackSize = off
	for i := range a.args {
		if a.args[i].Register != None {
			a.args[i].Offset = off
			off += a.args[i].Size
		}
	}
	a.regSize = off - a.stackSize
}

func (a *Adapter) ABI() ABI                 { return a.abi }
func (a *Adapter) Kind() Kind               { return a.kind }
func (a *Adapter) Return() Return           { return a.ret }
func (a *Adapter) ReturnClass() ReturnClass { return a.class }
func (a *Adapter) NumParams() int           { return len(a.params) }
func (a *Adapter) HasReceiver() bool        { return a.receiver != nil }

// PopSize is the number of argument bytes the callee removes from the stack.
func (a *Adapter) PopSize() int { return a.popSize }

// BufferSize is the size of the canonical argument buffer.
func (a *Adapter) BufferSize() int { return a.stackSize + a.regSize }

// Param returns the normalized descriptor of parameter i.
func (a *Adapter) Param(i int) (Param, error) {
	if i < 0 || i >= len(a.params) {
		return Param{}, fmt.Errorf("%w: %d", ErrIndex, i)
	}
	return a.params[i], nil
}

// Params returns the normalized descriptors.
func (a *Adapter) Params() []Param {
	return append([]Param(nil), a.params...)
}

// Layout returns a copy of the argument layout.
func (a *Adapter) Layout() Layout {
	return Layout{
		StackSize:    a.stackSize,
		RegisterSize: a.regSize,
		Args:         append([]ArgSlot(nil), a.args...),
	}
}

// Segment returns the bytes of argument i inside a canonical buffer.
func (a *Adapter) Segment(i int, buf []byte) []byte {
	s := a.args[i]
	return buf[s.Offset : s.Offset+s.Size : s.Offset+s.Size]
}

func (a *Adapter) returnRegister() Register {
	if a.abi == X86 {
		return EAX
	}
	return RAX
}

// SavedRegisters lists the registers a bridge must save for this function:
// the stack pointer, the return registers and every argument register.
func (a *Adapter) SavedRegisters() []Register {
	regs := []Register{a.abi.StackPointer()}
	if a.abi == X86 {
		regs = append(regs, EAX, EDX, ECX)
		if a.class == ReturnFloat {
			regs = append(regs, ST0)
		}
	} else {
		regs = append(regs, RAX, RDX, XMM0)
	}
	for _, s := range []*ArgSlot{a.receiver, a.hidden} {
		if s != nil && s.Register != None {
			regs = append(regs, s.Register)
		}
	}
	for _, s := range a.args {
		if s.Register != None {
			regs = append(regs, s.Register)
		}
	}
	return regs
}

func (a *Adapter) live(s ArgSlot, f *Frame) ([]byte, error) {
	if s.Register != None {
		b := f.Regs.Bytes(s.Register)
		if b == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotSaved, s.Register)
		}
		return b, nil
	}
	sp, err := f.StackPointer()
	if err != nil {
		return nil, err
	}
	return f.Mem.Bytes(sp+uintptr(s.Stack), s.Size)
}

// Capture copies every argument of the live frame into a new canonical
// buffer. The frame is not modified.
func (a *Adapter) Capture(f *Frame) ([]byte, error) {
	buf := make([]byte, a.BufferSize())
	for i, s := range a.args {
		b, err := a.live(s, f)
		if err != nil {
			return nil, fmt.Errorf("capture parameter %d: %w", i, err)
		}
		copy(buf[s.Offset:s.Offset+s.Size], b)
	}
	return buf, nil
}

// Replay writes argument i from buf back into the live frame.
func (a *Adapter) Replay(i int, buf []byte, f *Frame) error {
	if i < 0 || i >= len(a.args) {
		return fmt.Errorf("%w: %d", ErrIndex, i)
	}
	if len(buf) < a.BufferSize() {
		return fmt.Errorf("%w: buffer is %d bytes, want %d", ErrOutOfBounds, len(buf), a.BufferSize())
	}
	s := a.args[i]
	b, err := a.live(s, f)
	if err != nil {
		return fmt.Errorf("replay parameter %d: %w", i, err)
	}
	copy(b, buf[s.Offset:s.Offset+s.Size])
	return nil
}

// ReplayAll writes every argument from buf back into the live frame.
func (a *Adapter) ReplayAll(buf []byte, f *Frame) error {
	for i := range a.args {
		if err := a.Replay(i, buf, f); err != nil {
			return err
		}
	}
	return nil
}

// Receiver returns the implicit this argument.
func (a *Adapter) Receiver(f *Frame) (uintptr, error) {
	if a.receiver == nil {
		return 0, ErrNoReceiver
	}
	b, err := a.live(*a.receiver, f)
	if err != nil {
		return 0, fmt.Errorf("receiver: %w", err)
	}
	return uintptr(Uint(b[:a.abi.PtrSize()])), nil
}

// MirrorHidden copies the hidden return pointer into the return register,
// where the callee leaves it on return. This makes the return slot
// addressable before and after the original runs.
func (a *Adapter) MirrorHidden(f *Frame) error {
	if a.hidden == nil {
		return nil
	}
	b, err := a.live(*a.hidden, f)
	if err != nil {
		return fmt.Errorf("hidden return pointer: %w", err)
	}
	return f.Regs.SetUint(a.returnRegister(), Uint(b[:a.abi.PtrSize()]))
}

func (a *Adapter) hiddenTarget(f *Frame) ([]byte, error) {
	p, err := f.Regs.Uint(a.returnRegister())
	if err != nil {
		return nil, err
	}
	return f.Mem.Bytes(uintptr(p), a.ret.Size)
}

func (a *Adapter) regBytes(f *Frame, r Register) ([]byte, error) {
	b := f.Regs.Bytes(r)
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotSaved, r)
	}
	return b, nil
}

// ReadReturn returns a copy of the return value held by the frame.
func (a *Adapter) ReadReturn(f *Frame) ([]byte, error) {
	if a.ret.Type == Void {
		return nil, nil
	}
	out := make([]byte, a.ret.Size)
	switch a.class {
	case ReturnHidden:
		b, err := a.hiddenTarget(f)
		if err != nil {
			return nil, err
		}
		copy(out, b)
	case ReturnFloat:
		if a.abi == X86 {
			st, err := a.regBytes(f, ST0)
			if err != nil {
				return nil, err
			}
			PutFloat(out, DecodeFloat(st))
			break
		}
		x, err := a.regBytes(f, XMM0)
		if err != nil {
			return nil, err
		}
		copy(out, x)
	default:
		lo, err := a.regBytes(f, a.returnRegister())
		if err != nil {
			return nil, err
		}
		copy(out, lo)
		if len(out) > len(lo) {
			hi, err := a.regBytes(f, EDX)
			if err != nil {
				return nil, err
			}
			copy(out[len(lo):], hi)
		}
	}
	return out, nil
}

// WriteReturn stores v as the return value of the frame.
func (a *Adapter) WriteReturn(f *Frame, v []byte) error {
	if a.ret.Type == Void {
		return nil
	}
	if len(v) != a.ret.Size {
		return fmt.Errorf("%w: return value is %d bytes, got %d", ErrInvalidSize, a.ret.Size, len(v))
	}
	switch a.class {
	case ReturnHidden:
		b, err := a.hiddenTarget(f)
		if err != nil {
			return err
		}
		copy(b, v)
	case ReturnFloat:
		if a.abi == X86 {
			st, err := a.regBytes(f, ST0)
			if err != nil {
				return err
			}
			PutFloat(st, DecodeFloat(v))
			break
		}
		x, err := a.regBytes(f, XMM0)
		if err != nil {
			return err
		}
		clear(x)
		copy(x, v)
	default:
		lo, err := a.regBytes(f, a.returnRegister())
		if err != nil {
			return err
		}
		clear(lo)
		copy(lo, v)
		if len(v) > len(lo) {
			hi, err := a.regBytes(f, EDX)
			if err != nil {
				return err
			}
			clear(hi)
			copy(hi, v[len(lo):])
		}
	}
	return nil
}
