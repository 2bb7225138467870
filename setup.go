package dynhook

import (
	"fmt"
	"slices"
	"sync"

	"github.com/k2io/dynhook/internal/convention"
)

// ReturnType describes the return value of a hooked function. Size zero
// selects the default size of Type.
type ReturnType struct {
	Type DataType
	Size int
}

// Setup describes the signature of a function to hook. Parameters are added
// one at a time; each addition is validated against the calling convention
// right away. A Setup is frozen once a hook is installed with it.
type Setup struct {
	mu      sync.Mutex
	abi     ABI
	conv    CallConv
	this    ThisPolicy
	ret     convention.Return
	params  []convention.Param
	adapter *convention.Adapter
	frozen  bool
}

// SetupOption configures a Setup.
type SetupOption func(*Setup)

// WithABI selects the ABI family. The default is the ABI of the process.
func WithABI(abi ABI) SetupOption {
	return func(s *Setup) { s.abi = abi }
}

// NewSetup starts a hook descriptor for a function returning ret.
func NewSetup(ret ReturnType, conv CallConv, this ThisPolicy, opts ...SetupOption) (*Setup, error) {
	s := &Setup{
		abi:  convention.HostABI(),
		conv: conv,
		this: this,
		ret:  convention.Return{Type: ret.Type, Size: ret.Size},
	}
	for _, o := range opts {
		o(s)
	}
	if this == ThisAddress && conv != ThisCall {
		return nil, fmt.Errorf("%w: %s functions have no receiver", ErrNoReceiver, conv)
	}
	a, err := convention.New(s.abi, s.conv, nil, s.ret)
	if err != nil {
		return nil, err
	}
	s.adapter = a
	return s, nil
}

// AddParam appends a parameter. A zero size selects the default size of t;
// reg pins the argument to a register, NoRegister keeps the convention's
// placement. A rejected parameter leaves the setup unchanged.
func (s *Setup) AddParam(t DataType, size int, pass PassMode, reg Register) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrSetupInUse
	}
	params := append(slices.Clone(s.params), convention.Param{Type: t, Size: size, Pass: pass, Register: reg})
	a, err := convention.New(s.abi, s.conv, params, s.ret)
	if err != nil {
		return fmt.Errorf("parameter %d: %w", len(s.params), err)
	}
	s.params = params
	s.adapter = a
	return nil
}

// NumParams is the number of explicit parameters.
func (s *Setup) NumParams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.params)
}

// ABI returns the ABI family of the setup.
func (s *Setup) ABI() ABI { return s.abi }

// CallConv returns the declared calling convention.
func (s *Setup) CallConv() CallConv { return s.conv }

// This returns the receiver policy.
func (s *Setup) This() ThisPolicy { return s.this }

// Layout returns the argument placement computed for the current parameters.
func (s *Setup) Layout() Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter.Layout()
}

func (s *Setup) current() *convention.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter
}

// NewFrame allocates a register save area for the setup's function and binds
// it to mem, for driving a hook from Go.
func (s *Setup) NewFrame(mem Memory) (*Frame, error) {
	a := s.current()
	regs, err := convention.NewRegisters(a.ABI(), a.SavedRegisters())
	if err != nil {
		return nil, err
	}
	return &Frame{Regs: regs, Mem: mem}, nil
}

func (s *Setup) freeze() *convention.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
	return s.adapter
}

// sameSignature reports whether two setups describe the same native
// signature. The receiver policy is per callback and does not count.
func (s *Setup) sameSignature(o *Setup) bool {
	if s == o {
		return true
	}
	s.mu.Lock()
	a, ap, ar := s.abi, slices.Clone(s.params), s.ret
	conv := s.conv
	s.mu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	return a == o.abi && conv == o.conv && ar == o.ret && slices.Equal(ap, o.params)
}
