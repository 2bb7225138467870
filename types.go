package dynhook

import "github.com/k2io/dynhook/internal/convention"

// DataType is the semantic type of a parameter or return value.
type DataType = convention.DataType

const (
	Void    = convention.Void
	Int     = convention.Int
	Bool    = convention.Bool
	Float   = convention.Float
	Pointer = convention.Pointer
	Object  = convention.Object
)

// ParseDataType maps a type name such as "int" or "pointer" to a DataType.
func ParseDataType(s string) (DataType, error) { return convention.ParseDataType(s) }

// PassMode tells whether an argument is passed by value or by reference.
type PassMode = convention.PassMode

const (
	ByValue = convention.ByValue
	ByRef   = convention.ByRef
)

// ABI is a platform calling convention family.
type ABI = convention.ABI

const (
	X86   = convention.X86
	SysV  = convention.SysV
	Win64 = convention.Win64
)

// HostABI returns the ABI of the running process.
func HostABI() ABI { return convention.HostABI() }

// ParseABI maps a name such as "sysv" to an ABI.
func ParseABI(s string) (ABI, error) { return convention.ParseABI(s) }

// CallConv is the declared calling convention of a function.
type CallConv = convention.Kind

const (
	CDecl    = convention.CDecl
	StdCall  = convention.StdCall
	ThisCall = convention.ThisCall
	FastCall = convention.FastCall
)

// ParseCallConv maps a name such as "thiscall" to a CallConv.
func ParseCallConv(s string) (CallConv, error) { return convention.ParseKind(s) }

// Register names a CPU register an argument can be pinned to.
type Register = convention.Register

// NoRegister leaves the argument where the convention puts it.
const NoRegister = convention.None

// ParseRegister maps a register name such as "ecx" or "xmm1" to a Register.
func ParseRegister(s string) (Register, error) { return convention.ParseRegister(s) }

// Layout is the placement of the arguments of a function.
type Layout = convention.Layout

// Frame is the live state of an intercepted call.
type Frame = convention.Frame

// Memory is an address space holding hooked code, stacks and save areas.
type Memory = convention.Memory

// Registers is a register save area.
type Registers = convention.Registers

// Buffer is a Memory backed by a byte slice, for emulated address spaces.
type Buffer = convention.Buffer

// ProcessMemory is the memory of the current process.
type ProcessMemory = convention.ProcessMemory

// NewBuffer returns a zeroed Buffer of size bytes mapped at base.
func NewBuffer(base uintptr, size int) *Buffer { return convention.NewBuffer(base, size) }

// Phase is pre-call or post-call relative to the original function.
type Phase int

const (
	Pre Phase = iota
	Post
)

func (p Phase) String() string {
	if p == Post {
		return "post"
	}
	return "pre"
}

// ThisPolicy selects how the receiver of a thiscall function is exposed.
type ThisPolicy int

const (
	// ThisIgnore hides the receiver from callbacks.
	ThisIgnore ThisPolicy = iota
	// ThisAddress exposes the receiver as an opaque address.
	ThisAddress
)

// HookID identifies a callback registration.
type HookID int
