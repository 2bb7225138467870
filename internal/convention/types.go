package convention

import (
	"fmt"
	"runtime"
	"strings"
)

// DataType is the semantic type of a parameter or return value.
type DataType uint8

const (
	Void DataType = iota
	Int
	Bool
	Float
	Pointer
	Object
)

var typeNames = [...]string{"void", "int", "bool", "float", "pointer", "object"}

func (t DataType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// ParseDataType maps a type name such as "int" or "pointer" to a DataType.
func ParseDataType(s string) (DataType, error) {
	for i, n := range typeNames {
		if n == strings.ToLower(s) {
			return DataType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// PassMode tells whether an argument is passed by value or by reference.
type PassMode uint8

const (
	ByValue PassMode = iota
	ByRef
)

// Param describes one formal parameter.
type Param struct {
	Type DataType
	// Size is the declared size in bytes. Zero selects the default for Type.
	Size int
	Pass PassMode
	// Register pins the argument to a register instead of the ABI default.
	Register Register
}

// Return describes a return value.
type Return struct {
	Type DataType
	Size int
}

// ReturnClass selects how a return value travels back to the caller.
type ReturnClass uint8

const (
	// ReturnScalar values live in the integer return registers.
	ReturnScalar ReturnClass = iota
	// ReturnFloat values live in XMM0 or ST0.
	ReturnFloat
	// ReturnHidden values are written to memory designated by a hidden pointer.
	ReturnHidden
)

func (c ReturnClass) String() string {
	switch c {
	case ReturnScalar:
		return "scalar"
	case ReturnFloat:
		return "float"
	case ReturnHidden:
		return "hidden"
	}
	return fmt.Sprintf("ReturnClass(%d)", uint8(c))
}

// ABI is the calling convention family of the target.
type ABI uint8

const (
	X86 ABI = iota + 1
	SysV
	Win64
)

func (a ABI) String() string {
	switch a {
	case X86:
		return "x86"
	case SysV:
		return "sysv"
	case Win64:
		return "win64"
	}
	return fmt.Sprintf("ABI(%d)", uint8(a))
}

// PtrSize is the width of a pointer under a.
func (a ABI) PtrSize() int {
	if a == X86 {
		return 4
	}
	return 8
}

// StackPointer is the stack pointer register of a.
func (a ABI) StackPointer() Register {
	if a == X86 {
		return ESP
	}
	return RSP
}

// ParseABI maps a name to an ABI. The empty string selects HostABI.
func ParseABI(s string) (ABI, error) {
	switch strings.ToLower(s) {
	case "":
		return HostABI(), nil
	case "x86", "386", "i386":
		return X86, nil
	case "sysv", "amd64", "x86_64":
		return SysV, nil
	case "win64", "ms64":
		return Win64, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownABI, s)
}

// HostABI returns the ABI of the running process.
func HostABI() ABI {
	switch runtime.GOARCH {
	case "386":
		return X86
	case "amd64":
		if runtime.GOOS == "windows" {
			return Win64
		}
		return SysV
	}
	return 0
}

// Kind is the declared calling convention of a function.
type Kind uint8

const (
	CDecl Kind = iota
	StdCall
	ThisCall
	FastCall
)

func (k Kind) String() string {
	switch k {
	case CDecl:
		return "cdecl"
	case StdCall:
		return "stdcall"
	case ThisCall:
		return "thiscall"
	case FastCall:
		return "fastcall"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a calling convention name to a Kind.
func ParseKind(s string) (Kind, error) {
	for k := CDecl; k <= FastCall; k++ {
		if k.String() == strings.ToLower(s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func normalizeParam(abi ABI, p Param) (Param, error) {
	if p.Pass > ByRef {
		return p, fmt.Errorf("%w: pass mode %d", ErrUnknownType, p.Pass)
	}
	switch p.Type {
	case Void:
		return p, ErrVoidParam
	case Object:
		if p.Size <= 0 {
			return p, ErrZeroSizeObject
		}
		return p, nil
	case Int, Bool, Float, Pointer:
		size, err := scalarSize(abi, p.Type, p.Size)
		p.Size = size
		return p, err
	}
	return p, fmt.Errorf("%w: %s", ErrUnknownType, p.Type)
}

func normalizeReturn(abi ABI, r Return) (Return, error) {
	switch r.Type {
	case Void:
		r.Size = 0
		return r, nil
	case Object:
		if r.Size <= 0 {
			return r, ErrZeroSizeObject
		}
		return r, nil
	case Int, Bool, Float, Pointer:
		size, err := scalarSize(abi, r.Type, r.Size)
		r.Size = size
		return r, err
	}
	return r, fmt.Errorf("%w: %s", ErrUnknownType, r.Type)
}

func scalarSize(abi ABI, t DataType, size int) (int, error) {
	var allowed []int
	switch t {
	case Int:
		if size == 0 {
			size = 4
		}
		allowed = []int{1, 2, 4, 8}
	case Bool:
		if size == 0 {
			size = 1
		}
		allowed = []int{1, 4}
	case Float:
		if size == 0 {
			size = 4
		}
		allowed = []int{4, 8}
	case Pointer:
		if size == 0 {
			size = abi.PtrSize()
		}
		allowed = []int{abi.PtrSize()}
	}
	for _, n := range allowed {
		if n == size {
			return size, nil
		}
	}
	return size, fmt.Errorf("%w: %d bytes for %s", ErrInvalidSize, size, t)
}

// slotSize is the number of bytes p occupies in a frame.
func slotSize(abi ABI, p Param) int {
	if p.Pass == ByRef {
		return abi.PtrSize()
	}
	return p.Size
}

// intClass reports whether p travels in general purpose registers.
func intClass(abi ABI, p Param) bool {
	if p.Pass == ByRef {
		return true
	}
	switch p.Type {
	case Int, Bool, Pointer:
		return true
	case Object:
		return p.Size <= abi.PtrSize()
	}
	return false
}

func align(n, a int) int {
	return (n + a - 1) / a * a
}
