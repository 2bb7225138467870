package convention

import "errors"

var (
	// ErrUnknownType means a descriptor names a type the adapter cannot marshal
	ErrUnknownType = errors.New("unknown data type")
	// ErrVoidParam means void was used as a parameter type
	ErrVoidParam = errors.New("void parameter")
	// ErrInvalidSize means the declared size does not fit the type
	ErrInvalidSize = errors.New("invalid size")
	// ErrZeroSizeObject means an object was declared without a size
	ErrZeroSizeObject = errors.New("object without size")
	// ErrUnknownABI means the calling convention family is not supported
	ErrUnknownABI = errors.New("unknown abi")
	// ErrUnknownKind means the calling convention is not supported
	ErrUnknownKind = errors.New("unknown calling convention")
	// ErrUnsupportedRegister means the register cannot carry an argument under the abi
	ErrUnsupportedRegister = errors.New("unsupported register")
	// ErrReservedRegister means the register is used by the interception machinery
	ErrReservedRegister = errors.New("reserved register")
	// ErrRegisterInUse means two arguments claim the same register
	ErrRegisterInUse = errors.New("register already in use")
	// ErrRegisterTooSmall means the argument does not fit its register
	ErrRegisterTooSmall = errors.New("argument larger than register")
	// ErrIndex means an argument index is out of range
	ErrIndex = errors.New("argument index out of range")
	// ErrNotSaved means the frame does not carry the requested register
	ErrNotSaved = errors.New("register not saved in frame")
	// ErrNoReceiver means the convention has no implicit receiver
	ErrNoReceiver = errors.New("convention has no receiver")
	// ErrOutOfBounds means a memory access fell outside the mapped range
	ErrOutOfBounds = errors.New("memory access out of bounds")
	// ErrNullAddress means a zero address was dereferenced
	ErrNullAddress = errors.New("null address")
)
