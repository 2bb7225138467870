package dynhook

import (
	"errors"

	"github.com/k2io/dynhook/internal/convention"
	"github.com/k2io/dynhook/internal/inline"
	"github.com/k2io/dynhook/internal/trampoline"
)

var (
	// ErrDetourDestroyed means the detour lost its last callback
	ErrDetourDestroyed = errors.New("detour destroyed")
	// ErrIncompatibleConvention means the target is already hooked with another signature
	ErrIncompatibleConvention = errors.New("target hooked with an incompatible convention")
	// ErrCallbackNotFound means the callback is not registered
	ErrCallbackNotFound = errors.New("callback not registered")
	// ErrHookNotFound means no hook has that id
	ErrHookNotFound = errors.New("hook not found")
	// ErrSetupInUse means the setup already backs a hook
	ErrSetupInUse = errors.New("setup already used by a hook")
	// ErrNoReturnValue means the return value is not available in this context
	ErrNoReturnValue = errors.New("return value not available")
	// ErrNotPointer means the parameter is not pointer-like
	ErrNotPointer = errors.New("parameter is not a pointer")
	// ErrTypeMismatch means a typed accessor does not match the parameter type
	ErrTypeMismatch = errors.New("parameter type mismatch")
	// ErrThisIgnored means the receiver is not exposed to the callback
	ErrThisIgnored = errors.New("receiver not exposed")
	// ErrNilHandler means a callback without a handler
	ErrNilHandler = errors.New("nil handler")
	// ErrClosed means the engine was closed
	ErrClosed = errors.New("engine closed")
	// ErrNoSlotPatcher means virtual hooks need a slot patcher in native mode
	ErrNoSlotPatcher = errors.New("no slot patcher configured")
	// ErrWrongThread means a call on a thread other than the main thread
	ErrWrongThread = errors.New("call off the main thread")
)

// Descriptor errors.
var (
	ErrUnknownType         = convention.ErrUnknownType
	ErrVoidParam           = convention.ErrVoidParam
	ErrInvalidSize         = convention.ErrInvalidSize
	ErrZeroSizeObject      = convention.ErrZeroSizeObject
	ErrUnknownABI          = convention.ErrUnknownABI
	ErrUnknownKind         = convention.ErrUnknownKind
	ErrUnsupportedRegister = convention.ErrUnsupportedRegister
	ErrReservedRegister    = convention.ErrReservedRegister
	ErrRegisterInUse       = convention.ErrRegisterInUse
	ErrRegisterTooSmall    = convention.ErrRegisterTooSmall
	ErrIndex               = convention.ErrIndex
	ErrNoReceiver          = convention.ErrNoReceiver
)

// Memory errors.
var (
	ErrOutOfBounds = convention.ErrOutOfBounds
	ErrNullAddress = convention.ErrNullAddress
	ErrNotSaved    = convention.ErrNotSaved
)

// Installation errors.
var (
	ErrDoubleHook   = inline.ErrDoubleHook
	ErrRelativeAddr = inline.ErrRelativeAddr
	ErrAlloc        = trampoline.ErrAlloc
)
