// Package trampoline generates the bridge code that routes an intercepted
// call into the dispatcher and back, and hands out the executable memory it
// runs from.
//
// A bridge consists of two stubs laid out back to back:
//
//	pre:  save the argument registers and the stack pointer into the save
//	      area, call the native pre entry with (hook id, save area), restore
//	      the registers, then either return to the caller (the original is
//	      skipped) or jump through the original-code cell.
//	post: reached when the original returns. Reserve a slot for the real
//	      return address, save the return registers, call the native post
//	      entry, restore, and return through the slot the dispatcher filled.
//
// The dispatcher redirects the caller's return address to the post stub on
// entry, so the original returns into it.
package trampoline

import (
	"errors"
	"fmt"

	"github.com/k2io/dynhook/internal/convention"
)

var (
	// ErrUnsupportedABI means no generator exists for the abi
	ErrUnsupportedABI = errors.New("no bridge generator for abi")
	// ErrAddressRange means an address does not fit the target mode
	ErrAddressRange = errors.New("address out of range")
	// ErrAlloc means executable memory could not be obtained
	ErrAlloc = errors.New("code memory allocation failed")
)

// Spec is the input of one bridge.
type Spec struct {
	HookID uint64
	// SaveArea is the address of the register save area described by Slots.
	SaveArea uint64
	Slots    []convention.Slot
	// Cell holds the address control continues at when the original runs.
	Cell      uint64
	PreEntry  uint64
	PostEntry uint64
	// SkipCode is the pre entry result that skips the original.
	SkipCode int8
	// PopSize is the number of argument bytes the callee pops.
	PopSize int
	Class   convention.ReturnClass
}

// Code is a generated bridge.
type Code struct {
	Bytes []byte
	// PostOffset is the offset of the post stub inside Bytes.
	PostOffset int
}

// Generator emits bridges for one abi.
type Generator interface {
	Emit(s Spec) (Code, error)
	// Mode is the x86asm decoding mode of the emitted code.
	Mode() int
}

// ForABI returns the generator for abi.
func ForABI(abi convention.ABI) (Generator, error) {
	switch abi {
	case convention.X86:
		return x86{}, nil
	case convention.SysV:
		return amd64{}, nil
	case convention.Win64:
		return amd64{win64: true}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedABI, abi)
}

func findSlot(slots []convention.Slot, r convention.Register) (convention.Slot, bool) {
	for _, s := range slots {
		if s.Reg == r {
			return s, true
		}
	}
	return convention.Slot{}, false
}
