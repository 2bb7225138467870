// Package vtable swaps virtual table slots in place.
//
// Instances of one class share a table, so several redirects can target the
// same slot. They form a chain: the slot points at the newest redirect, and
// each redirect's cell holds what the slot held before it was installed.
// Removing a redirect from the middle relinks the cell of the one above it.
package vtable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/k2io/dynhook/internal/convention"
)

var (
	// ErrNullTable means the instance has no virtual table pointer
	ErrNullTable = errors.New("null vtable")
	// ErrRemoved means the redirect was already removed
	ErrRemoved = errors.New("redirect already removed")
	// ErrSlot means a negative slot index
	ErrSlot = errors.New("invalid slot")
)

// ProtectFunc makes the memory around a slot writable, or read only again.
type ProtectFunc func(addr, size uintptr, writable bool) error

// Redirect is one installed slot redirection.
type Redirect struct {
	p        *Patcher
	Instance uintptr
	Slot     int
	// Addr is the address of the slot in the table.
	Addr   uintptr
	Target uintptr
	cell   uintptr
	done   bool
}

// Remove unlinks the redirect from its slot.
func (r *Redirect) Remove() error { return r.p.remove(r) }

// Patcher tracks redirects per slot address.
type Patcher struct {
	mu      sync.Mutex
	mem     convention.Memory
	ptr     int
	protect ProtectFunc
	chains  map[uintptr][]*Redirect
}

// New returns a Patcher for tables of ptrSize byte entries. A nil protect
// leaves page protection alone.
func New(mem convention.Memory, ptrSize int, protect ProtectFunc) *Patcher {
	if protect == nil {
		protect = func(uintptr, uintptr, bool) error { return nil }
	}
	return &Patcher{mem: mem, ptr: ptrSize, protect: protect, chains: make(map[uintptr][]*Redirect)}
}

// SlotAddr returns the address of slot in the table of instance.
func (p *Patcher) SlotAddr(instance uintptr, slot int) (uintptr, error) {
	if slot < 0 {
		return 0, fmt.Errorf("%w: %d", ErrSlot, slot)
	}
	table, err := convention.ReadPtr(p.mem, instance, p.ptr)
	if err != nil {
		return 0, err
	}
	if table == 0 {
		return 0, fmt.Errorf("%w: instance %#x", ErrNullTable, instance)
	}
	return table + uintptr(slot*p.ptr), nil
}

// Redirect points slot of instance at target. The previous slot value is
// stored in cell, so calling through cell reaches the original method.
func (p *Patcher) Redirect(instance uintptr, slot int, target, cell uintptr) (*Redirect, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, err := p.SlotAddr(instance, slot)
	if err != nil {
		return nil, err
	}
	prev, err := convention.ReadPtr(p.mem, addr, p.ptr)
	if err != nil {
		return nil, err
	}
	if err := convention.WritePtr(p.mem, cell, p.ptr, prev); err != nil {
		return nil, err
	}
	if err := p.writeSlot(addr, target); err != nil {
		return nil, err
	}
	r := &Redirect{p: p, Instance: instance, Slot: slot, Addr: addr, Target: target, cell: cell}
	p.chains[addr] = append(p.chains[addr], r)
	return r, nil
}

// Depth is the number of redirects on the slot at addr.
func (p *Patcher) Depth(addr uintptr) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chains[addr])
}

func (p *Patcher) remove(r *Redirect) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.done {
		return ErrRemoved
	}
	chain := p.chains[r.Addr]
	i := -1
	for j, c := range chain {
		if c == r {
			i = j
			break
		}
	}
	if i < 0 {
		return ErrRemoved
	}
	prev, err := convention.ReadPtr(p.mem, r.cell, p.ptr)
	if err != nil {
		return err
	}
	if i == len(chain)-1 {
		err = p.writeSlot(r.Addr, prev)
	} else {
		err = convention.WritePtr(p.mem, chain[i+1].cell, p.ptr, prev)
	}
	if err != nil {
		return err
	}
	chain = append(chain[:i], chain[i+1:]...)
	if len(chain) == 0 {
		delete(p.chains, r.Addr)
	} else {
		p.chains[r.Addr] = chain
	}
	r.done = true
	return nil
}

func (p *Patcher) writeSlot(addr, v uintptr) error {
	if err := p.protect(addr, uintptr(p.ptr), true); err != nil {
		return fmt.Errorf("unprotect slot %#x: %w", addr, err)
	}
	err := convention.WritePtr(p.mem, addr, p.ptr, v)
	if perr := p.protect(addr, uintptr(p.ptr), false); perr != nil && err == nil {
		err = fmt.Errorf("reprotect slot %#x: %w", addr, perr)
	}
	return err
}
