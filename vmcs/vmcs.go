// Package vmcs models the lifecycle spec §4.B assigns to a VMXON region
// and its VMCS: allocate a page, stamp it with the processor's VMCS
// revision identifier, and move it through the
// uninitialized -> cleared -> current -> launched state machine that
// VMCLEAR/VMPTRLD/VMLAUNCH/VMRESUME enforce. On bare VMX this page is
// mapped directly into the VMXON/VMPTRLD instructions; under KVM the
// kernel's kvm_intel module owns the real VMXON/VMCS pages, so Region here
// is a page-aligned buffer of vmcore's own that is never handed to the CPU;
// it tracks the same state machine, giving vmcore's own code the identical
// "did I call things in the right order" guarantees spec §4.B requires.
package vmcs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

// pageSize is the VMXON/VMCS region size the SDM mandates: exactly one
// 4 KiB page (spec §8 Testable Property 2).
const pageSize = 4096

// State is a point in the VMCS lifecycle state machine.
type State int

const (
	// Uninitialized: no revision ID stamped, no VMCLEAR issued yet.
	Uninitialized State = iota
	// Cleared: VMCLEAR has run; the region holds no live CPU state.
	Cleared
	// Current: VMPTRLD has pointed the CPU at this region; VMREAD/VMWRITE
	// now address its fields, but VMLAUNCH has not yet run.
	Current
	// Launched: VMLAUNCH has succeeded; only VMRESUME may run it from here.
	Launched
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Cleared:
		return "cleared"
	case Current:
		return "current"
	case Launched:
		return "launched"
	default:
		return "invalid"
	}
}

// ErrInvalidTransition is returned when a caller drives the state machine
// out of order, e.g. attempting Launch before Load.
var ErrInvalidTransition = errors.New("vmcs: invalid state transition")

// Region is a real 4 KiB, 4 KiB-aligned byte buffer, stamped with the VMCS
// revision identifier in its first dword exactly as a bare VMX build would
// stamp IA32_VMX_BASIC[30:0] into a VMXON/VMCS page before VMPTRLD (spec
// §4.B, §8 Testable Properties 1-2). KVM's kvm_intel module owns the real
// VMXON/VMCS pages the CPU is pointed at; this buffer is never handed to
// VMPTRLD itself, but carries the identical layout and alignment so the
// revision-ID-persistence and page-size/alignment properties are checkable
// against vmcore's own code rather than only against the kernel's.
type Region struct {
	raw   []byte // pageSize + pageSize - 1 bytes, backing storage for page
	page  []byte // pageSize-aligned slice of raw, the region itself
	state State
}

// NewRegion returns an Uninitialized region whose page is 4 KiB-aligned and
// whose first four bytes hold revisionID with the must-be-zero high bit of
// IA32_VMX_BASIC masked off.
func NewRegion(revisionID uint32) *Region {
	raw := make([]byte, pageSize+pageSize-1)
	off := uintptr(pageSize) - uintptr(unsafe.Pointer(&raw[0]))%pageSize
	if off == pageSize {
		off = 0
	}
	page := raw[off : off+pageSize]

	binary.LittleEndian.PutUint32(page[0:4], revisionID&0x7FFFFFFF)

	return &Region{raw: raw, page: page, state: Uninitialized}
}

// Bytes returns the region's 4 KiB-aligned, 4096-byte page.
func (r *Region) Bytes() []byte {
	return r.page
}

// RevisionID returns the value stamped in the region's first dword.
func (r *Region) RevisionID() uint32 {
	return binary.LittleEndian.Uint32(r.page[0:4])
}

// State returns the region's current lifecycle state.
func (r *Region) State() State {
	return r.state
}

// Clear transitions any state -> Cleared, mirroring VMCLEAR:
// a VMCS may be cleared again even after having been launched, to retire
// it or migrate it to another logical CPU.
func (r *Region) Clear() error {
	switch r.state {
	case Uninitialized, Cleared, Current, Launched:
		r.state = Cleared

		return nil
	default:
		return fmt.Errorf("vmcs: clear from %s: %w", r.state, ErrInvalidTransition)
	}
}

// Load transitions Cleared -> Current, mirroring VMPTRLD.
func (r *Region) Load() error {
	if r.state != Cleared {
		return fmt.Errorf("vmcs: load from %s: %w", r.state, ErrInvalidTransition)
	}

	r.state = Current

	return nil
}

// Launch transitions Current -> Launched, mirroring a successful VMLAUNCH.
// It is an error to call Launch twice without an intervening Clear/Load;
// the second entry must go through Resume.
func (r *Region) Launch() error {
	if r.state != Current {
		return fmt.Errorf("vmcs: launch from %s: %w", r.state, ErrInvalidTransition)
	}

	r.state = Launched

	return nil
}

// Resume is a no-op validity check mirroring VMRESUME: it only succeeds
// once the region has already been Launched.
func (r *Region) Resume() error {
	if r.state != Launched {
		return fmt.Errorf("vmcs: resume from %s: %w", r.state, ErrInvalidTransition)
	}

	return nil
}
