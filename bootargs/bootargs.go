// Package bootargs models the handoff record a bootloader would pass to
// vmm_main, and the process-wide, write-once cell it is published into
// (spec §3, §6, §9 "process-wide mutable state").
package bootargs

import (
	"errors"
	"sync"
)

// BootArgs is the handoff record described in spec §6, field-for-field.
// In this KVM-hosted redesign it is constructed by the vmcore library's
// caller (the out-of-scope launcher) instead of a UEFI bootloader, but its
// shape and lifecycle — created once, stored once, read many times,
// never mutated — are unchanged.
type BootArgs struct {
	// UEFICR3 and UEFICR3Flags are the loader's CR3 at the moment it
	// handed control to vmcore, kept only so a (currently unimplemented)
	// teardown path could restore it.
	UEFICR3      uint64
	UEFICR3Flags uint64

	// VMMPhysOffset is the signed delta such that virt_to_phys(v) = v +
	// VMMPhysOffset, valid only for vmcore's own image/heap region.
	VMMPhysOffset int64

	// MemorySize is the total physical RAM, in bytes, that the EPT/guest
	// page tables must identity-map.
	MemorySize uint64

	// UEFIWriteChar and UEFIOutput are optional opaque firmware text-output
	// hooks; either may be zero. vmcore never calls them directly — they
	// exist purely as part of the handoff contract — logging instead goes
	// through logrus (see machine package).
	UEFIWriteChar uintptr
	UEFIOutput    uintptr
}

var (
	cell      BootArgs
	once      sync.Once
	sealed    bool
	mu        sync.Mutex
	published bool
)

// ErrAlreadyPublished is returned by Publish if called more than once:
// BootArgs is created once by the loader and must never be mutated
// afterward.
var ErrAlreadyPublished = errors.New("bootargs: already published")

// ErrNotPublished is returned by Get before Publish has run.
var ErrNotPublished = errors.New("bootargs: not yet published")

// Publish stores args into the process-wide cell. It is meant to be called
// exactly once, immediately after entry, matching spec §5's "BOOT_ARGS is a
// process-wide atomic cell written once at startup and read thereafter."
func Publish(args BootArgs) error {
	mu.Lock()
	defer mu.Unlock()

	if published {
		return ErrAlreadyPublished
	}

	once.Do(func() {
		cell = args
		sealed = true
		published = true
	})

	return nil
}

// Get returns the published BootArgs, or ErrNotPublished if Publish has not
// run yet.
func Get() (BootArgs, error) {
	mu.Lock()
	defer mu.Unlock()

	if !sealed {
		return BootArgs{}, ErrNotPublished
	}

	return cell, nil
}
