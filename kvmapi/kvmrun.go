package kvmapi

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RunData mirrors the fixed-size prefix of struct kvm_run that every exit
// reason shares; the exit-specific union members (io, mmio, ...) start at
// byte 32 and are reached through the Data array, the same approach
// gokvm's RunData takes, since Go has no native union type.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO unpacks the kvm_run.io union member out of Data, per the kernel's
// struct kvm_run layout: direction, size, port, count, then the data
// buffer offset (relative to the start of the kvm_run page).
func (r *RunData) IO() (direction, size, port, count, dataOffset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	dataOffset = r.Data[1]

	return direction, size, port, count, dataOffset
}

// MmapRun mmaps the shared kvm_run page for a vCPU fd. size must come from
// VCPUMmapSize; the kernel, not sizeof(RunData), governs the real size
// because per-arch union members can grow across kernel versions.
func MmapRun(vcpuFD int, size int) (*RunData, []byte, error) {
	mem, err := unix.Mmap(vcpuFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("kvmapi: mmap kvm_run: %w", err)
	}

	return (*RunData)(unsafe.Pointer(&mem[0])), mem, nil
}

// UnmapRun releases a MmapRun mapping.
func UnmapRun(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("kvmapi: munmap kvm_run: %w", err)
	}

	return nil
}

// KVM_EXIT_* reason codes, from the subset relevant to spec §4.E's
// dispatch table (exitreason.FromKVM translates these into the package's
// own Reason enum so call sites never touch raw kernel integers).
const (
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitSetTPR        = 11
	ExitTPRAccess     = 12
	ExitInternalError = 17
)
