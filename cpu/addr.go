// Package cpu provides the low-level, host-CPU-facing primitives the rest
// of vmcore is built on: physical/virtual address newtypes, CPUID feature
// probing, and reads of the launching process's descriptor-table state.
package cpu

import "fmt"

// PhysAddr is an opaque physical address. It is never dereferenced directly
// by Go code; it identifies an offset into guest memory or a host mmap
// region.
type PhysAddr uint64

// VirtAddr is an opaque virtual address, as seen by the process that
// constructed it (the vmcore host process, or the guest, depending on
// context).
type VirtAddr uint64

func (p PhysAddr) String() string { return fmt.Sprintf("phys:%#x", uint64(p)) }
func (v VirtAddr) String() string { return fmt.Sprintf("virt:%#x", uint64(v)) }

// PhysOf converts a VirtAddr to a PhysAddr using the signed vmm_phys_offset
// handed off by the loader, per spec §3: virt_to_phys(v) = v + offset. This
// identity only holds for the hypervisor's own image/heap region; it is not
// valid for arbitrary guest addresses, which must instead go through
// ept.Walk.
func PhysOf(v VirtAddr, offset int64) PhysAddr {
	return PhysAddr(int64(v) + offset)
}
