// Package kvmapi is the thin ioctl boundary between vmcore and
// /dev/kvm. Every exported function here is a direct translation of one
// KVM_* ioctl (see Documentation/virt/kvm/api.rst in the Linux source):
// this is the substrate spec §4 builds VMXON/VMCS/EPT semantics on top of,
// since the actual VMXON/VMPTRLD/VMLAUNCH instructions can only be issued
// by ring 0, and kvm_intel.ko is the ring-0 driver that issues them on our
// behalf once we describe the vCPU we want through this ioctl surface.
package kvmapi

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers, taken from the kernel's <linux/kvm.h>. Unlike the
// hand-computed placeholders of an ioctl-macro reimplementation, these are
// copied verbatim from a working KVM client so that the values really
// match the _IO/_IOR/_IOW/_IOWR encodings the kernel expects.
const (
	kvmGetAPIVersion       = 44544
	kvmCreateVM            = 44545
	kvmCreateVCPU          = 44609
	kvmRun                 = 44672
	kvmGetVCPUMmapSize     = 44548
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmSetUserMemoryRegion = 1075883590
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48
	kvmCreateIRQChip       = 0xae60
	kvmCreatePIT2          = 0x4040ae77
	kvmGetSupportedCPUID   = 0xc008ae05
	kvmSetCPUID2           = 0x4008ae90
	kvmIRQLine             = 0xc008ae67
	kvmCheckExtension      = 44547
)

// CapUserMemory (KVM_CAP_USER_MEMORY) is an argument to CheckExtension and
// the only capability constant vmcore defines.
const (
	CapUserMemory = 3
)

func ioctl(fd int, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// OpenDevice opens /dev/kvm and returns its fd, matching the kata-containers
// usability probe's first step before issuing KVM_GET_API_VERSION.
func OpenDevice() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("kvmapi: open /dev/kvm: %w", err)
	}

	return fd, nil
}

// APIVersion returns KVM_GET_API_VERSION; a compatible host always reports
// 12 (KVM_API_VERSION from the kernel header).
func APIVersion(kvmFD int) (int, error) {
	v, err := ioctl(kvmFD, kvmGetAPIVersion, 0)
	if err != nil {
		return 0, fmt.Errorf("kvmapi: KVM_GET_API_VERSION: %w", err)
	}

	return int(v), nil
}

// CheckExtension wraps KVM_CHECK_EXTENSION.
func CheckExtension(kvmFD int, cap uintptr) (int, error) {
	v, err := ioctl(kvmFD, kvmCheckExtension, cap)
	if err != nil {
		return 0, fmt.Errorf("kvmapi: KVM_CHECK_EXTENSION: %w", err)
	}

	return int(v), nil
}

// CreateVM wraps KVM_CREATE_VM, producing the per-machine fd that
// SetUserMemoryRegion, CreateVCPU, and the IRQ-chip calls all operate on.
func CreateVM(kvmFD int) (int, error) {
	fd, err := ioctl(kvmFD, kvmCreateVM, 0)
	if err != nil {
		return -1, fmt.Errorf("kvmapi: KVM_CREATE_VM: %w", err)
	}

	return int(fd), nil
}

// CreateVCPU wraps KVM_CREATE_VCPU. vcpuID is the APIC ID; vmcore only ever
// creates vcpuID 0, the boot processor, per spec's single-vCPU scope.
func CreateVCPU(vmFD int, vcpuID int) (int, error) {
	fd, err := ioctl(vmFD, kvmCreateVCPU, uintptr(vcpuID))
	if err != nil {
		return -1, fmt.Errorf("kvmapi: KVM_CREATE_VCPU: %w", err)
	}

	return int(fd), nil
}

// VCPUMmapSize wraps KVM_GET_VCPU_MMAP_SIZE: the size to mmap over a vCPU
// fd to obtain its shared kvm_run page.
func VCPUMmapSize(kvmFD int) (int, error) {
	sz, err := ioctl(kvmFD, kvmGetVCPUMmapSize, 0)
	if err != nil {
		return 0, fmt.Errorf("kvmapi: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	return int(sz), nil
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region: one
// guest-physical-to-host-virtual mapping, the mechanism spec §4.F's EPT
// identity map is ultimately installed through.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetUserMemoryRegion wraps KVM_SET_USER_MEMORY_REGION.
func SetUserMemoryRegion(vmFD int, region *UserspaceMemoryRegion) error {
	if _, err := ioctl(vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region))); err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_USER_MEMORY_REGION slot %d: %w", region.Slot, err)
	}

	return nil
}

// SetTSSAddr wraps KVM_SET_TSS_ADDR, required on Intel hosts before the
// first KVM_RUN: VMX needs a valid TSS region even though the guest this
// core boots never uses task switching.
func SetTSSAddr(vmFD int, addr uint32) error {
	if _, err := ioctl(vmFD, kvmSetTSSAddr, uintptr(addr)); err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_TSS_ADDR: %w", err)
	}

	return nil
}

// SetIdentityMapAddr wraps KVM_SET_IDENTITY_MAP_ADDR, the second piece of
// Intel-host bookkeeping KVM_RUN requires.
func SetIdentityMapAddr(vmFD int, addr uint64) error {
	if _, err := ioctl(vmFD, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr))); err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}

	return nil
}

// CreateIRQChip wraps KVM_CREATE_IRQCHIP.
func CreateIRQChip(vmFD int) error {
	if _, err := ioctl(vmFD, kvmCreateIRQChip, 0); err != nil {
		return fmt.Errorf("kvmapi: KVM_CREATE_IRQCHIP: %w", err)
	}

	return nil
}

// PITConfig mirrors struct kvm_pit_config.
type PITConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 wraps KVM_CREATE_PIT2.
func CreatePIT2(vmFD int) error {
	pit := PITConfig{}
	if _, err := ioctl(vmFD, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit))); err != nil {
		return fmt.Errorf("kvmapi: KVM_CREATE_PIT2: %w", err)
	}

	return nil
}

// IRQLevel mirrors struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine wraps KVM_IRQ_LINE.
func IRQLine(vmFD int, irq uint32, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}
	if _, err := ioctl(vmFD, kvmIRQLine, uintptr(unsafe.Pointer(&l))); err != nil {
		return fmt.Errorf("kvmapi: KVM_IRQ_LINE irq %d: %w", irq, err)
	}

	return nil
}

// Segment mirrors struct kvm_segment: KVM's encoding of a VMCS guest
// segment register, the type spec §4.D's GDT entries are ultimately
// translated into.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// DTable mirrors struct kvm_dtable (GDTR/IDTR).
type DTable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs mirrors struct kvm_sregs: segment registers and the control
// registers (CR0/CR2/CR3/CR4/CR8, EFER) that spec §4.D sets directly in
// the VMCS guest-state area on bare VMX.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             DTable
	IDT             DTable
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// GetSregs wraps KVM_GET_SREGS.
func GetSregs(vcpuFD int) (Sregs, error) {
	var s Sregs
	if _, err := ioctl(vcpuFD, kvmGetSregs, uintptr(unsafe.Pointer(&s))); err != nil {
		return Sregs{}, fmt.Errorf("kvmapi: KVM_GET_SREGS: %w", err)
	}

	return s, nil
}

// SetSregs wraps KVM_SET_SREGS: the privileged CR0/CR3/CR4/GDTR/IDTR/LDTR/TR
// writes spec §4.A marks as ring-0-only go through here instead.
func SetSregs(vcpuFD int, s Sregs) error {
	if _, err := ioctl(vcpuFD, kvmSetSregs, uintptr(unsafe.Pointer(&s))); err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_SREGS: %w", err)
	}

	return nil
}

// Regs mirrors struct kvm_regs: the general-purpose register file spec
// §4.E's VM-exit/VM-entry trampoline saves and restores around every
// VMLAUNCH/VMRESUME.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// GetRegs wraps KVM_GET_REGS.
func GetRegs(vcpuFD int) (Regs, error) {
	var r Regs
	if _, err := ioctl(vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&r))); err != nil {
		return Regs{}, fmt.Errorf("kvmapi: KVM_GET_REGS: %w", err)
	}

	return r, nil
}

// SetRegs wraps KVM_SET_REGS.
func SetRegs(vcpuFD int, r Regs) error {
	if _, err := ioctl(vcpuFD, kvmSetRegs, uintptr(unsafe.Pointer(&r))); err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_REGS: %w", err)
	}

	return nil
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2, one leaf/subleaf result.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// maxCPUIDEntries bounds the fixed array backing struct kvm_cpuid2; 100
// leaves is comfortably above what a modern host CPU reports.
const maxCPUIDEntries = 100

// CPUID2 mirrors struct kvm_cpuid2.
type CPUID2 struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// GetSupportedCPUID wraps KVM_GET_SUPPORTED_CPUID: the host's real CPUID
// table, used as the basis for the leaves vmcore exposes to the guest
// (spec §4.A's supplemented CPUID-leaf virtualization, §4 SUPPLEMENTED
// FEATURES).
func GetSupportedCPUID(kvmFD int) (*CPUID2, error) {
	c := &CPUID2{Nent: maxCPUIDEntries}
	if _, err := ioctl(kvmFD, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(c))); err != nil {
		return nil, fmt.Errorf("kvmapi: KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	return c, nil
}

// SetCPUID2 wraps KVM_SET_CPUID2.
func SetCPUID2(vcpuFD int, c *CPUID2) error {
	if _, err := ioctl(vcpuFD, kvmSetCPUID2, uintptr(unsafe.Pointer(c))); err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_CPUID2: %w", err)
	}

	return nil
}

// Run wraps KVM_RUN: this is the ioctl that, under the hood, has
// kvm_intel.ko execute VMRESUME (or VMLAUNCH, the first time) and block
// until the next VM exit. EINTR/EAGAIN are not real exits and are folded
// into a nil error so the caller's dispatch loop re-enters immediately, as
// spec §4.E's trampoline would after a host interrupt.
func Run(vcpuFD int) error {
	if _, err := ioctl(vcpuFD, kvmRun, 0); err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return nil
		}

		return fmt.Errorf("kvmapi: KVM_RUN: %w", err)
	}

	return nil
}
