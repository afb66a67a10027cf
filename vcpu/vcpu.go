// Package vcpu owns per-vCPU guest-state setup and the VM-exit dispatch
// loop of spec §4.E/§4.F, generalized from the teacher's VCPU type
// (core_engine/vcpu.go) to long-mode, EPT-backed guests instead of a
// real-mode/4MB-paged boot sequence.
package vcpu

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"vmcore/cpu"
	"vmcore/gdt"
	"vmcore/kvmapi"
	"vmcore/vmcs"
)

// GPRBlock is the general-purpose register file handed to and read back
// from VM-enter/VM-exit, playing the role spec §4.E calls
// VmExitGeneralPurposeRegister.
type GPRBlock = kvmapi.Regs

// ErrFatalExit is wrapped by every exit the dispatch loop cannot recover
// from (spec §7's fatal exit-reason taxonomy): shutdown, fail-entry,
// internal error, and any MMIO/EPT-style access outside guest memory.
var ErrFatalExit = errors.New("vcpu: fatal vm exit")

// Config carries the per-vCPU setup data the teacher's NewVCPU hardcoded
// (GDT base, page-table base, entry point) as explicit parameters instead,
// matching spec §4.D's "the caller supplies every guest-state field; the
// core never invents an address."
type Config struct {
	ID         int
	GDTBase    uint64
	PML4Base   uint64
	EntryPoint uint64
	StackTop   uint64
}

// VCPU is one virtual CPU: its KVM fd, its mmap'd kvm_run page, and the
// vmcs.Region tracking its VMCS lifecycle.
type VCPU struct {
	id     int
	fd     int
	run    *kvmapi.RunData
	runMem []byte
	region *vmcs.Region
	log    *logrus.Entry

	guestMem []byte
}

// New creates a vCPU on vmFD, maps its kvm_run page (sized via kvmFD's
// KVM_GET_VCPU_MMAP_SIZE), and builds its initial guest-state area from
// cfg. guestMem is the flat, EPT-identity-mapped guest physical memory
// slice, used only by the dispatch loop's ept.Walk-based fatal-path
// disassembly dump (spec §7).
func New(kvmFD, vmFD int, cfg Config, guestMem []byte, log *logrus.Logger) (*VCPU, error) {
	fd, err := kvmapi.CreateVCPU(vmFD, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", cfg.ID, err)
	}

	mmapSize, err := kvmapi.VCPUMmapSize(kvmFD)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", cfg.ID, err)
	}

	run, runMem, err := kvmapi.MmapRun(fd, mmapSize)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", cfg.ID, err)
	}

	v := &VCPU{
		id:       cfg.ID,
		fd:       fd,
		run:      run,
		runMem:   runMem,
		region:   vmcs.NewRegion(kvmAPIVersionAsRevision),
		log:      log.WithField("vcpu", cfg.ID),
		guestMem: guestMem,
	}

	if err := v.setCPUID(kvmFD); err != nil {
		return nil, err
	}

	if err := v.setGuestState(cfg); err != nil {
		return nil, err
	}

	if err := v.region.Clear(); err != nil {
		return nil, err
	}

	if err := v.region.Load(); err != nil {
		return nil, err
	}

	return v, nil
}

// kvmAPIVersionAsRevision stands in for the VMCS revision identifier a
// bare-VMX build would read from IA32_VMX_BASIC; vmcs.Region stamps it into
// a real 4 KiB page for the revision-persistence/page-alignment properties
// (spec §8 Testable Properties 1-2), but it is never handed to a real
// VMPTRLD, so any stable constant serves spec §4.B's "stamp the region with
// the revision ID" requirement under this redesign.
const kvmAPIVersionAsRevision = 12

// setCPUID installs the host's supported CPUID leaves into the vCPU,
// overriding the hypervisor-signature leaf the same way bobuhiro11/gokvm's
// initCPUID does, so guest code probing CPUID.40000000H sees a
// recognizable KVM-family signature instead of whatever the host vendor
// string says. x86 KVM never raises a VM-exit for CPUID — every leaf the
// guest queries after this call is answered entirely in-kernel — so this
// install step is where spec §4.F's CPUID handler lives in this redesign,
// not a case in Step's dispatch switch (see DESIGN.md). Leaf 0 (the
// pass-through scenario, spec §8 scenario 1) is cross-checked here against
// a live read of the host CPU via cpu.ID/cpu.VendorString.
func (v *VCPU) setCPUID(kvmFD int) error {
	const (
		cpuidSignatureLeaf = 0x40000000
		cpuidFeaturesLeaf  = 0x40000001
		cpuidPerfMonLeaf   = 0x0A
		cpuidVendorLeaf    = 0x00
	)

	v.log.WithField("vendor", cpu.VendorString()).Debug("host cpu identity")

	entries, err := kvmapi.GetSupportedCPUID(kvmFD)
	if err != nil {
		return fmt.Errorf("vcpu %d: %w", v.id, err)
	}

	for i := 0; i < int(entries.Nent); i++ {
		e := &entries.Entries[i]
		switch e.Function {
		case cpuidVendorLeaf:
			var vendor []byte
			for _, reg := range []uint32{e.Ebx, e.Edx, e.Ecx} {
				vendor = append(vendor, byte(reg), byte(reg>>8), byte(reg>>16), byte(reg>>24))
			}

			hostEax, _, _, _ := cpu.ID(cpuidVendorLeaf, 0)
			if hostVendor := cpu.VendorString(); hostEax != e.Eax || hostVendor != string(vendor) {
				v.log.WithFields(logrus.Fields{
					"kvm_eax": e.Eax, "host_eax": hostEax,
					"kvm_vendor": string(vendor), "host_vendor": hostVendor,
				}).Warn("leaf-0 pass-through value diverges from the host CPU")
			}
		case cpuidPerfMonLeaf:
			e.Eax = 0
		case cpuidSignatureLeaf:
			e.Eax = cpuidFeaturesLeaf
			e.Ebx = 0x4b4d564b // "KVMK"
			e.Ecx = 0x564b4d56 // "VMKV"
			e.Edx = 0x4d       // "M"
		}
	}

	if err := kvmapi.SetCPUID2(v.fd, entries); err != nil {
		return fmt.Errorf("vcpu %d: %w", v.id, err)
	}

	return nil
}

// setGuestState builds the long-mode guest-state area spec §4.D describes:
// CS/DS/ES/FS/GS/SS from the flat GDT, CR0/CR3/CR4/EFER for paged,
// protected, long-mode execution with the EPT-backed PML4 as the page-table
// root, and RIP/RSP/RFLAGS for the entry point the caller supplied.
func (v *VCPU) setGuestState(cfg Config) error {
	sregs, err := kvmapi.GetSregs(v.fd)
	if err != nil {
		return fmt.Errorf("vcpu %d: %w", v.id, err)
	}

	codeSeg := kvmapi.Segment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: gdt.SelCode,
		Type: 0xB, Present: 1, DPL: 0, DB: 0, S: 1, L: 1, G: 1,
	}
	dataSeg := kvmapi.Segment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: gdt.SelData,
		Type: 0x3, Present: 1, DPL: 0, DB: 1, S: 1, L: 0, G: 1,
	}

	sregs.CS = codeSeg
	sregs.DS = dataSeg
	sregs.ES = dataSeg
	sregs.FS = dataSeg
	sregs.GS = dataSeg
	sregs.SS = dataSeg

	// The guest never installs its own LDT; mark LDTR unusable rather than
	// leaving it at whatever KVM's default vCPU reset state happened to be.
	// Only the Unusable flag is set: LDTR does not carry the
	// gdt.AccessLDTUnusable type/present bits.
	sregs.LDT = kvmapi.Segment{Unusable: 1}

	// TR must point at a valid (if otherwise unused) 64-bit TSS descriptor
	// for VMX to accept guest entry; a flat, zero-length TSS with the
	// busy-TSS access rights (gdt.AccessTSSBusy) satisfies that without
	// the guest ever using task switching.
	sregs.TR = kvmapi.Segment{
		Base: 0, Limit: 0, Selector: 0,
		Type: 0xB, Present: 1, DPL: 0, S: 0, G: 0,
	}

	sregs.GDT = kvmapi.DTable{Base: cfg.GDTBase, Limit: 23}

	const (
		cr0PE = 1 << 0
		cr0PG = 1 << 31
		cr4PAE = 1 << 5
		cr4VMXE = 1 << 13
		eferLME = 1 << 8
		eferLMA = 1 << 10
	)

	sregs.CR0 = cr0PE | cr0PG
	sregs.CR3 = cfg.PML4Base
	sregs.CR4 = cr4PAE
	sregs.EFER = eferLME | eferLMA

	if err := kvmapi.SetSregs(v.fd, sregs); err != nil {
		return fmt.Errorf("vcpu %d: %w", v.id, err)
	}

	regs := kvmapi.Regs{
		RIP:    cfg.EntryPoint,
		RSP:    cfg.StackTop,
		RBP:    cfg.StackTop,
		RFLAGS: 0x2, // bit 1 is always set
	}

	if err := kvmapi.SetRegs(v.fd, regs); err != nil {
		return fmt.Errorf("vcpu %d: %w", v.id, err)
	}

	return nil
}

// Close unmaps the kvm_run page and closes the vCPU fd.
func (v *VCPU) Close() error {
	if err := kvmapi.UnmapRun(v.runMem); err != nil {
		return err
	}

	if err := unix.Close(v.fd); err != nil {
		return fmt.Errorf("vcpu %d: close: %w", v.id, err)
	}

	return nil
}
