package cpu

// DescriptorSnapshot captures the launching process's selector and
// descriptor-table-register state. It plays the role the spec's bootloader
// plays for the BSP: "the firmware's selector registers ... GDTR, IDTR, and
// RSP at the last instant before transferring control," except here the
// instant is "the last instant before this Go process creates its first
// vCPU." machine.New captures and logs it; it does not seed the vCPU's
// guest-state area, which vcpu builds from a fresh flat GDT instead.
type DescriptorSnapshot struct {
	GDTBase  uint64
	GDTLimit uint16
	IDTBase  uint64
	IDTLimit uint16
	LDTSel   uint16
	TRSel    uint16
}

//go:noescape
func sgdt() (base uint64, limit uint16)

//go:noescape
func sidt() (base uint64, limit uint16)

//go:noescape
func sldt() uint16

//go:noescape
func str() uint16

// Snapshot reads SGDT/SIDT/SLDT/STR on the current thread. Unlike CR0/CR3/
// CR4, these four instructions are not privileged on amd64, so this runs
// unmodified in the vmcore host process.
func Snapshot() DescriptorSnapshot {
	gdtBase, gdtLimit := sgdt()
	idtBase, idtLimit := sidt()

	return DescriptorSnapshot{
		GDTBase:  gdtBase,
		GDTLimit: gdtLimit,
		IDTBase:  idtBase,
		IDTLimit: idtLimit,
		LDTSel:   sldt(),
		TRSel:    str(),
	}
}

// SegmentDescriptorBase decodes the 64-bit base address out of a raw 8-byte
// (or, for LDT/TR in long mode, 16-byte) descriptor entry per the x86-64
// descriptor layout: bits 16:39 of the low qword hold base bits 23:0 and
// bits 56:63 hold base bits 31:24, and for system descriptors (LDT/TR) the upper 32 bits
// live in the high qword's low dword. Grounded on
// core_engine/hypervisor/gdt.go's NewGDTEntry, generalized to decode rather
// than only encode, and extended to the 16-byte system-descriptor form the
// spec names in §4.A ("read the 8-byte descriptor (plus the next 8 bytes
// when LDT/TR)").
func SegmentDescriptorBase(low uint64, high uint64, isSystemDescriptor bool) uint64 {
	base := (low>>16)&0xFFFFFF | ((low >> 32) & 0xFF000000)
	if isSystemDescriptor {
		base |= (high & 0xFFFFFFFF) << 32
	}

	return base
}
