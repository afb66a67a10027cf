package vcpu

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"vmcore/ept"
	"vmcore/exitreason"
	"vmcore/kvmapi"
	"vmcore/vmcs"
)

// dumpRangeBytes is the width of the fatal-path disassembly dump spec §7
// asks for: "0x20..0x50 bytes starting at guest RIP".
const dumpRangeBytes = 0x30

// Step runs the vCPU once through KVM_RUN and dispatches on the resulting
// exit reason, mirroring the teacher's VCPU.Run switch
// (core_engine/vcpu.go) generalized to the exit catalogue of spec §4.E/§4.F.
// It returns nil for exits the guest is expected to keep running after
// (HLT, unserviced IO), and a non-nil error wrapping ErrFatalExit for
// anything the dispatch table has no recovery path for.
func (v *VCPU) Step() error {
	firstEntry := v.region.State() != vmcs.Launched

	if err := kvmapi.Run(v.fd); err != nil {
		return fmt.Errorf("vcpu %d: %w", v.id, err)
	}

	// A KVM_RUN interrupted by a host signal is not a guest exit: re-enter.
	if v.run.ExitReason == kvmapi.ExitIntr {
		return nil
	}

	if firstEntry {
		if err := v.region.Launch(); err != nil {
			return fmt.Errorf("vcpu %d: %w", v.id, err)
		}
	} else if err := v.region.Resume(); err != nil {
		return fmt.Errorf("vcpu %d: %w", v.id, err)
	}

	reason := exitreason.FromKVM(v.run.ExitReason)

	switch reason {
	case exitreason.HLT:
		v.log.Debug("guest halted")

		return nil

	case exitreason.IOInstruction:
		direction, size, port, _, _ := v.run.IO()
		v.log.WithFields(map[string]interface{}{
			"port": port, "size": size, "direction": direction,
		}).Debug("unserviced guest port IO, ignoring")

		return nil

	case exitreason.Shutdown:
		return v.fatal(reason, "guest triple fault")

	case exitreason.FailEntry:
		return v.fatal(reason, fmt.Sprintf("hardware entry failure, hw_reason=%#x", v.run.Data[0]))

	case exitreason.InternalError:
		return v.fatal(reason, fmt.Sprintf("KVM internal error, sub_error=%#x", v.run.Data[0]))

	case exitreason.MMIO:
		// Any guest access outside the identity-mapped [0, memory_size)
		// range surfaces as MMIO under KVM; per spec §6/§9's open-question
		// decision this core treats it as fatal rather than emulating a
		// device or demand-paging it in.
		return v.fatal(reason, "access outside mapped guest memory")

	case exitreason.Exception:
		return v.fatal(reason, "unhandled guest exception/NMI")

	default:
		return v.fatal(reason, "unhandled vm exit")
	}
}

// fatal logs the exit, attempts the disassembly dump spec §7 calls for, and
// returns an error wrapping ErrFatalExit.
func (v *VCPU) fatal(reason exitreason.Reason, detail string) error {
	entry := v.log.WithField("exit_reason", reason.String())

	if regs, err := kvmapi.GetRegs(v.fd); err == nil {
		entry = entry.WithField("rip", fmt.Sprintf("%#x", regs.RIP))

		if sregs, serr := kvmapi.GetSregs(v.fd); serr == nil {
			if dump, derr := v.disassembleAt(sregs.CR3, regs.RIP); derr == nil {
				entry = entry.WithField("disasm", dump)
			}
		}
	}

	entry.Error(detail)

	return fmt.Errorf("vcpu %d: %s: %w", v.id, detail, ErrFatalExit)
}

// disassembleAt walks the guest's page tables to find the physical bytes
// at rip and decodes up to dumpRangeBytes of 64-bit instructions, per the
// fatal-path disassembly dump spec §7 and SPEC_FULL §4 call for.
func (v *VCPU) disassembleAt(cr3, rip uint64) (string, error) {
	phys, err := ept.Walk(v.guestMem, cr3, rip)
	if err != nil {
		return "", err
	}

	end := phys + dumpRangeBytes
	if end > uint64(len(v.guestMem)) {
		end = uint64(len(v.guestMem))
	}

	window := v.guestMem[phys:end]

	out := ""
	offset := 0

	for offset < len(window) {
		inst, err := x86asm.Decode(window[offset:], 64)
		if err != nil {
			break
		}

		out += inst.String() + "; "
		offset += inst.Len
	}

	return out, nil
}
