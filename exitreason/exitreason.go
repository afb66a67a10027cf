// Package exitreason names VM-exit causes the way spec §4.E's dispatch
// table does: a closed enum with a String() method, decoupled from the raw
// KVM_EXIT_* integers so the rest of vmcore never switches on kernel magic
// numbers directly. Grounded on the teacher's KvmExitReasonName helper
// (core_engine/vcpu.go), generalized into a proper Stringer-satisfying type
// and widened to the full set of exits spec §4.E names.
package exitreason

import (
	"fmt"

	"vmcore/kvmapi"
)

// Reason is a VM-exit cause.
type Reason int

const (
	Unknown Reason = iota
	IOInstruction
	HLT
	MMIO
	Shutdown // triple fault
	FailEntry
	InternalError
	Exception
	Debug
	Other
)

var names = map[Reason]string{
	Unknown:       "UNKNOWN",
	IOInstruction: "IO_INSTRUCTION",
	HLT:           "HLT",
	MMIO:          "MMIO",
	Shutdown:      "SHUTDOWN",
	FailEntry:     "FAIL_ENTRY",
	InternalError: "INTERNAL_ERROR",
	Exception:     "EXCEPTION",
	Debug:         "DEBUG",
	Other:         "OTHER",
}

func (r Reason) String() string {
	if n, ok := names[r]; ok {
		return n
	}

	return fmt.Sprintf("Reason(%d)", int(r))
}

// FromKVM translates a raw kvm_run.exit_reason value into a Reason, the
// boundary every vcpu dispatch switch goes through instead of matching on
// kvmapi constants directly.
func FromKVM(raw uint32) Reason {
	switch raw {
	case kvmapi.ExitIO:
		return IOInstruction
	case kvmapi.ExitHLT:
		return HLT
	case kvmapi.ExitMMIO:
		return MMIO
	case kvmapi.ExitShutdown:
		return Shutdown
	case kvmapi.ExitFailEntry:
		return FailEntry
	case kvmapi.ExitInternalError:
		return InternalError
	case kvmapi.ExitException:
		return Exception
	case kvmapi.ExitDebug:
		return Debug
	case kvmapi.ExitUnknown:
		return Unknown
	default:
		return Other
	}
}
