package cpu

import (
	"errors"

	"github.com/intel-go/cpuid"
)

// ErrVMXNotSupported is returned when the host CPU does not advertise VT-x
// via CPUID.1:ECX[5], matching the NotSupported error kind of spec §7.
var ErrVMXNotSupported = errors.New("cpu: VMX not supported by this processor")

// ErrLongModeNotSupported is returned when the host CPU cannot run 64-bit
// guests, which every VMCS this core builds requires (IA-32e-mode-guest is
// always set, per spec §4.D).
var ErrLongModeNotSupported = errors.New("cpu: IA-32e (long) mode not supported by this processor")

// CheckVMXSupport probes the physical CPU's CPUID leaves for the feature
// bits the spec's entry point is required to check before doing anything
// else: VMX (CPUID.1:ECX[5]) and long mode (CPUID.80000001H:EDX[29]).
// Grounded on kata-containers/cli/kata-check_amd64.go's archRequiredCPUFlags,
// which performs the same pair of checks ("vmx", "lm") before attempting to
// create a VM.
func CheckVMXSupport() error {
	if !cpuid.CPU.HasFeature(cpuid.VMX) {
		return ErrVMXNotSupported
	}

	if !cpuid.CPU.HasExtendedFeature(cpuid.LM) {
		return ErrLongModeNotSupported
	}

	return nil
}

// ID executes the native CPUID instruction with the given leaf/subleaf and
// returns the four result registers, exactly as spec §4.A requires of the
// "cpuid(leaf, subleaf)" primitive. vcpu.setCPUID uses it to cross-check
// KVM's leaf-0 values against the host CPU; guest CPUID queries are
// answered in-kernel by KVM and never reach vmcore.
func ID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuid.AsmCpuid(leaf, subleaf)
}

// VendorString returns the host CPU's 12-character vendor identification
// string (EBX:EDX:ECX of CPUID leaf 0), used by vcpu.setCPUID to log and
// cross-check the host identity behind the leaf-0 pass-through scenario
// (spec §8, scenario 1).
func VendorString() string {
	return cpuid.CPU.VendorString
}
