package cpu_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/cpu"
)

// Leaf 0 pass-through (spec §8 scenario 1): EAX holds the highest standard
// leaf number the host CPU supports, and EBX:EDX:ECX spell out the vendor
// string returned by VendorString.
func TestIDLeafZeroMatchesVendorString(t *testing.T) {
	eax, ebx, ecx, edx := cpu.ID(0, 0)

	require.NotZero(t, eax, "host CPU must advertise at least one standard leaf beyond 0")

	var vendor []byte
	for _, reg := range []uint32{ebx, edx, ecx} {
		vendor = append(vendor, byte(reg), byte(reg>>8), byte(reg>>16), byte(reg>>24))
	}

	require.Equal(t, cpu.VendorString(), string(vendor))
}
