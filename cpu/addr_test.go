package cpu_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/cpu"
)

func TestPhysOfAppliesSignedOffset(t *testing.T) {
	require.Equal(t, cpu.PhysAddr(0x2000), cpu.PhysOf(cpu.VirtAddr(0x3000), -0x1000))
	require.Equal(t, cpu.PhysAddr(0x4000), cpu.PhysOf(cpu.VirtAddr(0x3000), 0x1000))
}

func TestAddressStringersAreHex(t *testing.T) {
	require.Equal(t, "phys:0x1000", cpu.PhysAddr(0x1000).String())
	require.Equal(t, "virt:0x2000", cpu.VirtAddr(0x2000).String())
}
