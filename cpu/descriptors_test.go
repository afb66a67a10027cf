package cpu_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/cpu"
)

func TestSegmentDescriptorBaseDecodesFlatDescriptor(t *testing.T) {
	// base 0x12345678, limit/access/flags irrelevant to the base decode.
	low := uint64(0xFFFF) | uint64(0x345678)<<16 | uint64(0x9B)<<40 | uint64(0xA0)<<48 | uint64(0x12)<<56

	base := cpu.SegmentDescriptorBase(low, 0, false)
	require.Equal(t, uint64(0x12345678), base)
}

func TestSegmentDescriptorBaseDecodesSystemDescriptor(t *testing.T) {
	low := uint64(0x345678)<<16 | uint64(0x12)<<56
	high := uint64(0x9ABCDEF0)

	base := cpu.SegmentDescriptorBase(low, high, true)
	require.Equal(t, uint64(0x9ABCDEF012345678), base)
}

func TestSnapshotReadsHostDescriptorState(t *testing.T) {
	snap := cpu.Snapshot()

	// SGDT/SIDT always report a nonzero base on a running amd64 process;
	// this only checks the asm shim wired the return values through, not
	// any particular table layout.
	require.NotZero(t, snap.GDTBase)
	require.NotZero(t, snap.IDTBase)
}
