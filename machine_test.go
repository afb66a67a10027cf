package vmcore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore"
	"vmcore/bootargs"
)

func TestProbeKVMOnMissingDevice(t *testing.T) {
	err := vmcore.ProbeKVM("/dev/does-not-exist-vmcore-test")
	require.ErrorIs(t, err, vmcore.ErrKVMUnusable)
}

func TestNewEndToEndRequiresKVM(t *testing.T) {
	vm, err := vmcore.New(vmcore.Config{
		MemorySize: 8 << 20,
		EntryPoint: 0x3000,
	})
	if err != nil {
		t.Skipf("vmcore: host cannot run a VM in this environment: %v", err)
	}
	defer vm.Close()

	require.NotNil(t, vm)

	info, err := bootargs.Get()
	require.NoError(t, err)
	require.Equal(t, uint64(8<<20), info.MemorySize)
}
