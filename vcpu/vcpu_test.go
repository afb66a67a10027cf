package vcpu_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"vmcore/ept"
	"vmcore/gdt"
	"vmcore/kvmapi"
	"vmcore/vcpu"
)

func openVMOrSkip(t *testing.T) (kvmFD, vmFD int) {
	t.Helper()

	kvmFD, err := kvmapi.OpenDevice()
	if err != nil {
		t.Skipf("vcpu: /dev/kvm unavailable: %v", err)
	}

	vmFD, err = kvmapi.CreateVM(kvmFD)
	if err != nil {
		t.Skipf("vcpu: KVM_CREATE_VM failed: %v", err)
	}

	return kvmFD, vmFD
}

func TestNewBuildsLaunchableVCPU(t *testing.T) {
	kvmFD, vmFD := openVMOrSkip(t)

	const memSize = 8 << 20
	guestMem := make([]byte, memSize)

	table := gdt.NewFlatLongModeTable()
	copy(guestMem[0x1000:], table.Bytes())

	builder := ept.NewBuilder(memSize)
	tables := builder.Build()
	flat, pml4Addr := builder.Flatten(tables, 0x200000)
	copy(guestMem[0x200000:], flat)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	v, err := vcpu.New(kvmFD, vmFD, vcpu.Config{
		ID:         0,
		GDTBase:    0x1000,
		PML4Base:   uint64(pml4Addr),
		EntryPoint: 0x3000,
		StackTop:   memSize - 0x10,
	}, guestMem, log)
	require.NoError(t, err)
	defer v.Close()
}
