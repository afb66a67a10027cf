package vmcs_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"vmcore/vmcs"
)

func TestNewRegionIsOnePageAligned(t *testing.T) {
	r := vmcs.NewRegion(0x1a)

	require.Len(t, r.Bytes(), 4096)
	require.Zero(t, uintptr(unsafe.Pointer(&r.Bytes()[0]))%4096)
}

func TestNewRegionPersistsRevisionID(t *testing.T) {
	r := vmcs.NewRegion(0x1a)
	require.Equal(t, uint32(0x1a), r.RevisionID())

	// The must-be-zero high bit of IA32_VMX_BASIC[31] must never survive
	// into the stamped region.
	r = vmcs.NewRegion(0xFFFFFFFF)
	require.Equal(t, uint32(0x7FFFFFFF), r.RevisionID())
}

func TestLifecycleHappyPath(t *testing.T) {
	r := vmcs.NewRegion(0x1a)
	require.Equal(t, vmcs.Uninitialized, r.State())

	require.NoError(t, r.Clear())
	require.Equal(t, vmcs.Cleared, r.State())

	require.NoError(t, r.Load())
	require.Equal(t, vmcs.Current, r.State())

	require.NoError(t, r.Launch())
	require.Equal(t, vmcs.Launched, r.State())

	require.NoError(t, r.Resume())
}

func TestLaunchBeforeLoadFails(t *testing.T) {
	r := vmcs.NewRegion(0x1a)
	require.ErrorIs(t, r.Launch(), vmcs.ErrInvalidTransition)
}

func TestResumeBeforeLaunchFails(t *testing.T) {
	r := vmcs.NewRegion(0x1a)
	require.NoError(t, r.Clear())
	require.NoError(t, r.Load())
	require.ErrorIs(t, r.Resume(), vmcs.ErrInvalidTransition)
}

func TestRelaunchRequiresClearAndLoad(t *testing.T) {
	r := vmcs.NewRegion(0x1a)
	require.NoError(t, r.Clear())
	require.NoError(t, r.Load())
	require.NoError(t, r.Launch())

	require.ErrorIs(t, r.Launch(), vmcs.ErrInvalidTransition)

	require.NoError(t, r.Clear())
	require.NoError(t, r.Load())
	require.NoError(t, r.Launch())
}
