package bootargs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/bootargs"
)

// Get before the first Publish must run before any other test in this
// package touches the global cell, so it has its own test function ordered
// ahead of TestPublishIsWriteOnce in this file.
func TestGetBeforePublishFails(t *testing.T) {
	_, err := bootargs.Get()
	require.ErrorIs(t, err, bootargs.ErrNotPublished)
}

// Publish is write-once for the whole process, so every assertion runs
// against the single global cell in one test rather than across several.
func TestPublishIsWriteOnce(t *testing.T) {
	args := bootargs.BootArgs{
		MemorySize:    8 << 20,
		VMMPhysOffset: -0x1000,
	}

	err := bootargs.Publish(args)
	require.NoError(t, err)

	got, err := bootargs.Get()
	require.NoError(t, err)
	require.Equal(t, args, got)

	err = bootargs.Publish(bootargs.BootArgs{MemorySize: 1})
	require.ErrorIs(t, err, bootargs.ErrAlreadyPublished)

	got, err = bootargs.Get()
	require.NoError(t, err)
	require.Equal(t, args, got, "a rejected second Publish must not mutate the cell")
}
