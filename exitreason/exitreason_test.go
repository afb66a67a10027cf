package exitreason_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/exitreason"
	"vmcore/kvmapi"
)

func TestFromKVMTranslatesKnownReasons(t *testing.T) {
	cases := map[uint32]exitreason.Reason{
		kvmapi.ExitIO:            exitreason.IOInstruction,
		kvmapi.ExitHLT:           exitreason.HLT,
		kvmapi.ExitMMIO:          exitreason.MMIO,
		kvmapi.ExitShutdown:      exitreason.Shutdown,
		kvmapi.ExitFailEntry:     exitreason.FailEntry,
		kvmapi.ExitInternalError: exitreason.InternalError,
	}

	for raw, want := range cases {
		require.Equal(t, want, exitreason.FromKVM(raw))
	}
}

func TestFromKVMUnknownCodeMapsToOther(t *testing.T) {
	require.Equal(t, exitreason.Other, exitreason.FromKVM(9999))
}

func TestReasonStringIsHumanReadable(t *testing.T) {
	require.Equal(t, "HLT", exitreason.HLT.String())
}
