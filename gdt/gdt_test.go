package gdt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/gdt"
)

func TestNewEntryEncodesBaseAndLimit(t *testing.T) {
	e := gdt.NewEntry(0x12345678, 0xABCDE, 0x9A, 0xC)

	require.Equal(t, uint64(0xBCDE), uint64(e)&0xFFFF, "limit[15:0]")
	require.Equal(t, uint64(0x345678), (uint64(e)>>16)&0xFFFFFF, "base[23:0]")
	require.Equal(t, uint64(0x9A), (uint64(e)>>40)&0xFF, "access byte")
	require.Equal(t, uint64(0xA), (uint64(e)>>48)&0xF, "limit[19:16]")
	require.Equal(t, uint64(0xC), (uint64(e)>>52)&0xF, "flags nibble")
	require.Equal(t, uint64(0x12), (uint64(e)>>56)&0xFF, "base[31:24]")
}

func TestNewSystemEntryCarriesHighBase(t *testing.T) {
	se := gdt.NewSystemEntry(0x1_0000_0000_1000, 0x67, gdt.AccessTSSBusy, 0x0)

	require.Equal(t, uint64(0x1000)&0xFFFFFF, (uint64(se.Low)>>16)&0xFFFFFF)
	require.Equal(t, uint64(0x10000), se.High)
}

func TestFlatLongModeTableSelectors(t *testing.T) {
	table := gdt.NewFlatLongModeTable()
	b := table.Bytes()

	require.Len(t, b, 24)
	require.Equal(t, gdt.SelCode, 8)
	require.Equal(t, gdt.SelData, 16)

	// Code descriptor's access byte lives at offset 8+5 in the serialized
	// table (byte index 5 of the second 8-byte entry).
	require.Equal(t, byte(0x9B), b[8+5])
	require.Equal(t, byte(0x93), b[16+5])
}
