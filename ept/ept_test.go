package ept_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"vmcore/cpu"
	"vmcore/ept"
)

func TestBuildIdentityMapsEveryGigabyte(t *testing.T) {
	b := ept.NewBuilder(2 << 30) // 2GiB
	tables := b.Build()

	require.Len(t, tables.PD, 2)
	require.Equal(t, uint64(0)|ept.Read|ept.Write|ept.Execute|ept.MemTypeWB|ept.LargePage, tables.PD[0][0])

	second := tables.PD[1][1]
	require.Equal(t, uint64(1<<30)+uint64(1<<21), second&^(ept.Read|ept.Write|ept.Execute|ept.MemTypeWB|ept.LargePage))
}

func TestBuildFourGiBUsesFourPDTables(t *testing.T) {
	b := ept.NewBuilder(4 << 30) // 4GiB, the end-to-end scenario's memory_size
	tables := b.Build()

	require.Len(t, tables.PD, 4)

	// Each PD table covers exactly 1GiB; the last entry of the last table
	// maps the final 2MiB page below the 4GiB boundary.
	last := tables.PD[3][511]
	require.Equal(t, uint64(3<<30)+uint64(511<<21), last&^(ept.Read|ept.Write|ept.Execute|ept.MemTypeWB|ept.LargePage))
}

func TestFlattenWiresParentPointers(t *testing.T) {
	b := ept.NewBuilder(1 << 30)
	tables := b.Build()

	buf, pml4Addr := b.Flatten(tables, cpu.PhysAddr(0x10000))
	require.Equal(t, cpu.PhysAddr(0x10000), pml4Addr)
	require.Len(t, buf, 3*4096) // PML4 + PDPT + one PD table

	// PML4[0] points at the PDPT page right after it; PDPT[0] at the PD page.
	rwx := uint64(ept.Read | ept.Write | ept.Execute)
	require.Equal(t, uint64(0x11000)|rwx, binary.LittleEndian.Uint64(buf[0:8]))
	require.Equal(t, uint64(0x12000)|rwx, binary.LittleEndian.Uint64(buf[4096:4104]))
}

func TestWalkFourKiBPage(t *testing.T) {
	mem := make([]byte, 64*1024)

	const (
		pml4Base = 0x1000
		pdptBase = 0x2000
		pdBase   = 0x3000
		ptBase   = 0x4000
		dataPage = 0x5000
	)

	putEntry(mem, pml4Base, 0, pdptBase|1)
	putEntry(mem, pdptBase, 0, pdBase|1)
	putEntry(mem, pdBase, 0, ptBase|1)
	putEntry(mem, ptBase, 0, dataPage|1)

	phys, err := ept.Walk(mem, pml4Base, 0x123)
	require.NoError(t, err)
	require.Equal(t, uint64(dataPage+0x123), phys)
}

func TestWalkNotPresentReturnsError(t *testing.T) {
	mem := make([]byte, 4096)

	_, err := ept.Walk(mem, 0, 0)
	require.ErrorIs(t, err, ept.ErrPageNotPresent)
}

func putEntry(mem []byte, tableBase uint64, index uint64, entry uint64) {
	off := tableBase + index*8
	for i := 0; i < 8; i++ {
		mem[off+uint64(i)] = byte(entry >> (8 * i))
	}
}
