package guestimage

import "encoding/binary"

// Page table entry flags, x86-64 long-mode paging structures.
const (
	PTEPresent   uint64 = 1 << 0
	PTEReadWrite uint64 = 1 << 1
	PTEPageSize  uint64 = 1 << 7 // PS bit: this PD entry maps a 2 MiB page directly
)

// SetupPaging writes a single PML4 entry, a single PDPT entry, and
// 512 PD entries identity-mapping the first 1 GiB of guest physical
// memory in 2 MiB pages, at the fixed offsets AddrPML4/AddrPDPT/AddrPD.
func SetupPaging(mem []byte) {
	pml4 := mem[AddrPML4:]
	binary.LittleEndian.PutUint64(pml4[0:8], uint64(AddrPDPT)|PTEPresent|PTEReadWrite)

	pdpt := mem[AddrPDPT:]
	binary.LittleEndian.PutUint64(pdpt[0:8], uint64(AddrPD)|PTEPresent|PTEReadWrite)

	pd := mem[AddrPD:]
	for i := 0; i < 512; i++ {
		entry := PTEPresent | PTEReadWrite | PTEPageSize | (uint64(i) << 21)
		binary.LittleEndian.PutUint64(pd[i*8:i*8+8], entry)
	}
}
