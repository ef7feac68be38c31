package guestimage

import "encoding/binary"

// SetupGDT writes the null entry, an unused entry, and the canonical
// CS/DS descriptors into mem at AddrGDT. Entries 0 and 1 are left
// zero; CS lands at selector 0x10 (GDT index 2), DS at 0x18 (index 3).
func SetupGDT(mem []byte) {
	gdt := mem[AddrGDT:]
	binary.LittleEndian.PutUint64(gdt[0:8], 0)
	binary.LittleEndian.PutUint64(gdt[8:16], 0)
	binary.LittleEndian.PutUint64(gdt[SelectorCS:SelectorCS+8], PackSegment(CS))
	binary.LittleEndian.PutUint64(gdt[SelectorDS:SelectorDS+8], PackSegment(DS))
}
