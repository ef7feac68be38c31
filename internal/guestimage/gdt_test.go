package guestimage

import (
	"encoding/binary"
	"testing"
)

func TestSetupGDT(t *testing.T) {
	mem := make([]byte, 32)
	SetupGDT(mem)

	e0 := binary.LittleEndian.Uint64(mem[0:8])
	e1 := binary.LittleEndian.Uint64(mem[8:16])
	if e0 != 0 || e1 != 0 {
		t.Errorf("entries 0,1 = %#x, %#x, want both zero", e0, e1)
	}

	cs := binary.LittleEndian.Uint64(mem[SelectorCS : SelectorCS+8])
	ds := binary.LittleEndian.Uint64(mem[SelectorDS : SelectorDS+8])
	if cs != PackSegment(CS) {
		t.Errorf("mem[2] = %#x, want pack_segment(CS) = %#x", cs, PackSegment(CS))
	}
	if ds != PackSegment(DS) {
		t.Errorf("mem[3] = %#x, want pack_segment(DS) = %#x", ds, PackSegment(DS))
	}
}
