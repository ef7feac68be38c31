package guestimage

import "github.com/vmforge/microvmm/internal/hv/abi"

// Control register and EFER bits needed to drop the vCPU straight into
// 64-bit long mode with paging already enabled, skipping real mode and
// 32-bit protected mode entirely.
const (
	cr0PE   = abi.CR0PE
	cr0PG   = abi.CR0PG
	cr4PAE  = abi.CR4PAE
	eferLME = abi.EferLME
	eferLMA = abi.EferLMA
)

// SetupSregs builds the special-register state for entry into long
// mode: CR3 points at the PML4 this package wrote via SetupPaging, and
// CS/DS (plus the other data segments, which the kernel doesn't care
// about beyond being present) load the canonical descriptors SetupGDT
// wrote into the GDT.
func SetupSregs() abi.Sregs {
	cs := toKVMSegment(CS)
	ds := toKVMSegment(DS)

	return abi.Sregs{
		CS: cs,
		DS: ds,
		ES: ds,
		FS: ds,
		GS: ds,
		SS: ds,
		GDT: abi.Descriptor{
			Base:  AddrGDT,
			Limit: 4*8 - 1,
		},
		CR3:  AddrPML4,
		CR4:  cr4PAE,
		CR0:  cr0PE | cr0PG,
		EFER: eferLME | eferLMA,
	}
}

func toKVMSegment(s Segment) abi.Segment {
	present := uint8(0)
	if s.Present {
		present = 1
	}
	dbBit := uint8(0)
	if s.DB {
		dbBit = 1
	}
	sBit := uint8(0)
	if s.S {
		sBit = 1
	}
	lBit := uint8(0)
	if s.L {
		lBit = 1
	}
	gBit := uint8(0)
	if s.G {
		gBit = 1
	}
	avlBit := uint8(0)
	if s.AVL {
		avlBit = 1
	}
	return abi.Segment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Present:  present,
		DPL:      s.DPL,
		DB:       dbBit,
		S:        sBit,
		L:        lBit,
		G:        gBit,
		AVL:      avlBit,
	}
}

// SetupRegs builds the general-purpose register state the kernel's
// 64-bit entry point expects: RIP at the kernel's entry point, RSI
// pointing at boot_params, and interrupts masked (RFLAGS bit 1, the
// reserved-as-1 bit, is the only bit set).
func SetupRegs(rip, rsi uint64) abi.Regs {
	return abi.Regs{
		RIP:    rip,
		RSI:    rsi,
		RFLAGS: 0x2,
	}
}
