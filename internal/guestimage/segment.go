// Package guestimage populates the guest-visible structures this
// hypervisor's boot protocol depends on directly into guest RAM: the
// GDT, the long-mode page tables, and the initial register images.
package guestimage

// Segment is the semantic (field-per-meaning) form of an x86 segment
// descriptor. This hypervisor never relocates segments, so Base must
// always be zero; PackSegment enforces that as a programmer-error
// precondition.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	S        bool
	DPL      uint8
	Present  bool
	AVL      bool
	L        bool
	DB       bool
	G        bool
}

// CS is the canonical 64-bit code segment installed at GDT selector
// 0x10: base 0, full limit, present, non-conforming code/read,
// long-mode (l=1, db=0).
var CS = Segment{
	Base:     0,
	Limit:    0xFFFFFFFF,
	Selector: 0x10,
	Type:     0xA, // code, readable
	S:        true,
	DPL:      0,
	Present:  true,
	AVL:      false,
	L:        true,
	DB:       false,
	G:        true,
}

// DS is the canonical flat data segment installed at GDT selector
// 0x18: base 0, full limit, present, read/write, 32-bit default
// operand size (the CPU ignores DB for data segments in long mode,
// but the Linux boot protocol sets it this way and this system
// matches it byte for byte).
var DS = Segment{
	Base:     0,
	Limit:    0xFFFFFFFF,
	Selector: 0x18,
	Type:     0x2, // data, writable
	S:        true,
	DPL:      0,
	Present:  true,
	AVL:      false,
	L:        false,
	DB:       true,
	G:        true,
}

// PackSegment encodes seg into its 64-bit GDT-entry wire layout:
//
//	bits  0..16: low 16 of limit
//	bits 16..40: low 24 of base
//	bits 40..44: type     bit 44: s      bits 45..47: dpl   bit 47: present
//	bits 48..52: bits 16..20 of limit
//	bit 52: avl   bit 53: l   bit 54: db   bit 55: g
//	bits 56..64: high 8 of base
//
// Precondition: seg.Base == 0. This hypervisor never relocates
// segments; a non-zero base is a programmer error, not a runtime
// condition, so PackSegment panics rather than returning an error.
func PackSegment(seg Segment) uint64 {
	if seg.Base != 0 {
		panic("guestimage: PackSegment precondition violated: base must be 0")
	}

	var v uint64
	v |= uint64(seg.Limit) & 0xFFFF
	v |= (seg.Base & 0xFFFFFF) << 16
	v |= uint64(seg.Type&0xF) << 40
	if seg.S {
		v |= 1 << 44
	}
	v |= uint64(seg.DPL&0x3) << 45
	if seg.Present {
		v |= 1 << 47
	}
	v |= uint64((seg.Limit>>16)&0xF) << 48
	if seg.AVL {
		v |= 1 << 52
	}
	if seg.L {
		v |= 1 << 53
	}
	if seg.DB {
		v |= 1 << 54
	}
	if seg.G {
		v |= 1 << 55
	}
	v |= ((seg.Base >> 24) & 0xFF) << 56
	return v
}
