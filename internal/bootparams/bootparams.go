// Package bootparams implements the Linux x86 boot protocol's
// boot_params ("zero page") layout. Go has no bindgen-from-C-headers
// tool in this module's dependency stack, so the layout is vendored
// here as a fixed-size buffer with accessors for the named fields the
// hypervisor reads or writes, and pinned by an offset-assertion test
// (bootparams_test.go) against the published offsets in the upstream
// kernel's x86 boot documentation.
package bootparams

import "encoding/binary"

// Size is the size of the boot_params structure (one page).
const Size = 4096

// Field offsets within boot_params, per Documentation/x86/boot.rst /
// arch/x86/include/uapi/asm/bootparam.h. Only fields this hypervisor
// touches are named; the rest of the structure is preserved verbatim
// from the source image.
const (
	offE820Entries   = 0x1e8 // u8
	offSetupSects    = 0x1f1 // u8, start of struct setup_header
	offVidMode       = 0x1fa // u16
	offBootFlag      = 0x1fe // u16
	offJump          = 0x200 // u16
	offHeader        = 0x202 // u32
	offTypeOfLoader  = 0x210 // u8
	offLoadflags     = 0x211 // u8
	offRamdiskImage  = 0x218 // u32
	offRamdiskSize   = 0x21c // u32
	offHeapEndPtr    = 0x224 // u16
	offCmdLinePtr    = 0x228 // u32
	offExtCmdLinePtr = 0x0c8 // u32, outside setup_header proper
	offE820Table     = 0x2d0 // start of e820_table[]
)

// E820MaxEntries is the static capacity of e820_table in the zero page.
const E820MaxEntries = 128

// e820EntrySize is sizeof(struct boot_e820_entry): {u64 addr, u64 size, u32 type}.
const e820EntrySize = 20

// Canonical field values this hypervisor validates against.
const (
	BootFlagMagic uint16 = 0xAA55
	HeaderMagic   uint32 = 0x53726448 // "HdrS"
	JumpOffset    uint16 = 106        // (jump >> 8) for supported protocol versions
)

// loadflags bits.
const (
	LoadedHigh uint8 = 1 << 0
	CanUseHeap uint8 = 1 << 7
)

// E820 entry types.
const (
	E820RAM      uint32 = 1
	E820Reserved uint32 = 2
)

// E820Entry mirrors struct boot_e820_entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParams is a boot_params ("zero page") image: Size bytes,
// addressed through the named field accessors below. The zero value
// is an all-zero zero page.
type BootParams struct {
	buf [Size]byte
}

// FromBytes copies the first Size bytes of src into a new BootParams.
// It is the caller's responsibility to ensure len(src) >= Size.
func FromBytes(src []byte) *BootParams {
	bp := &BootParams{}
	copy(bp.buf[:], src[:Size])
	return bp
}

// Bytes returns the underlying Size-byte image.
func (b *BootParams) Bytes() []byte { return b.buf[:] }

func (b *BootParams) u8(off int) uint8 { return b.buf[off] }
func (b *BootParams) setU8(off int, v uint8) { b.buf[off] = v }
func (b *BootParams) u16(off int) uint16 {
	return binary.LittleEndian.Uint16(b.buf[off:])
}
func (b *BootParams) setU16(off int, v uint16) {
	binary.LittleEndian.PutUint16(b.buf[off:], v)
}
func (b *BootParams) u32(off int) uint32 {
	return binary.LittleEndian.Uint32(b.buf[off:])
}
func (b *BootParams) setU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[off:], v)
}

// Read accessors (validation fields).
func (b *BootParams) BootFlag() uint16 { return b.u16(offBootFlag) }
func (b *BootParams) Header() uint32 { return b.u32(offHeader) }
func (b *BootParams) Jump() uint16 { return b.u16(offJump) }
func (b *BootParams) SetupSects() uint8 { return b.u8(offSetupSects) }

// Write accessors (mutation fields).
func (b *BootParams) SetVidMode(v uint16) { b.setU16(offVidMode, v) }
func (b *BootParams) SetTypeOfLoader(v uint8) { b.setU8(offTypeOfLoader, v) }
func (b *BootParams) Loadflags() uint8 { return b.u8(offLoadflags) }
func (b *BootParams) SetLoadflags(v uint8) { b.setU8(offLoadflags, v) }
func (b *BootParams) SetRamdiskImage(v uint32) { b.setU32(offRamdiskImage, v) }
func (b *BootParams) SetRamdiskSize(v uint32) { b.setU32(offRamdiskSize, v) }
func (b *BootParams) SetHeapEndPtr(v uint16) { b.setU16(offHeapEndPtr, v) }
func (b *BootParams) SetCmdLinePtr(v uint32) { b.setU32(offCmdLinePtr, v) }
func (b *BootParams) SetExtCmdLinePtr(v uint32) { b.setU32(offExtCmdLinePtr, v) }

// E820Entries returns the number of valid entries in the e820 table.
func (b *BootParams) E820Entries() uint8 { return b.u8(offE820Entries) }

// SetE820 writes entries into e820_table and sets e820_entries to
// len(entries). The caller must have already checked len(entries) <=
// E820MaxEntries; SetE820 panics otherwise, since that precondition
// violation is a programmer error per the error-handling design.
func (b *BootParams) SetE820(entries []E820Entry) {
	if len(entries) > E820MaxEntries {
		panic("bootparams: too many E820 entries for SetE820 precondition")
	}
	b.setU8(offE820Entries, uint8(len(entries)))
	for i, e := range entries {
		off := offE820Table + i*e820EntrySize
		binary.LittleEndian.PutUint64(b.buf[off:], e.Addr)
		binary.LittleEndian.PutUint64(b.buf[off+8:], e.Size)
		binary.LittleEndian.PutUint32(b.buf[off+16:], e.Type)
	}
}

// E820Table returns the first n valid entries, where n is E820Entries().
func (b *BootParams) E820Table() []E820Entry {
	n := int(b.E820Entries())
	out := make([]E820Entry, n)
	for i := 0; i < n; i++ {
		off := offE820Table + i*e820EntrySize
		out[i] = E820Entry{
			Addr: binary.LittleEndian.Uint64(b.buf[off:]),
			Size: binary.LittleEndian.Uint64(b.buf[off+8:]),
			Type: binary.LittleEndian.Uint32(b.buf[off+16:]),
		}
	}
	return out
}
