package guestimage

// Fixed guest physical address layout. The guest RAM mapping is 1 GiB,
// anonymously backed on the host; these offsets are the contract
// between the orchestrator, the loader, and the structures this
// package writes.
const (
	AddrGDT        = 0x0000
	AddrPML4       = 0x1000
	AddrPDPT       = 0x2000
	AddrPD         = 0x3000
	AddrBootParams = 0x10000
	AddrCmdline    = 0x20000
	AddrKernel32   = 0x100000
	AddrInitramfs  = 0xF00000

	// MappingSize is the total size of the guest physical address
	// space this hypervisor maps: 1 GiB, matching the PD's single
	// identity-mapped gigabyte of 2 MiB pages.
	MappingSize = 1 << 30
)

// GDT selector offsets (byte offsets within the GDT, i.e. selector
// values with the RPL/TI bits already zero).
const (
	SelectorCS = 0x10
	SelectorDS = 0x18
)
