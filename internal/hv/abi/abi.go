// Package abi holds the wire-level contract with /dev/kvm: ioctl
// numbers, the kvm_run/kvm_sregs/kvm_regs struct layouts, and the
// control-register flag bits needed to boot a guest into long mode.
//
// None of this is derivable from golang.org/x/sys/unix, which only
// wraps the ioctls common to every Linux subsystem. KVM's own ioctl
// numbers and structs have to be hand-encoded the same way every Go
// KVM binding in the wild does it.
package abi

import "unsafe"

// ioctl numbers, from <linux/kvm.h>. Computed via the standard
// _IOC(dir, type, nr, size) encoding with KVM's ioctl type byte 0xAE;
// reproduced here as literals rather than computed at init time
// because that's how every Go KVM binding in the ecosystem does it.
const (
	KVMGetAPIVersion       = 44544
	KVMCreateVM            = 44545
	KVMCreateVCPU          = 44609
	KVMRun                 = 44672
	KVMGetVCPUMMapSize     = 44548
	KVMGetSregs            = 0x8138ae83
	KVMSetSregs            = 0x4138ae84
	KVMGetRegs             = 0x8090ae81
	KVMSetRegs             = 0x4090ae82
	KVMSetUserMemoryRegion = 1075883590
	KVMSetTSSAddr          = 0xae47
	KVMSetIdentityMapAddr  = 0x4008ae48
	KVMCreateIRQChip       = 0xae60
	KVMCreatePIT2          = 0x4040ae77
	KVMGetSupportedCPUID   = 0xc008ae05
	KVMSetCPUID2           = 0x4008ae90
	KVMIRQLine             = 0xc008ae67
	KVMSetGuestDebug       = 0x4048ae9b
	KVMTranslate           = 0xc018ae85
	KVMGetVCPUEvents       = 0x8040ae9f
	KVMEnableCap           = 0x4068aea3
)

// CapX86TripleFaultEvent makes a guest triple fault surface as a
// handleable KVM exit instead of a silent vCPU reset. Enabled on the
// VM fd via KVM_ENABLE_CAP; kernels predating the capability reject it.
const CapX86TripleFaultEvent = 218

// ExitReason is the value KVM writes into RunData.ExitReason.
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHLT           ExitReason = 5
	ExitMMIO          ExitReason = 6
	ExitIRQWindowOpen ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitInternalError ExitReason = 17
)

// IO transfer directions in RunData's io union.
const (
	ExitIOIn  = 0
	ExitIOOut = 1
)

const numInterrupts = 0x100

// Regs holds the general-purpose registers, shared between KVM_GET_REGS
// and KVM_SET_REGS.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Segment is a KVM-ABI segment descriptor, as used for CS/DS/ES/... in
// Sregs. Field widths match struct kvm_segment exactly.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a GDTR/IDTR-style base+limit pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs holds the special (segment + control) registers.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// RunDataSize is the struct portion of the kvm_run mmap region this
// package interprets directly; KVM itself may map more pages after it
// for the various exit-reason payloads sharing the trailing union, but
// callers read those through RunData.Data rather than a typed field.
const RunDataSize = int(unsafe.Sizeof(RunData{}))

// RunData is the head of the per-vCPU kvm_run structure shared via
// mmap. ExitReason selects how the trailing Data union is interpreted;
// IO() and Debug() below decode the two exit reasons this hypervisor
// services.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IODirection, IOSize, IOPort, IOCount and IODataOffset decode the io
// union overlaid on RunData.Data when ExitReason == ExitIO. The union
// layout is: uint8 direction, uint8 size, uint16 port, uint32 count,
// uint64 data_offset — read out of the first 16 bytes of Data.
func (r *RunData) IODirection() uint8 {
	return *(*uint8)(unsafe.Pointer(&r.Data[0]))
}

func (r *RunData) IOSize() uint8 {
	return *(*uint8)(unsafe.Pointer(uintptr(unsafe.Pointer(&r.Data[0])) + 1))
}

func (r *RunData) IOPort() uint16 {
	return *(*uint16)(unsafe.Pointer(uintptr(unsafe.Pointer(&r.Data[0])) + 2))
}

func (r *RunData) IOCount() uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(&r.Data[0])) + 4))
}

func (r *RunData) IODataOffset() uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(unsafe.Pointer(&r.Data[0])) + 8))
}

// UserspaceMemoryRegion is the argument struct for
// KVM_SET_USER_MEMORY_REGION.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// IRQLevel is the argument struct for KVM_IRQ_LINE.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// PitConfig is the argument struct for KVM_CREATE_PIT2.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CPUIDEntry2 is one entry of the KVM_GET_SUPPORTED_CPUID /
// KVM_SET_CPUID2 array.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	Padding  [3]uint32
}

const maxCPUIDEntries = 100

// CPUID2 is the fixed-capacity array struct KVM_GET_SUPPORTED_CPUID and
// KVM_SET_CPUID2 both read/write; Nent selects how many of Entries are
// valid.
type CPUID2 struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// DebugControl is the argument struct for KVM_SET_GUEST_DEBUG.
type DebugControl struct {
	Control  uint32
	_        uint32
	Debugreg [8]uint64
}

const (
	GuestDebugEnable     = 0x00000001
	GuestDebugSingleStep = 0x00000002
	GuestDebugUseHWBP    = 0x00020000
)

// VCPUEvents mirrors struct kvm_vcpu_events: the vCPU's pending
// exception/interrupt/NMI state, read via KVM_GET_VCPU_EVENTS as a
// diagnostic after unexpected exits.
type VCPUEvents struct {
	ExceptionInjected     uint8
	ExceptionNr           uint8
	ExceptionHasErrorCode uint8
	ExceptionPending      uint8
	ExceptionErrorCode    uint32
	InterruptInjected     uint8
	InterruptNr           uint8
	InterruptSoft         uint8
	InterruptShadow       uint8
	NMIInjected           uint8
	NMIPending            uint8
	NMIMasked             uint8
	NMIPad                uint8
	SipiVector            uint32
	Flags                 uint32
	SMISmm                uint8
	SMIPending            uint8
	SMISmmInsideNMI       uint8
	SMILatchedInit        uint8
	TripleFaultPending    uint8
	_                     [26]uint8
	ExceptionHasPayload   uint8
	ExceptionPayload      uint64
}

// EnableCap is the argument struct for KVM_ENABLE_CAP.
type EnableCap struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
	_     [64]uint8
}

// Translate is the argument/result struct for KVM_TRANSLATE.
type Translate struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// Control register and EFER flag bits needed to enter long mode.
const (
	CR0PE uint64 = 1 << 0
	CR0PG uint64 = 1 << 31

	CR4PAE uint64 = 1 << 5

	EferLME uint64 = 1 << 8
	EferLMA uint64 = 1 << 10
)
