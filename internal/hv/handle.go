// Package hv wraps /dev/kvm: creating a VM and a single vCPU, wiring
// up the in-kernel IRQ chip and PIT, installing guest memory, and
// running the vCPU one KVM_RUN at a time, against the kvm.h ABI
// encoded in internal/hv/abi.
package hv

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vmforge/microvmm/internal/hv/abi"
	"github.com/vmforge/microvmm/internal/scoped"
)

// Options configures the addresses KVM itself needs to know about for
// real-mode emulation support (the identity-mapped page and the TSS),
// which the guest layout has no say over since they must sit above the
// guest RAM this hypervisor hands out.
type Options struct {
	IdentityMapAddr uint64
	TSSAddr         uint64
}

// DefaultOptions returns the addresses this hypervisor uses unless a
// caller overrides them.
func DefaultOptions() Options {
	return Options{
		IdentityMapAddr: 0xFFFFC000,
		TSSAddr:         0xFFFFD000,
	}
}

// Handle is an open KVM VM with a single vCPU and its mmap'd run
// region. The zero value is not usable; construct with Open. Guest RAM
// is not owned here: callers allocate their own mapping and register
// it through SetUserMemoryRegion.
//
// Handle is single-vCPU by construction and not thread-safe; all
// operations assume a single owning thread.
type Handle struct {
	kvmFD  *scoped.Resource[int]
	vmFD   *scoped.Resource[int]
	vcpuFD *scoped.Resource[int]
	run    *scoped.Resource[[]byte]
	opts   Options
}

// Open opens /dev/kvm and brings up a VM with an in-kernel IRQ chip
// and PIT, the identity-map base programmed, a single vCPU, and the
// vCPU's kvm_run region mapped. The IRQ chip and PIT must exist before
// the vCPU is created, and the identity-map address must be set before
// the first KVM_RUN, so the whole sequence lives in the constructor.
// The returned Handle owns every fd and mapping it creates; call Close
// to release them.
func Open(opts Options) (h *Handle, err error) {
	kvmFD, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, syscallErr("open /dev/kvm", err)
	}
	kvmRes := scoped.New(kvmFD, func(fd int) { _ = unix.Close(fd) })
	defer func() {
		if err != nil {
			kvmRes.Close()
		}
	}()

	vmFD, err := ioctlNoArg(kvmFD, abi.KVMCreateVM)
	if err != nil {
		return nil, syscallErr("KVM_CREATE_VM", err)
	}
	vmRes := scoped.New(vmFD, func(fd int) { _ = unix.Close(fd) })
	defer func() {
		if err != nil {
			vmRes.Close()
		}
	}()

	if _, err = ioctlNoArg(vmFD, abi.KVMCreateIRQChip); err != nil {
		return nil, syscallErr("KVM_CREATE_IRQCHIP", err)
	}
	var pit abi.PitConfig
	if _, err = ioctlArg(vmFD, abi.KVMCreatePIT2, uintptr(unsafe.Pointer(&pit))); err != nil {
		return nil, syscallErr("KVM_CREATE_PIT2", err)
	}
	if _, err = ioctlArg(vmFD, abi.KVMSetIdentityMapAddr, uintptr(unsafe.Pointer(&opts.IdentityMapAddr))); err != nil {
		return nil, syscallErr("KVM_SET_IDENTITY_MAP_ADDR", err)
	}

	vcpuFD, err := ioctlNoArg(vmFD, abi.KVMCreateVCPU)
	if err != nil {
		return nil, syscallErr("KVM_CREATE_VCPU", err)
	}
	vcpuRes := scoped.New(vcpuFD, func(fd int) { _ = unix.Close(fd) })
	defer func() {
		if err != nil {
			vcpuRes.Close()
		}
	}()

	mmapSize, err := ioctlNoArg(kvmFD, abi.KVMGetVCPUMMapSize)
	if err != nil {
		return nil, syscallErr("KVM_GET_VCPU_MMAP_SIZE", err)
	}
	if mmapSize < abi.RunDataSize {
		panic("hv: KVM_GET_VCPU_MMAP_SIZE returned a run-state region smaller than kvm_run")
	}
	runMem, err := unix.Mmap(vcpuFD, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, syscallErr("mmap vcpu run region", err)
	}
	runRes := scoped.New(runMem, func(m []byte) { _ = unix.Munmap(m) })

	return &Handle{
		kvmFD:  kvmRes,
		vmFD:   vmRes,
		vcpuFD: vcpuRes,
		run:    runRes,
		opts:   opts,
	}, nil
}

// Close releases the vCPU mmap and every fd this Handle owns, in
// reverse order of acquisition. Safe to call more than once.
func (h *Handle) Close() {
	h.run.Close()
	h.vcpuFD.Close()
	h.vmFD.Close()
	h.kvmFD.Close()
}

// SetUserMemoryRegion registers mem as the host backing for the guest
// physical range starting at guestPhys, in slot 0. Must be called
// before the first Run.
func (h *Handle) SetUserMemoryRegion(guestPhys uint64, mem []byte) error {
	region := abi.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: guestPhys,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if _, err := ioctlArg(h.vmFD.Value(), abi.KVMSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		return syscallErr("KVM_SET_USER_MEMORY_REGION", err)
	}
	return nil
}

// SetTSSAddr programs the three-page TSS range Intel hosts require
// before the vCPU can run.
func (h *Handle) SetTSSAddr(addr uint64) error {
	if _, err := ioctlArg(h.vmFD.Value(), abi.KVMSetTSSAddr, uintptr(addr)); err != nil {
		return syscallErr("KVM_SET_TSS_ADDR", err)
	}
	return nil
}

// RunData returns the kvm_run structure for the vCPU, overlaid
// directly on the mmap'd region KVM writes into during KVM_RUN.
func (h *Handle) RunData() *abi.RunData {
	return (*abi.RunData)(unsafe.Pointer(&h.run.Value()[0]))
}

// SetCPUID installs the host-supported CPUID leaves into the vCPU, the
// same KVM_GET_SUPPORTED_CPUID / KVM_SET_CPUID2 pair every Go KVM
// binding in the pack uses before first entry.
func (h *Handle) SetCPUID() error {
	var cpuid abi.CPUID2
	cpuid.Nent = uint32(len(cpuid.Entries))
	if _, err := ioctlArg(h.kvmFD.Value(), abi.KVMGetSupportedCPUID, uintptr(unsafe.Pointer(&cpuid))); err != nil {
		return syscallErr("KVM_GET_SUPPORTED_CPUID", err)
	}
	if _, err := ioctlArg(h.vcpuFD.Value(), abi.KVMSetCPUID2, uintptr(unsafe.Pointer(&cpuid))); err != nil {
		return syscallErr("KVM_SET_CPUID2", err)
	}
	return nil
}

// GetSregs reads the vCPU's special registers.
func (h *Handle) GetSregs() (abi.Sregs, error) {
	var sregs abi.Sregs
	_, err := ioctlArg(h.vcpuFD.Value(), abi.KVMGetSregs, uintptr(unsafe.Pointer(&sregs)))
	if err != nil {
		return abi.Sregs{}, syscallErr("KVM_GET_SREGS", err)
	}
	return sregs, nil
}

// SetSregs writes the vCPU's special registers.
func (h *Handle) SetSregs(sregs abi.Sregs) error {
	if _, err := ioctlArg(h.vcpuFD.Value(), abi.KVMSetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return syscallErr("KVM_SET_SREGS", err)
	}
	return nil
}

// GetRegs reads the vCPU's general-purpose registers.
func (h *Handle) GetRegs() (abi.Regs, error) {
	var regs abi.Regs
	_, err := ioctlArg(h.vcpuFD.Value(), abi.KVMGetRegs, uintptr(unsafe.Pointer(&regs)))
	if err != nil {
		return abi.Regs{}, syscallErr("KVM_GET_REGS", err)
	}
	return regs, nil
}

// SetRegs writes the vCPU's general-purpose registers.
func (h *Handle) SetRegs(regs abi.Regs) error {
	if _, err := ioctlArg(h.vcpuFD.Value(), abi.KVMSetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return syscallErr("KVM_SET_REGS", err)
	}
	return nil
}

// EnableDebug arms single-step plus hardware-breakpoint control on the
// vCPU, so every KVM_RUN returns an ExitDebug after one guest
// instruction, and asks the VM to report guest triple faults as a
// handleable exit instead of silently resetting the vCPU. Hosts whose
// kernel predates the triple-fault capability still get single-step;
// the capability refusal is not an error.
func (h *Handle) EnableDebug(on bool) error {
	if on {
		tf := abi.EnableCap{Cap: abi.CapX86TripleFaultEvent, Args: [4]uint64{1}}
		if _, err := ioctlArg(h.vmFD.Value(), abi.KVMEnableCap, uintptr(unsafe.Pointer(&tf))); err != nil {
			if !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.ENOTTY) {
				return syscallErr("KVM_ENABLE_CAP(X86_TRIPLE_FAULT_EVENT)", err)
			}
		}
	}
	var dbg abi.DebugControl
	if on {
		dbg.Control = abi.GuestDebugEnable | abi.GuestDebugSingleStep | abi.GuestDebugUseHWBP
	}
	if _, err := ioctlArg(h.vcpuFD.Value(), abi.KVMSetGuestDebug, uintptr(unsafe.Pointer(&dbg))); err != nil {
		return syscallErr("KVM_SET_GUEST_DEBUG", err)
	}
	return nil
}

// GetVCPUEvents reads the vCPU's pending exception/interrupt state, a
// diagnostic for unexpected exits (shutdown, internal error).
func (h *Handle) GetVCPUEvents() (abi.VCPUEvents, error) {
	var ev abi.VCPUEvents
	if _, err := ioctlArg(h.vcpuFD.Value(), abi.KVMGetVCPUEvents, uintptr(unsafe.Pointer(&ev))); err != nil {
		return abi.VCPUEvents{}, syscallErr("KVM_GET_VCPU_EVENTS", err)
	}
	return ev, nil
}

// TranslateAddress resolves a guest virtual address through the
// vCPU's current paging mode, for diagnostics during debug single-step.
func (h *Handle) TranslateAddress(linear uint64) (abi.Translate, error) {
	t := abi.Translate{LinearAddress: linear}
	if _, err := ioctlArg(h.vcpuFD.Value(), abi.KVMTranslate, uintptr(unsafe.Pointer(&t))); err != nil {
		return abi.Translate{}, syscallErr("KVM_TRANSLATE", err)
	}
	return t, nil
}

// Run executes the vCPU until the next exit; callers decode the exit
// through RunData.
func (h *Handle) Run() error {
	if _, err := ioctlNoArg(h.vcpuFD.Value(), abi.KVMRun); err != nil {
		return syscallErr("KVM_RUN", err)
	}
	return nil
}

func ioctlNoArg(fd int, cmd uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cmd, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func ioctlArg(fd int, cmd uintptr, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cmd, arg)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
