// Package vmm wires together the bzImage loader, the guest-memory
// preparer, and the hypervisor handle into a single run-exit loop,
// collapsed to the single-vCPU case this hypervisor supports.
package vmm

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"

	"github.com/vmforge/microvmm/internal/bootparams"
	"github.com/vmforge/microvmm/internal/bzimage"
	"github.com/vmforge/microvmm/internal/guestimage"
	"github.com/vmforge/microvmm/internal/hv"
	"github.com/vmforge/microvmm/internal/hv/abi"
	"github.com/vmforge/microvmm/internal/scoped"
	"github.com/vmforge/microvmm/internal/vmmlog"
)

// Cmdline is the fixed kernel command line this hypervisor boots
// every guest with; there is no facility to override it.
const Cmdline = "console=ttyS0 earlyprintk=ttyS0 rdinit=/init\x00"

// ebdaStart is the conventional boundary below 1 MiB historically
// reserved for the Extended BIOS Data Area; the guest's E820 map below
// carries it forward even though no firmware populates it here.
const ebdaStart = 0x9fc00

// Config carries everything the orchestrator needs from the CLI layer.
type Config struct {
	KernelPath    string
	InitramfsPath string
	MemoryBytes   uint64
	Debug         bool
	Stdout        *os.File
	Log           *slog.Logger
}

// Machine owns the guest RAM mapping and the hypervisor handle for one
// boot. Call Close to release both.
type Machine struct {
	cfg    Config
	log    *slog.Logger
	mem    *scoped.Resource[[]byte]
	hv     *hv.Handle
	serial *SerialPort
}

// New loads the kernel and initramfs, allocates and populates the
// guest physical address space (GDT, paging, boot_params, cmdline,
// kernel, initramfs) and opens the hypervisor handle with the mapping
// registered as slot 0.
func New(cfg Config) (m *Machine, err error) {
	log := cfg.Log
	if log == nil {
		log = vmmlog.New(cfg.Debug)
	}
	memSize := cfg.MemoryBytes
	if memSize == 0 {
		memSize = guestimage.MappingSize
	}

	kernelImg, err := os.ReadFile(cfg.KernelPath)
	if err != nil {
		return nil, ioErr("read kernel image", cfg.KernelPath, err)
	}
	initrd, err := os.ReadFile(cfg.InitramfsPath)
	if err != nil {
		return nil, ioErr("read initramfs", cfg.InitramfsPath, err)
	}

	if uint64(guestimage.AddrInitramfs)+uint64(len(initrd)) > memSize {
		return nil, fmt.Errorf("vmm: initramfs (%d bytes) does not fit in %d-byte guest memory at %#x", len(initrd), memSize, guestimage.AddrInitramfs)
	}

	e820 := []bootparams.E820Entry{
		{Addr: 0, Size: ebdaStart, Type: bootparams.E820RAM},
		{Addr: ebdaStart, Size: 0x100000 - ebdaStart, Type: bootparams.E820Reserved},
		{Addr: 0x100000, Size: memSize - 0x100000, Type: bootparams.E820RAM},
	}

	loaded, err := bzimage.Load(kernelImg, guestimage.AddrCmdline, &bzimage.Initramfs{
		Addr: guestimage.AddrInitramfs,
		Size: uint32(len(initrd)),
	}, e820)
	if err != nil {
		return nil, fmt.Errorf("vmm: load bzImage: %w", err)
	}

	memRes, err := MapGuestMemory(memSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			memRes.Close()
		}
	}()
	mem := memRes.Value()

	guestimage.SetupGDT(mem)
	guestimage.SetupPaging(mem)

	copy(mem[guestimage.AddrBootParams:], loaded.BootParams.Bytes())
	copy(mem[guestimage.AddrCmdline:], Cmdline)
	copy(mem[guestimage.AddrKernel32:], loaded.Kernel32)
	copy(mem[guestimage.AddrInitramfs:], initrd)

	opts := hv.DefaultOptions()
	h, err := hv.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("vmm: open hypervisor handle: %w", err)
	}
	hvRes := scoped.New(h, func(h *hv.Handle) { h.Close() })
	defer func() {
		if err != nil {
			hvRes.Close()
		}
	}()

	if err := h.SetUserMemoryRegion(0, mem); err != nil {
		return nil, fmt.Errorf("vmm: register guest memory: %w", err)
	}
	if err := h.SetTSSAddr(opts.TSSAddr); err != nil {
		return nil, fmt.Errorf("vmm: program tss: %w", err)
	}

	sregs := guestimage.SetupSregs()
	if err := h.SetSregs(sregs); err != nil {
		return nil, fmt.Errorf("vmm: install sregs: %w", err)
	}

	rip := uint64(guestimage.AddrKernel32) + uint64(bzimage.Entry32Offset)
	regs := guestimage.SetupRegs(rip, guestimage.AddrBootParams)
	if err := h.SetRegs(regs); err != nil {
		return nil, fmt.Errorf("vmm: install regs: %w", err)
	}

	if err := h.SetCPUID(); err != nil {
		return nil, fmt.Errorf("vmm: install cpuid: %w", err)
	}

	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	log.Info("vmm: guest configured", "kernel", cfg.KernelPath, "initramfs", cfg.InitramfsPath, "mem_bytes", memSize, "rip", fmt.Sprintf("%#x", rip))

	return &Machine{
		cfg:    cfg,
		log:    log,
		mem:    memRes,
		hv:     h,
		serial: NewSerialPort(stdout, log),
	}, nil
}

// MapGuestMemory allocates an anonymous shared host mapping of size
// bytes, wrapped for scoped release. The mapping is shared so the
// hypervisor and the host observe each other's writes through the
// registered memory slot.
func MapGuestMemory(size uint64) (*scoped.Resource[[]byte], error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("vmm: mmap %d-byte guest memory: %w", size, err)
	}
	return scoped.New(mem, func(m []byte) { _ = unix.Munmap(m) }), nil
}

// Close releases the hypervisor handle and the guest RAM mapping, in
// reverse order of acquisition, and flushes any partial serial line
// still buffered.
func (m *Machine) Close() {
	m.serial.Flush()
	if m.hv != nil {
		m.hv.Close()
	}
	if m.mem != nil {
		m.mem.Close()
	}
}

// Run executes the run-exit loop until the guest halts, an unknown
// exit reason is seen, or ctx is canceled. It returns nil only on a
// clean HLT exit.
func (m *Machine) Run(ctx context.Context) error {
	if m.cfg.Debug {
		if err := m.hv.EnableDebug(true); err != nil {
			return fmt.Errorf("vmm: enable debug: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := m.hv.Run(); err != nil {
			return fmt.Errorf("vmm: KVM_RUN: %w", err)
		}

		exit, data := hv.DecodeExit(m.hv.RunData())
		switch exit.Kind {
		case hv.KindHLT:
			m.log.Info("vmm: guest halted")
			return nil
		case hv.KindIO:
			m.serviceIO(exit.IO, data)
		case hv.KindDebug:
			m.logDebugStep()
		default:
			m.logPendingEvents(exit.Code)
			return fmt.Errorf("vmm: unhandled exit reason %d", exit.Code)
		}
	}
}

func (m *Machine) serviceIO(io hv.IOExit, data []byte) {
	if io.Port != Port {
		m.log.Warn("vmm: unhandled io port", "port", io.Port, "in", io.In)
		return
	}
	if io.In {
		if len(data) > 0 {
			data[0] = m.serial.In()
		}
		return
	}
	if len(data) > 0 {
		m.serial.Out(data[0])
	}
}

func (m *Machine) logDebugStep() {
	regs, err := m.hv.GetRegs()
	if err != nil {
		m.log.Warn("vmm: debug step: get_regs failed", "error", err)
		return
	}
	phys := regs.RIP
	if tr, err := m.hv.TranslateAddress(regs.RIP); err == nil && tr.Valid != 0 {
		phys = tr.PhysicalAddress
	}
	mem := m.mem.Value()
	inst, err := hv.DecodeInstructionAt(mem, phys)
	if err != nil {
		m.log.Debug("vmm: debug step", "rip", fmt.Sprintf("%#x", regs.RIP), "phys", fmt.Sprintf("%#x", phys), "decode_error", err)
		return
	}
	m.log.Debug("vmm: debug step", "rip", fmt.Sprintf("%#x", regs.RIP), "phys", fmt.Sprintf("%#x", phys), "instruction", inst.String())
}

// logPendingEvents dumps the vCPU's pending exception/interrupt state
// when the loop is about to die on an exit it can't service; a triple
// fault shows up here as a pending event instead of a bare
// "unhandled exit reason 8".
func (m *Machine) logPendingEvents(code abi.ExitReason) {
	ev, err := m.hv.GetVCPUEvents()
	if err != nil {
		m.log.Warn("vmm: get_vcpu_events failed", "exit_code", uint32(code), "error", err)
		return
	}
	m.log.Error("vmm: fatal guest exit",
		"exit_code", uint32(code),
		"exception_pending", ev.ExceptionPending,
		"exception_nr", ev.ExceptionNr,
		"interrupt_injected", ev.InterruptInjected,
		"nmi_pending", ev.NMIPending,
		"triple_fault_pending", ev.TripleFaultPending,
	)
}
