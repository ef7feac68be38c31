//go:build linux

package vmm

import (
	"bytes"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vmforge/microvmm/internal/guestimage"
	"github.com/vmforge/microvmm/internal/hv"
	"github.com/vmforge/microvmm/internal/vmmlog"
)

// kvmAvailable skips a test when /dev/kvm isn't present or accessible,
// the same guard the pack's gokvm-family integration tests use so CI
// without nested virtualization doesn't fail outright.
func kvmAvailable(t *testing.T) {
	t.Helper()
	if err := unix.Access("/dev/kvm", unix.R_OK|unix.W_OK); err != nil {
		t.Skipf("/dev/kvm not accessible: %v", err)
	}
}

// openRawGuest brings up a hypervisor handle with a flat-mode guest
// program written directly at guestimage.AddrKernel32, bypassing the
// bzImage loader, which these scenarios have no use for. The guest
// enters in long mode at the program's first byte. Cleanup of the
// handle and the guest mapping is registered on t.
func openRawGuest(t *testing.T, program []byte) *hv.Handle {
	t.Helper()
	kvmAvailable(t)

	memRes, err := MapGuestMemory(guestimage.MappingSize)
	if err != nil {
		t.Fatalf("MapGuestMemory: %v", err)
	}
	t.Cleanup(memRes.Close)
	mem := memRes.Value()

	guestimage.SetupGDT(mem)
	guestimage.SetupPaging(mem)
	copy(mem[guestimage.AddrKernel32:], program)

	opts := hv.DefaultOptions()
	h, err := hv.Open(opts)
	if err != nil {
		t.Fatalf("hv.Open: %v", err)
	}
	t.Cleanup(h.Close)

	if err := h.SetUserMemoryRegion(0, mem); err != nil {
		t.Fatalf("SetUserMemoryRegion: %v", err)
	}
	if err := h.SetTSSAddr(opts.TSSAddr); err != nil {
		t.Fatalf("SetTSSAddr: %v", err)
	}
	if err := h.SetSregs(guestimage.SetupSregs()); err != nil {
		t.Fatalf("SetSregs: %v", err)
	}
	if err := h.SetRegs(guestimage.SetupRegs(guestimage.AddrKernel32, 0)); err != nil {
		t.Fatalf("SetRegs: %v", err)
	}
	if err := h.SetCPUID(); err != nil {
		t.Fatalf("SetCPUID: %v", err)
	}
	return h
}

// bootRaw runs a flat-mode guest program through the exit-reason loop,
// servicing the UART the same way Machine.Run does. It returns once the
// guest halts, and fails the test on a timeout or an unrecognized exit.
func bootRaw(t *testing.T, program []byte, stdout *os.File) {
	t.Helper()
	h := openRawGuest(t, program)

	serial := NewSerialPort(stdout, vmmlog.Discard())

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := h.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
		exit, data := hv.DecodeExit(h.RunData())
		switch exit.Kind {
		case hv.KindHLT:
			serial.Flush()
			return
		case hv.KindIO:
			if exit.IO.Port != Port {
				continue
			}
			if exit.IO.In {
				if len(data) > 0 {
					data[0] = serial.In()
				}
				continue
			}
			if len(data) > 0 {
				serial.Out(data[0])
			}
		default:
			t.Fatalf("unexpected exit reason %d", exit.Code)
		}
	}
	t.Fatal("guest did not halt within 5s")
}

func captureStdout(t *testing.T, run func(w *os.File)) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	done := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.String()
	}()

	run(w)
	w.Close()

	return <-done
}

// TestHaltOnly covers a bare HLT instruction: it exits with KindHLT on
// the first run.
func TestHaltOnly(t *testing.T) {
	kvmAvailable(t)
	program := []byte{0xF4} // hlt
	bootRaw(t, program, nil)
}

// TestPortWritePrintsSingleByte covers scenario 2: mov dx,0x3F8; mov
// al,'A'; out dx,al; hlt.
func TestPortWritePrintsSingleByte(t *testing.T) {
	kvmAvailable(t)
	program := []byte{
		0x66, 0xBA, 0xF8, 0x03, // mov dx, 0x3F8
		0xB0, 'A', // mov al, 'A'
		0xEE, // out dx, al
		0xF4, // hlt
	}
	out := captureStdout(t, func(w *os.File) {
		bootRaw(t, program, w)
	})
	if out != "A" {
		t.Errorf("serial output = %q, want %q", out, "A")
	}
}

// TestArithmeticThenPrint covers scenario 3: al=4, bl=2; add bl,al;
// mov al,bl; add al,'0'; out 0x3F8,al; out 0x3F8,'\n'; hlt.
func TestArithmeticThenPrint(t *testing.T) {
	kvmAvailable(t)
	program := []byte{
		0xB0, 0x04, // mov al, 4
		0xB3, 0x02, // mov bl, 2
		0x00, 0xC3, // add bl, al
		0x88, 0xD8, // mov al, bl
		0x04, '0', // add al, '0'
		0x66, 0xBA, 0xF8, 0x03, // mov dx, 0x3F8
		0xEE,       // out dx, al
		0xB0, '\n', // mov al, '\n'
		0xEE, // out dx, al
		0xF4, // hlt
	}
	out := captureStdout(t, func(w *os.File) {
		bootRaw(t, program, w)
	})
	if out != "6\n" {
		t.Errorf("serial output = %q, want %q", out, "6\n")
	}
}

// TestSingleStepDebugAdvancesRIP covers scenario 5: with debug armed,
// each KVM_RUN returns KindDebug (or KindIO for the port write) and
// RIP strictly advances after every KindDebug exit, until the guest
// reports KindHLT.
func TestSingleStepDebugAdvancesRIP(t *testing.T) {
	kvmAvailable(t)

	program := []byte{
		0x66, 0xBA, 0xF8, 0x03, // mov dx, 0x3F8
		0xB0, 'A', // mov al, 'A'
		0xEE, // out dx, al
		0xF4, // hlt
	}

	h := openRawGuest(t, program)
	if err := h.EnableDebug(true); err != nil {
		t.Fatalf("EnableDebug: %v", err)
	}

	lastRIP := uint64(guestimage.AddrKernel32)
	halted := false
	for i := 0; i < len(program)+4; i++ {
		if err := h.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
		exit, _ := hv.DecodeExit(h.RunData())
		if exit.Kind == hv.KindHLT {
			halted = true
			break
		}
		if exit.Kind != hv.KindDebug && exit.Kind != hv.KindIO {
			t.Fatalf("unexpected exit kind %v (code %d)", exit.Kind, exit.Code)
		}
		regs, err := h.GetRegs()
		if err != nil {
			t.Fatalf("GetRegs: %v", err)
		}
		if exit.Kind == hv.KindDebug && regs.RIP <= lastRIP {
			t.Errorf("RIP did not advance: lastRIP=%#x newRIP=%#x", lastRIP, regs.RIP)
		}
		lastRIP = regs.RIP
	}
	if !halted {
		t.Fatal("guest never reported HLT under single-step")
	}
}
