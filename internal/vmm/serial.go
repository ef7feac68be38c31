package vmm

import (
	"bytes"
	"io"
	"log/slog"
	"sync"

	"github.com/vmforge/microvmm/internal/vmmlog"
)

// SerialPort is the guest's 8250 UART at port 0x3F8. It is not a
// faithful 16550A model: out-direction accesses accumulate bytes into
// a line buffer and flush to an io.Writer on '\r' or '\n', and
// in-direction accesses always report the transmitter ready (XMTRDY)
// so the kernel's early-printk polling loop never stalls. That is the
// entire contract the guest's early console needs.
type SerialPort struct {
	mu  sync.Mutex
	out io.Writer
	log *slog.Logger
	buf bytes.Buffer
}

// Port is the guest I/O port this device answers on.
const Port = 0x3F8

// XMTRDY is the line-status byte returned for in-direction accesses:
// transmitter holding register and shift register both empty.
const XMTRDY = 0x20

// NewSerialPort returns a UART emulation that flushes completed lines
// to out. log may be nil.
func NewSerialPort(out io.Writer, log *slog.Logger) *SerialPort {
	if log == nil {
		log = vmmlog.Discard()
	}
	return &SerialPort{out: out, log: log}
}

// In services an in-direction exit on the UART port.
func (s *SerialPort) In() byte {
	return XMTRDY
}

// Out services an out-direction exit on the UART port, accumulating b
// into the current line and flushing on a line terminator.
func (s *SerialPort) Out(b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.WriteByte(b)
	if b == '\n' || b == '\r' {
		s.flushLocked()
	}
}

// Flush writes out any partial line still buffered, without requiring
// a trailing newline. Callers use this at guest shutdown so the last
// unterminated line isn't lost.
func (s *SerialPort) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *SerialPort) flushLocked() {
	if s.buf.Len() == 0 {
		return
	}
	if _, err := s.out.Write(s.buf.Bytes()); err != nil {
		s.log.Error("serial: write to guest console sink failed", "error", err)
	}
	s.buf.Reset()
}
