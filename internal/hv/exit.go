package hv

import (
	"unsafe"

	"github.com/vmforge/microvmm/internal/hv/abi"
)

// Exit is the decoded result of one KVM_RUN call. IO is meaningful
// only for KindIO and Code only for KindOther; callers switch on Kind
// rather than probing every field.
type Exit struct {
	Kind ExitKind
	IO   IOExit
	Code abi.ExitReason
}

// ExitKind classifies a KVM_RUN return the way this hypervisor's
// run-exit loop needs to branch on it; everything KVM can report that
// this hypervisor doesn't service collapses into KindOther.
type ExitKind int

const (
	KindHLT ExitKind = iota
	KindIO
	KindDebug
	KindOther
)

// IOExit describes a port I/O exit: a single access, in or out, at
// Port, Size bytes wide.
type IOExit struct {
	In   bool
	Port uint16
	Size uint8
}

// DecodeExit classifies the vCPU's last exit from the live RunData.
// For KindIO it also returns the guest-supplied data byte(s) so the
// caller can service the access without re-reading RunData itself.
func DecodeExit(r *abi.RunData) (Exit, []byte) {
	switch abi.ExitReason(r.ExitReason) {
	case abi.ExitHLT:
		return Exit{Kind: KindHLT}, nil
	case abi.ExitDebug:
		return Exit{Kind: KindDebug}, nil
	case abi.ExitIO:
		size := r.IOSize()
		offset := r.IODataOffset()
		addr := unsafe.Pointer(uintptr(unsafe.Pointer(r)) + uintptr(offset))
		data := unsafe.Slice((*byte)(addr), int(size))
		return Exit{
			Kind: KindIO,
			IO: IOExit{
				In:   r.IODirection() == abi.ExitIOIn,
				Port: r.IOPort(),
				Size: size,
			},
		}, data
	default:
		return Exit{Kind: KindOther, Code: abi.ExitReason(r.ExitReason)}, nil
	}
}
