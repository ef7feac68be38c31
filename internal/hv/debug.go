package hv

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// DecodeInstructionAt disassembles the instruction at the guest's
// current RIP for single-step diagnostics. mem is the guest physical
// memory slice and rip must already be translated to a physical
// offset into it by the caller (flat-mapped guests can pass it
// through unchanged).
func DecodeInstructionAt(mem []byte, rip uint64) (x86asm.Inst, error) {
	if rip >= uint64(len(mem)) {
		return x86asm.Inst{}, fmt.Errorf("hv: rip %#x outside guest memory", rip)
	}
	end := rip + 16
	if end > uint64(len(mem)) {
		end = uint64(len(mem))
	}
	inst, err := x86asm.Decode(mem[rip:end], 64)
	if err != nil {
		return x86asm.Inst{}, fmt.Errorf("hv: decode instruction at %#x: %w", rip, err)
	}
	return inst, nil
}
