// Package bzimage validates and mutates a Linux bzImage's real-mode
// setup header and exposes the finalized boot_params image together
// with the 32-bit protected-mode kernel slice. Grounded directly on
// the BzImage::new algorithm in the reference Rust implementation this
// system's behavior was distilled from.
package bzimage

import (
	"fmt"

	"github.com/vmforge/microvmm/internal/bootparams"
)

// LoaderErrorKind enumerates the non-retryable failure modes of Load.
type LoaderErrorKind int

const (
	// ImageTooSmall means img is shorter than required to hold
	// either the boot_params header or the computed kernel offset.
	ImageTooSmall LoaderErrorKind = iota
	// InvalidImage means the real-mode header's magic fields do not
	// match the expected boot-protocol values.
	InvalidImage
	// TooManyEntries means the caller supplied more E820 entries
	// than the zero page's static e820_table can hold.
	TooManyEntries
)

func (k LoaderErrorKind) String() string {
	switch k {
	case ImageTooSmall:
		return "ImageTooSmall"
	case InvalidImage:
		return "InvalidImage"
	case TooManyEntries:
		return "TooManyEntries"
	default:
		return "LoaderError(unknown)"
	}
}

// LoaderError is returned by Load. It is never retryable: the caller
// surfaces it to the user with the causing condition named.
type LoaderError struct {
	Kind   LoaderErrorKind
	Detail string
}

func (e *LoaderError) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func loaderErr(kind LoaderErrorKind, format string, args ...any) error {
	return &LoaderError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Initramfs describes an optional initial RAM filesystem placement.
// A nil *Initramfs means no initramfs is loaded (ramdisk_image/size
// are both written as zero).
type Initramfs struct {
	Addr uint32
	Size uint32
}

// Result is the output of Load: the finalized boot_params image and
// the 32-bit kernel slice. The 64-bit entry point is 0x200 bytes into
// Kernel32, per the Linux boot protocol's bzImage entry convention.
type Result struct {
	BootParams *bootparams.BootParams
	Kernel32   []byte
}

// Entry32Offset is the byte offset of the protected-mode entry point
// within Result.Kernel32.
const Entry32Offset = 0x200

// Load validates img's real-mode setup header, computes the kernel
// byte offset, and returns the finalized boot_params plus the 32-bit
// kernel slice. img is never mutated; cmdlineAddr, initramfs and e820
// describe the guest placement this loader bakes into boot_params.
func Load(img []byte, cmdlineAddr uint32, initramfs *Initramfs, e820 []bootparams.E820Entry) (*Result, error) {
	if len(img) < bootparams.Size {
		return nil, loaderErr(ImageTooSmall, "image is %d bytes, need at least %d for boot_params", len(img), bootparams.Size)
	}

	bp := bootparams.FromBytes(img)

	if bp.BootFlag() != bootparams.BootFlagMagic {
		return nil, loaderErr(InvalidImage, "boot_flag = 0x%04x, want 0x%04x", bp.BootFlag(), bootparams.BootFlagMagic)
	}
	if bp.Header() != bootparams.HeaderMagic {
		return nil, loaderErr(InvalidImage, "header = 0x%08x, want 0x%08x", bp.Header(), bootparams.HeaderMagic)
	}
	if jumpHigh := bp.Jump() >> 8; jumpHigh != bootparams.JumpOffset {
		return nil, loaderErr(InvalidImage, "jump>>8 = %d, want %d", jumpHigh, bootparams.JumpOffset)
	}

	kernelByteOffset := kernelByteOffset(bp.SetupSects())
	if len(img) < kernelByteOffset {
		return nil, loaderErr(ImageTooSmall, "image is %d bytes, need at least %d for kernel32 at computed offset", len(img), kernelByteOffset)
	}

	if len(e820) > bootparams.E820MaxEntries {
		return nil, loaderErr(TooManyEntries, "%d entries exceeds e820_table capacity %d", len(e820), bootparams.E820MaxEntries)
	}

	bp.SetVidMode(0xFFFF)
	bp.SetTypeOfLoader(0xFF)
	bp.SetLoadflags(bp.Loadflags() | bootparams.LoadedHigh | bootparams.CanUseHeap)

	var ramdiskAddr, ramdiskSize uint32
	if initramfs != nil {
		ramdiskAddr, ramdiskSize = initramfs.Addr, initramfs.Size
	}
	bp.SetRamdiskImage(ramdiskAddr)
	bp.SetRamdiskSize(ramdiskSize)

	// Hard-coded 56 KiB setup-heap sentinel. The boot-protocol
	// canonical value is usually derived from the cmdline placement,
	// but this value is preserved as-is: see design notes on this
	// being a potential incompatibility with non-standard images.
	bp.SetHeapEndPtr(0xDE00)

	bp.SetCmdLinePtr(cmdlineAddr)
	bp.SetExtCmdLinePtr(0)

	bp.SetE820(e820)

	kernel32 := make([]byte, len(img)-kernelByteOffset)
	copy(kernel32, img[kernelByteOffset:])

	return &Result{BootParams: bp, Kernel32: kernel32}, nil
}

// kernelByteOffset computes the byte offset of the protected-mode
// kernel within a bzImage from its setup_sects field. setup_sects==0
// means 4 (a historical default for very old boot loaders).
func kernelByteOffset(setupSects uint8) int {
	sects := int(setupSects)
	if sects == 0 {
		sects = 4
	}
	return (sects + 1) * 512
}
