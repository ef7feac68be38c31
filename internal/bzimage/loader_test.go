package bzimage

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/vmforge/microvmm/internal/bootparams"
)

// validHeader builds a minimal bzImage-shaped buffer of the given
// total size with a valid real-mode setup header at the canonical
// offsets, so individual tests only need to perturb the field they
// care about.
func validHeader(t *testing.T, totalSize int, setupSects uint8) []byte {
	t.Helper()
	if totalSize < bootparams.Size {
		t.Fatalf("totalSize %d too small for boot_params", totalSize)
	}
	buf := make([]byte, totalSize)
	binary.LittleEndian.PutUint16(buf[0x1fa:], 0) // vid_mode, overwritten by Load
	buf[0x1f1] = setupSects
	binary.LittleEndian.PutUint16(buf[0x1fe:], bootparams.BootFlagMagic)
	binary.LittleEndian.PutUint16(buf[0x200:], (uint16(bootparams.JumpOffset)<<8)|0xEB)
	binary.LittleEndian.PutUint32(buf[0x202:], bootparams.HeaderMagic)
	return buf
}

func TestLoadImageTooSmallForBootParams(t *testing.T) {
	img := make([]byte, bootparams.Size-1)
	_, err := Load(img, 0x20000, nil, nil)
	var lerr *LoaderError
	if !errors.As(err, &lerr) || lerr.Kind != ImageTooSmall {
		t.Fatalf("Load() err = %v, want ImageTooSmall", err)
	}
}

func TestLoadInvalidBootFlag(t *testing.T) {
	img := validHeader(t, bootparams.Size+4096, 4)
	binary.LittleEndian.PutUint16(img[0x1fe:], 0x0000)
	_, err := Load(img, 0x20000, nil, nil)
	var lerr *LoaderError
	if !errors.As(err, &lerr) || lerr.Kind != InvalidImage {
		t.Fatalf("Load() err = %v, want InvalidImage", err)
	}
}

func TestLoadSucceedsAndKernel32LenMatches(t *testing.T) {
	const extra = 4096
	img := validHeader(t, bootparams.Size+extra, 4)
	res, err := Load(img, 0x20000, nil, nil)
	if err != nil {
		t.Fatalf("Load() err = %v, want success", err)
	}
	wantLen := len(img) - 2560
	if len(res.Kernel32) != wantLen {
		t.Errorf("len(Kernel32) = %d, want %d", len(res.Kernel32), wantLen)
	}
}

func TestLoadTooManyE820Entries(t *testing.T) {
	img := validHeader(t, bootparams.Size+4096, 4)
	entries := make([]bootparams.E820Entry, bootparams.E820MaxEntries+1)
	_, err := Load(img, 0x20000, nil, entries)
	var lerr *LoaderError
	if !errors.As(err, &lerr) || lerr.Kind != TooManyEntries {
		t.Fatalf("Load() err = %v, want TooManyEntries", err)
	}
	// No mutation visible: Load never writes through img itself, and
	// the TooManyEntries check runs before any boot_params mutation.
	untouched := validHeader(t, bootparams.Size+4096, 4)
	for i := range img {
		if img[i] != untouched[i] {
			t.Fatalf("input image mutated at offset 0x%x despite TooManyEntries failure", i)
		}
	}
}

func TestLoadE820RoundTrip(t *testing.T) {
	img := validHeader(t, bootparams.Size+4096, 4)
	entries := []bootparams.E820Entry{
		{Addr: 0, Size: 0x9fc00, Type: bootparams.E820RAM},
		{Addr: 0x100000, Size: 1 << 20, Type: bootparams.E820RAM},
	}
	res, err := Load(img, 0x20000, nil, entries)
	if err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	if int(res.BootParams.E820Entries()) != len(entries) {
		t.Fatalf("e820_entries = %d, want %d", res.BootParams.E820Entries(), len(entries))
	}
	got := res.BootParams.E820Table()
	for i, e := range entries {
		if got[i] != e {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], e)
		}
	}
}

func TestLoadInitramfsFields(t *testing.T) {
	img := validHeader(t, bootparams.Size+4096, 4)
	res, err := Load(img, 0x20000, &Initramfs{Addr: 0xF00000, Size: 4096}, nil)
	if err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	// Indirectly verified via round-trip through the bytes, since
	// BootParams exposes no raw getter for ramdisk fields (write-only).
	raw := res.BootParams.Bytes()
	if got := binary.LittleEndian.Uint32(raw[0x218:]); got != 0xF00000 {
		t.Errorf("ramdisk_image = 0x%x, want 0xF00000", got)
	}
	if got := binary.LittleEndian.Uint32(raw[0x21c:]); got != 4096 {
		t.Errorf("ramdisk_size = %d, want 4096", got)
	}
}
