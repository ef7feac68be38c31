package bootparams

import "testing"

// TestFieldOffsets pins the vendored layout against the published
// kernel uapi offsets, so a transcription slip shows up here instead
// of as a silent guest triple fault.
func TestFieldOffsets(t *testing.T) {
	cases := []struct {
		name string
		off  int
	}{
		{"e820_entries", offE820Entries},
		{"setup_sects", offSetupSects},
		{"vid_mode", offVidMode},
		{"boot_flag", offBootFlag},
		{"jump", offJump},
		{"header", offHeader},
		{"type_of_loader", offTypeOfLoader},
		{"loadflags", offLoadflags},
		{"ramdisk_image", offRamdiskImage},
		{"ramdisk_size", offRamdiskSize},
		{"heap_end_ptr", offHeapEndPtr},
		{"cmd_line_ptr", offCmdLinePtr},
		{"ext_cmd_line_ptr", offExtCmdLinePtr},
		{"e820_table", offE820Table},
	}
	want := map[string]int{
		"e820_entries":     0x1e8,
		"setup_sects":      0x1f1,
		"vid_mode":         0x1fa,
		"boot_flag":        0x1fe,
		"jump":             0x200,
		"header":           0x202,
		"type_of_loader":   0x210,
		"loadflags":        0x211,
		"ramdisk_image":    0x218,
		"ramdisk_size":     0x21c,
		"heap_end_ptr":     0x224,
		"cmd_line_ptr":     0x228,
		"ext_cmd_line_ptr": 0x0c8,
		"e820_table":       0x2d0,
	}
	for _, c := range cases {
		if want[c.name] != c.off {
			t.Errorf("offset of %s = 0x%x, want 0x%x", c.name, c.off, want[c.name])
		}
	}
}

func TestSetE820RoundTrip(t *testing.T) {
	bp := &BootParams{}
	entries := []E820Entry{
		{Addr: 0, Size: 0x9fc00, Type: E820RAM},
		{Addr: 0x9fc00, Size: 0x400, Type: E820Reserved},
		{Addr: 0x100000, Size: 1<<30 - 0x100000, Type: E820RAM},
	}
	bp.SetE820(entries)
	if got := bp.E820Entries(); int(got) != len(entries) {
		t.Fatalf("E820Entries() = %d, want %d", got, len(entries))
	}
	got := bp.E820Table()
	for i, e := range entries {
		if got[i] != e {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], e)
		}
	}
}

func TestSetE820OverCapacityPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for over-capacity SetE820")
		}
	}()
	bp := &BootParams{}
	bp.SetE820(make([]E820Entry, E820MaxEntries+1))
}
