// Command microvmm boots a Linux bzImage kernel and initramfs inside a
// single KVM vCPU. Usage is intentionally minimal: two positional
// paths and a couple of debug/sizing flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vmforge/microvmm/internal/vmm"
	"github.com/vmforge/microvmm/internal/vmmlog"
)

func main() {
	debug := flag.Bool("debug", false, "enable single-step tracing and verbose logging")
	memMB := flag.Uint64("mem-mb", 1024, "guest memory size in megabytes")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <bzimage> <initramfs>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	log := vmmlog.New(*debug)

	m, err := vmm.New(vmm.Config{
		KernelPath:    flag.Arg(0),
		InitramfsPath: flag.Arg(1),
		MemoryBytes:   *memMB * 1024 * 1024,
		Debug:         *debug,
		Stdout:        os.Stdout,
		Log:           log,
	})
	if err != nil {
		log.Error("microvmm: setup failed", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	if err := m.Run(context.Background()); err != nil {
		log.Error("microvmm: run failed", "error", err)
		os.Exit(1)
	}
}
