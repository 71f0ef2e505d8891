package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"libos/config"
	db "libos/debug"
	"libos/dispatch"
	"libos/emul"
	"libos/hostthread"
	"libos/kernel"
	"libos/loader"
	"libos/sealfs"
	"libos/vma"
)

var (
	plain = flag.Bool("plain", false, "images are not sealed")
	key   = flag.String("key", "", "sealing key (32 hex digits); defaults to the configured key")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %v [-plain] [-key hex] init-image\n", os.Args[0])
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		db.DFatalf("Error config: %v", err)
	}
	if err := cfg.SetKey(*key); err != nil {
		db.DFatalf("Error key: %v", err)
	}
	var src loader.ImageSource = sealfs.Source{
		Key:        cfg.Key,
		Buffers:    cfg.ReadaheadBuffers,
		BufferSize: cfg.ReadaheadBufferSize,
	}
	if *plain {
		src = sealfs.PlainSource{}
	}
	alloc := vma.NewMmapAllocator()
	k, err := kernel.NewKernel(cfg, alloc, src, dispatch.Entry(), emul.NewSwitcher(alloc), hostthread.NewPool(cfg.MaxThreads))
	if err != nil {
		db.DFatalf("Error NewKernel: %v", err)
	}
	code, err := k.Boot(context.Background(), flag.Arg(0))
	if err != nil {
		db.DFatalf("Error Boot %v: %v", flag.Arg(0), err)
	}
	k.Shutdown()
	db.DPrintf(db.ALWAYS, "init exited %v; %v", code, k.Stats())
	os.Exit(int(code))
}
