package main

//
// Assemble a program for the emulated instruction set into an image,
// sealed with the configured key unless -plain is given. Instructions
// are read one per line from stdin.
//

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"libos/config"
	db "libos/debug"
	"libos/emul/asm"
	"libos/sealfs"
)

var (
	plain = flag.Bool("plain", false, "write the image unsealed")
	key   = flag.String("key", "", "sealing key (32 hex digits); defaults to the configured key")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %v [-plain] [-key hex] out < prog\n", os.Args[0])
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		db.DFatalf("Error config: %v", err)
	}
	if err := cfg.SetKey(*key); err != nil {
		db.DFatalf("Error key: %v", err)
	}
	var lines []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		db.DFatalf("Error read: %v", err)
	}
	prog, err := asm.Parse(lines)
	if err != nil {
		db.DFatalf("Error assemble: %v", err)
	}
	img := prog.Image(cfg.SyscallSymbol)
	if *plain {
		err = os.WriteFile(flag.Arg(0), img, 0755)
	} else {
		err = sealfs.SealFile(flag.Arg(0), img, cfg.Key)
	}
	if err != nil {
		db.DFatalf("Error write %v: %v", flag.Arg(0), err)
	}
}
