package asm

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"libos/dispatch"
)

var syscalls = map[string]uint16{
	"getpid":     unix.SYS_GETPID,
	"exit":       unix.SYS_EXIT,
	"exit_group": unix.SYS_EXIT_GROUP,
	"wait4":      unix.SYS_WAIT4,
	"spawn":      dispatch.SYS_SPAWN,
}

// Parse assembles one instruction per line:
//
//	loadi 42
//	loads /bin/child
//	syscall spawn|wait4|getpid|exit|<nr>
//	trap
func Parse(lines []string) (*Asm, error) {
	a := New()
	for i, l := range lines {
		op, arg, _ := strings.Cut(strings.TrimSpace(l), " ")
		arg = strings.TrimSpace(arg)
		switch op {
		case "":
		case "loadi":
			v, err := strconv.ParseInt(arg, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("line %v: %v", i+1, err)
			}
			a.LoadI(int32(v))
		case "loads":
			if len(arg) > 0xffff {
				return nil, fmt.Errorf("line %v: string too long", i+1)
			}
			a.LoadS(arg)
		case "syscall":
			nr, ok := syscalls[arg]
			if !ok {
				n, err := strconv.ParseUint(arg, 0, 16)
				if err != nil {
					return nil, fmt.Errorf("line %v: unknown syscall %q", i+1, arg)
				}
				nr = uint16(n)
			}
			a.Syscall(nr)
		case "trap":
			a.Trap()
		default:
			return nil, fmt.Errorf("line %v: unknown instruction %q", i+1, op)
		}
	}
	if len(a.code) > CODE_SIZE-(ENTRY-CODE_VADDR) {
		return nil, fmt.Errorf("program too large: %v bytes", len(a.code))
	}
	return a, nil
}
