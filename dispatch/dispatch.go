// The dispatch package is the host side of the syscall trampoline:
// process code calls through a patched slot into Syscall, which maps
// the request onto a kernel operation.
package dispatch

import (
	"reflect"

	"golang.org/x/sys/unix"

	db "libos/debug"
	"libos/kernel"
	"libos/proc"
	"libos/serr"
)

// Not a Linux syscall: start the executable named by the string
// argument and return its pid.
const SYS_SPAWN = 1000

// Entry returns the address the loader patches into syscall slots.
func Entry() uintptr {
	return reflect.ValueOf(Syscall).Pointer()
}

// IsExit reports whether nr leaves the process.
func IsExit(nr uint64) bool {
	return nr == unix.SYS_EXIT || nr == unix.SYS_EXIT_GROUP
}

// Syscall runs syscall nr for th's current process. a0 is the integer
// argument, s0 the string argument. Errors are returned as negative
// errno values.
func Syscall(th *kernel.Thread, nr uint64, a0 int64, s0 string) int64 {
	k := th.Kernel()
	db.DPrintf(db.DISPATCH, "%v syscall %v a0 %v s0 %q", th, nr, a0, s0)
	switch nr {
	case unix.SYS_GETPID:
		return int64(k.GetPid(th))
	case unix.SYS_EXIT, unix.SYS_EXIT_GROUP:
		k.Exit(th, int32(a0))
		return 0
	case unix.SYS_WAIT4:
		code, err := k.Wait4(proc.Tpid(a0))
		if err != nil {
			db.DPrintf(db.DISPATCH_ERR, "wait4 %v err %v", a0, err)
			return serr.Errno(err)
		}
		return int64(code)
	case SYS_SPAWN:
		pid, err := k.Spawn(s0)
		if err != nil {
			db.DPrintf(db.DISPATCH_ERR, "spawn %q err %v", s0, err)
			return serr.Errno(err)
		}
		return int64(pid)
	default:
		db.DPrintf(db.DISPATCH_ERR, "unknown syscall %v", nr)
		return -int64(unix.ENOSYS)
	}
}
