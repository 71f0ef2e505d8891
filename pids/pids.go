// The pids package hands out process identifiers.
package pids

import (
	"sync/atomic"

	db "libos/debug"
	"libos/proc"
)

// PidAllocator returns strictly increasing pids, starting at 1. Pids are
// never reused: Release is a placeholder for a reuse policy.
type PidAllocator struct {
	next atomic.Uint32
}

func NewPidAllocator() *PidAllocator {
	pa := &PidAllocator{}
	pa.next.Store(uint32(proc.INIT_PID))
	return pa
}

func (pa *PidAllocator) Alloc() proc.Tpid {
	pid := proc.Tpid(pa.next.Add(1) - 1)
	db.DPrintf(db.PIDS, "Alloc %v", pid)
	return pid
}

// XXX pids are not reclaimed.
func (pa *PidAllocator) Release(pid proc.Tpid) {
	db.DPrintf(db.PIDS, "Release %v (not reclaimed)", pid)
}
