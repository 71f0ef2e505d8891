package kernel

import (
	"fmt"
	"sync/atomic"

	db "libos/debug"
	"libos/proc"
)

var nthread atomic.Uint64

// A Thread is one host execution thread. Its current slot names the
// process the thread is running; only the thread itself touches it.
type Thread struct {
	k   *Kernel
	id  uint64
	cur *proc.Proc
}

func (k *Kernel) NewThread() *Thread {
	return &Thread{k: k, id: nthread.Add(1)}
}

func (th *Thread) Kernel() *Kernel {
	return th.k
}

// SetCurrent makes p the thread's current process, taking a reference.
func (th *Thread) SetCurrent(p *proc.Proc) {
	if th.cur != nil {
		db.DFatalf("SetCurrent %v: thread %v already runs %v", p.GetPid(), th.id, th.cur.GetPid())
	}
	th.cur = p.Ref()
}

// WithCurrent calls f with the current process, if there is one.
func (th *Thread) WithCurrent(f func(p *proc.Proc)) bool {
	if th.cur == nil {
		return false
	}
	f(th.cur)
	return true
}

func (th *Thread) Current() (*proc.Proc, bool) {
	return th.cur, th.cur != nil
}

// ResetCurrent empties the slot and drops its reference.
func (th *Thread) ResetCurrent() {
	if th.cur != nil {
		th.cur.Unref()
		th.cur = nil
	}
}

func (th *Thread) String() string {
	if th.cur == nil {
		return fmt.Sprintf("{th %v idle}", th.id)
	}
	return fmt.Sprintf("{th %v pid %v}", th.id, th.cur.GetPid())
}
