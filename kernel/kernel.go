// The kernel package ties the process core together: spawning images,
// running admitted processes on host threads and the exit/wait protocol
// between them.
package kernel

import (
	"context"
	"fmt"
	"time"

	"libos/config"
	db "libos/debug"
	"libos/loader"
	"libos/pids"
	"libos/proc"
	"libos/procq"
	"libos/proctab"
	"libos/serr"
	"libos/vma"
)

const (
	EXIT_FAULT  = 139 // 128 + SIGSEGV
	EXIT_KILLED = 137 // 128 + SIGKILL
)

// A Switcher transfers the calling thread into a process's address
// space and returns when the process leaves it again.
type Switcher interface {
	Switch(th *Thread, task *proc.Task) error
}

// A Provisioner starts fn on a fresh host execution thread.
type Provisioner interface {
	Provision(fn func()) error
}

// A WaitProvisioner can also wait for a thread to become free.
type WaitProvisioner interface {
	Provisioner
	ProvisionWait(ctx context.Context, fn func()) error
}

type Kernel struct {
	cfg   *config.Config
	tab   *proctab.Table
	q     *procq.Queue
	pids  *pids.PidAllocator
	ld    *loader.Loader
	sw    Switcher
	prov  Provisioner
	stats Stats
}

// NewKernel makes a kernel whose images are read from src and placed by
// alloc. dispatch is the address patched into syscall relocation slots.
func NewKernel(cfg *config.Config, alloc vma.Allocator, src loader.ImageSource, dispatch uintptr, sw Switcher, prov Provisioner) (*Kernel, error) {
	pa := pids.NewPidAllocator()
	ld, err := loader.NewLoader(cfg, alloc, pa, src, dispatch)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		cfg:  cfg,
		tab:  proctab.NewTable(),
		q:    procq.NewQueue(),
		pids: pa,
		ld:   ld,
		sw:   sw,
		prov: prov,
	}
	db.DPrintf(db.KERNEL, "NewKernel %v", cfg)
	return k, nil
}

func (k *Kernel) Table() *proctab.Table {
	return k.tab
}

func (k *Kernel) Queue() *procq.Queue {
	return k.q
}

func (k *Kernel) Loader() *loader.Loader {
	return k.ld
}

func (k *Kernel) Stats() *Stats {
	return &k.stats
}

// Spawn loads the executable at path, provisions a thread for it, and
// registers and admits it.
func (k *Kernel) Spawn(path string) (proc.Tpid, error) {
	p, err := k.spawn(path, k.prov.Provision)
	if err != nil {
		return proc.NO_PID, err
	}
	defer p.Unref()
	return p.GetPid(), nil
}

// Boot spawns path as the init process and waits for it to exit. Init is
// not reaped through Wait4, so Boot waits on its own reference. If the
// provisioner supports it, Boot waits for a free thread until ctx is
// done instead of failing.
func (k *Kernel) Boot(ctx context.Context, path string) (int32, error) {
	provision := k.prov.Provision
	if wp, ok := k.prov.(WaitProvisioner); ok {
		provision = func(fn func()) error {
			return wp.ProvisionWait(ctx, fn)
		}
	}
	p, err := k.spawn(path, provision)
	if err != nil {
		return 0, err
	}
	defer p.Unref()
	if p.GetPid() != proc.INIT_PID {
		db.DPrintf(db.KERNEL_ERR, "Boot %v: pid %v is not init", path, p.GetPid())
	}
	code := p.WaitExit()
	db.DPrintf(db.KERNEL, "Boot %v: init exited %v", path, code)
	return code, nil
}

// Returns the new process with a reference owned by the caller. The
// thread is provisioned before the process is registered, and waits for
// the enqueue, so every admitted process has exactly one thread to run
// it and a failed provision leaves the table and queue untouched.
func (k *Kernel) spawn(path string, provision func(fn func()) error) (*proc.Proc, error) {
	p, err := k.ld.Load(path)
	if err != nil {
		db.DPrintf(db.SPAWN_ERR, "Load %v err %v", path, err)
		return nil, err
	}
	pid := p.GetPid()
	admitted := make(chan struct{})
	if err := provision(func() {
		<-admitted
		k.runThread()
	}); err != nil {
		db.DPrintf(db.SPAWN_ERR, "Provision %v err %v", pid, err)
		p.Unref()
		if serr.IsErrCode(err, serr.TErrProvision) {
			return nil, err
		}
		return nil, serr.NewErrWrap(serr.TErrProvision, path, err)
	}
	k.tab.Insert(p)
	k.q.Enqueue(p)
	close(admitted)
	k.stats.Nspawn.Add(1)
	db.DPrintf(db.SPAWN, "Spawn %v pid %v", path, pid)
	return p, nil
}

func (k *Kernel) runThread() {
	th := k.NewThread()
	if err := k.Run(th); err != nil {
		db.DPrintf(db.KERNEL_ERR, "Run %v err %v", th, err)
	}
}

// Run runs the oldest admitted process on th until it leaves its
// address space. A process that faults out of the switch is exited with
// EXIT_FAULT so its waiters are released.
func (k *Kernel) Run(th *Thread) error {
	p, enq, ok := k.q.Dequeue()
	if !ok {
		return serr.NewErr(serr.TErrNothingToRun, "admission queue empty")
	}
	defer p.Unref()
	k.stats.admitted(time.Since(enq))
	k.stats.Nrun.Add(1)

	th.SetCurrent(p)
	defer th.ResetCurrent()

	db.DPrintf(db.RUN, "Run %v on %v task %v", p.GetPid(), th, &p.Task)
	err := k.sw.Switch(th, &p.Task)
	if err != nil {
		db.DPrintf(db.KERNEL_ERR, "Switch %v err %v", p.GetPid(), err)
		if p.Exit(EXIT_FAULT) {
			k.stats.Nfault.Add(1)
		}
	}
	// Nobody reaps init.
	if p.GetPid() == proc.INIT_PID {
		k.tab.Remove(p.GetPid())
	}
	db.DPrintf(db.RUN, "Run %v done status %v", p.GetPid(), p.GetStatus())
	return err
}

// GetPid returns the pid of th's current process.
func (k *Kernel) GetPid(th *Thread) proc.Tpid {
	pid := proc.NO_PID
	th.WithCurrent(func(p *proc.Proc) {
		pid = p.GetPid()
	})
	return pid
}

// Exit records code as the exit code of th's current process and wakes
// its waiters. The table entry stays until the process is reaped.
func (k *Kernel) Exit(th *Thread, code int32) {
	if !th.WithCurrent(func(p *proc.Proc) {
		if p.Exit(code) {
			db.DPrintf(db.PROC, "Exit %v code %v", p.GetPid(), code)
		}
	}) {
		db.DPrintf(db.KERNEL_ERR, "Exit on idle %v", th)
	}
}

// Wait4 blocks until process pid has exited, reaps it and returns its
// exit code.
func (k *Kernel) Wait4(pid proc.Tpid) (int32, error) {
	p, ok := k.tab.Lookup(pid)
	if !ok {
		db.DPrintf(db.WAIT, "Wait4 %v: no such process", pid)
		return 0, serr.NewErr(serr.TErrNotfound, fmt.Sprintf("pid %v", pid))
	}
	defer p.Unref()

	db.DPrintf(db.WAIT, "Wait4 %v", pid)
	code := p.WaitExit()
	if k.tab.Remove(pid) {
		k.stats.Nreap.Add(1)
	}
	db.DPrintf(db.WAIT, "Wait4 %v exited %v", pid, code)
	return code, nil
}

// Shutdown kills processes that never ran, waits for the provisioned
// threads if the provisioner supports it, and drops the table.
func (k *Kernel) Shutdown() {
	n := k.q.Drain(func(p *proc.Proc) {
		p.Exit(EXIT_KILLED)
	})
	if w, ok := k.prov.(interface{ Wait() }); ok {
		w.Wait()
	}
	m := k.tab.Clear()
	db.DPrintf(db.KERNEL, "Shutdown: killed %v, dropped %v; %v", n, m, &k.stats)
}
