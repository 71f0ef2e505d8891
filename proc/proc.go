package proc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"

	db "libos/debug"
	"libos/vma"
)

// A Proc is a loaded process image plus its lifecycle state. It is
// shared by the process table, the admission queue and the current slot
// of the thread running it; each holds one reference, and the process
// is destroyed when the last reference is dropped.
type Proc struct {
	mu       deadlock.Mutex
	cond     *sync.Cond
	status   Tstatus
	exitCode int32
	nwakeup  uint64

	pid     Tpid
	nref    atomic.Int32
	destroy func(*Proc)

	Program   string
	Code      *vma.Vma
	Data      *vma.Vma
	Stack     *vma.Vma
	BaseAddr  uintptr
	EntryAddr uintptr
	Task      Task
	SpawnTime time.Time
}

// NewProc returns a RUNNING process holding one reference, owned by the
// caller. destroy runs when the last reference is dropped.
func NewProc(pid Tpid, program string, code, data, stack *vma.Vma, base, entry uintptr, destroy func(*Proc)) *Proc {
	p := &Proc{
		pid:       pid,
		status:    RUNNING,
		destroy:   destroy,
		Program:   program,
		Code:      code,
		Data:      data,
		Stack:     stack,
		BaseAddr:  base,
		EntryAddr: entry,
		SpawnTime: time.Now(),
	}
	p.cond = sync.NewCond(&p.mu)
	p.nref.Store(1)
	return p
}

func (p *Proc) GetPid() Tpid {
	return p.pid
}

func (p *Proc) Vmas() []*vma.Vma {
	return []*vma.Vma{p.Code, p.Data, p.Stack}
}

// Ref takes another reference to p.
func (p *Proc) Ref() *Proc {
	if n := p.nref.Add(1); n <= 1 {
		db.DFatalf("Ref of destroyed proc %v (nref %v)", p.pid, n)
	}
	return p
}

// Unref drops a reference and destroys p if it was the last one.
func (p *Proc) Unref() {
	n := p.nref.Add(-1)
	if n < 0 {
		db.DFatalf("Unref of destroyed proc %v", p.pid)
	}
	if n == 0 {
		db.DPrintf(db.PROC, "Destroy proc %v", p.pid)
		if p.destroy != nil {
			p.destroy(p)
		}
	}
}

func (p *Proc) NRef() int32 {
	return p.nref.Load()
}

func (p *Proc) GetStatus() Tstatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SetStatus moves p to a non-terminal state. A zombie stays a zombie.
func (p *Proc) SetStatus(status Tstatus) bool {
	if status == ZOMBIE {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status == ZOMBIE {
		return false
	}
	p.status = status
	p.cond.Broadcast()
	return true
}

// Exit records code and marks p a zombie, waking every waiter. Only the
// first exit counts.
func (p *Proc) Exit(code int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status == ZOMBIE {
		db.DPrintf(db.PROC, "proc %v already exited with %v", p.pid, p.exitCode)
		return false
	}
	p.exitCode = code
	p.status = ZOMBIE
	p.cond.Broadcast()
	return true
}

// ExitCode returns the exit code and whether it is valid yet.
func (p *Proc) ExitCode() (int32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.status == ZOMBIE
}

// WaitExit blocks until p is a zombie and returns its exit code.
func (p *Proc) WaitExit() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.status != ZOMBIE {
		p.cond.Wait()
		p.nwakeup++
	}
	return p.exitCode
}

func (p *Proc) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("&{ pid:%v prog:%v status:%v exit:%v base:%#x entry:%#x code:%v data:%v stack:%v }",
		p.pid, p.Program, p.status, p.exitCode, p.BaseAddr, p.EntryAddr, p.Code, p.Data, p.Stack)
}
