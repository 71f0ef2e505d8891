// The procq package is the admission queue: processes that have been
// spawned but not yet picked up by an execution thread.
package procq

import (
	"fmt"
	"time"

	"github.com/sasha-s/go-deadlock"

	db "libos/debug"
	"libos/proc"
)

const (
	DEF_Q_SZ = 10
)

type Qitem struct {
	p     *proc.Proc
	enqTS time.Time
}

func newQitem(p *proc.Proc) *Qitem {
	return &Qitem{
		p:     p,
		enqTS: time.Now(),
	}
}

func (qi *Qitem) String() string {
	return fmt.Sprintf("{ pid:%v enq:%v }", qi.p.GetPid(), qi.enqTS.Format(time.StampMicro))
}

// Queue is an unbounded FIFO of processes. The queue holds a reference
// to each queued process.
type Queue struct {
	deadlock.Mutex
	procs []*Qitem
	pmap  map[proc.Tpid]*proc.Proc
}

func NewQueue() *Queue {
	return &Queue{
		procs: make([]*Qitem, 0, DEF_Q_SZ),
		pmap:  make(map[proc.Tpid]*proc.Proc, 0),
	}
}

// Enqueue appends p. A process that is already queued is not added
// again.
func (q *Queue) Enqueue(p *proc.Proc) bool {
	q.Lock()
	defer q.Unlock()

	if _, ok := q.pmap[p.GetPid()]; ok {
		db.DPrintf(db.PROCQ, "Enqueue %v already queued", p.GetPid())
		return false
	}
	q.pmap[p.GetPid()] = p.Ref()
	q.procs = append(q.procs, newQitem(p))
	db.DPrintf(db.PROCQ, "Enqueue %v qlen %v", p.GetPid(), len(q.procs))
	return true
}

// Dequeue removes the oldest process and hands the queue's reference to
// the caller, along with the time it was enqueued. It never blocks.
func (q *Queue) Dequeue() (*proc.Proc, time.Time, bool) {
	q.Lock()
	defer q.Unlock()

	if len(q.procs) == 0 {
		return nil, time.UnixMicro(0), false
	}
	qi := q.procs[0]
	q.procs[0] = nil
	q.procs = q.procs[1:]
	delete(q.pmap, qi.p.GetPid())
	db.DPrintf(db.PROCQ, "Dequeue %v qlen %v", qi.p.GetPid(), len(q.procs))
	return qi.p, qi.enqTS, true
}

// Drain empties the queue, calling f (if non-nil) on each pending
// process before dropping the queue's reference.
func (q *Queue) Drain(f func(*proc.Proc)) int {
	q.Lock()
	procs := q.procs
	q.procs = make([]*Qitem, 0, DEF_Q_SZ)
	q.pmap = make(map[proc.Tpid]*proc.Proc, 0)
	q.Unlock()

	for _, qi := range procs {
		if f != nil {
			f(qi.p)
		}
		qi.p.Unref()
	}
	return len(procs)
}

func (q *Queue) Len() int {
	q.Lock()
	defer q.Unlock()

	return len(q.procs)
}

func (q *Queue) String() string {
	q.Lock()
	defer q.Unlock()

	return fmt.Sprintf("{ procs:%v }", q.procs)
}
