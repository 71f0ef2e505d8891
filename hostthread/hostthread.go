// The hostthread package provisions the host execution threads that
// run processes. The number of threads is bounded, like the thread
// control slots of an enclave.
package hostthread

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	db "libos/debug"
	"libos/serr"
)

type Pool struct {
	max  int64
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
	nrun atomic.Int64
}

func NewPool(max int64) *Pool {
	return &Pool{
		max: max,
		sem: semaphore.NewWeighted(max),
	}
}

// Provision runs fn on a new thread, or fails with TErrProvision if all
// threads are in use.
func (pl *Pool) Provision(fn func()) error {
	if !pl.sem.TryAcquire(1) {
		db.DPrintf(db.HOSTTHREAD_ERR, "Provision: all %v threads busy", pl.max)
		return serr.NewErr(serr.TErrProvision, fmt.Sprintf("%v threads busy", pl.max))
	}
	pl.start(fn)
	return nil
}

// ProvisionWait is like Provision but waits for a free thread until ctx
// is done.
func (pl *Pool) ProvisionWait(ctx context.Context, fn func()) error {
	if err := pl.sem.Acquire(ctx, 1); err != nil {
		return serr.NewErrWrap(serr.TErrProvision, "wait", err)
	}
	pl.start(fn)
	return nil
}

func (pl *Pool) start(fn func()) {
	pl.wg.Add(1)
	n := pl.nrun.Add(1)
	db.DPrintf(db.HOSTTHREAD, "Start thread (%v/%v running)", n, pl.max)
	go func() {
		runtime.LockOSThread()
		defer func() {
			runtime.UnlockOSThread()
			pl.nrun.Add(-1)
			pl.sem.Release(1)
			pl.wg.Done()
		}()
		fn()
	}()
}

// Running returns the number of provisioned threads that have not
// returned yet.
func (pl *Pool) Running() int64 {
	return pl.nrun.Load()
}

// Wait blocks until every provisioned thread has returned.
func (pl *Pool) Wait() {
	pl.wg.Wait()
}
