package kernel_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libos/config"
	"libos/elf/elfbuild"
	"libos/hostthread"
	"libos/kernel"
	"libos/proc"
	"libos/sealfs"
	"libos/serr"
	"libos/vma"
)

const PROG = "/bin/a"

type switchFn func(th *kernel.Thread, task *proc.Task) error

func (f switchFn) Switch(th *kernel.Thread, task *proc.Task) error {
	return f(th, task)
}

// Provisioner whose threads the test starts by hand.
type manualPool struct {
	fns chan func()
}

func newManualPool() *manualPool {
	return &manualPool{fns: make(chan func(), 16)}
}

func (mp *manualPool) Provision(fn func()) error {
	mp.fns <- fn
	return nil
}

func (mp *manualPool) runOne() {
	(<-mp.fns)()
}

type failPool struct{}

func (failPool) Provision(fn func()) error {
	return fmt.Errorf("no TCS")
}

type imageSource map[string][]byte

func (is imageSource) ReadImage(path string) ([]byte, error) {
	if b, ok := is[path]; ok {
		return b, nil
	}
	return nil, serr.NewErr(serr.TErrIO, path)
}

type tstate struct {
	*testing.T
	alloc *vma.MmapAllocator
	k     *kernel.Kernel
}

func newTstate(t *testing.T, sw kernel.Switcher, prov kernel.Provisioner) *tstate {
	cfg := config.Default()
	cfg.StackSize = 64 * 1024
	b := elfbuild.NewBuilder()
	b.CodeVaddr = 0x1000
	b.Code = make([]byte, 0x1000)
	b.DataVaddr = 0x2000
	b.Data = make([]byte, 0x40)
	b.Entry = 0x1010
	ts := &tstate{T: t, alloc: vma.NewMmapAllocator()}
	k, err := kernel.NewKernel(cfg, ts.alloc, imageSource{PROG: b.Build()}, 0x1234, sw, prov)
	require.Nil(t, err)
	ts.k = k
	return ts
}

func exitWith(code int32) switchFn {
	return func(th *kernel.Thread, task *proc.Task) error {
		th.Kernel().Exit(th, code)
		return nil
	}
}

func TestCompile(t *testing.T) {
}

func TestSpawnPids(t *testing.T) {
	mp := newManualPool()
	ts := newTstate(t, exitWith(0), mp)
	pid1, err := ts.k.Spawn(PROG)
	require.Nil(t, err)
	pid2, err := ts.k.Spawn(PROG)
	require.Nil(t, err)
	assert.Equal(t, proc.Tpid(1), pid1)
	assert.Equal(t, proc.Tpid(2), pid2)
	assert.Equal(t, []proc.Tpid{1, 2}, ts.k.Table().Pids())
	assert.Equal(t, 2, ts.k.Queue().Len())

	p, ok := ts.k.Table().Lookup(pid1)
	require.True(t, ok)
	assert.True(t, p.Code.Contains(p.EntryAddr))
	assert.Equal(t, p.BaseAddr+0x10, p.EntryAddr)
	p.Unref()

	ts.k.Shutdown()
	assert.Equal(t, 0, ts.alloc.Live())
}

func TestSpawnRunExitWait(t *testing.T) {
	mp := newManualPool()
	ts := newTstate(t, exitWith(42), mp)
	_, err := ts.k.Spawn(PROG)
	require.Nil(t, err)
	pid, err := ts.k.Spawn(PROG)
	require.Nil(t, err)

	ch := make(chan int32)
	go func() {
		code, err := ts.k.Wait4(pid)
		assert.Nil(t, err)
		ch <- code
	}()

	// Init is not reaped by anyone; Run drops its entry.
	mp.runOne()
	_, ok := ts.k.Table().Lookup(proc.INIT_PID)
	assert.False(t, ok)

	mp.runOne()
	assert.Equal(t, int32(42), <-ch)
	assert.Equal(t, 0, ts.k.Table().Len())
	assert.Equal(t, 0, ts.alloc.Live())
	assert.Equal(t, uint64(1), ts.k.Stats().Nreap.Load())
	assert.Equal(t, 2, ts.k.Stats().AdmissionLatency().N)

	_, err = ts.k.Wait4(pid)
	assert.True(t, serr.IsErrNotfound(err), "reaped twice")
}

func TestGetPid(t *testing.T) {
	pids := make(chan proc.Tpid, 2)
	sw := switchFn(func(th *kernel.Thread, task *proc.Task) error {
		p, ok := th.Current()
		assert.True(t, ok)
		assert.Equal(t, p.EntryAddr, task.UserEntryAddr)
		pids <- th.Kernel().GetPid(th)
		th.Kernel().Exit(th, 0)
		return nil
	})
	pl := hostthread.NewPool(4)
	ts := newTstate(t, sw, pl)
	pid1, err := ts.k.Spawn(PROG)
	require.Nil(t, err)
	pl.Wait()
	pid2, err := ts.k.Spawn(PROG)
	require.Nil(t, err)
	code, err := ts.k.Wait4(pid2)
	assert.Nil(t, err)
	assert.Equal(t, int32(0), code)
	assert.Equal(t, pid1, <-pids)
	assert.Equal(t, pid2, <-pids)
	ts.k.Shutdown()
	assert.Equal(t, 0, ts.alloc.Live())
}

func TestWait4Unknown(t *testing.T) {
	ts := newTstate(t, exitWith(0), newManualPool())
	start := time.Now()
	_, err := ts.k.Wait4(77)
	assert.True(t, serr.IsErrCode(err, serr.TErrNotfound), "err %v", err)
	assert.Equal(t, -int64(10), serr.Errno(err), "ECHILD")
	assert.True(t, time.Since(start) < time.Second)
}

func TestNothingToRun(t *testing.T) {
	ts := newTstate(t, exitWith(0), newManualPool())
	th := ts.k.NewThread()
	err := ts.k.Run(th)
	assert.True(t, serr.IsErrCode(err, serr.TErrNothingToRun), "err %v", err)
	_, ok := th.Current()
	assert.False(t, ok)
}

func TestProvisionFails(t *testing.T) {
	ts := newTstate(t, exitWith(0), failPool{})
	pid, err := ts.k.Spawn(PROG)
	assert.True(t, serr.IsErrCode(err, serr.TErrProvision), "err %v", err)
	assert.Equal(t, proc.NO_PID, pid)
	assert.Equal(t, 0, ts.k.Table().Len())
	assert.Equal(t, 0, ts.k.Queue().Len())
	assert.Equal(t, 0, ts.alloc.Live())
}

func TestLoadFails(t *testing.T) {
	ts := newTstate(t, exitWith(0), newManualPool())
	_, err := ts.k.Spawn("/bin/missing")
	assert.True(t, serr.IsErrCode(err, serr.TErrIO), "err %v", err)
	assert.Equal(t, 0, ts.k.Table().Len())
	assert.Equal(t, 0, ts.k.Queue().Len())
}

func TestWaitBlocks(t *testing.T) {
	release := make(chan struct{})
	sw := switchFn(func(th *kernel.Thread, task *proc.Task) error {
		<-release
		th.Kernel().Exit(th, 7)
		return nil
	})
	mp := newManualPool()
	ts := newTstate(t, sw, mp)
	_, err := ts.k.Spawn(PROG)
	require.Nil(t, err)
	pid, err := ts.k.Spawn(PROG)
	require.Nil(t, err)
	go mp.runOne()
	go mp.runOne()

	ch := make(chan int32)
	go func() {
		code, _ := ts.k.Wait4(pid)
		ch <- code
	}()
	select {
	case <-ch:
		assert.Fail(t, "wait4 returned before exit")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	assert.Equal(t, int32(7), <-ch)
}

func TestFault(t *testing.T) {
	sw := switchFn(func(th *kernel.Thread, task *proc.Task) error {
		return fmt.Errorf("bad opcode")
	})
	mp := newManualPool()
	ts := newTstate(t, sw, mp)
	_, err := ts.k.Spawn(PROG)
	require.Nil(t, err)
	pid, err := ts.k.Spawn(PROG)
	require.Nil(t, err)
	mp.runOne()
	mp.runOne()
	code, err := ts.k.Wait4(pid)
	assert.Nil(t, err)
	assert.Equal(t, int32(kernel.EXIT_FAULT), code)
	assert.Equal(t, uint64(2), ts.k.Stats().Nfault.Load())
}

func TestShutdownKillsPending(t *testing.T) {
	ts := newTstate(t, exitWith(0), newManualPool())
	_, err := ts.k.Spawn(PROG)
	require.Nil(t, err)
	pid, err := ts.k.Spawn(PROG)
	require.Nil(t, err)
	p, ok := ts.k.Table().Lookup(pid)
	require.True(t, ok)
	ts.k.Shutdown()
	assert.Equal(t, int32(kernel.EXIT_KILLED), p.WaitExit())
	assert.Equal(t, proc.ZOMBIE, p.GetStatus())
	p.Unref()
	assert.Equal(t, 0, ts.alloc.Live())
}

func TestSealedImages(t *testing.T) {
	var key sealfs.Tkey
	b := elfbuild.NewBuilder()
	b.CodeVaddr = 0x1000
	b.Code = make([]byte, 0x1000)
	b.DataVaddr = 0x2000
	b.Data = make([]byte, 0x40)
	b.Entry = 0x1010
	pn := t.TempDir() + "/prog"
	require.Nil(t, sealfs.SealFile(pn, b.Build(), key))

	cfg := config.Default()
	cfg.StackSize = 64 * 1024
	alloc := vma.NewMmapAllocator()
	mp := newManualPool()
	k, err := kernel.NewKernel(cfg, alloc, sealfs.Source{Key: key}, 0x1234, exitWith(3), mp)
	require.Nil(t, err)
	_, err = k.Spawn(pn)
	require.Nil(t, err)
	pid, err := k.Spawn(pn)
	require.Nil(t, err)
	mp.runOne()
	mp.runOne()
	code, err := k.Wait4(pid)
	assert.Nil(t, err)
	assert.Equal(t, int32(3), code)
	assert.Equal(t, 0, alloc.Live())
}

func TestBoot(t *testing.T) {
	pl := hostthread.NewPool(2)
	ts := newTstate(t, exitWith(5), pl)
	code, err := ts.k.Boot(context.Background(), PROG)
	require.Nil(t, err)
	assert.Equal(t, int32(5), code)
	ts.k.Shutdown()
	assert.Equal(t, 0, ts.k.Table().Len())
	assert.Equal(t, 0, ts.alloc.Live())

	_, err = ts.k.Boot(context.Background(), "/bin/missing")
	assert.NotNil(t, err)
}

// Boot waits for a free thread rather than failing, until ctx is done.
func TestBootWaitsForThread(t *testing.T) {
	release := make(chan struct{})
	sw := switchFn(func(th *kernel.Thread, task *proc.Task) error {
		if th.Kernel().GetPid(th) == proc.INIT_PID {
			<-release
		}
		th.Kernel().Exit(th, 4)
		return nil
	})
	pl := hostthread.NewPool(1)
	ts := newTstate(t, sw, pl)
	_, err := ts.k.Spawn(PROG)
	require.Nil(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ts.k.Boot(ctx, PROG)
	assert.True(t, serr.IsErrCode(err, serr.TErrProvision), "err %v", err)
	assert.Equal(t, []proc.Tpid{1}, ts.k.Table().Pids(), "failed boot is not registered")

	done := make(chan int32)
	go func() {
		code, err := ts.k.Boot(context.Background(), PROG)
		assert.Nil(t, err)
		done <- code
	}()
	close(release)
	assert.Equal(t, int32(4), <-done)
	ts.k.Shutdown()
	assert.Equal(t, 0, ts.alloc.Live())
}

// A spawn that races with another spawn's provisioning failure must
// not leave a process in the queue without a thread.
type racePool struct {
	k    *kernel.Kernel
	n    atomic.Int32
	xpid proc.Tpid
	xerr error
}

func (rp *racePool) Provision(fn func()) error {
	if rp.n.Add(1) == 1 {
		rp.xpid, rp.xerr = rp.k.Spawn(PROG)
		return fmt.Errorf("no TCS")
	}
	go fn()
	return nil
}

func TestProvisionFailsConcurrentSpawn(t *testing.T) {
	rp := &racePool{}
	ts := newTstate(t, exitWith(0), rp)
	rp.k = ts.k

	pid, err := ts.k.Spawn(PROG)
	assert.True(t, serr.IsErrCode(err, serr.TErrProvision), "err %v", err)
	assert.Equal(t, proc.NO_PID, pid)
	require.Nil(t, rp.xerr)

	ch := make(chan int32)
	go func() {
		code, err := ts.k.Wait4(rp.xpid)
		assert.Nil(t, err)
		ch <- code
	}()
	select {
	case code := <-ch:
		assert.Equal(t, int32(0), code)
	case <-time.After(10 * time.Second):
		assert.Fail(t, "spawned process never ran")
	}
	assert.Equal(t, 0, ts.k.Queue().Len())
	assert.Equal(t, 0, ts.k.Table().Len())
}
