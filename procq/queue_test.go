package procq_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"

	"libos/proc"
	"libos/procq"
)

func newProcs(n int) []*proc.Proc {
	ps := make([]*proc.Proc, n)
	for i := range ps {
		ps[i] = proc.NewProc(proc.Tpid(i+1), "test", nil, nil, nil, 0, 0, nil)
	}
	return ps
}

func TestEmpty(t *testing.T) {
	q := procq.NewQueue()
	p, _, ok := q.Dequeue()
	assert.False(t, ok)
	assert.Nil(t, p)
	assert.Equal(t, 0, q.Len())
}

func TestFIFO(t *testing.T) {
	const N = 50
	q := procq.NewQueue()
	ps := newProcs(N)
	for _, p := range ps {
		assert.True(t, q.Enqueue(p))
		assert.Equal(t, int32(2), p.NRef(), "queue holds a reference")
	}
	assert.Equal(t, N, q.Len())
	for i := 0; i < N; i++ {
		p, _, ok := q.Dequeue()
		assert.True(t, ok)
		assert.Equal(t, ps[i], p)
		assert.Equal(t, int32(2), p.NRef(), "dequeue hands the reference over")
	}
	_, _, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestEnqueueOnce(t *testing.T) {
	q := procq.NewQueue()
	p := newProcs(1)[0]
	assert.True(t, q.Enqueue(p))
	assert.False(t, q.Enqueue(p))
	assert.Equal(t, 1, q.Len())
}

func TestDrain(t *testing.T) {
	q := procq.NewQueue()
	destroyed := 0
	for i := 0; i < 4; i++ {
		p := proc.NewProc(proc.Tpid(i+1), "test", nil, nil, nil, 0, 0, func(*proc.Proc) { destroyed++ })
		q.Enqueue(p)
		p.Unref()
	}
	exited := 0
	assert.Equal(t, 4, q.Drain(func(p *proc.Proc) {
		if p.Exit(137) {
			exited++
		}
	}))
	assert.Equal(t, 4, exited)
	assert.Equal(t, 4, destroyed)
	assert.Equal(t, 0, q.Len())
}

// Concurrent consumers never dequeue the same process twice.
func TestConcurrentDequeue(t *testing.T) {
	const N = 1000
	q := procq.NewQueue()
	for _, p := range newProcs(N) {
		q.Enqueue(p)
	}
	var mu sync.Mutex
	seen := make(map[proc.Tpid]bool)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			last := proc.NO_PID
			for {
				p, _, ok := q.Dequeue()
				if !ok {
					return nil
				}
				assert.True(t, p.GetPid() > last, "per-consumer order")
				last = p.GetPid()
				mu.Lock()
				assert.False(t, seen[p.GetPid()])
				seen[p.GetPid()] = true
				mu.Unlock()
			}
		})
	}
	assert.Nil(t, g.Wait())
	assert.Equal(t, N, len(seen))
}
