package kernel

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/sasha-s/go-deadlock"

	db "libos/debug"
)

// Stats counts lifecycle events and records how long spawned processes
// wait in the admission queue before a thread runs them.
type Stats struct {
	Nspawn atomic.Uint64
	Nrun   atomic.Uint64
	Nfault atomic.Uint64
	Nreap  atomic.Uint64

	mu    deadlock.Mutex
	admit []float64 // microseconds, ring of the last MAX_ADMIT_SAMPLES
	next  int
}

const MAX_ADMIT_SAMPLES = 4096

func (st *Stats) admitted(lat time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	us := float64(lat.Microseconds())
	if len(st.admit) < MAX_ADMIT_SAMPLES {
		st.admit = append(st.admit, us)
	} else {
		st.admit[st.next] = us
	}
	st.next = (st.next + 1) % MAX_ADMIT_SAMPLES
	db.DPrintf(db.SPAWN_LAT, "admission latency %v", lat)
}

type Latency struct {
	N      int
	Mean   time.Duration
	Median time.Duration
	P99    time.Duration
	Max    time.Duration
}

func (l Latency) String() string {
	return fmt.Sprintf("n %v mean %v median %v p99 %v max %v", l.N, l.Mean, l.Median, l.P99, l.Max)
}

func us(f float64) time.Duration {
	return time.Duration(f * float64(time.Microsecond))
}

// AdmissionLatency summarizes the most recent queue waits.
func (st *Stats) AdmissionLatency() Latency {
	st.mu.Lock()
	data := stats.Float64Data(append([]float64{}, st.admit...))
	st.mu.Unlock()

	l := Latency{N: data.Len()}
	if l.N == 0 {
		return l
	}
	mean, err := data.Mean()
	if err != nil {
		db.DFatalf("Mean: %v", err)
	}
	// data is non-empty, so these cannot fail.
	med, _ := data.Median()
	p99, _ := data.Percentile(99)
	max, _ := data.Max()
	l.Mean, l.Median, l.P99, l.Max = us(mean), us(med), us(p99), us(max)
	return l
}

func (st *Stats) String() string {
	return fmt.Sprintf("spawn %v run %v fault %v reap %v admit {%v}",
		st.Nspawn.Load(), st.Nrun.Load(), st.Nfault.Load(), st.Nreap.Load(), st.AdmissionLatency())
}
