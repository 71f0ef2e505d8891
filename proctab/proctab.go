// The proctab package maps pids to processes. Every operation locks the
// whole table.
package proctab

import (
	"fmt"

	"github.com/sasha-s/go-deadlock"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	db "libos/debug"
	"libos/proc"
)

type Table struct {
	mu    deadlock.Mutex
	procs map[proc.Tpid]*proc.Proc
}

func NewTable() *Table {
	return &Table{
		procs: make(map[proc.Tpid]*proc.Proc),
	}
}

// Insert takes a reference to p. An existing entry for the same pid is
// replaced and its reference dropped.
func (pt *Table) Insert(p *proc.Proc) {
	pt.mu.Lock()
	old, ok := pt.procs[p.GetPid()]
	pt.procs[p.GetPid()] = p.Ref()
	pt.mu.Unlock()

	db.DPrintf(db.PROCTAB, "Insert %v", p.GetPid())
	if ok {
		db.DPrintf(db.PROCTAB, "Insert %v replaced an entry", p.GetPid())
		old.Unref()
	}
}

// Remove deletes pid's entry and drops the table's reference.
func (pt *Table) Remove(pid proc.Tpid) bool {
	pt.mu.Lock()
	p, ok := pt.procs[pid]
	delete(pt.procs, pid)
	pt.mu.Unlock()

	if ok {
		db.DPrintf(db.PROCTAB, "Remove %v", pid)
		p.Unref()
	}
	return ok
}

// Lookup returns a new reference to pid's process, which the caller must
// drop with Unref.
func (pt *Table) Lookup(pid proc.Tpid) (*proc.Proc, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	p, ok := pt.procs[pid]
	if !ok {
		return nil, false
	}
	return p.Ref(), true
}

func (pt *Table) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.procs)
}

// Pids returns the pids in the table, in increasing order.
func (pt *Table) Pids() []proc.Tpid {
	pt.mu.Lock()
	pids := maps.Keys(pt.procs)
	pt.mu.Unlock()

	slices.Sort(pids)
	return pids
}

// Procs returns a snapshot of the table ordered by pid. Each returned
// process carries a reference the caller must drop.
func (pt *Table) Procs() []*proc.Proc {
	pt.mu.Lock()
	ps := make([]*proc.Proc, 0, len(pt.procs))
	for _, p := range pt.procs {
		ps = append(ps, p.Ref())
	}
	pt.mu.Unlock()

	slices.SortFunc(ps, func(a, b *proc.Proc) int {
		return int(a.GetPid()) - int(b.GetPid())
	})
	return ps
}

// Clear drops every entry.
func (pt *Table) Clear() int {
	pt.mu.Lock()
	procs := pt.procs
	pt.procs = make(map[proc.Tpid]*proc.Proc)
	pt.mu.Unlock()

	for _, p := range procs {
		p.Unref()
	}
	return len(procs)
}

func (pt *Table) String() string {
	return fmt.Sprintf("{ pids:%v }", pt.Pids())
}
