package vma

import (
	"fmt"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sys/unix"

	db "libos/debug"
	"libos/serr"
)

// An Allocator places a batch of regions together in the address space,
// applies their protections and tears them down again.
type Allocator interface {
	// AllocBatch places vmas in one contiguous range, copies their file
	// contents from src and returns the base address. Segment regions
	// keep their relative layout; anonymous regions follow them.
	AllocBatch(vmas []*Vma, src []byte) (uintptr, error)
	ProtectBatch(vmas []*Vma) error
	FreeBatch(vmas []*Vma) error
	// Bytes returns a view of [addr, addr+n) if it lies inside a live
	// batch. The view is invalid after the batch is freed.
	Bytes(addr uintptr, n int) ([]byte, bool)
}

// MmapAllocator backs each batch with one anonymous private mapping.
type MmapAllocator struct {
	mu   deadlock.Mutex
	maps map[uintptr][]byte
}

func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{
		maps: make(map[uintptr][]byte),
	}
}

// Compute the batch size and the relative start of every anonymous region.
func layout(vmas []*Vma) (uintptr, []uintptr) {
	end := uintptr(0)
	for _, v := range vmas {
		if !v.anon && v.End() > end {
			end = v.End()
		}
	}
	starts := make([]uintptr, len(vmas))
	for i, v := range vmas {
		if v.anon {
			align := v.align
			if align < PageSize() {
				align = PageSize()
			}
			starts[i] = roundUp(end, align)
			end = starts[i] + v.Size
		} else {
			starts[i] = v.Start
		}
	}
	return end, starts
}

func (a *MmapAllocator) AllocBatch(vmas []*Vma, src []byte) (uintptr, error) {
	if len(vmas) == 0 {
		return 0, serr.NewErr(serr.TErrInval, "empty batch")
	}
	for _, v := range vmas {
		if v.placed {
			return 0, serr.NewErr(serr.TErrInval, fmt.Sprintf("vma %v already placed", v))
		}
		if v.src.size > 0 && (v.src.off+v.src.size < v.src.off || v.src.off+v.src.size > uint64(len(src))) {
			return 0, serr.NewErr(serr.TErrMalformedImage, fmt.Sprintf("contents [%#x, +%#x) beyond image of %v bytes", v.src.off, v.src.size, len(src)))
		}
	}
	total, starts := layout(vmas)
	mem, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		db.DPrintf(db.VMA_ERR, "mmap %v err %v", humanize.IBytes(uint64(total)), err)
		return 0, serr.NewErrWrap(serr.TErrIO, "mmap", err)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	for i, v := range vmas {
		v.Start = base + starts[i]
		v.placed = true
		if v.src.size > 0 {
			off := v.Start - base + v.src.inVma
			copy(mem[off:off+uintptr(v.src.size)], src[v.src.off:v.src.off+v.src.size])
			v.src.loaded = true
		}
	}
	a.mu.Lock()
	a.maps[base] = mem
	a.mu.Unlock()
	db.DPrintf(db.VMA, "AllocBatch base %#x size %v vmas %v", base, humanize.IBytes(uint64(total)), vmas)
	return base, nil
}

// Caller must hold lock.
func (a *MmapAllocator) findL(addr uintptr, n uintptr) (uintptr, []byte, bool) {
	for base, mem := range a.maps {
		if addr >= base && addr+n >= addr && addr+n <= base+uintptr(len(mem)) {
			return base, mem, true
		}
	}
	return 0, nil, false
}

func (a *MmapAllocator) ProtectBatch(vmas []*Vma) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, v := range vmas {
		base, mem, ok := a.findL(v.Start, v.Size)
		if !ok || !v.placed {
			return serr.NewErr(serr.TErrProtection, fmt.Sprintf("vma %v not allocated", v))
		}
		if err := unix.Mprotect(mem[v.Start-base:v.End()-base], v.Perms.Prot()); err != nil {
			db.DPrintf(db.VMA_ERR, "mprotect %v err %v", v, err)
			return serr.NewErrWrap(serr.TErrProtection, v, err)
		}
	}
	db.DPrintf(db.VMA, "ProtectBatch %v", vmas)
	return nil
}

func (a *MmapAllocator) FreeBatch(vmas []*Vma) error {
	if len(vmas) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	base, mem, ok := a.findL(vmas[0].Start, vmas[0].Size)
	if !ok || !vmas[0].placed {
		return serr.NewErr(serr.TErrNotfound, fmt.Sprintf("batch of %v", vmas[0]))
	}
	delete(a.maps, base)
	for _, v := range vmas {
		v.placed = false
	}
	if err := unix.Munmap(mem); err != nil {
		db.DPrintf(db.VMA_ERR, "munmap %#x err %v", base, err)
		return serr.NewErrWrap(serr.TErrIO, "munmap", err)
	}
	db.DPrintf(db.VMA, "FreeBatch base %#x", base)
	return nil
}

func (a *MmapAllocator) Bytes(addr uintptr, n int) ([]byte, bool) {
	if n < 0 {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	base, mem, ok := a.findL(addr, uintptr(n))
	if !ok {
		return nil, false
	}
	off := addr - base
	return mem[off : off+uintptr(n) : off+uintptr(n)], true
}

// Live returns the number of batches not yet freed.
func (a *MmapAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.maps)
}
