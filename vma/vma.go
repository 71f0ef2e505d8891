// The vma package describes the regions of a process's address space
// and places batches of them in host memory.
package vma

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type Perms uint32

const (
	PERM_R Perms = 1 << iota
	PERM_W
	PERM_X
)

func (p Perms) Prot() int {
	prot := unix.PROT_NONE
	if p&PERM_R != 0 {
		prot |= unix.PROT_READ
	}
	if p&PERM_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&PERM_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func (p Perms) String() string {
	b := []byte("---")
	if p&PERM_R != 0 {
		b[0] = 'r'
	}
	if p&PERM_W != 0 {
		b[1] = 'w'
	}
	if p&PERM_X != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Contents of a region that come from the image file.
type content struct {
	off    uint64 // offset of the bytes in the image file
	size   uint64 // number of bytes to copy
	inVma  uintptr
	loaded bool
}

// A Vma is a contiguous address range with a permission set. Before
// placement, Start is relative to the batch base (segments) or unset
// (anonymous regions, placed after the segments).
type Vma struct {
	Start  uintptr
	Size   uintptr
	Perms  Perms
	anon   bool
	align  uintptr
	placed bool
	src    content
}

// NewVma makes an anonymous, zero-filled region.
func NewVma(size, align uintptr, perms Perms) (*Vma, error) {
	if size == 0 {
		return nil, fmt.Errorf("NewVma: zero size")
	}
	if align == 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("NewVma: bad alignment %#x", align)
	}
	return &Vma{
		Size:  roundUp(size, PageSize()),
		Perms: perms,
		anon:  true,
		align: align,
	}, nil
}

// FromSegment makes a region for a loadable segment of the image. vaddr
// is relative to the image origin; the region covers whole pages.
func FromSegment(vaddr, memsz, off, filesz uint64, perms Perms) (*Vma, error) {
	if memsz == 0 {
		return nil, fmt.Errorf("FromSegment: empty segment at %#x", vaddr)
	}
	if filesz > memsz {
		return nil, fmt.Errorf("FromSegment: filesz %#x > memsz %#x", filesz, memsz)
	}
	pg := PageSize()
	start := roundDown(uintptr(vaddr), pg)
	end := roundUp(uintptr(vaddr+memsz), pg)
	return &Vma{
		Start: start,
		Size:  end - start,
		Perms: perms,
		src: content{
			off:   off,
			size:  filesz,
			inVma: uintptr(vaddr) - start,
		},
	}, nil
}

func (v *Vma) End() uintptr {
	return v.Start + v.Size
}

func (v *Vma) Contains(addr uintptr) bool {
	return addr >= v.Start && addr < v.End()
}

// ContainsRange reports whether [addr, addr+n) lies inside v.
func (v *Vma) ContainsRange(addr uintptr, n uintptr) bool {
	return addr >= v.Start && addr+n >= addr && addr+n <= v.End()
}

func (v *Vma) Overlaps(o *Vma) bool {
	return v.Start < o.End() && o.Start < v.End()
}

func (v *Vma) IsPlaced() bool {
	return v.placed
}

func (v *Vma) String() string {
	return fmt.Sprintf("[%#x, %#x) %v", v.Start, v.End(), v.Perms)
}

func PageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

func roundDown(x, align uintptr) uintptr {
	return x &^ (align - 1)
}

func roundUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}
