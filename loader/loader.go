// The loader package turns executable images into runnable processes:
// it places the image's regions in memory, checks the entry point,
// patches the syscall trampoline slots and builds the task handoff.
package loader

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"libos/binfmt"
	"libos/config"
	db "libos/debug"
	"libos/elf"
	"libos/pids"
	"libos/proc"
	"libos/serr"
	"libos/vma"
)

const STACK_ALIGN = 16

// An ImageSource returns the raw bytes of the executable named path.
type ImageSource interface {
	ReadImage(path string) ([]byte, error)
}

type Loader struct {
	cfg   *config.Config
	alloc vma.Allocator
	pids  *pids.PidAllocator
	src   ImageSource
	entry uintptr
	cache *lru.Cache[string, *elf.Image]
}

// NewLoader returns a loader that places images with alloc and patches
// syscall relocations to dispatch, the host dispatcher's address.
func NewLoader(cfg *config.Config, alloc vma.Allocator, pa *pids.PidAllocator, src ImageSource, dispatch uintptr) (*Loader, error) {
	c, err := lru.New[string, *elf.Image](cfg.ImageCacheSize)
	if err != nil {
		return nil, err
	}
	return &Loader{
		cfg:   cfg,
		alloc: alloc,
		pids:  pa,
		src:   src,
		entry: dispatch,
		cache: c,
	}, nil
}

// Load reads, decodes and builds the executable at path.
func (ld *Loader) Load(path string) (*proc.Proc, error) {
	img, ok := ld.cache.Get(path)
	if !ok {
		b, err := ld.src.ReadImage(path)
		if err != nil {
			db.DPrintf(db.LOADER_ERR, "ReadImage %v err %v", path, err)
			return nil, err
		}
		img, err = elf.Parse(b)
		if err != nil {
			db.DPrintf(db.LOADER_ERR, "Parse %v err %v", path, err)
			return nil, err
		}
		if err := elf.SanityCheck(img); err != nil {
			db.DPrintf(db.LOADER_ERR, "SanityCheck %v err %v", path, err)
			return nil, err
		}
		ld.cache.Add(path, img)
	} else {
		db.DPrintf(db.LOADER, "Image cache hit %v", path)
	}
	return ld.Build(path, img)
}

// Evict drops path's decoded image, so the next Load reads it again.
func (ld *Loader) Evict(path string) bool {
	return ld.cache.Remove(path)
}

func (ld *Loader) regions(img binfmt.Image) (*vma.Vma, *vma.Vma, *vma.Vma, error) {
	cs, ok := img.CodeSegment()
	if !ok {
		return nil, nil, nil, serr.NewErr(serr.TErrMalformedImage, "no code segment")
	}
	ds, ok := img.DataSegment()
	if !ok {
		return nil, nil, nil, serr.NewErr(serr.TErrMalformedImage, "no data segment")
	}
	code, err := vma.FromSegment(cs.Vaddr, cs.Memsz, cs.Offset, cs.Filesz, vma.PERM_R|vma.PERM_X)
	if err != nil {
		return nil, nil, nil, serr.NewErrWrap(serr.TErrMalformedImage, "code", err)
	}
	data, err := vma.FromSegment(ds.Vaddr, ds.Memsz, ds.Offset, ds.Filesz, vma.PERM_R|vma.PERM_W)
	if err != nil {
		return nil, nil, nil, serr.NewErrWrap(serr.TErrMalformedImage, "data", err)
	}
	if code.Overlaps(data) {
		return nil, nil, nil, serr.NewErr(serr.TErrMalformedImage, fmt.Sprintf("code %v overlaps data %v", code, data))
	}
	stack, err := vma.NewVma(uintptr(ld.cfg.StackSize), STACK_ALIGN, vma.PERM_R|vma.PERM_W)
	if err != nil {
		return nil, nil, nil, serr.NewErrWrap(serr.TErrInval, "stack", err)
	}
	return code, data, stack, nil
}

// Patch every relocation against the syscall symbol with the dispatcher
// address.
func (ld *Loader) relocate(img binfmt.Image, base uintptr, code, data *vma.Vma) error {
	relocs, err := img.PltRelocs()
	if err != nil {
		return err
	}
	n := 0
	for _, r := range relocs {
		if r.Sym != ld.cfg.SyscallSymbol {
			continue
		}
		addr := base + uintptr(r.Offset)
		if !code.ContainsRange(addr, 8) && !data.ContainsRange(addr, 8) {
			return serr.NewErr(serr.TErrRelocation, fmt.Sprintf("slot %#x outside image", r.Offset))
		}
		b, ok := ld.alloc.Bytes(addr, 8)
		if !ok {
			return serr.NewErr(serr.TErrRelocation, fmt.Sprintf("slot %#x not mapped", addr))
		}
		binary.LittleEndian.PutUint64(b, uint64(ld.entry))
		n++
	}
	db.DPrintf(db.LOADER, "Patched %v/%v relocs with %#x", n, len(relocs), ld.entry)
	return nil
}

// Build places img in memory and returns a new process holding one
// reference for the caller. The pid is assigned only once every other
// step succeeded; on failure the placed regions are released again.
func (ld *Loader) Build(program string, img binfmt.Image) (*proc.Proc, error) {
	code, data, stack, err := ld.regions(img)
	if err != nil {
		db.DPrintf(db.LOADER_ERR, "Build %v err %v", program, err)
		return nil, err
	}
	vmas := []*vma.Vma{code, data, stack}
	base, err := ld.alloc.AllocBatch(vmas, img.Bytes())
	if err != nil {
		db.DPrintf(db.LOADER_ERR, "AllocBatch %v err %v", program, err)
		return nil, err
	}
	if err := ld.finish(img, base, code, data, stack); err != nil {
		db.DPrintf(db.LOADER_ERR, "Build %v err %v", program, err)
		if err := ld.alloc.FreeBatch(vmas); err != nil {
			db.DPrintf(db.LOADER_ERR, "FreeBatch %v err %v", program, err)
		}
		return nil, err
	}
	entry := base + uintptr(img.Entry())
	pid := ld.pids.Alloc()
	p := proc.NewProc(pid, program, code, data, stack, base, entry, ld.destroy)
	p.Task = proc.Task{
		UserStackAddr: stack.End() - uintptr(ld.cfg.StackAlignMargin),
		UserEntryAddr: entry,
	}
	db.DPrintf(db.LOADER, "Build %v: %v", program, p)
	return p, nil
}

func (ld *Loader) finish(img binfmt.Image, base uintptr, code, data, stack *vma.Vma) error {
	entry := base + uintptr(img.Entry())
	if !code.Contains(entry) {
		return serr.NewErr(serr.TErrEntryOutOfBounds, fmt.Sprintf("entry %#x not in code %v", entry, code))
	}
	if err := ld.relocate(img, base, code, data); err != nil {
		return err
	}
	if err := ld.alloc.ProtectBatch([]*vma.Vma{code, data, stack}); err != nil {
		if serr.IsErrCode(err, serr.TErrProtection) {
			return err
		}
		return serr.NewErrWrap(serr.TErrProtection, "protect", err)
	}
	return nil
}

func (ld *Loader) destroy(p *proc.Proc) {
	if err := ld.alloc.FreeBatch(p.Vmas()); err != nil {
		db.DPrintf(db.LOADER_ERR, "FreeBatch %v err %v", p.GetPid(), err)
	}
	ld.pids.Release(p.GetPid())
}
