// The binfmt package is the loader's view of a parsed executable. All
// addresses are offsets from the image origin, the start of the page
// holding the lowest loadable segment.
package binfmt

import (
	"fmt"
)

type Segment struct {
	Vaddr  uint64 // relative to the image origin
	Memsz  uint64
	Offset uint64 // file offset of the segment's bytes
	Filesz uint64
}

func (s Segment) End() uint64 {
	return s.Vaddr + s.Memsz
}

func (s Segment) String() string {
	return fmt.Sprintf("{vaddr %#x memsz %#x off %#x filesz %#x}", s.Vaddr, s.Memsz, s.Offset, s.Filesz)
}

// A Reloc is a jump-slot relocation: the 8-byte slot at Offset is to
// receive the address of Sym.
type Reloc struct {
	Offset uint64
	Sym    string
}

type Image interface {
	CodeSegment() (Segment, bool)
	DataSegment() (Segment, bool)
	Entry() uint64
	PltRelocs() ([]Reloc, error)
	Bytes() []byte
}
