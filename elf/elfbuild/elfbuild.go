// The elfbuild package writes small ELF64 images: one code segment, one
// data segment and the dynamic symbol and PLT relocation tables the
// loader patches. Tests and cmd/mkimage use it.
package elfbuild

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	PAGE         = 0x1000
	SHSTRTAB_IDX = 4
)

type Reloc struct {
	Offset uint64 // slot address, as linked
	Sym    string
}

type Builder struct {
	Machine elf.Machine
	Type    elf.Type

	CodeVaddr uint64
	Code      []byte
	CodeMemsz uint64 // defaults to len(Code)

	DataVaddr uint64
	Data      []byte
	DataMemsz uint64 // defaults to len(Data)

	Entry  uint64
	Relocs []Reloc

	// Emit a relocation whose symbol index is past the end of .dynsym.
	BadSymIndex bool
}

// NewBuilder returns a builder for a position-independent x86-64 image.
func NewBuilder() *Builder {
	return &Builder{
		Machine: elf.EM_X86_64,
		Type:    elf.ET_DYN,
	}
}

func align(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

type image struct {
	buf bytes.Buffer
}

func (img *image) padTo(off uint64) {
	for uint64(img.buf.Len()) < off {
		img.buf.WriteByte(0)
	}
}

func (img *image) put(off uint64, b []byte) {
	img.padTo(off)
	img.buf.Write(b)
}

func (img *image) off() uint64 {
	return uint64(img.buf.Len())
}

func encode(v interface{}) []byte {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	return b.Bytes()
}

func (b *Builder) Build() []byte {
	type load struct {
		flags elf.ProgFlag
		vaddr uint64
		bytes []byte
		memsz uint64
		off   uint64
	}
	var loads []*load
	if b.Code != nil {
		memsz := b.CodeMemsz
		if memsz == 0 {
			memsz = uint64(len(b.Code))
		}
		loads = append(loads, &load{flags: elf.PF_R | elf.PF_X, vaddr: b.CodeVaddr, bytes: b.Code, memsz: memsz})
	}
	if b.Data != nil {
		memsz := b.DataMemsz
		if memsz == 0 {
			memsz = uint64(len(b.Data))
		}
		loads = append(loads, &load{flags: elf.PF_R | elf.PF_W, vaddr: b.DataVaddr, bytes: b.Data, memsz: memsz})
	}

	// Symbol and string tables.
	dynstr := []byte{0}
	symidx := make(map[string]uint32)
	syms := [][]byte{encode(&elf.Sym64{})}
	for _, r := range b.Relocs {
		if _, ok := symidx[r.Sym]; ok {
			continue
		}
		symidx[r.Sym] = uint32(len(syms))
		syms = append(syms, encode(&elf.Sym64{
			Name: uint32(len(dynstr)),
			Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
		}))
		dynstr = append(dynstr, r.Sym...)
		dynstr = append(dynstr, 0)
	}
	var rela []byte
	for _, r := range b.Relocs {
		idx := symidx[r.Sym]
		if b.BadSymIndex {
			idx = uint32(len(syms) + 1)
		}
		rela = append(rela, encode(&elf.Rela64{
			Off:  r.Offset,
			Info: elf.R_INFO(idx, uint32(elf.R_X86_64_JMP_SLOT)),
		})...)
	}
	shstrtab := []byte("\x00.dynsym\x00.dynstr\x00.rela.plt\x00.shstrtab\x00")

	img := &image{}
	ehdrSize := uint64(binary.Size(elf.Header64{}))
	phSize := uint64(binary.Size(elf.Prog64{}))
	shSize := uint64(binary.Size(elf.Section64{}))

	off := align(ehdrSize+uint64(len(loads))*phSize, PAGE)
	for _, l := range loads {
		l.off = off
		off = align(off+uint64(len(l.bytes)), PAGE)
	}

	img.padTo(ehdrSize + uint64(len(loads))*phSize)
	for _, l := range loads {
		img.put(l.off, l.bytes)
	}
	symOff := align(img.off(), 8)
	img.put(symOff, bytes.Join(syms, nil))
	strOff := img.off()
	img.put(strOff, dynstr)
	relaOff := align(img.off(), 8)
	img.put(relaOff, rela)
	shstrOff := img.off()
	img.put(shstrOff, shstrtab)
	shOff := align(img.off(), 8)

	sections := []elf.Section64{
		{},
		{
			Name: 1, Type: uint32(elf.SHT_DYNSYM), Flags: uint64(elf.SHF_ALLOC),
			Off: symOff, Size: uint64(len(syms) * elf.Sym64Size), Link: 2, Info: 1,
			Addralign: 8, Entsize: elf.Sym64Size,
		},
		{
			Name: 9, Type: uint32(elf.SHT_STRTAB), Flags: uint64(elf.SHF_ALLOC),
			Off: strOff, Size: uint64(len(dynstr)), Addralign: 1,
		},
		{
			Name: 17, Type: uint32(elf.SHT_RELA), Flags: uint64(elf.SHF_ALLOC),
			Off: relaOff, Size: uint64(len(rela)), Link: 1,
			Addralign: 8, Entsize: 24,
		},
		{
			Name: 27, Type: uint32(elf.SHT_STRTAB),
			Off: shstrOff, Size: uint64(len(shstrtab)), Addralign: 1,
		},
	}
	img.padTo(shOff)
	for _, s := range sections {
		img.buf.Write(encode(&s))
	}

	hdr := elf.Header64{
		Type:      uint16(b.Type),
		Machine:   uint16(b.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     b.Entry,
		Phoff:     ehdrSize,
		Shoff:     shOff,
		Ehsize:    uint16(ehdrSize),
		Phentsize: uint16(phSize),
		Phnum:     uint16(len(loads)),
		Shentsize: uint16(shSize),
		Shnum:     uint16(len(sections)),
		Shstrndx:  SHSTRTAB_IDX,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	out := img.buf.Bytes()
	copy(out, encode(&hdr))
	for i, l := range loads {
		ph := elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(l.flags),
			Off:    l.off,
			Vaddr:  l.vaddr,
			Paddr:  l.vaddr,
			Filesz: uint64(len(l.bytes)),
			Memsz:  l.memsz,
			Align:  PAGE,
		}
		copy(out[ehdrSize+uint64(i)*phSize:], encode(&ph))
	}
	return out
}
