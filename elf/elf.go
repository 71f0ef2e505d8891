// The elf package parses ELF64 executables into the loader's image
// representation.
package elf

import (
	"bytes"
	"debug/elf"
	"fmt"

	"libos/binfmt"
	db "libos/debug"
	"libos/serr"
)

const (
	ELF_PAGE  = 0x1000
	RELA_SIZE = 24
)

type Image struct {
	f       *elf.File
	b       []byte
	origin  uint64
	code    binfmt.Segment
	data    binfmt.Segment
	hasCode bool
	hasData bool
}

func Parse(b []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(b))
	if err != nil {
		return nil, serr.NewErrWrap(serr.TErrMalformedImage, "elf", err)
	}
	img := &Image{f: f, b: b}
	first := true
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if first || p.Vaddr < img.origin {
			img.origin = p.Vaddr
			first = false
		}
	}
	if first {
		return nil, serr.NewErr(serr.TErrMalformedImage, "no loadable segment")
	}
	img.origin &^= ELF_PAGE - 1
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		seg := binfmt.Segment{
			Vaddr:  p.Vaddr - img.origin,
			Memsz:  p.Memsz,
			Offset: p.Off,
			Filesz: p.Filesz,
		}
		switch {
		case p.Flags&elf.PF_X != 0:
			if !img.hasCode {
				img.code = seg
				img.hasCode = true
			}
		case p.Flags&elf.PF_W != 0:
			if !img.hasData {
				img.data = seg
				img.hasData = true
			}
		}
	}
	db.DPrintf(db.ELF, "Parse origin %#x code %v data %v entry %#x", img.origin, img.code, img.data, f.Entry)
	return img, nil
}

// SanityCheck rejects images this loader cannot place.
func SanityCheck(img *Image) error {
	f := img.f
	if f.Class != elf.ELFCLASS64 {
		return serr.NewErr(serr.TErrMalformedImage, fmt.Sprintf("class %v", f.Class))
	}
	if f.Data != elf.ELFDATA2LSB {
		return serr.NewErr(serr.TErrMalformedImage, fmt.Sprintf("data %v", f.Data))
	}
	if f.Machine != elf.EM_X86_64 && f.Machine != elf.EM_AARCH64 {
		return serr.NewErr(serr.TErrMalformedImage, fmt.Sprintf("machine %v", f.Machine))
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return serr.NewErr(serr.TErrMalformedImage, fmt.Sprintf("type %v", f.Type))
	}
	return nil
}

func (img *Image) CodeSegment() (binfmt.Segment, bool) {
	return img.code, img.hasCode
}

func (img *Image) DataSegment() (binfmt.Segment, bool) {
	return img.data, img.hasData
}

// Entry returns the entry point relative to the image origin.
func (img *Image) Entry() uint64 {
	return img.f.Entry - img.origin
}

func (img *Image) Bytes() []byte {
	return img.b
}

func (img *Image) Machine() elf.Machine {
	return img.f.Machine
}

// PltRelocs returns the jump-slot relocations of .rela.plt with their
// symbol names resolved through .dynsym.
func (img *Image) PltRelocs() ([]binfmt.Reloc, error) {
	sec := img.f.Section(".rela.plt")
	if sec == nil {
		return nil, nil
	}
	if sec.Type != elf.SHT_RELA {
		return nil, serr.NewErr(serr.TErrRelocation, fmt.Sprintf(".rela.plt type %v", sec.Type))
	}
	data, err := sec.Data()
	if err != nil {
		return nil, serr.NewErrWrap(serr.TErrRelocation, ".rela.plt", err)
	}
	if len(data)%RELA_SIZE != 0 {
		return nil, serr.NewErr(serr.TErrRelocation, fmt.Sprintf(".rela.plt size %v", len(data)))
	}
	if len(data) == 0 {
		return nil, nil
	}
	syms, err := img.f.DynamicSymbols()
	if err != nil {
		return nil, serr.NewErrWrap(serr.TErrRelocation, ".dynsym", err)
	}
	bo := img.f.ByteOrder
	relocs := make([]binfmt.Reloc, 0, len(data)/RELA_SIZE)
	for i := 0; i < len(data); i += RELA_SIZE {
		off := bo.Uint64(data[i:])
		info := bo.Uint64(data[i+8:])
		idx := elf.R_SYM64(info)
		// DynamicSymbols omits the null symbol at index 0.
		if idx == 0 || int(idx) > len(syms) {
			return nil, serr.NewErr(serr.TErrRelocation, fmt.Sprintf("symbol index %v of %v", idx, len(syms)))
		}
		if off < img.origin {
			return nil, serr.NewErr(serr.TErrRelocation, fmt.Sprintf("offset %#x below origin %#x", off, img.origin))
		}
		relocs = append(relocs, binfmt.Reloc{
			Offset: off - img.origin,
			Sym:    syms[idx-1].Name,
		})
	}
	return relocs, nil
}
