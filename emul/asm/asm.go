// The asm package assembles programs for the emulated instruction set
// and wraps them in loadable images.
package asm

import (
	"encoding/binary"

	"libos/elf/elfbuild"
	"libos/emul"
)

// Layout of images built by Image.
const (
	CODE_VADDR = 0x1000
	CODE_SIZE  = 0x1000
	ENTRY      = 0x1010
	DATA_VADDR = 0x2000
	DATA_SIZE  = 0x40
	SLOT       = 0x2008 // syscall trampoline slot
)

type Asm struct {
	code []byte
}

func New() *Asm {
	return &Asm{}
}

func (a *Asm) LoadI(v int32) *Asm {
	a.code = append(a.code, emul.OP_LOADI)
	a.code = binary.LittleEndian.AppendUint32(a.code, uint32(v))
	return a
}

func (a *Asm) LoadS(s string) *Asm {
	a.code = append(a.code, emul.OP_LOADS)
	a.code = binary.LittleEndian.AppendUint16(a.code, uint16(len(s)))
	a.code = append(a.code, s...)
	return a
}

// Syscall calls through the image's trampoline slot.
func (a *Asm) Syscall(nr uint16) *Asm {
	return a.SyscallVia(nr, SLOT-ENTRY)
}

// SyscallVia calls through the slot at rel bytes from the entry point.
func (a *Asm) SyscallVia(nr uint16, rel int32) *Asm {
	a.code = append(a.code, emul.OP_SYSCALL)
	a.code = binary.LittleEndian.AppendUint16(a.code, nr)
	a.code = binary.LittleEndian.AppendUint32(a.code, uint32(rel))
	return a
}

func (a *Asm) Trap() *Asm {
	a.code = append(a.code, emul.OP_TRAP)
	return a
}

func (a *Asm) Code() []byte {
	return a.code
}

// Image returns an executable running the program from ENTRY, with a
// relocation of SLOT against sym.
func (a *Asm) Image(sym string) []byte {
	b := elfbuild.NewBuilder()
	b.CodeVaddr = CODE_VADDR
	b.Code = make([]byte, CODE_SIZE)
	copy(b.Code[ENTRY-CODE_VADDR:], a.code)
	b.DataVaddr = DATA_VADDR
	b.Data = make([]byte, DATA_SIZE)
	b.Entry = ENTRY
	b.Relocs = []elfbuild.Reloc{{Offset: SLOT, Sym: sym}}
	return b.Build()
}
