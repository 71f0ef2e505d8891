// The emul package switches a host thread into a process by
// interpreting the process's code. The instruction set is just large
// enough to drive the syscall trampoline:
//
//	LOADI   imm:i32          r = imm
//	LOADS   len:u16 bytes    s = bytes
//	SYSCALL nr:u16 slot:i32  call through the slot at entry+slot; r = result
//	TRAP                     fault
//
// All immediates are little-endian. Execution ends when the process
// makes an exit syscall.
package emul

import (
	"encoding/binary"
	"fmt"

	db "libos/debug"
	"libos/dispatch"
	"libos/kernel"
	"libos/proc"
	"libos/serr"
	"libos/vma"
)

const (
	OP_LOADI   byte = 0x01
	OP_LOADS   byte = 0x02
	OP_SYSCALL byte = 0x03
	OP_TRAP    byte = 0x04
)

type Switcher struct {
	alloc vma.Allocator
}

func NewSwitcher(alloc vma.Allocator) *Switcher {
	return &Switcher{alloc: alloc}
}

type cpu struct {
	alloc vma.Allocator
	p     *proc.Proc
	task  *proc.Task
	pc    uintptr
	r     int64
	s     string
}

func (c *cpu) fault(format string, v ...interface{}) error {
	return serr.NewErr(serr.TErrError, fmt.Sprintf("pid %v fault at %#x: %v", c.p.GetPid(), c.pc, fmt.Sprintf(format, v...)))
}

// Fetch n instruction bytes at pc and advance it.
func (c *cpu) fetch(n int) ([]byte, error) {
	if !c.p.Code.ContainsRange(c.pc, uintptr(n)) {
		return nil, c.fault("fetch %v bytes outside code %v", n, c.p.Code)
	}
	b, ok := c.alloc.Bytes(c.pc, n)
	if !ok {
		return nil, c.fault("code not mapped")
	}
	c.pc += uintptr(n)
	return b, nil
}

// Switch interprets task's code on th until the process exits. The
// returned error is the fault that ended it early, if any.
func (sw *Switcher) Switch(th *kernel.Thread, task *proc.Task) error {
	p, ok := th.Current()
	if !ok {
		return serr.NewErr(serr.TErrInval, "switch on idle thread")
	}
	c := &cpu{alloc: sw.alloc, p: p, task: task, pc: task.UserEntryAddr}
	defer func() {
		task.SavedState = c.pc
	}()
	db.DPrintf(db.EMUL, "Switch %v into %v", th, task)
	for {
		op, err := c.fetch(1)
		if err != nil {
			return err
		}
		switch op[0] {
		case OP_LOADI:
			b, err := c.fetch(4)
			if err != nil {
				return err
			}
			c.r = int64(int32(binary.LittleEndian.Uint32(b)))
		case OP_LOADS:
			b, err := c.fetch(2)
			if err != nil {
				return err
			}
			s, err := c.fetch(int(binary.LittleEndian.Uint16(b)))
			if err != nil {
				return err
			}
			c.s = string(s)
		case OP_SYSCALL:
			b, err := c.fetch(6)
			if err != nil {
				return err
			}
			nr := uint64(binary.LittleEndian.Uint16(b))
			rel := int32(binary.LittleEndian.Uint32(b[2:]))
			if err := c.call(th, nr, rel); err != nil {
				return err
			}
			if dispatch.IsExit(nr) {
				db.DPrintf(db.EMUL, "Switch %v: exit", th)
				return nil
			}
		case OP_TRAP:
			return c.fault("trap")
		default:
			return c.fault("bad opcode %#x", op[0])
		}
	}
}

// Call through the trampoline slot at entry+rel.
func (c *cpu) call(th *kernel.Thread, nr uint64, rel int32) error {
	slot := uintptr(int64(c.task.UserEntryAddr) + int64(rel))
	b, ok := c.alloc.Bytes(slot, 8)
	if !ok {
		return c.fault("slot %#x not mapped", slot)
	}
	if target := uintptr(binary.LittleEndian.Uint64(b)); target != dispatch.Entry() {
		db.DPrintf(db.EMUL_ERR, "slot %#x holds %#x", slot, target)
		return c.fault("call through unpatched slot %#x", slot)
	}
	c.r = dispatch.Syscall(th, nr, c.r, c.s)
	return nil
}
