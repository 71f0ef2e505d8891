package proc

import (
	"fmt"
)

// Task is the record handed to the context-switch primitive. Its layout
// is shared with the switch code and must not change: five
// pointer-sized words, in this order.
type Task struct {
	SyscallStackAddr uintptr
	UserStackAddr    uintptr
	UserEntryAddr    uintptr
	FsBaseAddr       uintptr
	SavedState       uintptr // struct jmpbuf*
}

func (t *Task) String() string {
	return fmt.Sprintf("&{ sysstack:%#x ustack:%#x entry:%#x fs:%#x saved:%#x }",
		t.SyscallStackAddr, t.UserStackAddr, t.UserEntryAddr, t.FsBaseAddr, t.SavedState)
}
