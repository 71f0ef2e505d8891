package proc

import (
	"strconv"
)

type Tpid uint32

const (
	NO_PID   Tpid = 0
	INIT_PID Tpid = 1
)

func (pid Tpid) String() string {
	return strconv.FormatUint(uint64(pid), 10)
}
