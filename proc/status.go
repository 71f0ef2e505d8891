package proc

type Tstatus uint8

const (
	RUNNING Tstatus = iota
	INTERRUPTIBLE
	ZOMBIE
	STOPPED
)

func (status Tstatus) String() string {
	switch status {
	case RUNNING:
		return "RUNNING"
	case INTERRUPTIBLE:
		return "INTERRUPTIBLE"
	case ZOMBIE:
		return "ZOMBIE"
	case STOPPED:
		return "STOPPED"
	default:
		return "unknown status"
	}
}
