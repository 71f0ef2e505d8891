package debug

type Tselector string

// ALWAYS
const (
	ALWAYS Tselector = "ALWAYS"
	ERROR            = "ERROR"
	NEVER            = "NEVER"
)

// ERR
const (
	ERR Tselector = "_ERR"
)

// Tests
const (
	TEST  Tselector = "TEST"
	TEST1           = "TEST1"
)

// Latency break-down.
const (
	SPAWN_LAT Tselector = "SPAWN_LAT"
)

// Kernel
const (
	KERNEL     Tselector = "KERNEL"
	KERNEL_ERR           = KERNEL + ERR
	SPAWN                = "SPAWN"
	SPAWN_ERR            = SPAWN + ERR
	RUN                  = "RUN"
	WAIT                 = "WAIT"
	DISPATCH             = "DISPATCH"
	DISPATCH_ERR         = DISPATCH + ERR
)

// Process state
const (
	PROC    Tselector = "PROC"
	PROCQ             = "PROCQ"
	PROCTAB           = "PROCTAB"
	PIDS              = "PIDS"
)

// Image loading
const (
	LOADER     Tselector = "LOADER"
	LOADER_ERR           = LOADER + ERR
	ELF                  = "ELF"
	SEALFS               = "SEALFS"
	SEALFS_ERR           = SEALFS + ERR
	VMA                  = "VMA"
	VMA_ERR              = VMA + ERR
)

// Execution
const (
	EMUL           Tselector = "EMUL"
	EMUL_ERR                 = EMUL + ERR
	HOSTTHREAD               = "HOSTTHREAD"
	HOSTTHREAD_ERR           = HOSTTHREAD + ERR
)

// Configuration
const (
	CONFIG Tselector = "CONFIG"
)
