package debug

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

//
// Debug output is controled by LIBOSDEBUG environment variable, which
// can be a list of labels (e.g., "SPAWN;RUN").
//

const DEBUG_ENV = "LIBOSDEBUG"

var (
	labels map[Tselector]bool
	log    *zap.SugaredLogger
	once   sync.Once
)

func init() {
	labels = debugLabels(os.Getenv(DEBUG_ENV))
}

func logger() *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000")
		cfg.CallerKey = ""
		cfg.StacktraceKey = ""
		core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stderr), zapcore.DebugLevel)
		log = zap.New(core).Sugar()
	})
	return log
}

func debugLabels(s string) map[Tselector]bool {
	m := make(map[Tselector]bool)
	if s == "" {
		return m
	}
	for _, l := range strings.Split(s, ";") {
		m[Tselector(l)] = true
	}
	return m
}

// SetLabels replaces the enabled selectors. Used by commands that take
// the selector list as a flag.
func SetLabels(s string) {
	labels = debugLabels(s)
}

func WillBePrinted(label Tselector) bool {
	if label == NEVER {
		return false
	}
	if label == ALWAYS || label == ERROR {
		return true
	}
	return labels[label]
}

func DPrintf(label Tselector, format string, v ...interface{}) {
	if !WillBePrinted(label) {
		return
	}
	msg := fmt.Sprintf(format, v...)
	if label == ERROR || strings.HasSuffix(string(label), string(ERR)) {
		logger().Errorw(msg, "sel", string(label))
		return
	}
	logger().Infow(msg, "sel", string(label))
}

func DFatalf(format string, v ...interface{}) {
	// Get info for the caller.
	pc, file, line, ok := runtime.Caller(1)
	fnDetails := runtime.FuncForPC(pc)
	msg := fmt.Sprintf(format, v...)
	if ok && fnDetails != nil {
		logger().Fatalf("FATAL %v %v:%v %v", fnDetails.Name(), file, line, msg)
	} else {
		logger().Fatalf("FATAL (missing details) %v", msg)
	}
}
