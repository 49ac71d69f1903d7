package log

import (
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// TracingHook adds caller package name to every log line. With WithTrace
// (or on trace level) function, file and line are added too. Full tracing
// is not cheap.
type TracingHook struct {
	WithTrace bool
}

func NewTracingHook(withTrace bool) TracingHook {
	return TracingHook{WithTrace: withTrace}
}

func (h TracingHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	// Run <- Event.msg <- Event.Msg <- caller
	pc, _, _, ok := runtime.Caller(3)
	if !ok {
		return
	}

	frame := runtime.FuncForPC(pc)
	if frame == nil {
		return
	}

	packageName, functionName := splitFuncName(frame.Name())
	e.Str("package", packageName)

	if h.WithTrace || (zerolog.GlobalLevel() == zerolog.TraceLevel && level == zerolog.TraceLevel) {
		fileName, lineNo := frame.FileLine(pc)
		e.Str("function", functionName).
			Str("file", fileName).
			Int("line", lineNo)
	}
}

// splitFuncName splits "github.com/x/y/pkg.(*T).Method" into
// "github.com/x/y/pkg" and "(*T).Method".
func splitFuncName(name string) (pkg, fn string) {
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot < 0 {
		return name, ""
	}

	dot += slash + 1
	return name[:dot], name[dot+1:]
}
