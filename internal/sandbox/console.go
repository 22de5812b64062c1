package sandbox

import (
	"strings"
	"unicode/utf8"

	v8 "github.com/tommie/v8go"
)

// truncationMarker is appended when a console stream hits its byte budget.
const truncationMarker = "\n[output truncated]"

// consoleSink collects console output for the invocation currently running
// on the owning worker. One sink per Runtime; reset before each invocation.
type consoleSink struct {
	stdout boundedBuffer
	stderr boundedBuffer
}

func newConsoleSink(limit int) *consoleSink {
	return &consoleSink{
		stdout: boundedBuffer{limit: limit},
		stderr: boundedBuffer{limit: limit},
	}
}

func (s *consoleSink) reset() {
	s.stdout.reset()
	s.stderr.reset()
}

// capture returns the accumulated streams, with the truncation marker
// appended to any stream that overflowed.
func (s *consoleSink) capture() (stdout, stderr string) {
	return s.stdout.content(), s.stderr.content()
}

// boundedBuffer keeps at most limit bytes and remembers whether it dropped
// anything. A limit of zero means unbounded.
type boundedBuffer struct {
	b         strings.Builder
	limit     int
	truncated bool
}

func (bb *boundedBuffer) writeLine(line string) {
	if bb.truncated {
		return
	}
	if bb.limit > 0 && bb.b.Len()+len(line)+1 > bb.limit {
		cut := min(bb.limit-bb.b.Len(), len(line))
		// Back off to a rune boundary so the cut never splits a
		// multibyte sequence.
		for cut > 0 && cut < len(line) && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if cut > 0 {
			bb.b.WriteString(line[:cut])
		}
		bb.truncated = true
		return
	}
	bb.b.WriteString(line)
	bb.b.WriteByte('\n')
}

func (bb *boundedBuffer) content() string {
	if bb.truncated {
		return bb.b.String() + truncationMarker
	}
	return bb.b.String()
}

func (bb *boundedBuffer) reset() {
	bb.b.Reset()
	bb.truncated = false
}

// setupConsole installs a console object whose log and error methods write
// into the runtime's sink. Arguments are space-joined the way browsers do.
func setupConsole(iso *v8.Isolate, ctx *v8.Context, sink *consoleSink) error {
	console := v8.NewObjectTemplate(iso)

	logFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		sink.stdout.writeLine(formatConsoleArgs(info.Args()))
		return v8.Undefined(iso)
	})
	errFn := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		sink.stderr.writeLine(formatConsoleArgs(info.Args()))
		return v8.Undefined(iso)
	})

	if err := console.Set("log", logFn); err != nil {
		return err
	}
	if err := console.Set("info", logFn); err != nil {
		return err
	}
	if err := console.Set("warn", errFn); err != nil {
		return err
	}
	if err := console.Set("error", errFn); err != nil {
		return err
	}

	obj, err := console.NewInstance(ctx)
	if err != nil {
		return err
	}
	return ctx.Global().Set("console", obj)
}

func formatConsoleArgs(args []*v8.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}
