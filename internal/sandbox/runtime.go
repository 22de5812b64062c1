// Package sandbox wraps an embedded V8 isolate and executes handler
// functions inside it under wall-clock and heap limits.
//
// One Runtime (isolate) belongs to one worker and must only be used from
// that worker's goroutine. Each handler occupies its own Context (global
// object) within the isolate, so handlers cannot see each other's globals,
// while repeated invocations of the same handler on the same worker share
// globals. That cached state is best-effort and non-durable.
package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	v8 "github.com/tommie/v8go"
)

// Platform is the environment name reported to handler functions.
const Platform = "Pardalotus Metabeak"

// heapPollInterval is how often the heap monitor samples isolate usage
// during an invocation.
const heapPollInterval = 5 * time.Millisecond

// Config holds the per-isolate execution limits.
type Config struct {
	ExecutionTimeout   time.Duration
	MemoryLimitMB      int
	MaxScriptBytes     int
	ConsoleBufferBytes int
	StackLimitBytes    int
	Version            string
}

// Runtime owns a single V8 isolate. Not safe for use across goroutines.
type Runtime struct {
	iso  *v8.Isolate
	cfg  Config
	sink *consoleSink
	env  string
	live atomic.Int32
}

// Context is a prepared handler: a V8 context in which the handler's
// top-level script has run and a callable global f exists.
type Context struct {
	rt     *Runtime
	ctx    *v8.Context
	fn     *v8.Function
	closed bool
}

// Outcome is the result of one handler invocation. Exactly one of Result
// (non-nil) or Error (non-nil) is set, except the no-match case where the
// handler returned nullish and both are nil.
type Outcome struct {
	Result   *string
	Error    *string
	Stdout   string
	Stderr   string
	TimedOut bool
	// OOM marks an invocation aborted by the heap monitor. The context's
	// state may be corrupt afterwards; callers should evict it.
	OOM bool
}

// Failed reports whether the invocation ended in an error.
func (o Outcome) Failed() bool { return o.Error != nil }

// NewRuntime creates an isolate with the configured heap cap.
func NewRuntime(cfg Config) *Runtime {
	var iso *v8.Isolate
	if cfg.MemoryLimitMB > 0 {
		heapSize := uint64(cfg.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}

	envJSON, _ := json.Marshal(map[string]string{
		"environment": Platform,
		"version":     cfg.Version,
	})

	return &Runtime{
		iso:  iso,
		cfg:  cfg,
		sink: newConsoleSink(cfg.ConsoleBufferBytes),
		env:  string(envJSON),
	}
}

// Prepare compiles and executes a handler's top-level script in a fresh
// context. Success requires that a global function named f exists
// afterwards. On any failure the context is torn down and an error
// describing the load failure is returned; the isolate itself stays usable.
func (r *Runtime) Prepare(code string) (*Context, error) {
	if len(code) > r.cfg.MaxScriptBytes {
		return nil, fmt.Errorf("handler source is %d bytes, limit is %d", len(code), r.cfg.MaxScriptBytes)
	}

	ctx := v8.NewContext(r.iso)

	if err := setupConsole(r.iso, ctx, r.sink); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("installing console: %w", err)
	}

	envVal, err := v8.JSONParse(ctx, r.env)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("building environment global: %w", err)
	}
	if err := ctx.Global().Set("environment", envVal); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("setting environment global: %w", err)
	}

	script, err := r.iso.CompileUnboundScript(code, "handler.js", v8.CompileOptions{})
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("compiling handler: %w", jsErrorMessage(err, r.cfg.StackLimitBytes))
	}

	// The top-level script runs under the same wall-clock budget as an
	// invocation, so a loop at load time cannot wedge the worker.
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(r.cfg.ExecutionTimeout, func() {
		timedOut.Store(true)
		r.iso.TerminateExecution()
	})
	_, runErr := script.Run(ctx)
	watchdog.Stop()

	if timedOut.Load() {
		ctx.Close()
		return nil, fmt.Errorf("execution time limit exceeded loading handler (limit: %v)", r.cfg.ExecutionTimeout)
	}
	if runErr != nil {
		ctx.Close()
		return nil, fmt.Errorf("running handler script: %w", jsErrorMessage(runErr, r.cfg.StackLimitBytes))
	}

	fVal, err := ctx.Global().Get("f")
	if err != nil || fVal == nil || !fVal.IsFunction() {
		ctx.Close()
		return nil, fmt.Errorf("handler must define a top-level function named \"f\"")
	}
	fn, err := fVal.AsFunction()
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("retrieving handler function: %w", err)
	}

	r.live.Add(1)
	return &Context{rt: r, ctx: ctx, fn: fn}, nil
}

// Invoke parses the event JSON inside the handler's context, calls
// f(event) and coerces the return value. Handler misbehaviour of any kind
// is reported through the Outcome, never as a Go error.
func (r *Runtime) Invoke(c *Context, eventJSON string) Outcome {
	r.sink.reset()

	var timedOut, oomed atomic.Bool
	watchdog := time.AfterFunc(r.cfg.ExecutionTimeout, func() {
		timedOut.Store(true)
		r.iso.TerminateExecution()
	})

	// Heap monitor: TerminateExecution is the one V8 call that is safe
	// from another goroutine, so the monitor aborts the invocation rather
	// than letting the isolate hit its hard cap and abort the process.
	stopHeapWatch := make(chan struct{})
	go func() {
		limit := uint64(r.cfg.MemoryLimitMB) * 1024 * 1024
		if limit == 0 {
			return
		}
		ticker := time.NewTicker(heapPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopHeapWatch:
				return
			case <-ticker.C:
				if r.iso.GetHeapStatistics().UsedHeapSize > limit {
					oomed.Store(true)
					r.iso.TerminateExecution()
					return
				}
			}
		}
	}()

	var (
		resultJSON  *string
		invokeErr   error
		coerceErr   string
		panicked    bool
		panicDetail any
	)

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				panicked = true
				panicDetail = rec
			}
		}()

		eventVal, err := v8.JSONParse(c.ctx, eventJSON)
		if err != nil {
			invokeErr = fmt.Errorf("parsing event: %w", err)
			return
		}

		ret, err := c.fn.Call(c.ctx.Global(), eventVal)
		if err != nil {
			invokeErr = err
			return
		}

		switch {
		case ret == nil || ret.IsNullOrUndefined():
			// No match; a successful run.
		case ret.IsArray():
			s, err := v8.JSONStringify(c.ctx, ret)
			if err != nil || s == "undefined" {
				coerceErr = "handler result is not JSON-serializable"
				return
			}
			resultJSON = &s
		default:
			coerceErr = "handler must return an array or null"
		}
	}()

	stopped := watchdog.Stop()
	close(stopHeapWatch)

	out := Outcome{}
	out.Stdout, out.Stderr = r.sink.capture()

	switch {
	case oomed.Load():
		msg := fmt.Sprintf("memory limit exceeded (limit: %d MiB)", r.cfg.MemoryLimitMB)
		out.Error = &msg
		out.OOM = true
	case timedOut.Load() || !stopped:
		msg := fmt.Sprintf("execution time limit exceeded (limit: %v)", r.cfg.ExecutionTimeout)
		out.Error = &msg
		out.TimedOut = true
	case panicked:
		msg := fmt.Sprintf("internal error invoking handler: %v", panicDetail)
		out.Error = &msg
	case invokeErr != nil:
		msg := jsErrorMessage(invokeErr, r.cfg.StackLimitBytes).Error()
		out.Error = &msg
	case coerceErr != "":
		out.Error = &coerceErr
	default:
		out.Result = resultJSON
	}

	return out
}

// LiveContexts returns the number of prepared contexts not yet closed.
func (r *Runtime) LiveContexts() int { return int(r.live.Load()) }

// Terminate aborts any JavaScript currently running in the isolate. Safe to
// call from another goroutine; used during forced shutdown.
func (r *Runtime) Terminate() { r.iso.TerminateExecution() }

// Dispose tears down the isolate. All contexts must be closed first.
func (r *Runtime) Dispose() { r.iso.Dispose() }

// Close tears down the handler's context; the isolate remains usable.
func (c *Context) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.ctx.Close()
	c.rt.live.Add(-1)
}

// jsErrorMessage renders a V8 error as message plus stack trace, with the
// stack truncated to limit bytes.
func jsErrorMessage(err error, limit int) error {
	jsErr, ok := err.(*v8.JSError)
	if !ok {
		return err
	}

	msg := jsErr.Message
	if jsErr.StackTrace != "" {
		stack := jsErr.StackTrace
		if limit > 0 && len(stack) > limit {
			stack = stack[:limit] + "\n[stack truncated]"
		}
		// The stack trace usually repeats the message on its first line;
		// keep it anyway so the stored error is self-contained.
		msg = msg + "\n" + stack
	}
	return fmt.Errorf("%s", strings.TrimSpace(msg))
}
