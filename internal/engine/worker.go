package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pardalotus/metabeak/internal/cache"
	"github.com/pardalotus/metabeak/internal/model"
	"github.com/pardalotus/metabeak/internal/sandbox"
)

// worker owns one V8 isolate and a cache of prepared handler contexts.
// All isolate access happens on the worker's goroutine; the engine talks to
// it only by submitting tasks to its channel. Handlers are pinned to
// workers by id, so a handler's cached globals live on exactly one isolate.
type worker struct {
	idx    int
	rt     *sandbox.Runtime
	cache  *cache.ContextCache
	tasks  chan func()
	done   chan struct{}
	logger *slog.Logger
}

func newWorker(idx int, sandboxCfg sandbox.Config, cacheSize int, logger *slog.Logger) (*worker, error) {
	w := &worker{
		idx:    idx,
		rt:     sandbox.NewRuntime(sandboxCfg),
		tasks:  make(chan func(), 64),
		done:   make(chan struct{}),
		logger: logger.With(slog.Int("worker", idx)),
	}
	cc, err := cache.New(cacheSize)
	if err != nil {
		w.rt.Dispose()
		return nil, fmt.Errorf("creating context cache: %w", err)
	}
	w.cache = cc

	go w.loop()
	return w, nil
}

func (w *worker) loop() {
	defer close(w.done)
	for fn := range w.tasks {
		fn()
	}
	w.cache.Purge()
	w.rt.Dispose()
}

// submit queues fn to run on the worker goroutine. Callers wait for
// completion through their own synchronization.
func (w *worker) submit(fn func()) {
	w.tasks <- fn
}

// stop drains the worker and releases its isolate.
func (w *worker) stop() {
	close(w.tasks)
	<-w.done
}

// terminate aborts whatever JavaScript the worker is currently running.
// Safe from any goroutine; used when the shutdown grace period expires.
func (w *worker) terminate() {
	w.rt.Terminate()
}

// evict drops a handler's cached context. Must run on the worker goroutine.
func (w *worker) evict(handlerID int64) {
	w.cache.Remove(handlerID)
}

// retain drops every cached context whose handler is not in the enabled
// set. Must run on the worker goroutine.
func (w *worker) retain(enabled map[int64]bool) {
	for _, id := range w.cache.Keys() {
		if !enabled[id] {
			w.cache.Remove(id)
		}
	}
}

// invocation is the worker's report on one (handler, event) execution.
type invocation struct {
	result     model.RunResult
	elapsed    time.Duration
	outcome    string
	loadFailed bool
}

// execute runs one handler against one event, preparing and caching the
// handler's context on first use. Must run on the worker goroutine.
func (w *worker) execute(h model.Handler, eventID int64, eventJSON string) invocation {
	start := time.Now()

	c, ok := w.cache.Get(h.ID)
	if !ok {
		prepared, err := w.rt.Prepare(h.Code)
		if err != nil {
			msg := fmt.Sprintf("handler failed to load: %v", err)
			w.logger.Warn("handler load failed",
				slog.Int64("handler", h.ID), slog.String("error", err.Error()))
			return invocation{
				result:     model.RunResult{HandlerID: h.ID, EventID: eventID, Error: &msg},
				elapsed:    time.Since(start),
				outcome:    "load_error",
				loadFailed: true,
			}
		}
		w.cache.Add(h.ID, prepared)
		c = prepared
	}

	out := w.rt.Invoke(c, eventJSON)
	if out.OOM {
		// The context's heap state is suspect after a forced termination.
		w.cache.Remove(h.ID)
	}

	inv := invocation{
		result: model.RunResult{
			HandlerID: h.ID,
			EventID:   eventID,
			Result:    out.Result,
			Error:     out.Error,
			Stdout:    out.Stdout,
			Stderr:    out.Stderr,
		},
		elapsed: time.Since(start),
	}
	switch {
	case out.OOM:
		inv.outcome = "oom"
	case out.TimedOut:
		inv.outcome = "timeout"
	case out.Error != nil:
		inv.outcome = "error"
	case out.Result != nil:
		inv.outcome = "matched"
	default:
		inv.outcome = "no_match"
	}
	return inv
}
