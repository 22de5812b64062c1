package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pardalotus/metabeak/internal/model"
	"github.com/pardalotus/metabeak/internal/sandbox"
)

// fakeStore is an in-memory stand-in for the PostgreSQL store, so engine
// behaviour can be tested against real isolates without a database.
type fakeStore struct {
	mu       sync.Mutex
	handlers []model.Handler
	queue    []*model.Event
	saved    []model.RunResult
	statuses map[int64]model.HandlerStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: make(map[int64]model.HandlerStatus)}
}

func (f *fakeStore) addHandler(id int64, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, model.Handler{ID: id, Code: code, Status: model.StatusEnabled})
	f.statuses[id] = model.StatusEnabled
}

func (f *fakeStore) enqueue(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, &model.Event{
		ID:       id,
		Source:   model.SourceTest,
		Analyzer: model.AnalyzerTest,
		JSON:     fmt.Sprintf(`{"type":"test","n":%d}`, id),
	})
}

func (f *fakeStore) SetStatus(ctx context.Context, id int64, to model.HandlerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = to
	return nil
}

func (f *fakeStore) RunBatch(ctx context.Context, limit int, fanOut func(handlers []model.Handler, events []*model.Event) []model.RunResult) (int, error) {
	f.mu.Lock()
	var enabled []model.Handler
	for _, h := range f.handlers {
		if f.statuses[h.ID] == model.StatusEnabled {
			enabled = append(enabled, h)
		}
	}
	n := min(limit, len(f.queue))
	batch := f.queue[:n]
	f.queue = f.queue[n:]
	f.mu.Unlock()

	results := fanOut(enabled, batch)

	// A cancelled batch context fails the commit, like the real store.
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.saved = append(f.saved, results...)
	f.mu.Unlock()
	return n, nil
}

func (f *fakeStore) resultsFor(handlerID int64) []model.RunResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.RunResult
	for _, r := range f.saved {
		if r.HandlerID == handlerID {
			out = append(out, r)
		}
	}
	return out
}

func newTestEngine(t *testing.T, store Store) *Engine {
	t.Helper()
	e, err := New(store, Config{
		PoolSize:         2,
		BatchSize:        100,
		CacheSize:        8,
		FailureThreshold: 3,
		RetryAttempts:    1,
		BackoffMin:       time.Millisecond,
		BackoffMax:       10 * time.Millisecond,
		ShutdownGrace:    time.Second,
		Sandbox: sandbox.Config{
			ExecutionTimeout:   time.Second,
			MemoryLimitMB:      64,
			MaxScriptBytes:     64 * 1024,
			ConsoleBufferBytes: 8 * 1024,
			StackLimitBytes:    4 * 1024,
			Version:            "test",
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestRunOnce_FansOutToAllHandlers(t *testing.T) {
	fs := newFakeStore()
	fs.addHandler(1, `function f(event) { return [event.n]; }`)
	fs.addHandler(2, `function f(event) { return null; }`)
	fs.enqueue(10)

	e := newTestEngine(t, fs)
	claimed, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if claimed != 1 {
		t.Errorf("claimed = %d, want 1", claimed)
	}

	matched := fs.resultsFor(1)
	if len(matched) != 1 || matched[0].Result == nil || *matched[0].Result != "[10]" {
		t.Errorf("handler 1 results = %+v", matched)
	}
	noMatch := fs.resultsFor(2)
	if len(noMatch) != 1 || noMatch[0].Result != nil || noMatch[0].Error != nil {
		t.Errorf("handler 2 results = %+v, want a no-match row", noMatch)
	}
}

func TestRunOnce_FaultyHandlerDoesNotAffectOthers(t *testing.T) {
	fs := newFakeStore()
	fs.addHandler(1, `function f(event) { throw new Error("boom"); }`)
	fs.addHandler(2, `function f(event) { return ["ok"]; }`)
	fs.enqueue(1)
	fs.enqueue(2)

	e := newTestEngine(t, fs)
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	for _, r := range fs.resultsFor(1) {
		if r.Error == nil || !strings.Contains(*r.Error, "boom") {
			t.Errorf("handler 1 result = %+v, want an error", r)
		}
	}
	healthy := fs.resultsFor(2)
	if len(healthy) != 2 {
		t.Fatalf("handler 2 ran %d times, want 2", len(healthy))
	}
	for _, r := range healthy {
		if r.Result == nil || *r.Result != `["ok"]` {
			t.Errorf("handler 2 result = %+v", r)
		}
	}
}

func TestEngine_FailureThresholdMarksBroken(t *testing.T) {
	fs := newFakeStore()
	fs.addHandler(1, `function f(event) { throw new Error("always"); }`)

	e := newTestEngine(t, fs)
	ctx := context.Background()

	// Threshold is 3 consecutive failures, counted across batches.
	for i := int64(1); i <= 3; i++ {
		fs.enqueue(i)
		if _, err := e.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}

	if got := fs.statuses[1]; got != model.StatusBroken {
		t.Errorf("status = %s, want broken", got)
	}
	// All three failing invocations were still recorded.
	if got := len(fs.resultsFor(1)); got != 3 {
		t.Errorf("recorded %d results, want 3", got)
	}

	// A broken handler is skipped from the next batch onwards.
	fs.enqueue(4)
	if _, err := e.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := len(fs.resultsFor(1)); got != 3 {
		t.Errorf("broken handler still ran, %d results", got)
	}
}

func TestEngine_SuccessResetsFailureCount(t *testing.T) {
	fs := newFakeStore()
	// Fails twice, then succeeds, forever alternating below the threshold.
	fs.addHandler(1, `
		var n = 0;
		function f(event) {
			n++;
			if (n % 3 !== 0) { throw new Error("flaky"); }
			return [];
		}
	`)

	e := newTestEngine(t, fs)
	ctx := context.Background()
	for i := int64(1); i <= 9; i++ {
		fs.enqueue(i)
		if _, err := e.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}

	if got := fs.statuses[1]; got != model.StatusEnabled {
		t.Errorf("status = %s, want still enabled", got)
	}
}

func TestEngine_LoadFailureIsImmediatelyBroken(t *testing.T) {
	fs := newFakeStore()
	fs.addHandler(1, `this is not javascript`)
	fs.enqueue(1)

	e := newTestEngine(t, fs)
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if got := fs.statuses[1]; got != model.StatusBroken {
		t.Errorf("status = %s, want broken after load failure", got)
	}
	results := fs.resultsFor(1)
	if len(results) != 1 || results[0].Error == nil || !strings.Contains(*results[0].Error, "failed to load") {
		t.Errorf("results = %+v, want one load error row", results)
	}
}

func TestEngine_CachedStateAccumulatesInEventOrder(t *testing.T) {
	fs := newFakeStore()
	fs.addHandler(1, `
		var count = 0;
		function f(event) { count++; return [count]; }
	`)
	for i := int64(1); i <= 3; i++ {
		fs.enqueue(i)
	}

	e := newTestEngine(t, fs)
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	// Same handler, same worker: invocations run in event order and the
	// handler's globals persist between them.
	byEvent := make(map[int64]string)
	for _, r := range fs.resultsFor(1) {
		if r.Result != nil {
			byEvent[r.EventID] = *r.Result
		}
	}
	for i := int64(1); i <= 3; i++ {
		if got := byEvent[i]; got != fmt.Sprintf("[%d]", i) {
			t.Errorf("event %d result = %q, want [%d]", i, got, i)
		}
	}
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	fs := newFakeStore()
	fs.addHandler(1, `function f(event) { return null; }`)

	e := newTestEngine(t, fs)
	claimed, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if claimed != 0 {
		t.Errorf("claimed = %d, want 0", claimed)
	}
	if len(fs.saved) != 0 {
		t.Errorf("saved %d results, want none", len(fs.saved))
	}
}

func TestEngine_DisabledHandlerEvictedFromCache(t *testing.T) {
	fs := newFakeStore()
	fs.addHandler(1, `function f(event) { return null; }`)
	fs.enqueue(1)

	e := newTestEngine(t, fs)
	ctx := context.Background()
	if _, err := e.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := cachedContexts(e); got != 1 {
		t.Fatalf("cached contexts = %d, want 1 after first batch", got)
	}

	// Disabling must drop the cached context on the next batch, even when
	// the queue is empty.
	fs.SetStatus(ctx, 1, model.StatusDisabled)
	if _, err := e.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := cachedContexts(e); got != 0 {
		t.Errorf("cached contexts = %d, want 0 after disabling", got)
	}
}

func cachedContexts(e *Engine) int {
	total := 0
	for _, w := range e.workers {
		total += w.cache.Len()
	}
	return total
}

// cancellingStore cancels the run context during the batch, modelling a
// shutdown signal arriving while events are in flight.
type cancellingStore struct {
	*fakeStore
	cancel    context.CancelFunc
	batchLive bool
}

func (c *cancellingStore) RunBatch(ctx context.Context, limit int, fanOut func(handlers []model.Handler, events []*model.Event) []model.RunResult) (int, error) {
	c.cancel()
	c.batchLive = ctx.Err() == nil
	return c.fakeStore.RunBatch(ctx, limit, fanOut)
}

func TestRun_ShutdownCommitsInFlightBatch(t *testing.T) {
	fs := newFakeStore()
	fs.addHandler(1, `function f(event) { return ["done"]; }`)
	fs.enqueue(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cs := &cancellingStore{fakeStore: fs, cancel: cancel}

	e := newTestEngine(t, cs)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if !cs.batchLive {
		t.Error("batch context was cancelled by the shutdown signal")
	}
	results := fs.resultsFor(1)
	if len(results) != 1 || results[0].Result == nil || *results[0].Result != `["done"]` {
		t.Errorf("in-flight batch results = %+v, want one saved result", results)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	fs := newFakeStore()
	e := newTestEngine(t, fs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
