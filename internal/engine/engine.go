// Package engine drains the event queue and fans each event out to every
// enabled handler function across a pool of sandboxed workers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pardalotus/metabeak/internal/db"
	"github.com/pardalotus/metabeak/internal/model"
	"github.com/pardalotus/metabeak/internal/sandbox"
)

// Store is the persistence surface the engine needs.
type Store interface {
	RunBatch(ctx context.Context, limit int, fanOut func(handlers []model.Handler, events []*model.Event) []model.RunResult) (int, error)
	SetStatus(ctx context.Context, id int64, to model.HandlerStatus) error
}

// Config holds the engine's tuning knobs.
type Config struct {
	PoolSize         int
	BatchSize        int
	CacheSize        int
	FailureThreshold int
	RetryAttempts    int
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	ShutdownGrace    time.Duration
	Sandbox          sandbox.Config
}

// Engine coordinates batches: it claims events, dispatches (handler, event)
// pairs to workers and persists the outcomes in the claiming transaction.
// A handler always runs on the worker its id hashes to, so its cached
// globals accumulate on a single isolate.
type Engine struct {
	store    Store
	cfg      Config
	logger   *slog.Logger
	workers  []*worker
	failures map[int64]int
}

func New(store Store, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", cfg.PoolSize)
	}

	e := &Engine{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		failures: make(map[int64]int),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		w, err := newWorker(i, cfg.Sandbox, cfg.CacheSize, logger)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("starting worker %d: %w", i, err)
		}
		e.workers = append(e.workers, w)
	}
	return e, nil
}

// Close stops all workers and releases their isolates.
func (e *Engine) Close() {
	for _, w := range e.workers {
		w.stop()
	}
	e.workers = nil
}

func (e *Engine) workerFor(handlerID int64) *worker {
	idx := int(handlerID % int64(len(e.workers)))
	if idx < 0 {
		idx += len(e.workers)
	}
	return e.workers[idx]
}

// RunOnce processes a single batch. The enabled-handler snapshot comes
// from inside the batch transaction; worker caches are reconciled against
// it before any handler runs, so disabling a handler also drops its cached
// context and accumulated globals. Returns the number of queue rows
// drained; zero means the queue was empty.
func (e *Engine) RunOnce(ctx context.Context) (int, error) {
	var invocations []invocation
	claimed, err := e.store.RunBatch(ctx, e.cfg.BatchSize, func(handlers []model.Handler, events []*model.Event) []model.RunResult {
		e.sweepCaches(handlers)
		invocations = e.fanOut(handlers, events)
		results := make([]model.RunResult, len(invocations))
		for i, inv := range invocations {
			results[i] = inv.result
		}
		return results
	})
	if err != nil {
		return 0, err
	}

	metricBatches.Inc()
	metricEventsClaimed.Add(float64(claimed))
	for _, inv := range invocations {
		metricInvocations.WithLabelValues(inv.outcome).Inc()
		metricInvocationSeconds.Observe(inv.elapsed.Seconds())
	}

	e.trackFailures(ctx, invocations)
	return claimed, nil
}

// sweepCaches evicts cached contexts for handlers missing from the
// enabled snapshot, keeping the caches free of disabled and broken
// handlers between batches.
func (e *Engine) sweepCaches(handlers []model.Handler) {
	enabled := make(map[int64]bool, len(handlers))
	for _, h := range handlers {
		enabled[h.ID] = true
	}

	var wg sync.WaitGroup
	for _, w := range e.workers {
		w := w
		wg.Add(1)
		w.submit(func() {
			defer wg.Done()
			w.retain(enabled)
		})
	}
	wg.Wait()
}

// fanOut runs every (handler, event) pair on the handler's worker and
// collects the outcomes. Pairs for the same handler execute in event order
// because they queue on one worker; distinct handlers run in parallel.
func (e *Engine) fanOut(handlers []model.Handler, events []*model.Event) []invocation {
	if len(handlers) == 0 || len(events) == 0 {
		return nil
	}

	type payload struct {
		id   int64
		json string
	}
	payloads := make([]payload, 0, len(events))
	for _, ev := range events {
		j, err := ev.PublicJSON()
		if err != nil {
			e.logger.Error("skipping malformed stored event",
				slog.Int64("event", ev.ID), slog.String("error", err.Error()))
			continue
		}
		payloads = append(payloads, payload{id: ev.ID, json: j})
	}

	var (
		mu          sync.Mutex
		invocations []invocation
		wg          sync.WaitGroup
	)
	for _, h := range handlers {
		h := h
		w := e.workerFor(h.ID)
		for _, p := range payloads {
			p := p
			wg.Add(1)
			w.submit(func() {
				defer wg.Done()
				inv := w.execute(h, p.id, p.json)
				mu.Lock()
				invocations = append(invocations, inv)
				mu.Unlock()
			})
		}
	}
	wg.Wait()
	return invocations
}

// trackFailures updates per-handler consecutive failure counts and marks a
// handler broken when it fails to load or crosses the threshold. Broken
// handlers are evicted from their worker's cache and skipped from the next
// batch onwards; their results for this batch are already saved.
func (e *Engine) trackFailures(ctx context.Context, invocations []invocation) {
	broken := make(map[int64]bool)
	for _, inv := range invocations {
		id := inv.result.HandlerID
		switch {
		case inv.loadFailed:
			broken[id] = true
		case inv.result.Error != nil:
			e.failures[id]++
			if e.cfg.FailureThreshold > 0 && e.failures[id] >= e.cfg.FailureThreshold {
				broken[id] = true
			}
		default:
			delete(e.failures, id)
		}
	}

	for id := range broken {
		e.logger.Warn("marking handler broken", slog.Int64("handler", id),
			slog.Int("consecutive_failures", e.failures[id]))
		err := db.Retry(ctx, e.logger, e.cfg.RetryAttempts, func() error {
			return e.store.SetStatus(ctx, id, model.StatusBroken)
		})
		if err != nil {
			// The handler stays enabled; it will fail again and be retried.
			e.logger.Error("failed to mark handler broken",
				slog.Int64("handler", id), slog.String("error", err.Error()))
			continue
		}
		metricHandlersBroken.Inc()
		delete(e.failures, id)

		w := e.workerFor(id)
		handlerID := id
		var evicted sync.WaitGroup
		evicted.Add(1)
		w.submit(func() {
			defer evicted.Done()
			w.evict(handlerID)
		})
		evicted.Wait()
	}
}

// Run polls the queue until ctx is cancelled, backing off exponentially
// while the queue is empty and snapping back to the floor as soon as a
// batch finds work. Cancellation stops new batches but lets the in-flight
// one finish and commit within the grace period. Transient database errors
// are retried; a persistent failure is returned so the process can exit
// nonzero.
func (e *Engine) Run(ctx context.Context) error {
	delay := e.cfg.BackoffMin
	for {
		if ctx.Err() != nil {
			e.logger.Info("engine stopping")
			return nil
		}

		var claimed int
		err := db.Retry(ctx, e.logger, e.cfg.RetryAttempts, func() error {
			var batchErr error
			claimed, batchErr = e.runBatch(ctx)
			return batchErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("processing batch: %w", err)
		}

		if claimed > 0 {
			e.logger.Debug("batch processed", slog.Int("claimed", claimed))
			delay = e.cfg.BackoffMin
			continue
		}

		metricEmptyPolls.Inc()
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		delay *= 2
		if delay > e.cfg.BackoffMax {
			delay = e.cfg.BackoffMax
		}
	}
}

// runBatch runs one batch detached from the shutdown signal, so results
// claimed before the signal arrived still commit. If shutdown then stalls
// past the grace period, in-flight JavaScript is aborted and the batch
// context cancelled, rolling the transaction (and the queue claim) back.
func (e *Engine) runBatch(ctx context.Context) (int, error) {
	batchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	batchDone := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		select {
		case <-batchDone:
			return
		case <-time.After(e.cfg.ShutdownGrace):
		}
		e.logger.Warn("shutdown grace expired, terminating workers")
		for _, w := range e.workers {
			w.terminate()
		}
		cancel()
	})
	defer func() {
		close(batchDone)
		stop()
	}()

	return e.RunOnce(batchCtx)
}
