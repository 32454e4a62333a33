package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrent = 16

// Dispatcher accepts run submissions and executes each on its own
// goroutine, bounded by a concurrency limit. Submission is
// fire-and-forget: callers get their HTTP response while the run
// executes in the background, and runs are never cancelled externally.
type Dispatcher struct {
	engine *Engine
	logger *slog.Logger
	sem    *semaphore.Weighted

	inflight sync.Map // uuid.UUID -> struct{}
	wg       sync.WaitGroup
}

// NewDispatcher builds a dispatcher over the engine. maxConcurrent
// bounds simultaneously executing runs; zero or negative means the
// default of 16.
func NewDispatcher(engine *Engine, maxConcurrent int64, logger *slog.Logger) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine: engine,
		logger: logger,
		sem:    semaphore.NewWeighted(maxConcurrent),
	}
}

// Submit schedules a run for execution and returns immediately. A run
// already in flight is dropped: two goroutines driving one record
// would corrupt its step log.
func (d *Dispatcher) Submit(runID uuid.UUID, userID, sessionID string) {
	if _, loaded := d.inflight.LoadOrStore(runID, struct{}{}); loaded {
		d.logger.Warn("engine: duplicate submission dropped", "run_id", runID)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inflight.Delete(runID)

		// Runs outlive the submitting request, so they execute on a
		// background context rather than the request's.
		ctx := context.Background()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)

		d.engine.ExecuteRun(ctx, runID, userID, sessionID)
	}()
}

// Drain blocks until every in-flight run finishes or the context
// expires. Used on shutdown so terminal statuses reach storage.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
