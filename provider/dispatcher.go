package provider

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Task is a unit of work run by the Dispatcher.
type Task func(ctx context.Context)

// Dispatcher runs each submitted task on its own goroutine. With a positive
// worker count, at most that many tasks execute at once and the rest wait
// for a slot; Submit itself never blocks.
type Dispatcher struct {
	workers  *semaphore.Weighted
	inflight atomic.Int64
	wg       sync.WaitGroup
	logger   *slog.Logger
	metrics  *Metrics
}

// NewDispatcher creates a dispatcher. workers <= 0 means unbounded.
func NewDispatcher(workers int, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	d := &Dispatcher{logger: logger, metrics: metrics}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if workers > 0 {
		d.workers = semaphore.NewWeighted(int64(workers))
	}
	return d
}

// Submit schedules task. ctx is handed to the task and bounds only the wait
// for a worker slot.
func (d *Dispatcher) Submit(ctx context.Context, task Task) {
	d.wg.Add(1)
	d.track(1)

	go func() {
		defer d.wg.Done()
		defer d.track(-1)

		if d.workers != nil {
			if err := d.workers.Acquire(ctx, 1); err != nil {
				d.logger.Warn("task abandoned before it got a worker", "error", err)
				return
			}
			defer d.workers.Release(1)
		}

		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("task panicked",
					"panic", r,
					"stack", string(debug.Stack()))
				if d.metrics != nil {
					d.metrics.taskPanicked()
				}
			}
		}()

		task(ctx)
	}()
}

// InFlight returns the number of tasks submitted but not finished.
func (d *Dispatcher) InFlight() int {
	return int(d.inflight.Load())
}

// Wait blocks until every submitted task has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
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

func (d *Dispatcher) track(delta int64) {
	n := d.inflight.Add(delta)
	if d.metrics != nil {
		d.metrics.inflight.Set(float64(n))
	}
}
