package runner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/flotilla/pkg/log"
)

// Func is a single periodic unit of work. It receives the run context
// so it can cooperatively cancel blocking calls (store lookups, queue
// polls, HTTP calls to collaborators) when the runner is stopped.
type Func func(ctx context.Context) error

// Worker names one periodic function and the interval it should be
// invoked at. This replaces the "callback of anything" thread
// registry: every periodic task in Flotilla is a named Worker with a
// fixed duration, not an arbitrary goroutine.
type Worker struct {
	Name     string
	Interval time.Duration
	Fn       Func
}

// Runner drives a set of Workers, each on its own goroutine, with a
// shared stop signal. A worker that panics is recovered and logged;
// the panic never takes down a sibling worker or the process.
type Runner struct {
	logger  zerolog.Logger
	workers []Worker
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Runner whose log lines are tagged with component name.
func New(component string) *Runner {
	return &Runner{
		logger: log.WithComponent(component),
		stopCh: make(chan struct{}),
	}
}

// Add registers a worker. Add must be called before Start.
func (r *Runner) Add(w Worker) {
	r.workers = append(r.workers, w)
}

// Start launches every registered worker on its own goroutine.
func (r *Runner) Start(ctx context.Context) {
	for _, w := range r.workers {
		r.wg.Add(1)
		go r.run(ctx, w)
	}
}

// Stop signals every worker to exit and waits for them to return.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, w Worker) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}

		start := time.Now()
		r.callSafely(ctx, w)
		elapsed := time.Since(start)

		if elapsed >= w.Interval {
			r.logger.Warn().
				Str("worker", w.Name).
				Dur("elapsed", elapsed).
				Dur("interval", w.Interval).
				Msg("periodic function exceeded its interval, running again immediately")
			continue
		}

		select {
		case <-time.After(w.Interval - elapsed):
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		}
	}
}

func (r *Runner) callSafely(ctx context.Context, w Worker) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("worker", w.Name).
				Interface("panic", rec).
				Msg("periodic function panicked")
		}
	}()
	if err := w.Fn(ctx); err != nil {
		r.logger.Error().Err(err).Str("worker", w.Name).Msg("periodic function returned an error")
	}
}
