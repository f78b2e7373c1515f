package mdsource

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/pkg/logger"
)

// Runner runs every source on its own goroutine and merges their quotes into Out.
//
// Shutdown has two levels. Cancelling the ctx given to Run is graceful: sources stop
// reading and the batch in hand still goes out. Stop is forced: pending emits give up.
type Runner struct {
	sources []Source

	// Out is the merged, bounded quote stream. Closed once every source has returned.
	Out chan model.Quote

	// Err receives source failures (best effort, never blocks).
	Err chan error

	Backoff Backoff

	hard     context.Context
	hardStop context.CancelFunc
	done     chan struct{}
}

func NewRunner(bufSize int, sources ...Source) *Runner {
	if bufSize <= 0 {
		bufSize = 4096
	}
	hard, stop := context.WithCancel(context.Background())
	return &Runner{
		sources:  sources,
		Out:      make(chan model.Quote, bufSize),
		Err:      make(chan error, 128),
		Backoff:  DefaultBackoff(),
		hard:     hard,
		hardStop: stop,
		done:     make(chan struct{}),
	}
}

func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range r.sources {
		src := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runOne(ctx, src)
		}()
	}

	go func() {
		wg.Wait()
		close(r.Out)
		close(r.Err)
		close(r.done)
	}()
}

// Stop abandons in-flight emits.
func (r *Runner) Stop() { r.hardStop() }

// Done is closed after every source returned and Out was closed.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Emit delivers q to Out, blocking until there is room or the runner is force-stopped.
func (r *Runner) Emit(q model.Quote) bool {
	select {
	case r.Out <- q:
		return true
	case <-r.hard.Done():
		return false
	}
}

func (r *Runner) runOne(ctx context.Context, src Source) {
	attempt := 0
	for {
		if ctx.Err() != nil || r.hard.Err() != nil {
			return
		}

		started := time.Now()
		err := src.Run(ctx, r) // blocks until disconnect, error or ctx cancel
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return
			}
		}

		select {
		case r.Err <- wrapErr(src.Name(), err):
		default:
		}

		// a connection that lived a while resets the schedule
		if time.Since(started) > r.Backoff.Cap(8) {
			attempt = 0
		}
		attempt++
		sleep := r.Backoff.Next(attempt)
		logger.Warn(ctx, "source stopped, reconnecting",
			zap.String("source", src.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", sleep),
			zap.Error(err),
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.hard.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

type namedErr struct {
	src string
	err error
}

func (e namedErr) Error() string {
	if e.err == nil {
		return e.src + ": source returned"
	}
	return e.src + ": " + e.err.Error()
}

func (e namedErr) Unwrap() error { return e.err }

func wrapErr(src string, err error) error { return namedErr{src: src, err: err} }
