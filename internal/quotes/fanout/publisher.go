// Package fanout delivers aggregate updates to every registered sink independently.
//
// Each sink has its own worker goroutine and bounded queue, so a slow or failing sink
// never delays the others or the pipeline. A full queue drops its oldest update and
// flags the sink for resync: once a delivery succeeds again the worker enqueues a fresh
// snapshot of every instrument.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"fxpulse.com/internal/quotes/health"
	"fxpulse.com/internal/quotes/mdsource"
	"fxpulse.com/internal/quotes/qerr"
	"fxpulse.com/internal/quotes/qmetrics"
	"fxpulse.com/pkg/logger"
	"fxpulse.com/pkg/metrics"
	"fxpulse.com/pkg/ratelimit"
)

var tracer = otel.Tracer("fxpulse.com/internal/quotes/fanout")

var (
	ErrNoSinks       = errors.New("fanout: no sinks")
	ErrDuplicateSink = errors.New("fanout: duplicate sink name")
	ErrUnknownSink   = errors.New("fanout: unknown sink")
)

type Config struct {
	QueueDepth     int           `mapstructure:"queue_depth"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	// WarnAfter failed attempts on one update log an error; retrying goes on regardless.
	WarnAfter int                       `mapstructure:"warn_after"`
	Backoff   mdsource.Backoff          `mapstructure:"backoff"`
	Breaker   ratelimit.Rule            `mapstructure:"breaker"`
	Breakers  map[string]ratelimit.Rule `mapstructure:"breakers"`
}

func (c *Config) defaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Second
	}
	if c.WarnAfter <= 0 {
		c.WarnAfter = 5
	}
	if c.Backoff.Min <= 0 {
		c.Backoff = mdsource.DefaultBackoff()
	}
}

type Publisher struct {
	cfg      Config
	snaps    SnapshotSource
	breakers *ratelimit.Manager

	workers []*worker
	byName  map[string]*worker

	closed    atomic.Bool
	drain     chan struct{}
	drainOnce sync.Once
	hard      context.Context
	hardStop  context.CancelFunc
	wg        sync.WaitGroup
}

type worker struct {
	p       *Publisher
	sink    Sink
	q       *queue
	tracker *health.Tracker
	cb      *gobreaker.CircuitBreaker[struct{}]
	resync  atomic.Bool
	depth   prometheus.Gauge
}

// New registers sinks with mon (one SinkHealth tracker each). Workers start in Run.
func New(cfg Config, snaps SnapshotSource, mon *health.Monitor, sinks ...Sink) (*Publisher, error) {
	if len(sinks) == 0 {
		return nil, ErrNoSinks
	}
	cfg.defaults()

	bm := ratelimit.NewManager(cfg.Breaker, cfg.Breakers)
	// a rejected message proves the sink is up
	bm.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, qerr.ErrSinkRejected) }
	bm.OnStateChange = func(name string, from, to gobreaker.State) {
		metrics.ObserveBreaker(name, from, to)
		logger.Warn(context.Background(), "sink breaker state changed",
			zap.String("sink", name), zap.String("from", from.String()), zap.String("to", to.String()))
	}

	hard, stop := context.WithCancel(context.Background())
	p := &Publisher{
		cfg:      cfg,
		snaps:    snaps,
		breakers: bm,
		byName:   make(map[string]*worker, len(sinks)),
		drain:    make(chan struct{}),
		hard:     hard,
		hardStop: stop,
	}
	for _, s := range sinks {
		name := s.Name()
		if _, dup := p.byName[name]; dup {
			stop()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSink, name)
		}
		w := &worker{
			p:       p,
			sink:    s,
			q:       newQueue(cfg.QueueDepth),
			tracker: mon.Sink(name),
			cb:      bm.Get(name),
			depth:   qmetrics.SinkQueueDepth.WithLabelValues(name),
		}
		p.workers = append(p.workers, w)
		p.byName[name] = w
	}
	return p, nil
}

// Sinks lists the registered sink names in registration order.
func (p *Publisher) Sinks() []string {
	out := make([]string, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.sink.Name())
	}
	return out
}

// Run starts one worker per sink and returns.
func (p *Publisher) Run() {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker) {
			defer p.wg.Done()
			w.loop()
		}(w)
	}
}

// Publish enqueues u for every sink. It never blocks.
func (p *Publisher) Publish(u Update) {
	if p.closed.Load() {
		return
	}
	for _, w := range p.workers {
		w.enqueue(u, true)
	}
}

// Resync enqueues a snapshot of every instrument for one sink.
func (p *Publisher) Resync(name string) error {
	w, ok := p.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSink, name)
	}
	w.enqueueSnapshots()
	return nil
}

// Close stops accepting updates and lets workers drain their queues until ctx ends,
// after which remaining work is abandoned.
func (p *Publisher) Close(ctx context.Context) error {
	p.closed.Store(true)
	p.drainOnce.Do(func() { close(p.drain) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.hardStop()
		return nil
	case <-ctx.Done():
		p.Stop()
		<-done
		return ctx.Err()
	}
}

// Stop abandons queued and in-flight deliveries.
func (p *Publisher) Stop() {
	p.closed.Store(true)
	p.hardStop()
}

func (w *worker) enqueue(u Update, markResync bool) {
	if dropped := w.q.push(u); dropped > 0 {
		qmetrics.SinkDropped.WithLabelValues(w.sink.Name()).Add(float64(dropped))
		if markResync && !w.resync.Swap(true) {
			logger.Warn(context.Background(), "sink queue full, dropping oldest",
				zap.String("sink", w.sink.Name()), zap.Int("depth", w.p.cfg.QueueDepth))
		}
	}
	w.depth.Set(float64(w.q.len()))
}

func (w *worker) enqueueSnapshots() {
	if w.p.snaps == nil {
		return
	}
	qmetrics.SinkResyncs.WithLabelValues(w.sink.Name()).Inc()
	for _, st := range w.p.snaps.All() {
		if st.Empty() {
			continue
		}
		w.enqueue(Update{State: st, Snapshot: true}, false)
	}
}

func (w *worker) loop() {
	for {
		select {
		case <-w.p.hard.Done():
			return
		case u := <-w.q.ch:
			w.depth.Set(float64(w.q.len()))
			w.handle(u)
		case <-w.p.drain:
			for {
				select {
				case <-w.p.hard.Done():
					return
				case u := <-w.q.ch:
					w.depth.Set(float64(w.q.len()))
					w.handle(u)
				default:
					return
				}
			}
		}
	}
}

// handle delivers one update. Unavailable sinks and an open breaker are retried with
// capped backoff until the update lands or the publisher is stopped; only the bounded
// queue loses updates.
func (w *worker) handle(u Update) {
	name := w.sink.Name()
	for attempt := 1; ; attempt++ {
		if w.p.hard.Err() != nil {
			return
		}
		start := time.Now()
		err := w.attempt(u)
		switch {
		case err == nil:
			qmetrics.ObserveSink(name, time.Since(start), "")
			w.tracker.Success(1)
			if w.resync.CompareAndSwap(true, false) {
				logger.Info(context.Background(), "sink recovered, resyncing snapshots", zap.String("sink", name))
				w.enqueueSnapshots()
			}
			return

		case errors.Is(err, qerr.ErrSinkRejected):
			qmetrics.ObserveSink(name, time.Since(start), "rejected")
			w.tracker.Rejected(err)
			logger.Warn(context.Background(), "sink rejected update",
				zap.String("sink", name), zap.String("instrument", u.Instrument().String()), zap.Error(err))
			return
		}

		kind := "unavailable"
		if ratelimit.IsOpen(err) {
			kind = "breaker_open"
			metrics.CBRejectTotal.WithLabelValues(name).Inc()
		}
		qmetrics.ObserveSink(name, time.Since(start), kind)
		w.tracker.Unavailable(err)

		if attempt == w.p.cfg.WarnAfter {
			logger.Error(context.Background(), "sink still unavailable, retrying",
				zap.String("sink", name), zap.Int("attempts", attempt), zap.Error(err))
		}

		timer := time.NewTimer(w.p.cfg.Backoff.Next(attempt))
		select {
		case <-w.p.hard.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *worker) attempt(u Update) (err error) {
	ctx, cancel := context.WithTimeout(w.p.hard, w.p.cfg.AttemptTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "sink.deliver")
	span.SetAttributes(
		attribute.String("sink", w.sink.Name()),
		attribute.String("instrument", u.Instrument().String()),
		attribute.Bool("snapshot", u.Snapshot),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	_, err = w.cb.Execute(func() (struct{}, error) {
		return struct{}{}, w.sink.Deliver(ctx, u)
	})
	if err == nil || errors.Is(err, qerr.ErrPublish) {
		return err
	}
	return qerr.Unavailable(w.sink.Name(), err)
}
