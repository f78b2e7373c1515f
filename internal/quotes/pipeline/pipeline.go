// Package pipeline is the single-writer core: validate -> sequence -> aggregate -> publish.
//
// Instruments are hashed onto shards. A shard goroutine owns the sequencer streams and
// Book entries of its instruments, so nothing on the write path takes a lock.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"fxpulse.com/internal/quotes/aggregate"
	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
	"fxpulse.com/internal/quotes/qmetrics"
	"fxpulse.com/internal/quotes/registry"
	"fxpulse.com/internal/quotes/sequencer"
	"fxpulse.com/internal/quotes/validate"
	"fxpulse.com/pkg/logger"
)

type Config struct {
	Shards    int `mapstructure:"shards"`
	InboxSize int `mapstructure:"inbox_size"`
	// DropWhenFull drops the newest quote instead of blocking the producer.
	DropWhenFull  bool             `mapstructure:"drop_when_full"`
	SweepInterval time.Duration    `mapstructure:"sweep_interval"`
	Sequencer     sequencer.Config `mapstructure:"sequencer"`
}

// Publisher receives every applied update. Publish must not block.
type Publisher interface {
	Publish(u fanout.Update)
}

type Pipeline struct {
	cfg  Config
	reg  *registry.Registry
	book *aggregate.Book
	pub  Publisher
	now  func() time.Time

	shards []*shard
	wg     sync.WaitGroup

	mu     sync.RWMutex // guards inbox close against Offer
	closed bool
	halt   chan struct{}
	once   sync.Once

	// OnReject observes every dropped quote (after logging and counting).
	OnReject func(stage string, q model.Quote, err error)
}

type shard struct {
	id      int
	inbox   chan model.Quote
	seq     *sequencer.Sequencer
	th      validate.Thresholds
	pending atomic.Int64
	gauge   prometheus.Gauge
}

func New(cfg Config, reg *registry.Registry, book *aggregate.Book, pub Publisher) (*Pipeline, error) {
	if reg == nil || book == nil || pub == nil {
		return nil, errors.New("pipeline: registry, book and publisher are required")
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 4096
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 50 * time.Millisecond
	}

	p := &Pipeline{
		cfg:    cfg,
		reg:    reg,
		book:   book,
		pub:    pub,
		now:    time.Now,
		shards: make([]*shard, cfg.Shards),
		halt:   make(chan struct{}),
	}
	th := validate.RegistryThresholds{Reg: reg, Median: book}
	for i := range p.shards {
		sh := &shard{
			id:    i,
			inbox: make(chan model.Quote, cfg.InboxSize),
			seq:   sequencer.New(cfg.Sequencer),
			th:    th,
			gauge: qmetrics.Pending.WithLabelValues(strconv.Itoa(i)),
		}
		sh.seq.OnReject = func(q model.Quote, err error) { p.reject("sequence", q, err) }
		p.shards[i] = sh
	}
	return p, nil
}

// WithClock swaps the validation/sweep clock; tests only.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Run starts one goroutine per shard and returns.
//
// Cancelling ctx is the forced stop: shards return at once and buffered quotes are lost.
// For a graceful stop call Close, which lets shards drain their inboxes and flush.
func (p *Pipeline) Run(ctx context.Context) {
	context.AfterFunc(ctx, func() { p.once.Do(func() { close(p.halt) }) })
	for _, sh := range p.shards {
		p.wg.Add(1)
		go func(sh *shard) {
			defer p.wg.Done()
			p.loop(ctx, sh)
		}(sh)
	}
}

// Offer routes q to its shard. false means q was not accepted (inbox full with
// DropWhenFull, pipeline closed or halted).
func (p *Pipeline) Offer(q model.Quote) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	sh := p.shards[shardIndex(q.Instrument.Key(), len(p.shards))]

	if p.cfg.DropWhenFull {
		select {
		case sh.inbox <- q:
			return true
		default:
			qmetrics.QuotesRejected.WithLabelValues("inbox", "full").Inc()
			return false
		}
	}
	select {
	case sh.inbox <- q:
		return true
	case <-p.halt:
		return false
	}
}

// Consume feeds quotes from in until it is closed, then closes the pipeline gracefully.
func (p *Pipeline) Consume(ctx context.Context, in <-chan model.Quote) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-in:
			if !ok {
				p.Close()
				return
			}
			p.Offer(q)
		}
	}
}

// Close stops accepting quotes. Shards drain what is queued, flush their sequencers
// and exit; Wait blocks until they did.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, sh := range p.shards {
		close(sh.inbox)
	}
}

func (p *Pipeline) Wait() { p.wg.Wait() }

// Pending is the number of quotes held in reorder buffers.
func (p *Pipeline) Pending() int {
	n := 0
	for _, sh := range p.shards {
		n += int(sh.pending.Load())
	}
	return n
}

func (p *Pipeline) loop(ctx context.Context, sh *shard) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-sh.inbox:
			if !ok {
				p.applyAll(sh, sh.seq.Flush())
				return
			}
			p.handle(sh, q)
		case <-ticker.C:
			p.applyAll(sh, sh.seq.Sweep(p.now()))
		}
	}
}

func (p *Pipeline) handle(sh *shard, q model.Quote) {
	qmetrics.QuotesIn.WithLabelValues(q.Source).Inc()
	now := p.now()

	vq, err := validate.Validate(q, now, sh.th)
	if err != nil {
		p.reject("validate", q, err)
		return
	}
	out, err := sh.seq.Offer(vq, now)
	if err != nil {
		p.reject("sequence", q, err)
	}
	p.applyAll(sh, out)
}

func (p *Pipeline) applyAll(sh *shard, qs []model.Quote) {
	for _, q := range qs {
		st, err := p.book.Apply(q)
		if err != nil {
			p.reject("apply", q, err)
			continue
		}
		qmetrics.QuotesAdmitted.WithLabelValues(q.Instrument.String()).Inc()
		qmetrics.ObserveIngest(q.RecvUnixMs, time.Now())
		p.pub.Publish(fanout.Update{State: st, Quote: q})
	}
	n := sh.seq.Pending()
	sh.pending.Store(int64(n))
	sh.gauge.Set(float64(n))
}

func (p *Pipeline) reject(stage string, q model.Quote, err error) {
	kind := qerr.KindOf(err)
	qmetrics.QuotesRejected.WithLabelValues(stage, kind.String()).Inc()

	fields := []zap.Field{
		zap.String("stage", stage),
		zap.String("instrument", q.Instrument.String()),
		zap.String("source", q.Source),
		zap.Uint64("seq", q.Seq),
		zap.Error(err),
	}
	if kind.Family() == qerr.FamilySequencing {
		// duplicates are routine with redundant feeds
		logger.Debug(context.Background(), "quote dropped", fields...)
	} else {
		logger.Warn(context.Background(), "quote rejected", fields...)
	}
	if p.OnReject != nil {
		p.OnReject(stage, q, err)
	}
}

func shardIndex(key string, shards int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(shards))
}
