// Package sequencer deduplicates and orders quotes per (instrument, source) stream.
//
// Each stream keeps an admitted watermark (seq, ts) and a small pending buffer sorted by
// seq. A quote leaves the buffer when it is the next expected seq, when the event-time
// watermark (max seen ts - reorder window) has passed it, when the buffer overflows, or
// when it has waited a full window of wall time (Sweep). A stream has no expected seq
// until its first quote is admitted, so the opening quotes always wait for the window.
// Admitted timestamps never go backwards within a stream.
//
// Not safe for concurrent use: one sequencer belongs to one pipeline shard.
package sequencer

import (
	"sort"
	"time"

	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
)

type Config struct {
	ReorderWindow time.Duration `mapstructure:"reorder_window"`
	MaxPending    int           `mapstructure:"max_pending"`
}

type pending struct {
	q         model.Quote
	arrivedMs int64
}

type stream struct {
	started     bool
	admittedSeq uint64
	admittedTs  int64
	maxSeenTs   int64
	buf         []pending // sorted by seq
}

// Watermark is the admitted position of one stream.
type Watermark struct {
	Seq     uint64
	TsMs    int64
	Pending int
}

type Sequencer struct {
	windowMs   int64
	maxPending int
	streams    map[model.StreamKey]*stream

	// OnReject sees quotes dropped after they were buffered (their Offer already returned).
	OnReject func(q model.Quote, err error)
}

func New(cfg Config) *Sequencer {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 64
	}
	return &Sequencer{
		windowMs:   cfg.ReorderWindow.Milliseconds(),
		maxPending: cfg.MaxPending,
		streams:    make(map[model.StreamKey]*stream, 64),
	}
}

// Offer buffers q and returns every quote of q's stream that is now admissible, in order.
// The error describes q itself: DuplicateOrStale or ReorderWindowExceeded.
func (s *Sequencer) Offer(q model.Quote, now time.Time) ([]model.Quote, error) {
	key := q.StreamKey()
	st := s.streams[key]
	if st == nil {
		st = &stream{buf: make([]pending, 0, 8)}
		s.streams[key] = st
	}

	if st.started && q.Seq <= st.admittedSeq {
		return nil, qerr.Newf(qerr.DuplicateOrStale, q.Instrument, q.Source,
			"seq %d <= admitted %d", q.Seq, st.admittedSeq)
	}
	i := sort.Search(len(st.buf), func(i int) bool { return st.buf[i].q.Seq >= q.Seq })
	if i < len(st.buf) && st.buf[i].q.Seq == q.Seq {
		return nil, qerr.Newf(qerr.DuplicateOrStale, q.Instrument, q.Source, "seq %d already pending", q.Seq)
	}
	if st.maxSeenTs > 0 && q.TsUnixMs < st.maxSeenTs-s.windowMs {
		return nil, qerr.Newf(qerr.ReorderWindowExceeded, q.Instrument, q.Source,
			"ts %d is %dms behind newest %d", q.TsUnixMs, st.maxSeenTs-q.TsUnixMs, st.maxSeenTs)
	}

	if q.TsUnixMs > st.maxSeenTs {
		st.maxSeenTs = q.TsUnixMs
	}
	st.buf = append(st.buf, pending{})
	copy(st.buf[i+1:], st.buf[i:])
	st.buf[i] = pending{q: q, arrivedMs: now.UnixMilli()}

	return s.release(st, nil, func(p pending) bool {
		return p.q.TsUnixMs <= st.maxSeenTs-s.windowMs
	}), nil
}

// Sweep releases quotes that have waited a full reorder window, so a stream that
// stops sending cannot hold data back forever.
func (s *Sequencer) Sweep(now time.Time) []model.Quote {
	cut := now.UnixMilli() - s.windowMs
	var out []model.Quote
	for _, st := range s.streams {
		if len(st.buf) == 0 {
			continue
		}
		out = s.release(st, out, func(p pending) bool { return p.arrivedMs <= cut })
	}
	return out
}

// Flush releases everything still pending, in seq order per stream.
func (s *Sequencer) Flush() []model.Quote {
	var out []model.Quote
	for _, st := range s.streams {
		out = s.release(st, out, func(pending) bool { return true })
	}
	return out
}

// Watermark reports a stream's admitted position.
func (s *Sequencer) Watermark(key model.StreamKey) (Watermark, bool) {
	st := s.streams[key]
	if st == nil {
		return Watermark{}, false
	}
	return Watermark{Seq: st.admittedSeq, TsMs: st.admittedTs, Pending: len(st.buf)}, true
}

// Pending is the number of buffered quotes across all streams.
func (s *Sequencer) Pending() int {
	n := 0
	for _, st := range s.streams {
		n += len(st.buf)
	}
	return n
}

func (s *Sequencer) release(st *stream, out []model.Quote, ripe func(pending) bool) []model.Quote {
	n := 0
	for n < len(st.buf) {
		head := st.buf[n]
		contiguous := st.started && head.q.Seq == st.admittedSeq+1
		overflow := len(st.buf)-n > s.maxPending
		if !contiguous && !overflow && !ripe(head) {
			break
		}
		n++

		if st.started && head.q.TsUnixMs < st.admittedTs {
			if s.OnReject != nil {
				s.OnReject(head.q, qerr.Newf(qerr.DuplicateOrStale, head.q.Instrument, head.q.Source,
					"ts %d behind admitted %d", head.q.TsUnixMs, st.admittedTs))
			}
			continue
		}
		st.started = true
		st.admittedSeq = head.q.Seq
		st.admittedTs = head.q.TsUnixMs
		out = append(out, head.q)
	}
	if n > 0 {
		st.buf = append(st.buf[:0], st.buf[n:]...)
	}
	return out
}
