package aggregate

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
)

const DefaultCapacity = 50

var hundred = decimal.NewFromInt(100)

type entry struct {
	inst    model.Instrument
	ring    *Ring[model.Quote]
	volume  int64
	latest  model.Quote
	prior   model.Quote
	version uint64
	sources map[string]*SourceView
	scratch []int64

	snap atomic.Pointer[State]
}

// Book holds the aggregate state of every registered instrument.
//
// The instrument set is fixed at construction, so the map is never written afterwards.
// Each instrument has exactly one writer (the pipeline shard that owns it) calling Apply
// and MedianSpread; Snapshot and All are safe from any goroutine.
type Book struct {
	capacity int
	entries  map[model.Instrument]*entry
	order    []model.Instrument
	now      func() time.Time
}

func NewBook(capacity int, instruments []model.Instrument) *Book {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Book{
		capacity: capacity,
		entries:  make(map[model.Instrument]*entry, len(instruments)),
		now:      time.Now,
	}
	for _, inst := range instruments {
		if _, dup := b.entries[inst]; dup {
			continue
		}
		e := &entry{
			inst:    inst,
			ring:    NewRing[model.Quote](capacity),
			sources: make(map[string]*SourceView, 2),
			scratch: make([]int64, 0, capacity),
		}
		e.snap.Store(&State{Instrument: inst, Capacity: capacity, ChangePct: decimal.Zero})
		b.entries[inst] = e
		b.order = append(b.order, inst)
	}
	slices.SortFunc(b.order, func(x, y model.Instrument) int {
		switch {
		case x.String() < y.String():
			return -1
		case x.String() > y.String():
			return 1
		}
		return 0
	})
	return b
}

// WithClock swaps the UpdatedAt clock; tests only.
func (b *Book) WithClock(now func() time.Time) *Book {
	b.now = now
	return b
}

func (b *Book) Capacity() int { return b.capacity }

func (b *Book) Instruments() []model.Instrument { return append([]model.Instrument(nil), b.order...) }

// Apply folds an admitted quote into its instrument and returns the new snapshot.
func (b *Book) Apply(q model.Quote) (State, error) {
	e := b.entries[q.Instrument]
	if e == nil {
		return State{}, qerr.Newf(qerr.UnknownInstrument, q.Instrument, q.Source, "not in book")
	}

	if evicted, ok := e.ring.Push(q); ok {
		e.volume -= evicted.Volume
	}
	e.volume += q.Volume

	if e.version > 0 {
		e.prior = e.latest
	}
	e.latest = q
	e.version++

	sv := e.sources[q.Source]
	if sv == nil {
		sv = &SourceView{}
		e.sources[q.Source] = sv
	}
	sv.Latest = q
	sv.Admitted++

	st := b.build(e)
	e.snap.Store(&st)
	return st, nil
}

func (b *Book) build(e *entry) State {
	oldest, _ := e.ring.Oldest()
	st := State{
		Instrument:   e.inst,
		Latest:       e.latest,
		Prior:        e.prior,
		HasPrior:     e.version > 1,
		Window:       e.ring.AppendTo(make([]model.Quote, 0, e.ring.Len())),
		Capacity:     e.ring.Cap(),
		ReferenceBid: oldest.Bid,
		ChangeAbs:    e.latest.Bid - oldest.Bid,
		Volume:       e.volume,
		Open:         oldest.Bid,
		High:         oldest.Bid,
		Low:          oldest.Bid,
		Sources:      make(map[string]SourceView, len(e.sources)),
		Version:      e.version,
		UpdatedAt:    b.now(),
	}
	st.ChangePct = decimal.Zero
	if oldest.Bid != 0 {
		st.ChangePct = decimal.NewFromInt(st.ChangeAbs).Mul(hundred).DivRound(decimal.NewFromInt(oldest.Bid), 6)
	}
	for _, q := range st.Window {
		if q.Bid > st.High {
			st.High = q.Bid
		}
		if q.Bid < st.Low {
			st.Low = q.Bid
		}
	}

	var lo, hi int64
	first := true
	for name, sv := range e.sources {
		st.Sources[name] = *sv
		if first || sv.Latest.Bid < lo {
			lo = sv.Latest.Bid
		}
		if first || sv.Latest.Bid > hi {
			hi = sv.Latest.Bid
		}
		first = false
	}
	st.Divergence = hi - lo
	return st
}

// Snapshot returns the latest published state of inst.
func (b *Book) Snapshot(inst model.Instrument) (State, bool) {
	e := b.entries[inst]
	if e == nil {
		return State{}, false
	}
	return *e.snap.Load(), true
}

// All returns every instrument's snapshot, sorted by instrument.
func (b *Book) All() []State {
	out := make([]State, 0, len(b.order))
	for _, inst := range b.order {
		out = append(out, *b.entries[inst].snap.Load())
	}
	return out
}

// MedianSpread is the median spread over inst's window and the sample count.
// Writer side only: it reads the ring directly.
func (b *Book) MedianSpread(inst model.Instrument) (int64, int) {
	e := b.entries[inst]
	if e == nil || e.ring.Len() == 0 {
		return 0, 0
	}
	e.scratch = e.scratch[:0]
	for i := 0; i < e.ring.Len(); i++ {
		e.scratch = append(e.scratch, e.ring.At(i).Spread())
	}
	slices.Sort(e.scratch)
	n := len(e.scratch)
	if n%2 == 1 {
		return e.scratch[n/2], n
	}
	return (e.scratch[n/2-1] + e.scratch[n/2]) / 2, n
}
