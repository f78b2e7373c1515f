package sequencer

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
)

var (
	eurusd = model.MustInstrument("EUR/USD")
	t0     = time.UnixMilli(1_700_000_000_000)
)

func q(seq uint64, ts int64) model.Quote {
	return model.Quote{Instrument: eurusd, Source: "tcp", Bid: 1, Ask: 2, Seq: seq, TsUnixMs: ts}
}

func seqs(qs []model.Quote) []uint64 {
	out := make([]uint64, len(qs))
	for i, x := range qs {
		out[i] = x.Seq
	}
	return out
}

// started admits seq 1 at ts 1000 the way a running stream would have.
func started(t *testing.T, window time.Duration) *Sequencer {
	t.Helper()
	s := New(Config{ReorderWindow: window})
	if out, err := s.Offer(q(1, 1000), t0); err != nil || len(out) != 0 {
		t.Fatalf("opening quote must wait for the window: %v %v", seqs(out), err)
	}
	if out := s.Sweep(t0.Add(window)); len(out) != 1 || out[0].Seq != 1 {
		t.Fatalf("opening quote not swept: %v", seqs(out))
	}
	return s
}

func TestOffer_DuplicateAdmittedOnce(t *testing.T) {
	s := started(t, 500*time.Millisecond)

	out, err := s.Offer(q(2, 1100), t0)
	if err != nil || len(out) != 1 || out[0].Seq != 2 {
		t.Fatalf("contiguous seq is admitted at once: %v %v", out, err)
	}
	out, err = s.Offer(q(1, 1000), t0)
	if !errors.Is(err, qerr.ErrDuplicateOrStale) || len(out) != 0 {
		t.Fatalf("replay: %v %v", out, err)
	}
	if w, _ := s.Watermark(q(0, 0).StreamKey()); w.Seq != 2 || w.TsMs != 1100 {
		t.Fatalf("watermark: %+v", w)
	}
}

func TestOffer_ReordersWithinWindow(t *testing.T) {
	s := started(t, 500*time.Millisecond)

	out, err := s.Offer(q(3, 1200), t0)
	if err != nil || len(out) != 0 {
		t.Fatalf("gap must be buffered: %v %v", out, err)
	}
	if _, err := s.Offer(q(3, 1200), t0); !errors.Is(err, qerr.ErrDuplicateOrStale) {
		t.Fatalf("duplicate of a pending seq: %v", err)
	}
	out, _ = s.Offer(q(2, 1100), t0)
	if got := seqs(out); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("gap filled releases in order: %v", got)
	}
}

func TestOffer_WindowExceeded(t *testing.T) {
	s := New(Config{ReorderWindow: 500 * time.Millisecond})
	s.Offer(q(1, 1000), t0)
	s.Offer(q(5, 2000), t0)
	if _, err := s.Offer(q(3, 1400), t0); !errors.Is(err, qerr.ErrReorderWindowExceeded) {
		t.Fatalf("want ReorderWindowExceeded, got %v", err)
	}
}

func TestOffer_StartOfStreamReordered(t *testing.T) {
	s := New(Config{ReorderWindow: 200 * time.Millisecond})

	if out, err := s.Offer(q(2, 1000), t0); err != nil || len(out) != 0 {
		t.Fatalf("seq 2 first: %v %v", seqs(out), err)
	}
	if out, err := s.Offer(q(1, 990), t0); err != nil || len(out) != 0 {
		t.Fatalf("late seq 1 inside the window must be buffered: %v %v", seqs(out), err)
	}
	out := s.Sweep(t0.Add(200 * time.Millisecond))
	if got := seqs(out); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("opening quotes re-sorted: %v", got)
	}

	// the same through the event-time watermark
	s = New(Config{ReorderWindow: 200 * time.Millisecond})
	s.Offer(q(2, 1000), t0)
	s.Offer(q(1, 990), t0)
	out, _ = s.Offer(q(3, 1300), t0)
	if got := seqs(out); len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("watermark release: %v", got)
	}
}

func TestOffer_WatermarkReleasesGap(t *testing.T) {
	s := started(t, 500*time.Millisecond)
	s.Offer(q(3, 1100), t0) // seq 2 lost upstream

	out, _ := s.Offer(q(4, 1700), t0)
	if got := seqs(out); len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("event time past the window releases the gap: %v", got)
	}
}

func TestSweepAndFlush(t *testing.T) {
	var rejected []uint64
	s := started(t, 500*time.Millisecond)
	s.OnReject = func(x model.Quote, err error) { rejected = append(rejected, x.Seq) }

	s.Offer(q(3, 1100), t0)
	if out := s.Sweep(t0.Add(100 * time.Millisecond)); len(out) != 0 {
		t.Fatalf("too early to sweep: %v", seqs(out))
	}
	if out := s.Sweep(t0.Add(600 * time.Millisecond)); len(out) != 1 || out[0].Seq != 3 {
		t.Fatalf("sweep releases stalled quote: %v", seqs(out))
	}

	s.Offer(q(5, 1150), t0)
	if s.Pending() != 1 {
		t.Fatalf("pending: %d", s.Pending())
	}
	if out := s.Flush(); len(out) != 1 || out[0].Seq != 5 {
		t.Fatalf("flush: %v", seqs(out))
	}
	if len(rejected) != 0 {
		t.Fatalf("unexpected rejects: %v", rejected)
	}
}

func TestRelease_BackwardsTimestampRejectedThroughHook(t *testing.T) {
	var rejected []error
	s := started(t, time.Second)
	s.OnReject = func(_ model.Quote, err error) { rejected = append(rejected, err) }

	s.Offer(q(3, 1500), t0)
	out, err := s.Offer(q(2, 1600), t0) // seq 2 stamped after seq 3
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if got := seqs(out); len(got) != 1 || got[0] != 2 {
		t.Fatalf("released: %v", got)
	}
	if len(rejected) != 1 || !errors.Is(rejected[0], qerr.ErrDuplicateOrStale) {
		t.Fatalf("seq 3 must be dropped through the hook: %v", rejected)
	}
	if s.Pending() != 0 {
		t.Fatalf("nothing should stay pending")
	}
}

func TestOverflowForcesRelease(t *testing.T) {
	s := New(Config{ReorderWindow: time.Hour, MaxPending: 2})
	s.Offer(q(1, 1000), t0)
	s.Offer(q(3, 1001), t0)
	s.Offer(q(4, 1002), t0)
	out, _ := s.Offer(q(5, 1003), t0)
	if len(out) == 0 || out[0].Seq != 3 {
		t.Fatalf("overflow should release the oldest pending: %v", seqs(out))
	}
}

func TestStreamsAreIndependent(t *testing.T) {
	s := New(Config{})
	a := q(7, 1000)
	b := q(7, 1000)
	b.Source = "rest"
	if out, err := s.Offer(a, t0); err != nil || len(out) != 1 {
		t.Fatalf("a: %v", err)
	}
	if out, err := s.Offer(b, t0); err != nil || len(out) != 1 {
		t.Fatalf("same seq on another source is not a duplicate: %v", err)
	}
}

// Whatever the arrival order, admitted timestamps per stream never decrease
// and no seq is admitted twice.
func TestMonotonicUnderShuffle(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		s := New(Config{ReorderWindow: 300 * time.Millisecond, MaxPending: 8})
		var admitted []model.Quote
		s.OnReject = func(model.Quote, error) {}

		n := 40
		in := make([]model.Quote, 0, n*2)
		for i := 1; i <= n; i++ {
			in = append(in, q(uint64(i), int64(1000+i*50+rng.Intn(40))))
		}
		// local shuffles plus duplicates
		for i := range in {
			j := i + rng.Intn(4)
			if j < len(in) {
				in[i], in[j] = in[j], in[i]
			}
		}
		for i := 0; i < 10; i++ {
			in = append(in, in[rng.Intn(n)])
		}

		now := t0
		for _, x := range in {
			now = now.Add(10 * time.Millisecond)
			out, _ := s.Offer(x, now)
			admitted = append(admitted, out...)
			admitted = append(admitted, s.Sweep(now)...)
		}
		admitted = append(admitted, s.Flush()...)

		seen := map[uint64]bool{}
		var lastTs int64
		for _, x := range admitted {
			if seen[x.Seq] {
				t.Fatalf("round %d: seq %d admitted twice", round, x.Seq)
			}
			seen[x.Seq] = true
			if x.TsUnixMs < lastTs {
				t.Fatalf("round %d: ts went backwards %d < %d", round, x.TsUnixMs, lastTs)
			}
			lastTs = x.TsUnixMs
		}
	}
}
