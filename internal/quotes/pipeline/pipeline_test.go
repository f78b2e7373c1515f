package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fxpulse.com/internal/quotes/aggregate"
	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
	"fxpulse.com/internal/quotes/registry"
	"fxpulse.com/internal/quotes/sequencer"
)

var eurusd = model.MustInstrument("EUR/USD")

type recPub struct {
	mu  sync.Mutex
	ups []fanout.Update
}

func (r *recPub) Publish(u fanout.Update) {
	r.mu.Lock()
	r.ups = append(r.ups, u)
	r.mu.Unlock()
}

func (r *recPub) seqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.ups))
	for _, u := range r.ups {
		out = append(out, u.Quote.Seq)
	}
	return out
}

type rejection struct {
	stage string
	q     model.Quote
	err   error
}

type harness struct {
	p    *Pipeline
	book *aggregate.Book
	pub  *recPub

	mu      sync.Mutex
	rejects []rejection
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg, err := registry.New([]registry.InstrumentConfig{
		{Symbol: "EUR/USD", Sources: []string{"tcp", "rest"}, MedianSpread: "0.0002"},
		{Symbol: "USD/JPY", Sources: []string{"tcp"}, MedianSpread: "0.02"},
	}, []string{"tcp", "rest"}, registry.Defaults{MaxSpreadMultiple: 10, MaxClockSkew: time.Minute, MedianMinSamples: 20})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h := &harness{book: aggregate.NewBook(0, reg.Instruments()), pub: &recPub{}}
	h.p, err = New(cfg, reg, h.book, h.pub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.p.OnReject = func(stage string, q model.Quote, err error) {
		h.mu.Lock()
		h.rejects = append(h.rejects, rejection{stage, q, err})
		h.mu.Unlock()
	}
	return h
}

func (h *harness) rejected() []rejection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]rejection(nil), h.rejects...)
}

func quote(bid, ask string, seq uint64, tsMs int64) model.Quote {
	b, _ := model.ParseFixed(bid)
	a, _ := model.ParseFixed(ask)
	return model.Quote{
		Instrument: eurusd,
		Bid:        b,
		Ask:        a,
		Volume:     100_000 * model.Scale,
		TsUnixMs:   tsMs,
		Seq:        seq,
		Source:     "tcp",
		RecvUnixMs: tsMs,
	}
}

func TestPipeline_E2E_DuplicateSeqAdmittedOnce(t *testing.T) {
	h := newHarness(t, Config{Shards: 2, Sequencer: sequencer.Config{ReorderWindow: 200 * time.Millisecond}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.p.Run(ctx)

	now := time.Now().UnixMilli()
	for _, q := range []model.Quote{
		quote("1.08450", "1.08470", 1, now),
		quote("1.08460", "1.08480", 2, now+1),
		quote("1.08450", "1.08470", 1, now), // replay
	} {
		if !h.p.Offer(q) {
			t.Fatalf("offer seq=%d refused", q.Seq)
		}
	}
	h.p.Close()
	h.p.Wait()

	st, ok := h.book.Snapshot(eurusd)
	if !ok {
		t.Fatalf("no state for EUR/USD")
	}
	if st.Latest.Seq != 2 || len(st.Window) != 2 {
		t.Fatalf("latest seq=%d window=%d, want 2/2", st.Latest.Seq, len(st.Window))
	}
	if got := h.pub.seqs(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("published=%v", got)
	}

	rj := h.rejected()
	if len(rj) != 1 {
		t.Fatalf("rejects=%+v", rj)
	}
	if rj[0].stage != "sequence" || !errors.Is(rj[0].err, qerr.ErrDuplicateOrStale) {
		t.Fatalf("reject=%+v", rj[0])
	}
}

func TestPipeline_InvertedQuoteNeverAggregated(t *testing.T) {
	h := newHarness(t, Config{Shards: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.p.Run(ctx)

	h.p.Offer(quote("1.08480", "1.08470", 1, time.Now().UnixMilli()))
	h.p.Close()
	h.p.Wait()

	st, _ := h.book.Snapshot(eurusd)
	if !st.Empty() {
		t.Fatalf("inverted quote reached the book: %+v", st.Latest)
	}
	rj := h.rejected()
	if len(rj) != 1 || rj[0].stage != "validate" || !errors.Is(rj[0].err, qerr.ErrInvalidRange) {
		t.Fatalf("rejects=%+v", rj)
	}
	if len(h.pub.seqs()) != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestPipeline_ReordersWithinWindow(t *testing.T) {
	h := newHarness(t, Config{Shards: 3, Sequencer: sequencer.Config{ReorderWindow: time.Second}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.p.Run(ctx)

	now := time.Now().UnixMilli()
	h.p.Offer(quote("1.08450", "1.08470", 1, now))
	h.p.Offer(quote("1.08470", "1.08490", 3, now+20))
	h.p.Offer(quote("1.08460", "1.08480", 2, now+10))
	h.p.Close()
	h.p.Wait()

	got := h.pub.seqs()
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("published=%v", got)
	}
	st, _ := h.book.Snapshot(eurusd)
	for i := 1; i < len(st.Window); i++ {
		if st.Window[i].TsUnixMs < st.Window[i-1].TsUnixMs {
			t.Fatalf("admitted timestamps went backwards: %v", st.Window)
		}
	}
}

func TestPipeline_SweepReleasesStalledGap(t *testing.T) {
	h := newHarness(t, Config{
		Shards:        1,
		SweepInterval: 5 * time.Millisecond,
		Sequencer:     sequencer.Config{ReorderWindow: 30 * time.Millisecond},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.p.Run(ctx)

	now := time.Now().UnixMilli()
	h.p.Offer(quote("1.08450", "1.08470", 1, now))
	h.p.Offer(quote("1.08470", "1.08490", 3, now+1)) // 2 never arrives

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, _ := h.book.Snapshot(eurusd); st.Latest.Seq == 3 && h.p.Pending() == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("seq 3 was never released; pending=%d", h.p.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPipeline_DropWhenFull(t *testing.T) {
	h := newHarness(t, Config{Shards: 1, InboxSize: 1, DropWhenFull: true})
	now := time.Now().UnixMilli()
	if !h.p.Offer(quote("1.1", "1.2", 1, now)) {
		t.Fatalf("first offer should fit")
	}
	if h.p.Offer(quote("1.1", "1.2", 2, now)) {
		t.Fatalf("second offer should be dropped")
	}
	h.p.Close()
	if h.p.Offer(quote("1.1", "1.2", 3, now)) {
		t.Fatalf("offer after close accepted")
	}
}

func TestPipeline_ForcedStopUnblocksProducers(t *testing.T) {
	h := newHarness(t, Config{Shards: 1, InboxSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	h.p.Run(ctx)
	cancel()
	h.p.Wait()

	done := make(chan struct{})
	go func() {
		now := time.Now().UnixMilli()
		for i := uint64(1); i <= 3; i++ {
			h.p.Offer(quote("1.1", "1.2", i, now))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Offer blocked after forced stop")
	}
}

func TestPipeline_ConsumeClosesOnInputEnd(t *testing.T) {
	h := newHarness(t, Config{Shards: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.p.Run(ctx)

	in := make(chan model.Quote, 4)
	now := time.Now().UnixMilli()
	in <- quote("1.08450", "1.08470", 1, now)
	in <- quote("1.08460", "1.08480", 2, now+1)
	close(in)

	h.p.Consume(ctx, in)
	h.p.Wait()
	if got := h.pub.seqs(); len(got) != 2 {
		t.Fatalf("published=%v", got)
	}
}

func TestShardIndex_Stable(t *testing.T) {
	a := shardIndex("EUR-USD", 8)
	for i := 0; i < 10; i++ {
		if shardIndex("EUR-USD", 8) != a {
			t.Fatalf("shard index not stable")
		}
	}
	if a < 0 || a >= 8 {
		t.Fatalf("out of range: %d", a)
	}
}
