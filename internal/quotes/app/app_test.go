package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"fxpulse.com/internal/quotes/datasource/poll"
	"fxpulse.com/internal/quotes/datasource/stream"
	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/mdsource"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/registry"
	"fxpulse.com/internal/quotes/ws"
)

var eurusd = model.MustInstrument("EUR/USD")

type scripted struct {
	name   string
	quotes []model.Quote
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Run(ctx context.Context, out mdsource.Emitter) error {
	for _, q := range s.quotes {
		if !out.Emit(q) {
			return nil
		}
	}
	s.quotes = nil // a restart must not replay
	<-ctx.Done()
	return ctx.Err()
}

func baseConfig() Config {
	return Config{
		Registry: registry.Defaults{MaxSpreadMultiple: 10, MaxClockSkew: time.Minute},
		Instruments: []registry.InstrumentConfig{
			{Symbol: "EUR/USD", Sources: []string{"feed"}, MedianSpread: "0.0002"},
		},
		ShutdownTimeout: 2 * time.Second,
	}
}

func quote(bid, ask string, seq uint64, ts int64) model.Quote {
	b, _ := model.ParseFixed(bid)
	a, _ := model.ParseFixed(ask)
	return model.Quote{Instrument: eurusd, Bid: b, Ask: a, TsUnixMs: ts, Seq: seq, Source: "feed", RecvUnixMs: ts}
}

func TestNew_FailsFast(t *testing.T) {
	ctx := context.Background()
	feed := &scripted{name: "feed"}
	sink := fanout.NewChanSink("chan", 1)

	if _, err := New(ctx, baseConfig(), WithSources(feed)); !errors.Is(err, ErrNoSinkConfigured) {
		t.Fatalf("no sinks: err=%v", err)
	}

	cfg := baseConfig()
	cfg.Instruments[0].Sources = []string{"ghost"}
	if _, err := New(ctx, cfg, WithSources(feed), WithSinks(sink)); !errors.Is(err, registry.ErrUnknownSource) {
		t.Fatalf("unknown source: err=%v", err)
	}

	cfg = baseConfig()
	cfg.Instruments[0].Sources = nil
	if _, err := New(ctx, cfg, WithSources(feed), WithSinks(sink)); !errors.Is(err, registry.ErrNoSource) {
		t.Fatalf("no source: err=%v", err)
	}

	cfg = baseConfig()
	cfg.Instruments = nil
	if _, err := New(ctx, cfg, WithSources(feed), WithSinks(sink)); !errors.Is(err, registry.ErrNoInstruments) {
		t.Fatalf("no instruments: err=%v", err)
	}

	cfg = baseConfig()
	cfg.Sources.Stream = []stream.Config{{Name: "tcp", Addr: "127.0.0.1:1"}}
	cfg.Sources.Poll = []poll.Config{{Name: "tcp", URL: "http://127.0.0.1:1/quotes"}}
	if _, err := New(ctx, cfg, WithSinks(sink)); !errors.Is(err, ErrSourceName) {
		t.Fatalf("duplicate source: err=%v", err)
	}
}

func TestApp_EndToEnd(t *testing.T) {
	now := time.Now().UnixMilli()
	feed := &scripted{name: "feed", quotes: []model.Quote{
		quote("1.08450", "1.08470", 1, now),
		quote("1.08460", "1.08480", 2, now+1),
		quote("1.08450", "1.08470", 1, now), // replayed
	}}
	sink := fanout.NewChanSink("chan", 16)

	cfg := baseConfig()
	cfg.WS.Enabled = true
	a, err := New(context.Background(), cfg, WithSources(feed), WithSinks(sink))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	for want := uint64(1); want <= 2; want++ {
		select {
		case u := <-sink.C:
			if u.Quote.Seq != want {
				t.Fatalf("seq=%d want %d", u.Quote.Seq, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("update %d never reached the sink", want)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if b, ok := a.Hub().Last(ws.TopicFor(eurusd)); ok && len(b) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("websocket hub never saw EUR/USD")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}

	st, _ := a.Book().Snapshot(eurusd)
	if st.Latest.Seq != 2 || len(st.Window) != 2 {
		t.Fatalf("latest=%d window=%d", st.Latest.Seq, len(st.Window))
	}
	select {
	case u := <-sink.C:
		t.Fatalf("duplicate leaked to sink: %+v", u.Quote)
	default:
	}
	if got := a.Publisher().Sinks(); len(got) != 2 {
		t.Fatalf("sinks=%v", got)
	}
}
