package stream

import (
	"errors"
	"testing"

	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
)

func TestIngest_QuotesAndHeartbeat(t *testing.T) {
	p := NewParser("tcp")
	raw := []byte("EUR/USD|1.08450|1.08470|1700000000000|1\nHB|1700000000500\nUSDJPY|156.20|156.23|1700000000600|7|2500000\n")

	qs, err := p.Ingest(raw)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(qs) != 2 {
		t.Fatalf("want 2 quotes, got %d", len(qs))
	}
	q := qs[0]
	if q.Instrument.String() != "EUR/USD" || q.Bid != 108_450_000 || q.Ask != 108_470_000 || q.Seq != 1 || q.Source != "tcp" {
		t.Fatalf("quote: %+v", q)
	}
	if qs[1].Instrument.String() != "USD/JPY" || qs[1].Volume != 250_000_000_000_000 {
		t.Fatalf("second quote: %+v", qs[1])
	}
}

func TestIngest_HeartbeatOnly(t *testing.T) {
	qs, err := NewParser("tcp").Ingest([]byte("HB|1700000000000"))
	if err != nil || len(qs) != 0 {
		t.Fatalf("heartbeat: %v %v", qs, err)
	}
}

func TestIngest_MalformedKeepsGoodFrames(t *testing.T) {
	raw := []byte("EUR/USD|abc|1.1|1|1\nGBP/USD|1.27|1.2702|1700000000000|3\nonly|three|fields\n")
	qs, err := NewParser("ws").Ingest(raw)
	if len(qs) != 1 || qs[0].Instrument.String() != "GBP/USD" {
		t.Fatalf("good frame lost: %+v", qs)
	}
	if !errors.Is(err, qerr.ErrMalformedPayload) {
		t.Fatalf("want MalformedPayload, got %v", err)
	}
}

func TestFormatQuote_RoundTrip(t *testing.T) {
	q := model.Quote{
		Instrument: model.MustInstrument("EUR/TRY"),
		Bid:        3_512_340_000,
		Ask:        3_513_000_000,
		TsUnixMs:   1_700_000_000_123,
		Seq:        42,
		Volume:     100_000_000,
		Source:     "tcp",
	}
	qs, err := NewParser("tcp").Ingest(FormatQuote(q))
	if err != nil || len(qs) != 1 || qs[0] != q {
		t.Fatalf("round trip: %+v %v", qs, err)
	}
	if s := string(SubscribeFrame([]model.Instrument{model.MustInstrument("EUR/USD"), model.MustInstrument("GBP/USD")})); s != "SUB|EUR/USD,GBP/USD" {
		t.Fatalf("subscribe frame: %s", s)
	}
}
