package registry

import (
	"errors"
	"testing"
	"time"

	"fxpulse.com/internal/quotes/model"
)

func defaults() Defaults {
	return Defaults{MaxSpreadMultiple: 10, MaxClockSkew: 2 * time.Second, MedianMinSamples: 20}
}

func TestNew_Valid(t *testing.T) {
	r, err := New([]InstrumentConfig{
		{Symbol: "usdjpy", Sources: []string{"tcp"}, MedianSpread: "0.02"},
		{Symbol: "EUR/USD", Sources: []string{"tcp", "rest"}, MedianSpread: "0.0002", MaxSpreadMultiple: 5.5},
	}, []string{"tcp", "rest"}, defaults())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	got := r.Instruments()
	if len(got) != 2 || got[0].String() != "EUR/USD" || got[1].String() != "USD/JPY" {
		t.Fatalf("instruments: %v", got)
	}
	e, ok := r.Lookup(model.MustInstrument("EUR/USD"))
	if !ok || e.MedianSpread != 20_000 || e.SpreadMultipleX100 != 550 {
		t.Fatalf("entry: %+v", e)
	}
	e, _ = r.Lookup(model.MustInstrument("USD/JPY"))
	if e.SpreadMultipleX100 != 1000 {
		t.Fatalf("default multiple not applied: %+v", e)
	}
	if len(r.ForSource("rest")) != 1 || len(r.ForSource("tcp")) != 2 {
		t.Fatalf("by source wrong")
	}
	if r.Has(model.MustInstrument("GBP/USD")) {
		t.Fatalf("unregistered instrument reported")
	}
}

func TestNew_FailFast(t *testing.T) {
	cases := []struct {
		name string
		ins  []InstrumentConfig
		want error
	}{
		{"empty", nil, ErrNoInstruments},
		{"no source", []InstrumentConfig{{Symbol: "EUR/USD"}}, ErrNoSource},
		{"unknown source", []InstrumentConfig{{Symbol: "EUR/USD", Sources: []string{"kafka"}}}, ErrUnknownSource},
		{"dup", []InstrumentConfig{
			{Symbol: "EUR/USD", Sources: []string{"tcp"}},
			{Symbol: "eurusd", Sources: []string{"tcp"}},
		}, ErrDuplicate},
		{"bad median", []InstrumentConfig{{Symbol: "EUR/USD", Sources: []string{"tcp"}, MedianSpread: "x"}}, ErrThreshold},
		{"bad multiple", []InstrumentConfig{{Symbol: "EUR/USD", Sources: []string{"tcp"}, MaxSpreadMultiple: -1}}, ErrThreshold},
	}
	for _, c := range cases {
		_, err := New(c.ins, []string{"tcp"}, defaults())
		if !errors.Is(err, c.want) {
			t.Fatalf("%s: got %v want %v", c.name, err, c.want)
		}
	}
}

func TestUnusedSources(t *testing.T) {
	r, err := New([]InstrumentConfig{{Symbol: "EUR/USD", Sources: []string{"tcp"}}}, []string{"tcp", "rest"}, defaults())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if u := r.UnusedSources([]string{"tcp", "rest"}); len(u) != 1 || u[0] != "rest" {
		t.Fatalf("unused: %v", u)
	}
}
