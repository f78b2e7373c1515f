// Package registry holds the instrument set and its per-instrument thresholds.
// It is built once at startup and read-only afterwards.
package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"fxpulse.com/internal/quotes/model"
)

var (
	ErrNoInstruments = errors.New("registry: no instruments configured")
	ErrNoSource      = errors.New("registry: instrument has no source")
	ErrUnknownSource = errors.New("registry: instrument references an unknown source")
	ErrDuplicate     = errors.New("registry: instrument registered twice")
	ErrThreshold     = errors.New("registry: malformed threshold")
)

// InstrumentConfig is one entry of the instruments list in the service config.
type InstrumentConfig struct {
	Symbol  string   `mapstructure:"symbol"`
	Sources []string `mapstructure:"sources"`
	// MedianSpread seeds the spread check until the live window has enough samples ("0.0002").
	MedianSpread string `mapstructure:"median_spread"`
	// MaxSpreadMultiple overrides Defaults.MaxSpreadMultiple when > 0.
	MaxSpreadMultiple float64 `mapstructure:"max_spread_multiple"`
}

// Defaults apply to every instrument unless overridden.
type Defaults struct {
	MaxSpreadMultiple float64       `mapstructure:"max_spread_multiple"`
	MaxClockSkew      time.Duration `mapstructure:"max_clock_skew"`
	MedianMinSamples  int           `mapstructure:"median_min_samples"`
}

// Entry is the registered, parsed form of an instrument.
type Entry struct {
	Instrument   model.Instrument
	Sources      []string
	MedianSpread int64 // fixed point, 0 disables the spread check until samples exist
	// SpreadMultipleX100 is MaxSpreadMultiple * 100, kept integral so the check stays in int64.
	SpreadMultipleX100 int64
}

type Registry struct {
	entries map[model.Instrument]*Entry
	order   []model.Instrument
	bySrc   map[string][]model.Instrument

	MaxClockSkew     time.Duration
	MedianMinSamples int
}

// New validates the configuration and fails on anything the pipeline cannot run with.
func New(instruments []InstrumentConfig, sources []string, d Defaults) (*Registry, error) {
	if len(instruments) == 0 {
		return nil, ErrNoInstruments
	}
	if d.MaxSpreadMultiple < 0 || d.MaxClockSkew < 0 || d.MedianMinSamples < 0 {
		return nil, fmt.Errorf("%w: negative default", ErrThreshold)
	}
	known := make(map[string]bool, len(sources))
	for _, s := range sources {
		known[s] = true
	}

	r := &Registry{
		entries:          make(map[model.Instrument]*Entry, len(instruments)),
		bySrc:            make(map[string][]model.Instrument, len(sources)),
		MaxClockSkew:     d.MaxClockSkew,
		MedianMinSamples: d.MedianMinSamples,
	}
	for _, ic := range instruments {
		inst, err := model.ParseInstrument(ic.Symbol)
		if err != nil {
			return nil, fmt.Errorf("registry: instrument %q: %w", ic.Symbol, err)
		}
		if _, dup := r.entries[inst]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, inst)
		}
		if len(ic.Sources) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoSource, inst)
		}
		for _, s := range ic.Sources {
			if !known[s] {
				return nil, fmt.Errorf("%w: %s -> %q", ErrUnknownSource, inst, s)
			}
		}

		e := &Entry{Instrument: inst, Sources: append([]string(nil), ic.Sources...)}
		if ic.MedianSpread != "" {
			v, ok := model.ParseFixed(ic.MedianSpread)
			if !ok || v < 0 {
				return nil, fmt.Errorf("%w: %s median_spread %q", ErrThreshold, inst, ic.MedianSpread)
			}
			e.MedianSpread = v
		}
		mult := d.MaxSpreadMultiple
		if ic.MaxSpreadMultiple != 0 {
			mult = ic.MaxSpreadMultiple
		}
		if mult < 0 || math.IsNaN(mult) || math.IsInf(mult, 0) {
			return nil, fmt.Errorf("%w: %s max_spread_multiple %v", ErrThreshold, inst, mult)
		}
		e.SpreadMultipleX100 = int64(math.Round(mult * 100))

		r.entries[inst] = e
		r.order = append(r.order, inst)
		for _, s := range e.Sources {
			r.bySrc[s] = append(r.bySrc[s], inst)
		}
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i].String() < r.order[j].String() })
	return r, nil
}

func (r *Registry) Lookup(inst model.Instrument) (Entry, bool) {
	e, ok := r.entries[inst]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Registry) Has(inst model.Instrument) bool {
	_, ok := r.entries[inst]
	return ok
}

// Instruments returns every registered instrument, sorted.
func (r *Registry) Instruments() []model.Instrument {
	return append([]model.Instrument(nil), r.order...)
}

// ForSource returns the instruments a source is bound to, in config order.
func (r *Registry) ForSource(source string) []model.Instrument {
	return append([]model.Instrument(nil), r.bySrc[source]...)
}

// UnusedSources lists configured sources no instrument refers to.
func (r *Registry) UnusedSources(sources []string) []string {
	var out []string
	for _, s := range sources {
		if len(r.bySrc[s]) == 0 {
			out = append(out, s)
		}
	}
	return out
}
