// Package validate normalizes and checks quotes before they are sequenced.
// Everything here is pure: the only inputs besides the quote are read-only thresholds.
package validate

import (
	"math/bits"
	"time"

	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
	"fxpulse.com/internal/quotes/registry"
)

// Limits are the thresholds that apply to one instrument at one moment.
type Limits struct {
	// MedianSpread is the reference spread; 0 skips the spread check.
	MedianSpread int64
	// SpreadMultipleX100 is the tolerated multiple of MedianSpread, times 100; 0 skips.
	SpreadMultipleX100 int64
	// MaxClockSkew is how far ahead of now a quote may be stamped; 0 skips.
	MaxClockSkew time.Duration
}

// Thresholds resolves Limits; ok=false means the instrument is not registered.
type Thresholds interface {
	Limits(inst model.Instrument) (Limits, bool)
}

// Validate checks, in order: registered instrument, bid > 0 and ask >= bid,
// spread within the tolerated multiple of the median, timestamp not too far ahead.
// The first violation wins; the quote is returned unchanged otherwise.
func Validate(q model.Quote, now time.Time, th Thresholds) (model.Quote, error) {
	lim, ok := th.Limits(q.Instrument)
	if !ok {
		return model.Quote{}, qerr.Newf(qerr.UnknownInstrument, q.Instrument, q.Source,
			"instrument %q is not registered", q.Instrument)
	}
	if q.Bid <= 0 || q.Ask < q.Bid {
		return model.Quote{}, qerr.Newf(qerr.InvalidRange, q.Instrument, q.Source,
			"bid=%s ask=%s", model.FormatFixed(q.Bid), model.FormatFixed(q.Ask))
	}
	if lim.MedianSpread > 0 && lim.SpreadMultipleX100 > 0 {
		if spread := q.Spread(); exceedsMultiple(spread, lim.MedianSpread, lim.SpreadMultipleX100) {
			return model.Quote{}, qerr.Newf(qerr.ExcessiveSpread, q.Instrument, q.Source,
				"spread=%s median=%s multiple=%d%%", model.FormatFixed(spread),
				model.FormatFixed(lim.MedianSpread), lim.SpreadMultipleX100)
		}
	}
	if lim.MaxClockSkew > 0 {
		if ahead := q.TsUnixMs - now.UnixMilli(); ahead > lim.MaxClockSkew.Milliseconds() {
			return model.Quote{}, qerr.Newf(qerr.ClockSkew, q.Instrument, q.Source,
				"timestamp %dms ahead of local clock", ahead)
		}
	}
	return q, nil
}

// exceedsMultiple reports spread/median > multX100/100, i.e. spread*100 > median*multX100,
// compared as 128-bit products. All arguments are non-negative.
func exceedsMultiple(spread, median, multX100 int64) bool {
	lh, ll := bits.Mul64(uint64(spread), 100)
	rh, rl := bits.Mul64(uint64(median), uint64(multX100))
	return lh > rh || (lh == rh && ll > rl)
}

// MedianSource reports the live median spread of an instrument and how many samples back it.
type MedianSource interface {
	MedianSpread(inst model.Instrument) (median int64, samples int)
}

// RegistryThresholds serves Limits from the registry, switching to the live median
// once the window holds enough samples.
type RegistryThresholds struct {
	Reg    *registry.Registry
	Median MedianSource // optional
}

func (t RegistryThresholds) Limits(inst model.Instrument) (Limits, bool) {
	e, ok := t.Reg.Lookup(inst)
	if !ok {
		return Limits{}, false
	}
	lim := Limits{
		MedianSpread:       e.MedianSpread,
		SpreadMultipleX100: e.SpreadMultipleX100,
		MaxClockSkew:       t.Reg.MaxClockSkew,
	}
	if t.Median != nil && t.Reg.MedianMinSamples > 0 {
		if m, n := t.Median.MedianSpread(inst); n >= t.Reg.MedianMinSamples && m > 0 {
			lim.MedianSpread = m
		}
	}
	return lim, true
}
