package model

import "fmt"

// Quote is one bid/ask observation from one source. Prices and volume are fixed point (Scale).
// Quotes are values: stages return new ones, never edit the one they were handed.
type Quote struct {
	Instrument Instrument `json:"instrument"`
	Bid        int64      `json:"bid"`
	Ask        int64      `json:"ask"`
	Volume     int64      `json:"volume"`
	TsUnixMs   int64      `json:"ts"`
	Seq        uint64     `json:"seq"`
	Source     string     `json:"source"`
	RecvUnixMs int64      `json:"recv_ts"`
}

// Spread is ask - bid.
func (q Quote) Spread() int64 { return q.Ask - q.Bid }

// Mid is the midpoint, truncated.
func (q Quote) Mid() int64 { return (q.Bid + q.Ask) / 2 }

// StreamKey identifies the (instrument, source) stream the quote belongs to.
func (q Quote) StreamKey() StreamKey {
	return StreamKey{Instrument: q.Instrument, Source: q.Source}
}

func (q Quote) String() string {
	return fmt.Sprintf("%s %s bid=%s ask=%s seq=%d ts=%d",
		q.Source, q.Instrument, FormatFixed(q.Bid), FormatFixed(q.Ask), q.Seq, q.TsUnixMs)
}

// StreamKey is the unit of ordering: sequence numbers are only comparable within one.
type StreamKey struct {
	Instrument Instrument
	Source     string
}

func (k StreamKey) String() string { return k.Source + ":" + k.Instrument.String() }
