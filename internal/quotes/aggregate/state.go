package aggregate

import (
	"time"

	"github.com/shopspring/decimal"

	"fxpulse.com/internal/quotes/model"
)

// SourceView is the per-source slice of an instrument's state.
type SourceView struct {
	Latest   model.Quote `json:"latest"`
	Admitted uint64      `json:"admitted"`
}

// State is an immutable snapshot of one instrument. Prices are fixed point.
type State struct {
	Instrument model.Instrument `json:"instrument"`
	Latest     model.Quote      `json:"latest"`
	Prior      model.Quote      `json:"prior"`
	HasPrior   bool             `json:"has_prior"`

	// Window holds the last N admitted quotes, oldest first.
	Window   []model.Quote `json:"window"`
	Capacity int           `json:"capacity"`

	// ReferenceBid is the bid of the oldest quote in the window.
	ReferenceBid int64           `json:"reference_bid"`
	ChangeAbs    int64           `json:"change_abs"`
	ChangePct    decimal.Decimal `json:"change_pct"`
	Volume       int64           `json:"volume"`

	Open int64 `json:"open"`
	High int64 `json:"high"`
	Low  int64 `json:"low"`

	Sources map[string]SourceView `json:"sources"`
	// Divergence is max - min of the sources' latest bids.
	Divergence int64 `json:"divergence"`

	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Empty reports whether no quote was ever admitted.
func (s State) Empty() bool { return s.Version == 0 }
