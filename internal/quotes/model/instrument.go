package model

import (
	"errors"
	"strings"
)

var ErrBadInstrument = errors.New("bad instrument")

// Instrument is a currency pair. Canonical text form is "BASE/QUOTE".
type Instrument struct {
	Base  string
	Quote string
}

func (i Instrument) String() string { return i.Base + "/" + i.Quote }

// Key is the separator-free form used in topics and cache keys ("EUR-USD").
func (i Instrument) Key() string { return i.Base + "-" + i.Quote }

func (i Instrument) IsZero() bool { return i.Base == "" && i.Quote == "" }

// PipSize is 0.01 for JPY-quoted pairs and 0.0001 otherwise, in fixed point.
func (i Instrument) PipSize() int64 {
	if i.Quote == "JPY" {
		return Scale / 100
	}
	return Scale / 10_000
}

// ParseInstrument accepts "EUR/USD", "eur-usd", "EUR_USD", "EUR.USD" and "EURUSD".
func ParseInstrument(s string) (Instrument, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	var base, quote string
	if i := strings.IndexAny(s, "/-_. :"); i >= 0 {
		base, quote = s[:i], s[i+1:]
	} else if len(s) == 6 {
		base, quote = s[:3], s[3:]
	} else {
		return Instrument{}, ErrBadInstrument
	}
	if !isCode(base) || !isCode(quote) || base == quote {
		return Instrument{}, ErrBadInstrument
	}
	return Instrument{Base: base, Quote: quote}, nil
}

// MustInstrument is ParseInstrument for literals in config defaults and tests.
func MustInstrument(s string) Instrument {
	inst, err := ParseInstrument(s)
	if err != nil {
		panic(err.Error() + ": " + s)
	}
	return inst
}

func isCode(s string) bool {
	if len(s) < 3 || len(s) > 4 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

func (i Instrument) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *Instrument) UnmarshalText(b []byte) error {
	v, err := ParseInstrument(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}
