package poll

import (
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
)

// document is one poll response. Prices may be JSON numbers or strings.
type document struct {
	Provider  string     `json:"provider"`
	Timestamp int64      `json:"timestamp"`
	Quotes    []docQuote `json:"quotes"`
}

type docQuote struct {
	Pair   string           `json:"pair"`
	Bid    *decimal.Decimal `json:"bid"`
	Ask    *decimal.Decimal `json:"ask"`
	Ts     *int64           `json:"ts"`
	Seq    *uint64          `json:"seq"`
	Volume *decimal.Decimal `json:"volume"`
}

var (
	errMissingField = errors.New("missing field")
	errNoTimestamp  = errors.New("no quote or document timestamp")
	errNegVolume    = errors.New("negative volume")
	errOutOfRange   = errors.New("value out of fixed-point range")
)

// Parser is the Adapter half of the polling source.
type Parser struct {
	source string
}

func NewParser(source string) *Parser { return &Parser{source: source} }

func (p *Parser) Name() string { return p.source }

// Ingest decodes one document. A document that does not decode is MalformedPayload;
// individual bad entries are skipped and reported alongside the good quotes.
func (p *Parser) Ingest(raw []byte) ([]model.Quote, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, qerr.Malformed(p.source, err)
	}

	out := make([]model.Quote, 0, len(doc.Quotes))
	var firstErr error
	bad := 0
	for i, dq := range doc.Quotes {
		q, err := p.convert(dq, doc.Timestamp)
		if err != nil {
			bad++
			if firstErr == nil {
				firstErr = fmt.Errorf("quotes[%d] %q: %w", i, dq.Pair, err)
			}
			continue
		}
		out = append(out, q)
	}
	if firstErr != nil {
		return out, qerr.Malformed(p.source, fmt.Errorf("%d bad entr(ies), first: %w", bad, firstErr))
	}
	return out, nil
}

func (p *Parser) convert(dq docQuote, docTs int64) (model.Quote, error) {
	if dq.Pair == "" || dq.Bid == nil || dq.Ask == nil {
		return model.Quote{}, errMissingField
	}
	inst, err := model.ParseInstrument(dq.Pair)
	if err != nil {
		return model.Quote{}, err
	}
	ts := docTs
	if dq.Ts != nil {
		ts = *dq.Ts
	}
	if ts <= 0 {
		return model.Quote{}, errNoTimestamp
	}
	// no upstream sequence: the timestamp orders the stream
	seq := uint64(ts)
	if dq.Seq != nil {
		seq = *dq.Seq
	}
	bid, ok := model.FixedFromDecimalChecked(*dq.Bid)
	if !ok {
		return model.Quote{}, fmt.Errorf("bid %s: %w", dq.Bid, errOutOfRange)
	}
	ask, ok := model.FixedFromDecimalChecked(*dq.Ask)
	if !ok {
		return model.Quote{}, fmt.Errorf("ask %s: %w", dq.Ask, errOutOfRange)
	}
	var vol int64
	if dq.Volume != nil {
		if dq.Volume.IsNegative() {
			return model.Quote{}, errNegVolume
		}
		if vol, ok = model.FixedFromDecimalChecked(*dq.Volume); !ok {
			return model.Quote{}, fmt.Errorf("volume %s: %w", dq.Volume, errOutOfRange)
		}
	}
	return model.Quote{
		Instrument: inst,
		Bid:        bid,
		Ask:        ask,
		Volume:     vol,
		TsUnixMs:   ts,
		Seq:        seq,
		Source:     p.source,
	}, nil
}
