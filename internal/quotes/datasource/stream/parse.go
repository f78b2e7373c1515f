package stream

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
)

// Frame grammar, one frame per line:
//
//	PAIR|BID|ASK|TS_MS|SEQ[|VOLUME]   quote
//	HB|TS_MS                          heartbeat
//	SUB|EUR/USD,GBP/USD               subscribe (client -> upstream)
const (
	sep          = '|'
	heartbeatTag = "HB"
	subscribeTag = "SUB"
)

var (
	errFieldCount = errors.New("unexpected field count")
	errBadPrice   = errors.New("bad price")
	errBadTs      = errors.New("bad timestamp")
	errBadSeq     = errors.New("bad sequence")
	errBadVolume  = errors.New("bad volume")
)

// Parser is the stateless Adapter half of the streaming source.
type Parser struct {
	source string
}

func NewParser(source string) *Parser { return &Parser{source: source} }

func (p *Parser) Name() string { return p.source }

// Ingest parses every frame in raw (one or more lines). Valid quotes are returned even
// when some frames are malformed; the error then reports how many were dropped.
// A payload holding only heartbeats yields no quotes and no error.
func (p *Parser) Ingest(raw []byte) ([]model.Quote, error) {
	out := make([]model.Quote, 0, 4)
	var firstErr error
	bad := 0
	for len(raw) > 0 {
		var line []byte
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			line, raw = raw[:i], raw[i+1:]
		} else {
			line, raw = raw, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		q, isQuote, err := p.parseFrame(line)
		if err != nil {
			bad++
			if firstErr == nil {
				firstErr = fmt.Errorf("frame %q: %w", truncate(line), err)
			}
			continue
		}
		if isQuote {
			out = append(out, q)
		}
	}
	if firstErr != nil {
		return out, qerr.Malformed(p.source, fmt.Errorf("%d bad frame(s), first: %w", bad, firstErr))
	}
	return out, nil
}

func (p *Parser) parseFrame(line []byte) (model.Quote, bool, error) {
	var fields [7][]byte
	n := 0
	for {
		i := bytes.IndexByte(line, sep)
		if n == len(fields)-1 || i < 0 {
			fields[n] = line
			n++
			break
		}
		fields[n] = line[:i]
		line = line[i+1:]
		n++
	}

	if string(fields[0]) == heartbeatTag {
		if n != 2 {
			return model.Quote{}, false, errFieldCount
		}
		if _, err := strconv.ParseInt(string(fields[1]), 10, 64); err != nil {
			return model.Quote{}, false, errBadTs
		}
		return model.Quote{}, false, nil
	}
	if n != 5 && n != 6 {
		return model.Quote{}, false, errFieldCount
	}

	inst, err := model.ParseInstrument(string(fields[0]))
	if err != nil {
		return model.Quote{}, false, err
	}
	bid, ok := model.ParseFixed(string(fields[1]))
	if !ok {
		return model.Quote{}, false, errBadPrice
	}
	ask, ok := model.ParseFixed(string(fields[2]))
	if !ok {
		return model.Quote{}, false, errBadPrice
	}
	ts, err := strconv.ParseInt(string(fields[3]), 10, 64)
	if err != nil || ts <= 0 {
		return model.Quote{}, false, errBadTs
	}
	seq, err := strconv.ParseUint(string(fields[4]), 10, 64)
	if err != nil {
		return model.Quote{}, false, errBadSeq
	}
	var vol int64
	if n == 6 {
		vol, ok = model.ParseFixed(string(fields[5]))
		if !ok || vol < 0 {
			return model.Quote{}, false, errBadVolume
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
	}, true, nil
}

// FormatQuote renders q as a frame (no trailing newline).
func FormatQuote(q model.Quote) []byte {
	b := make([]byte, 0, 64)
	b = append(b, q.Instrument.String()...)
	b = append(b, sep)
	b = append(b, model.FormatFixed(q.Bid)...)
	b = append(b, sep)
	b = append(b, model.FormatFixed(q.Ask)...)
	b = append(b, sep)
	b = strconv.AppendInt(b, q.TsUnixMs, 10)
	b = append(b, sep)
	b = strconv.AppendUint(b, q.Seq, 10)
	if q.Volume != 0 {
		b = append(b, sep)
		b = append(b, model.FormatFixed(q.Volume)...)
	}
	return b
}

// SubscribeFrame is sent once after connecting.
func SubscribeFrame(instruments []model.Instrument) []byte {
	b := make([]byte, 0, 8*len(instruments)+4)
	b = append(b, subscribeTag...)
	b = append(b, sep)
	for i, inst := range instruments {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, inst.String()...)
	}
	return b
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
