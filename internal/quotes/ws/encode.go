package ws

import (
	"strings"

	"github.com/segmentio/encoding/json"

	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/health"
	"fxpulse.com/internal/quotes/model"
)

// TopicFor is the subscriber topic of an instrument: quote:EUR-USD.
func TopicFor(inst model.Instrument) string { return quotePrefix + inst.Key() }

// InstrumentOf parses a quote topic back; ok=false for other topics.
func InstrumentOf(topic string) (model.Instrument, bool) {
	if !strings.HasPrefix(topic, quotePrefix) {
		return model.Instrument{}, false
	}
	inst, err := model.ParseInstrument(topic[len(quotePrefix):])
	return inst, err == nil
}

func ToDTO(u fanout.Update) QuoteDTO {
	st := u.State
	q := st.Latest
	return QuoteDTO{
		Pair:      st.Instrument.String(),
		Bid:       model.FormatFixed(q.Bid),
		Ask:       model.FormatFixed(q.Ask),
		Spread:    model.FormatFixed(q.Spread()),
		Volume:    model.FormatFixed(st.Volume),
		Source:    q.Source,
		TsMs:      q.TsUnixMs,
		Seq:       q.Seq,
		ChangeAbs: model.FormatFixed(st.ChangeAbs),
		ChangePct: st.ChangePct.String(),
		High:      model.FormatFixed(st.High),
		Low:       model.FormatFixed(st.Low),
		WindowLen: len(st.Window),
		Version:   st.Version,
		Snapshot:  u.Snapshot,
	}
}

// EncodeUpdate renders u as a ServerMsg on its instrument topic.
func EncodeUpdate(u fanout.Update) (topic string, payload []byte, err error) {
	topic = TopicFor(u.Instrument())
	dto := ToDTO(u)
	payload, err = json.Marshal(ServerMsg{Type: "quote", Topic: topic, Quote: &dto})
	return topic, payload, err
}

// EncodeHealth renders the whole component table; the health topic always carries all of it.
func EncodeHealth(snaps []health.Snapshot) ([]byte, error) {
	dtos := make([]HealthDTO, 0, len(snaps))
	for _, s := range snaps {
		dtos = append(dtos, toHealthDTO(s))
	}
	return json.Marshal(ServerMsg{Type: "health", Topic: TopicHealth, Health: dtos})
}
