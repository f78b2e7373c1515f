// Package redissink keeps the latest state of every instrument in Redis.
//
// Layout, with prefix "fx":
//
//	fx:quote:EUR-USD   JSON document, expires after TTL
//	fx:latest          hash  EUR/USD -> "bid,ask"
//
// Writes are last-write-wins and idempotent, so retries and resyncs are harmless.
package redissink

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"

	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
)

type Config struct {
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// Doc is the cached form of an instrument.
type Doc struct {
	Pair      string `json:"pair"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Spread    string `json:"spread"`
	Volume    string `json:"volume"`
	ChangeAbs string `json:"change_abs"`
	ChangePct string `json:"change_pct"`
	Source    string `json:"source"`
	TsMs      int64  `json:"ts_ms"`
	Seq       uint64 `json:"seq"`
	Version   uint64 `json:"version"`
}

type Sink struct {
	name string
	rdb  redis.UniversalClient
	cfg  Config
}

func New(rdb redis.UniversalClient, cfg Config) *Sink {
	if cfg.Prefix == "" {
		cfg.Prefix = "fx"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Sink{name: "redis", rdb: rdb, cfg: cfg}
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) quoteKey(inst model.Instrument) string { return s.cfg.Prefix + ":quote:" + inst.Key() }
func (s *Sink) latestKey() string                     { return s.cfg.Prefix + ":latest" }

func toDoc(u fanout.Update) Doc {
	st := u.State
	q := st.Latest
	return Doc{
		Pair:      st.Instrument.String(),
		Bid:       model.FormatFixed(q.Bid),
		Ask:       model.FormatFixed(q.Ask),
		Spread:    model.FormatFixed(q.Spread()),
		Volume:    model.FormatFixed(st.Volume),
		ChangeAbs: model.FormatFixed(st.ChangeAbs),
		ChangePct: st.ChangePct.String(),
		Source:    q.Source,
		TsMs:      q.TsUnixMs,
		Seq:       q.Seq,
		Version:   st.Version,
	}
}

func (s *Sink) Deliver(ctx context.Context, u fanout.Update) error {
	doc := toDoc(u)
	payload, err := json.Marshal(doc)
	if err != nil {
		return qerr.Rejected(s.name, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.quoteKey(u.Instrument()), payload, s.cfg.TTL)
		p.HSet(ctx, s.latestKey(), doc.Pair, doc.Bid+","+doc.Ask)
		return nil
	})
	if err != nil {
		return s.classify(err)
	}
	return nil
}

// Get reads back the cached document of inst; ok=false when absent or expired.
func (s *Sink) Get(ctx context.Context, inst model.Instrument) (Doc, bool, error) {
	b, err := s.rdb.Get(ctx, s.quoteKey(inst)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Doc{}, false, nil
	}
	if err != nil {
		return Doc{}, false, err
	}
	var d Doc
	if err := json.Unmarshal(b, &d); err != nil {
		return Doc{}, false, err
	}
	return d, true, nil
}

// classify: command errors the server answered deterministically are rejections;
// transport failures and transient server states are unavailability.
func (s *Sink) classify(err error) error {
	for _, prefix := range []string{"ERR", "WRONGTYPE"} {
		if redis.HasErrorPrefix(err, prefix) {
			return qerr.Rejected(s.name, err)
		}
	}
	return qerr.Unavailable(s.name, err)
}
