// Package influxsink indexes aggregate updates in InfluxDB for analytics.
package influxsink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
)

const Measurement = "fx_aggregate"

type Config struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Org     string        `mapstructure:"org"`
	Bucket  string        `mapstructure:"bucket"`
	UseGzip bool          `mapstructure:"use_gzip"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Sink writes one point per update. Writes are blocking so each delivery reports its
// own outcome to the publisher, which owns retries.
type Sink struct {
	name   string
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func New(cfg Config) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	opt := influxdb2.DefaultOptions().
		SetUseGZip(cfg.UseGzip).
		SetHTTPRequestTimeout(uint(cfg.Timeout.Seconds()))

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	return &Sink{name: "influx", client: c, write: c.WriteAPIBlocking(cfg.Org, cfg.Bucket)}
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Close() { s.client.Close() }

// Point renders u. Tags stay low-cardinality: instrument and source only.
func Point(u fanout.Update) *write.Point {
	st := u.State
	q := st.Latest
	tags := map[string]string{
		"instrument": st.Instrument.String(),
		"source":     q.Source,
	}
	fields := map[string]interface{}{
		"bid":        toFloat(q.Bid),
		"ask":        toFloat(q.Ask),
		"spread":     toFloat(q.Spread()),
		"change_abs": toFloat(st.ChangeAbs),
		"change_pct": st.ChangePct.InexactFloat64(),
		"volume":     toFloat(st.Volume),
		"window_len": int64(len(st.Window)),
		"seq":        int64(q.Seq),
	}
	ts := time.UnixMilli(q.TsUnixMs)
	if q.TsUnixMs == 0 {
		ts = st.UpdatedAt
	}
	return write.NewPoint(Measurement, tags, fields, ts)
}

func toFloat(v int64) float64 { return model.DecimalFromFixed(v).InexactFloat64() }

func (s *Sink) Deliver(ctx context.Context, u fanout.Update) error {
	if err := s.write.WritePoint(ctx, Point(u)); err != nil {
		return s.classify(err)
	}
	return nil
}

// classify: a 4xx other than 429 means the point itself is bad.
func (s *Sink) classify(err error) error {
	var he *ihttp.Error
	if errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500 && he.StatusCode != http.StatusTooManyRequests {
		return qerr.Rejected(s.name, err)
	}
	return qerr.Unavailable(s.name, err)
}

func (cfg Config) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s gzip=%v timeout=%s",
		cfg.URL, cfg.Org, cfg.Bucket, cfg.UseGzip, cfg.Timeout)
}
