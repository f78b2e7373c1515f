package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fxpulse.com/internal/quotes/health"
	"fxpulse.com/internal/quotes/mdsource"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
	"fxpulse.com/pkg/logger"
)

var errAbandoned = errors.New("stream: emit abandoned")

type Config struct {
	Name      string `mapstructure:"name"`
	Transport string `mapstructure:"transport"` // tcp | ws
	Addr      string `mapstructure:"addr"`      // host:port for tcp, ws:// URL for ws
	// StaleTimeout is the longest silence tolerated on an open connection.
	StaleTimeout time.Duration `mapstructure:"stale_timeout"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// Source is a long-lived push feed. Reconnects are the Runner's job: Run returns on
// any connection failure.
type Source struct {
	cfg         Config
	parser      *Parser
	dial        Dialer
	tracker     *health.Tracker
	instruments []model.Instrument
	now         func() time.Time
}

func NewSource(cfg Config, instruments []model.Instrument, tracker *health.Tracker) (*Source, error) {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	var dial Dialer
	switch cfg.Transport {
	case "", "tcp":
		dial = DialTCP(cfg.DialTimeout)
	case "ws":
		dial = DialWS(cfg.DialTimeout)
	default:
		return nil, fmt.Errorf("stream %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
	return &Source{
		cfg:         cfg,
		parser:      NewParser(cfg.Name),
		dial:        dial,
		tracker:     tracker,
		instruments: instruments,
		now:         time.Now,
	}, nil
}

func (s *Source) Name() string { return s.cfg.Name }

func (s *Source) Ingest(raw []byte) ([]model.Quote, error) { return s.parser.Ingest(raw) }

func (s *Source) Run(ctx context.Context, out mdsource.Emitter) error {
	conn, err := s.dial(ctx, s.cfg.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e := qerr.New(qerr.UpstreamUnavailable, model.Instrument{}, s.cfg.Name, err)
		s.tracker.Unavailable(e)
		return e
	}
	defer conn.Close()

	// unblocks the pending read on shutdown
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteFrame(SubscribeFrame(s.instruments)); err != nil {
		e := qerr.New(qerr.UpstreamUnavailable, model.Instrument{}, s.cfg.Name, err)
		s.tracker.Unavailable(e)
		return e
	}
	logger.Info(ctx, "stream connected",
		zap.String("source", s.cfg.Name),
		zap.String("addr", s.cfg.Addr),
		zap.Int("instruments", len(s.instruments)),
	)

	for {
		raw, err := conn.ReadFrames(s.now().Add(s.cfg.StaleTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isTimeout(err) {
				e := qerr.Newf(qerr.StaleConnection, model.Instrument{}, s.cfg.Name,
					"no frame within %s", s.cfg.StaleTimeout)
				s.tracker.Miss(e)
				return e
			}
			e := qerr.New(qerr.UpstreamUnavailable, model.Instrument{}, s.cfg.Name, err)
			s.tracker.Unavailable(e)
			return e
		}

		quotes, ierr := s.parser.Ingest(raw)
		if ierr != nil {
			s.tracker.Malformed(ierr)
			logger.Warn(ctx, "malformed stream payload", zap.String("source", s.cfg.Name), zap.Error(ierr))
		}
		if len(quotes) == 0 {
			if ierr == nil {
				s.tracker.Beat()
			}
			continue
		}

		recv := s.now().UnixMilli()
		for _, q := range quotes {
			q.RecvUnixMs = recv
			if !out.Emit(q) {
				return errAbandoned
			}
			s.tracker.Touch(q.Instrument.String())
		}
		s.tracker.Success(len(quotes))
	}
}

var (
	_ mdsource.Source  = (*Source)(nil)
	_ mdsource.Adapter = (*Source)(nil)
	_ mdsource.Adapter = (*Parser)(nil)
)
