package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fxpulse.com/internal/quotes/health"
	"fxpulse.com/internal/quotes/mdsource"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
	"fxpulse.com/pkg/logger"
)

const maxBody = 4 << 20

var errAbandoned = errors.New("poll: emit abandoned")

type Config struct {
	Name     string        `mapstructure:"name"`
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// MaxRPS caps requests per second whatever the interval/backoff say. 0 means 1/Interval.
	MaxRPS  float64           `mapstructure:"max_rps"`
	Backoff mdsource.Backoff  `mapstructure:"backoff"`
	Headers map[string]string `mapstructure:"headers"`
}

// Source polls an HTTP endpoint on a fixed interval.
// Failed requests do not end Run: the next attempt waits a full-jitter backoff instead.
type Source struct {
	cfg         Config
	parser      *Parser
	client      *http.Client
	limiter     *rate.Limiter
	tracker     *health.Tracker
	instruments []model.Instrument
	now         func() time.Time
}

func NewSource(cfg Config, instruments []model.Instrument, tracker *health.Tracker) (*Source, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("poll %s: url is required", cfg.Name)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("poll %s: %w", cfg.Name, err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Backoff.Min <= 0 {
		cfg.Backoff.Min = cfg.Interval
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 30 * time.Second
	}
	cfg.Backoff.FullJitter = true

	limit := rate.Every(cfg.Interval)
	if cfg.MaxRPS > 0 {
		limit = rate.Limit(cfg.MaxRPS)
	}
	return &Source{
		cfg:         cfg,
		parser:      NewParser(cfg.Name),
		client:      &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(limit, 1),
		tracker:     tracker,
		instruments: instruments,
		now:         time.Now,
	}, nil
}

func (s *Source) Name() string { return s.cfg.Name }

func (s *Source) Ingest(raw []byte) ([]model.Quote, error) { return s.parser.Ingest(raw) }

func (s *Source) Run(ctx context.Context, out mdsource.Emitter) error {
	names := make([]string, len(s.instruments))
	for i, inst := range s.instruments {
		names[i] = inst.String()
	}
	s.tracker.SetActive(names)

	failures := 0
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		wait := s.cfg.Interval
		quotes, err := s.Poll(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil && len(quotes) == 0:
			failures++
			wait = s.cfg.Backoff.Next(failures)
			logger.Warn(ctx, "poll failed",
				zap.String("source", s.cfg.Name),
				zap.Int("failures", failures),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
		default:
			failures = 0
			recv := s.now().UnixMilli()
			for _, q := range quotes {
				q.RecvUnixMs = recv
				if !out.Emit(q) {
					return errAbandoned
				}
			}
			if err != nil {
				logger.Warn(ctx, "poll payload partly malformed", zap.String("source", s.cfg.Name), zap.Error(err))
			}
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Poll performs one request and records its outcome on the tracker.
func (s *Source) Poll(ctx context.Context) ([]model.Quote, error) {
	raw, err := s.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := qerr.New(qerr.UpstreamUnavailable, model.Instrument{}, s.cfg.Name, err)
		s.tracker.Unavailable(e)
		return nil, e
	}
	quotes, err := s.parser.Ingest(raw)
	if err != nil {
		s.tracker.Malformed(err)
	}
	if len(quotes) > 0 {
		s.tracker.Success(len(quotes))
	} else if err == nil {
		// an empty document is still a live upstream
		s.tracker.Beat()
	}
	return quotes, err
}

func (s *Source) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.requestURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", s.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("request %s: status %d", s.cfg.Name, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.cfg.Name, err)
	}
	return data, nil
}

func (s *Source) requestURL() string {
	if len(s.instruments) == 0 {
		return s.cfg.URL
	}
	names := make([]string, len(s.instruments))
	for i, inst := range s.instruments {
		names[i] = inst.String()
	}
	sep := "?"
	if strings.Contains(s.cfg.URL, "?") {
		sep = "&"
	}
	return s.cfg.URL + sep + "pairs=" + url.QueryEscape(strings.Join(names, ","))
}

var (
	_ mdsource.Source  = (*Source)(nil)
	_ mdsource.Adapter = (*Source)(nil)
	_ mdsource.Adapter = (*Parser)(nil)
)
