package app

import (
	"errors"
	"fmt"
	"time"

	"fxpulse.com/internal/quotes/api"
	"fxpulse.com/internal/quotes/datasource/poll"
	"fxpulse.com/internal/quotes/datasource/stream"
	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/health"
	"fxpulse.com/internal/quotes/pipeline"
	"fxpulse.com/internal/quotes/registry"
	"fxpulse.com/internal/quotes/storage/influxsink"
	"fxpulse.com/internal/quotes/storage/journal"
	"fxpulse.com/internal/quotes/storage/redissink"
	"fxpulse.com/pkg/bootstrap"
	"fxpulse.com/pkg/logger"
	"fxpulse.com/pkg/orm"
	"fxpulse.com/pkg/trace"
	"fxpulse.com/pkg/xredis"
)

// Config is the whole fx-aggregator configuration (config/fx-aggregator.yaml).
type Config struct {
	Name  string          `mapstructure:"name"`
	Log   logger.Config   `mapstructure:"log"`
	HTTP  api.Config      `mapstructure:"http"`
	Debug bootstrap.Debug `mapstructure:"debug"`
	Trace trace.Config    `mapstructure:"trace"`

	Registry    registry.Defaults           `mapstructure:"registry"`
	Instruments []registry.InstrumentConfig `mapstructure:"instruments"`
	Sources     SourcesConfig               `mapstructure:"sources"`

	// Window is the per-instrument history capacity.
	Window   int             `mapstructure:"window"`
	Pipeline pipeline.Config `mapstructure:"pipeline"`
	Fanout   fanout.Config   `mapstructure:"fanout"`
	Health   health.Config   `mapstructure:"health"`

	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Influx   InfluxConfig   `mapstructure:"influx"`
	Nats     NatsConfig     `mapstructure:"nats"`
	WS       WSConfig       `mapstructure:"ws"`
	Journal  JournalConfig  `mapstructure:"journal"`

	// ShutdownTimeout bounds the graceful drain; past it the shutdown is forced.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SourcesConfig struct {
	// RunnerBuffer is the merged source channel size.
	RunnerBuffer int             `mapstructure:"runner_buffer"`
	Stream       []stream.Config `mapstructure:"stream"`
	Poll         []poll.Config   `mapstructure:"poll"`
}

type RedisConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Client  xredis.Config    `mapstructure:"client"`
	Sink    redissink.Config `mapstructure:"sink"`
}

type PostgresConfig struct {
	Enabled bool       `mapstructure:"enabled"`
	DB      orm.Config `mapstructure:"db"`
	// Migrate creates quote_ticks on startup.
	Migrate bool `mapstructure:"migrate"`
}

type InfluxConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Client  influxsink.Config `mapstructure:"client"`
}

type NatsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type JournalConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	File    journal.Config `mapstructure:"file"`
}

type WSConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "fx-aggregator"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.Registry.MedianMinSamples == 0 {
		c.Registry.MedianMinSamples = 20
	}
	if c.Registry.MaxClockSkew == 0 {
		c.Registry.MaxClockSkew = 5 * time.Second
	}
}

// SourceNames lists every configured source in config order.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources.Stream)+len(c.Sources.Poll))
	for _, s := range c.Sources.Stream {
		names = append(names, s.Name)
	}
	for _, s := range c.Sources.Poll {
		names = append(names, s.Name)
	}
	return names
}

var (
	ErrNoSinkConfigured = errors.New("app: no sink configured")
	ErrSourceName       = errors.New("app: bad source name")
)

// Validate catches what registry.New cannot see: source naming and sink presence.
// extraSinks counts sinks handed in programmatically.
func (c *Config) Validate(extraSinks int) error {
	seen := make(map[string]bool)
	for _, n := range c.SourceNames() {
		if n == "" {
			return fmt.Errorf("%w: empty name", ErrSourceName)
		}
		if seen[n] {
			return fmt.Errorf("%w: %q configured twice", ErrSourceName, n)
		}
		seen[n] = true
	}
	if c.Nats.Enabled && c.Nats.URL == "" {
		return errors.New("app: nats.url is required when nats is enabled")
	}
	if c.Influx.Enabled && (c.Influx.Client.URL == "" || c.Influx.Client.Bucket == "") {
		return errors.New("app: influx url and bucket are required when influx is enabled")
	}
	n := extraSinks
	for _, on := range []bool{c.Redis.Enabled, c.Postgres.Enabled, c.Influx.Enabled, c.Nats.Enabled, c.WS.Enabled, c.Journal.Enabled} {
		if on {
			n++
		}
	}
	if n == 0 {
		return ErrNoSinkConfigured
	}
	return nil
}
