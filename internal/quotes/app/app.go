// Package app wires sources, pipeline, sinks and the read side into one process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fxpulse.com/internal/quotes/aggregate"
	"fxpulse.com/internal/quotes/api"
	"fxpulse.com/internal/quotes/datasource/poll"
	"fxpulse.com/internal/quotes/datasource/stream"
	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/gateway"
	"fxpulse.com/internal/quotes/health"
	"fxpulse.com/internal/quotes/mdsource"
	"fxpulse.com/internal/quotes/pipeline"
	"fxpulse.com/internal/quotes/qmetrics"
	"fxpulse.com/internal/quotes/registry"
	"fxpulse.com/internal/quotes/storage/influxsink"
	"fxpulse.com/internal/quotes/storage/journal"
	"fxpulse.com/internal/quotes/storage/pgsink"
	"fxpulse.com/internal/quotes/storage/redissink"
	"fxpulse.com/internal/quotes/ws"
	"fxpulse.com/pkg/bootstrap"
	"fxpulse.com/pkg/logger"
	"fxpulse.com/pkg/metrics"
	"fxpulse.com/pkg/orm"
	"fxpulse.com/pkg/safe"
	"fxpulse.com/pkg/trace"
	"fxpulse.com/pkg/xredis"
)

type Option func(*options)

type options struct {
	sinks   []fanout.Sink
	sources []mdsource.Source
}

// WithSinks adds sinks next to the configured ones.
func WithSinks(s ...fanout.Sink) Option { return func(o *options) { o.sinks = append(o.sinks, s...) } }

// WithSources adds sources next to the configured ones. Their names must be bound
// by at least one instrument like any configured source.
func WithSources(s ...mdsource.Source) Option {
	return func(o *options) { o.sources = append(o.sources, s...) }
}

type App struct {
	cfg Config

	reg    *registry.Registry
	book   *aggregate.Book
	mon    *health.Monitor
	pub    *fanout.Publisher
	pipe   *pipeline.Pipeline
	runner *mdsource.Runner

	hub     *ws.Hub
	wsCtx   context.Context
	wsStop  context.CancelFunc
	gw      *gateway.Gateway
	httpSrv *http.Server

	hard     context.Context
	hardStop context.CancelFunc

	rdb     *redis.Client
	sqlDB   *sql.DB
	closers []func() error
}

// New validates cfg and builds every component. Any configuration the pipeline cannot
// run with fails here, before a single quote is read.
func New(ctx context.Context, cfg Config, opts ...Option) (a *App, err error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(len(o.sinks)); err != nil {
		return nil, err
	}

	sourceNames := cfg.SourceNames()
	for _, s := range o.sources {
		sourceNames = append(sourceNames, s.Name())
	}
	reg, err := registry.New(cfg.Instruments, sourceNames, cfg.Registry)
	if err != nil {
		return nil, err
	}
	for _, name := range reg.UnusedSources(sourceNames) {
		logger.Warn(ctx, "source bound to no instrument", zap.String("source", name))
	}

	a = &App{
		cfg:  cfg,
		reg:  reg,
		book: aggregate.NewBook(cfg.Window, reg.Instruments()),
		mon:  health.NewMonitor(cfg.Health),
	}
	a.hard, a.hardStop = context.WithCancel(context.Background())
	a.wsCtx, a.wsStop = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	shutdownTrace, err := trace.InitTrace(ctx, cfg.Name, cfg.Trace)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTrace(tctx)
	})

	a.mon.OnChange(a.onHealthChange)

	sources, err := a.buildSources(o.sources)
	if err != nil {
		return nil, err
	}
	a.runner = mdsource.NewRunner(cfg.Sources.RunnerBuffer, sources...)

	sinks, err := a.buildSinks(ctx)
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, o.sinks...)

	a.pub, err = fanout.New(cfg.Fanout, a.book, a.mon, sinks...)
	if err != nil {
		return nil, err
	}
	a.pipe, err = pipeline.New(cfg.Pipeline, reg, a.book, a.pub)
	if err != nil {
		return nil, err
	}

	if cfg.HTTP.Addr != "" {
		deps := api.Deps{Quotes: a.book, Health: a.mon, Resync: a.pub}
		for _, s := range sinks {
			if st, ok := s.(*pgsink.Store); ok {
				deps.Ticks = st
			}
		}
		if a.hub != nil {
			deps.WS = ws.NewServer(a.wsCtx, a.hub).ServeWS
		}
		a.httpSrv = api.NewServer(cfg.HTTP, api.NewRouter(a.wsCtx, cfg.HTTP, deps))
	}
	return a, nil
}

func (a *App) buildSources(extra []mdsource.Source) ([]mdsource.Source, error) {
	var out []mdsource.Source
	for _, sc := range a.cfg.Sources.Stream {
		s, err := stream.NewSource(sc, a.reg.ForSource(sc.Name), a.mon.Provider(sc.Name, 0))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	for _, pc := range a.cfg.Sources.Poll {
		// a wedged poller shows up through the watchdog
		expected := pc.Interval + pc.Timeout
		s, err := poll.NewSource(pc, a.reg.ForSource(pc.Name), a.mon.Provider(pc.Name, expected))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return append(out, extra...), nil
}

func (a *App) buildSinks(ctx context.Context) ([]fanout.Sink, error) {
	var sinks []fanout.Sink
	cfg := a.cfg

	if cfg.WS.Enabled {
		a.hub = ws.NewHub()
		a.hub.Allow = func(topic string) bool {
			if topic == ws.TopicHealth {
				return true
			}
			inst, ok := ws.InstrumentOf(topic)
			return ok && a.reg.Has(inst)
		}
		a.mon.OnChange(ws.HealthListener(a.hub, a.mon))
	}

	if cfg.Redis.Enabled {
		rdb, err := xredis.NewRedis(ctx, &cfg.Redis.Client)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		a.closers = append(a.closers, rdb.Close)
		sinks = append(sinks, redissink.New(rdb, cfg.Redis.Sink))
	}

	if cfg.Postgres.Enabled {
		db, err := orm.NewPostgres(&cfg.Postgres.DB)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		a.sqlDB = sqlDB
		a.closers = append(a.closers, sqlDB.Close)
		store := pgsink.New(db)
		if cfg.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate quote_ticks: %w", err)
			}
		}
		sinks = append(sinks, store)
	}

	if cfg.Influx.Enabled {
		s := influxsink.New(cfg.Influx.Client)
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		logger.Info(ctx, "influx sink", zap.Stringer("config", cfg.Influx.Client))
		sinks = append(sinks, s)
	}

	if cfg.Journal.Enabled {
		s, rs, err := journal.Open(cfg.Journal.File, a.book)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		logger.Info(ctx, "journal restored",
			zap.String("path", cfg.Journal.File.Path),
			zap.Int("records", rs.Records),
			zap.Int("applied", rs.Applied),
			zap.Int("skipped", rs.Skipped),
		)
		sinks = append(sinks, s)
	}

	if cfg.Nats.Enabled {
		b, err := gateway.NewNatsBroker(cfg.Nats.URL, cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.Nats.URL, err)
		}
		a.closers = append(a.closers, b.Close)
		sinks = append(sinks, gateway.NewBrokerSink("nats", b))
		if a.hub != nil {
			// subscribers are served from the broker so every node sees every update
			a.gw = gateway.NewGateway(a.hub, b)
		}
	} else if a.hub != nil {
		sinks = append(sinks, ws.NewHubSink(a.hub))
	}
	return sinks, nil
}

// Run blocks until ctx ends or a component fails, then shuts down: gracefully within
// ShutdownTimeout, forced after it.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range a.mon.Snapshot() {
		a.exportHealth(s)
	}
	stopDebug := bootstrap.Start(a.cfg.Debug)

	g.Go(func() error { a.mon.Run(gctx); return nil })
	if a.sqlDB != nil || a.rdb != nil {
		safe.GoCtx(gctx, func(ctx context.Context) { metrics.SamplePools(ctx, a.sqlDB, a.rdb, 0) })
	}

	a.pub.Run()
	a.pipe.Run(a.hard)
	a.runner.Run(gctx)
	g.Go(func() error {
		a.pipe.Consume(a.hard, a.runner.Out)
		return nil
	})
	g.Go(func() error {
		for err := range a.runner.Err {
			logger.Debug(gctx, "source error", zap.Error(err))
		}
		return nil
	})

	if a.gw != nil {
		g.Go(func() error { return a.gw.Run(gctx, a.reg.Instruments()) })
	}
	if a.httpSrv != nil {
		g.Go(func() error {
			logger.Info(gctx, "http listening", zap.String("addr", a.httpSrv.Addr))
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown(stopDebug)
	})

	logger.Info(ctx, "fx-aggregator started",
		zap.Int("instruments", len(a.reg.Instruments())),
		zap.Strings("sinks", a.pub.Sinks()),
	)
	return g.Wait()
}

func (a *App) shutdown(stopDebug func(context.Context)) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	force := context.AfterFunc(ctx, func() {
		logger.Warn(context.Background(), "graceful shutdown timed out, forcing")
		a.runner.Stop()
		a.hardStop()
	})
	defer force()

	logger.Info(ctx, "shutting down")
	if a.httpSrv != nil {
		_ = a.httpSrv.Shutdown(ctx)
	}
	a.wsStop()

	// sources hand over their last batch, the runner closes Out and the pipeline drains
	select {
	case <-a.runner.Done():
	case <-ctx.Done():
	}
	drained := make(chan struct{})
	go func() {
		a.pipe.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	}

	err := a.pub.Close(ctx)
	if err != nil {
		logger.Warn(ctx, "sinks not fully drained", zap.Error(err))
	}
	stopDebug(ctx)
	a.closeAll()
	logger.Info(context.Background(), "shutdown complete")
	return nil
}

func (a *App) closeAll() {
	a.wsStop()
	a.hardStop()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn(context.Background(), "close", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) onHealthChange(s health.Snapshot, from health.Status) {
	a.exportHealth(s)
	fields := []zap.Field{
		zap.String("kind", string(s.Kind)),
		zap.String("name", s.Name),
		zap.Stringer("from", from),
		zap.Stringer("to", s.Status),
		zap.Uint32("consecutive_failures", s.ConsecutiveFailures),
	}
	if s.Status == health.Online {
		logger.Info(context.Background(), "component recovered", fields...)
		return
	}
	logger.Warn(context.Background(), "component degraded", append(fields, zap.String("last_error", s.LastError))...)
}

func (a *App) exportHealth(s health.Snapshot) {
	qmetrics.HealthStatus.WithLabelValues(string(s.Kind), s.Name).Set(float64(s.Status))
}

// Book, Monitor and Publisher expose the read side, mainly for tests and embedding.
func (a *App) Book() *aggregate.Book        { return a.book }
func (a *App) Monitor() *health.Monitor     { return a.mon }
func (a *App) Publisher() *fanout.Publisher { return a.pub }
func (a *App) Hub() *ws.Hub                 { return a.hub }
