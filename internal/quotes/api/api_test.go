package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxpulse.com/internal/quotes/aggregate"
	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/health"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/storage/pgsink"
	"fxpulse.com/internal/quotes/ws"
	"fxpulse.com/pkg/xerr"
)

var (
	eurusd = model.MustInstrument("EUR/USD")
	usdjpy = model.MustInstrument("USD/JPY")
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fakeTicks struct {
	rows      []pgsink.QuoteTick
	err       error
	gotPage   int
	gotLimit  int
	gotSymbol string
}

func (f *fakeTicks) Recent(_ context.Context, inst model.Instrument, page, limit int) ([]pgsink.QuoteTick, error) {
	f.gotPage, f.gotLimit, f.gotSymbol = page, limit, inst.String()
	return f.rows, f.err
}

type fakeResync struct{ names []string }

func (f *fakeResync) Resync(name string) error {
	if name != "redis" {
		return fanout.ErrUnknownSink
	}
	f.names = append(f.names, name)
	return nil
}

type fixture struct {
	router *gin.Engine
	book   *aggregate.Book
	mon    *health.Monitor
	ticks  *fakeTicks
	resync *fakeResync
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		book:   aggregate.NewBook(50, []model.Instrument{eurusd, usdjpy}),
		mon:    health.NewMonitor(health.Config{}),
		ticks:  &fakeTicks{},
		resync: &fakeResync{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.router = NewRouter(ctx, Config{RPS: 1000, Burst: 1000}, Deps{
		Quotes: f.book,
		Health: f.mon,
		Ticks:  f.ticks,
		Resync: f.resync,
	})
	return f
}

func (f *fixture) apply(t *testing.T, bid, ask string, seq uint64) {
	t.Helper()
	b, _ := model.ParseFixed(bid)
	a, _ := model.ParseFixed(ask)
	_, err := f.book.Apply(model.Quote{
		Instrument: eurusd, Bid: b, Ask: a, Volume: 1000 * model.Scale,
		TsUnixMs: 1_700_000_000_000 + int64(seq), Seq: seq, Source: "tcp",
	})
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestQuotes_ListAndGet(t *testing.T) {
	f := newFixture(t)
	f.apply(t, "1.08450", "1.08470", 1)
	f.apply(t, "1.08460", "1.08480", 2)

	w, env := f.do(t, http.MethodGet, "/api/v1/quotes")
	require.Equal(t, http.StatusOK, w.Code)
	var list []ws.QuoteDTO
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1, "USD/JPY has no quote yet")
	assert.Equal(t, "EUR/USD", list[0].Pair)

	w, env = f.do(t, http.MethodGet, "/api/v1/quotes/eur/usd")
	require.Equal(t, http.StatusOK, w.Code)
	var q ws.QuoteDTO
	require.NoError(t, json.Unmarshal(env.Data, &q))
	assert.Equal(t, "1.0846", q.Bid)
	assert.Equal(t, "0.0001", q.ChangeAbs)
	assert.Equal(t, uint64(2), q.Seq)
	assert.Equal(t, 2, q.WindowLen)
}

func TestQuotes_Errors(t *testing.T) {
	f := newFixture(t)

	w, env := f.do(t, http.MethodGet, "/api/v1/quotes/USD/JPY")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, xerr.NoQuoteYet, env.Code)

	w, env = f.do(t, http.MethodGet, "/api/v1/quotes/GBP/CHF")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, xerr.UnknownInstrument, env.Code)

	w, env = f.do(t, http.MethodGet, "/api/v1/quotes/E1R/USD")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, xerr.RequestParamsError, env.Code)
}

func TestWindow_OldestFirst(t *testing.T) {
	f := newFixture(t)
	for i := uint64(1); i <= 3; i++ {
		f.apply(t, "1.0845", "1.0847", i)
	}
	w, env := f.do(t, http.MethodGet, "/api/v1/quotes/EUR/USD/window")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Pair     string        `json:"pair"`
		Capacity int           `json:"capacity"`
		Points   []WindowPoint `json:"points"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, 50, body.Capacity)
	require.Len(t, body.Points, 3)
	assert.Equal(t, uint64(1), body.Points[0].Seq)
	assert.Equal(t, "1000", body.Points[2].Volume)
}

func TestTicks_PagingAndStoreErrors(t *testing.T) {
	f := newFixture(t)
	f.ticks.rows = []pgsink.QuoteTick{{
		Instrument: "EUR/USD", Source: "tcp", Seq: 9, TsUnixMs: 1_700_000_000_009,
		Bid: decimal.RequireFromString("1.0846"), Ask: decimal.RequireFromString("1.0848"), Volume: decimal.Zero,
	}}

	w, env := f.do(t, http.MethodGet, "/api/v1/quotes/EUR/USD/ticks?page=2&limit=10")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, f.ticks.gotPage)
	assert.Equal(t, 10, f.ticks.gotLimit)
	assert.Equal(t, "EUR/USD", f.ticks.gotSymbol)
	assert.True(t, strings.Contains(string(env.Data), `"bid":"1.0846"`), string(env.Data))

	w, _ = f.do(t, http.MethodGet, "/api/v1/quotes/EUR/USD/ticks?page=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.ticks.err = errors.New("connection reset")
	w, env = f.do(t, http.MethodGet, "/api/v1/quotes/EUR/USD/ticks")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, xerr.StoreError, env.Code)
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t)
	tcp := f.mon.Provider("tcp", time.Second)
	tcp.SetActive([]string{"EUR/USD", "GBP/USD"})
	tcp.Success(3)
	f.mon.Sink("redis").Unavailable(errors.New("dial tcp: refused"))

	w, env := f.do(t, http.MethodGet, "/api/v1/health")
	require.Equal(t, http.StatusOK, w.Code)
	var snaps []health.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, "tcp", snaps[0].Name)
	assert.Equal(t, health.Warning, snaps[1].Status)

	w, env = f.do(t, http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats []ProviderStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	require.Len(t, stats, 1, "sinks are not providers")
	assert.Equal(t, "tcp", stats[0].Name)
	assert.Equal(t, uint64(3), stats[0].Total)
	assert.Equal(t, "online", stats[0].Status)
	assert.ElementsMatch(t, []string{"EUR/USD", "GBP/USD"}, stats[0].ActivePairs)
	assert.NotZero(t, stats[0].LastSuccessMs)
}

func TestResync(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodPost, "/api/v1/sinks/redis/resync")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"redis"}, f.resync.names)

	w, env := f.do(t, http.MethodPost, "/api/v1/sinks/kafka/resync")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, xerr.UnknownSink, env.Code)
}

func TestRouter_MetricsAndRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRouter(ctx, Config{MetricsPath: "/metrics"}, Deps{
		Quotes: aggregate.NewBook(0, []model.Instrument{eurusd}),
		Health: health.NewMonitor(health.Config{}),
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fxpulse_requests_total")
}
