package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"fxpulse.com/internal/quotes/aggregate"
	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/health"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/storage/pgsink"
	"fxpulse.com/internal/quotes/ws"
	"fxpulse.com/pkg/common"
	"fxpulse.com/pkg/xerr"
)

type QuoteReader interface {
	Snapshot(inst model.Instrument) (aggregate.State, bool)
	All() []aggregate.State
}

type HealthReader interface {
	Snapshot() []health.Snapshot
}

type TickReader interface {
	Recent(ctx context.Context, inst model.Instrument, page, limit int) ([]pgsink.QuoteTick, error)
}

type Resyncer interface {
	Resync(name string) error
}

type Handler struct {
	d   Deps
	now func() time.Time
}

// WindowPoint is one entry of an instrument's price history.
type WindowPoint struct {
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Volume string `json:"volume"`
	TsMs   int64  `json:"tsMs"`
	Seq    uint64 `json:"seq"`
	Source string `json:"source"`
}

type TickDTO struct {
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Volume string `json:"volume"`
	TsMs   int64  `json:"tsMs"`
	Seq    int64  `json:"seq"`
	Source string `json:"source"`
}

// ProviderStats mirrors the provider panel: rate, totals, uptime and active pairs.
type ProviderStats struct {
	Name          string   `json:"name"`
	Status        string   `json:"status"`
	Throughput    float64  `json:"throughput"`
	Total         uint64   `json:"total"`
	Malformed     uint64   `json:"malformed"`
	Failures      uint64   `json:"failures"`
	UptimeSec     int64    `json:"uptimeSec"`
	LastSuccessMs int64    `json:"lastSuccessMs,omitempty"`
	ActivePairs   []string `json:"activePairs"`
}

func (h *Handler) ListQuotes(c *gin.Context) {
	states := h.d.Quotes.All()
	out := make([]ws.QuoteDTO, 0, len(states))
	for _, st := range states {
		if st.Empty() {
			continue
		}
		out = append(out, ws.ToDTO(fanout.Update{State: st, Quote: st.Latest, Snapshot: true}))
	}
	common.Success(c, out)
}

func (h *Handler) GetQuote(c *gin.Context) {
	st, ok := h.state(c)
	if !ok {
		return
	}
	common.Success(c, ws.ToDTO(fanout.Update{State: st, Quote: st.Latest, Snapshot: true}))
}

func (h *Handler) GetWindow(c *gin.Context) {
	st, ok := h.state(c)
	if !ok {
		return
	}
	out := make([]WindowPoint, 0, len(st.Window))
	for _, q := range st.Window {
		out = append(out, WindowPoint{
			Bid:    model.FormatFixed(q.Bid),
			Ask:    model.FormatFixed(q.Ask),
			Volume: model.FormatFixed(q.Volume),
			TsMs:   q.TsUnixMs,
			Seq:    q.Seq,
			Source: q.Source,
		})
	}
	common.Success(c, gin.H{"pair": st.Instrument.String(), "capacity": st.Capacity, "points": out})
}

func (h *Handler) GetTicks(c *gin.Context) {
	inst, ok := h.instrument(c)
	if !ok {
		return
	}
	if h.d.Ticks == nil {
		common.FailErr(c, xerr.New(xerr.RecordNotFound, "tick history is not enabled"))
		return
	}
	page, err1 := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, err2 := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err1 != nil || err2 != nil || page < 1 || limit < 1 {
		common.FailErr(c, xerr.NewErrCode(xerr.RequestParamsError))
		return
	}
	rows, err := h.d.Ticks.Recent(c.Request.Context(), inst, page, limit)
	if err != nil {
		common.FailErr(c, errors.Join(xerr.NewErrCode(xerr.StoreError), err))
		return
	}
	out := make([]TickDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, TickDTO{
			Bid:    r.Bid.String(),
			Ask:    r.Ask.String(),
			Volume: r.Volume.String(),
			TsMs:   r.TsUnixMs,
			Seq:    r.Seq,
			Source: r.Source,
		})
	}
	common.Success(c, gin.H{"pair": inst.String(), "page": page, "limit": limit, "ticks": out})
}

func (h *Handler) GetHealth(c *gin.Context) {
	common.Success(c, h.d.Health.Snapshot())
}

func (h *Handler) GetStats(c *gin.Context) {
	now := h.now()
	var out []ProviderStats
	for _, s := range h.d.Health.Snapshot() {
		if s.Kind != health.KindProvider {
			continue
		}
		ps := ProviderStats{
			Name:        s.Name,
			Status:      s.Status.String(),
			Throughput:  s.ThroughputEMA,
			Total:       s.Total,
			Malformed:   s.Malformed,
			Failures:    s.Failures,
			UptimeSec:   int64(s.Uptime(now) / time.Second),
			ActivePairs: s.ActiveInstruments,
		}
		if ps.ActivePairs == nil {
			ps.ActivePairs = []string{}
		}
		if !s.LastSuccess.IsZero() {
			ps.LastSuccessMs = s.LastSuccess.UnixMilli()
		}
		out = append(out, ps)
	}
	if out == nil {
		out = []ProviderStats{}
	}
	common.Success(c, out)
}

func (h *Handler) ResyncSink(c *gin.Context) {
	name := c.Param("name")
	if h.d.Resync == nil {
		common.FailErr(c, xerr.NewErrCode(xerr.UnknownSink))
		return
	}
	if err := h.d.Resync.Resync(name); err != nil {
		if errors.Is(err, fanout.ErrUnknownSink) {
			common.FailErr(c, xerr.NewErrCode(xerr.UnknownSink))
			return
		}
		common.FailErr(c, err)
		return
	}
	common.Success(c, gin.H{"sink": name, "resync": "queued"})
}

func (h *Handler) instrument(c *gin.Context) (model.Instrument, bool) {
	inst, err := model.ParseInstrument(c.Param("base") + "/" + c.Param("quote"))
	if err != nil {
		common.FailErr(c, xerr.NewErrCode(xerr.RequestParamsError))
		return model.Instrument{}, false
	}
	return inst, true
}

func (h *Handler) state(c *gin.Context) (aggregate.State, bool) {
	inst, ok := h.instrument(c)
	if !ok {
		return aggregate.State{}, false
	}
	st, ok := h.d.Quotes.Snapshot(inst)
	if !ok {
		common.FailErr(c, xerr.NewErrCode(xerr.UnknownInstrument))
		return aggregate.State{}, false
	}
	if st.Empty() {
		common.FailErr(c, xerr.NewErrCode(xerr.NoQuoteYet))
		return aggregate.State{}, false
	}
	return st, true
}
