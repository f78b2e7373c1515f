// Package api is the read side of the engine for dashboards and operators.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"fxpulse.com/pkg/middleware"
	"fxpulse.com/pkg/ratelimit"
)

type Config struct {
	Addr string `mapstructure:"addr"`
	// RPS and Burst bound each client IP per route.
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
	// AllowOrigins empty means any origin.
	AllowOrigins []string `mapstructure:"allow_origins"`
	// MetricsPath is served on the API listener; empty disables it.
	MetricsPath string `mapstructure:"metrics_path"`
}

// Deps are the read models the handlers serve from. Ticks and Resync may be nil.
type Deps struct {
	Quotes QuoteReader
	Health HealthReader
	Ticks  TickReader
	Resync Resyncer
	// WS serves /ws when set.
	WS http.HandlerFunc
}

// NewRouter builds the gin engine. ctx bounds the rate limiter janitor.
func NewRouter(ctx context.Context, cfg Config, d Deps) *gin.Engine {
	if cfg.RPS <= 0 {
		cfg.RPS = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	store := ratelimit.NewStore(rate.Limit(cfg.RPS), cfg.Burst, 10*time.Minute)
	store.StartJanitor(ctx, time.Minute)

	r := gin.New()
	if cfg.MetricsPath != "" {
		p := ginprom.NewPrometheus("fxpulse")
		p.MetricsPath = cfg.MetricsPath
		p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
			if fp := c.FullPath(); fp != "" {
				return fp
			}
			return "unmatched"
		}
		p.Use(r)
	}

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	r.Use(
		otelgin.Middleware("fxpulse-api"),
		middleware.ReqId(),
		cors.New(corsCfg),
		middleware.Recover(),
	)

	h := &Handler{d: d, now: time.Now}
	if d.WS != nil {
		// long-lived: not rate limited per request
		r.GET("/ws", gin.WrapF(d.WS))
	}

	v1 := r.Group("/api/v1", middleware.RateLimit(store))
	{
		v1.GET("/quotes", h.ListQuotes)
		v1.GET("/quotes/:base/:quote", h.GetQuote)
		v1.GET("/quotes/:base/:quote/window", h.GetWindow)
		v1.GET("/quotes/:base/:quote/ticks", h.GetTicks)
		v1.GET("/health", h.GetHealth)
		v1.GET("/stats", h.GetStats)
		v1.POST("/sinks/:name/resync", h.ResyncSink)
	}
	return r
}

func NewServer(cfg Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}
