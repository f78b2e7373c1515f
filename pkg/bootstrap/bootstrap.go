package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fxpulse.com/pkg/logger"
)

// Debug configures the side listeners every service may expose.
type Debug struct {
	PprofAddr   string `mapstructure:"pprof_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Start launches the configured side listeners and returns a func that shuts them down.
func Start(d Debug) func(ctx context.Context) {
	var servers []*http.Server
	if d.PprofAddr != "" {
		servers = append(servers, serve("pprof", d.PprofAddr, pprofMux()))
	}
	if d.MetricsAddr != "" {
		servers = append(servers, serve("metrics", d.MetricsAddr, metricsMux()))
	}
	return func(ctx context.Context) {
		for _, srv := range servers {
			_ = srv.Shutdown(ctx)
		}
	}
}

func pprofMux() *http.ServeMux {
	runtime.SetMutexProfileFraction(10)
	runtime.SetBlockProfileRate(10000)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func serve(name, addr string, h http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		logger.Info(context.Background(), name+" listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), name+" listen error", zap.Error(err))
		}
	}()
	return srv
}
