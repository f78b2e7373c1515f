// fx-gateway is a stateless edge node: it relays quotes from NATS to websocket
// subscribers so push capacity scales apart from the aggregator.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fxpulse.com/internal/quotes/gateway"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/ws"
	"fxpulse.com/pkg/bootstrap"
	"fxpulse.com/pkg/logger"
)

const defaultPairs = "EUR/USD,GBP/USD,USD/TRY,EUR/TRY,GBP/TRY,USD/JPY"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Init("fx-gateway", getenv("LOG_LEVEL", "info"))
	defer logger.Sync()

	var pairs []model.Instrument
	allowed := make(map[string]bool)
	for _, s := range strings.Split(getenv("PAIRS", defaultPairs), ",") {
		inst, err := model.ParseInstrument(strings.TrimSpace(s))
		if err != nil {
			logger.Fatal(ctx, "bad pair in PAIRS", zap.String("pair", s), zap.Error(err))
		}
		pairs = append(pairs, inst)
		allowed[ws.TopicFor(inst)] = true
	}

	hub := ws.NewHub()
	hub.Allow = func(topic string) bool { return allowed[topic] }
	wss := ws.NewServer(ctx, hub)

	natsURL := getenv("NATS_URL", "nats://127.0.0.1:4222")
	broker, err := gateway.NewNatsBroker(natsURL, "fx-gateway")
	if err != nil {
		logger.Fatal(ctx, "connect nats", zap.String("url", natsURL), zap.Error(err))
	}
	defer broker.Close()

	gw := gateway.NewGateway(hub, broker)
	go func() {
		if err := gw.Run(ctx, pairs); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "gateway relay stopped", zap.Error(err))
			stop()
		}
	}()

	stopDebug := bootstrap.Start(bootstrap.Debug{PprofAddr: os.Getenv("PPROF_ADDR")})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wss.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())

	addr := getenv("WS_ADDR", ":8081")
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info(ctx, "fx-gateway listening", zap.String("addr", addr), zap.String("nats", natsURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "listen", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	stopDebug(shutdownCtx)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
