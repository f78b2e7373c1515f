package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fxpulse.com/internal/quotes/app"
	"fxpulse.com/pkg/config"
	"fxpulse.com/pkg/logger"
)

func main() {
	name := flag.String("f", "fx-aggregator", "config name under ./config, or a path to a .yaml file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg app.Config
	if _, err := config.LoadAndWatch(*name, &cfg, func(v *viper.Viper) error {
		// only the log level is applied live; everything else needs a restart.
		// cfg is shared with running components, so decode into a fresh value.
		var fresh app.Config
		if err := v.Unmarshal(&fresh); err != nil {
			return err
		}
		logger.SetLevel(fresh.Log.Level)
		return nil
	}); err != nil {
		log.Fatalf("load config: %v", err)
	}

	service := cfg.Name
	if service == "" {
		service = "fx-aggregator"
	}
	logger.InitWithFile(service, cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal(ctx, "startup failed", zap.Error(err))
	}
	if err := a.Run(ctx); err != nil {
		logger.Error(ctx, "fx-aggregator stopped with error", zap.Error(err))
		os.Exit(1)
	}
}
