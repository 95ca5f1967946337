package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/config"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/logger"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/pipeline"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/stats"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	l, err := logger.New(logger.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	if err != nil {
		panic(err)
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Errorw("estimation failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, l *zap.SugaredLogger) error {
	// one token per interval, shared by every program and pass
	limiter := rate.NewLimiter(rate.Every(cfg.Scheduler.Interval), 1)

	fetcher, closeFetcher, err := pipeline.NewFetcher(ctx, cfg, limiter, l)
	if err != nil {
		return err
	}
	defer closeFetcher()

	saver, closeSaver, err := pipeline.NewSaver(cfg)
	if err != nil {
		return err
	}
	defer closeSaver()

	programs, err := pipeline.ProgramsFromConfig(cfg)
	if err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(pipeline.Opts{
		Fetcher:    fetcher,
		Limiter:    limiter,
		Grace:      cfg.Scheduler.Grace,
		Saver:      saver,
		Stats:      stats.New(),
		CSVReports: cfg.Output.CSV,
		Logger:     l,
	})
	if err != nil {
		return err
	}

	l.Infow("starting estimation", "programs", len(programs), "provider", cfg.Ledger.Provider, "interval", cfg.Scheduler.Interval)
	results, err := runner.Run(ctx, programs)
	if err != nil {
		return err
	}
	for _, res := range results {
		l.Infow("program estimated", "program", res.Name, "participants", res.Participants.Len())
	}
	if cfg.Output.MetricsKey != "" {
		runner.SaveMetrics(ctx, cfg.Output.MetricsKey)
	}
	return nil
}
