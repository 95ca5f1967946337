package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/KyberNetwork/ido-gas-estimation/pkg/config"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/data"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/logger"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/pipeline"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/types"
	"github.com/KyberNetwork/ido-gas-estimation/pkg/utils"
)

// export_records_csv downloads the transactions of the configured contracts (or of -addresses)
// into <out>/<address>.csv so a later run can replay them with the csv provider.
func main() {
	var (
		configPath = flag.String("config", "config.toml", "path to the TOML configuration")
		addresses  = flag.String("addresses", "", "comma separated addresses, defaults to every configured contract")
		fromBlock  = flag.Uint64("from", 0, "first block, with -addresses")
		toBlock    = flag.Uint64("to", types.OpenEndBlock, "last block, with -addresses")
		out        = flag.String("out", "", "output directory, defaults to ledger.csv_dir")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if cfg.Ledger.Provider == config.ProviderCSV {
		panic("export needs a remote ledger provider, not csv")
	}
	if *out == "" {
		*out = cfg.Ledger.CSVDir
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		panic(err)
	}
	l, err := logger.New(logger.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := rate.NewLimiter(rate.Every(cfg.Scheduler.Interval), 1)
	fetcher, closeFetcher, err := pipeline.NewFetcher(ctx, cfg, limiter, l)
	if err != nil {
		panic(err)
	}
	defer closeFetcher()

	targets := make(map[common.Address]types.BlockRange)
	if *addresses != "" {
		addrs, err := utils.ParseAddresses(strings.Split(*addresses, ","))
		if err != nil {
			panic(err)
		}
		for _, a := range addrs {
			targets[a] = types.BlockRange{From: *fromBlock, To: *toBlock}
		}
	} else {
		for _, p := range cfg.Programs {
			for _, pass := range p.Passes {
				if pass.Targets != config.TargetsContracts {
					continue
				}
				addrs, err := utils.ParseAddresses(pass.Contracts)
				if err != nil {
					panic(err)
				}
				blocks := types.BlockRange{From: pass.FromBlock, To: pass.ToBlock}
				for _, a := range addrs {
					if cur, ok := targets[a]; ok {
						targets[a] = widen(cur, blocks)
						continue
					}
					targets[a] = blocks
				}
			}
		}
	}

	for addr, blocks := range targets {
		if err := limiter.Wait(ctx); err != nil {
			panic(err)
		}
		res, err := fetcher.FetchTransactions(ctx, addr, blocks)
		if err != nil {
			l.Errorw("could not fetch transactions", "address", addr.Hex(), "error", err)
			continue
		}
		path := data.RecordsFile(*out, addr)
		if err := data.WriteRecordsToCSV(path, res.Records); err != nil {
			panic(err)
		}
		l.Infow("exported records", "address", addr.Hex(), "records", len(res.Records), "rejected", res.Rejected, "path", path)
	}
}

// widen returns the smallest range covering both cur and next.
func widen(cur, next types.BlockRange) types.BlockRange {
	if next.From < cur.From {
		cur.From = next.From
	}
	if next.To > cur.To {
		cur.To = next.To
	}
	return cur
}
