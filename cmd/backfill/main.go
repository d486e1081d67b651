// cmd/backfill/main.go
//
// backfill regenerates derivatives from retained originals under the current
// size and quality settings. It defaults to a dry run; pass -execute to write.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tendant/simple-derivatives/internal/asset"
	"github.com/tendant/simple-derivatives/internal/config"
	"github.com/tendant/simple-derivatives/internal/logger"
	"github.com/tendant/simple-derivatives/internal/reprocess"
)

type flags struct {
	Execute     bool
	Concurrency int
	OwnerID     string
}

func parseFlags(args []string, defaultConcurrency int) (flags, error) {
	f := flags{}
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	fs.BoolVar(&f.Execute, "execute", false, "Actually rewrite derivatives (default is a dry run)")
	fs.IntVar(&f.Concurrency, "concurrency", defaultConcurrency, "Number of assets processed in parallel")
	fs.StringVar(&f.OwnerID, "owner-id", "", "Only reprocess assets of this owner (empty = all owners)")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.Concurrency < 1 {
		return f, fmt.Errorf("-concurrency must be at least 1 (got %d)", f.Concurrency)
	}
	return f, nil
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log, err := logger.New(cfg.App.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer log.Sync()

	f, err := parseFlags(os.Args[1:], cfg.Worker.ReprocessConcurrency)
	if err != nil {
		os.Exit(2)
	}

	log.Info("backfill starting",
		zap.Bool("dry_run", !f.Execute),
		zap.Int("concurrency", f.Concurrency),
		zap.String("owner_id", f.OwnerID),
		zap.Int("max_optimized_width", cfg.Storage.MaxOptimizedWidth),
		zap.Int("optimize_quality", cfg.Storage.OptimizeQuality),
		zap.Int("thumbnail_size", cfg.Storage.ThumbnailSize),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := asset.Open(ctx, cfg.Database.URL)
	if err != nil {
		fatal(log, "open asset store", err)
	}
	defer closeStore()

	summary, err := reprocess.New(store, cfg.Storage, log, f.Concurrency).Run(ctx, reprocess.Options{
		DryRun:      !f.Execute,
		Concurrency: f.Concurrency,
		OwnerID:     f.OwnerID,
	})
	if err != nil {
		fatal(log, "reprocess", err)
	}

	printSummary(os.Stdout, summary)
	if summary.Failed > 0 {
		closeStore()
		_ = log.Sync()
		os.Exit(1)
	}
}

func printSummary(w io.Writer, s reprocess.Summary) {
	mode := "executed"
	if s.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(w, "backfill %s: processed=%d skipped=%d failed=%d\n", mode, s.Processed, s.Skipped, s.Failed)
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  failed %s: %s\n", f.AssetID, f.Reason)
	}
}

func fatal(log *zap.Logger, msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	log.Error(msg, fields...)
	_ = log.Sync()
	os.Exit(1)
}
