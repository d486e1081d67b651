// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tendant/simple-derivatives/internal/asset"
	"github.com/tendant/simple-derivatives/internal/bus"
	"github.com/tendant/simple-derivatives/internal/config"
	"github.com/tendant/simple-derivatives/internal/logger"
	"github.com/tendant/simple-derivatives/internal/pipeline"
	"github.com/tendant/simple-derivatives/internal/process"
	"github.com/tendant/simple-derivatives/internal/reprocess"
)

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

	log.Info("worker starting",
		zap.String("queue_driver", cfg.Queue.Driver),
		zap.String("upload_dir", cfg.Storage.UploadDir),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_optimized_width", cfg.Storage.MaxOptimizedWidth),
		zap.Int("thumbnail_size", cfg.Storage.ThumbnailSize),
		zap.Bool("keep_originals", cfg.Storage.KeepOriginals),
		zap.String("output_format", cfg.Storage.OutputFormat),
	)

	if err := cfg.ValidateDistributed(); err != nil {
		fatal(log, "invalid worker configuration", err)
	}

	if err := os.MkdirAll(cfg.Storage.UploadDir, 0o755); err != nil {
		fatal(log, "ensure upload directory", err, zap.String("upload_dir", cfg.Storage.UploadDir))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := asset.Open(ctx, cfg.Database.URL)
	if err != nil {
		fatal(log, "open asset store", err)
	}
	defer closeStore()

	queue, err := bus.Open(cfg.Queue, log)
	if err != nil {
		fatal(log, "open queue", err, zap.String("driver", cfg.Queue.Driver))
	}
	defer queue.Close()

	var opts []process.Option
	if cfg.Queue.ResultSubject != "" && cfg.Queue.Driver == "nats" {
		nc, err := bus.Connect(cfg.Queue.NATSURL)
		if err != nil {
			fatal(log, "connect to NATS", err, zap.String("nats_url", cfg.Queue.NATSURL))
		}
		defer nc.Close()
		opts = append(opts, process.WithNotifier(bus.NewResultPublisher(nc, cfg.Queue.ResultSubject)))
		log.Info("publishing result events", zap.String("subject", cfg.Queue.ResultSubject))
	}
	worker := process.NewWorker(store, cfg.Storage, log, opts...)

	if cfg.Worker.ReprocessSchedule != "" {
		svc := pipeline.New(store, asset.AnyOwner, cfg.Storage, log,
			pipeline.WithWorker(worker),
			pipeline.WithReprocessConcurrency(cfg.Worker.ReprocessConcurrency),
		)
		c, err := scheduleReprocess(ctx, svc, cfg.Worker.ReprocessSchedule, log)
		if err != nil {
			fatal(log, "schedule reprocess", err, zap.String("schedule", cfg.Worker.ReprocessSchedule))
		}
		defer func() { <-c.Stop().Done() }()
	}

	pool := process.NewPool(queue, worker, cfg.Worker.Concurrency, log)
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(log, "worker pool stopped", err)
	}
	log.Info("worker stopped")
}

// scheduleReprocess runs ReprocessAll on the cron schedule. Runs never overlap.
func scheduleReprocess(ctx context.Context, svc *pipeline.Service, schedule string, log *zap.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		summary, err := svc.Reprocess(ctx, reprocess.Options{})
		if err != nil {
			log.Error("scheduled reprocess failed", zap.Error(err))
			return
		}
		log.Info("scheduled reprocess finished",
			zap.Int("processed", summary.Processed),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed", summary.Failed),
		)
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	log.Info("reprocess scheduled", zap.String("schedule", schedule))
	return c, nil
}

func fatal(log *zap.Logger, msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	log.Error(msg, fields...)
	_ = log.Sync()
	os.Exit(1)
}
