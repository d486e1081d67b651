// cmd/submit uploads a local image for an owner through the pipeline.
//
// Usage:
//
//	./submit -owner proj-1 -role PROJECT -input hero.jpg
//	./submit -owner proj-1 -role PROJECT_CAROUSEL -index 2 -mode async -input slide.png
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tendant/simple-derivatives/internal/asset"
	"github.com/tendant/simple-derivatives/internal/bus"
	"github.com/tendant/simple-derivatives/internal/config"
	"github.com/tendant/simple-derivatives/internal/logger"
	"github.com/tendant/simple-derivatives/internal/pipeline"
)

func main() {
	_ = godotenv.Load()

	input := flag.String("input", "", "Image file to submit (required)")
	owner := flag.String("owner", "", "Owning entity id (required)")
	roleName := flag.String("role", "PROJECT", "Role: PROJECT, PROJECT_CAROUSEL, ARTICLE or PROFILE")
	modeName := flag.String("mode", "sync", "sync or async")
	index := flag.Int("index", 0, "Position within a multi-image upload (0 = none)")
	contentType := flag.String("content-type", "", "Declared content type (default: from extension)")
	timeout := flag.Duration("timeout", time.Minute, "Overall timeout")
	flag.Parse()

	if *input == "" || *owner == "" {
		fmt.Fprintln(os.Stderr, "Error: -input and -owner are required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log, err := logger.New(cfg.App.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer log.Sync()

	role, err := asset.ParseRole(*roleName)
	if err != nil {
		fatal(log, "parse role", err)
	}
	mode, err := pipeline.ParseMode(*modeName)
	if err != nil {
		fatal(log, "parse mode", err)
	}
	data, err := os.ReadFile(*input)
	if err != nil {
		fatal(log, "read input", err, zap.String("input", *input))
	}

	if mode == pipeline.ModeAsync {
		if err := cfg.ValidateDistributed(); err != nil {
			fatal(log, "async submit", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, closeStore, err := asset.Open(ctx, cfg.Database.URL)
	if err != nil {
		fatal(log, "open asset store", err)
	}
	defer closeStore()

	var opts []pipeline.Option
	if mode == pipeline.ModeAsync {
		queue, err := bus.Open(cfg.Queue, log)
		if err != nil {
			fatal(log, "open queue", err)
		}
		defer queue.Close()
		opts = append(opts, pipeline.WithQueue(queue))
	}

	svc := pipeline.New(store, asset.AnyOwner, cfg.Storage, log, opts...)
	sub, err := svc.Submit(ctx, pipeline.UploadRequest{
		OwnerID:     *owner,
		Role:        role,
		Data:        data,
		Filename:    filepath.Base(*input),
		ContentType: declaredType(*contentType, *input, data),
		Index:       *index,
	}, mode)
	if err != nil {
		fatal(log, "submit", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if sub.Sync != nil {
		_ = enc.Encode(sub.Sync)
	} else {
		_ = enc.Encode(sub.Async)
	}
}

// declaredType mimics what a browser would send: the explicit flag, then the
// extension, then content sniffing.
func declaredType(flagValue, path string, data []byte) string {
	if flagValue != "" {
		return flagValue
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

func fatal(log *zap.Logger, msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	log.Error(msg, fields...)
	_ = log.Sync()
	os.Exit(1)
}
