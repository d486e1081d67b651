// Package reprocess regenerates derivatives from retained originals after
// size or quality settings change.
package reprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-derivatives/internal/asset"
	"github.com/tendant/simple-derivatives/internal/config"
	"github.com/tendant/simple-derivatives/internal/img"
)

type Options struct {
	// DryRun counts what would be regenerated without rendering or writing.
	DryRun bool
	// Concurrency overrides the reprocessor default when positive.
	Concurrency int
	// OwnerID limits the run to one owner when set.
	OwnerID string
}

type Failure struct {
	AssetID string
	Reason  string
}

type Summary struct {
	Processed int
	Skipped   int
	Failed    int
	Failures  []Failure
	DryRun    bool
}

type Reprocessor struct {
	store       asset.Store
	cfg         config.Storage
	logger      *zap.Logger
	concurrency int
}

func New(store asset.Store, cfg config.Storage, logger *zap.Logger, concurrency int) *Reprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Reprocessor{store: store, cfg: cfg, logger: logger, concurrency: concurrency}
}

type outcome int

const (
	processed outcome = iota
	skipped
	failed
)

// Run snapshots READY assets with a retained original and overwrites their
// derivatives in place. Item failures are counted and reported; only a
// failure to take the snapshot aborts the run. Asset status is never changed.
func (r *Reprocessor) Run(ctx context.Context, opts Options) (Summary, error) {
	assets, err := r.store.ListAssets(ctx, asset.ListFilter{
		Status:       asset.StatusReady,
		RetainedOnly: true,
		OwnerID:      opts.OwnerID,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("list assets: %w", err)
	}

	limit := r.concurrency
	if opts.Concurrency > 0 {
		limit = opts.Concurrency
	}
	r.logger.Info("reprocess started",
		zap.Int("assets", len(assets)),
		zap.Int("concurrency", limit),
		zap.Bool("dry_run", opts.DryRun),
		zap.String("owner_id", opts.OwnerID),
	)

	var (
		mu      sync.Mutex
		summary = Summary{DryRun: opts.DryRun}
	)
	record := func(id string, o outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case processed:
			summary.Processed++
		case skipped:
			summary.Skipped++
		case failed:
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{AssetID: id, Reason: err.Error()})
		}
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i := range assets {
		a := assets[i]
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o, err := r.one(ctx, &a, opts.DryRun)
			if err != nil {
				r.logger.Warn("reprocess item failed", zap.String("asset_id", a.ID), zap.Error(err))
			}
			record(a.ID, o, err)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(summary.Failures, func(i, j int) bool {
		return summary.Failures[i].AssetID < summary.Failures[j].AssetID
	})
	r.logger.Info("reprocess finished",
		zap.Int("processed", summary.Processed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (r *Reprocessor) one(ctx context.Context, a *asset.ImageAsset, dryRun bool) (outcome, error) {
	if !a.OriginalRetained || a.OriginalPath == "" {
		return skipped, nil
	}
	if _, err := os.Stat(a.OriginalPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return failed, fmt.Errorf("retained original missing: %s", filepath.Base(a.OriginalPath))
		}
		return failed, err
	}

	recipe, err := img.Lookup(a.Role)
	if err != nil {
		return failed, err
	}
	if ext := r.cfg.OutputExt(); filepath.Ext(a.OptimizedPath) != ext {
		return failed, fmt.Errorf("recorded derivative %s does not match output format %s", filepath.Base(a.OptimizedPath), ext)
	}
	if recipe.HasThumbnail() && a.ThumbnailPath == "" {
		return failed, fmt.Errorf("asset has no thumbnail path")
	}
	if dryRun {
		return processed, nil
	}

	data, err := os.ReadFile(a.OriginalPath)
	if err != nil {
		return failed, fmt.Errorf("read original: %w", err)
	}
	rendered, err := img.Render(ctx, data, a.Role, r.cfg)
	if err != nil {
		return failed, err
	}

	files := make([]img.File, 0, len(rendered.Outputs))
	for _, out := range rendered.Outputs {
		path := a.OptimizedPath
		if out.Variant == img.VariantThumbnail {
			path = a.ThumbnailPath
		}
		files = append(files, img.File{Path: path, Data: out.Data})
	}
	committed, err := img.Commit(files)
	if err != nil {
		return failed, fmt.Errorf("overwrite derivatives: %w", err)
	}

	// Deleted while rendering; the files just written belong to nobody.
	if _, err := r.store.GetAsset(context.WithoutCancel(ctx), a.ID); errors.Is(err, asset.ErrNotFound) {
		r.logger.Info("asset deleted during reprocess, removing outputs", zap.String("asset_id", a.ID))
		if err := img.RemoveAll(committed...); err != nil {
			return failed, fmt.Errorf("remove orphaned derivatives: %w", err)
		}
		return skipped, nil
	}
	return processed, nil
}
