// Package process turns processing requests into derivative files.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/tendant/simple-derivatives/internal/asset"
	"github.com/tendant/simple-derivatives/internal/config"
	"github.com/tendant/simple-derivatives/internal/img"
	"github.com/tendant/simple-derivatives/internal/retention"
	"github.com/tendant/simple-derivatives/internal/staging"
	"github.com/tendant/simple-derivatives/pkg/schema"
)

// Notifier receives a result event for every settled request.
type Notifier interface {
	Notify(ctx context.Context, ev schema.AssetProcessed) error
}

// ErrAlreadySettled is returned for a request whose asset is no longer
// PENDING, such as a queue redelivery after the first attempt finished.
var ErrAlreadySettled = errors.New("asset already settled")

// Result is what a successful Process call produced.
type Result struct {
	OptimizedURL     string
	ThumbnailURL     string
	OriginalRetained bool
}

type Worker struct {
	store     asset.Store
	cfg       config.Storage
	area      *staging.Area
	retention *retention.Manager
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Worker)

func WithNotifier(n Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

func NewWorker(store asset.Store, cfg config.Storage, logger *zap.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		store:     store,
		cfg:       cfg,
		area:      staging.New(cfg),
		retention: retention.New(cfg.KeepOriginals, logger),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process renders every derivative the request's role needs, commits them,
// settles the staged original and marks the asset READY. On any failure no
// derivative is left behind, the staged file is removed and the asset is
// marked FAILED.
func (w *Worker) Process(ctx context.Context, req schema.ProcessingRequest) (*Result, error) {
	job := NewJob(req)
	job.MarkRunning(w.now())
	log := w.logger.With(
		zap.String("event_id", req.EventID),
		zap.String("asset_id", req.AssetID),
		zap.String("role", req.Role),
	)
	a, err := w.store.GetAsset(ctx, req.AssetID)
	if errors.Is(err, asset.ErrNotFound) {
		log.Warn("asset deleted before processing, dropping request")
		if derr := retention.Discard(req.StagedPath); derr != nil {
			log.Warn("discard staged file failed", zap.Error(derr))
		}
		return nil, fmt.Errorf("process asset %s: %w", req.AssetID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load asset %s: %w", req.AssetID, err)
	}
	if a.Status != asset.StatusPending {
		log.Info("asset already settled, skipping", zap.String("status", string(a.Status)))
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadySettled, req.AssetID, a.Status)
	}

	log.Info("processing request", zap.String("staged", req.StagedPath))

	role, err := asset.ParseRole(req.Role)
	if err != nil {
		return nil, w.fail(ctx, job, log, nil, fmt.Errorf("%w: %v", img.ErrUnsupportedRole, err))
	}

	data, err := os.ReadFile(req.StagedPath)
	if err != nil {
		return nil, w.fail(ctx, job, log, nil, fmt.Errorf("read staged file: %w", err))
	}

	rendered, err := img.Render(ctx, data, role, w.cfg)
	if err != nil {
		return nil, w.fail(ctx, job, log, nil, err)
	}

	files, err := outputFiles(rendered, req.OptimizedPath, req.ThumbnailPath)
	if err != nil {
		return nil, w.fail(ctx, job, log, nil, err)
	}

	committed, err := img.Commit(files)
	if err != nil {
		return nil, w.fail(ctx, job, log, committed, fmt.Errorf("commit derivatives: %w", err))
	}

	retained, err := w.retention.Settle(req.StagedPath, req.OriginalPath)
	if err != nil {
		return nil, w.fail(ctx, job, log, committed, err)
	}

	res := &Result{
		OptimizedURL:     w.area.URL(req.OptimizedPath),
		ThumbnailURL:     w.area.URL(req.ThumbnailPath),
		OriginalRetained: retained,
	}
	err = w.store.UpdateAssetStatus(context.WithoutCancel(ctx), req.AssetID, asset.StatusUpdate{
		Status:           asset.StatusReady,
		OptimizedURL:     res.OptimizedURL,
		ThumbnailURL:     res.ThumbnailURL,
		OriginalRetained: retained,
	})
	if errors.Is(err, asset.ErrNotFound) {
		// Deleted while processing; its files must not outlive the record.
		log.Warn("asset deleted during processing, removing outputs")
		_ = img.RemoveAll(append(committed, req.OriginalPath)...)
		job.MarkFailed(w.now(), err, schema.FailureTypeIO)
		return nil, err
	}
	if err != nil {
		job.MarkFailed(w.now(), err, schema.FailureTypeIO)
		log.Error("update asset status failed", zap.Error(err))
		return nil, fmt.Errorf("update asset %s: %w", req.AssetID, err)
	}

	job.MarkSucceeded(w.now())
	log.Info("request completed",
		zap.Int("source_width", rendered.SourceWidth),
		zap.Int("source_height", rendered.SourceHeight),
		zap.Bool("original_retained", retained),
		zap.Duration("elapsed", job.Duration()),
	)
	w.notify(ctx, job, res, log)
	return res, nil
}

func (w *Worker) fail(ctx context.Context, job *Job, log *zap.Logger, committed []string, cause error) error {
	ft := Classify(cause)
	job.MarkFailed(w.now(), cause, ft)
	log.Error("request failed", zap.String("failure_type", string(ft)), zap.Error(cause))

	if err := img.RemoveAll(committed...); err != nil {
		log.Warn("remove partial derivatives failed", zap.Error(err))
	}
	if err := retention.Discard(job.Request.StagedPath); err != nil {
		log.Warn("discard staged file failed", zap.Error(err))
	}

	err := w.store.UpdateAssetStatus(context.WithoutCancel(ctx), job.Request.AssetID, asset.StatusUpdate{
		Status: asset.StatusFailed,
		Error:  cause.Error(),
	})
	if err != nil && !errors.Is(err, asset.ErrNotFound) {
		log.Error("mark asset failed", zap.Error(err))
	}

	w.notify(ctx, job, nil, log)
	return fmt.Errorf("process asset %s: %w", job.Request.AssetID, cause)
}

func (w *Worker) notify(ctx context.Context, job *Job, res *Result, log *zap.Logger) {
	if w.notifier == nil {
		return
	}
	req := job.Request
	ev := schema.AssetProcessed{
		EventID:          req.EventID,
		AssetID:          req.AssetID,
		OwnerID:          req.OwnerID,
		Role:             req.Role,
		Status:           string(asset.StatusFailed),
		ProcessingTimeMs: job.Duration().Milliseconds(),
		Error:            job.Error,
		FailureType:      job.FailureType,
		HappenedAt:       w.now().Unix(),
	}
	if res != nil {
		ev.Status = string(asset.StatusReady)
		ev.OptimizedURL = res.OptimizedURL
		ev.ThumbnailURL = res.ThumbnailURL
		ev.OriginalRetained = res.OriginalRetained
	}
	if err := w.notifier.Notify(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn("publish result event failed", zap.Error(err))
	}
}

// outputFiles pairs rendered derivatives with their destinations.
func outputFiles(r *img.Rendered, optimizedPath, thumbnailPath string) ([]img.File, error) {
	opt, ok := r.Get(img.VariantOptimized)
	if !ok {
		return nil, fmt.Errorf("recipe produced no optimized image")
	}
	files := []img.File{{Path: optimizedPath, Data: opt.Data}}

	if thumb, ok := r.Get(img.VariantThumbnail); ok {
		if thumbnailPath == "" {
			return nil, fmt.Errorf("role requires a thumbnail but no thumbnail path was given")
		}
		files = append(files, img.File{Path: thumbnailPath, Data: thumb.Data})
	}
	return files, nil
}

// Classify maps a processing error to the failure type reported on events.
func Classify(err error) schema.FailureType {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return schema.FailureTypeTimeout
	case errors.Is(err, img.ErrDecode), errors.Is(err, img.ErrUnsupportedRole):
		return schema.FailureTypeDecode
	default:
		return schema.FailureTypeIO
	}
}
