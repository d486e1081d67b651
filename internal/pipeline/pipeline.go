// Package pipeline is the entry point callers use to submit uploads, look up
// and delete assets, and regenerate derivatives.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tendant/simple-derivatives/internal/asset"
	"github.com/tendant/simple-derivatives/internal/bus"
	"github.com/tendant/simple-derivatives/internal/config"
	"github.com/tendant/simple-derivatives/internal/img"
	"github.com/tendant/simple-derivatives/internal/process"
	"github.com/tendant/simple-derivatives/internal/reprocess"
	"github.com/tendant/simple-derivatives/internal/retention"
	"github.com/tendant/simple-derivatives/internal/staging"
	"github.com/tendant/simple-derivatives/internal/validate"
	"github.com/tendant/simple-derivatives/pkg/schema"
)

var ErrInvalidMode = errors.New("invalid submit mode")

type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSync, ModeAsync:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// UploadRequest is one caller-supplied upload. Index > 0 numbers images that
// belong to one multi-image upload.
type UploadRequest struct {
	OwnerID     string
	Role        asset.Role
	Data        []byte
	Filename    string
	ContentType string
	Index       int
}

type SyncResult struct {
	AssetID          string
	OptimizedURL     string
	ThumbnailURL     string
	OriginalRetained bool
}

type AsyncTicket struct {
	AssetID string
	Status  asset.Status
}

// Submission carries exactly one of Sync or Async, matching Mode.
type Submission struct {
	Mode  Mode
	Sync  *SyncResult
	Async *AsyncTicket
}

type Service struct {
	store       asset.Store
	owners      asset.OwnerFinder
	queue       bus.Queue
	worker      *process.Worker
	reprocessor *reprocess.Reprocessor
	area        *staging.Area
	cfg         config.Storage
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Service)

// WithQueue enables async submissions.
func WithQueue(q bus.Queue) Option {
	return func(s *Service) { s.queue = q }
}

// WithWorker replaces the inline worker used for sync submissions.
func WithWorker(w *process.Worker) Option {
	return func(s *Service) { s.worker = w }
}

func WithReprocessConcurrency(n int) Option {
	return func(s *Service) { s.reprocessor = reprocess.New(s.store, s.cfg, s.logger, n) }
}

func New(store asset.Store, owners asset.OwnerFinder, cfg config.Storage, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:  store,
		owners: owners,
		area:   staging.New(cfg),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	s.worker = process.NewWorker(store, cfg, logger)
	s.reprocessor = reprocess.New(store, cfg, logger, 1)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates and stages an upload, then either processes it inline
// (sync) or queues it (async). A rejected upload writes nothing and creates
// no asset.
func (s *Service) Submit(ctx context.Context, req UploadRequest, mode Mode) (*Submission, error) {
	if mode != ModeSync && mode != ModeAsync {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if mode == ModeAsync && s.queue == nil {
		return nil, fmt.Errorf("%w: async submissions need a queue", ErrInvalidMode)
	}

	recipe, err := img.Lookup(req.Role)
	if err != nil {
		return nil, err
	}
	if err := s.owners.FindOwner(ctx, req.OwnerID); err != nil {
		return nil, fmt.Errorf("find owner %s: %w", req.OwnerID, err)
	}

	if _, err := validate.Check(req.Data, req.Filename, req.ContentType, s.cfg); err != nil {
		return nil, err
	}

	base, err := staging.NewBasename(req.Role, req.OwnerID, req.Index, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	paths := s.area.Layout(base, recipe.HasThumbnail())
	if err := s.area.Stage(req.Data, paths); err != nil {
		return nil, err
	}

	a := &asset.ImageAsset{
		OwnerID:       req.OwnerID,
		Role:          req.Role,
		Status:        asset.StatusPending,
		OptimizedPath: paths.Optimized,
		ThumbnailPath: paths.Thumbnail,
		OriginalPath:  paths.Original,
	}
	id, err := s.store.CreateAsset(ctx, a)
	if err != nil {
		_ = retention.Discard(paths.Staged)
		return nil, fmt.Errorf("create asset: %w", err)
	}

	log := s.logger.With(zap.String("asset_id", id), zap.String("role", req.Role.String()), zap.String("mode", string(mode)))
	pr := schema.ProcessingRequest{
		EventID:       uuid.NewString(),
		AssetID:       id,
		OwnerID:       req.OwnerID,
		Role:          req.Role.String(),
		StagedPath:    paths.Staged,
		OptimizedPath: paths.Optimized,
		ThumbnailPath: paths.Thumbnail,
		OriginalPath:  paths.Original,
		CreatedAt:     s.now().Unix(),
	}

	if mode == ModeSync {
		res, err := s.worker.Process(ctx, pr)
		if err != nil {
			return nil, err
		}
		log.Info("upload processed")
		return &Submission{Mode: mode, Sync: &SyncResult{
			AssetID:          id,
			OptimizedURL:     res.OptimizedURL,
			ThumbnailURL:     res.ThumbnailURL,
			OriginalRetained: res.OriginalRetained,
		}}, nil
	}

	if err := s.queue.Publish(ctx, pr); err != nil {
		_ = retention.Discard(paths.Staged)
		uerr := s.store.UpdateAssetStatus(context.WithoutCancel(ctx), id, asset.StatusUpdate{
			Status: asset.StatusFailed,
			Error:  err.Error(),
		})
		if uerr != nil {
			log.Error("mark asset failed", zap.Error(uerr))
		}
		return nil, fmt.Errorf("enqueue asset %s: %w", id, err)
	}
	log.Info("upload queued", zap.String("event_id", pr.EventID))
	return &Submission{Mode: mode, Async: &AsyncTicket{AssetID: id, Status: asset.StatusPending}}, nil
}

func (s *Service) GetAsset(ctx context.Context, id string) (*asset.ImageAsset, error) {
	return s.store.GetAsset(ctx, id)
}

// DeleteAsset removes the files recorded on the asset, including a staged
// upload that was never processed, then the record.
func (s *Service) DeleteAsset(ctx context.Context, id string) error {
	a, err := s.store.GetAsset(ctx, id)
	if err != nil {
		return err
	}
	if err := img.RemoveAll(a.OptimizedPath, a.ThumbnailPath, a.OriginalPath, staging.StagedPath(a.OriginalPath)); err != nil {
		return fmt.Errorf("remove files for asset %s: %w", id, err)
	}
	if err := s.store.DeleteAsset(ctx, id); err != nil {
		return fmt.Errorf("delete asset %s: %w", id, err)
	}
	s.logger.Info("asset deleted", zap.String("asset_id", id), zap.String("owner_id", a.OwnerID))
	return nil
}

// ReprocessAll regenerates derivatives for every READY asset with a retained
// original under the current configuration.
func (s *Service) ReprocessAll(ctx context.Context) (reprocess.Summary, error) {
	return s.reprocessor.Run(ctx, reprocess.Options{})
}

// Reprocess is ReprocessAll with explicit options.
func (s *Service) Reprocess(ctx context.Context, opts reprocess.Options) (reprocess.Summary, error) {
	return s.reprocessor.Run(ctx, opts)
}
