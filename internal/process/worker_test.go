package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-derivatives/internal/asset"
	"github.com/tendant/simple-derivatives/internal/bus"
	"github.com/tendant/simple-derivatives/internal/config"
	"github.com/tendant/simple-derivatives/internal/img"
	"github.com/tendant/simple-derivatives/internal/staging"
	"github.com/tendant/simple-derivatives/pkg/schema"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []schema.AssetProcessed
}

func (n *recordingNotifier) Notify(_ context.Context, ev schema.AssetProcessed) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) last() schema.AssetProcessed {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

func testConfig(t *testing.T) config.Storage {
	t.Helper()
	cfg := config.Default()
	cfg.UploadDir = t.TempDir()
	return cfg
}

func createTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	src := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			src.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, src, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

// stageRequest stages data and creates the PENDING asset the way the pipeline does.
func stageRequest(t *testing.T, store asset.Store, cfg config.Storage, role asset.Role, data []byte) schema.ProcessingRequest {
	t.Helper()
	area := staging.New(cfg)
	base, err := staging.NewBasename(role, "owner1", 0, time.Now().UnixMilli())
	require.NoError(t, err)
	recipe, err := img.Lookup(role)
	require.NoError(t, err)
	paths := area.Layout(base, recipe.HasThumbnail())
	require.NoError(t, area.Stage(data, paths))

	id, err := store.CreateAsset(context.Background(), &asset.ImageAsset{
		OwnerID:       "owner1",
		Role:          role,
		Status:        asset.StatusPending,
		OptimizedPath: paths.Optimized,
		ThumbnailPath: paths.Thumbnail,
		OriginalPath:  paths.Original,
	})
	require.NoError(t, err)

	return schema.ProcessingRequest{
		EventID:       uuid.NewString(),
		AssetID:       id,
		OwnerID:       "owner1",
		Role:          role.String(),
		StagedPath:    paths.Staged,
		OptimizedPath: paths.Optimized,
		ThumbnailPath: paths.Thumbnail,
		OriginalPath:  paths.Original,
		CreatedAt:     time.Now().Unix(),
	}
}

func decodedSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, _, err := image.Decode(f)
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestProcessProject(t *testing.T) {
	cfg := testConfig(t)
	store := asset.NewMemoryStore()
	notifier := &recordingNotifier{}
	w := NewWorker(store, cfg, nil, WithNotifier(notifier))

	req := stageRequest(t, store, cfg, asset.RoleProject, createTestJPEG(t, 2000, 1000))
	res, err := w.Process(context.Background(), req)
	require.NoError(t, err)

	w1, h1 := decodedSize(t, req.OptimizedPath)
	assert.Equal(t, [2]int{1200, 600}, [2]int{w1, h1})
	w2, h2 := decodedSize(t, req.ThumbnailPath)
	assert.Equal(t, [2]int{300, 300}, [2]int{w2, h2})
	assert.Equal(t, ".webp", filepath.Ext(req.OptimizedPath))

	assert.NoFileExists(t, req.StagedPath)
	assert.FileExists(t, req.OriginalPath)
	assert.True(t, res.OriginalRetained)
	assert.Equal(t, "/uploads/"+filepath.Base(req.OptimizedPath), res.OptimizedURL)

	a, err := store.GetAsset(context.Background(), req.AssetID)
	require.NoError(t, err)
	assert.Equal(t, asset.StatusReady, a.Status)
	assert.Equal(t, res.ThumbnailURL, a.ThumbnailURL)
	assert.True(t, a.OriginalRetained)

	ev := notifier.last()
	assert.Equal(t, "READY", ev.Status)
	assert.Equal(t, req.EventID, ev.EventID)
	assert.Empty(t, ev.FailureType)
}

func TestProcessProfileWithoutRetention(t *testing.T) {
	cfg := testConfig(t)
	cfg.KeepOriginals = false
	store := asset.NewMemoryStore()
	w := NewWorker(store, cfg, nil)

	req := stageRequest(t, store, cfg, asset.RoleProfile, createTestJPEG(t, 400, 400))
	assert.Empty(t, req.ThumbnailPath)

	res, err := w.Process(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.OriginalRetained)
	assert.Empty(t, res.ThumbnailURL)

	w1, h1 := decodedSize(t, req.OptimizedPath)
	assert.Equal(t, [2]int{400, 400}, [2]int{w1, h1})
	assert.NoFileExists(t, req.StagedPath)
	assert.NoFileExists(t, req.OriginalPath)
}

func TestProcessCorruptImage(t *testing.T) {
	cfg := testConfig(t)
	store := asset.NewMemoryStore()
	notifier := &recordingNotifier{}
	w := NewWorker(store, cfg, nil, WithNotifier(notifier))

	corrupt := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x13}, 128)...)
	req := stageRequest(t, store, cfg, asset.RoleArticle, corrupt)

	_, err := w.Process(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, img.ErrDecode)

	assert.NoFileExists(t, req.StagedPath)
	assert.NoFileExists(t, req.OptimizedPath)
	assert.NoFileExists(t, req.ThumbnailPath)
	assert.NoFileExists(t, req.OriginalPath)

	a, err := store.GetAsset(context.Background(), req.AssetID)
	require.NoError(t, err)
	assert.Equal(t, asset.StatusFailed, a.Status)
	assert.NotEmpty(t, a.Error)

	ev := notifier.last()
	assert.Equal(t, "FAILED", ev.Status)
	assert.Equal(t, schema.FailureTypeDecode, ev.FailureType)
}

func TestProcessTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProcessTimeout = time.Nanosecond
	store := asset.NewMemoryStore()
	notifier := &recordingNotifier{}
	w := NewWorker(store, cfg, nil, WithNotifier(notifier))

	req := stageRequest(t, store, cfg, asset.RoleProject, createTestJPEG(t, 2000, 2000))
	_, err := w.Process(context.Background(), req)
	require.Error(t, err)

	assert.Equal(t, schema.FailureTypeTimeout, notifier.last().FailureType)
	assert.NoFileExists(t, req.OptimizedPath)
	a, _ := store.GetAsset(context.Background(), req.AssetID)
	assert.Equal(t, asset.StatusFailed, a.Status)
}

func TestProcessMissingStagedFile(t *testing.T) {
	cfg := testConfig(t)
	store := asset.NewMemoryStore()
	w := NewWorker(store, cfg, nil)

	req := stageRequest(t, store, cfg, asset.RoleProject, createTestJPEG(t, 10, 10))
	require.NoError(t, os.Remove(req.StagedPath))

	_, err := w.Process(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, schema.FailureTypeIO, Classify(err))
}

func TestProcessAssetDeletedBeforeStart(t *testing.T) {
	cfg := testConfig(t)
	store := asset.NewMemoryStore()
	w := NewWorker(store, cfg, nil)

	req := stageRequest(t, store, cfg, asset.RoleProject, createTestJPEG(t, 64, 64))
	require.NoError(t, store.DeleteAsset(context.Background(), req.AssetID))

	_, err := w.Process(context.Background(), req)
	assert.ErrorIs(t, err, asset.ErrNotFound)
	assert.NoFileExists(t, req.StagedPath)
	assert.NoFileExists(t, req.OptimizedPath)
	assert.NoFileExists(t, req.ThumbnailPath)
	assert.NoFileExists(t, req.OriginalPath)
}

// deletingStore drops the asset record right before the worker settles it.
type deletingStore struct {
	asset.Store
}

func (s deletingStore) UpdateAssetStatus(ctx context.Context, id string, u asset.StatusUpdate) error {
	if err := s.Store.DeleteAsset(ctx, id); err != nil {
		return err
	}
	return s.Store.UpdateAssetStatus(ctx, id, u)
}

func TestProcessAssetDeletedMeanwhile(t *testing.T) {
	cfg := testConfig(t)
	mem := asset.NewMemoryStore()
	w := NewWorker(deletingStore{mem}, cfg, nil)

	req := stageRequest(t, mem, cfg, asset.RoleProject, createTestJPEG(t, 64, 64))

	_, err := w.Process(context.Background(), req)
	assert.ErrorIs(t, err, asset.ErrNotFound)
	assert.NoFileExists(t, req.OptimizedPath)
	assert.NoFileExists(t, req.ThumbnailPath)
	assert.NoFileExists(t, req.OriginalPath)
}

func TestProcessRedeliveredRequest(t *testing.T) {
	cfg := testConfig(t)
	store := asset.NewMemoryStore()
	notifier := &recordingNotifier{}
	w := NewWorker(store, cfg, nil, WithNotifier(notifier))

	req := stageRequest(t, store, cfg, asset.RoleProject, createTestJPEG(t, 320, 200))
	first, err := w.Process(context.Background(), req)
	require.NoError(t, err)

	_, err = w.Process(context.Background(), req)
	assert.ErrorIs(t, err, ErrAlreadySettled)

	a, err := store.GetAsset(context.Background(), req.AssetID)
	require.NoError(t, err)
	assert.Equal(t, asset.StatusReady, a.Status)
	assert.True(t, a.OriginalRetained)
	assert.Equal(t, first.OptimizedURL, a.OptimizedURL)
	assert.FileExists(t, req.OriginalPath)
	assert.FileExists(t, req.OptimizedPath)
	assert.FileExists(t, req.ThumbnailPath)
	assert.Len(t, notifier.events, 1)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, schema.FailureType(""), Classify(nil))
	assert.Equal(t, schema.FailureTypeTimeout, Classify(fmt.Errorf("render: %w", context.DeadlineExceeded)))
	assert.Equal(t, schema.FailureTypeDecode, Classify(fmt.Errorf("x: %w", img.ErrDecode)))
	assert.Equal(t, schema.FailureTypeIO, Classify(errors.New("disk full")))
}

func TestPoolIsolatesFailures(t *testing.T) {
	cfg := testConfig(t)
	store := asset.NewMemoryStore()
	w := NewWorker(store, cfg, nil)
	q := bus.NewMemoryQueue(8)
	defer q.Close()

	good1 := stageRequest(t, store, cfg, asset.RoleProject, createTestJPEG(t, 300, 200))
	bad := stageRequest(t, store, cfg, asset.RoleProject, []byte{0xFF, 0xD8, 0xFF, 0x00, 0x01})
	good2 := stageRequest(t, store, cfg, asset.RoleProfile, createTestJPEG(t, 120, 80))
	// good1 is delivered twice; the second copy must not touch the settled asset.
	for _, r := range []schema.ProcessingRequest{good1, bad, good2, good1} {
		require.NoError(t, q.Publish(context.Background(), r))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewPool(q, w, 2, nil).Run(ctx) }()

	status := func(id string) asset.Status {
		a, err := store.GetAsset(context.Background(), id)
		require.NoError(t, err)
		return a.Status
	}
	require.Eventually(t, func() bool {
		return status(good1.AssetID) != asset.StatusPending &&
			status(bad.AssetID) != asset.StatusPending &&
			status(good2.AssetID) != asset.StatusPending
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return q.Len() == 0 }, 10*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, asset.StatusReady, status(good1.AssetID))
	assert.FileExists(t, good1.OriginalPath)
	assert.Equal(t, asset.StatusFailed, status(bad.AssetID))
	assert.Equal(t, asset.StatusReady, status(good2.AssetID))
}

func TestJobLifecycle(t *testing.T) {
	job := NewJob(schema.ProcessingRequest{EventID: "e1"})
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Zero(t, job.Duration())

	start := time.Unix(100, 0)
	job.MarkRunning(start)
	job.MarkFailed(start.Add(250*time.Millisecond), errors.New("boom"), schema.FailureTypeIO)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.Error)
	assert.Equal(t, 250*time.Millisecond, job.Duration())

	job = NewJob(schema.ProcessingRequest{})
	job.MarkRunning(start)
	job.MarkFailed(start, nil, schema.FailureTypeIO)
	assert.Empty(t, job.Error)
}
