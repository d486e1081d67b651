package asset

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[string]*ImageAsset
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets: make(map[string]*ImageAsset),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateAsset(_ context.Context, a *ImageAsset) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.assets[cp.ID] = &cp

	a.ID, a.CreatedAt, a.UpdatedAt = cp.ID, cp.CreatedAt, cp.UpdatedAt
	return cp.ID, nil
}

func (s *MemoryStore) GetAsset(_ context.Context, id string) (*ImageAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) UpdateAssetStatus(_ context.Context, id string, u StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = u.Status
	a.OptimizedURL = u.OptimizedURL
	a.ThumbnailURL = u.ThumbnailURL
	a.OriginalRetained = u.OriginalRetained
	a.Error = u.Error
	a.UpdatedAt = s.now()
	return nil
}

// ListAssets returns copies ordered by creation time, so callers get a
// point-in-time snapshot.
func (s *MemoryStore) ListAssets(_ context.Context, f ListFilter) ([]ImageAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ImageAsset, 0, len(s.assets))
	for _, a := range s.assets {
		if f.matches(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteAsset(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[id]; !ok {
		return ErrNotFound
	}
	delete(s.assets, id)
	return nil
}
