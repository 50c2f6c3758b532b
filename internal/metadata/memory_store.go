package metadata

import (
	"context"
	"sync"
	"time"

	"mediaforge/internal/models"
)

// MemoryStore keeps assets in process memory. Reads return clones.
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[string]models.MediaAsset
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets: make(map[string]models.MediaAsset),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateAsset(_ context.Context, asset NewAsset) (models.MediaAsset, error) {
	record := newAssetRecord(asset, s.now())
	s.mu.Lock()
	s.assets[record.ID] = record
	s.mu.Unlock()
	return record.Clone(), nil
}

func (s *MemoryStore) GetAsset(_ context.Context, id string) (models.MediaAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[id]
	if !ok {
		return models.MediaAsset{}, ErrNotFound
	}
	return asset.Clone(), nil
}

func (s *MemoryStore) update(id string, apply func(*models.MediaAsset) bool) (models.MediaAsset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.assets[id]
	if !ok {
		return models.MediaAsset{}, false, ErrNotFound
	}
	changed := apply(&asset)
	if changed {
		asset.UpdatedAt = s.now()
		s.assets[id] = asset
	}
	return asset.Clone(), changed, nil
}

func (s *MemoryStore) WriteRenditions(_ context.Context, id string, renditions map[models.Resolution]string) (models.MediaAsset, error) {
	asset, _, err := s.update(id, func(a *models.MediaAsset) bool {
		a.Renditions = make(map[models.Resolution]string, len(renditions))
		for res, path := range renditions {
			a.Renditions[res] = path
		}
		return true
	})
	return asset, err
}

func (s *MemoryStore) WriteThumbnails(_ context.Context, id string, thumbnails []string) (models.MediaAsset, error) {
	asset, _, err := s.update(id, func(a *models.MediaAsset) bool {
		a.Thumbnails = append([]string(nil), thumbnails...)
		return true
	})
	return asset, err
}

func (s *MemoryStore) WriteQuality(_ context.Context, id string, quality models.Quality) error {
	_, _, err := s.update(id, func(a *models.MediaAsset) bool {
		a.Quality = quality
		return true
	})
	return err
}

func (s *MemoryStore) MarkReady(_ context.Context, id string) (models.MediaAsset, bool, error) {
	return s.update(id, func(a *models.MediaAsset) bool {
		if a.Status != models.AssetStatusProcessing {
			return false
		}
		a.Status = models.AssetStatusReady
		return true
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, reason string) (models.MediaAsset, bool, error) {
	return s.update(id, func(a *models.MediaAsset) bool {
		if a.Status != models.AssetStatusProcessing {
			return false
		}
		a.Status = models.AssetStatusFailed
		a.FailureReason = reason
		return true
	})
}

func (s *MemoryStore) SoftDelete(_ context.Context, id string) error {
	_, _, err := s.update(id, func(a *models.MediaAsset) bool {
		if a.DeletedAt != nil {
			return false
		}
		deleted := s.now()
		a.DeletedAt = &deleted
		return true
	})
	return err
}

func (s *MemoryStore) IncrementViews(_ context.Context, id string) error {
	_, _, err := s.update(id, func(a *models.MediaAsset) bool {
		if a.DeletedAt != nil {
			return false
		}
		a.Views++
		return true
	})
	return err
}
