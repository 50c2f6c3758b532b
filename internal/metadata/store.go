// Package metadata persists media asset records. The pipeline only writes the
// fields it derives; everything else is owned by the upload flow.
package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"mediaforge/internal/models"
)

var ErrNotFound = errors.New("asset not found")

type NewAsset struct {
	Title        string
	Description  string
	OriginalPath string
	FileSize     int64
	ContentHash  string
}

// Store is the metadata collaborator. Each write touches only its own fields
// and returns the record as it stands afterwards.
type Store interface {
	CreateAsset(ctx context.Context, asset NewAsset) (models.MediaAsset, error)
	GetAsset(ctx context.Context, id string) (models.MediaAsset, error)
	WriteRenditions(ctx context.Context, id string, renditions map[models.Resolution]string) (models.MediaAsset, error)
	WriteThumbnails(ctx context.Context, id string, thumbnails []string) (models.MediaAsset, error)
	WriteQuality(ctx context.Context, id string, quality models.Quality) error
	// MarkReady moves a processing asset to ready. The flag reports whether
	// this call made the transition.
	MarkReady(ctx context.Context, id string) (models.MediaAsset, bool, error)
	// MarkFailed moves a processing asset to failed. The flag reports whether
	// this call made the transition.
	MarkFailed(ctx context.Context, id, reason string) (models.MediaAsset, bool, error)
	SoftDelete(ctx context.Context, id string) error
	IncrementViews(ctx context.Context, id string) error
}

func newAssetRecord(asset NewAsset, now time.Time) models.MediaAsset {
	return models.MediaAsset{
		ID:           uuid.NewString(),
		Title:        asset.Title,
		Description:  asset.Description,
		OriginalPath: asset.OriginalPath,
		FileSize:     asset.FileSize,
		ContentHash:  asset.ContentHash,
		Renditions:   map[models.Resolution]string{},
		Thumbnails:   []string{},
		Status:       models.AssetStatusProcessing,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
