package pipeline

import (
	"fmt"

	"mediaforge/internal/models"
)

// EncodeError reports a rendition that could not be produced.
type EncodeError struct {
	AssetID    string
	Resolution models.Resolution
	Err        error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s for asset %s: %v", e.Resolution, e.AssetID, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// ThumbnailError reports a still that could not be captured. Index is zero
// based; -1 means the source could not be probed.
type ThumbnailError struct {
	AssetID string
	Index   int
	Err     error
}

func (e *ThumbnailError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("thumbnails for asset %s: %v", e.AssetID, e.Err)
	}
	return fmt.Sprintf("thumbnail %d for asset %s: %v", e.Index+1, e.AssetID, e.Err)
}

func (e *ThumbnailError) Unwrap() error { return e.Err }
