package models

import (
	"strings"
	"time"
)

type Resolution string

const (
	Resolution1080p Resolution = "1080p"
	Resolution720p  Resolution = "720p"
	Resolution480p  Resolution = "480p"

	DefaultResolution = Resolution1080p
)

// RenditionProfile describes how a single resolution is encoded.
type RenditionProfile struct {
	Resolution  Resolution
	Height      int
	BitrateKbps int
}

var renditionLadder = []RenditionProfile{
	{Resolution: Resolution1080p, Height: 1080, BitrateKbps: 5000},
	{Resolution: Resolution720p, Height: 720, BitrateKbps: 2800},
	{Resolution: Resolution480p, Height: 480, BitrateKbps: 1400},
}

// RenditionLadder returns the fixed set of target renditions, highest first.
func RenditionLadder() []RenditionProfile {
	out := make([]RenditionProfile, len(renditionLadder))
	copy(out, renditionLadder)
	return out
}

// ParseResolution normalises a client supplied resolution. An empty value
// yields the default resolution.
func ParseResolution(raw string) (Resolution, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return DefaultResolution, true
	}
	for _, profile := range renditionLadder {
		if string(profile.Resolution) == trimmed {
			return profile.Resolution, true
		}
	}
	return "", false
}

type AssetStatus string

const (
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusReady      AssetStatus = "ready"
	AssetStatusFailed     AssetStatus = "failed"
)

type Quality struct {
	BitrateKbps int     `json:"bitrate"`
	Resolution  string  `json:"resolution"`
	Duration    float64 `json:"duration"`
}

type MediaAsset struct {
	ID            string                `json:"id"`
	Title         string                `json:"title"`
	Description   string                `json:"description,omitempty"`
	OriginalPath  string                `json:"originalPath"`
	FileSize      int64                 `json:"fileSize"`
	ContentHash   string                `json:"contentHash,omitempty"`
	Renditions    map[Resolution]string `json:"renditions,omitempty"`
	Thumbnails    []string              `json:"thumbnails,omitempty"`
	Quality       Quality               `json:"quality"`
	Status        AssetStatus           `json:"status"`
	FailureReason string                `json:"failureReason,omitempty"`
	Views         int64                 `json:"views"`
	DeletedAt     *time.Time            `json:"deletedAt,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

// Deleted reports whether the asset carries a soft-delete marker.
func (a MediaAsset) Deleted() bool {
	return a.DeletedAt != nil
}

// ProcessingDone reports whether both job classes have written their results.
func (a MediaAsset) ProcessingDone() bool {
	return len(a.Renditions) > 0 && len(a.Thumbnails) > 0
}

// Clone returns a deep copy so callers can mutate the result freely.
func (a MediaAsset) Clone() MediaAsset {
	out := a
	if a.Renditions != nil {
		out.Renditions = make(map[Resolution]string, len(a.Renditions))
		for k, v := range a.Renditions {
			out.Renditions[k] = v
		}
	}
	if a.Thumbnails != nil {
		out.Thumbnails = append([]string(nil), a.Thumbnails...)
	}
	if a.DeletedAt != nil {
		deleted := *a.DeletedAt
		out.DeletedAt = &deleted
	}
	return out
}

type UploadSession struct {
	Key       string
	Total     int
	Sizes     map[int]int64
	Dir       string
	UpdatedAt time.Time
}

// Received returns the number of distinct chunk indices stored.
func (s UploadSession) Received() int {
	return len(s.Sizes)
}

// Complete reports whether every index in 0..Total-1 has been received.
func (s UploadSession) Complete() bool {
	if s.Total <= 0 || len(s.Sizes) != s.Total {
		return false
	}
	for i := 0; i < s.Total; i++ {
		if _, ok := s.Sizes[i]; !ok {
			return false
		}
	}
	return true
}

type HostStatus struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}
