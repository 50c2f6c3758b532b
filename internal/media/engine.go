// Package media drives the external encoder used to derive renditions,
// stills and quality metadata from an uploaded original.
package media

import (
	"context"
	"fmt"
	"time"

	"mediaforge/internal/models"
)

// Engine is the encoding backend invoked by the pipeline workers.
type Engine interface {
	// Transcode encodes input into output at the profile's height.
	Transcode(ctx context.Context, input, output string, profile models.RenditionProfile) error
	// Still captures a single frame at offset, scaled to width with the
	// aspect ratio preserved.
	Still(ctx context.Context, input, output string, offset time.Duration, width int) error
	// Probe reads container and stream metadata from input.
	Probe(ctx context.Context, input string) (ProbeResult, error)
}

type ProbeResult struct {
	Duration    time.Duration
	Width       int
	Height      int
	BitrateKbps int
}

// Quality converts probe output into the asset's quality metadata.
func (p ProbeResult) Quality() models.Quality {
	quality := models.Quality{
		BitrateKbps: p.BitrateKbps,
		Duration:    p.Duration.Seconds(),
	}
	if p.Width > 0 && p.Height > 0 {
		quality.Resolution = fmt.Sprintf("%dx%d", p.Width, p.Height)
	}
	return quality
}
