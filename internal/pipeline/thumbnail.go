package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"mediaforge/internal/blob"
	"mediaforge/internal/media"
	"mediaforge/internal/metadata"
	"mediaforge/internal/models"
)

const defaultThumbnailWidth = 640

var defaultCapturePoints = []float64{0.1, 0.5, 0.9}

type ThumbnailConfig struct {
	Engine       media.Engine
	Assets       metadata.Store
	Blob         blob.Store
	ThumbnailDir string
	// CapturePoints are fractions of the source duration.
	CapturePoints []float64
	Width         int
	Logger        *slog.Logger
}

// ThumbnailWorker captures stills at fixed points of the source.
type ThumbnailWorker struct {
	engine media.Engine
	assets metadata.Store
	blob   blob.Store
	dir    string
	points []float64
	width  int
	logger *slog.Logger
}

func NewThumbnailWorker(cfg ThumbnailConfig) (*ThumbnailWorker, error) {
	if cfg.Engine == nil {
		return nil, errors.New("thumbnail engine is required")
	}
	if cfg.Assets == nil {
		return nil, errors.New("metadata store is required")
	}
	if strings.TrimSpace(cfg.ThumbnailDir) == "" {
		return nil, errors.New("thumbnail directory is required")
	}
	points := cfg.CapturePoints
	if len(points) == 0 {
		points = defaultCapturePoints
	}
	for _, p := range points {
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("capture point %v outside [0,1]", p)
		}
	}
	width := cfg.Width
	if width <= 0 {
		width = defaultThumbnailWidth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ThumbnailWorker{
		engine: cfg.Engine,
		assets: cfg.Assets,
		blob:   cfg.Blob,
		dir:    cfg.ThumbnailDir,
		points: append([]float64(nil), points...),
		width:  width,
		logger: logger,
	}, nil
}

// OutputPath returns where the n-th still (one based) of an asset is written.
func (w *ThumbnailWorker) OutputPath(assetID string, n int) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_thumb_%d.png", assetID, n))
}

func (w *ThumbnailWorker) Handle(ctx context.Context, job models.Job) error {
	_, err := w.Run(ctx, job)
	return err
}

// Run captures every still concurrently. Either all stills are written back
// in timestamp order or none are.
func (w *ThumbnailWorker) Run(ctx context.Context, job models.Job) ([]string, error) {
	logger := loggerFor(ctx, w.logger)

	probe, err := w.engine.Probe(ctx, job.Input)
	if err != nil {
		return nil, &ThumbnailError{AssetID: job.AssetID, Index: -1, Err: err}
	}
	if probe.Duration <= 0 {
		return nil, &ThumbnailError{AssetID: job.AssetID, Index: -1, Err: errors.New("source has no duration")}
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, &ThumbnailError{AssetID: job.AssetID, Index: -1, Err: err}
	}

	outputs := make([]string, len(w.points))
	g, gctx := errgroup.WithContext(ctx)
	for i, point := range w.points {
		output := w.OutputPath(job.AssetID, i+1)
		offset := time.Duration(float64(probe.Duration) * point)
		g.Go(func() error {
			if err := w.engine.Still(gctx, job.Input, output, offset, w.width); err != nil {
				return &ThumbnailError{AssetID: job.AssetID, Index: i, Err: err}
			}
			outputs[i] = output
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i := range w.points {
			removeOutput(logger, w.OutputPath(job.AssetID, i+1))
		}
		return nil, err
	}

	for _, output := range outputs {
		mirror(ctx, logger, w.blob, blob.AssetKey(job.AssetID, "thumbnails", output), output, "image/png")
	}

	if _, err := w.assets.WriteThumbnails(ctx, job.AssetID, outputs); err != nil {
		return nil, fmt.Errorf("write thumbnails: %w", err)
	}
	logger.Info("thumbnails written", "count", len(outputs))
	return outputs, nil
}
