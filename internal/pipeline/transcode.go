// Package pipeline turns assembled uploads into renditions and thumbnails.
// Workers run as job queue handlers; the coordinator links upload,
// processing and notification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"mediaforge/internal/blob"
	"mediaforge/internal/media"
	"mediaforge/internal/metadata"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
)

type TranscodeConfig struct {
	Engine     media.Engine
	Assets     metadata.Store
	Blob       blob.Store
	EncodedDir string
	// Ladder overrides the default rendition ladder.
	Ladder []models.RenditionProfile
	Logger *slog.Logger
}

// TranscodeWorker encodes every rendition of an asset in parallel.
type TranscodeWorker struct {
	engine     media.Engine
	assets     metadata.Store
	blob       blob.Store
	encodedDir string
	ladder     []models.RenditionProfile
	logger     *slog.Logger
}

func NewTranscodeWorker(cfg TranscodeConfig) (*TranscodeWorker, error) {
	if cfg.Engine == nil {
		return nil, errors.New("transcode engine is required")
	}
	if cfg.Assets == nil {
		return nil, errors.New("metadata store is required")
	}
	if strings.TrimSpace(cfg.EncodedDir) == "" {
		return nil, errors.New("encoded directory is required")
	}
	ladder := cfg.Ladder
	if len(ladder) == 0 {
		ladder = models.RenditionLadder()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TranscodeWorker{
		engine:     cfg.Engine,
		assets:     cfg.Assets,
		blob:       cfg.Blob,
		encodedDir: cfg.EncodedDir,
		ladder:     append([]models.RenditionProfile(nil), ladder...),
		logger:     logger,
	}, nil
}

// OutputPath returns where the rendition of an asset is written.
func (w *TranscodeWorker) OutputPath(assetID string, res models.Resolution) string {
	return filepath.Join(w.encodedDir, string(res), assetID+".mp4")
}

// Handle adapts Run to the job queue handler signature.
func (w *TranscodeWorker) Handle(ctx context.Context, job models.Job) error {
	_, err := w.Run(ctx, job)
	return err
}

// Run encodes all renditions concurrently. The first failure cancels the
// remaining encodes and every output of the attempt is removed. On success
// the renditions and source quality are written back to the asset.
func (w *TranscodeWorker) Run(ctx context.Context, job models.Job) (map[models.Resolution]string, error) {
	logger := loggerFor(ctx, w.logger)

	var mu sync.Mutex
	outputs := make(map[models.Resolution]string, len(w.ladder))
	g, gctx := errgroup.WithContext(ctx)
	for _, profile := range w.ladder {
		output := w.OutputPath(job.AssetID, profile.Resolution)
		g.Go(func() error {
			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return &EncodeError{AssetID: job.AssetID, Resolution: profile.Resolution, Err: err}
			}
			if err := w.engine.Transcode(gctx, job.Input, output, profile); err != nil {
				return &EncodeError{AssetID: job.AssetID, Resolution: profile.Resolution, Err: err}
			}
			mu.Lock()
			outputs[profile.Resolution] = output
			mu.Unlock()
			logger.Debug("rendition encoded", "resolution", profile.Resolution, "output", output)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, profile := range w.ladder {
			removeOutput(logger, w.OutputPath(job.AssetID, profile.Resolution))
		}
		return nil, err
	}

	if probe, err := w.engine.Probe(ctx, job.Input); err != nil {
		logger.Warn("quality probe failed", "error", err)
	} else if err := w.assets.WriteQuality(ctx, job.AssetID, probe.Quality()); err != nil {
		return nil, fmt.Errorf("write quality: %w", err)
	}

	for res, output := range outputs {
		mirror(ctx, logger, w.blob, blob.AssetKey(job.AssetID, "renditions/"+string(res), output), output, "video/mp4")
	}

	if _, err := w.assets.WriteRenditions(ctx, job.AssetID, outputs); err != nil {
		return nil, fmt.Errorf("write renditions: %w", err)
	}
	logger.Info("renditions written", "count", len(outputs))
	return outputs, nil
}

func loggerFor(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger := logging.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return logging.WithContext(ctx, fallback)
}

func removeOutput(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove partial output", "path", path, "error", err)
	}
}

// mirror copies an output into the blob store. Failures are logged; the local
// file remains the served copy.
func mirror(ctx context.Context, logger *slog.Logger, store blob.Store, key, path, contentType string) {
	if store == nil {
		return
	}
	if err := store.Put(ctx, key, path, contentType); err != nil {
		logger.Warn("failed to mirror output", "key", key, "error", err)
	}
}
