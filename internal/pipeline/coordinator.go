package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mediaforge/internal/blob"
	"mediaforge/internal/metadata"
	"mediaforge/internal/models"
)

const (
	MessageProcessingComplete = "Video processing complete"
	MessageProcessingFailed   = "Video processing failed"

	observerTimeout = 10 * time.Second
)

// Queue is the subset of the job queue used by the coordinator.
type Queue interface {
	Enqueue(ctx context.Context, job models.Job) (string, error)
	Cancel(assetID string) int
}

// Broadcaster delivers pipeline events to live subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, event models.Event) error
}

type CoordinatorConfig struct {
	Assets   metadata.Store
	Queue    Queue
	Notifier Broadcaster
	Blob     blob.Store
	Logger   *slog.Logger
	Now      func() time.Time
}

// Coordinator registers assembled uploads, schedules their jobs and reports
// the outcome once both job classes are done.
type Coordinator struct {
	assets   metadata.Store
	queue    Queue
	notifier Broadcaster
	blob     blob.Store
	logger   *slog.Logger
	now      func() time.Time
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Assets == nil {
		return nil, errors.New("metadata store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		assets:   cfg.Assets,
		queue:    cfg.Queue,
		notifier: cfg.Notifier,
		blob:     cfg.Blob,
		logger:   logger,
		now:      now,
	}, nil
}

// Ingest creates the asset for an assembled original and enqueues its
// transcode and thumbnail jobs.
func (c *Coordinator) Ingest(ctx context.Context, asset metadata.NewAsset) (models.MediaAsset, error) {
	if strings.TrimSpace(asset.OriginalPath) == "" {
		return models.MediaAsset{}, errors.New("original path is required")
	}
	created, err := c.assets.CreateAsset(ctx, asset)
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("create asset: %w", err)
	}
	for _, kind := range models.JobKinds() {
		job := models.Job{Kind: kind, AssetID: created.ID, Input: created.OriginalPath}
		if _, err := c.queue.Enqueue(ctx, job); err != nil {
			c.queue.Cancel(created.ID)
			reason := fmt.Sprintf("enqueue %s: %v", kind, err)
			if _, _, markErr := c.assets.MarkFailed(ctx, created.ID, reason); markErr != nil {
				c.logger.Error("failed to mark asset failed", "asset_id", created.ID, "error", markErr)
			}
			return models.MediaAsset{}, fmt.Errorf("enqueue %s job: %w", kind, err)
		}
	}
	c.logger.Info("asset ingested", "asset_id", created.ID, "title", created.Title, "bytes", created.FileSize)
	return created, nil
}

// JobFinished is the queue's terminal observer. A failed job fails the asset;
// the asset becomes ready once both job classes have written their results.
// The store's conditional transitions keep the broadcast to one per asset.
func (c *Coordinator) JobFinished(job models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()
	logger := c.logger.With("asset_id", job.AssetID, "job_id", job.ID, "kind", job.Kind)

	switch job.State {
	case models.JobStateFailed:
		reason := job.LastError
		if reason == "" {
			reason = fmt.Sprintf("%s job failed", job.Kind)
		}
		asset, changed, err := c.assets.MarkFailed(ctx, job.AssetID, reason)
		if err != nil {
			logger.Error("failed to mark asset failed", "error", err)
			return
		}
		if !changed || asset.Deleted() {
			return
		}
		logger.Warn("asset processing failed", "reason", reason)
		c.broadcast(ctx, logger, models.Event{
			Kind:    models.EventProcessingFailed,
			Message: MessageProcessingFailed,
			Asset:   &asset,
			Error:   reason,
		})

	case models.JobStateSucceeded:
		asset, err := c.assets.GetAsset(ctx, job.AssetID)
		if err != nil {
			logger.Error("failed to load asset", "error", err)
			return
		}
		if !asset.ProcessingDone() || asset.Deleted() {
			return
		}
		asset, changed, err := c.assets.MarkReady(ctx, job.AssetID)
		if err != nil {
			logger.Error("failed to mark asset ready", "error", err)
			return
		}
		if !changed {
			return
		}
		logger.Info("asset processing complete", "renditions", len(asset.Renditions), "thumbnails", len(asset.Thumbnails))
		c.broadcast(ctx, logger, models.Event{
			Kind:    models.EventProcessingComplete,
			Message: MessageProcessingComplete,
			Asset:   &asset,
		})
	}
}

func (c *Coordinator) broadcast(ctx context.Context, logger *slog.Logger, event models.Event) {
	if c.notifier == nil {
		return
	}
	event.OccurredAt = c.now()
	if err := c.notifier.Broadcast(ctx, event); err != nil {
		logger.Error("failed to broadcast event", "type", event.Kind, "error", err)
	}
}

// DeleteAsset soft deletes the asset, cancels its outstanding jobs and drops
// its mirrored outputs.
func (c *Coordinator) DeleteAsset(ctx context.Context, id string) error {
	if err := c.assets.SoftDelete(ctx, id); err != nil {
		return err
	}
	cancelled := c.queue.Cancel(id)
	removed := 0
	if c.blob != nil {
		n, err := c.blob.DeletePrefix(ctx, id)
		if err != nil {
			c.logger.Warn("failed to delete mirrored outputs", "asset_id", id, "error", err)
		}
		removed = n
	}
	c.logger.Info("asset deleted", "asset_id", id, "jobs_cancelled", cancelled, "blobs_removed", removed)
	return nil
}
