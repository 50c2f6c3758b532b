package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"mediaforge/internal/metadata"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/upload"
	"mediaforge/internal/validation"
)

// ChunkReceiver stores upload chunks and assembles complete files.
type ChunkReceiver interface {
	ReceiveChunk(ctx context.Context, key string, index, total int, r io.Reader) (upload.ChunkStatus, error)
	Discard(key string) error
}

// Ingestor turns assembled files into assets and removes them again.
type Ingestor interface {
	Ingest(ctx context.Context, asset metadata.NewAsset) (models.MediaAsset, error)
	DeleteAsset(ctx context.Context, id string) error
}

type AssetReader interface {
	GetAsset(ctx context.Context, id string) (models.MediaAsset, error)
}

type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, assetID string, res models.Resolution) error
	Invalidate(assetID string)
}

// HealthCheck probes one dependency for the health endpoint.
type HealthCheck struct {
	Component string
	Check     func(ctx context.Context) error
}

type Config struct {
	Chunks    ChunkReceiver
	Validator validation.Validator
	Ingestor  Ingestor
	Assets    AssetReader
	Streamer  Streamer
	Health    []HealthCheck
	Logger    *slog.Logger
	// MaxRequestBytes bounds a single chunk request body.
	MaxRequestBytes int64
}

type Handler struct {
	chunks          ChunkReceiver
	validator       validation.Validator
	ingestor        Ingestor
	assets          AssetReader
	streamer        Streamer
	health          []HealthCheck
	logger          *slog.Logger
	maxRequestBytes int64
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Chunks == nil {
		return nil, errors.New("chunk receiver is required")
	}
	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor is required")
	}
	if cfg.Assets == nil {
		return nil, errors.New("asset reader is required")
	}
	if cfg.Streamer == nil {
		return nil, errors.New("streamer is required")
	}
	h := &Handler{
		chunks:          cfg.Chunks,
		validator:       cfg.Validator,
		ingestor:        cfg.Ingestor,
		assets:          cfg.Assets,
		streamer:        cfg.Streamer,
		health:          cfg.Health,
		logger:          cfg.Logger,
		maxRequestBytes: cfg.MaxRequestBytes,
	}
	if h.validator == nil {
		h.validator = validation.NewExtensionValidator(validation.Config{})
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.maxRequestBytes <= 0 {
		h.maxRequestBytes = validation.DefaultMaxTotalSize + 1<<20
	}
	return h, nil
}

func (h *Handler) loggerFor(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return logging.WithContext(r.Context(), h.logger)
}
