// Package stream serves renditions over HTTP with single byte-range support.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"mediaforge/internal/metadata"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/metrics"
)

var (
	ErrNotFound            = errors.New("rendition not found")
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
	errMalformedRange      = errors.New("malformed range")
)

const (
	copyBufferSize = 64 << 10
	cacheControl   = "public, max-age=31536000"
)

// Resolver looks up assets and records views.
type Resolver interface {
	GetAsset(ctx context.Context, id string) (models.MediaAsset, error)
	IncrementViews(ctx context.Context, id string) error
}

type Config struct {
	Resolver  Resolver
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	CacheSize int
	CacheTTL  time.Duration
}

// Streamer resolves rendition paths through a short-lived cache and copies
// the requested byte range to the client.
type Streamer struct {
	resolver Resolver
	logger   *slog.Logger
	metrics  *metrics.Recorder
	paths    *expirable.LRU[string, string]
	buffers  sync.Pool
}

func New(cfg Config) (*Streamer, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("stream resolver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s := &Streamer{
		resolver: cfg.Resolver,
		logger:   logger,
		metrics:  recorder,
		paths:    expirable.NewLRU[string, string](size, nil, ttl),
	}
	s.buffers.New = func() any {
		buf := make([]byte, copyBufferSize)
		return &buf
	}
	return s, nil
}

func cacheKey(assetID string, res models.Resolution) string {
	return assetID + "/" + string(res)
}

// Invalidate drops every cached path of the asset.
func (s *Streamer) Invalidate(assetID string) {
	for _, key := range s.paths.Keys() {
		if strings.HasPrefix(key, assetID+"/") {
			s.paths.Remove(key)
		}
	}
}

func (s *Streamer) resolve(ctx context.Context, assetID string, res models.Resolution) (string, error) {
	key := cacheKey(assetID, res)
	if path, ok := s.paths.Get(key); ok {
		s.metrics.ObserveCacheLookup(true)
		return path, nil
	}
	s.metrics.ObserveCacheLookup(false)
	asset, err := s.resolver.GetAsset(ctx, assetID)
	if errors.Is(err, metadata.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve asset: %w", err)
	}
	if asset.Deleted() {
		return "", ErrNotFound
	}
	path, ok := asset.Renditions[res]
	if !ok || path == "" {
		return "", ErrNotFound
	}
	s.paths.Add(key, path)
	return path, nil
}

// Serve writes the rendition of the asset. ErrNotFound is returned before
// anything is written; every other outcome, including 416, is written here.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, assetID string, res models.Resolution) error {
	path, err := s.resolve(r.Context(), assetID, res)
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		s.paths.Remove(cacheKey(assetID, res))
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("open rendition: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat rendition: %w", err)
	}
	size := info.Size()

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Type", "video/mp4")
	header.Set("Cache-Control", cacheControl)

	start, end, partial, err := parseRange(r.Header.Get("Range"), size)
	if errors.Is(err, ErrRangeNotSatisfiable) {
		header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		header.Set("Content-Length", "0")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	}
	if err != nil {
		start, end, partial = 0, size-1, false
	}

	length := end - start + 1
	if size == 0 {
		length = 0
	}
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	status := http.StatusOK
	if partial {
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return nil
	}

	bufPtr := s.buffers.Get().(*[]byte)
	defer s.buffers.Put(bufPtr)
	// The wrapper hides ReadFrom so the pooled buffer is used.
	written, err := io.CopyBuffer(struct{ io.Writer }{w}, io.NewSectionReader(file, start, length), *bufPtr)
	s.metrics.AddStreamBytes(written)
	if err != nil {
		s.logger.Debug("stream copy interrupted", "asset_id", assetID, "resolution", res, "written", written, "error", err)
		return nil
	}
	if start == 0 {
		if err := s.resolver.IncrementViews(r.Context(), assetID); err != nil {
			s.logger.Warn("failed to count view", "asset_id", assetID, "error", err)
		}
	}
	return nil
}

// parseRange interprets a single "bytes=" range against size. An absent or
// malformed header returns errMalformedRange and the caller serves the whole
// file.
func parseRange(header string, size int64) (start, end int64, partial bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, 0, false, errMalformedRange
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, false, errMalformedRange
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return 0, 0, false, errMalformedRange
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, perr := strconv.ParseInt(last, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, false, errMalformedRange
		}
		if size == 0 {
			return 0, 0, false, ErrRangeNotSatisfiable
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true, nil
	}

	start, perr := strconv.ParseInt(first, 10, 64)
	if perr != nil || start < 0 {
		return 0, 0, false, errMalformedRange
	}
	end = size - 1
	if last != "" {
		end, perr = strconv.ParseInt(last, 10, 64)
		if perr != nil {
			return 0, 0, false, errMalformedRange
		}
	}
	// A start past the end is unsatisfiable even when the range is inverted.
	if start >= size {
		return 0, 0, false, ErrRangeNotSatisfiable
	}
	if end < start {
		return 0, 0, false, errMalformedRange
	}
	if end > size-1 {
		end = size - 1
	}
	return start, end, true, nil
}
