package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"mediaforge/internal/metadata"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
)

type fixture struct {
	streamer *Streamer
	store    *metadata.MemoryStore
	assetID  string
	path     string
	body     []byte
}

func newFixture(t *testing.T, size int) fixture {
	t.Helper()
	body := make([]byte, size)
	for i := range body {
		body[i] = byte('a' + i%26)
	}
	path := filepath.Join(t.TempDir(), "asset.mp4")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	store := metadata.NewMemoryStore()
	ctx := context.Background()
	asset, err := store.CreateAsset(ctx, metadata.NewAsset{Title: "clip", OriginalPath: "/tmp/in.mp4"})
	require.NoError(t, err)
	_, err = store.WriteRenditions(ctx, asset.ID, map[models.Resolution]string{models.Resolution720p: path})
	require.NoError(t, err)

	streamer, err := New(Config{Resolver: store, Logger: logging.Discard(), Metrics: metrics.New()})
	require.NoError(t, err)
	return fixture{streamer: streamer, store: store, assetID: asset.ID, path: path, body: body}
}

func (f fixture) serve(t *testing.T, method, rangeHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "/stream", nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	require.NoError(t, f.streamer.Serve(rec, req, f.assetID, models.Resolution720p))
	return rec
}

func (f fixture) views(t *testing.T) int64 {
	t.Helper()
	asset, err := f.store.GetAsset(context.Background(), f.assetID)
	require.NoError(t, err)
	return asset.Views
}

func TestServeFullFile(t *testing.T) {
	f := newFixture(t, 1000)
	rec := f.serve(t, http.MethodGet, "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1000", rec.Header().Get("Content-Length"))
	require.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	require.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	require.Equal(t, "public, max-age=31536000", rec.Header().Get("Cache-Control"))
	require.Empty(t, rec.Header().Get("Content-Range"))
	require.Equal(t, f.body, rec.Body.Bytes())
	require.EqualValues(t, 1, f.views(t))
}

func TestServeRanges(t *testing.T) {
	f := newFixture(t, 1000)
	tests := []struct {
		name         string
		header       string
		status       int
		contentRange string
		start, end   int
	}{
		{name: "bounded", header: "bytes=0-99", status: http.StatusPartialContent, contentRange: "bytes 0-99/1000", start: 0, end: 99},
		{name: "open ended", header: "bytes=900-", status: http.StatusPartialContent, contentRange: "bytes 900-999/1000", start: 900, end: 999},
		{name: "suffix", header: "bytes=-100", status: http.StatusPartialContent, contentRange: "bytes 900-999/1000", start: 900, end: 999},
		{name: "suffix longer than file", header: "bytes=-5000", status: http.StatusPartialContent, contentRange: "bytes 0-999/1000", start: 0, end: 999},
		{name: "end clamped", header: "bytes=990-2000", status: http.StatusPartialContent, contentRange: "bytes 990-999/1000", start: 990, end: 999},
		{name: "end before start", header: "bytes=500-100", status: http.StatusOK, start: 0, end: 999},
		{name: "garbage", header: "pages=1-2", status: http.StatusOK, start: 0, end: 999},
		{name: "multiple ranges", header: "bytes=0-1,5-6", status: http.StatusOK, start: 0, end: 999},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.serve(t, http.MethodGet, tc.header)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.contentRange, rec.Header().Get("Content-Range"))
			require.Equal(t, f.body[tc.start:tc.end+1], rec.Body.Bytes())
		})
	}
}

func TestServeUnsatisfiableRange(t *testing.T) {
	for _, header := range []string{"bytes=1000-", "bytes=2000-1500", "bytes=1000-1999"} {
		t.Run(header, func(t *testing.T) {
			f := newFixture(t, 1000)
			rec := f.serve(t, http.MethodGet, header)

			require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
			require.Equal(t, "bytes */1000", rec.Header().Get("Content-Range"))
			require.Zero(t, rec.Body.Len())
			require.Zero(t, f.views(t))
		})
	}
}

func TestServeHeadWritesNoBody(t *testing.T) {
	f := newFixture(t, 1000)
	rec := f.serve(t, http.MethodHead, "bytes=0-9")

	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "10", rec.Header().Get("Content-Length"))
	require.Zero(t, rec.Body.Len())
	require.Zero(t, f.views(t))
}

func TestRangeContinuationDoesNotCountView(t *testing.T) {
	f := newFixture(t, 1000)
	f.serve(t, http.MethodGet, "bytes=0-99")
	f.serve(t, http.MethodGet, "bytes=100-199")
	f.serve(t, http.MethodGet, "bytes=-10")
	require.EqualValues(t, 1, f.views(t))
}

func TestServeLargeFileAcrossBuffers(t *testing.T) {
	f := newFixture(t, 3*copyBufferSize+17)
	rec := f.serve(t, http.MethodGet, "bytes=100-")

	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, f.body[100:], rec.Body.Bytes())
}

func TestServeNotFound(t *testing.T) {
	f := newFixture(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)

	err := f.streamer.Serve(httptest.NewRecorder(), req, "missing", models.Resolution720p)
	require.ErrorIs(t, err, ErrNotFound)

	err = f.streamer.Serve(httptest.NewRecorder(), req, f.assetID, models.Resolution1080p)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServeDeletedAssetAfterInvalidate(t *testing.T) {
	f := newFixture(t, 10)
	f.serve(t, http.MethodGet, "")

	require.NoError(t, f.store.SoftDelete(context.Background(), f.assetID))
	f.streamer.Invalidate(f.assetID)

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	err := f.streamer.Serve(httptest.NewRecorder(), req, f.assetID, models.Resolution720p)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServeMissingFileEvictsCache(t *testing.T) {
	f := newFixture(t, 10)
	f.serve(t, http.MethodGet, "")
	require.NoError(t, os.Remove(f.path))

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	err := f.streamer.Serve(httptest.NewRecorder(), req, f.assetID, models.Resolution720p)
	require.True(t, errors.Is(err, ErrNotFound))
	require.Zero(t, f.streamer.paths.Len())
}

func TestServeCachesResolvedPath(t *testing.T) {
	f := newFixture(t, 10)
	recorder := metrics.New()
	f.streamer.metrics = recorder

	f.serve(t, http.MethodGet, "")
	f.serve(t, http.MethodGet, "")

	body, err := scrape(recorder)
	require.NoError(t, err)
	require.Contains(t, body, `mediaforge_stream_cache_lookups_total{result="hit"} 1`)
	require.Contains(t, body, `mediaforge_stream_cache_lookups_total{result="miss"} 1`)
	require.Contains(t, body, "mediaforge_stream_bytes_total 20")
}

func scrape(recorder *metrics.Recorder) (string, error) {
	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		return "", errors.New(rec.Body.String())
	}
	return rec.Body.String(), nil
}

func TestParseRangeZeroSize(t *testing.T) {
	_, _, _, err := parseRange("bytes=0-", 0)
	require.ErrorIs(t, err, ErrRangeNotSatisfiable)
	_, _, _, err = parseRange("bytes=-10", 0)
	require.ErrorIs(t, err, ErrRangeNotSatisfiable)
	_, _, _, err = parseRange(strings.Repeat(" ", 3), 0)
	require.ErrorIs(t, err, errMalformedRange)
}
