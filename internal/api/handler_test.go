package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"mediaforge/internal/auth"
	"mediaforge/internal/metadata"
	"mediaforge/internal/models"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/stream"
	"mediaforge/internal/upload"
	"mediaforge/internal/validation"
)

type recordingIngestor struct {
	store *metadata.MemoryStore

	mu      sync.Mutex
	ingests []metadata.NewAsset
	deletes []string
	err     error
}

func (r *recordingIngestor) Ingest(ctx context.Context, asset metadata.NewAsset) (models.MediaAsset, error) {
	r.mu.Lock()
	r.ingests = append(r.ingests, asset)
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return models.MediaAsset{}, err
	}
	return r.store.CreateAsset(ctx, asset)
}

func (r *recordingIngestor) DeleteAsset(ctx context.Context, id string) error {
	r.mu.Lock()
	r.deletes = append(r.deletes, id)
	r.mu.Unlock()
	return r.store.SoftDelete(ctx, id)
}

type testEnv struct {
	handler     *Handler
	router      http.Handler
	store       *metadata.MemoryStore
	ingestor    *recordingIngestor
	assembler   *upload.Assembler
	originalDir string
}

func newTestEnv(t *testing.T, health ...HealthCheck) *testEnv {
	t.Helper()
	root := t.TempDir()
	originalDir := filepath.Join(root, "original")
	assembler, err := upload.NewAssembler(upload.Config{
		TempDir:     filepath.Join(root, "tmp"),
		OriginalDir: originalDir,
		Logger:      logging.Discard(),
		Metrics:     metrics.New(),
	})
	require.NoError(t, err)

	store := metadata.NewMemoryStore()
	streamer, err := stream.New(stream.Config{Resolver: store, Logger: logging.Discard(), Metrics: metrics.New()})
	require.NoError(t, err)
	ingestor := &recordingIngestor{store: store}

	handler, err := NewHandler(Config{
		Chunks:   assembler,
		Ingestor: ingestor,
		Assets:   store,
		Streamer: streamer,
		Health:   health,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Get("/healthz", handler.Health)
	router.Post("/api/videos/v1/upload", handler.Upload)
	router.Get("/api/videos/v1/stream/{id}", handler.StreamVideo)
	router.Head("/api/videos/v1/stream/{id}", handler.StreamVideo)
	router.Get("/api/videos/v1/{id}", handler.GetVideo)
	router.Delete("/api/videos/v1/{id}", handler.DeleteVideo)

	return &testEnv{
		handler:     handler,
		router:      router,
		store:       store,
		ingestor:    ingestor,
		assembler:   assembler,
		originalDir: originalDir,
	}
}

type chunkForm struct {
	fields      map[string]string
	filename    string
	contentType string
	data        []byte
	omitFile    bool
}

func (e *testEnv) upload(t *testing.T, form chunkForm) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range form.fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	if !form.omitFile {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="video"; filename=%q`, form.filename))
		contentType := form.contentType
		if contentType == "" {
			contentType = "video/mp4"
		}
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(form.data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/videos/v1/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for key, values := range header {
		req.Header[key] = values
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest))
}

func chunkFields(index, total int, filename, title string) map[string]string {
	return map[string]string{
		"chunkIndex":  fmt.Sprint(index),
		"totalChunks": fmt.Sprint(total),
		"filename":    filename,
		"title":       title,
		"description": "a short clip",
	}
}

func TestUploadSingleChunkIngests(t *testing.T) {
	env := newTestEnv(t)
	data := []byte("single chunk video payload")

	rec := env.upload(t, chunkForm{fields: chunkFields(0, 1, "clip.mp4", "Demo clip"), filename: "clip.mp4", data: data})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Message string            `json:"message"`
		Video   models.MediaAsset `json:"video"`
	}
	decodeBody(t, rec, &resp)
	require.Equal(t, "Video uploaded successfully. Processing in progress.", resp.Message)
	require.NotEmpty(t, resp.Video.ID)
	require.Equal(t, "Demo clip", resp.Video.Title)
	require.Equal(t, models.AssetStatusProcessing, resp.Video.Status)

	sum := sha256.Sum256(data)
	require.Len(t, env.ingestor.ingests, 1)
	ingested := env.ingestor.ingests[0]
	require.Equal(t, hex.EncodeToString(sum[:]), ingested.ContentHash)
	require.Equal(t, int64(len(data)), ingested.FileSize)
	require.Equal(t, "a short clip", ingested.Description)
	require.Equal(t, env.originalDir, filepath.Dir(ingested.OriginalPath))
	require.True(t, strings.HasSuffix(ingested.OriginalPath, "-clip.mp4"), ingested.OriginalPath)

	stored, err := os.ReadFile(ingested.OriginalPath)
	require.NoError(t, err)
	require.Equal(t, data, stored)
}

func TestUploadChunksAssembleInIndexOrder(t *testing.T) {
	env := newTestEnv(t)

	rec := env.upload(t, chunkForm{fields: chunkFields(1, 3, "trip.mov", "Road trip"), filename: "blob", data: []byte("BBB")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var partial chunkResponse
	decodeBody(t, rec, &partial)
	require.Equal(t, "Chunk 1 uploaded successfully.", partial.Message)

	rec = env.upload(t, chunkForm{fields: chunkFields(0, 3, "trip.mov", ""), filename: "blob", data: []byte("AAA")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Empty(t, env.ingestor.ingests)

	rec = env.upload(t, chunkForm{fields: chunkFields(2, 3, "trip.mov", "Road trip"), filename: "blob", data: []byte("CC")})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, env.ingestor.ingests, 1)

	stored, err := os.ReadFile(env.ingestor.ingests[0].OriginalPath)
	require.NoError(t, err)
	require.Equal(t, "AAABBBCC", string(stored))
}

func TestUploadRejectionDiscardsSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.upload(t, chunkForm{fields: chunkFields(0, 2, "talk.avi", "Conference talk"), filename: "talk.avi", data: []byte("first")})
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := env.assembler.Session("talk.avi")
	require.True(t, ok)

	rec = env.upload(t, chunkForm{
		fields:      chunkFields(1, 2, "talk.avi", "Conference talk"),
		filename:    "talk.avi",
		contentType: "text/plain",
		data:        []byte("second"),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "not a video")

	_, ok = env.assembler.Session("talk.avi")
	require.False(t, ok)
	require.Empty(t, env.ingestor.ingests)
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name    string
		form    chunkForm
		status  int
		message string
	}{
		{
			name:    "disallowed extension",
			form:    chunkForm{fields: chunkFields(0, 1, "notes.txt", "Notes file"), filename: "notes.txt", data: []byte("x")},
			status:  http.StatusUnprocessableEntity,
			message: "invalid file type",
		},
		{
			name:    "index out of range",
			form:    chunkForm{fields: chunkFields(3, 2, "clip.mp4", "Demo clip"), filename: "clip.mp4", data: []byte("x")},
			status:  http.StatusBadRequest,
			message: "invalid chunk",
		},
		{
			name:    "short title on final chunk",
			form:    chunkForm{fields: chunkFields(0, 1, "clip.mp4", "ab"), filename: "clip.mp4", data: []byte("x")},
			status:  http.StatusBadRequest,
			message: "title must be at least 3 characters",
		},
		{
			name:    "non numeric index",
			form:    chunkForm{fields: map[string]string{"chunkIndex": "first", "filename": "clip.mp4"}, filename: "clip.mp4", data: []byte("x")},
			status:  http.StatusBadRequest,
			message: "chunkIndex must be an integer",
		},
		{
			name:    "missing file part",
			form:    chunkForm{fields: chunkFields(0, 1, "clip.mp4", "Demo clip"), omitFile: true},
			status:  http.StatusBadRequest,
			message: "no video file provided",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.upload(t, tc.form)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Contains(t, rec.Body.String(), tc.message)
			require.Empty(t, env.ingestor.ingests)
		})
	}
}

func TestUploadIngestFailureHidesDetails(t *testing.T) {
	env := newTestEnv(t)
	env.ingestor.err = errors.New("pgx: connection reset")

	rec := env.upload(t, chunkForm{fields: chunkFields(0, 1, "clip.mp4", "Demo clip"), filename: "clip.mp4", data: []byte("x")})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
	require.NotContains(t, rec.Body.String(), "pgx")

	require.Len(t, env.ingestor.ingests, 1)
	_, err := os.Stat(env.ingestor.ingests[0].OriginalPath)
	require.ErrorIs(t, err, os.ErrNotExist)
	leftovers, err := os.ReadDir(env.originalDir)
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestUploadRequestTooLarge(t *testing.T) {
	env := newTestEnv(t)
	env.handler.maxRequestBytes = 512

	rec := env.upload(t, chunkForm{fields: chunkFields(0, 1, "clip.mp4", "Demo clip"), filename: "clip.mp4", data: bytes.Repeat([]byte("x"), 4096)})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func (e *testEnv) seedAsset(t *testing.T, body []byte) models.MediaAsset {
	t.Helper()
	ctx := context.Background()
	asset, err := e.store.CreateAsset(ctx, metadata.NewAsset{Title: "Seeded", OriginalPath: "/videos/original/seeded.mp4"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), asset.ID+".mp4")
	require.NoError(t, os.WriteFile(path, body, 0o644))
	asset, err = e.store.WriteRenditions(ctx, asset.ID, map[models.Resolution]string{models.Resolution720p: path})
	require.NoError(t, err)
	return asset
}

func TestGetVideo(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, []byte("0123456789"))

	rec := env.do(http.MethodGet, "/api/videos/v1/"+asset.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.MediaAsset
	decodeBody(t, rec, &got)
	require.Equal(t, asset.ID, got.ID)
	require.Contains(t, got.Renditions, models.Resolution720p)

	rec = env.do(http.MethodGet, "/api/videos/v1/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteVideo(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, []byte("0123456789"))

	rec := env.do(http.MethodGet, "/api/videos/v1/stream/"+asset.ID+"?resolution=720p", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodDelete, "/api/videos/v1/"+asset.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{asset.ID}, env.ingestor.deletes)

	rec = env.do(http.MethodGet, "/api/videos/v1/"+asset.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(http.MethodGet, "/api/videos/v1/stream/"+asset.ID+"?resolution=720p", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodDelete, "/api/videos/v1/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamVideo(t *testing.T) {
	env := newTestEnv(t)
	asset := env.seedAsset(t, []byte("0123456789"))
	target := "/api/videos/v1/stream/" + asset.ID + "?resolution=720p"

	rec := env.do(http.MethodGet, target, http.Header{"Range": {"bytes=2-4"}})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "234", rec.Body.String())
	require.Equal(t, "bytes 2-4/10", rec.Header().Get("Content-Range"))

	rec = env.do(http.MethodHead, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, rec.Body.Len())

	rec = env.do(http.MethodGet, "/api/videos/v1/stream/"+asset.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code, "default resolution has no rendition")

	rec = env.do(http.MethodGet, "/api/videos/v1/stream/"+asset.ID+"?resolution=4k", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t,
		HealthCheck{Component: "metadata", Check: func(context.Context) error { return nil }},
		HealthCheck{Component: "relay", Check: func(context.Context) error { return errors.New("redis unreachable") }},
	)
	rec := env.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	decodeBody(t, rec, &resp)
	require.Equal(t, "degraded", resp.Status)
	require.Len(t, resp.Components, 2)
	require.Equal(t, "ok", resp.Components[0].Status)
	require.Equal(t, "redis unreachable", resp.Components[1].Error)

	healthy := newTestEnv(t)
	rec = healthy.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("wrap: %w", upload.ErrInvalidChunk), http.StatusBadRequest},
		{fmt.Errorf("%w: bad", errBadRequest), http.StatusBadRequest},
		{validation.Verdict{Reason: "too big"}.Err(), http.StatusUnprocessableEntity},
		{fmt.Errorf("wrap: %w", upload.ErrAssembly), http.StatusInternalServerError},
		{metadata.ErrNotFound, http.StatusNotFound},
		{stream.ErrNotFound, http.StatusNotFound},
		{auth.ErrUnauthenticated, http.StatusUnauthorized},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		require.Equal(t, tc.status, statusForError(tc.err), tc.err.Error())
	}
}
