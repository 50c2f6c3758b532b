package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mediaforge/internal/metadata"
	"mediaforge/internal/models"
	"mediaforge/internal/validation"
)

const (
	multipartMemory = 32 << 20
	minTitleLength  = 3

	messageChunkStored    = "Chunk %d uploaded successfully."
	messageUploadAccepted = "Video uploaded successfully. Processing in progress."
)

type chunkResponse struct {
	Message string `json:"message"`
}

type uploadResponse struct {
	Message string            `json:"message"`
	Video   models.MediaAsset `json:"video"`
}

type chunkRequest struct {
	index       int
	total       int
	filename    string
	title       string
	description string
	contentType string
}

// Upload accepts one chunk of a multipart upload. The chunk that completes
// the file triggers assembly, hashing and job scheduling.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			h.writeStatusError(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart payload"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("no video file provided"))
		return
	}
	defer file.Close()

	req, err := parseChunkRequest(r, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		h.writeStatusError(w, r, err)
		return
	}
	logger := h.loggerFor(r).With("filename", req.filename, "chunk", req.index, "total", req.total)

	verdict, err := h.validator.Validate(r.Context(), validation.ChunkMeta{
		Filename:    req.filename,
		ContentType: req.contentType,
		Index:       req.index,
		Total:       req.total,
	}, file)
	if err != nil {
		h.writeStatusError(w, r, fmt.Errorf("validate chunk: %w", err))
		return
	}
	if !verdict.Passed {
		logger.Warn("upload rejected", "reason", verdict.Reason)
		if discardErr := h.chunks.Discard(req.filename); discardErr != nil {
			logger.Warn("failed to discard rejected upload", "error", discardErr)
		}
		h.writeStatusError(w, r, verdict.Err())
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		h.writeStatusError(w, r, fmt.Errorf("rewind chunk: %w", err))
		return
	}

	status, err := h.chunks.ReceiveChunk(r.Context(), req.filename, req.index, req.total, file)
	if err != nil {
		h.writeStatusError(w, r, err)
		return
	}
	if !status.Assembled {
		writeJSON(w, http.StatusOK, chunkResponse{Message: fmt.Sprintf(messageChunkStored, req.index)})
		return
	}

	hash, err := validation.HashFile(r.Context(), status.Path)
	if err != nil {
		discardOriginal(logger, status.Path)
		h.writeStatusError(w, r, fmt.Errorf("hash upload: %w", err))
		return
	}
	asset, err := h.ingestor.Ingest(r.Context(), metadata.NewAsset{
		Title:        req.title,
		Description:  req.description,
		OriginalPath: status.Path,
		FileSize:     status.TotalSize,
		ContentHash:  hash,
	})
	if err != nil {
		discardOriginal(logger, status.Path)
		h.writeStatusError(w, r, err)
		return
	}
	logger.Info("upload accepted", "asset_id", asset.ID, "bytes", status.TotalSize)
	writeJSON(w, http.StatusOK, uploadResponse{Message: messageUploadAccepted, Video: asset})
}

// discardOriginal removes an assembled original that no asset will own.
func discardOriginal(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove orphaned original", "path", path, "error", err)
	}
}

func parseChunkRequest(r *http.Request, partName, contentType string) (chunkRequest, error) {
	req := chunkRequest{
		index:       0,
		total:       1,
		filename:    strings.TrimSpace(r.FormValue("filename")),
		title:       strings.TrimSpace(r.FormValue("title")),
		description: strings.TrimSpace(r.FormValue("description")),
		contentType: contentType,
	}
	if raw := strings.TrimSpace(r.FormValue("chunkIndex")); raw != "" {
		index, err := strconv.Atoi(raw)
		if err != nil {
			return chunkRequest{}, fmt.Errorf("%w: chunkIndex must be an integer", errBadRequest)
		}
		req.index = index
	}
	if raw := strings.TrimSpace(r.FormValue("totalChunks")); raw != "" {
		total, err := strconv.Atoi(raw)
		if err != nil {
			return chunkRequest{}, fmt.Errorf("%w: totalChunks must be an integer", errBadRequest)
		}
		req.total = total
	}
	if req.filename == "" {
		req.filename = strings.TrimSpace(partName)
	}
	if req.filename == "" {
		return chunkRequest{}, fmt.Errorf("%w: filename is required", errBadRequest)
	}
	if req.title == "" {
		base := filepath.Base(req.filename)
		req.title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if req.index == req.total-1 && len([]rune(req.title)) < minTitleLength {
		return chunkRequest{}, fmt.Errorf("%w: title must be at least %d characters", errBadRequest, minTitleLength)
	}
	return req, nil
}
