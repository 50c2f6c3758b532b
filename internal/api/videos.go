package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"mediaforge/internal/metadata"
	"mediaforge/internal/models"
)

func assetIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

// GetVideo returns the asset record. Soft-deleted assets are not found.
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	asset, err := h.assets.GetAsset(r.Context(), assetIDParam(r))
	if err == nil && asset.Deleted() {
		err = metadata.ErrNotFound
	}
	if err != nil {
		h.writeStatusError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// DeleteVideo soft-deletes the asset and cancels its outstanding jobs.
func (h *Handler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	id := assetIDParam(r)
	if err := h.ingestor.DeleteAsset(r.Context(), id); err != nil {
		h.writeStatusError(w, r, err)
		return
	}
	h.streamer.Invalidate(id)
	h.loggerFor(r).Info("asset deleted", "asset_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// StreamVideo serves a rendition selected by the resolution query parameter.
func (h *Handler) StreamVideo(w http.ResponseWriter, r *http.Request) {
	res, ok := models.ParseResolution(r.URL.Query().Get("resolution"))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported resolution %q", r.URL.Query().Get("resolution")))
		return
	}
	if err := h.streamer.Serve(w, r, assetIDParam(r), res); err != nil {
		h.writeStatusError(w, r, err)
	}
}
