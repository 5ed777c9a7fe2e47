package handler

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/leca/imgshrink/internal/api"
	"github.com/leca/imgshrink/internal/database"
	"github.com/leca/imgshrink/internal/model"
)

// ImageJSON is the body of GET /json/{id}. _id and id are identical.
type ImageJSON struct {
	MongoID              string `json:"_id"`
	ID                   string `json:"id"`
	ThumbnailB64         string `json:"thumbnail_b64"`
	ContentType          string `json:"content-type"`
	Width                int    `json:"width"`
	Height               int    `json:"height"`
	ThumbnailContentType string `json:"thumbnail-content-type"`
}

// fetch loads the image named by the {id} URL parameter, writing a 404 or
// 503 when it cannot.
func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) (*model.Image, bool) {
	id := chi.URLParam(r, "id")
	img, err := h.Store.Fetch(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		api.NotFound(w, "image not found")
		return nil, false
	}
	if err != nil {
		h.writePipelineError(w, err)
		return nil, false
	}
	return img, true
}

// ServeImage handles GET /{id} and returns the primary variant.
func (h *Handler) ServeImage(w http.ResponseWriter, r *http.Request) {
	img, ok := h.fetch(w, r)
	if !ok {
		return
	}
	h.touch(img.ID)
	writeVariant(w, img.Primary)
}

// ServeThumbnail handles GET /thumb/{id}.
func (h *Handler) ServeThumbnail(w http.ResponseWriter, r *http.Request) {
	img, ok := h.fetch(w, r)
	if !ok {
		return
	}
	h.touch(img.ID)
	writeVariant(w, img.Thumbnail)
}

// RedirectImage handles GET /image/{id}, kept for old links.
func (h *Handler) RedirectImage(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/"+chi.URLParam(r, "id"), http.StatusSeeOther)
}

// GetImageJSON handles GET /json/{id}.
func (h *Handler) GetImageJSON(w http.ResponseWriter, r *http.Request) {
	img, ok := h.fetch(w, r)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, ImageJSON{
		MongoID:              img.ID,
		ID:                   img.ID,
		ThumbnailB64:         base64.StdEncoding.EncodeToString(img.Thumbnail.Data),
		ContentType:          img.Primary.ContentType,
		Width:                img.Width,
		Height:               img.Height,
		ThumbnailContentType: img.Thumbnail.ContentType,
	})
}

func writeVariant(w http.ResponseWriter, v model.Variant) {
	w.Header().Set("Content-Type", v.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(v.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(v.Data); err != nil {
		slog.Debug("failed to write image response", "error", err)
	}
}
