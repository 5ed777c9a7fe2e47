package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/leca/imgshrink/internal/api"
	"github.com/leca/imgshrink/internal/spool"
)

// uploadField is the multipart field carrying the image.
const uploadField = "image"

// UploadResult is returned by the JSON upload endpoints.
type UploadResult struct {
	Hash string `json:"hash"`
	URL  string `json:"url"`
	View string `json:"view"`
}

// UploadImage handles POST / and redirects the browser to the new image.
func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.receiveUpload(w, r)
	if !ok {
		return
	}
	http.Redirect(w, r, "/"+id, http.StatusSeeOther)
}

// UploadImageAPI handles POST /api/upload and /api/upload/short.
func (h *Handler) UploadImageAPI(w http.ResponseWriter, r *http.Request) {
	id, ok := h.receiveUpload(w, r)
	if !ok {
		return
	}
	url := h.Config.PublicURL(id)
	api.WriteJSON(w, http.StatusOK, UploadResult{Hash: id, URL: url, View: url})
}

// receiveUpload spools the "image" part to disk and ingests it. It writes
// the error response itself and reports whether an id was produced.
func (h *Handler) receiveUpload(w http.ResponseWriter, r *http.Request) (string, bool) {
	limit := h.Config.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+64<<10)

	mr, err := r.MultipartReader()
	if err != nil {
		api.BadRequest(w, "invalid multipart form: "+err.Error())
		return "", false
	}

	part, err := findPart(mr, uploadField)
	if err != nil {
		if isTooLarge(err) {
			api.TooLarge(w, "upload too large")
			return "", false
		}
		api.BadRequest(w, err.Error())
		return "", false
	}
	defer part.Close()

	path, n, err := h.Spool.Put(part, limit)
	if err != nil {
		if isTooLarge(err) {
			api.TooLarge(w, fmt.Sprintf("upload exceeds %d bytes", limit))
			return "", false
		}
		h.logger().Error("spooling upload failed", "error", err)
		api.InternalError(w, "failed to receive upload")
		return "", false
	}
	defer func() {
		if err := h.Spool.Remove(path); err != nil {
			h.logger().Warn("removing spooled upload failed", "path", path, "error", err)
		}
	}()
	if n == 0 {
		api.BadRequest(w, "empty upload")
		return "", false
	}

	contentType := part.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		mt, err := mimetype.DetectFile(path)
		if err == nil {
			contentType = mt.String()
		}
	}

	id, err := h.Ingestor.IngestFile(r.Context(), path, contentType)
	if err != nil {
		h.logger().Info("upload rejected", "content_type", contentType, "error", err)
		h.writePipelineError(w, err)
		return "", false
	}
	return id, true
}

func findPart(mr *multipart.Reader, name string) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("missing required field: %s", name)
		}
		if err != nil {
			return nil, fmt.Errorf("reading multipart body: %w", err)
		}
		if part.FormName() == name {
			return part, nil
		}
		part.Close()
	}
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || errors.Is(err, spool.ErrTooLarge)
}
