package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/leca/imgshrink/internal/api"
	"github.com/leca/imgshrink/internal/config"
	"github.com/leca/imgshrink/internal/database"
	"github.com/leca/imgshrink/internal/imageproc"
	"github.com/leca/imgshrink/internal/ingest"
	"github.com/leca/imgshrink/internal/optimize"
	"github.com/leca/imgshrink/internal/spool"
)

// touchTimeout bounds the background last-seen update after a read.
const touchTimeout = 5 * time.Second

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Store     database.Store
	Ingestor  *ingest.Ingestor
	Optimizer *optimize.Optimizer
	Spool     *spool.Spool
	Config    *config.Config
	Logger    *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// touch records a read without delaying or failing the response.
func (h *Handler) touch(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := h.Store.TouchLastSeen(ctx, id); err != nil {
			h.logger().Debug("touch last seen failed", "id", id, "error", err)
		}
	}()
}

// writePipelineError maps ingestion and optimization failures to responses.
func (h *Handler) writePipelineError(w http.ResponseWriter, err error) {
	var (
		decodeErr *imageproc.DecodeError
		encodeErr *imageproc.AllCandidatesFailedError
	)
	switch {
	case errors.As(err, &decodeErr):
		api.UnprocessableEntity(w, "could not decode image: "+decodeErr.Error())
	case errors.As(err, &encodeErr):
		api.UnprocessableEntity(w, "could not encode image: "+encodeErr.Error())
	case errors.Is(err, database.ErrNotFound):
		api.NotFound(w, "image not found")
	case errors.Is(err, database.ErrUnavailable):
		h.logger().Error("store unavailable", "error", err)
		api.Unavailable(w, "image store unavailable")
	default:
		h.logger().Error("request failed", "error", err)
		api.InternalError(w, "internal server error")
	}
}
