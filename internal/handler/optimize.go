package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/leca/imgshrink/internal/api"
	"github.com/leca/imgshrink/internal/optimize"
)

// OptimizeResult is the body of a successful POST /api/optimize/{id}.
type OptimizeResult struct {
	ID          string `json:"id"`
	OptimLevel  int    `json:"optim_level"`
	BytesBefore int    `json:"bytes_before"`
	BytesAfter  int    `json:"bytes_after"`
}

// OptimizeImage handles POST /api/optimize/{id}. It runs one optimization
// pass synchronously.
func (h *Handler) OptimizeImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.Optimizer.Optimize(r.Context(), id)
	if err != nil {
		h.writePipelineError(w, err)
		return
	}

	switch res.Outcome {
	case optimize.OutcomeIneligible:
		api.Conflict(w, res.Reason)
	case optimize.OutcomeBusy:
		api.Locked(w, "image is being optimized")
	default:
		api.WriteJSON(w, http.StatusOK, OptimizeResult{
			ID:          id,
			OptimLevel:  res.Image.OptimLevel,
			BytesBefore: res.BytesBefore,
			BytesAfter:  res.BytesAfter,
		})
	}
}
