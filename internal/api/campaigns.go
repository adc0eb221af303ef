package api

import (
	"log/slog"
	"net/http"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/stream"
	"github.com/go-chi/chi/v5"
)

type CampaignHandler struct {
	publisher stream.Publisher
	logger    *slog.Logger
}

func NewCampaignHandler(p stream.Publisher, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{publisher: p, logger: logger}
}

// Dispatch publishes a campaign pointer to the incoming stream. The router
// loads the campaign document itself.
func (h *CampaignHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "campaign id is required")
		return
	}

	entryID, err := h.publisher.Publish(r.Context(), domain.StreamIncoming, map[string]any{"campaignId": id})
	if err != nil {
		h.logger.Error("failed to publish campaign pointer", "error", err, "campaign_id", id)
		respondError(w, http.StatusInternalServerError, "failed to dispatch campaign")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"campaignId": id,
		"streamId":   entryID,
	})
}
