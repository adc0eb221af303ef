package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/store"
	"github.com/go-chi/chi/v5"
)

type DeliveryReader interface {
	Get(ctx context.Context, id int64) (*domain.DeliveryRow, error)
	List(ctx context.Context, f domain.DeliveryFilter) ([]domain.DeliveryRow, error)
	Stats(ctx context.Context, campaignID string) (*store.DeliveryStats, error)
}

type DeliveryHandler struct {
	store  DeliveryReader
	logger *slog.Logger
}

func NewDeliveryHandler(s DeliveryReader, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{store: s, logger: logger}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.DeliveryFilter{
		CampaignID: q.Get("campaignId"),
		Status:     q.Get("status"),
		Recipient:  q.Get("recipient"),
		Limit:      uint64(queryInt(r, "limit", 50)),
	}
	if s := q.Get("offset"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			filter.Offset = n
		}
	}

	rows, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list deliveries", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if rows == nil {
		rows = []domain.DeliveryRow{}
	}

	respondJSON(w, http.StatusOK, rows)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid delivery id")
		return
	}

	row, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get delivery", "error", err, "id", id)
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if row == nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}

	respondJSON(w, http.StatusOK, row)
}
