package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/requeue"
	"github.com/go-chi/chi/v5"
)

type DLQLister interface {
	List(ctx context.Context, f domain.DLQFilter, page, limit int) (*domain.DLQPage, error)
}

type Requeuer interface {
	RequeueDLQ(ctx context.Context, caller requeue.Caller, entryID string) (*requeue.Result, error)
	RequeueDeliveryRow(ctx context.Context, caller requeue.Caller, rowID int64) (*requeue.Result, error)
	RequeueCampaign(ctx context.Context, caller requeue.Caller, campaignID string) (*requeue.BulkResult, error)
}

type DeadLetterHandler struct {
	dlq     DLQLister
	requeue Requeuer
	logger  *slog.Logger
}

func NewDeadLetterHandler(dlq DLQLister, rq Requeuer, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{dlq: dlq, requeue: rq, logger: logger}
}

type requeueResponse struct {
	Status             string    `json:"status,omitempty"`
	Error              string    `json:"error,omitempty"`
	RequeueLockedUntil time.Time `json:"requeueLockedUntil"`
}

func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.DLQFilter{
		CampaignID:    q.Get("campaignId"),
		Channel:       q.Get("channel"),
		Recipient:     q.Get("recipient"),
		TenantID:      q.Get("tenantId"),
		ErrorContains: q.Get("errorContains"),
	}

	var err error
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid since")
		return
	}
	if filter.Until, err = parseTime(q.Get("until")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid until")
		return
	}

	// tenants only ever see their own entries
	if caller := callerFrom(r); caller.TenantScoped() {
		if caller.TenantID == "" {
			respondError(w, http.StatusForbidden, "forbidden")
			return
		}
		filter.TenantID = caller.TenantID
	}

	page, err := h.dlq.List(r.Context(), filter, queryInt(r, "page", 1), queryInt(r, "limit", 50))
	if err != nil {
		h.logger.Error("failed to list dlq", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list dlq")
		return
	}

	respondJSON(w, http.StatusOK, page)
}

func (h *DeadLetterHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deliveryId")

	res, err := h.requeue.RequeueDLQ(r.Context(), callerFrom(r), id)
	if err != nil {
		h.requeueError(w, err, "dlq_id", id)
		return
	}
	respondJSON(w, http.StatusAccepted, requeueResponse{Status: "accepted", RequeueLockedUntil: res.LockedUntil})
}

func (h *DeadLetterHandler) RequeueDeliveryRow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid delivery row id")
		return
	}

	res, err := h.requeue.RequeueDeliveryRow(r.Context(), callerFrom(r), id)
	if err != nil {
		h.requeueError(w, err, "row_id", id)
		return
	}
	respondJSON(w, http.StatusAccepted, requeueResponse{Status: "accepted", RequeueLockedUntil: res.LockedUntil})
}

func (h *DeadLetterHandler) RequeueCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignId")

	res, err := h.requeue.RequeueCampaign(r.Context(), callerFrom(r), campaignID)
	if err != nil {
		h.requeueError(w, err, "campaign_id", campaignID)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "result": res})
}

func (h *DeadLetterHandler) requeueError(w http.ResponseWriter, err error, key string, id any) {
	var locked *requeue.LockedError
	switch {
	case errors.As(err, &locked):
		respondJSON(w, http.StatusConflict, requeueResponse{Error: "locked", RequeueLockedUntil: locked.Until})
	case errors.Is(err, requeue.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, requeue.ErrForbidden):
		respondError(w, http.StatusForbidden, "forbidden")
	default:
		h.logger.Error("requeue failed", "error", err, key, id)
		respondError(w, http.StatusInternalServerError, "internal_error")
	}
}

// parseTime accepts RFC 3339 or unix milliseconds.
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
