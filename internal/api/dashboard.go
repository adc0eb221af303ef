package api

import (
	"context"
	"log/slog"
	"net/http"
)

type QueueReader interface {
	Depths(ctx context.Context, streams ...string) (map[string]int64, error)
}

type ClientCounter interface {
	ClientCount() int
}

type DashboardHandler struct {
	deliveries DeliveryReader
	queues     QueueReader
	streams    []string
	hub        ClientCounter
	logger     *slog.Logger
}

func NewDashboardHandler(d DeliveryReader, q QueueReader, streams []string, hub ClientCounter, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{deliveries: d, queues: q, streams: streams, hub: hub, logger: logger}
}

// Stats returns ledger totals (optionally for one campaign) with stream depths.
func (h *DashboardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deliveries.Stats(r.Context(), r.URL.Query().Get("campaignId"))
	if err != nil {
		h.logger.Error("failed to get delivery stats", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	depths, err := h.queues.Depths(r.Context(), h.streams...)
	if err != nil {
		h.logger.Warn("failed to read queue depths", "error", err)
		depths = map[string]int64{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"deliveries":       stats,
		"queueDepths":      depths,
		"websocketClients": h.hub.ClientCount(),
	})
}
