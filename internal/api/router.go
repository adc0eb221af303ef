package api

import (
	"log/slog"
	"net/http"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/metrics"
	"github.com/Priya8975/notifly/internal/stream"
	ws "github.com/Priya8975/notifly/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps are the stores and services the operator API is built on.
type Deps struct {
	DLQ        DLQLister
	Requeue    Requeuer
	Deliveries DeliveryReader
	Streams    *stream.Client
	Breaker    BreakerReader
	// BreakerTargets are the channel:provider circuits reported by /health.
	BreakerTargets []string
	Hub            *ws.Hub
	Logger         *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(metrics.HTTPMiddleware)
	r.Use(corsMiddleware)

	dlqHandler := NewDeadLetterHandler(d.DLQ, d.Requeue, d.Logger)
	deliveryHandler := NewDeliveryHandler(d.Deliveries, d.Logger)
	campaignHandler := NewCampaignHandler(d.Streams, d.Logger)
	dashHandler := NewDashboardHandler(d.Deliveries, d.Streams, watchedStreams(), d.Hub, d.Logger)

	r.Get("/ws", d.Hub.HandleWebSocket)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(d.Breaker, d.BreakerTargets))
		r.Get("/stats", dashHandler.Stats)

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", dlqHandler.List)
			r.Post("/{deliveryId}/requeue", dlqHandler.Requeue)
			r.Post("/delivery-row/{id}/requeue", dlqHandler.RequeueDeliveryRow)
			r.Post("/campaign/{campaignId}/requeue", dlqHandler.RequeueCampaign)
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)
		})

		r.Post("/campaigns/{id}/dispatch", campaignHandler.Dispatch)
	})

	return r
}

func watchedStreams() []string {
	streams := []string{domain.StreamIncoming, domain.StreamRetry, domain.StreamDLQ}
	for _, ch := range domain.Channels {
		streams = append(streams, domain.ChannelStream(ch))
	}
	return streams
}

// corsMiddleware adds CORS headers for the operator dashboard.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Role, X-Tenant-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
