package domain

import (
	"time"
)

// Ledger statuses. Only the most recent attempt's outcome is kept.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryRequeued  = "requeued"
)

// DeliveryRow is one ledger row per (campaign, recipient).
type DeliveryRow struct {
	ID           int64     `json:"id"`
	CampaignID   string    `json:"campaignId"`
	TenantID     *string   `json:"tenantId,omitempty"`
	Recipient    string    `json:"recipient"`
	Channel      *string   `json:"channel,omitempty"`
	Status       string    `json:"status"`
	Code         *string   `json:"code,omitempty"`
	AttemptCount int       `json:"attemptCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DeliveryFilter narrows ledger listings. Zero values are ignored.
type DeliveryFilter struct {
	CampaignID string
	Status     string
	Recipient  string
	Limit      uint64
	Offset     uint64
}
