package domain

import (
	"time"
)

// Campaign statuses as stored in the document store.
const (
	CampaignQueued    = "queued"
	CampaignScheduled = "scheduled"
	CampaignDelivered = "delivered"
	CampaignFailed    = "failed"
)

type Campaign struct {
	ID              string         `json:"id" bson:"_id"`
	TenantID        string         `json:"tenantId,omitempty" bson:"tenantId,omitempty"`
	Name            string         `json:"name,omitempty" bson:"name,omitempty"`
	Channel         string         `json:"channel,omitempty" bson:"channel,omitempty"`
	Recipients      []Recipient    `json:"recipients,omitempty" bson:"recipients,omitempty"`
	Payload         map[string]any `json:"payload,omitempty" bson:"payload,omitempty"`
	Meta            map[string]any `json:"meta,omitempty" bson:"meta,omitempty"`
	ScheduleAt      *time.Time     `json:"scheduleAt,omitempty" bson:"scheduleAt,omitempty"`
	Status          string         `json:"status,omitempty" bson:"status,omitempty"`
	Attempt         int            `json:"attempt,omitempty" bson:"attempt,omitempty"`
	NextAttemptAt   *time.Time     `json:"nextAttemptAt,omitempty" bson:"nextAttemptAt,omitempty"`
	LastDeliveredAt *time.Time     `json:"lastDeliveredAt,omitempty" bson:"lastDeliveredAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt" bson:"createdAt"`
}

// CampaignMeta is the projection used to enrich DLQ listings.
type CampaignMeta struct {
	ID        string    `json:"id" bson:"_id"`
	Name      string    `json:"name,omitempty" bson:"name,omitempty"`
	TenantID  string    `json:"tenantId,omitempty" bson:"tenantId,omitempty"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}
