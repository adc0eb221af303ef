package domain

import (
	"time"
)

// DLQEntry is the payload stored in the dead-letter stream.
type DLQEntry struct {
	CampaignID string         `json:"campaignId"`
	Recipient  string         `json:"recipient"`
	TenantID   string         `json:"tenantId,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Attempt    int            `json:"attempt"`
	Error      string         `json:"error"`
}

// StoredDLQEntry is a DLQ entry together with its stream id and insertion time.
type StoredDLQEntry struct {
	ID       string
	Entry    DLQEntry
	FailedAt time.Time
}

// RetryDescriptor is a future-due retry. When is an absolute due time in unix milliseconds.
type RetryDescriptor struct {
	CampaignID string         `json:"campaignId"`
	Recipient  string         `json:"recipient"`
	TenantID   string         `json:"tenantId,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Attempt    int            `json:"attempt"`
	When       int64          `json:"when"`
}

func (d RetryDescriptor) Due(now time.Time) bool {
	return now.UnixMilli() >= d.When
}

// Message rebuilds the channel-stream message this descriptor retries.
func (d RetryDescriptor) Message() Message {
	return Message{
		CampaignID: d.CampaignID,
		Recipient:  d.Recipient,
		TenantID:   d.TenantID,
		Channel:    d.Channel,
		Attempt:    d.Attempt,
		Payload:    d.Payload,
	}
}

// DLQFilter is applied after the full DLQ scan.
type DLQFilter struct {
	CampaignID    string
	Channel       string
	Recipient     string
	TenantID      string
	ErrorContains string
	Since         *time.Time
	Until         *time.Time
}

// DLQItem is one row of the operator DLQ listing.
type DLQItem struct {
	DeliveryID        string     `json:"deliveryId"`
	CampaignID        string     `json:"campaignId"`
	Channel           string     `json:"channel"`
	Recipient         string     `json:"recipient"`
	TenantID          *string    `json:"tenantId"`
	CampaignName      *string    `json:"campaignName"`
	CampaignCreatedAt *time.Time `json:"campaignCreatedAt"`
	Attempt           int        `json:"attempt"`
	ErrorReason       string     `json:"errorReason"`
	FailedAt          time.Time  `json:"failedAt"`
}

type DLQPage struct {
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
	Total int       `json:"total"`
	Items []DLQItem `json:"items"`
}
