package domain

// Message is the canonical shape of every incoming, channel and retry entry
// once decoded. Campaign-level fields (Recipients, Name) only appear on
// incoming pointers.
type Message struct {
	CampaignID string         `json:"campaignId"`
	Recipient  string         `json:"recipient,omitempty"`
	TenantID   string         `json:"tenantId,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Requeue    bool           `json:"requeue,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Recipients []Recipient    `json:"recipients,omitempty"`
	Name       string         `json:"name,omitempty"`
}

// Valid reports whether the message names both a campaign and a recipient.
func (m *Message) Valid() bool {
	return m.CampaignID != "" && m.Recipient != ""
}
