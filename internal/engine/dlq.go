package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/stream"
)

// CampaignMetaLookup resolves display metadata for a set of campaign ids.
type CampaignMetaLookup interface {
	Meta(ctx context.Context, ids []string) (map[string]domain.CampaignMeta, error)
}

// DLQStore is the bounded dead-letter stream.
type DLQStore struct {
	streams   *stream.Client
	campaigns CampaignMetaLookup
	logger    *slog.Logger
	maxLen    int64
}

func NewDLQStore(streams *stream.Client, campaigns CampaignMetaLookup, maxLen int64, logger *slog.Logger) *DLQStore {
	return &DLQStore{
		streams:   streams,
		campaigns: campaigns,
		logger:    logger,
		maxLen:    maxLen,
	}
}

// Write appends a permanently failed attempt and returns its entry id.
func (d *DLQStore) Write(ctx context.Context, entry domain.DLQEntry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encoding dlq entry: %w", err)
	}

	var id string
	if d.maxLen > 0 {
		id, err = d.streams.PublishCapped(ctx, domain.StreamDLQ, d.maxLen, map[string]any{"payload": string(data)})
	} else {
		id, err = d.streams.Publish(ctx, domain.StreamDLQ, map[string]any{"payload": string(data)})
	}
	if err != nil {
		return "", fmt.Errorf("writing dlq entry: %w", err)
	}
	return id, nil
}

// Get returns the entry with the given id, or nil if it does not exist.
func (d *DLQStore) Get(ctx context.Context, id string) (*domain.StoredDLQEntry, error) {
	if _, ok := stream.EntryTime(id); !ok {
		return nil, nil
	}
	entries, err := d.streams.Range(ctx, domain.StreamDLQ, id, id, 1)
	if err != nil {
		return nil, fmt.Errorf("reading dlq entry %s: %w", id, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	stored, err := decodeDLQ(entries[0].ID, entries[0].Values)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// List scans the whole stream, joins campaign metadata, filters, then pages.
func (d *DLQStore) List(ctx context.Context, f domain.DLQFilter, page, limit int) (*domain.DLQPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	entries, err := d.scan(ctx)
	if err != nil {
		return nil, err
	}

	meta := d.lookupMeta(ctx, entries)

	var items []domain.DLQItem
	for _, e := range entries {
		m, hasMeta := meta[e.Entry.CampaignID]
		if !matches(e, m, hasMeta, f) {
			continue
		}
		items = append(items, toItem(e, m, hasMeta))
	}

	out := &domain.DLQPage{Page: page, Limit: limit, Total: len(items), Items: []domain.DLQItem{}}
	start := (page - 1) * limit
	if start < len(items) {
		end := min(start+limit, len(items))
		out.Items = items[start:end]
	}
	return out, nil
}

// DeleteMatching removes the entry with id, or when id is empty every entry
// for campaignID (and recipient, if given). Returns the number removed.
func (d *DLQStore) DeleteMatching(ctx context.Context, id, campaignID, recipient string) (int, error) {
	if id != "" {
		if err := d.streams.Delete(ctx, domain.StreamDLQ, id); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if campaignID == "" {
		return 0, fmt.Errorf("delete matching requires an id or a campaign id")
	}

	entries, err := d.scan(ctx)
	if err != nil {
		return 0, err
	}

	var ids []string
	for _, e := range entries {
		if e.Entry.CampaignID != campaignID {
			continue
		}
		if recipient != "" && e.Entry.Recipient != recipient {
			continue
		}
		ids = append(ids, e.ID)
	}

	if err := d.streams.Delete(ctx, domain.StreamDLQ, ids...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (d *DLQStore) scan(ctx context.Context) ([]domain.StoredDLQEntry, error) {
	raw, err := d.streams.Range(ctx, domain.StreamDLQ, "-", "+", 0)
	if err != nil {
		return nil, fmt.Errorf("scanning dlq: %w", err)
	}

	out := make([]domain.StoredDLQEntry, 0, len(raw))
	for _, r := range raw {
		e, err := decodeDLQ(r.ID, r.Values)
		if err != nil {
			d.logger.Warn("skipping unreadable dlq entry", "id", r.ID, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *DLQStore) lookupMeta(ctx context.Context, entries []domain.StoredDLQEntry) map[string]domain.CampaignMeta {
	if d.campaigns == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, e := range entries {
		id := e.Entry.CampaignID
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	meta, err := d.campaigns.Meta(ctx, ids)
	if err != nil {
		d.logger.Warn("failed to load campaign metadata for dlq", "error", err)
		return nil
	}
	return meta
}

func matches(e domain.StoredDLQEntry, m domain.CampaignMeta, hasMeta bool, f domain.DLQFilter) bool {
	if f.CampaignID != "" && e.Entry.CampaignID != f.CampaignID {
		return false
	}
	if f.Channel != "" && e.Entry.Channel != f.Channel {
		return false
	}
	if f.Recipient != "" && e.Entry.Recipient != f.Recipient {
		return false
	}
	if f.ErrorContains != "" && !strings.Contains(strings.ToLower(e.Entry.Error), strings.ToLower(f.ErrorContains)) {
		return false
	}
	if f.Since != nil && e.FailedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.FailedAt.After(*f.Until) {
		return false
	}
	if f.TenantID != "" {
		tenant := e.Entry.TenantID
		if tenant == "" && hasMeta {
			tenant = m.TenantID
		}
		// entries with no known tenant never match a tenant filter
		if tenant == "" || tenant != f.TenantID {
			return false
		}
	}
	return true
}

func toItem(e domain.StoredDLQEntry, m domain.CampaignMeta, hasMeta bool) domain.DLQItem {
	item := domain.DLQItem{
		DeliveryID:  e.ID,
		CampaignID:  e.Entry.CampaignID,
		Channel:     e.Entry.Channel,
		Recipient:   e.Entry.Recipient,
		Attempt:     e.Entry.Attempt,
		ErrorReason: e.Entry.Error,
		FailedAt:    e.FailedAt,
	}
	if item.Channel == "" {
		item.Channel = domain.ChannelEmail
	}

	tenant := e.Entry.TenantID
	if hasMeta {
		if tenant == "" {
			tenant = m.TenantID
		}
		if m.Name != "" {
			name := m.Name
			item.CampaignName = &name
		}
		if !m.CreatedAt.IsZero() {
			created := m.CreatedAt
			item.CampaignCreatedAt = &created
		}
	}
	if tenant != "" {
		item.TenantID = &tenant
	}
	return item
}

func decodeDLQ(id string, values map[string]any) (domain.StoredDLQEntry, error) {
	env, err := stream.Envelope(values)
	if err != nil {
		return domain.StoredDLQEntry{}, fmt.Errorf("decoding dlq entry %s: %w", id, err)
	}
	msg, err := stream.Decode(values)
	if err != nil {
		return domain.StoredDLQEntry{}, fmt.Errorf("decoding dlq entry %s: %w", id, err)
	}

	errText := stream.StringField(env, "error")
	if errText == "" {
		errText = stream.StringField(values, "error")
	}

	stored := domain.StoredDLQEntry{
		ID: id,
		Entry: domain.DLQEntry{
			CampaignID: msg.CampaignID,
			Recipient:  msg.Recipient,
			TenantID:   msg.TenantID,
			Channel:    msg.Channel,
			Payload:    msg.Payload,
			Attempt:    msg.Attempt,
			Error:      errText,
		},
	}
	stored.FailedAt, _ = stream.EntryTime(id)
	return stored, nil
}
