package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/stream"
)

// CampaignScheduleMarker annotates a campaign with its next retry.
type CampaignScheduleMarker interface {
	MarkScheduled(ctx context.Context, campaignID string, nextAttemptAt time.Time, attempt int) error
}

// RetryScheduler persists due-later retries on the retry stream and drains
// the ones that have come due.
//
// The delay is a constant. Exponential backoff was considered and dropped to
// keep the worst-case latency of an operator-visible retry bounded.
type RetryScheduler struct {
	streams    *stream.Client
	campaigns  CampaignScheduleMarker
	logger     *slog.Logger
	delay      time.Duration
	maxRetries int
	scanCount  int64
	now        func() time.Time

	// cursor is where the next drain resumes; "-" is the head of the stream.
	mu     sync.Mutex
	cursor string
}

// maxDrainPages bounds the pages of scanCount entries one drain reads.
const maxDrainPages = 10

func NewRetryScheduler(streams *stream.Client, campaigns CampaignScheduleMarker, delay time.Duration, maxRetries int, scanCount int64, logger *slog.Logger) *RetryScheduler {
	if scanCount <= 0 {
		scanCount = 50
	}
	return &RetryScheduler{
		streams:    streams,
		campaigns:  campaigns,
		logger:     logger,
		delay:      delay,
		maxRetries: maxRetries,
		scanCount:  scanCount,
		now:        time.Now,
		cursor:     "-",
	}
}

// ShouldRetry reports whether attempt is still within the retry budget.
func (s *RetryScheduler) ShouldRetry(attempt int) bool {
	return attempt <= s.maxRetries
}

// Schedule records a retry of msg at the given attempt and returns its due time.
// Annotating the campaign document is best-effort.
func (s *RetryScheduler) Schedule(ctx context.Context, msg domain.Message, attempt int) (time.Time, error) {
	due := s.now().Add(s.delay)
	desc := domain.RetryDescriptor{
		CampaignID: msg.CampaignID,
		Recipient:  msg.Recipient,
		TenantID:   msg.TenantID,
		Channel:    msg.Channel,
		Payload:    msg.Payload,
		Attempt:    attempt,
		When:       due.UnixMilli(),
	}

	if _, err := stream.PublishJSON(ctx, s.streams, domain.StreamRetry, "payload", desc); err != nil {
		return time.Time{}, fmt.Errorf("scheduling retry: %w", err)
	}

	if s.campaigns != nil {
		if err := s.campaigns.MarkScheduled(ctx, msg.CampaignID, due, attempt); err != nil {
			s.logger.Warn("failed to mark campaign scheduled",
				"error", err,
				"campaign_id", msg.CampaignID,
			)
		}
	}

	return due, nil
}

// RetryHandler processes a re-synthesized channel message.
type RetryHandler func(ctx context.Context, msg domain.Message) error

// Drain pages through the retry stream, resuming where the previous drain
// stopped and wrapping to the head at the tail, and hands every due
// descriptor for channel to handle. Malformed descriptors are discarded;
// descriptors for other channels or not yet due are left in place, as is a
// descriptor whose handle call fails. Returns how many were handled.
func (s *RetryScheduler) Drain(ctx context.Context, channel string, handle RetryHandler) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// descriptors scheduled by handle during this drain wait for the next one
	tail, err := s.streams.LastID(ctx, domain.StreamRetry)
	if err != nil || tail == "" {
		return 0, err
	}

	now := s.now()
	handled := 0

	for page := 0; page < maxDrainPages; page++ {
		entries, err := s.streams.Range(ctx, domain.StreamRetry, s.cursor, tail, s.scanCount)
		if err != nil {
			return handled, fmt.Errorf("scanning retry stream: %w", err)
		}

		for _, e := range entries {
			if s.drainOne(ctx, e.ID, e.Values, channel, now, handle) {
				handled++
			}
		}

		if int64(len(entries)) < s.scanCount || entries[len(entries)-1].ID == tail {
			s.cursor = "-"
			break
		}
		s.cursor = stream.NextID(entries[len(entries)-1].ID)
	}

	return handled, nil
}

func (s *RetryScheduler) drainOne(ctx context.Context, id string, values map[string]any, channel string, now time.Time, handle RetryHandler) bool {
	desc, err := decodeRetry(values)
	if err != nil {
		s.logger.Warn("discarding malformed retry descriptor", "id", id, "error", err)
		if err := s.streams.Delete(ctx, domain.StreamRetry, id); err != nil {
			s.logger.Error("failed to delete retry descriptor", "id", id, "error", err)
		}
		return false
	}

	if desc.Channel != channel || !desc.Due(now) {
		return false
	}

	if err := handle(ctx, desc.Message()); err != nil {
		s.logger.Error("retry handling failed, keeping descriptor",
			"id", id,
			"campaign_id", desc.CampaignID,
			"error", err,
		)
		return false
	}

	if err := s.streams.Delete(ctx, domain.StreamRetry, id); err != nil {
		s.logger.Error("failed to delete retry descriptor", "id", id, "error", err)
	}
	return true
}

func decodeRetry(values map[string]any) (domain.RetryDescriptor, error) {
	raw, ok := values["payload"].(string)
	if !ok {
		return domain.RetryDescriptor{}, fmt.Errorf("missing payload field")
	}

	var desc domain.RetryDescriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return desc, fmt.Errorf("decoding retry descriptor: %w", err)
	}
	if desc.CampaignID == "" || desc.Recipient == "" || desc.When == 0 {
		return desc, fmt.Errorf("incomplete retry descriptor")
	}
	if desc.Channel == "" {
		desc.Channel = domain.ChannelEmail
	}
	return desc, nil
}
