package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/engine"
	"github.com/Priya8975/notifly/internal/metrics"
	"github.com/Priya8975/notifly/internal/stream"
	"github.com/redis/go-redis/v9"
)

const readErrorPause = time.Second

// Entry outcomes, also used as metric labels.
const (
	OutcomeRouted    = "routed"
	OutcomeRequeued  = "requeued"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeEmpty     = "empty"
)

// CampaignLoader fetches campaign documents. A missing campaign is (nil, nil).
type CampaignLoader interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

type Options struct {
	Group        string
	Consumer     string
	BatchSize    int64
	Block        time.Duration
	ClaimMinIdle time.Duration
}

// Router consumes the incoming stream and fans each campaign out to the
// channel streams.
type Router struct {
	streams   *stream.Client
	publisher stream.Publisher
	campaigns CampaignLoader
	dedupe    *engine.Dedupe
	dlq       *engine.DLQStore
	logger    *slog.Logger
	opts      Options
	lastClaim time.Time
}

// New builds a Router. publisher receives the fan-out writes; it is normally
// the same stream client.
func New(streams *stream.Client, publisher stream.Publisher, campaigns CampaignLoader, dedupe *engine.Dedupe, dlq *engine.DLQStore, opts Options, logger *slog.Logger) *Router {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	return &Router{
		streams:   streams,
		publisher: publisher,
		campaigns: campaigns,
		dedupe:    dedupe,
		dlq:       dlq,
		logger:    logger.With("consumer", opts.Consumer),
		opts:      opts,
		lastClaim: time.Now(),
	}
}

func (r *Router) Start(ctx context.Context) error {
	if err := r.streams.EnsureGroup(ctx, domain.StreamIncoming, r.opts.Group); err != nil {
		return err
	}
	r.logger.Info("router started", "stream", domain.StreamIncoming, "group", r.opts.Group)

	for {
		if ctx.Err() != nil {
			r.logger.Info("router stopping")
			return nil
		}
		r.Poll(ctx)
	}
}

// Poll reads one batch from the incoming stream and routes it.
func (r *Router) Poll(ctx context.Context) {
	entries, err := r.streams.Read(ctx, domain.StreamIncoming, r.opts.Group, r.opts.Consumer, r.opts.BatchSize, r.opts.Block)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		r.logger.Error("error reading incoming stream", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(readErrorPause):
		}
		return
	}

	work := context.WithoutCancel(ctx)
	for _, e := range entries {
		r.handle(work, e)
	}
	r.reclaim(work)
}

func (r *Router) handle(ctx context.Context, e redis.XMessage) {
	outcome, err := r.Route(ctx, e)
	if err != nil {
		r.logger.Error("routing failed, leaving entry pending", "id", e.ID, "error", err)
		metrics.IncRouterEntry("error")
		return
	}
	metrics.IncRouterEntry(outcome)

	if err := r.streams.Ack(ctx, domain.StreamIncoming, r.opts.Group, e.ID); err != nil {
		r.logger.Error("failed to ack incoming entry", "id", e.ID, "error", err)
	}
}

// Route processes one incoming entry. A nil error means the entry may be
// acknowledged; fan-out publish failures do not produce an error.
func (r *Router) Route(ctx context.Context, e redis.XMessage) (string, error) {
	msg, err := stream.Decode(e.Values)
	if err != nil {
		r.logger.Warn("dropping malformed incoming entry", "id", e.ID, "error", err)
		return OutcomeMalformed, nil
	}
	if msg.CampaignID == "" {
		msg.CampaignID = e.ID
	}

	dedupeKey := engine.CampaignDedupeKey(msg.CampaignID)
	if !msg.Requeue {
		admitted, err := r.dedupe.Admit(ctx, dedupeKey)
		if err != nil {
			return "", fmt.Errorf("checking campaign dedupe: %w", err)
		}
		if !admitted {
			r.logger.Info("duplicate campaign skipped", "campaign_id", msg.CampaignID, "id", e.ID)
			return OutcomeDuplicate, nil
		}
	}

	campaign, err := r.campaigns.Get(ctx, msg.CampaignID)
	if err != nil {
		if !msg.Requeue {
			if rerr := r.dedupe.Release(ctx, dedupeKey); rerr != nil {
				r.logger.Error("failed to release campaign dedupe key", "error", rerr, "campaign_id", msg.CampaignID)
			}
		}
		return "", fmt.Errorf("loading campaign %s: %w", msg.CampaignID, err)
	}
	if campaign == nil {
		r.logger.Debug("campaign not found, routing stream entry alone", "campaign_id", msg.CampaignID)
	}

	merged := merge(campaign, msg)
	targets := Expand(merged)
	if len(targets) == 0 {
		r.logger.Warn("no recipients found for campaign, skipping fan-out", "campaign_id", msg.CampaignID)
		return OutcomeEmpty, nil
	}

	published := r.fanOut(ctx, merged, targets)
	r.logger.Info("campaign routed",
		"campaign_id", msg.CampaignID,
		"requeue", msg.Requeue,
		"targets", len(targets),
		"published", published,
	)

	if msg.Requeue {
		return OutcomeRequeued, nil
	}
	return OutcomeRouted, nil
}

// fanOut publishes every target independently. A failed publish is logged and
// dead-lettered so an operator can requeue that one recipient.
func (r *Router) fanOut(ctx context.Context, merged domain.Message, targets []Target) int {
	published := 0
	for _, t := range targets {
		if !domain.ValidChannel(t.Channel) {
			r.logger.Warn("skipping unknown channel",
				"campaign_id", merged.CampaignID,
				"recipient", t.Recipient,
				"channel", t.Channel,
			)
			continue
		}

		out := domain.Message{
			CampaignID: merged.CampaignID,
			Recipient:  t.Recipient,
			TenantID:   merged.TenantID,
			Channel:    t.Channel,
			Attempt:    merged.Attempt,
			Payload:    merged.Payload,
			Meta:       merged.Meta,
		}

		if _, err := stream.PublishMessage(ctx, r.publisher, out); err != nil {
			r.logger.Error("failed to publish to channel stream",
				"error", err,
				"campaign_id", merged.CampaignID,
				"recipient", t.Recipient,
				"channel", t.Channel,
			)
			metrics.IncFanoutError(t.Channel)
			r.deadLetter(ctx, out, err)
			continue
		}
		metrics.IncFanoutPublished(t.Channel)
		published++
	}
	return published
}

func (r *Router) deadLetter(ctx context.Context, msg domain.Message, cause error) {
	if r.dlq == nil {
		return
	}
	_, err := r.dlq.Write(ctx, domain.DLQEntry{
		CampaignID: msg.CampaignID,
		Recipient:  msg.Recipient,
		TenantID:   msg.TenantID,
		Channel:    msg.Channel,
		Payload:    msg.Payload,
		Attempt:    msg.Attempt,
		Error:      "fanout: " + cause.Error(),
	})
	if err != nil {
		r.logger.Error("failed to dead-letter fan-out failure", "error", err, "campaign_id", msg.CampaignID)
		return
	}
	metrics.IncDLQWrite(msg.Channel)
}

func (r *Router) reclaim(ctx context.Context) {
	if r.opts.ClaimMinIdle <= 0 || time.Since(r.lastClaim) < r.opts.ClaimMinIdle {
		return
	}
	r.lastClaim = time.Now()

	entries, err := r.streams.Claim(ctx, domain.StreamIncoming, r.opts.Group, r.opts.Consumer, r.opts.ClaimMinIdle, r.opts.BatchSize)
	if err != nil {
		r.logger.Warn("failed to reclaim pending incoming entries", "error", err)
		return
	}
	for _, e := range entries {
		r.handle(ctx, e)
	}
}
