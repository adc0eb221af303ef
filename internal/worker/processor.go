package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/engine"
	"github.com/Priya8975/notifly/internal/metrics"
	"github.com/Priya8975/notifly/internal/provider"
	"github.com/Priya8975/notifly/internal/store"
	"github.com/Priya8975/notifly/internal/websocket"
)

// Outcomes of processing one delivery message.
const (
	OutcomeMalformed    = "malformed"
	OutcomeDuplicate    = "duplicate"
	OutcomeThrottled    = "throttled"
	OutcomeDelivered    = "delivered"
	OutcomeRetrying     = "retrying"
	OutcomeDeadLettered = "dead_lettered"
)

// Failure codes raised by the worker itself rather than a provider.
const (
	CodeCircuitOpen   = "CIRCUIT_OPEN"
	CodeNoProvider    = "NO_PROVIDER"
	CodeSendError     = "SEND_ERROR"
	CodeProviderError = "PROVIDER_ERROR"
	CodeLedgerError   = "LEDGER_ERROR"
)

// Ledger records send attempts.
type Ledger interface {
	RecordAttempt(ctx context.Context, rec store.AttemptRecord) (*domain.DeliveryRow, error)
}

// CampaignMarker flips a campaign to delivered.
type CampaignMarker interface {
	MarkDelivered(ctx context.Context, campaignID string) error
}

// EventSink receives delivery outcomes for the live feed.
type EventSink interface {
	Publish(ctx context.Context, event websocket.DeliveryEvent)
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Providers *provider.Registry
	Dedupe    *engine.Dedupe
	Limiter   *engine.RateLimiter
	Breaker   *engine.CircuitBreaker
	Retries   *engine.RetryScheduler
	DLQ       *engine.DLQStore
	Ledger    Ledger
	Campaigns CampaignMarker
	Events    EventSink
}

// Processor runs the per-message delivery pipeline for one channel.
type Processor struct {
	Deps
	channel      string
	providerName string
	logger       *slog.Logger
}

func NewProcessor(channel, providerName string, deps Deps, logger *slog.Logger) *Processor {
	return &Processor{
		Deps:         deps,
		channel:      channel,
		providerName: providerName,
		logger:       logger.With("channel", channel),
	}
}

type sendResult struct {
	provider string
	code     string
	err      error
}

func (r sendResult) ok() bool {
	return r.err == nil && r.code == ""
}

// Process handles one message. A returned error means the message was not
// resolved and must be redelivered; its delivery dedupe key is released.
// Every other outcome, failures included, is final for this attempt.
func (p *Processor) Process(ctx context.Context, msg domain.Message) (string, error) {
	if !msg.Valid() {
		p.logger.Warn("dropping message without campaign or recipient", "campaign_id", msg.CampaignID)
		p.count(OutcomeMalformed)
		return OutcomeMalformed, nil
	}
	if msg.Channel == "" {
		msg.Channel = p.channel
	}
	if msg.Attempt < 1 {
		msg.Attempt = 1
	}

	key := engine.DeliveryDedupeKey(msg.CampaignID, msg.Recipient, msg.Attempt)
	admitted, err := p.Dedupe.Admit(ctx, key)
	if err != nil {
		return "", fmt.Errorf("checking delivery dedupe: %w", err)
	}
	if !admitted {
		p.logger.Info("duplicate delivery, skipping",
			"campaign_id", msg.CampaignID,
			"recipient", msg.Recipient,
			"attempt", msg.Attempt,
		)
		p.count(OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}

	outcome, err := p.deliver(ctx, msg)
	if err != nil {
		if rerr := p.Dedupe.Release(ctx, key); rerr != nil {
			p.logger.Error("failed to release delivery dedupe key", "error", rerr, "campaign_id", msg.CampaignID)
		}
		return "", err
	}
	p.count(outcome)
	return outcome, nil
}

func (p *Processor) deliver(ctx context.Context, msg domain.Message) (string, error) {
	if !p.Limiter.Allow(ctx, msg.TenantID) {
		return p.throttle(ctx, msg)
	}

	res := p.send(ctx, msg)

	status := domain.DeliveryDelivered
	if !res.ok() {
		status = domain.DeliveryFailed
	}
	row, err := p.Ledger.RecordAttempt(ctx, store.AttemptRecord{
		CampaignID: msg.CampaignID,
		TenantID:   msg.TenantID,
		Recipient:  msg.Recipient,
		Channel:    msg.Channel,
		Status:     status,
		Code:       res.code,
	})
	if err != nil {
		p.logger.Error("failed to record delivery attempt",
			"error", err,
			"campaign_id", msg.CampaignID,
			"recipient", msg.Recipient,
		)
		// a send that went out is not repeated; a failed one is retried as usual
		if !res.ok() && res.err == nil {
			res.err = err
		}
	}

	if res.ok() {
		if err := p.Campaigns.MarkDelivered(ctx, msg.CampaignID); err != nil {
			p.logger.Warn("failed to mark campaign delivered", "error", err, "campaign_id", msg.CampaignID)
		}
		p.logger.Info("delivered",
			"campaign_id", msg.CampaignID,
			"recipient", msg.Recipient,
			"attempt", msg.Attempt,
			"provider", res.provider,
		)
		p.emit(ctx, websocket.EventDelivered, msg, msg.Attempt, res, "")
		return OutcomeDelivered, nil
	}

	attemptCount := msg.Attempt
	if row != nil {
		attemptCount = row.AttemptCount
	}
	return p.fail(ctx, msg, attemptCount, res)
}

// throttle defers the message at the same attempt. The dedupe key is dropped
// so the deferred attempt is admitted when it comes due.
func (p *Processor) throttle(ctx context.Context, msg domain.Message) (string, error) {
	if err := p.Dedupe.Release(ctx, engine.DeliveryDedupeKey(msg.CampaignID, msg.Recipient, msg.Attempt)); err != nil {
		return "", fmt.Errorf("releasing throttled attempt: %w", err)
	}
	due, err := p.Retries.Schedule(ctx, msg, msg.Attempt)
	if err != nil {
		return "", fmt.Errorf("deferring throttled message: %w", err)
	}

	p.logger.Info("tenant rate limited, deferring",
		"campaign_id", msg.CampaignID,
		"tenant_id", msg.TenantID,
		"attempt", msg.Attempt,
		"due", due,
	)
	metrics.IncRetryScheduled(msg.Channel, "rate_limited")
	p.emit(ctx, websocket.EventThrottled, msg, msg.Attempt, sendResult{}, "")
	return OutcomeThrottled, nil
}

func (p *Processor) send(ctx context.Context, msg domain.Message) sendResult {
	prov, err := p.resolveProvider(msg)
	if err != nil {
		return sendResult{code: CodeNoProvider, err: err}
	}

	target := engine.BreakerTarget(msg.Channel, prov.Name())
	if p.Breaker != nil {
		if state, allowed := p.Breaker.AllowRequest(ctx, target); !allowed {
			return sendResult{
				provider: prov.Name(),
				code:     CodeCircuitOpen,
				err:      fmt.Errorf("circuit %s is %s", target, state),
			}
		}
	}

	start := time.Now()
	resp, err := prov.Send(ctx, provider.NewRequest(msg.Channel, msg.Recipient, msg.Payload))
	metrics.ObserveProviderSend(msg.Channel, prov.Name(), time.Since(start))

	res := sendResult{provider: resp.Provider, code: resp.ErrorCode}
	if res.provider == "" {
		res.provider = prov.Name()
	}
	switch {
	case err != nil:
		res.err = err
		if res.code == "" {
			res.code = CodeSendError
		}
	case !resp.Success && res.code == "":
		res.code = CodeProviderError
	}

	if p.Breaker != nil {
		if res.ok() {
			p.Breaker.RecordSuccess(ctx, target)
		} else {
			p.Breaker.RecordFailure(ctx, target)
		}
	}
	return res
}

func (p *Processor) resolveProvider(msg domain.Message) (provider.Provider, error) {
	if name := provider.Preferred(msg.Payload); name != "" {
		if prov, err := p.Providers.Get(msg.Channel, name); err == nil {
			return prov, nil
		}
		p.logger.Warn("preferred provider unavailable, using default", "provider", name)
	}
	return p.Providers.Get(msg.Channel, p.providerName)
}

// fail routes a failed attempt to the retry log or, once the budget is spent,
// to the DLQ. If neither accepts it the error is returned for redelivery.
func (p *Processor) fail(ctx context.Context, msg domain.Message, attemptCount int, res sendResult) (string, error) {
	reason := res.code
	if res.err != nil {
		reason = fmt.Sprintf("%s: %v", res.code, res.err)
	}

	next := msg.Attempt + 1
	if p.Retries.ShouldRetry(next) {
		due, err := p.Retries.Schedule(ctx, msg, next)
		if err == nil {
			p.logger.Warn("delivery failed, retry scheduled",
				"campaign_id", msg.CampaignID,
				"recipient", msg.Recipient,
				"attempt", msg.Attempt,
				"next_attempt", next,
				"due", due,
				"code", res.code,
			)
			metrics.IncRetryScheduled(msg.Channel, "failure")
			p.emit(ctx, websocket.EventRetrying, msg, next, res, reason)
			return OutcomeRetrying, nil
		}
		p.logger.Error("failed to schedule retry, dead-lettering", "error", err, "campaign_id", msg.CampaignID)
	}

	if _, err := p.DLQ.Write(ctx, domain.DLQEntry{
		CampaignID: msg.CampaignID,
		Recipient:  msg.Recipient,
		TenantID:   msg.TenantID,
		Channel:    msg.Channel,
		Payload:    msg.Payload,
		Attempt:    attemptCount,
		Error:      reason,
	}); err != nil {
		return "", fmt.Errorf("dead-lettering %s/%s: %w", msg.CampaignID, msg.Recipient, err)
	}

	p.logger.Error("delivery dead-lettered",
		"campaign_id", msg.CampaignID,
		"recipient", msg.Recipient,
		"attempt", attemptCount,
		"reason", reason,
	)
	metrics.IncDLQWrite(msg.Channel)
	p.emit(ctx, websocket.EventDeadLettered, msg, attemptCount, res, reason)
	return OutcomeDeadLettered, nil
}

func (p *Processor) emit(ctx context.Context, typ string, msg domain.Message, attempt int, res sendResult, reason string) {
	if p.Events == nil {
		return
	}
	p.Events.Publish(ctx, websocket.DeliveryEvent{
		Type:       typ,
		CampaignID: msg.CampaignID,
		Recipient:  msg.Recipient,
		Channel:    msg.Channel,
		TenantID:   msg.TenantID,
		Attempt:    attempt,
		Provider:   res.provider,
		Code:       res.code,
		Error:      reason,
		Timestamp:  time.Now().UTC(),
	})
}

func (p *Processor) count(outcome string) {
	metrics.IncWorkerMessage(p.channel, outcome)
}
