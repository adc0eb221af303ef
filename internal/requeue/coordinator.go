package requeue

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
	"github.com/Priya8975/notifly/internal/websocket"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Caller roles.
const (
	RoleAdmin  = "admin"
	RoleTenant = "tenant"
)

// Caller identifies who asked for a requeue. Only admins act across tenants;
// every other role may only touch its own tenant's campaigns.
type Caller struct {
	Role     string
	TenantID string
}

// TenantScoped reports whether the caller is restricted to TenantID.
func (c Caller) TenantScoped() bool {
	return c.Role != RoleAdmin
}

// Ledger is the subset of the delivery ledger the coordinator needs.
type Ledger interface {
	Get(ctx context.Context, id int64) (*domain.DeliveryRow, error)
	Find(ctx context.Context, campaignID, recipient string) (*domain.DeliveryRow, error)
	ListFailed(ctx context.Context, campaignID string) ([]domain.DeliveryRow, error)
	MarkRequeued(ctx context.Context, campaignID, recipient, tenantID, channel string) (*domain.DeliveryRow, error)
}

type CampaignLoader interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
}

type EventSink interface {
	Publish(ctx context.Context, event websocket.DeliveryEvent)
}

// Result of a single requeue.
type Result struct {
	LockedUntil time.Time `json:"requeueLockedUntil"`
}

// BulkResult of a campaign requeue. Locks maps ledger row ids to the time
// their cooldown ends, for rows requeued now and rows already locked.
type BulkResult struct {
	Requeued    int                 `json:"requeued"`
	Locks       map[int64]time.Time `json:"locks"`
	LockedUntil time.Time           `json:"lockedUntil"`
}

// Coordinator republishes dead-lettered or failed deliveries onto the
// incoming stream as targeted requeues.
type Coordinator struct {
	redisClient *redis.Client
	publisher   stream.Publisher
	ledger      Ledger
	campaigns   CampaignLoader
	dlq         *engine.DLQStore
	events      EventSink
	logger      *slog.Logger
	window      time.Duration
	now         func() time.Time
}

func NewCoordinator(redisClient *redis.Client, publisher stream.Publisher, ledger Ledger, campaigns CampaignLoader, dlq *engine.DLQStore, window time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		redisClient: redisClient,
		publisher:   publisher,
		ledger:      ledger,
		campaigns:   campaigns,
		dlq:         dlq,
		logger:      logger,
		window:      window,
		now:         time.Now,
	}
}

// WithEvents publishes a requeued event for every accepted requeue.
func (c *Coordinator) WithEvents(events EventSink) *Coordinator {
	c.events = events
	return c
}

type target struct {
	campaignID string
	recipient  string
	tenantID   string
	channel    string
	payload    map[string]any
	row        *domain.DeliveryRow
}

func lockKey(campaignID, recipient string) string {
	return fmt.Sprintf("requeue:lock:%s:%s", campaignID, recipient)
}

func campaignLockKey(campaignID string) string {
	return "requeue:lock:campaign:" + campaignID
}

// entryLockKey remembers a requeued DLQ entry id for the lock window, since
// the entry itself is deleted by the requeue.
func entryLockKey(entryID string) string {
	return "requeue:dlq:" + entryID
}

// RequeueDLQ requeues the recipient of one DLQ entry.
func (c *Coordinator) RequeueDLQ(ctx context.Context, caller Caller, entryID string) (_ *Result, err error) {
	defer func() { c.count("dlq", err) }()

	stored, err := c.dlq.Get(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("loading dlq entry: %w", err)
	}
	if stored == nil || stored.Entry.CampaignID == "" || stored.Entry.Recipient == "" {
		return nil, c.requeuedEntry(ctx, caller, entryID)
	}
	entry := stored.Entry

	campaign, err := c.authorize(ctx, caller, entry.CampaignID)
	if err != nil {
		return nil, err
	}

	row, err := c.ledger.Find(ctx, entry.CampaignID, entry.Recipient)
	if err != nil {
		return nil, fmt.Errorf("loading delivery row: %w", err)
	}

	t := target{
		campaignID: entry.CampaignID,
		recipient:  entry.Recipient,
		tenantID:   firstNonEmpty(entry.TenantID, campaignTenant(campaign)),
		channel:    firstNonEmpty(entry.Channel, rowChannel(row)),
		payload:    entry.Payload,
		row:        row,
	}
	if t.payload == nil {
		t.payload = campaignPayload(campaign)
	}

	until, err := c.requeueOne(ctx, t)
	if err != nil {
		return nil, err
	}

	if err := c.redisClient.Set(ctx, entryLockKey(entryID), entry.CampaignID, c.window).Err(); err != nil {
		c.logger.Warn("failed to record requeued dlq entry", "error", err, "dlq_id", entryID)
	}
	return &Result{LockedUntil: until}, nil
}

// requeuedEntry explains a missing DLQ entry: Locked when it was requeued
// within the lock window, NotFound otherwise.
func (c *Coordinator) requeuedEntry(ctx context.Context, caller Caller, entryID string) error {
	now := c.now()
	campaignID, err := c.redisClient.Get(ctx, entryLockKey(entryID)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking requeued dlq entry: %w", err)
	}

	if _, err := c.authorize(ctx, caller, campaignID); err != nil {
		return err
	}
	return &LockedError{Until: c.lockExpiry(ctx, entryLockKey(entryID), now)}
}

// RequeueDeliveryRow requeues the recipient of one ledger row.
func (c *Coordinator) RequeueDeliveryRow(ctx context.Context, caller Caller, rowID int64) (_ *Result, err error) {
	defer func() { c.count("row", err) }()

	row, err := c.ledger.Get(ctx, rowID)
	if err != nil {
		return nil, fmt.Errorf("loading delivery row: %w", err)
	}
	if row == nil {
		return nil, ErrNotFound
	}

	campaign, err := c.authorize(ctx, caller, row.CampaignID)
	if err != nil {
		return nil, err
	}

	until, err := c.requeueOne(ctx, target{
		campaignID: row.CampaignID,
		recipient:  row.Recipient,
		tenantID:   firstNonEmpty(deref(row.TenantID), campaignTenant(campaign)),
		channel:    rowChannel(row),
		payload:    campaignPayload(campaign),
		row:        row,
	})
	if err != nil {
		return nil, err
	}
	return &Result{LockedUntil: until}, nil
}

// RequeueCampaign requeues every failed row of a campaign. Rows whose
// cooldown is active are skipped and reported in Locks.
func (c *Coordinator) RequeueCampaign(ctx context.Context, caller Caller, campaignID string) (_ *BulkResult, err error) {
	defer func() { c.count("campaign", err) }()

	campaign, err := c.authorize(ctx, caller, campaignID)
	if err != nil {
		return nil, err
	}

	rows, err := c.ledger.ListFailed(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("listing failed deliveries: %w", err)
	}

	result := &BulkResult{Locks: make(map[int64]time.Time)}
	if len(rows) == 0 {
		return result, nil
	}

	now := c.now()
	ok, err := c.redisClient.SetNX(ctx, campaignLockKey(campaignID), uuid.NewString(), c.window).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring campaign requeue lock: %w", err)
	}
	if !ok {
		return nil, &LockedError{Until: c.lockExpiry(ctx, campaignLockKey(campaignID), now)}
	}
	result.LockedUntil = now.Add(c.window)

	for _, row := range rows {
		until, err := c.requeueOne(ctx, target{
			campaignID: row.CampaignID,
			recipient:  row.Recipient,
			tenantID:   firstNonEmpty(deref(row.TenantID), campaignTenant(campaign)),
			channel:    rowChannel(&row),
			payload:    campaignPayload(campaign),
			row:        &row,
		})
		var locked *LockedError
		switch {
		case err == nil:
			result.Requeued++
			result.Locks[row.ID] = until
		case errors.As(err, &locked):
			result.Locks[row.ID] = locked.Until
		default:
			c.logger.Warn("failed to requeue delivery row",
				"error", err,
				"row_id", row.ID,
				"campaign_id", campaignID,
			)
		}
	}

	if result.Requeued == 0 {
		c.redisClient.Del(ctx, campaignLockKey(campaignID))
	}
	return result, nil
}

// authorize loads the campaign. For tenant callers a failed lookup, a missing
// campaign or a different owner is Forbidden; other callers proceed without it.
func (c *Coordinator) authorize(ctx context.Context, caller Caller, campaignID string) (*domain.Campaign, error) {
	campaign, err := c.campaigns.Get(ctx, campaignID)
	if !caller.TenantScoped() {
		if err != nil {
			c.logger.Warn("could not load campaign for requeue", "error", err, "campaign_id", campaignID)
			return nil, nil
		}
		return campaign, nil
	}

	if err != nil {
		c.logger.Warn("campaign ownership lookup failed, denying", "error", err, "campaign_id", campaignID)
		return nil, ErrForbidden
	}
	if campaign == nil || caller.TenantID == "" || campaign.TenantID != caller.TenantID {
		return nil, ErrForbidden
	}
	return campaign, nil
}

// requeueOne enforces both cooldowns, publishes the requeue pointer and
// cleans up after it. It returns when the new cooldown ends.
func (c *Coordinator) requeueOne(ctx context.Context, t target) (time.Time, error) {
	now := c.now()

	if t.row != nil && t.row.Status == domain.DeliveryRequeued && now.Sub(t.row.UpdatedAt) < c.window {
		return time.Time{}, &LockedError{Until: t.row.UpdatedAt.Add(c.window)}
	}

	key := lockKey(t.campaignID, t.recipient)
	ok, err := c.redisClient.SetNX(ctx, key, uuid.NewString(), c.window).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("acquiring requeue lock: %w", err)
	}
	if !ok {
		return time.Time{}, &LockedError{Until: c.lockExpiry(ctx, key, now)}
	}

	attempt := 1
	if t.row != nil {
		attempt = t.row.AttemptCount + 1
	}
	if t.payload == nil {
		t.payload = map[string]any{}
	}

	pointer := domain.Message{
		CampaignID: t.campaignID,
		Recipient:  t.recipient,
		TenantID:   t.tenantID,
		Channel:    t.channel,
		Attempt:    attempt,
		Requeue:    true,
		Payload:    t.payload,
	}
	if _, err := stream.PublishJSON(ctx, c.publisher, domain.StreamIncoming, "payload", pointer); err != nil {
		c.redisClient.Del(ctx, key)
		return time.Time{}, fmt.Errorf("publishing requeue: %w", err)
	}

	c.logger.Info("requeue published",
		"campaign_id", t.campaignID,
		"recipient", t.recipient,
		"attempt", attempt,
		"channel", t.channel,
	)

	if _, err := c.ledger.MarkRequeued(ctx, t.campaignID, t.recipient, t.tenantID, t.channel); err != nil {
		c.logger.Warn("failed to mark delivery requeued", "error", err, "campaign_id", t.campaignID)
	}
	if _, err := c.dlq.DeleteMatching(ctx, "", t.campaignID, t.recipient); err != nil {
		c.logger.Warn("failed to clean up dlq entries after requeue", "error", err, "campaign_id", t.campaignID)
	}

	if c.events != nil {
		c.events.Publish(ctx, websocket.DeliveryEvent{
			Type:       websocket.EventRequeued,
			CampaignID: t.campaignID,
			Recipient:  t.recipient,
			Channel:    t.channel,
			TenantID:   t.tenantID,
			Attempt:    attempt,
			Timestamp:  now.UTC(),
		})
	}
	return now.Add(c.window), nil
}

func (c *Coordinator) lockExpiry(ctx context.Context, key string, now time.Time) time.Time {
	ttl, err := c.redisClient.PTTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return now.Add(c.window)
	}
	return now.Add(ttl)
}

func (c *Coordinator) count(kind string, err error) {
	result := "accepted"
	switch {
	case err == nil:
	case errors.Is(err, ErrLocked):
		result = "locked"
	case errors.Is(err, ErrForbidden):
		result = "forbidden"
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	default:
		result = "error"
	}
	metrics.IncRequeue(kind, result)
}

func campaignTenant(c *domain.Campaign) string {
	if c == nil {
		return ""
	}
	return c.TenantID
}

func campaignPayload(c *domain.Campaign) map[string]any {
	if c == nil {
		return nil
	}
	return c.Payload
}

func rowChannel(r *domain.DeliveryRow) string {
	if r == nil {
		return ""
	}
	return deref(r.Channel)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
