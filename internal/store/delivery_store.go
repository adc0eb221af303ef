package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/Priya8975/notifly/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const deliveryColumns = "id, campaign_id, tenant_id, recipient, channel, status, code, attempt_count, created_at, updated_at"

// AttemptRecord is the outcome of one send attempt.
type AttemptRecord struct {
	CampaignID string
	TenantID   string
	Recipient  string
	Channel    string
	Status     string
	Code       string
}

// DeliveryStats summarises the ledger by status.
type DeliveryStats struct {
	Total         int   `json:"total"`
	Delivered     int   `json:"delivered"`
	Failed        int   `json:"failed"`
	Requeued      int   `json:"requeued"`
	TotalAttempts int64 `json:"totalAttempts"`
}

// DeliveryStore is the relational delivery ledger: one row per (campaign, recipient).
type DeliveryStore struct {
	pool *pgxpool.Pool
	sb   sq.StatementBuilderType
}

func NewDeliveryStore(pg *PostgresStore) *DeliveryStore {
	return &DeliveryStore{
		pool: pg.Pool(),
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanDelivery(row pgx.Row) (*domain.DeliveryRow, error) {
	var d domain.DeliveryRow
	err := row.Scan(
		&d.ID, &d.CampaignID, &d.TenantID, &d.Recipient, &d.Channel,
		&d.Status, &d.Code, &d.AttemptCount, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func recordAttemptQuery(sb sq.StatementBuilderType, rec AttemptRecord) sq.InsertBuilder {
	return sb.
		Insert("deliveries").
		Columns("campaign_id", "tenant_id", "recipient", "channel", "status", "code", "attempt_count").
		Values(rec.CampaignID, nullable(rec.TenantID), rec.Recipient, nullable(rec.Channel), rec.Status, nullable(rec.Code), 1).
		Suffix(`
ON CONFLICT (campaign_id, recipient)
DO UPDATE SET
	attempt_count = deliveries.attempt_count + 1,
	status = EXCLUDED.status,
	code = EXCLUDED.code,
	tenant_id = COALESCE(EXCLUDED.tenant_id, deliveries.tenant_id),
	channel = COALESCE(EXCLUDED.channel, deliveries.channel),
	updated_at = clock_timestamp()
RETURNING ` + deliveryColumns)
}

// RecordAttempt upserts the row for an attempt. A new row starts at
// attempt_count 1; an existing row has its count incremented and its
// status and code overwritten.
func (s *DeliveryStore) RecordAttempt(ctx context.Context, rec AttemptRecord) (*domain.DeliveryRow, error) {
	sqlStr, args, err := recordAttemptQuery(s.sb, rec).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build record attempt sql: %w", err)
	}

	row, err := scanDelivery(s.pool.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		return nil, fmt.Errorf("recording delivery attempt: %w", err)
	}
	return row, nil
}

func markRequeuedQuery(sb sq.StatementBuilderType, campaignID, recipient, tenantID, channel string) sq.InsertBuilder {
	return sb.
		Insert("deliveries").
		Columns("campaign_id", "tenant_id", "recipient", "channel", "status", "attempt_count").
		Values(campaignID, nullable(tenantID), recipient, nullable(channel), domain.DeliveryRequeued, 0).
		Suffix(`
ON CONFLICT (campaign_id, recipient)
DO UPDATE SET
	status = EXCLUDED.status,
	updated_at = clock_timestamp()
RETURNING ` + deliveryColumns)
}

// MarkRequeued sets the row status to requeued without touching attempt_count.
// A missing row is created with attempt_count 0.
func (s *DeliveryStore) MarkRequeued(ctx context.Context, campaignID, recipient, tenantID, channel string) (*domain.DeliveryRow, error) {
	sqlStr, args, err := markRequeuedQuery(s.sb, campaignID, recipient, tenantID, channel).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build mark requeued sql: %w", err)
	}

	row, err := scanDelivery(s.pool.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		return nil, fmt.Errorf("marking delivery requeued: %w", err)
	}
	return row, nil
}

func (s *DeliveryStore) getWhere(ctx context.Context, where sq.Eq) (*domain.DeliveryRow, error) {
	sqlStr, args, err := s.sb.Select(deliveryColumns).From("deliveries").Where(where).Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get delivery sql: %w", err)
	}

	row, err := scanDelivery(s.pool.QueryRow(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying delivery: %w", err)
	}
	return row, nil
}

// Get returns the row with the given id, or nil if absent.
func (s *DeliveryStore) Get(ctx context.Context, id int64) (*domain.DeliveryRow, error) {
	return s.getWhere(ctx, sq.Eq{"id": id})
}

// Find returns the row for (campaign, recipient), or nil if absent.
func (s *DeliveryStore) Find(ctx context.Context, campaignID, recipient string) (*domain.DeliveryRow, error) {
	return s.getWhere(ctx, sq.Eq{"campaign_id": campaignID, "recipient": recipient})
}

// List returns rows matching the filter, most recently updated first.
func (s *DeliveryStore) List(ctx context.Context, f domain.DeliveryFilter) ([]domain.DeliveryRow, error) {
	q := s.sb.Select(deliveryColumns).From("deliveries")

	if f.CampaignID != "" {
		q = q.Where(sq.Eq{"campaign_id": f.CampaignID})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	if f.Recipient != "" {
		q = q.Where(sq.Eq{"recipient": f.Recipient})
	}

	limit := f.Limit
	if limit == 0 || limit > 500 {
		limit = 50
	}
	q = q.OrderBy("updated_at DESC", "id DESC").Limit(limit).Offset(f.Offset)

	return s.query(ctx, q)
}

// ListFailed returns every failed row of a campaign.
func (s *DeliveryStore) ListFailed(ctx context.Context, campaignID string) ([]domain.DeliveryRow, error) {
	q := s.sb.Select(deliveryColumns).
		From("deliveries").
		Where(sq.Eq{"campaign_id": campaignID, "status": domain.DeliveryFailed}).
		OrderBy("id")
	return s.query(ctx, q)
}

func (s *DeliveryStore) query(ctx context.Context, q sq.SelectBuilder) ([]domain.DeliveryRow, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list deliveries sql: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deliveries: %w", err)
	}
	defer rows.Close()

	out := []domain.DeliveryRow{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deliveries: %w", err)
	}
	return out, nil
}

// Stats aggregates the ledger by status, optionally for one campaign.
func (s *DeliveryStore) Stats(ctx context.Context, campaignID string) (*DeliveryStats, error) {
	q := s.sb.Select(
		"COUNT(*)",
		"COUNT(*) FILTER (WHERE status = 'delivered')",
		"COUNT(*) FILTER (WHERE status = 'failed')",
		"COUNT(*) FILTER (WHERE status = 'requeued')",
		"COALESCE(SUM(attempt_count), 0)",
	).From("deliveries")
	if campaignID != "" {
		q = q.Where(sq.Eq{"campaign_id": campaignID})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build delivery stats sql: %w", err)
	}

	var st DeliveryStats
	err = s.pool.QueryRow(ctx, sqlStr, args...).Scan(&st.Total, &st.Delivered, &st.Failed, &st.Requeued, &st.TotalAttempts)
	if err != nil {
		return nil, fmt.Errorf("querying delivery stats: %w", err)
	}
	return &st, nil
}
