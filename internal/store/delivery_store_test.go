package store

import (
	"context"
	"os"
	"testing"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/google/uuid"
)

// setupLedger connects to TEST_DATABASE_URL; the test is skipped without it.
func setupLedger(t *testing.T) *DeliveryStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pg, err := NewPostgres(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(pg.Close)

	if err := pg.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	// second run must be a no-op
	if err := pg.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema (again): %v", err)
	}
	return NewDeliveryStore(pg)
}

func TestDeliveryStore_AttemptCountMonotonic(t *testing.T) {
	ledger := setupLedger(t)
	ctx := context.Background()
	campaign := "c-" + uuid.NewString()

	rec := AttemptRecord{CampaignID: campaign, TenantID: "t1", Recipient: "a@x.com", Channel: "email", Status: domain.DeliveryFailed, Code: "MOCK_FAILURE"}

	row, err := ledger.RecordAttempt(ctx, rec)
	if err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if row.AttemptCount != 1 || row.Status != domain.DeliveryFailed {
		t.Fatalf("unexpected first row %+v", row)
	}

	requeued, err := ledger.MarkRequeued(ctx, campaign, "a@x.com", "", "")
	if err != nil {
		t.Fatalf("MarkRequeued: %v", err)
	}
	if requeued.AttemptCount != 1 || requeued.Status != domain.DeliveryRequeued {
		t.Errorf("requeue must not change attempt_count, got %+v", requeued)
	}

	rec.Status, rec.Code = domain.DeliveryDelivered, ""
	row, err = ledger.RecordAttempt(ctx, rec)
	if err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if row.AttemptCount != 2 || row.Status != domain.DeliveryDelivered || row.Code != nil {
		t.Errorf("unexpected second row %+v", row)
	}
	if row.ID != requeued.ID {
		t.Error("upsert must keep one row per (campaign, recipient)")
	}

	got, err := ledger.Get(ctx, row.ID)
	if err != nil || got == nil || got.AttemptCount != 2 {
		t.Errorf("Get: %+v / %v", got, err)
	}
}

func TestDeliveryStore_MarkRequeuedCreatesRow(t *testing.T) {
	ledger := setupLedger(t)
	ctx := context.Background()
	campaign := "c-" + uuid.NewString()

	row, err := ledger.MarkRequeued(ctx, campaign, "b@x.com", "t1", "email")
	if err != nil {
		t.Fatalf("MarkRequeued: %v", err)
	}
	if row.AttemptCount != 0 {
		t.Errorf("new requeued row should start at 0 attempts, got %d", row.AttemptCount)
	}

	missing, err := ledger.Find(ctx, campaign, "nobody@x.com")
	if err != nil || missing != nil {
		t.Errorf("Find missing: %+v / %v", missing, err)
	}
}

func TestDeliveryStore_ListAndStats(t *testing.T) {
	ledger := setupLedger(t)
	ctx := context.Background()
	campaign := "c-" + uuid.NewString()

	for _, r := range []struct{ recipient, status string }{
		{"a@x.com", domain.DeliveryFailed},
		{"b@x.com", domain.DeliveryFailed},
		{"c@x.com", domain.DeliveryDelivered},
	} {
		if _, err := ledger.RecordAttempt(ctx, AttemptRecord{CampaignID: campaign, Recipient: r.recipient, Status: r.status}); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}

	failed, err := ledger.ListFailed(ctx, campaign)
	if err != nil || len(failed) != 2 {
		t.Fatalf("ListFailed: %d / %v", len(failed), err)
	}

	rows, err := ledger.List(ctx, domain.DeliveryFilter{CampaignID: campaign, Status: domain.DeliveryDelivered})
	if err != nil || len(rows) != 1 || rows[0].Recipient != "c@x.com" {
		t.Fatalf("List: %+v / %v", rows, err)
	}

	st, err := ledger.Stats(ctx, campaign)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 3 || st.Failed != 2 || st.Delivered != 1 || st.TotalAttempts != 3 {
		t.Errorf("unexpected stats %+v", st)
	}
}
