package engine

import (
	"context"
	"testing"
	"time"
)

func TestDedupe_AdmitOnce(t *testing.T) {
	client, mr := setupRedis(t)
	d := NewDedupe(client, time.Hour)
	ctx := context.Background()

	key := DeliveryDedupeKey("c1", "a@x.com", 1)

	first, err := d.Admit(ctx, key)
	if err != nil || !first {
		t.Fatalf("first admit should succeed, got %v/%v", first, err)
	}
	second, err := d.Admit(ctx, key)
	if err != nil || second {
		t.Fatalf("second admit should be rejected, got %v/%v", second, err)
	}

	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Errorf("expected 1h ttl, got %s", ttl)
	}

	mr.FastForward(time.Hour)
	if again, _ := d.Admit(ctx, key); !again {
		t.Error("key should be admitted again after ttl")
	}
}

func TestDedupe_Release(t *testing.T) {
	client, _ := setupRedis(t)
	d := NewDedupe(client, time.Hour)
	ctx := context.Background()

	key := CampaignDedupeKey("c1")
	d.Admit(ctx, key)
	if err := d.Release(ctx, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := d.Admit(ctx, key); !ok {
		t.Error("released key should be admitted")
	}
}

func TestDeliveryDedupeKey_DistinguishesAttempts(t *testing.T) {
	a := DeliveryDedupeKey("c1", "a@x.com", 1)
	b := DeliveryDedupeKey("c1", "a@x.com", 2)
	c := DeliveryDedupeKey("c1", "b@x.com", 1)

	if a == b || a == c {
		t.Error("keys must differ by attempt and recipient")
	}
	if a != DeliveryDedupeKey("c1", "a@x.com", 1) {
		t.Error("key must be stable")
	}
}

func TestDedupe_ErrorSurfaces(t *testing.T) {
	client, mr := setupRedis(t)
	d := NewDedupe(client, time.Hour)
	mr.Close()

	if _, err := d.Admit(context.Background(), "k"); err == nil {
		t.Error("expected error when redis is unavailable")
	}
}
