package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedupe admits a key once per TTL using SET NX.
type Dedupe struct {
	redisClient *redis.Client
	ttl         time.Duration
}

func NewDedupe(redisClient *redis.Client, ttl time.Duration) *Dedupe {
	return &Dedupe{redisClient: redisClient, ttl: ttl}
}

// Admit returns true if the key was not yet present and is now claimed.
func (d *Dedupe) Admit(ctx context.Context, key string) (bool, error) {
	ok, err := d.redisClient.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setting dedupe key %s: %w", key, err)
	}
	return ok, nil
}

// Release drops a claimed key so the same work can be admitted again.
func (d *Dedupe) Release(ctx context.Context, key string) error {
	if err := d.redisClient.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("releasing dedupe key %s: %w", key, err)
	}
	return nil
}

func CampaignDedupeKey(campaignID string) string {
	return "dedupe:campaign:" + campaignID
}

// DeliveryDedupeKey hashes (campaign, recipient, attempt). The attempt is part
// of the key so a retry or requeue is admitted while a redelivery of the same
// attempt is not.
func DeliveryDedupeKey(campaignID, recipient string, attempt int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", campaignID, recipient, attempt))
	return "dedupe:delivery:" + hex.EncodeToString(sum[:])
}
