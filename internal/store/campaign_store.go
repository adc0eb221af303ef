package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/notifly/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const campaignsCollection = "campaigns"

// CampaignStore reads campaign documents and writes their delivery status.
// Campaigns are owned by the control plane and never deleted here.
type CampaignStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewCampaignStore(m *MongoStore) *CampaignStore {
	return &CampaignStore{
		coll: m.Database().Collection(campaignsCollection),
		now:  time.Now,
	}
}

// campaignDoc tolerates the snake_case tenant field some producers write.
type campaignDoc struct {
	domain.Campaign `bson:",inline"`
	LegacyTenantID  string `bson:"tenant_id,omitempty"`
}

// Get returns the campaign, or nil if it does not exist.
func (s *CampaignStore) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	var doc campaignDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding campaign %s: %w", id, err)
	}

	c := doc.Campaign
	if c.TenantID == "" {
		c.TenantID = doc.LegacyTenantID
	}
	return &c, nil
}

// Meta loads name, tenant and creation time for the given campaigns.
func (s *CampaignStore) Meta(ctx context.Context, ids []string) (map[string]domain.CampaignMeta, error) {
	opts := options.Find().SetProjection(bson.M{
		"name": 1, "tenantId": 1, "tenant_id": 1, "createdAt": 1,
	})

	cur, err := s.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}}, opts)
	if err != nil {
		return nil, fmt.Errorf("finding campaign metadata: %w", err)
	}

	var docs []struct {
		domain.CampaignMeta `bson:",inline"`
		LegacyTenantID      string `bson:"tenant_id,omitempty"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding campaign metadata: %w", err)
	}

	out := make(map[string]domain.CampaignMeta, len(docs))
	for _, d := range docs {
		m := d.CampaignMeta
		if m.TenantID == "" {
			m.TenantID = d.LegacyTenantID
		}
		out[m.ID] = m
	}
	return out, nil
}

func (s *CampaignStore) MarkDelivered(ctx context.Context, id string) error {
	now := s.now().UTC()
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":          domain.CampaignDelivered,
		"lastDeliveredAt": now,
	}})
	if err != nil {
		return fmt.Errorf("marking campaign %s delivered: %w", id, err)
	}
	return nil
}

func (s *CampaignStore) MarkScheduled(ctx context.Context, id string, nextAttemptAt time.Time, attempt int) error {
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":        domain.CampaignScheduled,
		"nextAttemptAt": nextAttemptAt.UTC(),
		"attempt":       attempt,
	}})
	if err != nil {
		return fmt.Errorf("marking campaign %s scheduled: %w", id, err)
	}
	return nil
}
