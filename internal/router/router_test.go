package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/engine"
	"github.com/Priya8975/notifly/internal/stream"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCampaigns struct {
	campaigns map[string]*domain.Campaign
	err       error
}

func (f *fakeCampaigns) Get(_ context.Context, id string) (*domain.Campaign, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.campaigns[id], nil
}

// failingPublisher rejects writes to one stream and forwards the rest.
type failingPublisher struct {
	next   stream.Publisher
	stream string
}

func (p *failingPublisher) Publish(ctx context.Context, s string, values map[string]any) (string, error) {
	if s == p.stream {
		return "", errors.New("connection reset")
	}
	return p.next.Publish(ctx, s, values)
}

type fixture struct {
	rdb       *redis.Client
	streams   *stream.Client
	campaigns *fakeCampaigns
	dlq       *engine.DLQStore
	dedupe    *engine.Dedupe
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	streams := stream.NewClient(rdb)
	f := &fixture{
		rdb:     rdb,
		streams: streams,
		campaigns: &fakeCampaigns{campaigns: map[string]*domain.Campaign{
			"c1": {
				ID:       "c1",
				TenantID: "t1",
				Channel:  domain.ChannelEmail,
				Recipients: []domain.Recipient{
					{Address: "a@x.com"},
					{Address: "b@x.com"},
					{Address: "device-token"},
					{Address: "+15550001", Channels: []string{domain.ChannelSMS}},
				},
				Payload: map[string]any{"subject": "hello"},
			},
		}},
		dlq:    engine.NewDLQStore(streams, nil, 1000, testLogger()),
		dedupe: engine.NewDedupe(rdb, time.Hour),
	}
	if err := streams.EnsureGroup(context.Background(), domain.StreamIncoming, "router-group"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return f
}

func (f *fixture) newRouter(consumer string, publisher stream.Publisher) *Router {
	if publisher == nil {
		publisher = f.streams
	}
	return New(f.streams, publisher, f.campaigns, f.dedupe, f.dlq, Options{
		Group:     "router-group",
		Consumer:  consumer,
		BatchSize: 10,
		Block:     20 * time.Millisecond,
	}, testLogger())
}

// channelMessages returns every message published to a channel stream.
func (f *fixture) channelMessages(t *testing.T, channel string) []domain.Message {
	t.Helper()
	entries, err := f.rdb.XRange(context.Background(), domain.ChannelStream(channel), "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	var out []domain.Message
	for _, e := range entries {
		msg, err := stream.Decode(e.Values)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func (f *fixture) total(t *testing.T) int {
	t.Helper()
	n := 0
	for _, ch := range domain.Channels {
		n += len(f.channelMessages(t, ch))
	}
	return n
}

func (f *fixture) pending(t *testing.T) int64 {
	t.Helper()
	p, err := f.rdb.XPending(context.Background(), domain.StreamIncoming, "router-group").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	return p.Count
}

func (f *fixture) publishIncoming(t *testing.T, values map[string]any) {
	t.Helper()
	if _, err := f.streams.Publish(context.Background(), domain.StreamIncoming, values); err != nil {
		t.Fatalf("publish incoming: %v", err)
	}
}

func TestRouter_FanOutCompleteness(t *testing.T) {
	f := setupFixture(t)
	r := f.newRouter("r1", nil)
	f.publishIncoming(t, map[string]any{"campaignId": "c1"})

	r.Poll(context.Background())

	email := f.channelMessages(t, domain.ChannelEmail)
	sms := f.channelMessages(t, domain.ChannelSMS)
	push := f.channelMessages(t, domain.ChannelPush)
	if len(email) != 2 || len(sms) != 1 || len(push) != 1 {
		t.Fatalf("expected 2/1/1 email/sms/push, got %d/%d/%d", len(email), len(sms), len(push))
	}

	var got []string
	for _, m := range email {
		got = append(got, m.Recipient)
		if m.TenantID != "t1" || m.Payload["subject"] != "hello" || m.CampaignID != "c1" {
			t.Errorf("unexpected email message %+v", m)
		}
	}
	sort.Strings(got)
	if strings.Join(got, ",") != "a@x.com,b@x.com" {
		t.Errorf("unexpected email recipients %v", got)
	}
	if sms[0].Recipient != "+15550001" || push[0].Recipient != "device-token" {
		t.Errorf("unexpected sms/push targets %+v %+v", sms[0], push[0])
	}
	if n := f.pending(t); n != 0 {
		t.Errorf("expected incoming entry acked, %d pending", n)
	}
}

func TestRouter_DuplicateAcrossRoutersFansOutOnce(t *testing.T) {
	f := setupFixture(t)
	r1 := f.newRouter("r1", nil)
	r2 := f.newRouter("r2", nil)

	// the same campaign pointer delivered twice
	f.publishIncoming(t, map[string]any{"campaignId": "c1"})
	f.publishIncoming(t, map[string]any{"campaignId": "c1"})

	ctx := context.Background()
	entries, err := f.streams.Read(ctx, domain.StreamIncoming, "router-group", "r1", 1, 10*time.Millisecond)
	if err != nil || len(entries) != 1 {
		t.Fatalf("read r1: %v %d", err, len(entries))
	}
	first, err := r1.Route(ctx, entries[0])
	if err != nil {
		t.Fatalf("route r1: %v", err)
	}

	entries, err = f.streams.Read(ctx, domain.StreamIncoming, "router-group", "r2", 1, 10*time.Millisecond)
	if err != nil || len(entries) != 1 {
		t.Fatalf("read r2: %v %d", err, len(entries))
	}
	second, err := r2.Route(ctx, entries[0])
	if err != nil {
		t.Fatalf("route r2: %v", err)
	}

	if first != OutcomeRouted || second != OutcomeDuplicate {
		t.Errorf("outcomes = %q/%q, want routed/duplicate", first, second)
	}
	if n := f.total(t); n != 4 {
		t.Errorf("expected exactly one fan-out (4 messages), got %d", n)
	}
}

func TestRouter_RequeueTargetsSingleRecipient(t *testing.T) {
	tests := []struct {
		name        string
		body        map[string]any
		wantChannel string
		wantAttempt int
	}{
		{
			name:        "inferred email",
			body:        map[string]any{"campaignId": "c1", "recipient": "b@x.com", "requeue": true, "attempt": 4},
			wantChannel: domain.ChannelEmail,
			wantAttempt: 4,
		},
		{
			name:        "channel hint from campaign recipient",
			body:        map[string]any{"campaignId": "c1", "recipient": "+15550001", "requeue": true, "attempt": 2},
			wantChannel: domain.ChannelSMS,
			wantAttempt: 2,
		},
		{
			name:        "explicit channel wins",
			body:        map[string]any{"campaignId": "c1", "recipient": "a@x.com", "requeue": true, "attempt": 3, "channel": "push"},
			wantChannel: domain.ChannelPush,
			wantAttempt: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupFixture(t)
			r := f.newRouter("r1", nil)

			// a requeue bypasses campaign dedupe even after a normal fan-out
			if _, err := f.dedupe.Admit(context.Background(), engine.CampaignDedupeKey("c1")); err != nil {
				t.Fatalf("admit: %v", err)
			}

			data, _ := json.Marshal(tt.body)
			f.publishIncoming(t, map[string]any{"payload": string(data)})
			r.Poll(context.Background())

			if n := f.total(t); n != 1 {
				t.Fatalf("expected a single targeted message, got %d", n)
			}
			msgs := f.channelMessages(t, tt.wantChannel)
			if len(msgs) != 1 {
				t.Fatalf("expected message on %s", tt.wantChannel)
			}
			if msgs[0].Recipient != tt.body["recipient"] || msgs[0].Attempt != tt.wantAttempt {
				t.Errorf("unexpected requeue message %+v", msgs[0])
			}
			if msgs[0].Payload["subject"] != "hello" {
				t.Errorf("expected campaign default payload, got %v", msgs[0].Payload)
			}
		})
	}
}

func TestRouter_StreamPayloadOverridesCampaign(t *testing.T) {
	f := setupFixture(t)
	r := f.newRouter("r1", nil)

	data, _ := json.Marshal(map[string]any{
		"campaignId": "c1",
		"recipient":  "a@x.com",
		"requeue":    true,
		"payload":    map[string]any{"subject": "override"},
	})
	f.publishIncoming(t, map[string]any{"payload": string(data)})
	r.Poll(context.Background())

	msgs := f.channelMessages(t, domain.ChannelEmail)
	if len(msgs) != 1 || msgs[0].Payload["subject"] != "override" {
		t.Errorf("expected stream payload to win, got %+v", msgs)
	}
}

func TestRouter_PublishFailureStillAcksAndDeadLetters(t *testing.T) {
	f := setupFixture(t)
	r := f.newRouter("r1", &failingPublisher{next: f.streams, stream: domain.ChannelStream(domain.ChannelSMS)})
	f.publishIncoming(t, map[string]any{"campaignId": "c1"})

	r.Poll(context.Background())

	if n := f.total(t); n != 3 {
		t.Errorf("expected other recipients published (3), got %d", n)
	}
	if n := f.pending(t); n != 0 {
		t.Errorf("expected incoming entry acked despite failure, %d pending", n)
	}

	page, err := f.dlq.List(context.Background(), domain.DLQFilter{}, 1, 10)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected one dead-lettered fan-out, got %d", page.Total)
	}
	item := page.Items[0]
	if item.Recipient != "+15550001" || item.Channel != domain.ChannelSMS || !strings.HasPrefix(item.ErrorReason, "fanout:") {
		t.Errorf("unexpected dlq item %+v", item)
	}
}

func TestRouter_LoadFailureReleasesDedupe(t *testing.T) {
	f := setupFixture(t)
	r := f.newRouter("r1", nil)
	f.publishIncoming(t, map[string]any{"campaignId": "c1"})

	f.campaigns.err = errors.New("mongo unavailable")
	r.Poll(context.Background())

	if n := f.pending(t); n != 1 {
		t.Fatalf("expected entry left pending, %d pending", n)
	}
	if n := f.total(t); n != 0 {
		t.Fatalf("expected no fan-out, got %d", n)
	}

	// once the store recovers a redelivery is admitted
	f.campaigns.err = nil
	entries, err := f.rdb.XRange(context.Background(), domain.StreamIncoming, "-", "+").Result()
	if err != nil || len(entries) != 1 {
		t.Fatalf("xrange: %v", err)
	}
	outcome, err := r.Route(context.Background(), entries[0])
	if err != nil || outcome != OutcomeRouted {
		t.Errorf("outcome=%q err=%v", outcome, err)
	}
}

func TestRouter_EntryIDIsFallbackCampaignID(t *testing.T) {
	f := setupFixture(t)
	r := f.newRouter("r1", nil)

	data, _ := json.Marshal(map[string]any{"recipients": []string{"z@x.com"}})
	f.publishIncoming(t, map[string]any{"payload": string(data)})
	r.Poll(context.Background())

	msgs := f.channelMessages(t, domain.ChannelEmail)
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	if _, ok := stream.EntryTime(msgs[0].CampaignID); !ok {
		t.Errorf("expected entry id as campaign id, got %q", msgs[0].CampaignID)
	}
}

func TestRouter_MalformedAndEmptyAreAcked(t *testing.T) {
	f := setupFixture(t)
	r := f.newRouter("r1", nil)

	f.publishIncoming(t, map[string]any{"body": "{broken"})
	f.publishIncoming(t, map[string]any{"campaignId": "missing"})
	r.Poll(context.Background())

	if n := f.pending(t); n != 0 {
		t.Errorf("expected both entries acked, %d pending", n)
	}
	if n := f.total(t); n != 0 {
		t.Errorf("expected no fan-out, got %d", n)
	}
}

func TestExpand_UnknownChannelSkipped(t *testing.T) {
	f := setupFixture(t)
	r := f.newRouter("r1", nil)
	f.campaigns.campaigns["c9"] = &domain.Campaign{
		ID: "c9",
		Recipients: []domain.Recipient{
			{Address: "a@x.com", Channels: []string{"fax", "email"}},
		},
	}
	f.publishIncoming(t, map[string]any{"campaignId": "c9"})
	r.Poll(context.Background())

	if n := f.total(t); n != 1 {
		t.Errorf("expected only the email target, got %d", n)
	}
}

func TestRouter_MixedCaseChannelHintsFanOut(t *testing.T) {
	f := setupFixture(t)
	r := f.newRouter("r1", nil)

	var recipients []domain.Recipient
	if err := json.Unmarshal([]byte(`[{"address":"a@x.com","channels":["Email"]},{"address":"+1555","channel":"SMS"}]`), &recipients); err != nil {
		t.Fatalf("decode recipients: %v", err)
	}
	f.campaigns.campaigns["c8"] = &domain.Campaign{ID: "c8", Recipients: recipients}
	f.publishIncoming(t, map[string]any{"campaignId": "c8"})
	r.Poll(context.Background())

	if n := len(f.channelMessages(t, domain.ChannelEmail)); n != 1 {
		t.Errorf("expected 1 email message, got %d", n)
	}
	if n := len(f.channelMessages(t, domain.ChannelSMS)); n != 1 {
		t.Errorf("expected 1 sms message, got %d", n)
	}
}
