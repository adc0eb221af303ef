package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/notifly/internal/domain"
	"github.com/Priya8975/notifly/internal/engine"
	"github.com/Priya8975/notifly/internal/provider"
	"github.com/Priya8975/notifly/internal/store"
	"github.com/Priya8975/notifly/internal/stream"
	"github.com/Priya8975/notifly/internal/websocket"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeLedger mirrors the upsert semantics of the deliveries table.
type fakeLedger struct {
	mu   sync.Mutex
	rows map[string]*domain.DeliveryRow
	err  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]*domain.DeliveryRow)}
}

func (l *fakeLedger) RecordAttempt(_ context.Context, rec store.AttemptRecord) (*domain.DeliveryRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}

	key := rec.CampaignID + "|" + rec.Recipient
	row, ok := l.rows[key]
	if !ok {
		row = &domain.DeliveryRow{ID: int64(len(l.rows) + 1), CampaignID: rec.CampaignID, Recipient: rec.Recipient}
		l.rows[key] = row
	}
	row.AttemptCount++
	row.Status = rec.Status
	code := rec.Code
	row.Code = &code
	copied := *row
	return &copied, nil
}

func (l *fakeLedger) row(campaignID, recipient string) domain.DeliveryRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.rows[campaignID+"|"+recipient]; ok {
		return *r
	}
	return domain.DeliveryRow{}
}

type fakeCampaigns struct {
	mu        sync.Mutex
	delivered []string
}

func (c *fakeCampaigns) MarkDelivered(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered = append(c.delivered, id)
	return nil
}

func (c *fakeCampaigns) MarkScheduled(context.Context, string, time.Time, int) error {
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []websocket.DeliveryEvent
}

func (e *fakeEvents) Publish(_ context.Context, ev websocket.DeliveryEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *fakeEvents) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

// scriptedProvider returns the queued outcomes in order, then succeeds.
type scriptedProvider struct {
	mu      sync.Mutex
	fails   int
	calls   int
	lastReq provider.Request
}

func (s *scriptedProvider) Name() string { return "scripted" }

func (s *scriptedProvider) Send(_ context.Context, req provider.Request) (provider.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastReq = req
	if s.fails > 0 {
		s.fails--
		return provider.Response{Success: false, Provider: "scripted", ErrorCode: "X"}, nil
	}
	return provider.Response{Success: true, Provider: "scripted"}, nil
}

func (s *scriptedProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	rdb       *redis.Client
	mr        *miniredis.Miniredis
	streams   *stream.Client
	processor *Processor
	retries   *engine.RetryScheduler
	dlq       *engine.DLQStore
	ledger    *fakeLedger
	campaigns *fakeCampaigns
	events    *fakeEvents
	scripted  *scriptedProvider
}

type harnessOpts struct {
	maxRetries       int
	rateLimit        int
	breakerThreshold int
	providerName     string
}

func setupHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.maxRetries == 0 {
		o.maxRetries = 3
	}
	if o.providerName == "" {
		o.providerName = "mock"
	}
	if o.breakerThreshold == 0 {
		o.breakerThreshold = 100
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := testLogger()
	streams := stream.NewClient(rdb)
	campaigns := &fakeCampaigns{}
	scripted := &scriptedProvider{}

	providers := provider.NewMockRegistry(domain.Channels...)
	providers.Register(domain.ChannelEmail, scripted)

	h := &harness{
		rdb:       rdb,
		mr:        mr,
		streams:   streams,
		retries:   engine.NewRetryScheduler(streams, campaigns, 0, o.maxRetries, 50, logger),
		dlq:       engine.NewDLQStore(streams, nil, 1000, logger),
		ledger:    newFakeLedger(),
		campaigns: campaigns,
		events:    &fakeEvents{},
		scripted:  scripted,
	}
	h.processor = NewProcessor(domain.ChannelEmail, o.providerName, Deps{
		Providers: providers,
		Dedupe:    engine.NewDedupe(rdb, time.Hour),
		Limiter:   engine.NewRateLimiter(rdb, o.rateLimit, time.Second, logger),
		Breaker:   engine.NewCircuitBreaker(rdb, o.breakerThreshold, time.Minute, logger),
		Retries:   h.retries,
		DLQ:       h.dlq,
		Ledger:    h.ledger,
		Campaigns: campaigns,
		Events:    h.events,
	}, logger)
	return h
}

func (h *harness) retryDescriptors(t *testing.T) []domain.RetryDescriptor {
	t.Helper()
	entries, err := h.rdb.XRange(context.Background(), domain.StreamRetry, "-", "+").Result()
	if err != nil {
		t.Fatalf("reading retry stream: %v", err)
	}
	var out []domain.RetryDescriptor
	for _, e := range entries {
		var d domain.RetryDescriptor
		if err := json.Unmarshal([]byte(e.Values["payload"].(string)), &d); err != nil {
			t.Fatalf("decoding descriptor: %v", err)
		}
		out = append(out, d)
	}
	return out
}

func (h *harness) drain(t *testing.T) int {
	t.Helper()
	n, err := h.retries.Drain(context.Background(), domain.ChannelEmail, func(ctx context.Context, msg domain.Message) error {
		_, err := h.processor.Process(ctx, msg)
		return err
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	return n
}

func (h *harness) dlqItems(t *testing.T) []domain.DLQItem {
	t.Helper()
	page, err := h.dlq.List(context.Background(), domain.DLQFilter{}, 1, 100)
	if err != nil {
		t.Fatalf("listing dlq: %v", err)
	}
	return page.Items
}

func emailMsg(recipient string, attempt int) domain.Message {
	return domain.Message{
		CampaignID: "c1",
		Recipient:  recipient,
		TenantID:   "t1",
		Channel:    domain.ChannelEmail,
		Attempt:    attempt,
		Payload:    map[string]any{"subject": "hi", "body": "hello"},
	}
}

func TestProcessor_SameAttemptSendsOnce(t *testing.T) {
	h := setupHarness(t, harnessOpts{providerName: "scripted"})
	ctx := context.Background()

	first, err := h.processor.Process(ctx, emailMsg("a@x.com", 1))
	if err != nil || first != OutcomeDelivered {
		t.Fatalf("first: outcome=%q err=%v", first, err)
	}
	second, err := h.processor.Process(ctx, emailMsg("a@x.com", 1))
	if err != nil || second != OutcomeDuplicate {
		t.Fatalf("second: outcome=%q err=%v", second, err)
	}

	if got := h.scripted.callCount(); got != 1 {
		t.Errorf("expected exactly one provider call, got %d", got)
	}
	if req := h.scripted.lastReq; req.To != "a@x.com" || req.Subject != "hi" {
		t.Errorf("unexpected request %+v", req)
	}

	// a later attempt is a different key
	third, _ := h.processor.Process(ctx, emailMsg("a@x.com", 2))
	if third != OutcomeDelivered {
		t.Errorf("expected attempt 2 to be admitted, got %q", third)
	}
}

func TestProcessor_FailureThenRetrySucceeds(t *testing.T) {
	h := setupHarness(t, harnessOpts{providerName: "scripted"})
	h.scripted.fails = 1
	ctx := context.Background()

	outcome, err := h.processor.Process(ctx, emailMsg("a@x.com", 0))
	if err != nil || outcome != OutcomeRetrying {
		t.Fatalf("outcome=%q err=%v", outcome, err)
	}

	row := h.ledger.row("c1", "a@x.com")
	if row.Status != domain.DeliveryFailed || row.AttemptCount != 1 || *row.Code != "X" {
		t.Errorf("after failure: %+v", row)
	}

	descs := h.retryDescriptors(t)
	if len(descs) != 1 || descs[0].Attempt != 2 || descs[0].Channel != domain.ChannelEmail {
		t.Fatalf("expected one descriptor at attempt 2, got %+v", descs)
	}

	if n := h.drain(t); n != 1 {
		t.Fatalf("expected 1 retry handled, got %d", n)
	}

	row = h.ledger.row("c1", "a@x.com")
	if row.Status != domain.DeliveryDelivered || row.AttemptCount != 2 {
		t.Errorf("after retry: %+v", row)
	}
	if len(h.retryDescriptors(t)) != 0 {
		t.Error("expected retry descriptor to be deleted")
	}
	if len(h.campaigns.delivered) != 1 {
		t.Errorf("expected campaign marked delivered once, got %v", h.campaigns.delivered)
	}

	want := []string{websocket.EventRetrying, websocket.EventDelivered}
	if got := h.events.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestProcessor_ExhaustedRetriesDeadLetter(t *testing.T) {
	h := setupHarness(t, harnessOpts{maxRetries: 3})
	ctx := context.Background()

	if _, err := h.processor.Process(ctx, emailMsg("fail@x.com", 1)); err != nil {
		t.Fatalf("process: %v", err)
	}
	h.drain(t) // attempt 2
	h.drain(t) // attempt 3

	if descs := h.retryDescriptors(t); len(descs) != 0 {
		t.Errorf("expected no pending retries, got %+v", descs)
	}

	items := h.dlqItems(t)
	if len(items) != 1 {
		t.Fatalf("expected one dlq entry, got %d", len(items))
	}
	if items[0].Attempt != 3 || items[0].Recipient != "fail@x.com" || !strings.Contains(items[0].ErrorReason, provider.MockFailureCode) {
		t.Errorf("unexpected dlq item %+v", items[0])
	}
	if row := h.ledger.row("c1", "fail@x.com"); row.AttemptCount != 3 || row.Status != domain.DeliveryFailed {
		t.Errorf("unexpected ledger row %+v", row)
	}
}

func TestProcessor_RetryBudget(t *testing.T) {
	tests := []struct {
		attempt int
		want    string
	}{
		{1, OutcomeRetrying},
		{2, OutcomeRetrying},
		{3, OutcomeDeadLettered},
		{4, OutcomeDeadLettered},
	}

	for _, tt := range tests {
		h := setupHarness(t, harnessOpts{maxRetries: 3})
		got, err := h.processor.Process(context.Background(), emailMsg("fail@x.com", tt.attempt))
		if err != nil {
			t.Fatalf("attempt %d: %v", tt.attempt, err)
		}
		if got != tt.want {
			t.Errorf("attempt %d: outcome %q, want %q", tt.attempt, got, tt.want)
		}
		if tt.want == OutcomeDeadLettered && len(h.retryDescriptors(t)) != 0 {
			t.Errorf("attempt %d: dead-lettered attempt must not be scheduled", tt.attempt)
		}
	}
}

func TestProcessor_RateLimitDefersSameAttempt(t *testing.T) {
	h := setupHarness(t, harnessOpts{rateLimit: 1})
	ctx := context.Background()

	if got, _ := h.processor.Process(ctx, emailMsg("a@x.com", 1)); got != OutcomeDelivered {
		t.Fatalf("first send: %q", got)
	}
	got, err := h.processor.Process(ctx, emailMsg("b@x.com", 2))
	if err != nil || got != OutcomeThrottled {
		t.Fatalf("second send: outcome=%q err=%v", got, err)
	}

	descs := h.retryDescriptors(t)
	if len(descs) != 1 || descs[0].Attempt != 2 || descs[0].Recipient != "b@x.com" {
		t.Fatalf("expected deferral at attempt 2, got %+v", descs)
	}
	if row := h.ledger.row("c1", "b@x.com"); row.AttemptCount != 0 {
		t.Errorf("throttled message must not touch the ledger, got %+v", row)
	}

	h.mr.FastForward(2 * time.Second)
	if n := h.drain(t); n != 1 {
		t.Fatalf("expected deferred message to be handled, got %d", n)
	}
	if row := h.ledger.row("c1", "b@x.com"); row.Status != domain.DeliveryDelivered {
		t.Errorf("expected deferred message delivered, got %+v", row)
	}
}

func TestProcessor_MalformedDropped(t *testing.T) {
	h := setupHarness(t, harnessOpts{})

	got, err := h.processor.Process(context.Background(), domain.Message{CampaignID: "c1"})
	if err != nil || got != OutcomeMalformed {
		t.Errorf("outcome=%q err=%v", got, err)
	}
	if len(h.ledger.rows) != 0 {
		t.Error("malformed message must not reach the ledger")
	}
}

func TestProcessor_OpenCircuitShortCircuits(t *testing.T) {
	h := setupHarness(t, harnessOpts{providerName: "scripted", breakerThreshold: 1})
	h.scripted.fails = 1
	ctx := context.Background()

	if got, _ := h.processor.Process(ctx, emailMsg("a@x.com", 1)); got != OutcomeRetrying {
		t.Fatalf("first: %q", got)
	}
	got, err := h.processor.Process(ctx, emailMsg("b@x.com", 1))
	if err != nil || got != OutcomeRetrying {
		t.Fatalf("second: outcome=%q err=%v", got, err)
	}

	if calls := h.scripted.callCount(); calls != 1 {
		t.Errorf("expected open circuit to skip the provider, got %d calls", calls)
	}
	row := h.ledger.row("c1", "b@x.com")
	if row.Code == nil || *row.Code != CodeCircuitOpen {
		t.Errorf("expected %s code, got %+v", CodeCircuitOpen, row)
	}
}

func TestProcessor_LedgerFailureAfterSendIsNotRetried(t *testing.T) {
	h := setupHarness(t, harnessOpts{})
	h.ledger.err = errors.New("connection refused")

	got, err := h.processor.Process(context.Background(), emailMsg("a@x.com", 1))
	if err != nil || got != OutcomeDelivered {
		t.Errorf("outcome=%q err=%v", got, err)
	}
	if len(h.retryDescriptors(t)) != 0 {
		t.Error("a sent message must not be retried")
	}
}

func TestProcessor_LedgerFailureOnFailedSendCountsAsFailure(t *testing.T) {
	h := setupHarness(t, harnessOpts{})
	h.ledger.err = errors.New("connection refused")

	got, err := h.processor.Process(context.Background(), emailMsg("fail@x.com", 1))
	if err != nil || got != OutcomeRetrying {
		t.Errorf("outcome=%q err=%v", got, err)
	}
}

func TestProcessor_DedupeErrorLeavesMessageUnresolved(t *testing.T) {
	h := setupHarness(t, harnessOpts{})
	h.rdb.Close()

	if _, err := h.processor.Process(context.Background(), emailMsg("a@x.com", 1)); err == nil {
		t.Error("expected error when dedupe store is unreachable")
	}
}
