package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	"github.com/davicafu/fleetguard/tests/mocks"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness monta la entrega completa sobre los mocks en memoria.
type harness struct {
	repo       *mocks.InMemoryOutboxRepo
	ledger     *mocks.InMemoryLedger
	bus        *mocks.ScriptedBus
	recorder   *mocks.RecordingRecorder
	resolver   *RoutingResolver
	processors *ProcessorRegistry
	dedup      *Deduplicator
	stats      *Stats
	deliverer  *Deliverer
	clock      *testClock
}

func newHarness(t *testing.T, routes ...domain.RoutingConfig) *harness {
	t.Helper()
	h := &harness{
		repo:       mocks.NewInMemoryOutboxRepo(),
		ledger:     mocks.NewInMemoryLedger(),
		bus:        &mocks.ScriptedBus{},
		recorder:   &mocks.RecordingRecorder{},
		processors: NewProcessorRegistry("fleetguard-test"),
		stats:      NewStats(),
		clock:      &testClock{now: t0},
	}
	for _, r := range routes {
		require.NoError(t, h.repo.UpsertRoute(context.Background(), r))
	}
	h.resolver = NewRoutingResolver(h.repo, zap.NewNop())
	require.NoError(t, h.resolver.Reload(context.Background()))
	h.dedup = NewDeduplicator(h.ledger, "", 24*time.Hour)
	h.deliverer = NewDeliverer(h.repo, h.resolver, h.processors, h.dedup, h.recorder, h.stats, DeliveryConfig{
		TopicPrefix:    "fleetguard",
		Timeout:        time.Second,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  time.Minute,
	}, zap.NewNop())
	h.deliverer.now = h.clock.Now
	return h
}

func (h *harness) insert(t *testing.T, eventType string) *domain.OutboxEvent {
	t.Helper()
	evt, err := domain.NewOutboxEvent(domain.NewEvent{
		EventType:     eventType,
		AggregateType: "device",
		AggregateID:   "QC-001",
		Payload:       sharedDomain.Payload{"severity": "high"},
	}, h.clock.Now())
	require.NoError(t, err)
	require.NoError(t, h.repo.Insert(context.Background(), evt))
	return evt
}

func (h *harness) event(t *testing.T, evt *domain.OutboxEvent) *domain.OutboxEvent {
	t.Helper()
	got, err := h.repo.Get(context.Background(), evt.ID)
	require.NoError(t, err)
	return got
}

func (h *harness) newSweeper(healthy func() bool) *PollingSweeper {
	s := NewPollingSweeper(h.repo, h.resolver, h.deliverer, h.bus, healthy, SweepConfig{
		Interval:    time.Second,
		BatchSize:   10,
		GracePeriod: 10 * time.Second,
	}, zap.NewNop())
	s.now = h.clock.Now
	return s
}

func cdcRoute(eventType string) domain.RoutingConfig {
	r := domain.DefaultRouting(eventType)
	r.PublishMode = domain.ModeCDC
	r.CDCEnabled = true
	return r
}

func pollingRoute(eventType string, intervalMs, batch int) domain.RoutingConfig {
	r := domain.DefaultRouting(eventType)
	r.PollingIntervalMs = intervalMs
	r.PollingBatchSize = batch
	return r
}
