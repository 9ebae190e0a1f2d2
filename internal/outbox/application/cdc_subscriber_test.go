package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	sharedBus "github.com/davicafu/fleetguard/shared/platform/bus"
)

// fakeFeed falla las primeras `failures` conexiones y luego reparte los avisos
// recibidos por Notify.
type fakeFeed struct {
	mu       sync.Mutex
	failures int
	calls    int
	notices  chan domain.ChangeNotice
}

func newFakeFeed(failures int) *fakeFeed {
	return &fakeFeed{failures: failures, notices: make(chan domain.ChangeNotice, 16)}
}

func (f *fakeFeed) Notify(n domain.ChangeNotice) { f.notices <- n }

func (f *fakeFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFeed) Listen(ctx context.Context, h domain.FeedHandler) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	h.OnConnected()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-f.notices:
			h.OnNotice(n)
		}
	}
}

func TestCDCSubscriber_DeliversWithoutPolling(t *testing.T) {
	h := newHarness(t, cdcRoute("device.alarm.triggered"))
	feed := newFakeFeed(0)
	sub := NewCDCSubscriber(feed, h.deliverer, h.resolver, h.bus, CDCConfig{Workers: 2}, zap.NewNop())
	sweeper := h.newSweeper(alwaysHealthy)
	svc := NewOutboxService(h.repo, h.repo, h.processors, nil, zap.NewNop(), WithNotifier(feed))
	svc.now = h.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := svc.AddEvent(ctx, domain.NewEvent{
		EventType:     "device.alarm.triggered",
		AggregateType: "device",
		AggregateID:   "QC-001",
		Payload:       sharedDomain.Payload{"alarm": "overheat"},
	})
	require.NoError(t, err)

	// Con el CDC sano el polling no toca el evento.
	assert.Zero(t, sweeper.SweepDue(ctx))

	go func() { _ = sub.Run(ctx) }()
	require.Eventually(t, func() bool {
		evt, err := h.repo.Get(ctx, id)
		return err == nil && evt.Status == domain.StatusPublished
	}, 2*time.Second, 5*time.Millisecond)

	evt, err := h.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PathCDC, evt.PublishedVia)

	msgs := h.bus.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "cdc", msgs[0].Headers["delivery-path"])

	snap := h.stats.Snapshot()
	assert.EqualValues(t, 1, snap.CDCPublished)
	assert.Zero(t, snap.PollingPublished)
}

func TestCDCSubscriber_IgnoresPollingTypes(t *testing.T) {
	h := newHarness(t, pollingRoute("a", 1000, 10))
	feed := newFakeFeed(0)
	sub := NewCDCSubscriber(feed, h.deliverer, h.resolver, h.bus, CDCConfig{}, zap.NewNop())
	sub.connected.Store(true)

	evt := h.insert(t, "a")
	unconfigured := h.insert(t, "b")
	sub.handle(context.Background(), domain.ChangeNotice{EventID: evt.ID, EventType: "a"})
	sub.handle(context.Background(), domain.ChangeNotice{EventID: unconfigured.ID, EventType: "b"})

	assert.Equal(t, domain.StatusPending, h.event(t, evt).Status)
	assert.Equal(t, domain.StatusPending, h.event(t, unconfigured).Status)
	assert.Zero(t, h.bus.CallCount())
}

func TestCDCSubscriber_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t, cdcRoute("x"))
	sub := NewCDCSubscriber(newFakeFeed(0), h.deliverer, h.resolver, h.bus, CDCConfig{FailureLimit: 5, OpenTimeout: time.Minute}, zap.NewNop())
	sub.connected.Store(true)
	require.True(t, sub.Healthy())
	assert.Equal(t, "closed", sub.State())

	h.bus.SetFailure(errors.New("broker down"))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = sub.send(ctx, sharedBus.Message{})
	}
	assert.True(t, sub.Healthy(), "four failures keep the breaker closed")

	_ = sub.send(ctx, sharedBus.Message{})
	assert.False(t, sub.Healthy())
	assert.Equal(t, "open", sub.State())

	err := sub.send(ctx, sharedBus.Message{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, h.bus.CallCount())

	// Abierto: los avisos se ignoran y el evento queda para el polling.
	evt := h.insert(t, "x")
	sub.handle(ctx, domain.ChangeNotice{EventID: evt.ID, EventType: "x"})
	assert.Equal(t, domain.StatusPending, h.event(t, evt).Status)
}

func TestCDCSubscriber_ReconnectsWithBackoff(t *testing.T) {
	h := newHarness(t, cdcRoute("x"))
	feed := newFakeFeed(2)
	sub := NewCDCSubscriber(feed, h.deliverer, h.resolver, h.bus, CDCConfig{
		ReconnectBase: time.Millisecond,
		ReconnectMax:  5 * time.Millisecond,
	}, zap.NewNop())
	assert.Equal(t, "disconnected", sub.State())
	assert.False(t, sub.Healthy())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	require.Eventually(t, sub.Healthy, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, feed.Calls())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	assert.False(t, sub.Healthy())
}

// El breaker puede abrirse entre la comprobación de salud y el envío: el
// rechazo aplaza la entrega sin gastar reintento.
func TestCDCSubscriber_BreakerRejectionDoesNotSpendRetry(t *testing.T) {
	h := newHarness(t, cdcRoute("x"))
	sub := NewCDCSubscriber(newFakeFeed(0), h.deliverer, h.resolver, h.bus, CDCConfig{FailureLimit: 1, OpenTimeout: time.Minute}, zap.NewNop())
	sub.connected.Store(true)

	h.bus.SetFailure(errors.New("broker down"))
	_ = sub.send(context.Background(), sharedBus.Message{})
	require.Equal(t, "open", sub.State())
	h.bus.SetFailure(nil)

	evt := h.insert(t, "x")
	outcome, err := h.deliverer.Deliver(context.Background(), evt.ID, domain.PathCDC, sub.send)
	assert.ErrorIs(t, err, ErrDeliveryDeferred)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, domain.OutcomeRetry, outcome)

	got := h.event(t, evt)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, 1, h.bus.CallCount())
	_, held := h.ledger.Holds(evt.ID, DefaultConsumerGroup)
	assert.False(t, held)
}
