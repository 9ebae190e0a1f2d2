package application

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
	"github.com/davicafu/fleetguard/internal/outbox/infra/outbound/db/sqlstore"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
	sharedQuery "github.com/davicafu/fleetguard/shared/platform/query"
)

type fakePublisherControl struct {
	reloads int
	err     error
}

func (f *fakePublisherControl) Reload(ctx context.Context) error {
	f.reloads++
	return f.err
}

func (f *fakePublisherControl) Status() PublisherStatus {
	return PublisherStatus{IsRunning: true}
}

func alarmEvent() domain.NewEvent {
	return domain.NewEvent{
		EventType:     "device.alarm.triggered",
		AggregateType: "device",
		AggregateID:   "QC-001",
		Payload:       sharedDomain.Payload{"alarm": "overheat"},
		Metadata:      domain.Metadata{CorrelationID: "c-1"},
	}
}

func newTestService(t *testing.T, opts ...ServiceOption) (*OutboxService, *harness, *fakePublisherControl) {
	t.Helper()
	h := newHarness(t)
	pub := &fakePublisherControl{}
	svc := NewOutboxService(h.repo, h.repo, h.processors, pub, zap.NewNop(), opts...)
	svc.now = h.clock.Now
	return svc, h, pub
}

func TestOutboxService_AddEvent(t *testing.T) {
	feed := newFakeFeed(0)
	svc, h, _ := newTestService(t, WithNotifier(feed), WithDefaultMaxRetries(5))

	id, err := svc.AddEvent(context.Background(), alarmEvent())
	require.NoError(t, err)

	evt, err := h.repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, evt.Status)
	assert.Equal(t, 5, evt.MaxRetries)
	assert.Equal(t, "c-1", evt.Metadata.CorrelationID)

	select {
	case n := <-feed.notices:
		assert.Equal(t, id, n.EventID)
		assert.Equal(t, "device.alarm.triggered", n.EventType)
	default:
		t.Fatal("expected a change notice")
	}
}

func TestOutboxService_AddEventRejectsInvalidInput(t *testing.T) {
	svc, h, _ := newTestService(t)
	bad := alarmEvent()
	bad.AggregateID = ""

	_, err := svc.AddEvent(context.Background(), bad)
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Empty(t, h.repo.Events)
}

func TestOutboxService_AddEventTxNotifiesOnlyAfterCommit(t *testing.T) {
	ctx := context.Background()
	db, err := persistence.Open(ctx, persistence.SQLite, persistence.SQLiteFileDSN(filepath.Join(t.TempDir(), "outbox.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := sqlstore.NewOutboxStore(db, persistence.SQLite, "")
	require.NoError(t, store.Migrate(ctx))

	feed := newFakeFeed(0)
	svc := NewOutboxService(store, store, NewProcessorRegistry("test"), nil, zap.NewNop(), WithNotifier(feed))

	// Rollback: ni fila ni aviso.
	rollbackErr := errors.New("business rule violated")
	err = persistence.RunInTx(ctx, db, persistence.SQLite, func(tx *persistence.Tx) error {
		if _, err := svc.AddEventTx(ctx, tx, alarmEvent()); err != nil {
			return err
		}
		return rollbackErr
	})
	require.ErrorIs(t, err, rollbackErr)
	assert.Len(t, feed.notices, 0)
	events, err := svc.ListEvents(ctx, domain.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)

	// Commit: fila y aviso.
	var id uuid.UUID
	err = persistence.RunInTx(ctx, db, persistence.SQLite, func(tx *persistence.Tx) error {
		got, err := svc.AddEventTx(ctx, tx, alarmEvent())
		id = got
		assert.Len(t, feed.notices, 0, "no notice before commit")
		return err
	})
	require.NoError(t, err)
	require.Len(t, feed.notices, 1)
	n := <-feed.notices
	assert.Equal(t, id, n.EventID)
}

func TestOutboxService_ListEvents(t *testing.T) {
	svc, h, _ := newTestService(t)
	a := h.insert(t, "a")
	h.insert(t, "b")
	_, err := h.repo.MarkProcessing(context.Background(), a.ID, t0)
	require.NoError(t, err)

	got, err := svc.ListEvents(context.Background(), domain.EventFilter{Status: domain.StatusProcessing, Pagination: sharedQuery.OffsetPagination{Limit: 10}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	_, err = svc.ListEvents(context.Background(), domain.EventFilter{Status: "bogus"})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestOutboxService_RetryEvent(t *testing.T) {
	svc, h, _ := newTestService(t)
	evt := h.insert(t, "a")

	_, err := svc.RetryEvent(context.Background(), evt.ID)
	assert.ErrorIs(t, err, domain.ErrStatusConflict, "only failed events can be retried")

	_, err = h.repo.MarkProcessing(context.Background(), evt.ID, t0)
	require.NoError(t, err)
	require.NoError(t, h.repo.RecordFailure(context.Background(), evt.ID, domain.StatusFailed, 3, "boom", t0, t0))

	got, err := svc.RetryEvent(context.Background(), evt.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.LastError)
}

func TestOutboxService_CleanupPublished(t *testing.T) {
	svc, h, _ := newTestService(t)
	old := h.insert(t, "a")
	_, err := h.repo.MarkProcessing(context.Background(), old.ID, t0)
	require.NoError(t, err)
	require.NoError(t, h.repo.MarkPublished(context.Background(), old.ID, domain.PathPolling, t0))

	_, err = svc.CleanupPublished(context.Background(), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidRetention)

	n, err := svc.CleanupPublished(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(8 * 24 * time.Hour)
	n, err = svc.CleanupPublished(context.Background(), 7)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestOutboxService_UpdateRoutingConfig(t *testing.T) {
	svc, h, pub := newTestService(t)
	mode := domain.ModeCDC
	enabled := true

	cfg, err := svc.UpdateRoutingConfig(context.Background(), "device.alarm.triggered", RoutingUpdate{PublishMode: &mode, CDCEnabled: &enabled})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeCDC, cfg.PublishMode)
	assert.Equal(t, domain.DefaultPollingInterval, cfg.PollingIntervalMs, "unset fields keep the defaults")
	assert.Equal(t, 1, pub.reloads)

	stored, err := h.repo.GetRoute(context.Background(), "device.alarm.triggered")
	require.NoError(t, err)
	assert.True(t, stored.StreamsOverCDC())

	routes, err := svc.ListRoutingConfigs(context.Background())
	require.NoError(t, err)
	assert.Len(t, routes, 1)
}

func TestOutboxService_UpdateRoutingConfigRejectsInvalid(t *testing.T) {
	svc, h, pub := newTestService(t)

	tooFast := 10
	_, err := svc.UpdateRoutingConfig(context.Background(), "a", RoutingUpdate{PollingIntervalMs: &tooFast})
	assert.ErrorIs(t, err, domain.ErrInvalidRoutingConfig)

	mode := domain.PublishMode("kafka-streams")
	_, err = svc.UpdateRoutingConfig(context.Background(), "a", RoutingUpdate{PublishMode: &mode})
	assert.ErrorIs(t, err, domain.ErrInvalidRoutingConfig)

	requires := true
	unknown := "does_not_exist"
	_, err = svc.UpdateRoutingConfig(context.Background(), "a", RoutingUpdate{RequiresProcessing: &requires, ProcessorClass: &unknown})
	assert.ErrorIs(t, err, domain.ErrInvalidRoutingConfig)

	_, err = svc.UpdateRoutingConfig(context.Background(), "a", RoutingUpdate{RequiresProcessing: &requires})
	assert.ErrorIs(t, err, domain.ErrInvalidRoutingConfig, "processorClass is required")

	assert.Empty(t, h.repo.Routes)
	assert.Zero(t, pub.reloads)
}

func TestOutboxService_GetPublisherStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.True(t, svc.GetPublisherStatus().IsRunning)
}
