package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davicafu/fleetguard/internal/rollback/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
	sharedQuery "github.com/davicafu/fleetguard/shared/platform/query"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *ExecutionStore {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.Open(ctx, persistence.SQLite, persistence.SQLiteFileDSN(filepath.Join(t.TempDir(), "rollbacks.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewExecutionStore(db, persistence.SQLite)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx))
	return store
}

func newExecution(t *testing.T, target string, at time.Time) *domain.RollbackExecution {
	t.Helper()
	e, err := domain.NewRollbackExecution(domain.RollbackRequest{
		TriggerID:   "alarm-42",
		TargetType:  domain.TargetRule,
		TargetID:    target,
		FromVersion: "v3",
		ToVersion:   "v2",
		DeviceCodes: []string{"QC-001", "QC-002"},
	}, at)
	require.NoError(t, err)
	return e
}

func TestExecutionStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e := newExecution(t, "RULE-VIB-001", t0)
	require.NoError(t, store.Create(ctx, e))
	assert.ErrorIs(t, store.Create(ctx, e), domain.ErrExecutionExists)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.SagaID, got.SagaID)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, domain.DeviceList{"QC-001", "QC-002"}, got.DeviceCodes)
	assert.Equal(t, domain.DefaultBatchSize, got.BatchSize)
	assert.True(t, t0.Equal(got.StartedAt))
	assert.Nil(t, got.CompletedAt)

	bySaga, err := store.GetBySagaID(ctx, e.SagaID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, bySaga.ID)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
}

func TestExecutionStore_UpdateProgress(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e := newExecution(t, "RULE-VIB-001", t0)
	require.NoError(t, store.Create(ctx, e))

	e.TotalDevices = 3
	e.SetProgress(domain.DeviceProgress{
		Processed: []string{"QC-001", "QC-003"},
		Failed:    []domain.FailedDevice{{DeviceCode: "QC-002", Error: "offline"}},
	}, t0.Add(time.Minute))
	e.Result = sharedDomain.Payload{"status": "partial"}
	e.Finish(domain.StatusPartial, t0.Add(time.Minute))
	require.NoError(t, store.Update(ctx, e))

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, got.Status)
	assert.Equal(t, 2, got.CompletedDevices)
	assert.Equal(t, 1, got.FailedDevices)
	assert.Equal(t, []domain.FailedDevice{{DeviceCode: "QC-002", Error: "offline"}}, got.Checkpoint.Failed)
	assert.Equal(t, "partial", got.Result.String("status"))
	require.NotNil(t, got.CompletedAt)

	missing := newExecution(t, "RULE-VIB-001", t0)
	assert.ErrorIs(t, store.Update(ctx, missing), domain.ErrExecutionNotFound)
}

func TestExecutionStore_UpdateTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e := newExecution(t, "RULE-VIB-001", t0)
	require.NoError(t, store.Create(ctx, e))

	boom := errors.New("boom")
	err := store.RunInTx(ctx, func(tx *persistence.Tx) error {
		e.Finish(domain.StatusCompleted, t0)
		require.NoError(t, store.UpdateTx(ctx, tx, e))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
}

func TestExecutionStore_List(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a := newExecution(t, "RULE-VIB-001", t0)
	b := newExecution(t, "RULE-VIB-001", t0.Add(time.Minute))
	c := newExecution(t, "RULE-TEMP-002", t0.Add(2*time.Minute))
	for _, e := range []*domain.RollbackExecution{a, b, c} {
		require.NoError(t, store.Create(ctx, e))
	}
	b.Finish(domain.StatusCompleted, t0.Add(time.Hour))
	require.NoError(t, store.Update(ctx, b))

	all, err := store.List(ctx, domain.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID, "newest first")

	vib, err := store.List(ctx, domain.ExecutionFilter{TargetID: "RULE-VIB-001", Status: domain.StatusRunning})
	require.NoError(t, err)
	require.Len(t, vib, 1)
	assert.Equal(t, a.ID, vib[0].ID)

	page, err := store.List(ctx, domain.ExecutionFilter{Pagination: sharedQuery.OffsetPagination{Limit: 1, Offset: 1}})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, b.ID, page[0].ID)
}
