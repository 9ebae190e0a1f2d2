package clickhouse

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
)

// Requiere ClickHouse: CLICKHOUSE_ADDR=localhost:9000
func TestDeliveryLog_Integration(t *testing.T) {
	addr := os.Getenv("CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("CLICKHOUSE_ADDR not set")
	}
	ctx := context.Background()
	db, err := Open(addr, "default")
	require.NoError(t, err)
	defer db.Close()

	log := NewDeliveryLog(db)
	require.NoError(t, log.InitSchema(ctx))

	eventType := "test.delivery." + uuid.NewString()[:8]
	now := time.Now().UTC()
	require.NoError(t, log.LogBatch(ctx, []domain.DeliveryRecord{
		{EventID: uuid.New(), EventType: eventType, AggregateType: "device", Path: domain.PathCDC, Outcome: domain.OutcomePublished, Latency: 3 * time.Millisecond, At: now},
		{EventID: uuid.New(), EventType: eventType, AggregateType: "device", Path: domain.PathPolling, Outcome: domain.OutcomeDeduplicated, At: now},
		{EventID: uuid.New(), EventType: eventType, AggregateType: "device", Path: domain.PathCDC, Outcome: domain.OutcomePublished, At: now},
	}))

	counts, err := log.CountByOutcome(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	var published uint64
	for _, c := range counts {
		if c.EventType == eventType && c.Outcome == string(domain.OutcomePublished) {
			published += c.Count
		}
	}
	assert.EqualValues(t, 2, published)
}

func TestDeliveryLog_EmptyBatchIsNoop(t *testing.T) {
	// Sin conexión: un lote vacío no debe tocar la base de datos.
	log := NewDeliveryLog(nil)
	assert.NoError(t, log.LogBatch(context.Background(), nil))
}
