package application

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
)

// NopRecorder descarta los registros de entrega.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, domain.DeliveryRecord) {}

// BufferedRecorder acumula registros y los vuelca por lotes a un DeliveryLog
// (ClickHouse). Record nunca bloquea: con el buffer lleno el registro se pierde.
type BufferedRecorder struct {
	sink       domain.DeliveryLog
	ch         chan domain.DeliveryRecord
	batchSize  int
	flushEvery time.Duration
	dropped    atomic.Int64
	log        *zap.Logger
}

var _ domain.DeliveryRecorder = (*BufferedRecorder)(nil)

func NewBufferedRecorder(sink domain.DeliveryLog, batchSize int, flushEvery time.Duration, log *zap.Logger) *BufferedRecorder {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	return &BufferedRecorder{
		sink:       sink,
		ch:         make(chan domain.DeliveryRecord, batchSize*4),
		batchSize:  batchSize,
		flushEvery: flushEvery,
		log:        log.With(zap.String("component", "delivery-recorder")),
	}
}

func (r *BufferedRecorder) Record(_ context.Context, rec domain.DeliveryRecord) {
	select {
	case r.ch <- rec:
	default:
		r.dropped.Inc()
	}
}

func (r *BufferedRecorder) Dropped() int64 { return r.dropped.Load() }

// Run vuelca cada flushEvery o al llenar un lote, y una última vez al parar.
func (r *BufferedRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	batch := make([]domain.DeliveryRecord, 0, r.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.sink.LogBatch(ctx, batch); err != nil {
			r.log.Warn("⚠️ No se pudo volcar el lote de entregas", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case rec := <-r.ch:
					batch = append(batch, rec)
				default:
					break drain
				}
			}
			flush(context.WithoutCancel(ctx))
			return nil
		case rec := <-r.ch:
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}
