package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
)

// Janitor purga el ledger caducado y devuelve a pending las filas que se
// quedaron en processing (proceso caído a mitad de entrega).
type Janitor struct {
	repo       domain.OutboxRepository
	dedup      *Deduplicator
	interval   time.Duration
	stuckAfter time.Duration
	log        *zap.Logger
	now        func() time.Time
}

func NewJanitor(repo domain.OutboxRepository, dedup *Deduplicator, interval, stuckAfter time.Duration, log *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if stuckAfter <= 0 {
		stuckAfter = 2 * time.Minute
	}
	return &Janitor{
		repo:       repo,
		dedup:      dedup,
		interval:   interval,
		stuckAfter: stuckAfter,
		log:        log.With(zap.String("component", "outbox-janitor")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce hace una pasada y devuelve filas purgadas y filas recuperadas.
func (j *Janitor) RunOnce(ctx context.Context) (purged, reset int64) {
	now := j.now()
	cutoff := now.Add(-j.stuckAfter)

	purged, err := j.dedup.PurgeExpired(ctx, now)
	if err != nil {
		j.log.Warn("⚠️ No se pudo purgar el ledger", zap.Error(err))
	}
	stuck, err := j.repo.FindStuck(ctx, cutoff)
	if err != nil {
		j.log.Warn("⚠️ No se pudieron buscar eventos en processing", zap.Error(err))
	}

	// Las reclamaciones se liberan antes de devolver la fila a pending: un
	// barrido no debe encontrar la fila libre con la reclamación aún puesta.
	recoverable := make([]uuid.UUID, 0, len(stuck))
	for _, id := range stuck {
		if j.releaseUnsent(ctx, id) {
			recoverable = append(recoverable, id)
		}
	}
	ids, err := j.repo.ResetStuck(ctx, recoverable, cutoff, now)
	if err != nil {
		j.log.Warn("⚠️ No se pudieron recuperar eventos en processing", zap.Error(err))
	}
	reset = int64(len(ids))
	if purged > 0 || reset > 0 {
		j.log.Info("🧹 Mantenimiento del outbox", zap.Int64("ledger_purged", purged), zap.Int64("stuck_reset", reset))
	}
	return purged, reset
}

// releaseUnsent libera la reclamación si el envío no llegó a confirmarse. Una
// reclamación confirmada se conserva para que el siguiente intento marque el
// evento sin reenviarlo. Devuelve false si la fila debe seguir en processing.
func (j *Janitor) releaseUnsent(ctx context.Context, id uuid.UUID) bool {
	claim, err := j.dedup.Lookup(ctx, id)
	if err != nil {
		j.log.Warn("⚠️ No se pudo consultar la reclamación", zap.String("event_id", id.String()), zap.Error(err))
		return false
	}
	if claim != nil && claim.Sent() {
		return true
	}
	if err := j.dedup.Release(ctx, id); err != nil {
		j.log.Warn("⚠️ No se pudo liberar la reclamación", zap.String("event_id", id.String()), zap.Error(err))
		return false
	}
	return true
}
