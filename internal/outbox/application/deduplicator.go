package application

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
)

const DefaultConsumerGroup = "fleetguard-outbox"

// Deduplicator reclama cada evento en el ledger antes de enviarlo al bus.
type Deduplicator struct {
	ledger domain.Ledger
	group  string
	ttl    time.Duration
}

// NewDeduplicator usa group como consumerGroup de los dos caminos, no la
// identidad de cada camino: así CDC y polling colisionan sobre la misma clave
// y el camino que reclamó queda en los metadatos.
func NewDeduplicator(ledger domain.Ledger, group string, ttl time.Duration) *Deduplicator {
	if group == "" {
		group = DefaultConsumerGroup
	}
	return &Deduplicator{ledger: ledger, group: group, ttl: ttl}
}

func (d *Deduplicator) Group() string { return d.group }

// Claim devuelve false si otro camino ya tiene una reclamación vigente.
func (d *Deduplicator) Claim(ctx context.Context, eventID uuid.UUID, path domain.DeliveryPath, now time.Time) (bool, error) {
	return d.ledger.Claim(ctx, domain.NewProcessedEvent(eventID, d.group, path, d.ttl, now))
}

// Lookup devuelve la reclamación guardada del evento, o nil.
func (d *Deduplicator) Lookup(ctx context.Context, eventID uuid.UUID) (*domain.ProcessedEvent, error) {
	return d.ledger.Lookup(ctx, eventID, d.group)
}

// Confirm anota que el mensaje llegó al bus. Solo una reclamación confirmada
// permite a otro intento dar el evento por publicado sin reenviarlo.
func (d *Deduplicator) Confirm(ctx context.Context, eventID uuid.UUID) error {
	return d.ledger.Confirm(ctx, eventID, d.group)
}

// Release libera la reclamación de una entrega fallida para que el
// siguiente intento pueda volver a enviar.
func (d *Deduplicator) Release(ctx context.Context, eventID uuid.UUID) error {
	return d.ledger.Release(ctx, eventID, d.group)
}

func (d *Deduplicator) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return d.ledger.PurgeExpired(ctx, now)
}
