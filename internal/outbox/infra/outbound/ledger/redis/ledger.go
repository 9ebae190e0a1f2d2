package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
)

const keyPrefix = "outbox:processed:"

// Ledger implementa la deduplicación con SET NX PX: la clave existe mientras
// la reclamación no ha caducado y Redis la borra sola al expirar.
type Ledger struct {
	client *goredis.Client
}

var _ domain.Ledger = (*Ledger)(nil)

func NewLedger(client *goredis.Client) *Ledger {
	return &Ledger{client: client}
}

func ledgerKey(eventID uuid.UUID, group string) string {
	return keyPrefix + group + ":" + eventID.String()
}

func (l *Ledger) Claim(ctx context.Context, p domain.ProcessedEvent) (bool, error) {
	ttl := p.ExpiresAt.Sub(p.ProcessedAt)
	if ttl <= 0 {
		return false, fmt.Errorf("claim %s: non-positive ttl", p.EventID)
	}
	value, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	ok, err := l.client.SetNX(ctx, ledgerKey(p.EventID, p.ConsumerGroup), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", p.EventID, p.ConsumerGroup, err)
	}
	return ok, nil
}

func (l *Ledger) Release(ctx context.Context, eventID uuid.UUID, group string) error {
	return l.client.Del(ctx, ledgerKey(eventID, group)).Err()
}

// PurgeExpired no tiene nada que hacer: Redis caduca las claves.
func (l *Ledger) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// Lookup devuelve la reclamación vigente, si existe.
func (l *Ledger) Lookup(ctx context.Context, eventID uuid.UUID, group string) (*domain.ProcessedEvent, error) {
	data, err := l.client.Get(ctx, ledgerKey(eventID, group)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p domain.ProcessedEvent
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Confirm reescribe la reclamación con sent=true conservando el TTL restante.
func (l *Ledger) Confirm(ctx context.Context, eventID uuid.UUID, group string) error {
	key := ledgerKey(eventID, group)
	p, err := l.Lookup(ctx, eventID, group)
	if err != nil {
		return fmt.Errorf("confirm %s/%s: %w", eventID, group, err)
	}
	if p == nil {
		return domain.ErrClaimNotFound
	}
	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("confirm %s/%s: %w", eventID, group, err)
	}
	if ttl <= 0 {
		return domain.ErrClaimNotFound
	}
	p.MarkSent()
	value, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ok, err := l.client.SetXX(ctx, key, value, ttl).Result()
	if err != nil {
		return fmt.Errorf("confirm %s/%s: %w", eventID, group, err)
	}
	if !ok {
		return domain.ErrClaimNotFound
	}
	return nil
}
