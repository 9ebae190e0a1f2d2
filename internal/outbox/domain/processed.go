package domain

import (
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
)

// ProcessedEvent es la reclamación de un evento en el ledger de deduplicación.
type ProcessedEvent struct {
	EventID       uuid.UUID            `json:"eventId"`
	ConsumerGroup string               `json:"consumerGroup"`
	ProcessedAt   time.Time            `json:"processedAt"`
	ExpiresAt     time.Time            `json:"expiresAt"`
	Metadata      sharedDomain.Payload `json:"metadata,omitempty"`
}

func NewProcessedEvent(eventID uuid.UUID, group string, path DeliveryPath, ttl time.Duration, now time.Time) ProcessedEvent {
	return ProcessedEvent{
		EventID:       eventID,
		ConsumerGroup: group,
		ProcessedAt:   now,
		ExpiresAt:     now.Add(ttl),
		Metadata:      sharedDomain.Payload{"path": string(path)},
	}
}

func (p ProcessedEvent) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

const sentKey = "sent"

// Sent indica si el reclamante confirmó que el mensaje llegó al bus. Una
// reclamación sin confirmar es un intento que no terminó.
func (p ProcessedEvent) Sent() bool {
	sent, _ := p.Metadata[sentKey].(bool)
	return sent
}

func (p *ProcessedEvent) MarkSent() {
	if p.Metadata == nil {
		p.Metadata = sharedDomain.Payload{}
	}
	p.Metadata[sentKey] = true
}
