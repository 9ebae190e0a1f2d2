package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	sharedBus "github.com/davicafu/fleetguard/shared/platform/bus"
)

// Status es el estado de entrega de un evento del outbox.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusPublished, StatusPending, StatusFailed},
	// failed -> pending solo por una acción explícita del operador.
	StatusFailed: {StatusPending},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed:
		return true
	}
	return false
}

// DeliveryPath identifica quién publicó el evento.
type DeliveryPath string

const (
	PathCDC     DeliveryPath = "cdc"
	PathPolling DeliveryPath = "polling"
	// PathDedup: el evento ya estaba reclamado en el ledger y no se volvió a enviar.
	PathDedup DeliveryPath = "dedup"
)

const DefaultMaxRetries = 3

// Metadata son los campos de trazabilidad opcionales de un evento.
type Metadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	Source        string `json:"source,omitempty"`
}

// OutboxEvent es una fila de outbox_events.
type OutboxEvent struct {
	ID            uuid.UUID            `json:"eventId"`
	EventType     string               `json:"eventType"`
	AggregateType string               `json:"aggregateType"`
	AggregateID   string               `json:"aggregateId"`
	Payload       sharedDomain.Payload `json:"payload"`
	Metadata      Metadata             `json:"metadata"`
	Status        Status               `json:"status"`
	RetryCount    int                  `json:"retryCount"`
	MaxRetries    int                  `json:"maxRetries"`
	LastError     string               `json:"lastError,omitempty"`
	NextAttemptAt time.Time            `json:"nextAttemptAt"`
	PublishedAt   *time.Time           `json:"publishedAt,omitempty"`
	PublishedVia  DeliveryPath         `json:"publishedVia,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// NewEvent es lo que el llamante entrega a AddEvent.
type NewEvent struct {
	EventType     string               `json:"eventType"`
	AggregateType string               `json:"aggregateType"`
	AggregateID   string               `json:"aggregateId"`
	Payload       sharedDomain.Payload `json:"payload"`
	Metadata      Metadata             `json:"metadata"`
	MaxRetries    int                  `json:"maxRetries"`
}

func (n NewEvent) Validate() error {
	return validation.ValidateStruct(&n,
		validation.Field(&n.EventType, validation.Required, validation.Length(1, 128)),
		validation.Field(&n.AggregateType, validation.Required, validation.Length(1, 64)),
		validation.Field(&n.AggregateID, validation.Required, validation.Length(1, 128)),
		validation.Field(&n.MaxRetries, validation.Min(0), validation.Max(100)),
	)
}

// NewOutboxEvent valida la entrada y construye el evento en pending.
func NewOutboxEvent(n NewEvent, now time.Time) (*OutboxEvent, error) {
	if err := n.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}
	maxRetries := n.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	payload := n.Payload
	if payload == nil {
		payload = sharedDomain.Payload{}
	}
	return &OutboxEvent{
		ID:            uuid.New(),
		EventType:     n.EventType,
		AggregateType: n.AggregateType,
		AggregateID:   n.AggregateID,
		Payload:       payload,
		Metadata:      n.Metadata,
		Status:        StatusPending,
		MaxRetries:    maxRetries,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Due indica si el evento puede intentarse ya (respeta el backoff).
func (e *OutboxEvent) Due(now time.Time) bool {
	return e.Status == StatusPending && !now.Before(e.NextAttemptAt)
}

// FailureOutcome decide el estado tras un intento fallido: se agota cuando
// retryCount ya alcanzó maxRetries, y en otro caso vuelve a pending con un
// intento más.
func (e *OutboxEvent) FailureOutcome() (Status, int) {
	if e.RetryCount >= e.MaxRetries {
		return StatusFailed, e.RetryCount
	}
	return StatusPending, e.RetryCount + 1
}

// ------------------ Contrato con el bus ------------------

// Envelope es lo que recibe el bus de mensajes.
type Envelope struct {
	EventID       uuid.UUID            `json:"eventId"`
	EventType     string               `json:"eventType"`
	AggregateType string               `json:"aggregateType"`
	AggregateID   string               `json:"aggregateId"`
	Payload       sharedDomain.Payload `json:"payload"`
	Metadata      Metadata             `json:"metadata"`
	OccurredAt    time.Time            `json:"occurredAt"`
}

func (e *OutboxEvent) Envelope() Envelope {
	return Envelope{
		EventID:       e.ID,
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		Metadata:      e.Metadata,
		OccurredAt:    e.CreatedAt,
	}
}

// Topic es "<prefix>.<aggregateType>", o solo el aggregateType sin prefijo.
func Topic(prefix, aggregateType string) string {
	if prefix == "" {
		return aggregateType
	}
	return prefix + "." + aggregateType
}

// Message construye el mensaje de bus: clave = aggregateId para mantener
// juntos los eventos del mismo agregado en una partición.
func (e *OutboxEvent) Message(prefix string, path DeliveryPath) (sharedBus.Message, error) {
	body, err := json.Marshal(e.Envelope())
	if err != nil {
		return sharedBus.Message{}, err
	}
	return sharedBus.Message{
		Topic: Topic(prefix, e.AggregateType),
		Key:   e.AggregateID,
		Value: body,
		Headers: map[string]string{
			"event-id":      e.ID.String(),
			"event-type":    e.EventType,
			"delivery-path": string(path),
		},
	}, nil
}

// Value / Scan: metadata se guarda como JSON.
func (m Metadata) Value() (driver.Value, error) { return sharedDomain.JSONValue(m) }

func (m *Metadata) Scan(src any) error {
	var out Metadata
	if err := sharedDomain.ScanJSON(src, &out); err != nil {
		return err
	}
	*m = out
	return nil
}
