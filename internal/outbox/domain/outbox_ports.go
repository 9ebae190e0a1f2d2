package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/davicafu/fleetguard/shared/platform/persistence"
	sharedQuery "github.com/davicafu/fleetguard/shared/platform/query"
)

// ---------- Errores de dominio ----------
var (
	ErrEventNotFound        = errors.New("outbox event not found")
	ErrStatusConflict       = errors.New("outbox event is not in the expected status")
	ErrInvalidEvent         = errors.New("invalid outbox event")
	ErrRoutingNotFound      = errors.New("routing config not found")
	ErrInvalidRoutingConfig = errors.New("invalid routing config")
	ErrUnknownProcessor     = errors.New("unknown processor class")
	ErrPublisherRunning     = errors.New("publisher already running")
	ErrInvalidRetention     = errors.New("retentionDays must be at least 1")
	ErrClaimNotFound        = errors.New("dedup claim not found")
)

// ValidationError envuelve los errores de ozzo para que errors.Is funcione con
// ErrInvalidEvent y el detalle por campo siga disponible.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string   { return ErrInvalidEvent.Error() + ": " + e.Err.Error() }
func (e *ValidationError) Unwrap() []error { return []error{ErrInvalidEvent, e.Err} }

// ---------- Interfaces (Ports) ----------

type EventFilter struct {
	Status     Status
	EventType  string
	Pagination sharedQuery.OffsetPagination
}

// PendingQuery selecciona filas pending cuyo backoff ya venció.
type PendingQuery struct {
	EventTypes    []string // si no está vacío, solo estos tipos
	ExcludeTypes  []string
	CreatedBefore *time.Time
	Now           time.Time
	Limit         int
}

// OutboxRepository es el almacén de eventos. Todas las transiciones son
// actualizaciones condicionales sobre el estado actual; si la fila ya no está
// en el estado esperado devuelven ErrStatusConflict.
type OutboxRepository interface {
	Insert(ctx context.Context, evt *OutboxEvent) error
	// InsertTx se une a la transacción del llamante.
	InsertTx(ctx context.Context, tx *persistence.Tx, evt *OutboxEvent) error

	Get(ctx context.Context, id uuid.UUID) (*OutboxEvent, error)
	List(ctx context.Context, f EventFilter) ([]*OutboxEvent, error)
	FetchPending(ctx context.Context, q PendingQuery) ([]*OutboxEvent, error)

	// MarkProcessing: pending -> processing. Devuelve la fila ya reclamada.
	MarkProcessing(ctx context.Context, id uuid.UUID, now time.Time) (*OutboxEvent, error)
	// MarkPublished: processing -> published.
	MarkPublished(ctx context.Context, id uuid.UUID, via DeliveryPath, now time.Time) error
	// RecordFailure: processing -> pending|failed.
	RecordFailure(ctx context.Context, id uuid.UUID, next Status, retryCount int, lastError string, nextAttemptAt, now time.Time) error

	// Requeue: failed -> pending con retryCount a 0.
	Requeue(ctx context.Context, id uuid.UUID, now time.Time) error
	RequeueAllFailed(ctx context.Context, now time.Time) (int64, error)
	// FindStuck lista las filas processing sin cambios desde olderThan.
	FindStuck(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error)
	// ResetStuck devuelve a pending las filas de ids que sigan atascadas y
	// devuelve las que cambió.
	ResetStuck(ctx context.Context, ids []uuid.UUID, olderThan, now time.Time) ([]uuid.UUID, error)
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type RoutingRepository interface {
	ListRoutes(ctx context.Context) ([]RoutingConfig, error)
	GetRoute(ctx context.Context, eventType string) (RoutingConfig, error)
	UpsertRoute(ctx context.Context, cfg RoutingConfig) error
}

// Ledger es el registro de deduplicación compartido por los dos caminos.
type Ledger interface {
	// Claim devuelve true si esta llamada obtuvo la reclamación; false si ya
	// había una sin caducar para (eventId, consumerGroup).
	Claim(ctx context.Context, p ProcessedEvent) (bool, error)
	// Lookup devuelve la reclamación guardada o nil. Según el ledger puede
	// estar ya caducada: el llamante lo comprueba con Expired.
	Lookup(ctx context.Context, eventID uuid.UUID, consumerGroup string) (*ProcessedEvent, error)
	// Confirm anota en la reclamación que el envío salió. ErrClaimNotFound si
	// ya no existe.
	Confirm(ctx context.Context, eventID uuid.UUID, consumerGroup string) error
	Release(ctx context.Context, eventID uuid.UUID, consumerGroup string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// ChangeNotice es el aviso de una inserción confirmada en outbox_events.
type ChangeNotice struct {
	EventID   uuid.UUID `json:"eventId"`
	EventType string    `json:"eventType"`
}

// FeedHandler recibe los avisos de un ChangeFeed.
type FeedHandler struct {
	OnConnected func()
	OnNotice    func(ChangeNotice)
}

// ChangeNotifier recibe los avisos de inserción que la base de datos no emite
// por sí misma (modo SQLite).
type ChangeNotifier interface {
	Notify(n ChangeNotice)
}

// ChangeFeed transmite las inserciones confirmadas. Listen bloquea hasta que
// ctx termina (devuelve nil) o la conexión se pierde (devuelve el error).
type ChangeFeed interface {
	Listen(ctx context.Context, h FeedHandler) error
}

// Processor transforma un evento antes de enviarlo. Debe devolver una copia.
type Processor interface {
	Process(ctx context.Context, evt *OutboxEvent) (*OutboxEvent, error)
}

// ---------- Analítica de entregas ----------

type DeliveryOutcome string

const (
	OutcomePublished    DeliveryOutcome = "published"
	OutcomeDeduplicated DeliveryOutcome = "deduplicated"
	OutcomeRetry        DeliveryOutcome = "retry"
	OutcomeFailed       DeliveryOutcome = "failed"
)

type DeliveryRecord struct {
	EventID       uuid.UUID
	EventType     string
	AggregateType string
	Path          DeliveryPath
	Outcome       DeliveryOutcome
	RetryCount    int
	Latency       time.Duration
	Error         string
	At            time.Time
}

// DeliveryRecorder guarda el resultado de cada entrega. No debe bloquear.
type DeliveryRecorder interface {
	Record(ctx context.Context, rec DeliveryRecord)
}

// DeliveryLog es el destino por lotes de un DeliveryRecorder con buffer.
type DeliveryLog interface {
	LogBatch(ctx context.Context, records []DeliveryRecord) error
}
