package domain

import (
	"context"
	"errors"

	sharedQuery "github.com/davicafu/fleetguard/shared/platform/query"
	"github.com/google/uuid"
)

// ---------- Errores de dominio ----------
var (
	ErrUnknownSagaType   = errors.New("unknown saga type")
	ErrDuplicateSagaType = errors.New("saga type already registered")
	ErrInvalidDefinition = errors.New("invalid saga definition")
	ErrSagaNotFound      = errors.New("saga not found")
	ErrSagaAlreadyExists = errors.New("saga already exists")
	ErrSagaInProgress    = errors.New("saga is already being driven by this process")
	ErrSagaTerminal      = errors.New("saga already finished")
	ErrConcurrentUpdate  = errors.New("saga was modified concurrently")
	ErrInvalidTransition = errors.New("invalid saga status transition")
	ErrSagaCancelled     = errors.New("saga cancelled")
	ErrSagaTimedOut      = errors.New("saga timed out")

	ErrDeadLetterNotFound     = errors.New("dead letter not found")
	ErrDeadLetterExists       = errors.New("dead letter already exists for saga")
	ErrDeadLetterNotRetryable = errors.New("dead letter is not retryable")
	ErrDeadLetterResolved     = errors.New("dead letter already resolved")
)

// ---------- Interfaces (Ports) ----------

// SagaRepository persiste instancias y pasos.
type SagaRepository interface {
	// Debe devolver ErrSagaAlreadyExists si el sagaId ya existe.
	CreateInstance(ctx context.Context, inst *SagaInstance) error

	// Debe devolver ErrSagaNotFound si no existe.
	GetInstance(ctx context.Context, id string) (*SagaInstance, error)

	// UpdateInstance escribe inst solo si la fila sigue en expected y con la
	// misma versión que inst.Version; en ese caso incrementa inst.Version.
	// Si no, devuelve ErrConcurrentUpdate.
	UpdateInstance(ctx context.Context, inst *SagaInstance, expected SagaStatus) error

	// RequestCancel marca cancelRequested sin tocar la versión: es la única
	// escritura que no hace el orquestador que conduce la saga.
	RequestCancel(ctx context.Context, id string) error

	ListByStatus(ctx context.Context, statuses []SagaStatus, limit int) ([]*SagaInstance, error)

	// SaveStep inserta o actualiza (por ID) una fila de paso.
	SaveStep(ctx context.Context, step *SagaStep) error
	ListSteps(ctx context.Context, sagaID string) ([]*SagaStep, error)
}

type DeadLetterFilter struct {
	UnresolvedOnly bool
	SagaType       string
	Pagination     sharedQuery.OffsetPagination
}

// DeadLetterRepository es el almacén de dead letters.
type DeadLetterRepository interface {
	// Debe devolver ErrDeadLetterExists si ya hay una entrada para la saga.
	CreateDeadLetter(ctx context.Context, dl *DeadLetter) error
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetter, error)
	ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]*DeadLetter, error)
	UpdateDeadLetter(ctx context.Context, dl *DeadLetter) error
}

// SagaDetail es la vista que consultan los dashboards.
type SagaDetail struct {
	Instance *SagaInstance `json:"instance"`
	Steps    []*SagaStep   `json:"steps"`
}

// SagaArchiver guarda las sagas terminadas fuera del almacén principal.
type SagaArchiver interface {
	Archive(ctx context.Context, detail SagaDetail) error
}
