package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"

	outboxDomain "github.com/davicafu/fleetguard/internal/outbox/domain"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
	sharedQuery "github.com/davicafu/fleetguard/shared/platform/query"
)

// ---------- Errores de dominio ----------
var (
	ErrInvalidRequest    = errors.New("invalid rollback request")
	ErrExecutionNotFound = errors.New("rollback execution not found")
	ErrExecutionExists   = errors.New("rollback execution already exists")
	ErrNoDevices         = errors.New("rollback target has no devices")
	ErrDeviceNotFound    = errors.New("device not found")
)

// ---------- Interfaces (Ports) ----------

type ExecutionFilter struct {
	Status     ExecutionStatus
	TargetType TargetType
	TargetID   string
	Pagination sharedQuery.OffsetPagination
}

// ExecutionRepository persiste las ejecuciones de rollback.
type ExecutionRepository interface {
	// Debe devolver ErrExecutionExists si el id o el sagaId ya existen.
	Create(ctx context.Context, e *RollbackExecution) error
	Get(ctx context.Context, id uuid.UUID) (*RollbackExecution, error)
	GetBySagaID(ctx context.Context, sagaID string) (*RollbackExecution, error)
	List(ctx context.Context, f ExecutionFilter) ([]*RollbackExecution, error)
	Update(ctx context.Context, e *RollbackExecution) error
	// UpdateTx escribe la ejecución dentro de la transacción del llamante.
	UpdateTx(ctx context.Context, tx *persistence.Tx, e *RollbackExecution) error
}

// TxRunner abre la transacción que comparten la ejecución y el outbox.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx *persistence.Tx) error) error
}

// DeviceRegistry es el inventario de dispositivos y su versión por artefacto.
type DeviceRegistry interface {
	// ListDevices devuelve los dispositivos que ejecutan targetID en version.
	ListDevices(ctx context.Context, targetType TargetType, targetID, version string) ([]string, error)
	ApplyVersion(ctx context.Context, deviceCode string, targetType TargetType, targetID, version string) error
}

// EventWriter añade eventos al outbox dentro de una transacción abierta.
type EventWriter interface {
	AddEventTx(ctx context.Context, tx *persistence.Tx, n outboxDomain.NewEvent) (uuid.UUID, error)
}
