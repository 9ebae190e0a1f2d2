package domain

import (
	"time"

	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	"github.com/google/uuid"
)

type FailureType string

const (
	FailureTimeout            FailureType = "timeout"
	FailureMaxRetries         FailureType = "max_retries"
	FailureCompensationFailed FailureType = "compensation_failed"
	FailureUnknown            FailureType = "unknown"
)

// DeadLetter es una saga que llegó a un estado no recuperable. Se crea una sola
// vez por saga y solo cambia por operaciones manuales (retry / resolve).
type DeadLetter struct {
	ID             uuid.UUID            `json:"deadLetterId"`
	SagaID         string               `json:"sagaId"`
	SagaType       string               `json:"sagaType"`
	FailureReason  string               `json:"failureReason"`
	FailureType    FailureType          `json:"failureType"`
	OriginalInput  sharedDomain.Payload `json:"originalInput"`
	LastCheckpoint Checkpoint           `json:"lastCheckpoint"`
	Retryable      bool                 `json:"retryable"`
	RetryCount     int                  `json:"retryCount"`
	LastRetryAt    *time.Time           `json:"lastRetryAt,omitempty"`
	ResolvedAt     *time.Time           `json:"resolvedAt,omitempty"`
	ResolvedBy     string               `json:"resolvedBy,omitempty"`
	Resolution     string               `json:"resolution,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
}

// NewDeadLetter construye la entrada a partir del estado final de la saga.
// Solo las compensaciones fallidas no son reintentables: reejecutar la
// entrada original sobre un sistema a medio revertir no es seguro.
func NewDeadLetter(inst *SagaInstance, failureType FailureType, now time.Time) *DeadLetter {
	return &DeadLetter{
		ID:             uuid.New(),
		SagaID:         inst.ID,
		SagaType:       inst.SagaType,
		FailureReason:  inst.Error,
		FailureType:    failureType,
		OriginalInput:  inst.Input,
		LastCheckpoint: inst.Checkpoint.Clone(),
		Retryable:      failureType != FailureCompensationFailed,
		CreatedAt:      now,
	}
}

func (d *DeadLetter) IsResolved() bool { return d.ResolvedAt != nil }

func (d *DeadLetter) Resolve(by, resolution string, now time.Time) {
	d.ResolvedAt = &now
	d.ResolvedBy = by
	d.Resolution = resolution
}
