package domain

import (
	"time"

	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	"github.com/google/uuid"
)

type StepType string

const (
	StepAction       StepType = "action"
	StepCompensation StepType = "compensation"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// SagaStep es una fila por cada acción o compensación intentada.
// Los reintentos actualizan RetryCount sobre la misma fila.
type SagaStep struct {
	ID          uuid.UUID            `json:"stepId"`
	SagaID      string               `json:"sagaId"`
	StepIndex   int                  `json:"stepIndex"`
	StepName    string               `json:"stepName"`
	StepType    StepType             `json:"stepType"`
	Status      StepStatus           `json:"status"`
	Input       sharedDomain.Payload `json:"input,omitempty"`
	Output      sharedDomain.Payload `json:"output,omitempty"`
	Error       string               `json:"error,omitempty"`
	RetryCount  int                  `json:"retryCount"`
	StartedAt   time.Time            `json:"startedAt"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
}

func NewSagaStep(sagaID string, index int, name string, stepType StepType, input sharedDomain.Payload, now time.Time) *SagaStep {
	return &SagaStep{
		ID:        uuid.New(),
		SagaID:    sagaID,
		StepIndex: index,
		StepName:  name,
		StepType:  stepType,
		Status:    StepRunning,
		Input:     input,
		StartedAt: now,
	}
}

func (s *SagaStep) Complete(output sharedDomain.Payload, now time.Time) {
	s.Status = StepCompleted
	s.Output = output
	s.Error = ""
	s.CompletedAt = &now
}

func (s *SagaStep) Fail(err error, now time.Time) {
	s.Status = StepFailed
	if err != nil {
		s.Error = err.Error()
	}
	s.CompletedAt = &now
}
