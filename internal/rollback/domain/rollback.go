package domain

import (
	"database/sql/driver"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
)

// TargetType es el tipo de artefacto que se devuelve a una versión anterior.
type TargetType string

const (
	TargetRule     TargetType = "rule"
	TargetModel    TargetType = "model"
	TargetConfig   TargetType = "config"
	TargetFirmware TargetType = "firmware"
)

// TargetTypes lista los tipos soportados; hay una saga registrada por cada uno.
var TargetTypes = []TargetType{TargetRule, TargetModel, TargetConfig, TargetFirmware}

// SagaType es el nombre de la saga que conduce el rollback de este tipo.
func (t TargetType) SagaType() string { return string(t) + "_rollback" }

// ExecutionStatus refleja el ciclo de vida de la saga asociada.
type ExecutionStatus string

const (
	StatusRunning      ExecutionStatus = "running"
	StatusCompleted    ExecutionStatus = "completed"
	StatusPartial      ExecutionStatus = "partial"
	StatusFailed       ExecutionStatus = "failed"
	StatusCompensating ExecutionStatus = "compensating"
	StatusCompensated  ExecutionStatus = "compensated"
)

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCompensated:
		return true
	}
	return false
}

func (s ExecutionStatus) Valid() bool {
	return s == StatusRunning || s == StatusCompensating || s.IsTerminal()
}

const (
	DefaultBatchSize = 10
	MaxBatchSize     = 500
)

// RollbackRequest es la petición de rollback de un artefacto sobre la flota.
type RollbackRequest struct {
	TriggerID   string     `json:"triggerId"`
	TargetType  TargetType `json:"targetType"`
	TargetID    string     `json:"targetId"`
	FromVersion string     `json:"fromVersion"`
	ToVersion   string     `json:"toVersion"`
	Reason      string     `json:"reason,omitempty"`
	DeviceCodes []string   `json:"deviceCodes,omitempty"`
	StopOnError bool       `json:"stopOnError"`
	BatchSize   int        `json:"batchSize,omitempty"`
}

func (r RollbackRequest) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.TriggerID, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.TargetType, validation.Required, validation.In(TargetRule, TargetModel, TargetConfig, TargetFirmware)),
		validation.Field(&r.TargetID, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.FromVersion, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.ToVersion, validation.Required, validation.Length(1, 64),
			validation.NotIn(r.FromVersion).Error("must differ from fromVersion")),
		validation.Field(&r.Reason, validation.Length(0, 512)),
		validation.Field(&r.DeviceCodes, validation.Each(validation.Required, validation.Length(1, 128))),
		validation.Field(&r.BatchSize, validation.Min(0), validation.Max(MaxBatchSize)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// FailedDevice es un dispositivo que no aceptó la versión objetivo.
type FailedDevice struct {
	DeviceCode string `json:"deviceCode"`
	Error      string `json:"error"`
}

// DeviceProgress es la copia del checkpoint de la saga que se expone con la
// ejecución.
type DeviceProgress struct {
	Processed []string       `json:"processed"`
	Failed    []FailedDevice `json:"failed"`
	Reverted  []string       `json:"reverted,omitempty"`
}

func (p DeviceProgress) Value() (driver.Value, error) { return sharedDomain.JSONValue(p) }

func (p *DeviceProgress) Scan(src any) error {
	var out DeviceProgress
	if err := sharedDomain.ScanJSON(src, &out); err != nil {
		return err
	}
	*p = out.normalized()
	return nil
}

func (p DeviceProgress) normalized() DeviceProgress {
	if p.Processed == nil {
		p.Processed = []string{}
	}
	if p.Failed == nil {
		p.Failed = []FailedDevice{}
	}
	return p
}

// DeviceList se guarda como array JSON.
type DeviceList []string

func (l DeviceList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return sharedDomain.JSONValue([]string(l))
}

func (l *DeviceList) Scan(src any) error {
	var out []string
	if err := sharedDomain.ScanJSON(src, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// RollbackExecution es el registro de negocio de un rollback. La saga es la
// dueña del progreso; esta fila es su proyección consultable.
type RollbackExecution struct {
	ID               uuid.UUID            `json:"executionId"`
	SagaID           string               `json:"sagaId"`
	TriggerID        string               `json:"triggerId"`
	TargetType       TargetType           `json:"targetType"`
	TargetID         string               `json:"targetId"`
	FromVersion      string               `json:"fromVersion"`
	ToVersion        string               `json:"toVersion"`
	TriggerReason    string               `json:"triggerReason,omitempty"`
	Status           ExecutionStatus      `json:"status"`
	TotalDevices     int                  `json:"totalDevices"`
	CompletedDevices int                  `json:"completedDevices"`
	FailedDevices    int                  `json:"failedDevices"`
	Checkpoint       DeviceProgress       `json:"checkpoint"`
	Result           sharedDomain.Payload `json:"result,omitempty"`
	StopOnError      bool                 `json:"stopOnError"`
	BatchSize        int                  `json:"batchSize"`
	DeviceCodes      DeviceList           `json:"deviceCodes,omitempty"`
	StartedAt        time.Time            `json:"startedAt"`
	CompletedAt      *time.Time           `json:"completedAt,omitempty"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// NewRollbackExecution valida la petición y crea la ejecución en running.
func NewRollbackExecution(req RollbackRequest, now time.Time) (*RollbackExecution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	batch := req.BatchSize
	if batch == 0 {
		batch = DefaultBatchSize
	}
	id := uuid.New()
	return &RollbackExecution{
		ID:            id,
		SagaID:        "rollback-" + id.String(),
		TriggerID:     req.TriggerID,
		TargetType:    req.TargetType,
		TargetID:      req.TargetID,
		FromVersion:   req.FromVersion,
		ToVersion:     req.ToVersion,
		TriggerReason: req.Reason,
		Status:        StatusRunning,
		Checkpoint:    DeviceProgress{}.normalized(),
		Result:        sharedDomain.Payload{},
		StopOnError:   req.StopOnError,
		BatchSize:     batch,
		DeviceCodes:   DeviceList(Dedupe(req.DeviceCodes)),
		StartedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// SetProgress copia el progreso por dispositivo y recalcula los contadores.
// Los revertidos dejan de contar como completados.
func (e *RollbackExecution) SetProgress(p DeviceProgress, now time.Time) {
	e.Checkpoint = p.normalized()
	reverted := make(map[string]struct{}, len(p.Reverted))
	for _, d := range p.Reverted {
		reverted[d] = struct{}{}
	}
	completed := 0
	for _, d := range p.Processed {
		if _, ok := reverted[d]; !ok {
			completed++
		}
	}
	e.CompletedDevices = completed
	e.FailedDevices = len(p.Failed)
	e.UpdatedAt = now
}

// Finish deja la ejecución en un estado terminal.
func (e *RollbackExecution) Finish(status ExecutionStatus, now time.Time) {
	e.Status = status
	e.UpdatedAt = now
	if status.IsTerminal() && e.CompletedAt == nil {
		e.CompletedAt = &now
	}
}

// Dedupe quita códigos repetidos conservando el orden de la primera aparición.
func Dedupe(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
