package domain

import (
	"database/sql/driver"
	"time"

	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
)

// SagaStatus es el estado de una instancia de saga.
type SagaStatus string

const (
	StatusRunning      SagaStatus = "running"
	StatusCompleted    SagaStatus = "completed"
	StatusFailed       SagaStatus = "failed"
	StatusCompensating SagaStatus = "compensating"
	StatusCompensated  SagaStatus = "compensated"
	StatusPartial      SagaStatus = "partial"
)

var sagaTransitions = map[SagaStatus][]SagaStatus{
	// running -> partial: todos los pasos terminaron pero quedaron items fallidos.
	StatusRunning:      {StatusCompleted, StatusFailed, StatusCompensating, StatusPartial},
	StatusCompensating: {StatusCompensated, StatusPartial},
}

// IsTerminal indica si ya no habrá más transiciones automáticas.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusPartial:
		return true
	}
	return false
}

func (s SagaStatus) CanTransitionTo(next SagaStatus) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s SagaStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusCompensating, StatusCompensated, StatusPartial:
		return true
	}
	return false
}

// SagaInstance es la fila de estado de una saga. Solo el orquestador la muta.
type SagaInstance struct {
	ID              string               `json:"sagaId"`
	SagaType        string               `json:"sagaType"`
	Status          SagaStatus           `json:"status"`
	CurrentStep     int                  `json:"currentStep"`
	TotalSteps      int                  `json:"totalSteps"`
	Input           sharedDomain.Payload `json:"input"`
	Output          sharedDomain.Payload `json:"output,omitempty"`
	Checkpoint      Checkpoint           `json:"checkpoint"`
	Error           string               `json:"error,omitempty"`
	CancelRequested bool                 `json:"cancelRequested"`
	Version         int                  `json:"version"`
	StartedAt       time.Time            `json:"startedAt"`
	CompletedAt     *time.Time           `json:"completedAt,omitempty"`
	TimeoutAt       *time.Time           `json:"timeoutAt,omitempty"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

// NewSagaInstance crea una instancia en running. timeout 0 = sin límite.
func NewSagaInstance(id, sagaType string, totalSteps int, input sharedDomain.Payload, timeout time.Duration, now time.Time) *SagaInstance {
	if input == nil {
		input = sharedDomain.Payload{}
	}
	inst := &SagaInstance{
		ID:         id,
		SagaType:   sagaType,
		Status:     StatusRunning,
		TotalSteps: totalSteps,
		Input:      input,
		Checkpoint: NewCheckpoint(),
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if timeout > 0 {
		t := now.Add(timeout)
		inst.TimeoutAt = &t
	}
	return inst
}

// Transition cambia el estado validando la máquina de estados.
func (s *SagaInstance) Transition(next SagaStatus, now time.Time) error {
	if !s.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	s.Status = next
	s.UpdatedAt = now
	if next.IsTerminal() {
		s.CompletedAt = &now
	}
	return nil
}

func (s *SagaInstance) TimedOut(now time.Time) bool {
	return s.TimeoutAt != nil && now.After(*s.TimeoutAt)
}

// NextStep es el primer paso sin checkpoint: la reanudación empieza aquí.
func (s *SagaInstance) NextStep() int {
	return s.Checkpoint.LastCompleted + 1
}

// ------------------ Checkpoint ------------------

// FailedItem es un elemento (p. ej. un dispositivo) que falló dentro de un paso.
type FailedItem struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// Checkpoint es el progreso persistido de la saga.
type Checkpoint struct {
	CompletedSteps []string                        `json:"completedSteps"`
	LastCompleted  int                             `json:"lastCompleted"`
	Processed      []string                        `json:"processed"`
	Failed         []FailedItem                    `json:"failed"`
	Compensated    []string                        `json:"compensated,omitempty"`
	Reverted       []string                        `json:"reverted,omitempty"`
	Results        map[string]sharedDomain.Payload `json:"results,omitempty"`
}

func NewCheckpoint() Checkpoint {
	return Checkpoint{
		CompletedSteps: []string{},
		LastCompleted:  -1,
		Processed:      []string{},
		Failed:         []FailedItem{},
	}
}

// CompleteStep extiende el checkpoint con el paso index y su salida.
func (c *Checkpoint) CompleteStep(index int, name string, output sharedDomain.Payload) {
	if !contains(c.CompletedSteps, name) {
		c.CompletedSteps = append(c.CompletedSteps, name)
	}
	if index > c.LastCompleted {
		c.LastCompleted = index
	}
	if output != nil {
		if c.Results == nil {
			c.Results = map[string]sharedDomain.Payload{}
		}
		c.Results[name] = output
	}
}

func (c *Checkpoint) IsStepCompleted(name string) bool { return contains(c.CompletedSteps, name) }
func (c *Checkpoint) IsCompensated(name string) bool   { return contains(c.Compensated, name) }
func (c *Checkpoint) IsProcessed(item string) bool     { return contains(c.Processed, item) }
func (c *Checkpoint) IsReverted(item string) bool      { return contains(c.Reverted, item) }

func (c *Checkpoint) MarkCompensated(name string) {
	if !contains(c.Compensated, name) {
		c.Compensated = append(c.Compensated, name)
	}
}

// MarkProcessed registra un item como aplicado y lo quita de la lista de fallos.
func (c *Checkpoint) MarkProcessed(item string) {
	c.Failed = removeFailed(c.Failed, item)
	if !contains(c.Processed, item) {
		c.Processed = append(c.Processed, item)
	}
}

// MarkFailed registra (o reemplaza) el fallo de un item.
func (c *Checkpoint) MarkFailed(item, errText string) {
	c.Failed = append(removeFailed(c.Failed, item), FailedItem{Item: item, Error: errText})
}

func (c *Checkpoint) IsFailed(item string) bool {
	for _, f := range c.Failed {
		if f.Item == item {
			return true
		}
	}
	return false
}

func (c *Checkpoint) MarkReverted(item string) {
	if !contains(c.Reverted, item) {
		c.Reverted = append(c.Reverted, item)
	}
}

// Clone copia en profundidad las listas para poder persistir sin compartir memoria.
func (c Checkpoint) Clone() Checkpoint {
	out := Checkpoint{
		CompletedSteps: append([]string{}, c.CompletedSteps...),
		LastCompleted:  c.LastCompleted,
		Processed:      append([]string{}, c.Processed...),
		Failed:         append([]FailedItem{}, c.Failed...),
		Compensated:    append([]string(nil), c.Compensated...),
		Reverted:       append([]string(nil), c.Reverted...),
	}
	if c.Results != nil {
		out.Results = make(map[string]sharedDomain.Payload, len(c.Results))
		for k, v := range c.Results {
			out.Results[k] = v.Clone()
		}
	}
	return out
}

func (c Checkpoint) Value() (driver.Value, error) {
	return sharedDomain.JSONValue(c)
}

func (c *Checkpoint) Scan(src any) error {
	cp := NewCheckpoint()
	if err := sharedDomain.ScanJSON(src, &cp); err != nil {
		return err
	}
	*c = cp
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeFailed(list []FailedItem, item string) []FailedItem {
	out := list[:0:0]
	for _, f := range list {
		if f.Item != item {
			out = append(out, f)
		}
	}
	return out
}
