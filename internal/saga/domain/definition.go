package domain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	sharedUtils "github.com/davicafu/fleetguard/shared/utils"
)

// StepContext es lo que ve cada función de paso: la entrada de la saga, las
// salidas de pasos anteriores y el checkpoint para progreso por item.
type StepContext struct {
	SagaID     string
	SagaType   string
	StepName   string
	StepIndex  int
	Attempt    int
	Input      sharedDomain.Payload
	Checkpoint *Checkpoint

	save func(ctx context.Context) error
}

// NewStepContext lo usa el orquestador; save persiste el checkpoint en curso.
func NewStepContext(inst *SagaInstance, index int, name string, save func(ctx context.Context) error) *StepContext {
	return &StepContext{
		SagaID:     inst.ID,
		SagaType:   inst.SagaType,
		StepName:   name,
		StepIndex:  index,
		Input:      inst.Input,
		Checkpoint: &inst.Checkpoint,
		save:       save,
	}
}

// Result devuelve la salida checkpointeada de un paso anterior.
func (sc *StepContext) Result(step string) sharedDomain.Payload {
	if sc.Checkpoint == nil || sc.Checkpoint.Results == nil {
		return nil
	}
	return sc.Checkpoint.Results[step]
}

// Save persiste el checkpoint a mitad de paso (progreso por lotes).
func (sc *StepContext) Save(ctx context.Context) error {
	if sc.save == nil {
		return nil
	}
	return sc.save(ctx)
}

type ActionFunc func(ctx context.Context, sc *StepContext) (sharedDomain.Payload, error)

type CompensateFunc func(ctx context.Context, sc *StepContext) error

// StepDefinition declara un paso. Retry nil usa la política por defecto del
// ejecutor; Timeout 0 usa el timeout por defecto.
type StepDefinition struct {
	Name       string
	Action     ActionFunc
	Compensate CompensateFunc
	Retry      *sharedUtils.RetryPolicy
	Timeout    time.Duration
}

// Definition es el pipeline estático de un sagaType.
type Definition struct {
	Name    string
	Steps   []StepDefinition
	Timeout time.Duration
	// OnTerminal se invoca una vez cuando la saga llega a un estado terminal.
	OnTerminal func(ctx context.Context, inst *SagaInstance)
}

func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty saga type", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, d.Name)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" || s.Action == nil {
			return fmt.Errorf("%w: %s step %d needs a name and an action", ErrInvalidDefinition, d.Name, i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: %s duplicated step %q", ErrInvalidDefinition, d.Name, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// Registry mapea sagaType -> Definition. Se rellena al arrancar.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSagaType, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

func (r *Registry) Get(sagaType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[sagaType]
	return def, ok
}

// Types lista los sagaType registrados, ordenados.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
