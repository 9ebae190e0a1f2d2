package mocks

import (
	"context"
	"sort"
	"sync"

	sagaDomain "github.com/davicafu/fleetguard/internal/saga/domain"
	"github.com/google/uuid"
)

// InMemorySagaRepo simula SagaRepository y DeadLetterRepository. Guarda copias
// para que los tests no compartan punteros con el orquestador, igual que una BD.
type InMemorySagaRepo struct {
	mu          sync.Mutex
	Instances   map[string]*sagaDomain.SagaInstance
	Steps       map[string][]*sagaDomain.SagaStep
	DeadLetters map[uuid.UUID]*sagaDomain.DeadLetter
	Updates     int
}

func NewInMemorySagaRepo() *InMemorySagaRepo {
	return &InMemorySagaRepo{
		Instances:   make(map[string]*sagaDomain.SagaInstance),
		Steps:       make(map[string][]*sagaDomain.SagaStep),
		DeadLetters: make(map[uuid.UUID]*sagaDomain.DeadLetter),
	}
}

var (
	_ sagaDomain.SagaRepository       = (*InMemorySagaRepo)(nil)
	_ sagaDomain.DeadLetterRepository = (*InMemorySagaRepo)(nil)
)

func copyInstance(in *sagaDomain.SagaInstance) *sagaDomain.SagaInstance {
	out := *in
	out.Checkpoint = in.Checkpoint.Clone()
	out.Input = in.Input.Clone()
	if in.Output != nil {
		out.Output = in.Output.Clone()
	}
	return &out
}

// Put sobreescribe el estado guardado (para simular un crash a mitad de saga).
func (r *InMemorySagaRepo) Put(inst *sagaDomain.SagaInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Instances[inst.ID] = copyInstance(inst)
}

func (r *InMemorySagaRepo) CreateInstance(ctx context.Context, inst *sagaDomain.SagaInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Instances[inst.ID]; ok {
		return sagaDomain.ErrSagaAlreadyExists
	}
	r.Instances[inst.ID] = copyInstance(inst)
	return nil
}

func (r *InMemorySagaRepo) GetInstance(ctx context.Context, id string) (*sagaDomain.SagaInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.Instances[id]
	if !ok {
		return nil, sagaDomain.ErrSagaNotFound
	}
	return copyInstance(inst), nil
}

func (r *InMemorySagaRepo) UpdateInstance(ctx context.Context, inst *sagaDomain.SagaInstance, expected sagaDomain.SagaStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.Instances[inst.ID]
	if !ok {
		return sagaDomain.ErrSagaNotFound
	}
	if stored.Status != expected || stored.Version != inst.Version {
		return sagaDomain.ErrConcurrentUpdate
	}
	inst.Version++
	next := copyInstance(inst)
	next.CancelRequested = stored.CancelRequested
	r.Instances[inst.ID] = next
	r.Updates++
	return nil
}

func (r *InMemorySagaRepo) RequestCancel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.Instances[id]
	if !ok {
		return sagaDomain.ErrSagaNotFound
	}
	stored.CancelRequested = true
	return nil
}

func (r *InMemorySagaRepo) ListByStatus(ctx context.Context, statuses []sagaDomain.SagaStatus, limit int) ([]*sagaDomain.SagaInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*sagaDomain.SagaInstance
	for _, inst := range r.Instances {
		for _, st := range statuses {
			if inst.Status == st {
				out = append(out, copyInstance(inst))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemorySagaRepo) SaveStep(ctx context.Context, step *sagaDomain.SagaStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *step
	rows := r.Steps[step.SagaID]
	for i, s := range rows {
		if s.ID == step.ID {
			rows[i] = &cp
			return nil
		}
	}
	r.Steps[step.SagaID] = append(rows, &cp)
	return nil
}

// ListSteps devuelve las filas en orden de inserción (orden de intento).
func (r *InMemorySagaRepo) ListSteps(ctx context.Context, sagaID string) ([]*sagaDomain.SagaStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*sagaDomain.SagaStep, 0, len(r.Steps[sagaID]))
	for _, s := range r.Steps[sagaID] {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

// ------------------ Dead letters ------------------

func (r *InMemorySagaRepo) CreateDeadLetter(ctx context.Context, dl *sagaDomain.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.DeadLetters {
		if existing.SagaID == dl.SagaID {
			return sagaDomain.ErrDeadLetterExists
		}
	}
	cp := *dl
	r.DeadLetters[dl.ID] = &cp
	return nil
}

func (r *InMemorySagaRepo) GetDeadLetter(ctx context.Context, id uuid.UUID) (*sagaDomain.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dl, ok := r.DeadLetters[id]
	if !ok {
		return nil, sagaDomain.ErrDeadLetterNotFound
	}
	cp := *dl
	return &cp, nil
}

func (r *InMemorySagaRepo) ListDeadLetters(ctx context.Context, f sagaDomain.DeadLetterFilter) ([]*sagaDomain.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*sagaDomain.DeadLetter
	for _, dl := range r.DeadLetters {
		if f.UnresolvedOnly && dl.IsResolved() {
			continue
		}
		if f.SagaType != "" && dl.SagaType != f.SagaType {
			continue
		}
		cp := *dl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemorySagaRepo) UpdateDeadLetter(ctx context.Context, dl *sagaDomain.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.DeadLetters[dl.ID]; !ok {
		return sagaDomain.ErrDeadLetterNotFound
	}
	cp := *dl
	r.DeadLetters[dl.ID] = &cp
	return nil
}

// DeadLettersForSaga es un helper para aserciones.
func (r *InMemorySagaRepo) DeadLettersForSaga(sagaID string) []*sagaDomain.DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*sagaDomain.DeadLetter
	for _, dl := range r.DeadLetters {
		if dl.SagaID == sagaID {
			cp := *dl
			out = append(out, &cp)
		}
	}
	return out
}
