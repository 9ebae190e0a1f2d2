package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/saga/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	sharedCache "github.com/davicafu/fleetguard/shared/platform/cache"
)

const detailCachePrefix = "saga:detail:"

// Orchestrator conduce las sagas: pasos hacia delante, compensación hacia
// atrás y escalado a dead letter. No guarda estado propio entre reinicios.
type Orchestrator struct {
	registry    *domain.Registry
	repo        domain.SagaRepository
	deadLetters domain.DeadLetterRepository
	executor    *StepExecutor
	archiver    domain.SagaArchiver
	cache       sharedCache.Cache
	cacheTTL    int
	log         *zap.Logger
	now         func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
}

type Option func(*Orchestrator)

// WithArchiver guarda cada saga terminada (p. ej. en MongoDB).
func WithArchiver(a domain.SagaArchiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithDetailCache cachea el detalle de las sagas terminadas, que ya no cambian.
func WithDetailCache(c sharedCache.Cache, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.cache = c
		o.cacheTTL = int(ttl.Seconds())
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(
	registry *domain.Registry,
	repo domain.SagaRepository,
	deadLetters domain.DeadLetterRepository,
	executor *StepExecutor,
	log *zap.Logger,
	opts ...Option,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		registry:    registry,
		repo:        repo,
		deadLetters: deadLetters,
		executor:    executor,
		log:         log.With(zap.String("component", "saga-orchestrator")),
		now:         func() time.Time { return time.Now().UTC() },
		active:      make(map[string]struct{}),
		baseCtx:     ctx,
		stop:        cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ------------------ Opciones de ejecución ------------------

type execOptions struct {
	sagaID       string
	noEscalation bool
}

type ExecOption func(*execOptions)

// WithSagaID usa un identificador elegido por el llamante.
func WithSagaID(id string) ExecOption {
	return func(eo *execOptions) { eo.sagaID = id }
}

// withoutEscalation evita crear dead letters (reintentos de un dead letter).
func withoutEscalation() ExecOption {
	return func(eo *execOptions) { eo.noEscalation = true }
}

// ------------------ API ------------------

// Execute crea la saga y la conduce hasta un estado terminal en la goroutine
// del llamante.
func (o *Orchestrator) Execute(ctx context.Context, sagaType string, input sharedDomain.Payload, opts ...ExecOption) (*domain.SagaInstance, error) {
	inst, def, eo, err := o.create(ctx, sagaType, input, opts)
	if err != nil {
		return nil, err
	}
	if !o.acquire(inst.ID) {
		return inst, domain.ErrSagaInProgress
	}
	defer o.release(inst.ID)

	return o.drive(ctx, inst, def, eo)
}

// Start crea la saga y la conduce en segundo plano. Devuelve la instancia
// recién creada; el progreso se consulta con GetSagaDetail.
func (o *Orchestrator) Start(ctx context.Context, sagaType string, input sharedDomain.Payload, opts ...ExecOption) (*domain.SagaInstance, error) {
	inst, def, eo, err := o.create(ctx, sagaType, input, opts)
	if err != nil {
		return nil, err
	}
	snapshot := *inst
	snapshot.Checkpoint = inst.Checkpoint.Clone()

	if !o.acquire(inst.ID) {
		return &snapshot, domain.ErrSagaInProgress
	}
	o.goDrive(inst, def, eo)
	return &snapshot, nil
}

// ResumeFromCheckpoint continúa una saga desde su último checkpoint. Sobre una
// saga terminada no hace nada y devuelve su estado.
func (o *Orchestrator) ResumeFromCheckpoint(ctx context.Context, sagaID string) (*domain.SagaInstance, error) {
	inst, def, err := o.prepareResume(ctx, sagaID)
	if err != nil || inst.Status.IsTerminal() {
		return inst, err
	}
	defer o.release(inst.ID)
	return o.drive(ctx, inst, def, execOptions{})
}

// ResumeInBackground es ResumeFromCheckpoint sin esperar: devuelve el estado
// leído del almacén y sigue conduciendo la saga en segundo plano.
func (o *Orchestrator) ResumeInBackground(ctx context.Context, sagaID string) (*domain.SagaInstance, error) {
	inst, def, err := o.prepareResume(ctx, sagaID)
	if err != nil || inst.Status.IsTerminal() {
		return inst, err
	}
	snapshot := *inst
	snapshot.Checkpoint = inst.Checkpoint.Clone()
	o.goDrive(inst, def, execOptions{})
	return &snapshot, nil
}

// prepareResume carga la saga y, si no es terminal, la reserva para este proceso.
func (o *Orchestrator) prepareResume(ctx context.Context, sagaID string) (*domain.SagaInstance, domain.Definition, error) {
	inst, err := o.repo.GetInstance(ctx, sagaID)
	if err != nil {
		return nil, domain.Definition{}, err
	}
	if inst.Status.IsTerminal() {
		return inst, domain.Definition{}, nil
	}
	def, ok := o.registry.Get(inst.SagaType)
	if !ok {
		return inst, def, fmt.Errorf("%w: %s", domain.ErrUnknownSagaType, inst.SagaType)
	}
	if !o.acquire(inst.ID) {
		return inst, def, domain.ErrSagaInProgress
	}
	o.log.Info("⏯️ Reanudando saga desde checkpoint",
		zap.String("saga_id", inst.ID),
		zap.String("status", string(inst.Status)),
		zap.Int("next_step", inst.NextStep()),
	)
	return inst, def, nil
}

// RecoverInFlight reanuda en segundo plano todas las sagas que quedaron a
// medias (running o compensating) tras un reinicio.
func (o *Orchestrator) RecoverInFlight(ctx context.Context) (int, error) {
	pending, err := o.repo.ListByStatus(ctx, []domain.SagaStatus{domain.StatusRunning, domain.StatusCompensating}, 1000)
	if err != nil {
		return 0, fmt.Errorf("listing in-flight sagas: %w", err)
	}
	resumed := 0
	for _, inst := range pending {
		def, ok := o.registry.Get(inst.SagaType)
		if !ok {
			o.log.Warn("⚠️ Saga en curso con tipo no registrado", zap.String("saga_id", inst.ID), zap.String("saga_type", inst.SagaType))
			continue
		}
		if !o.acquire(inst.ID) {
			continue
		}
		o.goDrive(inst, def, execOptions{})
		resumed++
	}
	if resumed > 0 {
		o.log.Info("🔄 Sagas reanudadas tras el arranque", zap.Int("count", resumed))
	}
	return resumed, nil
}

// Cancel marca la saga para cancelación; el siguiente límite de paso la detiene.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) error {
	inst, err := o.repo.GetInstance(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return domain.ErrSagaTerminal
	}
	return o.repo.RequestCancel(ctx, sagaID)
}

// GetSagaDetail devuelve la instancia con todas sus filas de paso.
func (o *Orchestrator) GetSagaDetail(ctx context.Context, sagaID string) (*domain.SagaDetail, error) {
	key := detailCachePrefix + sagaID
	if o.cache != nil {
		var cached domain.SagaDetail
		if found, err := o.cache.Get(ctx, key, &cached); err == nil && found {
			return &cached, nil
		}
	}

	detail, err := o.loadDetail(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if o.cache != nil && detail.Instance.Status.IsTerminal() {
		if err := o.cache.Set(ctx, key, detail, o.cacheTTL); err != nil {
			o.log.Debug("No se pudo cachear el detalle de la saga", zap.String("saga_id", sagaID), zap.Error(err))
		}
	}
	return detail, nil
}

// Shutdown cancela las sagas en segundo plano (quedan en su último estado
// persistido para RecoverInFlight) y espera a que terminen.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait bloquea hasta que no queden sagas en segundo plano.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// ------------------ Conducción ------------------

func (o *Orchestrator) create(ctx context.Context, sagaType string, input sharedDomain.Payload, opts []ExecOption) (*domain.SagaInstance, domain.Definition, execOptions, error) {
	var eo execOptions
	for _, opt := range opts {
		opt(&eo)
	}
	def, ok := o.registry.Get(sagaType)
	if !ok {
		return nil, def, eo, fmt.Errorf("%w: %q", domain.ErrUnknownSagaType, sagaType)
	}
	if eo.sagaID == "" {
		eo.sagaID = uuid.NewString()
	}

	inst := domain.NewSagaInstance(eo.sagaID, sagaType, len(def.Steps), input, def.Timeout, o.now())
	if err := o.repo.CreateInstance(ctx, inst); err != nil {
		return nil, def, eo, err
	}
	o.log.Info("🚀 Saga creada",
		zap.String("saga_id", inst.ID),
		zap.String("saga_type", sagaType),
		zap.Int("total_steps", inst.TotalSteps),
	)
	return inst, def, eo, nil
}

func (o *Orchestrator) goDrive(inst *domain.SagaInstance, def domain.Definition, eo execOptions) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(inst.ID)
		if _, err := o.drive(o.baseCtx, inst, def, eo); err != nil {
			o.log.Warn("⚠️ Saga detenida sin estado terminal", zap.String("saga_id", inst.ID), zap.Error(err))
		}
	}()
}

func (o *Orchestrator) drive(ctx context.Context, inst *domain.SagaInstance, def domain.Definition, eo execOptions) (*domain.SagaInstance, error) {
	var err error
	switch inst.Status {
	case domain.StatusRunning:
		err = o.runForward(ctx, inst, def, eo)
	case domain.StatusCompensating:
		err = o.runCompensation(ctx, inst, def, eo)
	default:
		return inst, nil
	}
	if err != nil {
		return inst, err
	}
	if inst.Status.IsTerminal() {
		o.finish(ctx, inst, def)
	}
	return inst, nil
}

func (o *Orchestrator) runForward(ctx context.Context, inst *domain.SagaInstance, def domain.Definition, eo execOptions) error {
	for i := inst.NextStep(); i < inst.TotalSteps; i++ {
		if failure, cause := o.haltReason(ctx, inst); cause != nil {
			return o.fail(ctx, inst, def, eo, cause, failure)
		}

		// Tras un crash entre checkpoint y avance, currentStep va por detrás.
		if inst.CurrentStep != i {
			inst.CurrentStep = i
			if err := o.persist(ctx, inst, domain.StatusRunning); err != nil {
				return err
			}
		}

		step := def.Steps[i]
		sc := domain.NewStepContext(inst, i, step.Name, func(ctx context.Context) error {
			return o.persist(ctx, inst, domain.StatusRunning)
		})
		out, err := o.executor.RunAction(ctx, sc, step)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return o.fail(ctx, inst, def, eo, err, domain.FailureMaxRetries)
		}

		// Primero el checkpoint, luego el avance de currentStep.
		inst.Checkpoint.CompleteStep(i, step.Name, out)
		if err := o.persist(ctx, inst, domain.StatusRunning); err != nil {
			return err
		}
		inst.CurrentStep = i + 1
		if err := o.persist(ctx, inst, domain.StatusRunning); err != nil {
			return err
		}
	}

	final := domain.StatusCompleted
	if len(inst.Checkpoint.Failed) > 0 {
		final = domain.StatusPartial
	}
	if last := inst.TotalSteps - 1; last >= 0 {
		inst.Output = inst.Checkpoint.Results[def.Steps[last].Name]
	}
	if err := inst.Transition(final, o.now()); err != nil {
		return err
	}
	if err := o.persist(ctx, inst, domain.StatusRunning); err != nil {
		return err
	}
	o.log.Info("✅ Saga completada", zap.String("saga_id", inst.ID), zap.String("status", string(final)))
	return nil
}

// fail gestiona un fallo terminal hacia delante. failure vacío = no escalar.
func (o *Orchestrator) fail(ctx context.Context, inst *domain.SagaInstance, def domain.Definition, eo execOptions, cause error, failure domain.FailureType) error {
	inst.Error = cause.Error()

	if inst.Checkpoint.LastCompleted < 0 {
		if err := inst.Transition(domain.StatusFailed, o.now()); err != nil {
			return err
		}
		if err := o.persist(ctx, inst, domain.StatusRunning); err != nil {
			return err
		}
		o.log.Warn("❌ Saga fallida sin pasos que compensar", zap.String("saga_id", inst.ID), zap.Error(cause))
		if failure != "" {
			o.escalate(ctx, inst, failure, eo)
		}
		return nil
	}

	if err := inst.Transition(domain.StatusCompensating, o.now()); err != nil {
		return err
	}
	if err := o.persist(ctx, inst, domain.StatusRunning); err != nil {
		return err
	}
	o.log.Warn("↩️ Saga fallida, compensando",
		zap.String("saga_id", inst.ID),
		zap.Int("completed_steps", inst.Checkpoint.LastCompleted+1),
		zap.Error(cause),
	)
	return o.runCompensation(ctx, inst, def, eo)
}

func (o *Orchestrator) runCompensation(ctx context.Context, inst *domain.SagaInstance, def domain.Definition, eo execOptions) error {
	var failures []string
	for i := inst.Checkpoint.LastCompleted; i >= 0; i-- {
		step := def.Steps[i]
		if !inst.Checkpoint.IsStepCompleted(step.Name) || inst.Checkpoint.IsCompensated(step.Name) {
			continue
		}
		sc := domain.NewStepContext(inst, i, step.Name, func(ctx context.Context) error {
			return o.persist(ctx, inst, domain.StatusCompensating)
		})
		if err := o.executor.RunCompensation(ctx, sc, step); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures = append(failures, err.Error())
			continue
		}
		inst.Checkpoint.MarkCompensated(step.Name)
		if err := o.persist(ctx, inst, domain.StatusCompensating); err != nil {
			return err
		}
	}

	if len(failures) > 0 {
		inst.Error = strings.Join(append([]string{inst.Error}, failures...), "; ")
		if err := inst.Transition(domain.StatusPartial, o.now()); err != nil {
			return err
		}
		if err := o.persist(ctx, inst, domain.StatusCompensating); err != nil {
			return err
		}
		o.log.Error("💥 Compensación incompleta", zap.String("saga_id", inst.ID), zap.Strings("failures", failures))
		o.escalate(ctx, inst, domain.FailureCompensationFailed, eo)
		return nil
	}

	if err := inst.Transition(domain.StatusCompensated, o.now()); err != nil {
		return err
	}
	if err := o.persist(ctx, inst, domain.StatusCompensating); err != nil {
		return err
	}
	o.log.Info("↩️ Saga compensada", zap.String("saga_id", inst.ID))
	return nil
}

// haltReason comprueba en el límite de paso el timeout de la saga y la
// cancelación pedida (posiblemente desde otro proceso).
func (o *Orchestrator) haltReason(ctx context.Context, inst *domain.SagaInstance) (domain.FailureType, error) {
	if inst.TimedOut(o.now()) {
		return domain.FailureTimeout, domain.ErrSagaTimedOut
	}
	if !inst.CancelRequested {
		fresh, err := o.repo.GetInstance(ctx, inst.ID)
		if err == nil {
			inst.CancelRequested = fresh.CancelRequested
		}
	}
	if inst.CancelRequested {
		return "", domain.ErrSagaCancelled
	}
	return "", nil
}

func (o *Orchestrator) persist(ctx context.Context, inst *domain.SagaInstance, expected domain.SagaStatus) error {
	inst.UpdatedAt = o.now()
	if err := o.repo.UpdateInstance(context.WithoutCancel(ctx), inst, expected); err != nil {
		return fmt.Errorf("persisting saga %s: %w", inst.ID, err)
	}
	return nil
}

func (o *Orchestrator) escalate(ctx context.Context, inst *domain.SagaInstance, failure domain.FailureType, eo execOptions) {
	if eo.noEscalation {
		return
	}
	dl := domain.NewDeadLetter(inst, failure, o.now())
	if err := o.deadLetters.CreateDeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		if errors.Is(err, domain.ErrDeadLetterExists) {
			return
		}
		o.log.Error("No se pudo crear el dead letter", zap.String("saga_id", inst.ID), zap.Error(err))
		return
	}
	o.log.Warn("☠️ Saga enviada a dead letter",
		zap.String("saga_id", inst.ID),
		zap.String("dead_letter_id", dl.ID.String()),
		zap.String("failure_type", string(failure)),
	)
}

func (o *Orchestrator) finish(ctx context.Context, inst *domain.SagaInstance, def domain.Definition) {
	ctx = context.WithoutCancel(ctx)
	if def.OnTerminal != nil {
		def.OnTerminal(ctx, inst)
	}
	if o.archiver == nil {
		return
	}
	detail, err := o.loadDetail(ctx, inst.ID)
	if err != nil {
		o.log.Warn("⚠️ No se pudo cargar la saga para archivar", zap.String("saga_id", inst.ID), zap.Error(err))
		return
	}
	if err := o.archiver.Archive(ctx, *detail); err != nil {
		o.log.Warn("⚠️ No se pudo archivar la saga", zap.String("saga_id", inst.ID), zap.Error(err))
	}
}

func (o *Orchestrator) loadDetail(ctx context.Context, sagaID string) (*domain.SagaDetail, error) {
	inst, err := o.repo.GetInstance(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	steps, err := o.repo.ListSteps(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return &domain.SagaDetail{Instance: inst, Steps: steps}, nil
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[id]; busy {
		return false
	}
	o.active[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}
