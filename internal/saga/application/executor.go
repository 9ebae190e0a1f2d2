package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/saga/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	sharedUtils "github.com/davicafu/fleetguard/shared/utils"
)

// StepError es el error final de un paso que agotó sus reintentos.
type StepError struct {
	Step     string
	Type     domain.StepType
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s (%s) failed after %d attempt(s): %v", e.Step, e.Type, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type ExecutorConfig struct {
	Retry   sharedUtils.RetryPolicy
	Timeout time.Duration
}

// StepExecutor ejecuta la acción o la compensación de un paso con reintentos
// acotados y deja constancia de cada intento en una fila SagaStep.
type StepExecutor struct {
	repo domain.SagaRepository
	cfg  ExecutorConfig
	log  *zap.Logger
	now  func() time.Time
}

func NewStepExecutor(repo domain.SagaRepository, cfg ExecutorConfig, log *zap.Logger) *StepExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &StepExecutor{
		repo: repo,
		cfg:  cfg,
		log:  log.With(zap.String("component", "saga-executor")),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// RunAction ejecuta la acción del paso. La salida se devuelve para que el
// orquestador la guarde en el checkpoint.
func (e *StepExecutor) RunAction(ctx context.Context, sc *domain.StepContext, step domain.StepDefinition) (sharedDomain.Payload, error) {
	return e.run(ctx, sc, step, domain.StepAction, func(ctx context.Context) (sharedDomain.Payload, error) {
		return step.Action(ctx, sc)
	})
}

// RunCompensation ejecuta la compensación. Un paso sin compensación se
// registra igualmente como compensado, sin hacer nada.
func (e *StepExecutor) RunCompensation(ctx context.Context, sc *domain.StepContext, step domain.StepDefinition) error {
	_, err := e.run(ctx, sc, step, domain.StepCompensation, func(ctx context.Context) (sharedDomain.Payload, error) {
		if step.Compensate == nil {
			return nil, nil
		}
		return nil, step.Compensate(ctx, sc)
	})
	return err
}

func (e *StepExecutor) run(
	ctx context.Context,
	sc *domain.StepContext,
	step domain.StepDefinition,
	stepType domain.StepType,
	fn func(ctx context.Context) (sharedDomain.Payload, error),
) (sharedDomain.Payload, error) {
	// Las escrituras de estado no deben perderse aunque el contexto se cancele.
	store := context.WithoutCancel(ctx)

	row := domain.NewSagaStep(sc.SagaID, sc.StepIndex, step.Name, stepType, sc.Input, e.now())
	if err := e.repo.SaveStep(store, row); err != nil {
		return nil, fmt.Errorf("saving step %s: %w", step.Name, err)
	}

	policy := e.cfg.Retry
	if step.Retry != nil {
		policy = *step.Retry
	}
	timeout := e.cfg.Timeout
	if step.Timeout > 0 {
		timeout = step.Timeout
	}

	var output sharedDomain.Payload
	attempts := 0
	err := sharedUtils.Retry(ctx, policy, func(ctx context.Context) error {
		attempts++
		sc.Attempt = attempts
		if attempts > 1 {
			row.RetryCount = attempts - 1
			if err := e.repo.SaveStep(store, row); err != nil {
				e.log.Warn("⚠️ No se pudo registrar el reintento", zap.String("saga_id", sc.SagaID), zap.Error(err))
			}
		}
		out, err := e.callWithTimeout(ctx, sc, timeout, fn)
		if err != nil {
			return err
		}
		output = out
		return nil
	}, func(attempt uint, err error) {
		e.log.Warn("🔁 Paso fallido, reintentando",
			zap.String("saga_id", sc.SagaID),
			zap.String("step", step.Name),
			zap.String("type", string(stepType)),
			zap.Uint("attempt", attempt),
			zap.Error(err),
		)
	})

	if err != nil {
		row.Fail(err, e.now())
		if saveErr := e.repo.SaveStep(store, row); saveErr != nil {
			e.log.Error("No se pudo registrar el fallo del paso", zap.String("saga_id", sc.SagaID), zap.Error(saveErr))
		}
		return nil, &StepError{Step: step.Name, Type: stepType, Attempts: attempts, Err: err}
	}

	row.Complete(output, e.now())
	if err := e.repo.SaveStep(store, row); err != nil {
		return nil, fmt.Errorf("saving step %s: %w", step.Name, err)
	}
	return output, nil
}

// callWithTimeout acota el intento: al vencer el timeout se cancela su
// contexto y el intento cuenta como fallido. Nada más de la saga se ejecuta
// hasta que la función devuelve: el siguiente intento y la compensación
// comparten su checkpoint.
func (e *StepExecutor) callWithTimeout(ctx context.Context, sc *domain.StepContext, timeout time.Duration, fn func(ctx context.Context) (sharedDomain.Payload, error)) (sharedDomain.Payload, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out sharedDomain.Payload
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("step panicked: %v", p)}
			}
		}()
		out, err := fn(cctx)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-cctx.Done():
	}

	// Vencido o cancelado: el resultado tardío se descarta.
	select {
	case <-done:
	default:
		e.log.Warn("⏳ Paso fuera de plazo, esperando a que termine el intento en curso",
			zap.String("saga_id", sc.SagaID),
			zap.String("step", sc.StepName),
			zap.Int("attempt", sc.Attempt),
			zap.Duration("timeout", timeout),
		)
		<-done
	}
	return nil, cctx.Err()
}
