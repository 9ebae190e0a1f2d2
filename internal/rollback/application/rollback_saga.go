package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	outboxDomain "github.com/davicafu/fleetguard/internal/outbox/domain"
	"github.com/davicafu/fleetguard/internal/rollback/domain"
	sagaDomain "github.com/davicafu/fleetguard/internal/saga/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
	sharedUtils "github.com/davicafu/fleetguard/shared/utils"
)

const (
	StepPrepare   = "prepare_rollback"
	StepApply     = "apply_versions"
	StepAggregate = "aggregate_result"

	EventRollbackCompleted = "rollback.completed"
	EventRollbackPartial   = "rollback.partial"

	eventAggregateType = "rollback_execution"
	eventSource        = "fleetguard.rollback"
)

// SagaConfig ajusta los pasos. ApplyTimeout acota un intento completo de
// apply_versions, no cada dispositivo.
type SagaConfig struct {
	SagaTimeout  time.Duration
	ApplyTimeout time.Duration
	StepRetry    *sharedUtils.RetryPolicy
}

// RollbackSaga implementa los pasos de las sagas *_rollback.
type RollbackSaga struct {
	repo    domain.ExecutionRepository
	tx      domain.TxRunner
	devices domain.DeviceRegistry
	events  domain.EventWriter
	cfg     SagaConfig
	log     *zap.Logger
	now     func() time.Time
}

func NewRollbackSaga(
	repo domain.ExecutionRepository,
	tx domain.TxRunner,
	devices domain.DeviceRegistry,
	events domain.EventWriter,
	cfg SagaConfig,
	log *zap.Logger,
) *RollbackSaga {
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 10 * time.Minute
	}
	return &RollbackSaga{
		repo:    repo,
		tx:      tx,
		devices: devices,
		events:  events,
		cfg:     cfg,
		log:     log.With(zap.String("component", "rollback-saga")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Definition devuelve la saga de rollback para un tipo de artefacto. Todas
// comparten el mismo pipeline.
func (r *RollbackSaga) Definition(t domain.TargetType) sagaDomain.Definition {
	return sagaDomain.Definition{
		Name:    t.SagaType(),
		Timeout: r.cfg.SagaTimeout,
		Steps: []sagaDomain.StepDefinition{
			{Name: StepPrepare, Action: r.prepare, Compensate: r.revert, Retry: r.cfg.StepRetry},
			{Name: StepApply, Action: r.apply, Compensate: r.revert, Retry: r.cfg.StepRetry, Timeout: r.cfg.ApplyTimeout},
			{Name: StepAggregate, Action: r.aggregate, Retry: r.cfg.StepRetry},
		},
		OnTerminal: r.onTerminal,
	}
}

// Register registra una saga por cada tipo de artefacto.
func (r *RollbackSaga) Register(registry *sagaDomain.Registry) error {
	for _, t := range domain.TargetTypes {
		if err := registry.Register(r.Definition(t)); err != nil {
			return err
		}
	}
	return nil
}

// ------------------ Entrada de la saga ------------------

type rollbackInput struct {
	ExecutionID uuid.UUID         `json:"executionId"`
	TriggerID   string            `json:"triggerId"`
	TargetType  domain.TargetType `json:"targetType"`
	TargetID    string            `json:"targetId"`
	FromVersion string            `json:"fromVersion"`
	ToVersion   string            `json:"toVersion"`
	Reason      string            `json:"reason,omitempty"`
	DeviceCodes []string          `json:"deviceCodes,omitempty"`
	StopOnError bool              `json:"stopOnError"`
	BatchSize   int               `json:"batchSize"`
}

func inputFor(e *domain.RollbackExecution) (sharedDomain.Payload, error) {
	return sharedDomain.NewPayload(rollbackInput{
		ExecutionID: e.ID,
		TriggerID:   e.TriggerID,
		TargetType:  e.TargetType,
		TargetID:    e.TargetID,
		FromVersion: e.FromVersion,
		ToVersion:   e.ToVersion,
		Reason:      e.TriggerReason,
		DeviceCodes: e.DeviceCodes,
		StopOnError: e.StopOnError,
		BatchSize:   e.BatchSize,
	})
}

func decodeInput(p sharedDomain.Payload) (rollbackInput, error) {
	var in rollbackInput
	if err := p.Decode(&in); err != nil {
		return in, sharedUtils.Permanent(err)
	}
	if in.ExecutionID == uuid.Nil {
		return in, sharedUtils.Permanent(fmt.Errorf("%w: missing executionId", domain.ErrInvalidRequest))
	}
	if in.BatchSize <= 0 {
		in.BatchSize = domain.DefaultBatchSize
	}
	return in, nil
}

type preparedDevices struct {
	Devices []string `json:"devices"`
}

type rollbackResult struct {
	SagaID           string                 `json:"sagaId"`
	Status           domain.ExecutionStatus `json:"status"`
	TriggerID        string                 `json:"triggerId"`
	TargetType       domain.TargetType      `json:"targetType"`
	TargetID         string                 `json:"targetId"`
	FromVersion      string                 `json:"fromVersion"`
	ToVersion        string                 `json:"toVersion"`
	TotalDevices     int                    `json:"totalDevices"`
	CompletedDevices int                    `json:"completedDevices"`
	FailedDevices    int                    `json:"failedDevices"`
	Failures         []domain.FailedDevice  `json:"failures"`
}

func progressOf(cp *sagaDomain.Checkpoint) domain.DeviceProgress {
	p := domain.DeviceProgress{
		Processed: append([]string(nil), cp.Processed...),
		Failed:    make([]domain.FailedDevice, 0, len(cp.Failed)),
		Reverted:  append([]string(nil), cp.Reverted...),
	}
	for _, f := range cp.Failed {
		p.Failed = append(p.Failed, domain.FailedDevice{DeviceCode: f.Item, Error: f.Error})
	}
	return p
}

// ------------------ Pasos ------------------

// prepare resuelve el conjunto de dispositivos. Sin dispositivos no hay nada
// que revertir y el rollback falla sin reintentos.
func (r *RollbackSaga) prepare(ctx context.Context, sc *sagaDomain.StepContext) (sharedDomain.Payload, error) {
	in, err := decodeInput(sc.Input)
	if err != nil {
		return nil, err
	}

	devices := in.DeviceCodes
	if len(devices) == 0 {
		devices, err = r.devices.ListDevices(ctx, in.TargetType, in.TargetID, in.FromVersion)
		if err != nil {
			return nil, fmt.Errorf("listing devices for %s/%s: %w", in.TargetType, in.TargetID, err)
		}
	}
	devices = domain.Dedupe(devices)
	if len(devices) == 0 {
		return nil, sharedUtils.Permanent(fmt.Errorf("%w: %s %s@%s", domain.ErrNoDevices, in.TargetType, in.TargetID, in.FromVersion))
	}

	exec, err := r.repo.Get(ctx, in.ExecutionID)
	if err != nil {
		return nil, err
	}
	// Un reintento desde dead letter reabre la ejecución.
	if exec.Status.IsTerminal() {
		exec.CompletedAt = nil
		exec.Result = sharedDomain.Payload{}
	}
	exec.Status = domain.StatusRunning
	exec.TotalDevices = len(devices)
	exec.SetProgress(progressOf(sc.Checkpoint), r.now())
	if err := r.repo.Update(ctx, exec); err != nil {
		return nil, err
	}

	r.log.Info("🎯 Dispositivos resueltos para rollback",
		zap.String("saga_id", sc.SagaID),
		zap.String("target", string(in.TargetType)+"/"+in.TargetID),
		zap.Int("devices", len(devices)),
	)
	return sharedDomain.NewPayload(preparedDevices{Devices: devices})
}

// apply recorre los dispositivos por lotes. Tras cada lote se persiste el
// checkpoint, así que una reanudación no repite dispositivos ya resueltos.
func (r *RollbackSaga) apply(ctx context.Context, sc *sagaDomain.StepContext) (sharedDomain.Payload, error) {
	in, err := decodeInput(sc.Input)
	if err != nil {
		return nil, err
	}
	var prepared preparedDevices
	if err := sc.Result(StepPrepare).Decode(&prepared); err != nil {
		return nil, sharedUtils.Permanent(fmt.Errorf("reading prepared devices: %w", err))
	}

	cp := sc.Checkpoint
	devices := prepared.Devices
	for start := 0; start < len(devices); start += in.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var halt error
		for _, code := range devices[start:min(start+in.BatchSize, len(devices))] {
			if cp.IsProcessed(code) || (!in.StopOnError && cp.IsFailed(code)) {
				continue
			}
			err := r.devices.ApplyVersion(ctx, code, in.TargetType, in.TargetID, in.ToVersion)
			if err == nil {
				cp.MarkProcessed(code)
				continue
			}
			if ctx.Err() != nil {
				halt = ctx.Err()
				break
			}
			cp.MarkFailed(code, err.Error())
			r.log.Warn("⚠️ Dispositivo sin actualizar",
				zap.String("saga_id", sc.SagaID),
				zap.String("device", code),
				zap.Error(err),
			)
			if in.StopOnError {
				halt = fmt.Errorf("device %s: %w", code, err)
				break
			}
		}
		if err := r.saveProgress(ctx, sc, in.ExecutionID, ""); err != nil {
			return nil, err
		}
		if halt != nil {
			return nil, halt
		}
	}

	return sharedDomain.Payload{"processed": len(cp.Processed), "failed": len(cp.Failed)}, nil
}

// aggregate cierra la ejecución y encola su evento en la misma transacción.
func (r *RollbackSaga) aggregate(ctx context.Context, sc *sagaDomain.StepContext) (sharedDomain.Payload, error) {
	in, err := decodeInput(sc.Input)
	if err != nil {
		return nil, err
	}
	exec, err := r.repo.Get(ctx, in.ExecutionID)
	if err != nil {
		return nil, err
	}

	progress := progressOf(sc.Checkpoint)
	status, eventType := domain.StatusCompleted, EventRollbackCompleted
	if len(progress.Failed) > 0 {
		status, eventType = domain.StatusPartial, EventRollbackPartial
	}
	result, err := sharedDomain.NewPayload(rollbackResult{
		SagaID:           sc.SagaID,
		Status:           status,
		TriggerID:        in.TriggerID,
		TargetType:       in.TargetType,
		TargetID:         in.TargetID,
		FromVersion:      in.FromVersion,
		ToVersion:        in.ToVersion,
		TotalDevices:     exec.TotalDevices,
		CompletedDevices: len(progress.Processed),
		FailedDevices:    len(progress.Failed),
		Failures:         progress.Failed,
	})
	if err != nil {
		return nil, sharedUtils.Permanent(err)
	}

	// Reanudación tras un commit ya hecho: el evento ya está en el outbox.
	if exec.Status.IsTerminal() && exec.Result.String("sagaId") == sc.SagaID {
		return exec.Result, nil
	}

	now := r.now()
	exec.SetProgress(progress, now)
	exec.Result = result
	exec.Finish(status, now)

	err = r.tx.RunInTx(ctx, func(tx *persistence.Tx) error {
		if err := r.repo.UpdateTx(ctx, tx, exec); err != nil {
			return err
		}
		_, err := r.events.AddEventTx(ctx, tx, outboxDomain.NewEvent{
			EventType:     eventType,
			AggregateType: eventAggregateType,
			AggregateID:   exec.ID.String(),
			Payload:       result,
			Metadata: outboxDomain.Metadata{
				CorrelationID: in.TriggerID,
				CausationID:   sc.SagaID,
				Source:        eventSource,
			},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("closing rollback execution %s: %w", exec.ID, err)
	}
	return result, nil
}

// revert devuelve a fromVersion, en orden inverso, los dispositivos aplicados
// que aún no se revirtieron. Es la compensación de prepare y de apply.
func (r *RollbackSaga) revert(ctx context.Context, sc *sagaDomain.StepContext) error {
	in, err := decodeInput(sc.Input)
	if err != nil {
		return err
	}
	cp := sc.Checkpoint
	var failures []string
	for i := len(cp.Processed) - 1; i >= 0; i-- {
		code := cp.Processed[i]
		if cp.IsReverted(code) {
			continue
		}
		if err := r.devices.ApplyVersion(ctx, code, in.TargetType, in.TargetID, in.FromVersion); err != nil {
			if ctx.Err() != nil {
				break
			}
			failures = append(failures, code+": "+err.Error())
			continue
		}
		cp.MarkReverted(code)
	}
	if err := r.saveProgress(ctx, sc, in.ExecutionID, domain.StatusCompensating); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(failures) > 0 {
		return fmt.Errorf("revert failed for %d device(s): %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}

// saveProgress persiste el checkpoint de la saga y lo copia a la ejecución.
// Un fallo al copiar solo se registra: la saga es la fuente de verdad.
func (r *RollbackSaga) saveProgress(ctx context.Context, sc *sagaDomain.StepContext, id uuid.UUID, status domain.ExecutionStatus) error {
	if err := sc.Save(ctx); err != nil {
		return err
	}
	store := context.WithoutCancel(ctx)
	exec, err := r.repo.Get(store, id)
	if err == nil {
		if status != "" {
			exec.Status = status
		}
		exec.SetProgress(progressOf(sc.Checkpoint), r.now())
		err = r.repo.Update(store, exec)
	}
	if err != nil {
		r.log.Warn("⚠️ No se pudo reflejar el progreso en la ejecución", zap.String("saga_id", sc.SagaID), zap.Error(err))
	}
	return nil
}

// onTerminal refleja el estado final de la saga en la ejecución.
func (r *RollbackSaga) onTerminal(ctx context.Context, inst *sagaDomain.SagaInstance) {
	in, err := decodeInput(inst.Input)
	if err != nil {
		r.log.Error("Entrada de saga de rollback ilegible", zap.String("saga_id", inst.ID), zap.Error(err))
		return
	}
	exec, err := r.repo.Get(ctx, in.ExecutionID)
	if err != nil {
		r.log.Error("Ejecución de rollback no encontrada", zap.String("saga_id", inst.ID), zap.Error(err))
		return
	}

	now := r.now()
	exec.SetProgress(progressOf(&inst.Checkpoint), now)
	if inst.Error != "" {
		exec.Result = exec.Result.Clone()
		exec.Result["error"] = inst.Error
	}
	exec.Finish(domain.ExecutionStatus(inst.Status), now)
	if err := r.repo.Update(ctx, exec); err != nil {
		r.log.Error("No se pudo cerrar la ejecución de rollback", zap.String("execution_id", exec.ID.String()), zap.Error(err))
		return
	}
	r.log.Info("🏁 Rollback terminado",
		zap.String("execution_id", exec.ID.String()),
		zap.String("status", string(exec.Status)),
		zap.Int("completed_devices", exec.CompletedDevices),
		zap.Int("failed_devices", exec.FailedDevices),
	)
}
