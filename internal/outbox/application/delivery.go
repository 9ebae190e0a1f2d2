package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
	sharedBus "github.com/davicafu/fleetguard/shared/platform/bus"
	"github.com/davicafu/fleetguard/shared/utils"
)

// SendFunc envía un mensaje ya construido. El camino CDC la envuelve con el
// circuit breaker; el polling usa el bus directamente.
type SendFunc func(ctx context.Context, msg sharedBus.Message) error

type DeliveryConfig struct {
	TopicPrefix    string
	Timeout        time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// outcomeSkipped: el evento ya no estaba en pending (otro camino lo tomó).
const outcomeSkipped domain.DeliveryOutcome = "skipped"

// ErrDeliveryDeferred marca un envío que no se llegó a intentar (p. ej. el
// breaker lo rechazó). El evento vuelve a pending sin gastar un reintento.
var ErrDeliveryDeferred = errors.New("delivery deferred")

// Deliverer implementa la entrega compartida por los dos caminos:
// reclamar la fila, reclamar en el ledger, transformar, enviar y anotar.
type Deliverer struct {
	repo       domain.OutboxRepository
	resolver   *RoutingResolver
	processors *ProcessorRegistry
	dedup      *Deduplicator
	recorder   domain.DeliveryRecorder
	stats      *Stats
	cfg        DeliveryConfig
	log        *zap.Logger
	now        func() time.Time
}

func NewDeliverer(
	repo domain.OutboxRepository,
	resolver *RoutingResolver,
	processors *ProcessorRegistry,
	dedup *Deduplicator,
	recorder domain.DeliveryRecorder,
	stats *Stats,
	cfg DeliveryConfig,
	log *zap.Logger,
) *Deliverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Deliverer{
		repo:       repo,
		resolver:   resolver,
		processors: processors,
		dedup:      dedup,
		recorder:   recorder,
		stats:      stats,
		cfg:        cfg,
		log:        log.With(zap.String("component", "outbox-delivery")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Deliver intenta entregar el evento id por el camino path. Un evento que ya no
// está en pending no es un error: otro camino lo ha tomado.
func (d *Deliverer) Deliver(ctx context.Context, id uuid.UUID, path domain.DeliveryPath, send SendFunc) (domain.DeliveryOutcome, error) {
	started := d.now()
	evt, err := d.repo.MarkProcessing(ctx, id, started)
	if errors.Is(err, domain.ErrStatusConflict) || errors.Is(err, domain.ErrEventNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("claiming event %s: %w", id, err)
	}

	// A partir de aquí la fila está en processing: las anotaciones finales se
	// hacen aunque ctx se cancele para no dejarla colgada.
	bookkeeping := context.WithoutCancel(ctx)

	claimed, err := d.dedup.Claim(ctx, evt.ID, path, started)
	if err != nil {
		return d.fail(bookkeeping, evt, path, started, fmt.Errorf("dedup claim: %w", err), false)
	}
	if !claimed {
		prior, err := d.dedup.Lookup(bookkeeping, evt.ID)
		if err != nil {
			return d.deferDelivery(bookkeeping, evt, path, started, fmt.Errorf("dedup lookup: %w", err))
		}
		if prior != nil && prior.Sent() {
			return d.markDeduplicated(bookkeeping, evt, path, started)
		}
		// Reclamación sin confirmar: la dejó un intento que no llegó a enviar.
		// Con la fila en processing nadie más entrega este evento.
		if claimed, err = d.takeOver(bookkeeping, evt.ID, path, started); err != nil || !claimed {
			if err == nil {
				err = errors.New("dedup claim held by another delivery")
			}
			return d.deferDelivery(bookkeeping, evt, path, started, fmt.Errorf("dedup takeover: %w", err))
		}
	}

	msg, err := d.prepare(ctx, evt, path)
	if err != nil {
		return d.fail(bookkeeping, evt, path, started, err, true)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	err = send(sendCtx, msg)
	cancel()
	if errors.Is(err, ErrDeliveryDeferred) {
		if rerr := d.dedup.Release(bookkeeping, evt.ID); rerr != nil {
			return d.holdForJanitor(evt, err, rerr)
		}
		return d.deferDelivery(bookkeeping, evt, path, started, err)
	}
	if err != nil {
		return d.fail(bookkeeping, evt, path, started, fmt.Errorf("publish: %w", err), true)
	}

	if err := d.dedup.Confirm(bookkeeping, evt.ID); err != nil {
		// Sin confirmación un intento posterior lo reenvía: duplicado, no pérdida.
		d.log.Warn("⚠️ No se pudo confirmar el envío en el ledger",
			zap.String("event_id", evt.ID.String()), zap.Error(err))
	}

	publishedAt := d.now()
	if err := d.repo.MarkPublished(bookkeeping, evt.ID, path, publishedAt); err != nil {
		// El mensaje ya salió; la reclamación del ledger evita un segundo envío.
		d.log.Warn("⚠️ Evento enviado pero no se pudo marcar como publicado",
			zap.String("event_id", evt.ID.String()), zap.Error(err))
		return "", fmt.Errorf("marking event %s published: %w", evt.ID, err)
	}
	d.stats.recordPublished(path, publishedAt)
	d.record(bookkeeping, evt, path, domain.OutcomePublished, started, nil)
	d.log.Info("✅ Evento publicado",
		zap.String("event_id", evt.ID.String()),
		zap.String("event_type", evt.EventType),
		zap.String("path", string(path)),
	)
	return domain.OutcomePublished, nil
}

func (d *Deliverer) markDeduplicated(ctx context.Context, evt *domain.OutboxEvent, path domain.DeliveryPath, started time.Time) (domain.DeliveryOutcome, error) {
	if err := d.repo.MarkPublished(ctx, evt.ID, domain.PathDedup, d.now()); err != nil {
		return "", fmt.Errorf("marking deduplicated event %s: %w", evt.ID, err)
	}
	d.stats.recordDeduplicated()
	d.record(ctx, evt, path, domain.OutcomeDeduplicated, started, nil)
	d.log.Info("♻️ Evento ya enviado por otro intento, no se reenvía",
		zap.String("event_id", evt.ID.String()), zap.String("path", string(path)))
	return domain.OutcomeDeduplicated, nil
}

// takeOver sustituye una reclamación sin confirmar por la de este intento.
func (d *Deliverer) takeOver(ctx context.Context, id uuid.UUID, path domain.DeliveryPath, started time.Time) (bool, error) {
	if err := d.dedup.Release(ctx, id); err != nil {
		return false, err
	}
	return d.dedup.Claim(ctx, id, path, started)
}

// deferDelivery devuelve el evento a pending sin tocar retryCount.
func (d *Deliverer) deferDelivery(ctx context.Context, evt *domain.OutboxEvent, path domain.DeliveryPath, started time.Time, cause error) (domain.DeliveryOutcome, error) {
	now := d.now()
	nextAttempt := now.Add(utils.Backoff(d.cfg.RetryBaseDelay, d.cfg.RetryMaxDelay, 0))
	if err := d.repo.RecordFailure(ctx, evt.ID, domain.StatusPending, evt.RetryCount, cause.Error(), nextAttempt, now); err != nil {
		return "", fmt.Errorf("deferring event %s: %w", evt.ID, err)
	}
	d.log.Info("⏸️ Entrega aplazada sin gastar reintento",
		zap.String("event_id", evt.ID.String()),
		zap.String("path", string(path)),
		zap.Time("next_attempt_at", nextAttempt),
		zap.Error(cause),
	)
	d.record(ctx, evt, path, domain.OutcomeRetry, started, cause)
	return domain.OutcomeRetry, cause
}

// holdForJanitor deja la fila en processing: con la reclamación sin liberar,
// volver a pending permitiría dar el evento por publicado sin enviarlo.
func (d *Deliverer) holdForJanitor(evt *domain.OutboxEvent, cause, releaseErr error) (domain.DeliveryOutcome, error) {
	d.log.Warn("⚠️ No se pudo liberar la reclamación, el evento queda para el janitor",
		zap.String("event_id", evt.ID.String()), zap.NamedError("cause", cause), zap.Error(releaseErr))
	return "", fmt.Errorf("releasing claim of event %s after %v: %w", evt.ID, cause, releaseErr)
}

// prepare aplica el procesador de la ruta y construye el mensaje.
func (d *Deliverer) prepare(ctx context.Context, evt *domain.OutboxEvent, path domain.DeliveryPath) (sharedBus.Message, error) {
	out := evt
	route := d.resolver.Resolve(evt.EventType)
	if route.RequiresProcessing {
		p, err := d.processors.Get(route.ProcessorClass)
		if err != nil {
			return sharedBus.Message{}, err
		}
		if out, err = p.Process(ctx, evt); err != nil {
			return sharedBus.Message{}, fmt.Errorf("processor %s: %w", route.ProcessorClass, err)
		}
	}
	msg, err := out.Message(d.cfg.TopicPrefix, path)
	if err != nil {
		return sharedBus.Message{}, fmt.Errorf("encoding envelope: %w", err)
	}
	return msg, nil
}

// fail devuelve el evento a pending con backoff o lo deja en failed si ya
// agotó sus reintentos. Si la reclamación no se puede liberar la fila se
// queda en processing.
func (d *Deliverer) fail(ctx context.Context, evt *domain.OutboxEvent, path domain.DeliveryPath, started time.Time, cause error, release bool) (domain.DeliveryOutcome, error) {
	if release {
		if err := d.dedup.Release(ctx, evt.ID); err != nil {
			return d.holdForJanitor(evt, cause, err)
		}
	}

	now := d.now()
	next, retryCount := evt.FailureOutcome()
	nextAttempt := now.Add(utils.Backoff(d.cfg.RetryBaseDelay, d.cfg.RetryMaxDelay, evt.RetryCount))
	if err := d.repo.RecordFailure(ctx, evt.ID, next, retryCount, cause.Error(), nextAttempt, now); err != nil {
		return "", fmt.Errorf("recording failure of event %s: %w", evt.ID, err)
	}

	outcome := domain.OutcomeRetry
	if next == domain.StatusFailed {
		outcome = domain.OutcomeFailed
		d.stats.recordFailed()
		d.log.Error("❌ Evento agotó sus reintentos",
			zap.String("event_id", evt.ID.String()),
			zap.String("event_type", evt.EventType),
			zap.Int("retry_count", retryCount),
			zap.Error(cause),
		)
	} else {
		d.log.Warn("⚠️ Entrega fallida, se reintentará",
			zap.String("event_id", evt.ID.String()),
			zap.String("path", string(path)),
			zap.Int("retry_count", retryCount),
			zap.Time("next_attempt_at", nextAttempt),
			zap.Error(cause),
		)
	}
	evt.RetryCount = retryCount
	d.record(ctx, evt, path, outcome, started, cause)
	return outcome, cause
}

func (d *Deliverer) record(ctx context.Context, evt *domain.OutboxEvent, path domain.DeliveryPath, outcome domain.DeliveryOutcome, started time.Time, cause error) {
	rec := domain.DeliveryRecord{
		EventID:       evt.ID,
		EventType:     evt.EventType,
		AggregateType: evt.AggregateType,
		Path:          path,
		Outcome:       outcome,
		RetryCount:    evt.RetryCount,
		Latency:       d.now().Sub(started),
		At:            d.now(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	d.recorder.Record(ctx, rec)
}
