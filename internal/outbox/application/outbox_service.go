package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
	"github.com/davicafu/fleetguard/shared/platform/persistence"
)

// PublisherControl es lo que el servicio necesita del publicador.
type PublisherControl interface {
	Reload(ctx context.Context) error
	Status() PublisherStatus
}

// OutboxService agrupa la escritura de eventos y las operaciones de
// administración del outbox.
type OutboxService struct {
	repo       domain.OutboxRepository
	routes     domain.RoutingRepository
	processors *ProcessorRegistry
	publisher  PublisherControl
	notifier   domain.ChangeNotifier // nil cuando la base de datos notifica sola
	maxRetries int
	log        *zap.Logger
	now        func() time.Time
}

type ServiceOption func(*OutboxService)

// WithNotifier avisa al feed en proceso tras cada inserción confirmada.
func WithNotifier(n domain.ChangeNotifier) ServiceOption {
	return func(s *OutboxService) { s.notifier = n }
}

// WithDefaultMaxRetries fija maxRetries para los eventos que no lo indican.
func WithDefaultMaxRetries(n int) ServiceOption {
	return func(s *OutboxService) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func NewOutboxService(
	repo domain.OutboxRepository,
	routes domain.RoutingRepository,
	processors *ProcessorRegistry,
	publisher PublisherControl,
	log *zap.Logger,
	opts ...ServiceOption,
) *OutboxService {
	s := &OutboxService{
		repo:       repo,
		routes:     routes,
		processors: processors,
		publisher:  publisher,
		maxRetries: domain.DefaultMaxRetries,
		log:        log.With(zap.String("component", "outbox-service")),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OutboxService) build(n domain.NewEvent) (*domain.OutboxEvent, error) {
	if n.MaxRetries == 0 {
		n.MaxRetries = s.maxRetries
	}
	return domain.NewOutboxEvent(n, s.now())
}

// AddEvent guarda el evento en su propia sentencia. Solo es seguro cuando no
// hay un cambio de negocio que acompañe al evento; si lo hay, usar AddEventTx.
func (s *OutboxService) AddEvent(ctx context.Context, n domain.NewEvent) (uuid.UUID, error) {
	evt, err := s.build(n)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.repo.Insert(ctx, evt); err != nil {
		return uuid.Nil, err
	}
	s.notify(evt)
	s.log.Debug("evento añadido al outbox", zap.String("event_id", evt.ID.String()), zap.String("event_type", evt.EventType))
	return evt.ID, nil
}

// AddEventTx guarda el evento en la transacción del llamante. El aviso al
// feed sale solo si la transacción confirma.
func (s *OutboxService) AddEventTx(ctx context.Context, tx *persistence.Tx, n domain.NewEvent) (uuid.UUID, error) {
	evt, err := s.build(n)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.repo.InsertTx(ctx, tx, evt); err != nil {
		return uuid.Nil, err
	}
	tx.AfterCommit(func() { s.notify(evt) })
	return evt.ID, nil
}

func (s *OutboxService) notify(evt *domain.OutboxEvent) {
	if s.notifier != nil {
		s.notifier.Notify(domain.ChangeNotice{EventID: evt.ID, EventType: evt.EventType})
	}
}

func (s *OutboxService) GetEvent(ctx context.Context, id uuid.UUID) (*domain.OutboxEvent, error) {
	return s.repo.Get(ctx, id)
}

func (s *OutboxService) ListEvents(ctx context.Context, f domain.EventFilter) ([]*domain.OutboxEvent, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidEvent, f.Status)
	}
	f.Pagination = f.Pagination.Normalize()
	return s.repo.List(ctx, f)
}

// RetryEvent devuelve un evento failed a pending con retryCount a 0.
func (s *OutboxService) RetryEvent(ctx context.Context, id uuid.UUID) (*domain.OutboxEvent, error) {
	if err := s.repo.Requeue(ctx, id, s.now()); err != nil {
		return nil, err
	}
	evt, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notify(evt)
	s.log.Info("🔁 Evento reencolado", zap.String("event_id", id.String()))
	return evt, nil
}

func (s *OutboxService) RetryAllFailed(ctx context.Context) (int64, error) {
	n, err := s.repo.RequeueAllFailed(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.log.Info("🔁 Eventos failed reencolados", zap.Int64("events", n))
	return n, nil
}

// CleanupPublished borra los eventos publicados hace más de retentionDays.
func (s *OutboxService) CleanupPublished(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 {
		return 0, domain.ErrInvalidRetention
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	n, err := s.repo.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.log.Info("🧹 Eventos publicados purgados", zap.Int64("events", n), zap.Int("retention_days", retentionDays))
	return n, nil
}

// ------------------ Rutas ------------------

func (s *OutboxService) ListRoutingConfigs(ctx context.Context) ([]domain.RoutingConfig, error) {
	return s.routes.ListRoutes(ctx)
}

// RoutingUpdate es un cambio parcial: los campos nil conservan el valor
// actual (o el de la ruta por defecto si el tipo no estaba configurado).
type RoutingUpdate struct {
	PublishMode        *domain.PublishMode `json:"publishMode"`
	CDCEnabled         *bool               `json:"cdcEnabled"`
	PollingIntervalMs  *int                `json:"pollingIntervalMs"`
	PollingBatchSize   *int                `json:"pollingBatchSize"`
	RequiresProcessing *bool               `json:"requiresProcessing"`
	ProcessorClass     *string             `json:"processorClass"`
	IsActive           *bool               `json:"isActive"`
}

func (u RoutingUpdate) apply(cfg domain.RoutingConfig) domain.RoutingConfig {
	if u.PublishMode != nil {
		cfg.PublishMode = *u.PublishMode
	}
	if u.CDCEnabled != nil {
		cfg.CDCEnabled = *u.CDCEnabled
	}
	if u.PollingIntervalMs != nil {
		cfg.PollingIntervalMs = *u.PollingIntervalMs
	}
	if u.PollingBatchSize != nil {
		cfg.PollingBatchSize = *u.PollingBatchSize
	}
	if u.RequiresProcessing != nil {
		cfg.RequiresProcessing = *u.RequiresProcessing
	}
	if u.ProcessorClass != nil {
		cfg.ProcessorClass = *u.ProcessorClass
	}
	if u.IsActive != nil {
		cfg.IsActive = *u.IsActive
	}
	return cfg
}

// UpdateRoutingConfig valida y guarda la ruta y recarga el publicador. Una
// configuración inválida se rechaza sin tocar nada.
func (s *OutboxService) UpdateRoutingConfig(ctx context.Context, eventType string, u RoutingUpdate) (domain.RoutingConfig, error) {
	current, err := s.routes.GetRoute(ctx, eventType)
	if errors.Is(err, domain.ErrRoutingNotFound) {
		current = domain.DefaultRouting(eventType)
	} else if err != nil {
		return domain.RoutingConfig{}, err
	}

	next := u.apply(current)
	next.EventType = eventType
	next.UpdatedAt = s.now()
	if err := next.Validate(); err != nil {
		return domain.RoutingConfig{}, fmt.Errorf("%w: %v", domain.ErrInvalidRoutingConfig, err)
	}
	if !next.RequiresProcessing {
		next.ProcessorClass = ""
	} else if _, err := s.processors.Get(next.ProcessorClass); err != nil {
		return domain.RoutingConfig{}, fmt.Errorf("%w: %v", domain.ErrInvalidRoutingConfig, err)
	}

	if err := s.routes.UpsertRoute(ctx, next); err != nil {
		return domain.RoutingConfig{}, err
	}
	if s.publisher != nil {
		if err := s.publisher.Reload(ctx); err != nil {
			return next, fmt.Errorf("route saved but reload failed: %w", err)
		}
	}
	s.log.Info("🛠️ Ruta del outbox actualizada",
		zap.String("event_type", next.EventType),
		zap.String("publish_mode", string(next.PublishMode)),
		zap.Bool("cdc_enabled", next.CDCEnabled),
		zap.Bool("is_active", next.IsActive),
	)
	return next, nil
}

func (s *OutboxService) GetPublisherStatus() PublisherStatus {
	return s.publisher.Status()
}
