package application

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
	sharedBus "github.com/davicafu/fleetguard/shared/platform/bus"
)

type SweepConfig struct {
	// Interval y BatchSize se aplican a los tipos sin ruta y a los rezagados CDC.
	Interval  time.Duration
	BatchSize int
	// GracePeriod: antigüedad a partir de la cual un evento CDC pending se
	// considera perdido por el feed y lo recoge el polling.
	GracePeriod time.Duration
	// Tick es la resolución del bucle; cada carril tiene su propio intervalo.
	Tick time.Duration
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.Interval <= 0 {
		c.Interval = time.Duration(domain.DefaultPollingInterval) * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = domain.DefaultPollingBatchSize
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	return c
}

// lane es una consulta de pendientes con su propio intervalo.
type lane struct {
	key      string
	interval time.Duration
	query    domain.PendingQuery
}

const (
	laneDefault    = "*default"
	laneStragglers = "*cdc-stragglers"
)

// PollingSweeper recorre los pending por carriles: uno por ruta de polling,
// uno para los tipos sin ruta, los tipos CDC mientras el CDC no está sano y
// los rezagados CDC mientras sí lo está.
type PollingSweeper struct {
	repo       domain.OutboxRepository
	resolver   *RoutingResolver
	deliverer  *Deliverer
	bus        sharedBus.Publisher
	cdcHealthy func() bool
	cfg        SweepConfig
	log        *zap.Logger
	now        func() time.Time

	lastSwept map[string]time.Time
}

func NewPollingSweeper(
	repo domain.OutboxRepository,
	resolver *RoutingResolver,
	deliverer *Deliverer,
	bus sharedBus.Publisher,
	cdcHealthy func() bool,
	cfg SweepConfig,
	log *zap.Logger,
) *PollingSweeper {
	if cdcHealthy == nil {
		cdcHealthy = func() bool { return false }
	}
	return &PollingSweeper{
		repo:       repo,
		resolver:   resolver,
		deliverer:  deliverer,
		bus:        bus,
		cdcHealthy: cdcHealthy,
		cfg:        cfg.withDefaults(),
		log:        log.With(zap.String("component", "polling-sweeper")),
		now:        func() time.Time { return time.Now().UTC() },
		lastSwept:  make(map[string]time.Time),
	}
}

// Run inicia el bucle de polling.
func (s *PollingSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.log.Info("🚀 Polling del outbox iniciado", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("🛑 Polling del outbox detenido")
			return nil
		case <-ticker.C:
			s.SweepDue(ctx)
		}
	}
}

// SweepDue procesa los carriles cuyo intervalo ha vencido. Devuelve cuántos
// eventos intentó entregar.
func (s *PollingSweeper) SweepDue(ctx context.Context) int {
	now := s.now()
	attempted := 0
	for _, l := range s.lanes(now) {
		if last, ok := s.lastSwept[l.key]; ok && now.Sub(last) < l.interval {
			continue
		}
		s.lastSwept[l.key] = now
		attempted += s.sweep(ctx, l)
		if ctx.Err() != nil {
			break
		}
	}
	return attempted
}

func (s *PollingSweeper) lanes(now time.Time) []lane {
	healthy := s.cdcHealthy()
	routes := s.resolver.Routes()

	var (
		out       []lane
		cdcTypes  []string
		allConfig = make([]string, 0, len(routes))
	)
	for _, r := range routes {
		allConfig = append(allConfig, r.EventType)
		if !r.IsActive {
			continue
		}
		if r.StreamsOverCDC() && healthy {
			cdcTypes = append(cdcTypes, r.EventType)
			continue
		}
		out = append(out, lane{
			key:      r.EventType,
			interval: r.PollingInterval(),
			query:    domain.PendingQuery{EventTypes: []string{r.EventType}, Now: now, Limit: r.PollingBatchSize},
		})
	}

	out = append(out, lane{
		key:      laneDefault,
		interval: s.cfg.Interval,
		query:    domain.PendingQuery{ExcludeTypes: allConfig, Now: now, Limit: s.cfg.BatchSize},
	})

	if len(cdcTypes) > 0 {
		cutoff := now.Add(-s.cfg.GracePeriod)
		out = append(out, lane{
			key:      laneStragglers,
			interval: s.cfg.Interval,
			query:    domain.PendingQuery{EventTypes: cdcTypes, CreatedBefore: &cutoff, Now: now, Limit: s.cfg.BatchSize},
		})
	}
	return out
}

func (s *PollingSweeper) sweep(ctx context.Context, l lane) int {
	events, err := s.repo.FetchPending(ctx, l.query)
	if err != nil {
		s.log.Warn("⚠️ Error al obtener eventos pendientes", zap.String("lane", l.key), zap.Error(err))
		return 0
	}
	if len(events) > 0 {
		s.log.Info("📬 Eventos pendientes encontrados", zap.String("lane", l.key), zap.Int("events", len(events)))
	}
	for _, evt := range events {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.deliverer.Deliver(ctx, evt.ID, domain.PathPolling, s.bus.Publish); err != nil {
			s.log.Debug("entrega por polling fallida", zap.String("event_id", evt.ID.String()), zap.Error(err))
		}
	}
	return len(events)
}
