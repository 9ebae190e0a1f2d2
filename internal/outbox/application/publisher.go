package application

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
)

// Runner es un bucle de fondo que termina cuando ctx se cancela.
type Runner interface {
	Run(ctx context.Context) error
}

// PublisherStatus es la vista operativa del publicador.
type PublisherStatus struct {
	IsRunning            bool     `json:"isRunning"`
	CDCHealthy           bool     `json:"cdcHealthy"`
	CDCState             string   `json:"cdcState"`
	ConfiguredEventTypes []string `json:"configuredEventTypes"`
	StatsSnapshot
}

// Publisher coordina los dos caminos de entrega con sus tareas de apoyo.
// Es una instancia explícita: el servicio de administración llama a Reload
// tras cambiar una ruta.
type Publisher struct {
	resolver *RoutingResolver
	cdc      *CDCSubscriber // nil si no hay feed de cambios
	sweeper  *PollingSweeper
	janitor  *Janitor
	extra    []Runner
	stats    *Stats
	log      *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPublisher(
	resolver *RoutingResolver,
	cdc *CDCSubscriber,
	sweeper *PollingSweeper,
	janitor *Janitor,
	stats *Stats,
	log *zap.Logger,
	extra ...Runner,
) *Publisher {
	return &Publisher{
		resolver: resolver,
		cdc:      cdc,
		sweeper:  sweeper,
		janitor:  janitor,
		extra:    extra,
		stats:    stats,
		log:      log.With(zap.String("component", "outbox-publisher")),
	}
}

// Start carga las rutas y lanza los bucles en segundo plano.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return domain.ErrPublisherRunning
	}
	if err := p.resolver.Reload(ctx); err != nil {
		return fmt.Errorf("starting publisher: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	runners := []Runner{p.sweeper}
	if p.cdc != nil {
		runners = append(runners, p.cdc)
	}
	if p.janitor != nil {
		runners = append(runners, p.janitor)
	}
	runners = append(runners, p.extra...)
	for _, r := range runners {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := g.Wait(); err != nil {
			p.log.Error("❌ Un bucle del publicador terminó con error", zap.Error(err))
		}
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.running = true
	p.cancel = cancel
	p.done = done
	p.log.Info("🚀 Publicador del outbox iniciado",
		zap.Bool("cdc", p.cdc != nil),
		zap.Strings("configured_event_types", p.resolver.ConfiguredTypes()))
	return nil
}

// Stop detiene los bucles y espera a que terminen o a que ctx venza.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		p.log.Info("🛑 Publicador del outbox detenido")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload vuelve a leer las rutas; los bucles las ven en su siguiente pasada.
func (p *Publisher) Reload(ctx context.Context) error {
	return p.resolver.Reload(ctx)
}

func (p *Publisher) Status() PublisherStatus {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	st := PublisherStatus{
		IsRunning:            running,
		CDCState:             "disabled",
		ConfiguredEventTypes: p.resolver.ConfiguredTypes(),
		StatsSnapshot:        p.stats.Snapshot(),
	}
	if p.cdc != nil {
		st.CDCHealthy = running && p.cdc.Healthy()
		st.CDCState = p.cdc.State()
	}
	return st
}
