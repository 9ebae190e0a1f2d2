package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
	sharedBus "github.com/davicafu/fleetguard/shared/platform/bus"
	"github.com/davicafu/fleetguard/shared/utils"
)

type CDCConfig struct {
	Workers int
	// FailureLimit fallos seguidos de publicación abren el breaker durante
	// OpenTimeout; luego se admite una sola prueba.
	FailureLimit  uint32
	OpenTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	NoticeBacklog int
}

func (c CDCConfig) withDefaults() CDCConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.FailureLimit == 0 {
		c.FailureLimit = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.NoticeBacklog <= 0 {
		c.NoticeBacklog = 256
	}
	return c
}

// CDCSubscriber entrega al momento los eventos cuyo tipo va por CDC. Está
// sano mientras el feed esté conectado y el breaker no esté abierto; si no,
// ignora los avisos y el polling se encarga de esos tipos.
type CDCSubscriber struct {
	feed      domain.ChangeFeed
	deliverer *Deliverer
	resolver  *RoutingResolver
	bus       sharedBus.Publisher
	breaker   *gobreaker.CircuitBreaker
	cfg       CDCConfig
	connected atomic.Bool
	notices   chan domain.ChangeNotice
	log       *zap.Logger
}

func NewCDCSubscriber(
	feed domain.ChangeFeed,
	deliverer *Deliverer,
	resolver *RoutingResolver,
	bus sharedBus.Publisher,
	cfg CDCConfig,
	log *zap.Logger,
) *CDCSubscriber {
	cfg = cfg.withDefaults()
	s := &CDCSubscriber{
		feed:      feed,
		deliverer: deliverer,
		resolver:  resolver,
		bus:       bus,
		cfg:       cfg,
		notices:   make(chan domain.ChangeNotice, cfg.NoticeBacklog),
		log:       log.With(zap.String("component", "cdc-subscriber")),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-cdc",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureLimit
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("🔌 Cambio de estado del circuit breaker CDC",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return s
}

// Healthy: feed conectado y breaker no abierto.
func (s *CDCSubscriber) Healthy() bool {
	return s.connected.Load() && s.breaker.State() != gobreaker.StateOpen
}

// State resume la salud: "disconnected" o el estado del breaker.
func (s *CDCSubscriber) State() string {
	if !s.connected.Load() {
		return "disconnected"
	}
	return s.breaker.State().String()
}

// Run escucha el feed y reconecta con backoff exponencial hasta que ctx termina.
func (s *CDCSubscriber) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.work(gctx)
			return nil
		})
	}
	g.Go(func() error {
		s.listen(gctx)
		return nil
	})
	return g.Wait()
}

func (s *CDCSubscriber) listen(ctx context.Context) {
	attempt := 0
	for {
		err := s.feed.Listen(ctx, domain.FeedHandler{
			OnConnected: func() {
				attempt = 0
				s.connected.Store(true)
				s.log.Info("📡 Feed de cambios conectado")
			},
			OnNotice: func(n domain.ChangeNotice) {
				select {
				case s.notices <- n:
				case <-ctx.Done():
				}
			},
		})
		s.connected.Store(false)
		if ctx.Err() != nil {
			s.log.Info("🛑 Suscriptor CDC detenido")
			return
		}

		wait := utils.Backoff(s.cfg.ReconnectBase, s.cfg.ReconnectMax, attempt)
		attempt++
		s.log.Warn("⚠️ Feed de cambios desconectado, reconectando",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		if utils.SleepWithContext(ctx, wait) != nil {
			return
		}
	}
}

func (s *CDCSubscriber) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.notices:
			s.handle(ctx, n)
		}
	}
}

func (s *CDCSubscriber) handle(ctx context.Context, n domain.ChangeNotice) {
	if !s.Healthy() {
		return
	}
	if !s.resolver.Resolve(n.EventType).StreamsOverCDC() {
		return
	}
	if _, err := s.deliverer.Deliver(ctx, n.EventID, domain.PathCDC, s.send); err != nil {
		s.log.Debug("entrega CDC fallida", zap.String("event_id", n.EventID.String()), zap.Error(err))
	}
}

// send publica a través del breaker. Si el breaker rechaza la llamada el
// mensaje no salió y la entrega se aplaza sin gastar reintento.
func (s *CDCSubscriber) send(ctx context.Context, msg sharedBus.Message) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.bus.Publish(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrDeliveryDeferred, err)
	}
	return err
}
