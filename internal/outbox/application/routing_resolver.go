package application

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
)

// RoutingResolver mantiene en memoria la configuración de rutas. Los dos
// caminos de entrega solo la leen; Reload la sustituye entera.
type RoutingResolver struct {
	repo domain.RoutingRepository
	log  *zap.Logger

	mu     sync.RWMutex
	routes map[string]domain.RoutingConfig
}

func NewRoutingResolver(repo domain.RoutingRepository, log *zap.Logger) *RoutingResolver {
	return &RoutingResolver{
		repo:   repo,
		log:    log.With(zap.String("component", "routing-resolver")),
		routes: make(map[string]domain.RoutingConfig),
	}
}

func (r *RoutingResolver) Reload(ctx context.Context) error {
	list, err := r.repo.ListRoutes(ctx)
	if err != nil {
		return fmt.Errorf("loading routing configs: %w", err)
	}
	next := make(map[string]domain.RoutingConfig, len(list))
	for _, cfg := range list {
		next[cfg.EventType] = cfg
	}

	r.mu.Lock()
	r.routes = next
	r.mu.Unlock()

	r.log.Info("🔁 Rutas del outbox recargadas", zap.Int("routes", len(next)))
	return nil
}

// Resolve devuelve la ruta del tipo, o la ruta por defecto (polling) si no
// está configurado.
func (r *RoutingResolver) Resolve(eventType string) domain.RoutingConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.routes[eventType]; ok {
		return cfg
	}
	return domain.DefaultRouting(eventType)
}

// Routes devuelve las rutas configuradas ordenadas por eventType.
func (r *RoutingResolver) Routes() []domain.RoutingConfig {
	r.mu.RLock()
	out := make([]domain.RoutingConfig, 0, len(r.routes))
	for _, cfg := range r.routes {
		out = append(out, cfg)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EventType < out[j].EventType })
	return out
}

func (r *RoutingResolver) ConfiguredTypes() []string {
	routes := r.Routes()
	out := make([]string, 0, len(routes))
	for _, cfg := range routes {
		out = append(out, cfg.EventType)
	}
	return out
}
