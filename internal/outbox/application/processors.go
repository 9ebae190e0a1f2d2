package application

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/davicafu/fleetguard/internal/outbox/domain"
	sharedDomain "github.com/davicafu/fleetguard/shared/domain"
)

const (
	ProcessorMetadataEnricher = "metadata_enricher"
	ProcessorRedactSensitive  = "redact_sensitive"
)

// ProcessorRegistry resuelve el processorClass de una ruta.
type ProcessorRegistry struct {
	mu         sync.RWMutex
	processors map[string]domain.Processor
}

// NewProcessorRegistry registra los procesadores incluidos.
func NewProcessorRegistry(source string) *ProcessorRegistry {
	r := &ProcessorRegistry{processors: make(map[string]domain.Processor)}
	r.Register(ProcessorMetadataEnricher, MetadataEnricher{Source: source})
	r.Register(ProcessorRedactSensitive, NewRedactSensitive())
	return r
}

func (r *ProcessorRegistry) Register(name string, p domain.Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[name] = p
}

func (r *ProcessorRegistry) Get(name string) (domain.Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProcessor, name)
	}
	return p, nil
}

func (r *ProcessorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processors))
	for name := range r.processors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MetadataEnricher completa la trazabilidad que falte: source y un
// correlationId igual al eventId.
type MetadataEnricher struct {
	Source string
}

func (m MetadataEnricher) Process(ctx context.Context, evt *domain.OutboxEvent) (*domain.OutboxEvent, error) {
	out := *evt
	out.Payload = evt.Payload.Clone()
	if out.Metadata.Source == "" {
		out.Metadata.Source = m.Source
	}
	if out.Metadata.CorrelationID == "" {
		out.Metadata.CorrelationID = evt.ID.String()
	}
	return &out, nil
}

// RedactSensitive sustituye los valores de claves sensibles del payload,
// también dentro de objetos anidados.
type RedactSensitive struct {
	keys map[string]struct{}
}

const redacted = "[REDACTED]"

func NewRedactSensitive(extraKeys ...string) RedactSensitive {
	keys := map[string]struct{}{}
	for _, k := range append([]string{"password", "secret", "token", "apikey", "api_key", "credentials"}, extraKeys...) {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return RedactSensitive{keys: keys}
}

func (r RedactSensitive) Process(ctx context.Context, evt *domain.OutboxEvent) (*domain.OutboxEvent, error) {
	out := *evt
	out.Payload = sharedDomain.Payload(r.redactMap(evt.Payload))
	return &out, nil
}

func (r RedactSensitive) redactMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, sensitive := r.keys[strings.ToLower(k)]; sensitive {
			out[k] = redacted
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r RedactSensitive) redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return r.redactMap(t)
	case sharedDomain.Payload:
		return sharedDomain.Payload(r.redactMap(t))
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = r.redactValue(item)
		}
		return items
	}
	return v
}
